// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package update decides which ARGs in a repository's Dockerfile need a new value and produces
// the updated Dockerfile and the list of changes to commit.
package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/dockerfile"
	"golang.org/x/mod/semver"
)

// Resolver finds the latest value for an ARG. *versionsource.Source implements Resolver.
type Resolver interface {
	Resolve(ctx context.Context, arg *config.Argument) (string, error)
}

// Change is one ARG value replacement.
type Change struct {
	Argument string
	OldValue string
	NewValue string
	// Label is the name used for the ARG in the commit message.
	Label string
}

// Message returns the commit message fragment for this change.
func (c Change) Message() string {
	return "Updated " + c.Label + " to " + c.NewValue
}

// Result is the outcome of planning one repository.
type Result struct {
	// Dockerfile is the updated content, with every change applied.
	Dockerfile string
	// Changes is in config order. Empty means there is nothing to commit.
	Changes []Change
}

// MissingArgumentError means a configured ARG isn't declared (with a value) in the Dockerfile.
type MissingArgumentError struct {
	Argument string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("argument %v missing in Dockerfile", e.Argument)
}

// ArgumentError is a failure to get the latest value of one ARG.
type ArgumentError struct {
	Argument string
	Err      error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("getting new version for argument %v: %v", e.Argument, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Plan compares each configured ARG in content against its latest value. It stops at the first
// error: a repository is either planned completely or not at all.
func Plan(ctx context.Context, content string, repo *config.Repository, r Resolver, logger log.Interface) (*Result, error) {
	args := dockerfile.ParseArgs(content)
	result := &Result{Dockerfile: content}

	for _, arg := range repo.Args {
		current, ok := args[arg.Name]
		if !ok {
			return nil, &MissingArgumentError{Argument: arg.Name}
		}

		latest, err := r.Resolve(ctx, arg)
		if err != nil {
			return nil, &ArgumentError{Argument: arg.Name, Err: err}
		}

		argLog := logger.WithFields(log.Fields{"repo": repo.Slug, "arg": arg.Name})
		if latest == current.Value {
			argLog.Debugf("up to date at %v", current.Value)
			continue
		}
		if arg.Semver && !isUpgrade(current.Value, latest) {
			argLog.Warnf("skipping %v -> %v: not a semantic version upgrade", current.Value, latest)
			continue
		}

		result.Dockerfile, err = dockerfile.RewriteArg(result.Dockerfile, arg.Name, current.Line, latest)
		if err != nil {
			return nil, &ArgumentError{Argument: arg.Name, Err: err}
		}
		result.Changes = append(result.Changes, Change{
			Argument: arg.Name,
			OldValue: current.Value,
			NewValue: latest,
			Label:    arg.Label(),
		})
	}
	return result, nil
}

// isUpgrade reports whether both versions are valid semantic versions and latest is newer. A
// missing "v" prefix is allowed.
func isUpgrade(current, latest string) bool {
	c, l := canonical(current), canonical(latest)
	if !semver.IsValid(c) || !semver.IsValid(l) {
		return false
	}
	return semver.Compare(l, c) > 0
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// CommitMessage joins the message of each change with " & ".
func CommitMessage(changes []Change) string {
	messages := make([]string, 0, len(changes))
	for _, c := range changes {
		messages = append(messages, c.Message())
	}
	return strings.Join(messages, " & ")
}
