// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/dockerfile"
	"github.com/microsoft/dockerargupdater/update"
	"github.com/microsoft/dockerargupdater/versionsource"
)

// Validate checks the credential, then checks every repository: the credential can pull and push,
// the branch and Dockerfile exist, and each configured arg is complete and declared in the
// Dockerfile. Version source URLs are fetched once, but a bad status is only a warning.
//
// Validate doesn't stop at the first problem. Every problem is logged, and if there are any, they
// are all returned in a *ValidationError.
func (d *Daemon) Validate(ctx context.Context) error {
	d.Log.Info("performing startup validation checks...")

	identity, err := d.Gateway.Identity(ctx)
	if err != nil {
		return &AuthError{Err: err}
	}
	d.Log.Infof("authenticated as %v", identity)

	var problems []error
	for _, repo := range d.Config.Repositories {
		for _, p := range d.validateRepository(ctx, repo) {
			d.logProblem(p)
			problems = append(problems, p)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	d.Log.Info("config valid")
	return nil
}

func (d *Daemon) logProblem(err error) {
	entry := d.Log.WithError(err)
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		entry = entry.WithField("repo", repoErr.Slug)
		if repoErr.Arg != "" {
			entry = entry.WithField("arg", repoErr.Arg)
		}
	}
	entry.Error("validation failed")
}

// validateRepository returns the problems found in one repository. Checks that depend on an
// earlier one, like reading the Dockerfile after finding the branch, are skipped when it fails.
func (d *Daemon) validateRepository(ctx context.Context, repo *config.Repository) []error {
	var problems []error
	problem := func(arg string, err error) {
		problems = append(problems, &RepositoryError{Slug: repo.Slug, Arg: arg, Err: err})
	}

	if len(repo.Args) == 0 {
		problem("", ErrNoArguments)
	}

	gitRepo, err := d.Gateway.FetchRepository(ctx, repo.Owner, repo.Name)
	if err != nil {
		problem("", err)
		return problems
	}
	permissions := gitRepo.GetPermissions()
	for _, p := range []string{"pull", "push"} {
		if !permissions[p] {
			problem("", fmt.Errorf("%w: no %v permission for %v", ErrPermission, p, repo.FullName()))
		}
	}
	if len(problems) > 0 {
		return problems
	}

	if _, err := d.Gateway.FetchBranch(ctx, repo.Owner, repo.Name, repo.Branch); err != nil {
		problem("", err)
		return problems
	}
	file, err := d.Gateway.FetchFile(ctx, repo.Owner, repo.Name, repo.Branch, repo.Dockerfile)
	if err != nil {
		problem("", err)
		return problems
	}
	declared := dockerfile.ParseArgs(string(file.Content))
	if len(declared) == 0 {
		problem("", fmt.Errorf("%w: %v", ErrEmptyDockerfile, repo.Dockerfile))
		return problems
	}
	d.Log.WithField("repo", repo.Slug).Debugf("%v declares %v", repo.Dockerfile, strings.Join(dockerfile.Names(declared), ", "))

	for _, arg := range repo.Args {
		for _, option := range arg.Missing {
			problem(arg.Name, fmt.Errorf("%w: %v", ErrMissingOption, option))
		}
		if _, ok := declared[arg.Name]; !ok {
			problem(arg.Name, &update.MissingArgumentError{Argument: arg.Name})
		}
		if arg.URL == "" {
			if !slices.Contains(arg.Missing, "url") {
				problem(arg.Name, fmt.Errorf("%w: url is empty", ErrMissingOption))
			}
			continue
		}
		if err := d.Source.Probe(ctx, arg.URL); err != nil {
			var fetchErr *versionsource.FetchError
			if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
				d.Log.WithFields(log.Fields{"repo": repo.Slug, "arg": arg.Name}).
					Warnf("got response code %v for URL %v while running startup checks", fetchErr.StatusCode, arg.URL)
				continue
			}
			problem(arg.Name, err)
		}
	}
	return problems
}
