// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package daemon runs the updater: a one-time validation of every configured repository, then a
// loop that polls each repository's version sources and commits updated Dockerfiles.
//
// Work is sequential. Repositories are processed in config order, and a failure in one
// repository is logged and skipped until the next cycle.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/google/go-github/v65/github"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/githubutil"
	"github.com/microsoft/dockerargupdater/update"
)

// Gateway reads and writes repository content. *githubutil.Gateway implements Gateway.
type Gateway interface {
	Identity(ctx context.Context) (string, error)
	FetchRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
	FetchBranch(ctx context.Context, owner, repo, branch string) (string, error)
	FetchFile(ctx context.Context, owner, repo, branch, path string) (*githubutil.File, error)
	UpdateFile(ctx context.Context, owner, repo, branch string, file *githubutil.File, message string, content []byte) (string, error)
}

// Source resolves arg versions and checks version source URLs. *versionsource.Source implements
// Source.
type Source interface {
	update.Resolver
	Probe(ctx context.Context, url string) error
}

// Options change how the daemon runs.
type Options struct {
	// DryRun plans updates and logs them, but doesn't commit.
	DryRun bool
	// Once makes Run return after one cycle instead of sleeping and repeating.
	Once bool
}

// Daemon holds everything needed to run update cycles. It is not safe for concurrent use.
type Daemon struct {
	Config   *config.Config
	Gateway  Gateway
	Source   Source
	Template *update.MessageTemplate
	Log      log.Interface
	Options  Options
}

// New creates a Daemon, parsing the commit message template from cfg.
func New(cfg *config.Config, gateway Gateway, source Source, logger log.Interface, opts Options) (*Daemon, error) {
	t, err := update.ParseMessageTemplate(cfg.CommitTemplate)
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	return &Daemon{
		Config:   cfg,
		Gateway:  gateway,
		Source:   source,
		Template: t,
		Log:      logger,
		Options:  opts,
	}, nil
}

// Run runs update cycles separated by the configured sleep time until ctx is done. The returned
// error is ctx's error, or nil if Options.Once is set.
func (d *Daemon) Run(ctx context.Context) error {
	d.Log.Info("daemon started")
	for {
		if err := d.RunCycle(ctx); err != nil {
			return err
		}
		if d.Options.Once {
			return nil
		}

		d.Log.Debugf("sleeping %v", d.Config.SleepTime)
		timer := time.NewTimer(d.Config.SleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.Log.Info("shutting down")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle checks every repository once. Per-repository failures are logged, not returned: the
// only error is ctx's, if it is done.
func (d *Daemon) RunCycle(ctx context.Context) error {
	for _, repo := range d.Config.Repositories {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.updateRepository(ctx, repo); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logFailure(repo, err)
		}
	}
	return nil
}

func (d *Daemon) updateRepository(ctx context.Context, repo *config.Repository) error {
	file, err := d.Gateway.FetchFile(ctx, repo.Owner, repo.Name, repo.Branch, repo.Dockerfile)
	if err != nil {
		return err
	}

	result, err := update.Plan(ctx, string(file.Content), repo, d.Source, d.Log)
	if err != nil {
		return err
	}
	repoLog := d.Log.WithField("repo", repo.Slug)
	if len(result.Changes) == 0 {
		repoLog.Debug("no changes")
		return nil
	}

	message, err := d.Template.Execute(repo, result.Changes)
	if err != nil {
		return err
	}
	if d.Options.DryRun {
		repoLog.Infof("dry run, not committing: %v", message)
		return nil
	}

	sha, err := d.Gateway.UpdateFile(ctx, repo.Owner, repo.Name, repo.Branch, file, message, []byte(result.Dockerfile))
	if err != nil {
		return err
	}
	repoLog.WithField("commit", sha).Infof("%v: %v", repo.Slug, message)
	return nil
}

func (d *Daemon) logFailure(repo *config.Repository, err error) {
	entry := d.Log.WithField("repo", repo.Slug)

	var argErr *update.ArgumentError
	var missingErr *update.MissingArgumentError
	switch {
	case errors.As(err, &argErr):
		entry = entry.WithField("arg", argErr.Argument)
	case errors.As(err, &missingErr):
		entry = entry.WithField("arg", missingErr.Argument)
	}
	entry.WithError(err).Error("update failed, skipping until next cycle")
}
