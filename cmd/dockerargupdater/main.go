// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/daemon"
	"github.com/microsoft/dockerargupdater/githubutil"
	"github.com/microsoft/dockerargupdater/versionsource"
	"golang.org/x/oauth2"
)

const description = `
dockerargupdater watches JSON version feeds, like GitHub release APIs, and keeps the matching ARG
values in Dockerfiles up to date. When a feed reports a new version, the ARG line is rewritten and
committed directly to the configured branch.

On startup, every configured repository is checked once. Any problem, like a missing branch,
missing push permission, or an ARG that isn't in the Dockerfile, is reported and the process exits
with status 78. After that, failures are logged and retried on the next cycle.

Example: Check the config in /etc/dockerargupdater without committing anything:

  dockerargupdater -c /etc/dockerargupdater -n -once
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", ".", "The config file, or a directory containing "+config.FileName+".")
	flag.StringVar(&configPath, "c", ".", "Shorthand for -config.")
	dryRun := flag.Bool("n", false, "Dry run: log the commits that would be made, but don't make them.")
	once := flag.Bool("once", false, "Run one update cycle, then exit.")
	validateOnly := flag.Bool("validate", false, "Validate the config and repositories, then exit.")
	help := flag.Bool("h", false, "Print this help message.")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "\nUsage:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "%s\n\n", description)
	}
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}
	if len(flag.Args()) > 0 {
		fmt.Fprintf(flag.CommandLine.Output(), "Non-flag argument(s) provided but not accepted: %v\n", flag.Args())
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, configPath, daemon.Options{DryRun: *dryRun, Once: *once}, *validateOnly)
	stop()
	os.Exit(daemon.ExitCode(err))
}

func run(ctx context.Context, configPath string, opts daemon.Options, validateOnly bool) error {
	// Until the config is loaded, log at the default level as text.
	logger := &log.Logger{Handler: text.New(os.Stderr), Level: log.InfoLevel}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		logger.WithError(err).Error("unable to start")
		return err
	}
	logger = newLogger(cfg, os.Stderr)

	ts, installation, err := tokenSource(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("unable to start")
		return err
	}

	gateway := githubutil.NewGateway(githubutil.NewClient(ctx, ts), logger)
	gateway.Installation = installation
	source := versionsource.New(cfg.Timeout, ts, logger)

	d, err := daemon.New(cfg, gateway, source, logger, opts)
	if err != nil {
		logger.WithError(err).Error("unable to start")
		return err
	}

	if err := d.Validate(ctx); err != nil {
		var validationErr *daemon.ValidationError
		if !errors.As(err, &validationErr) {
			// Validation problems are logged as they're found.
			logger.WithError(err).Error("startup validation failed")
		}
		return err
	}
	if validateOnly {
		return nil
	}
	return d.Run(ctx)
}

func newLogger(cfg *config.Config, w io.Writer) *log.Logger {
	var handler log.Handler = text.New(w)
	if cfg.LogFormat == "json" {
		handler = json.New(w)
	}
	return &log.Logger{Handler: handler, Level: log.MustParseLevel(cfg.LogLevel)}
}

// tokenSource returns the credential for both GitHub API calls and trusted version source URLs,
// and whether it belongs to a GitHub App installation.
func tokenSource(ctx context.Context, cfg *config.Config) (oauth2.TokenSource, bool, error) {
	if app := cfg.GitHubApp; app != nil {
		ts, err := githubutil.NewAppTokenSource(ctx, app.AppID, app.InstallationID, app.PrivateKey)
		if err != nil {
			return nil, false, &config.ConfigError{Err: fmt.Errorf("github_app: %w", err)}
		}
		return ts, true, nil
	}
	ts, err := githubutil.PATTokenSource(cfg.AccessToken)
	if err != nil {
		return nil, false, &config.ConfigError{Err: err}
	}
	return ts, false, nil
}
