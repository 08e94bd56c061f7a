// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microsoft/dockerargupdater/config"
)

// ExitConfig is the exit status for configuration errors, from sysexits.h EX_CONFIG.
const ExitConfig = 78

// Startup validation problems.
var (
	ErrNoArguments     = errors.New("no args configured")
	ErrPermission      = errors.New("missing permission")
	ErrEmptyDockerfile = errors.New("no arguments with values found in Dockerfile")
	ErrMissingOption   = errors.New("missing required option")
)

// AuthError means the configured credential couldn't be used to authenticate with GitHub.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("invalid access token: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RepositoryError is a failure that applies to one repository, and possibly one of its args.
type RepositoryError struct {
	Slug string
	// Arg is the name of the arg the failure is about, or empty.
	Arg string
	Err error
}

func (e *RepositoryError) Error() string {
	if e.Arg != "" {
		return fmt.Sprintf("%v: arg %v: %v", e.Slug, e.Arg, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Slug, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// ValidationError holds every problem found by startup validation.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "startup validation found %v problem(s)", len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  ")
		b.WriteString(p.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// ExitCode returns the process exit status for an error returned by config loading or by the
// daemon. A canceled context is a normal shutdown.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var (
		configErr     *config.ConfigError
		authErr       *AuthError
		validationErr *ValidationError
	)
	if errors.As(err, &configErr) || errors.As(err, &authErr) || errors.As(err, &validationErr) {
		return ExitConfig
	}
	return 1
}
