// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package githubutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/go-github/v65/github"
	"golang.org/x/oauth2"
)

// UserAgent identifies the updater to GitHub.
const UserAgent = "microsoft/dockerargupdater"

// Types of error that may be returned from the GitHub API that the caller may want to handle.
var (
	// ErrFileNotExists indicates that the requested file does not exist in the specified GitHub repository and branch.
	ErrFileNotExists = errors.New("file does not exist in the given repository and branch")
	// ErrRepositoryNotExists indicates that the requested repository does not exist.
	ErrRepositoryNotExists = errors.New("repository does not exist")
	// ErrBranchNotExists indicates that the requested branch does not exist in the repository.
	ErrBranchNotExists = errors.New("branch does not exist in the given repository")
	// ErrBadCredentials indicates that GitHub rejected the token.
	ErrBadCredentials = errors.New("invalid access token")
)

// NewClient creates a GitHub client that authenticates with the given token source.
func NewClient(ctx context.Context, ts oauth2.TokenSource) *github.Client {
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	client.UserAgent = UserAgent
	return client
}

// PATTokenSource returns a token source for a personal access token.
func PATTokenSource(pat string) (oauth2.TokenSource, error) {
	if pat == "" {
		return nil, errors.New("no GitHub PAT specified")
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: pat}), nil
}

const (
	retryAttempts           = 5
	maxRateLimitResetWait   = time.Minute * 15
	rateLimitResetWaitSlack = time.Second * 5
)

// Retry runs f up to 'retryAttempts' times, logging the error if one is encountered. Handles
// GitHub rate limit exceeded errors by waiting, if the reset will happen reasonably soon. Client
// errors that won't change on retry, like 404 or 409, are returned immediately.
func Retry(ctx context.Context, logger log.Interface, f func() error) error {
	i := 0
	for ; i < retryAttempts; i++ {
		err := f()
		if err == nil {
			break
		}
		logger.Debugf("attempt %v/%v failed with error: %v", i+1, retryAttempts, err)
		if isPermanent(err) || i+1 >= retryAttempts {
			return err
		}
		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			resetDuration := time.Until(rateErr.Rate.Reset.Time)

			logger.Warnf("rate limit exceeded. Reset at %v, %v from now", rateErr.Rate.Reset, resetDuration)
			if resetDuration > maxRateLimitResetWait {
				logger.Warnf("rate limit reset is too far away to reasonably wait. Aborting")
				return err
			}

			// Sleep until the reset, plus some extra in case our clocks aren't synchronized.
			wait := resetDuration + rateLimitResetWaitSlack
			logger.Infof("waiting %v before next retry", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	if i > 0 {
		logger.Debugf("attempt %v/%v successful", i+1, retryAttempts)
	}
	return nil
}

// isPermanent reports whether err is a GitHub client error that retrying won't fix.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code := statusCode(err)
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// statusCode returns the HTTP status of a GitHub API error response, or 0.
func statusCode(err error) int {
	var errResponse *github.ErrorResponse
	if errors.As(err, &errResponse) && errResponse.Response != nil {
		return errResponse.Response.StatusCode
	}
	return 0
}

// File is a file read from a repository, with the blob SHA needed to update it.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

// Gateway reads and writes repository content through the GitHub API. Every call is retried
// with Retry.
type Gateway struct {
	Client *github.Client
	Log    log.Interface
	// Installation is set when Client authenticates as a GitHub App installation.
	Installation bool
}

// NewGateway creates a Gateway.
func NewGateway(client *github.Client, logger log.Interface) *Gateway {
	return &Gateway{Client: client, Log: logger}
}

// Identity describes who the client is authenticated as. This is a cheap way to check the
// credential: a rejected token returns an error wrapping ErrBadCredentials.
func (g *Gateway) Identity(ctx context.Context) (string, error) {
	var identity string
	var err error
	if g.Installation {
		identity, err = g.identityForInstallation(ctx)
	} else {
		identity, err = g.identityForUser(ctx)
	}
	if err != nil {
		if statusCode(err) == http.StatusUnauthorized && !errors.Is(err, ErrBadCredentials) {
			return "", fmt.Errorf("%w: %w", ErrBadCredentials, err)
		}
		return "", err
	}
	return identity, nil
}

func (g *Gateway) identityForUser(ctx context.Context) (string, error) {
	var user *github.User
	if err := Retry(ctx, g.Log, func() error {
		var err error
		user, _, err = g.Client.Users.Get(ctx, "")
		return err
	}); err != nil {
		return "", err
	}
	return "user " + user.GetLogin(), nil
}

// FetchRepository fetches a repository from GitHub or returns an error. If the GitHub API error
// matches one of the errors defined in this package, it is wrapped. Retries if necessary.
func (g *Gateway) FetchRepository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	var repository *github.Repository

	if err := Retry(ctx, g.Log, func() error {
		g.Log.Debugf("fetching repository %v/%v", owner, repo)
		r, _, err := g.Client.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return err
		}
		repository = r
		return nil
	}); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v/%v", ErrRepositoryNotExists, owner, repo)
		}
		return nil, err
	}

	return repository, nil
}

// FetchBranch returns the commit SHA at the head of branch.
func (g *Gateway) FetchBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	var ref *github.Reference
	if err := Retry(ctx, g.Log, func() error {
		var err error
		ref, _, err = g.Client.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
		return err
	}); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return "", fmt.Errorf("%w: %v in %v/%v", ErrBranchNotExists, branch, owner, repo)
		}
		return "", fmt.Errorf("failed to get branch %v: %w", branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// FetchFile downloads a file and its blob SHA from the given branch of a repository.
func (g *Gateway) FetchFile(ctx context.Context, owner, repo, branch, path string) (*File, error) {
	var fileContent *github.RepositoryContent
	if err := Retry(ctx, g.Log, func() error {
		var err error
		fileContent, _, _, err = g.Client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{
			Ref: branch,
		})
		return err
	}); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v on %v of %v/%v", ErrFileNotExists, path, branch, owner, repo)
		}
		return nil, err
	}
	if fileContent == nil {
		return nil, fmt.Errorf("%v in %v/%v is a directory, not a file", path, owner, repo)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, err
	}
	return &File{
		Path:    fileContent.GetPath(),
		SHA:     fileContent.GetSHA(),
		Content: []byte(content),
	}, nil
}

// UpdateFile commits new content for file to branch. The commit is rejected by GitHub if the
// file has changed since it was fetched. Returns the new commit's SHA.
func (g *Gateway) UpdateFile(ctx context.Context, owner, repo, branch string, file *File, message string, content []byte) (string, error) {
	var resp *github.RepositoryContentResponse
	if err := Retry(ctx, g.Log, func() error {
		var err error
		resp, _, err = g.Client.Repositories.UpdateFile(ctx, owner, repo, file.Path, &github.RepositoryContentFileOptions{
			Message: &message,
			Content: content,
			SHA:     &file.SHA,
			Branch:  &branch,
		})
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to commit %v to %v/%v@%v: %w", file.Path, owner, repo, branch, err)
	}
	return resp.Commit.GetSHA(), nil
}
