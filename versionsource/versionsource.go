// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package versionsource fetches the latest value of a Dockerfile ARG from a JSON endpoint, such as
// the GitHub releases API or a project's own release feed.
package versionsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/microsoft/dockerargupdater/config"
	"github.com/microsoft/dockerargupdater/dockerfile"
	"github.com/microsoft/dockerargupdater/jsonpath"
	"github.com/microsoft/dockerargupdater/stringutil"
	"golang.org/x/oauth2"
)

// DefaultTrustedPrefix is the URL prefix that gets the GitHub token attached. The token is never
// sent to any other host.
const DefaultTrustedPrefix = "https://api.github.com/"

var (
	// ErrDecode indicates the response body wasn't valid JSON.
	ErrDecode = errors.New("response is not valid JSON")
	// ErrMalformedVersion indicates the fetched version didn't contain the configured
	// strip_front value.
	ErrMalformedVersion = errors.New("malformed version")
)

// FetchError is a failure to get a successful HTTP response from a version source.
type FetchError struct {
	URL string
	// StatusCode is the HTTP status, or 0 if no response was received.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %v: got status code %v", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %v: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Source resolves config.Arguments to version strings.
type Source struct {
	// Client is used for all requests. Its Timeout bounds each fetch.
	Client *http.Client
	// Token, if not nil, supplies the token sent to URLs under TrustedPrefix.
	Token oauth2.TokenSource
	// TrustedPrefix overrides DefaultTrustedPrefix, e.g. for GitHub Enterprise Server.
	TrustedPrefix string
	// Log receives warnings about lenient conversions.
	Log log.Interface
}

// New creates a Source with a bounded request timeout.
func New(timeout time.Duration, token oauth2.TokenSource, logger log.Interface) *Source {
	return &Source{
		Client: &http.Client{Timeout: timeout},
		Token:  token,
		Log:    logger,
	}
}

// Resolve fetches arg.URL, extracts the value at arg.Structure, and applies arg.StripFront.
func (s *Source) Resolve(ctx context.Context, arg *config.Argument) (string, error) {
	doc, err := s.fetch(ctx, arg.URL)
	if err != nil {
		return "", err
	}
	value, err := jsonpath.Extract(doc, arg.Structure)
	if err != nil {
		return "", fmt.Errorf("url %v: %w", arg.URL, err)
	}

	version, ok := value.(string)
	if !ok {
		// Some feeds publish versions as numbers. Accept them, but make it visible.
		version = stringify(value)
		s.Log.WithFields(log.Fields{
			"url":       arg.URL,
			"structure": arg.Structure,
		}).Warnf("JSON value is not a string: %v", version)
	}

	if arg.StripFront != nil {
		after, found := stringutil.CutThrough(version, *arg.StripFront)
		if !found {
			return "", fmt.Errorf("%w: %q does not contain %q", ErrMalformedVersion, version, *arg.StripFront)
		}
		version = after
	}
	if err := dockerfile.CheckValue(version); err != nil {
		return "", fmt.Errorf("%w: url %v: %w", ErrMalformedVersion, arg.URL, err)
	}
	return version, nil
}

// Probe fetches url and checks that it returns JSON.
func (s *Source) Probe(ctx context.Context, url string) error {
	_, err := s.fetch(ctx, url)
	return err
}

func (s *Source) fetch(ctx context.Context, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.Token != nil && strings.HasPrefix(url, s.trustedPrefix()) {
		t, err := s.Token.Token()
		if err != nil {
			return nil, &FetchError{URL: url, Err: fmt.Errorf("getting token: %w", err)}
		}
		req.Header.Set("Authorization", "token "+t.AccessToken)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	var doc any
	if err := stringutil.DecodeJSON(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrDecode, url, err)
	}
	return doc, nil
}

func (s *Source) trustedPrefix() string {
	if s.TrustedPrefix != "" {
		return s.TrustedPrefix
	}
	return DefaultTrustedPrefix
}

// stringify converts a non-string JSON value to the text used as its version: its JSON encoding.
// Numbers keep the text they were sent with because the decoder uses json.Number.
func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
