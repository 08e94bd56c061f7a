// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package githubutil

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v65/github"
	"golang.org/x/oauth2"
)

// appJWTLifetime is how long the JWT used to mint installation tokens is valid. GitHub allows up
// to 10 minutes.
const appJWTLifetime = 5 * time.Minute

// AppTokenSource mints GitHub App installation tokens. Use NewAppTokenSource to get one that
// caches each token until shortly before it expires.
type AppTokenSource struct {
	// Ctx is used for the token request.
	Ctx            context.Context
	AppID          int64
	InstallationID int64
	Key            *rsa.PrivateKey

	// BaseURL overrides the GitHub API endpoint. Must end with "/".
	BaseURL *url.URL
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewAppTokenSource parses privateKey, which is either a PEM-encoded RSA key or the same
// base64-encoded, and returns a reusing token source for the installation.
func NewAppTokenSource(ctx context.Context, appID, installationID int64, privateKey string) (oauth2.TokenSource, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(nil, &AppTokenSource{
		Ctx:            ctx,
		AppID:          appID,
		InstallationID: installationID,
		Key:            key,
	}), nil
}

// ParsePrivateKey decodes a GitHub App private key. Base64 is accepted so the key fits on one
// line of YAML.
func ParsePrivateKey(privateKey string) (*rsa.PrivateKey, error) {
	pemBytes := []byte(privateKey)
	if !strings.HasPrefix(strings.TrimSpace(privateKey), "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to base64-decode private key: %w", err)
		}
		pemBytes = decoded
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	return key, nil
}

// Token implements oauth2.TokenSource.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	signed, err := s.generateJWT()
	if err != nil {
		return nil, err
	}

	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	client := NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: signed}))
	if s.BaseURL != nil {
		client.BaseURL = s.BaseURL
	}
	installationToken, _, err := client.Apps.CreateInstallationToken(ctx, s.InstallationID, nil)
	if err != nil {
		if statusCode(err) == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: GitHub App %v rejected: %w", ErrBadCredentials, s.AppID, err)
		}
		return nil, fmt.Errorf("failed to create installation token: %w", err)
	}

	return &oauth2.Token{
		AccessToken: installationToken.GetToken(),
		TokenType:   "token",
		Expiry:      installationToken.GetExpiresAt().Time,
	}, nil
}

func (s *AppTokenSource) generateJWT() (string, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	claims := jwt.RegisteredClaims{
		// Backdated to allow for clock drift between us and GitHub.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    strconv.FormatInt(s.AppID, 10),
	}
	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signedToken, nil
}

// Installation tokens can't call the user endpoint, so list the repositories the installation
// can see instead.
func (g *Gateway) identityForInstallation(ctx context.Context) (string, error) {
	var repos *github.ListRepositories
	if err := Retry(ctx, g.Log, func() error {
		var err error
		repos, _, err = g.Client.Apps.ListRepos(ctx, &github.ListOptions{PerPage: 1})
		return err
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("app installation with access to %v repositories", repos.GetTotalCount()), nil
}
