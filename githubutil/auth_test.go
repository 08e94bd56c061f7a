// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package githubutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, string(p)
}

func TestParsePrivateKey(t *testing.T) {
	key, p := testKey(t)

	for name, input := range map[string]string{
		"pem":    p,
		"base64": base64.StdEncoding.EncodeToString([]byte(p)),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePrivateKey(input)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(key) {
				t.Error("parsed key doesn't match")
			}
		})
	}

	if _, err := ParsePrivateKey("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("not a key"))); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestAppTokenSource(t *testing.T) {
	key, _ := testKey(t)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		signed, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			t.Errorf("Authorization = %q, want a bearer JWT", r.Header.Get("Authorization"))
		}
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			t.Errorf("invalid JWT: %v", err)
		}
		if claims.Issuer != "7" {
			t.Errorf("iss = %q, want 7", claims.Issuer)
		}
		writeJSON(t, w, http.StatusCreated, map[string]any{
			"token":      "ghs_installation",
			"expires_at": expires.Format(time.RFC3339),
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ts := &AppTokenSource{
		AppID:          7,
		InstallationID: 42,
		Key:            key,
		BaseURL:        testClient(t, server).BaseURL,
		Now:            func() time.Time { return now },
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "ghs_installation" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if !tok.Expiry.Equal(expires) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, expires)
	}
}

func TestAppTokenSourceRejected(t *testing.T) {
	key, _ := testKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]string{"message": "A JSON web token could not be decoded"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ts := &AppTokenSource{AppID: 7, InstallationID: 42, Key: key, BaseURL: testClient(t, server).BaseURL}
	if _, err := ts.Token(); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Token() error = %v, want ErrBadCredentials", err)
	}
}
