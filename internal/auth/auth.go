// Package auth supplies the bearer credentials attached to backend calls and
// to the real-time connection handshake.
//
// Token issuance is owned by the host application; this package only reads
// whatever token the host last stored.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrNoToken is returned when no credential is configured.
var ErrNoToken = errors.New("no session token configured")

// TokenSource yields the current session token.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token, typically injected from the environment.
type StaticToken string

// Token returns the token, or ErrNoToken if empty.
func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileToken re-reads a token file on every call so a host that refreshes the
// file after re-login is picked up without a restart.
type FileToken struct {
	Path string
}

// Token reads and trims the token file.
func (f FileToken) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// LoadCredentials picks a token source. An inline token wins over a token file.
// Returns nil, nil when neither is configured (anonymous access).
func LoadCredentials(token, tokenPath string) (TokenSource, error) {
	if token != "" {
		return StaticToken(token), nil
	}
	if tokenPath == "" {
		return nil, nil
	}

	src := FileToken{Path: tokenPath}
	if _, err := src.Token(); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return src, nil
}

// Apply sets the Authorization header on h. A nil source is a no-op.
func Apply(h http.Header, ts TokenSource) error {
	if ts == nil {
		return nil
	}
	token, err := ts.Token()
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}
