// Package auth supplies bearer tokens to the transport and history layers.
// Tokens may rotate at any time, so they are fetched on every registration
// and request — never cached by the consumers.
package auth

import (
	"context"
	"os"
	"strings"
)

// TokenProvider returns the current bearer token, or "" if the session has
// none. Consulted on every socket registration and HTTP request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, used in tests and one-shot tooling.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

// FileProvider reads the token from a file in the session directory.
// A missing file means no token, not an error.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider reading from the given path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Token(context.Context) (string, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
