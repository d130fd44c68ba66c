package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v, want abc, nil", tok, err)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("bearer-token-value\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tok, err := NewFileProvider(path).Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "bearer-token-value" {
		t.Errorf("Token() = %q, want trimmed bearer-token-value", tok)
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	tok, err := NewFileProvider(filepath.Join(t.TempDir(), "nope")).Token(context.Background())
	if err != nil {
		t.Errorf("missing token file should not error, got %v", err)
	}
	if tok != "" {
		t.Errorf("Token() = %q, want empty for missing file", tok)
	}
}
