package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatd/internal/config"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatd", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "chat.db")) {
		t.Errorf("CacheDBPath(test) = %q, want suffix sessions/test/chat.db", got)
	}
}

func TestTokenPath(t *testing.T) {
	got := TokenPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "token")) {
		t.Errorf("TokenPath(test) = %q, want suffix sessions/test/token", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("dir %s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want flag override to win", got)
	}
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q with no config", got, DefaultSessionName)
	}

	if err := os.MkdirAll(BaseDir(), 0700); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.DefaultSession = "alt"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "alt" {
		t.Errorf("Resolve() = %q, want config default", got)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want flag to beat config", got)
	}
}
