package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	return path
}

func TestLoadDotenv_SetsVars(t *testing.T) {
	path := writeDotenv(t, `
# comment
LEASEQUEUE_ADMIN_TOKEN=devtoken
export LEASEQUEUE_SIGNING_SECRET="dev\tsecret"
LEASEQUEUE_SINGLE='a b'
`)
	t.Setenv("LEASEQUEUE_ADMIN_TOKEN", "")
	t.Setenv("LEASEQUEUE_SIGNING_SECRET", "")
	t.Setenv("LEASEQUEUE_SINGLE", "")

	n, err := loadDotenv(path)
	if err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if n != 3 {
		t.Fatalf("set=%d, want 3", n)
	}
	if got := os.Getenv("LEASEQUEUE_ADMIN_TOKEN"); got != "devtoken" {
		t.Fatalf("LEASEQUEUE_ADMIN_TOKEN=%q, want devtoken", got)
	}
	if got := os.Getenv("LEASEQUEUE_SIGNING_SECRET"); got != "dev\tsecret" {
		t.Fatalf("LEASEQUEUE_SIGNING_SECRET=%q, want unquoted value", got)
	}
	if got := os.Getenv("LEASEQUEUE_SINGLE"); got != "a b" {
		t.Fatalf("LEASEQUEUE_SINGLE=%q, want 'a b'", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	path := writeDotenv(t, "LEASEQUEUE_ADMIN_TOKEN=devtoken\n")
	t.Setenv("LEASEQUEUE_ADMIN_TOKEN", "prodtoken")

	n, err := loadDotenv(path)
	if err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if n != 0 {
		t.Fatalf("set=%d, want 0", n)
	}
	if got := os.Getenv("LEASEQUEUE_ADMIN_TOKEN"); got != "prodtoken" {
		t.Fatalf("LEASEQUEUE_ADMIN_TOKEN=%q, want prodtoken", got)
	}
}

func TestLoadDotenv_InvalidLines(t *testing.T) {
	for _, data := range []string{"NOEQUALS\n", "=value\n", "K=\"unterminated\\\"\n"} {
		if _, err := loadDotenv(writeDotenv(t, data)); err == nil {
			t.Fatalf("loadDotenv(%q): expected error", data)
		}
	}
}

func TestLoadDotenv_MissingFile(t *testing.T) {
	if _, err := loadDotenv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
