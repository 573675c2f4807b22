package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outdial.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash: %v", err)
	}
	if !regexp.MustCompile(`^[a-f0-9]{64}$`).MatchString(h1) {
		t.Fatalf("unexpected hash format: %s", h1)
	}

	if err := os.WriteFile(path, []byte("service:\n  name: b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("hash should change when content changes")
	}
}

func TestFingerprint(t *testing.T) {
	if got := Defaults().Fingerprint(); got != "defaults" {
		t.Fatalf("Fingerprint() = %q, want defaults", got)
	}

	path := filepath.Join(t.TempDir(), "outdial.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	cfg.SourcePath = path
	if got := cfg.Fingerprint(); len(got) != 16 {
		t.Fatalf("Fingerprint() = %q, want 16 hex chars", got)
	}

	cfg.SourcePath = filepath.Join(t.TempDir(), "missing.yaml")
	if got := cfg.Fingerprint(); got != "unknown" {
		t.Fatalf("Fingerprint() = %q, want unknown", got)
	}
}
