package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_DefaultPath(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if filepath.Base(d.Path()) != DefaultDirName {
		t.Errorf("default path = %q, want it to end in %q", d.Path(), DefaultDirName)
	}
}

func TestEnsureExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drender-home")
	d, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("home directory not created: %v", err)
	}

	// Idempotent.
	if err := d.EnsureExists(); err != nil {
		t.Errorf("second EnsureExists() error = %v", err)
	}
}

func TestConfigExists(t *testing.T) {
	path := t.TempDir()
	d, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if d.ConfigExists() {
		t.Error("ConfigExists() = true before config written")
	}
	if err := os.WriteFile(d.ConfigPath(), []byte("broker: {}\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if !d.ConfigExists() {
		t.Error("ConfigExists() = false after config written")
	}
}
