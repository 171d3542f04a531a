package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msphinx/multisphinx/internal/config"
)

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decoder.yaml")
	if err := os.WriteFile(path, []byte("model:\n  lm_path: /models/en-us.lm.bin\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.LMPath != "/models/en-us.lm.bin" {
		t.Errorf("model.lm_path: got %q", cfg.Model.LMPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadFromReader_EmptyDocumentFailsValidation(t *testing.T) {
	// An empty document decodes fine (io.EOF) but has no LM path
	// configured, which Validate rejects.
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config (no LM configured), got nil")
	}
}
