package resilience

import (
	"errors"
	"testing"

	"github.com/msphinx/multisphinx/pkg/ngram"
	ngrammock "github.com/msphinx/multisphinx/pkg/ngram/mock"
)

func TestLoadWithFallback_PrimarySucceeds(t *testing.T) {
	primary := ngrammock.New(3, true)
	calls := map[string]int{}

	load := func(path string) (ngram.Model, error) {
		calls[path]++
		if path == "/models/primary.lm.bin" {
			return primary, nil
		}
		return nil, errors.New("should not reach backup")
	}

	m, err := LoadWithFallback([]NamedPath{
		{Name: "primary", Path: "/models/primary.lm.bin"},
		{Name: "backup", Path: "/models/backup.lm.bin"},
	}, load, FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != primary {
		t.Error("expected primary model")
	}
	if calls["/models/backup.lm.bin"] != 0 {
		t.Error("backup should not have been attempted")
	}
}

func TestLoadWithFallback_FailsOverToBackup(t *testing.T) {
	backup := ngrammock.New(3, true)

	load := func(path string) (ngram.Model, error) {
		if path == "/models/primary.lm.bin" {
			return nil, errors.New("primary file missing")
		}
		return backup, nil
	}

	m, err := LoadWithFallback([]NamedPath{
		{Name: "primary", Path: "/models/primary.lm.bin"},
		{Name: "backup", Path: "/models/backup.lm.bin"},
	}, load, FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != backup {
		t.Error("expected backup model")
	}
}

func TestLoadWithFallback_AllCandidatesFail(t *testing.T) {
	load := func(path string) (ngram.Model, error) {
		return nil, errors.New("load failed: " + path)
	}

	_, err := LoadWithFallback([]NamedPath{
		{Name: "primary", Path: "/models/primary.lm.bin"},
		{Name: "backup", Path: "/models/backup.lm.bin"},
	}, load, FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLoadWithFallback_NoCandidates(t *testing.T) {
	load := func(path string) (ngram.Model, error) {
		t.Fatal("load should not be called with no candidates")
		return nil, nil
	}

	_, err := LoadWithFallback[ngram.Model](nil, load, FallbackConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
