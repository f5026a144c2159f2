package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "deckflow.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.MaxDecks != 3 || cfg.MaxSlideConcurrency != 3 {
		t.Fatalf("unexpected concurrency defaults %d/%d", cfg.MaxDecks, cfg.MaxSlideConcurrency)
	}
	if cfg.StageTimeout != 60*time.Second {
		t.Fatalf("unexpected stage timeout %s", cfg.StageTimeout)
	}
	if cfg.StageRetries != 2 {
		t.Fatalf("unexpected stage retries %d", cfg.StageRetries)
	}
	if cfg.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected retry backoff %s", cfg.RetryBackoff)
	}
	if cfg.VersionCap != 10 {
		t.Fatalf("unexpected version cap %d", cfg.VersionCap)
	}
	if cfg.GeneratorTimeout != 120*time.Second {
		t.Fatalf("unexpected generator timeout %s", cfg.GeneratorTimeout)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	v := NewViper()
	v.Set("orchestrator.max_decks", 5)
	v.Set("orchestrator.stage_timeout_seconds", 15)
	v.Set("generator.base_url", "http://collaborator.internal")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.MaxDecks != 5 {
		t.Fatalf("expected override to apply, got %d", cfg.MaxDecks)
	}
	if cfg.StageTimeout != 15*time.Second {
		t.Fatalf("expected stage timeout override, got %s", cfg.StageTimeout)
	}
	if cfg.GeneratorBaseURL != "http://collaborator.internal" {
		t.Fatalf("expected generator base url, got %q", cfg.GeneratorBaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty database path", key: "database.path", value: "  "},
		{name: "zero max decks", key: "orchestrator.max_decks", value: 0},
		{name: "zero slide concurrency", key: "orchestrator.max_slide_concurrency", value: 0},
		{name: "zero stage timeout", key: "orchestrator.stage_timeout_seconds", value: 0},
		{name: "negative retries", key: "orchestrator.stage_retries", value: -1},
		{name: "zero version cap", key: "versions.cap", value: 0},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			v := NewViper()
			v.Set(testCase.key, testCase.value)
			if _, err := Load(v); err == nil {
				t.Fatalf("expected validation error for %s", testCase.name)
			}
		})
	}
}
