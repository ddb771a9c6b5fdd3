package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Projector.Interval != 5*time.Second || cfg.Projector.MaxLag != time.Minute {
		t.Fatalf("unexpected projector timings: %+v", cfg.Projector)
	}
	if cfg.Retry.Window != time.Hour || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("unexpected retry policy: %+v", cfg.Retry)
	}
	if !cfg.StartOnClaim() {
		t.Fatalf("start_on_claim should default to true")
	}
	if cfg.PriorityScore("critical") != 4 || cfg.PriorityScore("low") != 1 || cfg.PriorityScore("nope") != 0 {
		t.Fatalf("unexpected priority scores: %v", cfg.Severity.Priority)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`project:
  id: demo
claim:
  start_on_claim: false
  eligible_statuses: [ready]
retry:
  max_retries: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Project.ID != "demo" || cfg.Retry.MaxRetries != 5 || cfg.Retry.Window != time.Hour {
		t.Fatalf("unexpected merge: %+v", cfg)
	}
	if cfg.StartOnClaim() {
		t.Fatalf("start_on_claim override ignored")
	}
	if got := cfg.EligibleStatuses(); len(got) != 1 || got[0] != "ready" {
		t.Fatalf("eligible statuses not replaced: %v", got)
	}
	if !cfg.HasType("dashboard") || !cfg.HasDependencyType("blocks") {
		t.Fatalf("list defaults lost")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing project": "project:\n  id: \"\"\n",
		"terminal status": "project:\n  id: p\nclaim:\n  eligible_statuses: [done]\n",
		"unknown status":  "project:\n  id: p\nclaim:\n  eligible_statuses: [waiting]\n",
		"interval > lag":  "project:\n  id: p\nprojector:\n  interval: 2m\n",
		"webhook url":     "project:\n  id: p\nwebhooks:\n  - events: [work.created]\n",
		"unpriced sev":    "project:\n  id: p\nwork:\n  severities: [blocker]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "wb init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workbridge.yml"), []byte(GenerateDefault("proj-x")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "proj-x" {
		t.Fatalf("unexpected project id %q", cfg.Project.ID)
	}
}
