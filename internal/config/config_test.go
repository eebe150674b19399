package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsPassValidation(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() failed validation: %v", err)
	}
}

func TestValidateRejectsBadBackpressurePolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.BackpressurePolicy = "explode"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected an invalid backpressure_policy to fail validation")
	}
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Runtime.NumWorkers = 0
	cfg.Queue.Capacity = 0
	cfg.Engine.MaxTrackedIPs = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"num_workers", "queue.capacity", "max_tracked_ips"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to mention %q, got: %s", want, msg)
		}
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "schema_version: \"1\"\nnode_id: test-node\nengine:\n  risk_threshold: 25\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.RiskThreshold != 25 {
		t.Fatalf("RiskThreshold = %v, want 25 (from file)", cfg.Engine.RiskThreshold)
	}
	if cfg.Runtime.NumWorkers != Defaults().Runtime.NumWorkers {
		t.Fatalf("NumWorkers = %v, want default %v (untouched by file)", cfg.Runtime.NumWorkers, Defaults().Runtime.NumWorkers)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("schema_version: \"2\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject an unsupported schema_version")
	}
}
