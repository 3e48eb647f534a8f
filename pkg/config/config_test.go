package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StatePath != "stratus.db" || cfg.Concurrency != 4 || cfg.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
state_path: /var/lib/stratus/prod.db
concurrency: 16
max_retries: 5
waiter_timeout: 2m
variables:
  env: prod
  zones: 3
  enable_dr: true
logging:
  level: debug
  format: json
metrics:
  enabled: true
  listen: 127.0.0.1:9464
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StatePath != "/var/lib/stratus/prod.db" || cfg.Concurrency != 16 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.WaiterTimeout.Std() != 2*time.Minute {
		t.Errorf("duration not parsed: %v", cfg.WaiterTimeout)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("metrics config not applied: %+v", cfg.Metrics)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	path := writeConfig(t, "concurrency: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for concurrency 0")
	}

	path = writeConfig(t, "concurrency: 10000\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for excessive concurrency")
	}
}

func TestCtyVariables(t *testing.T) {
	cfg := Default()
	cfg.Variables = map[string]interface{}{
		"env":    "prod",
		"zones":  3,
		"ratio":  0.5,
		"flag":   true,
		"names":  []interface{}{"a", "b"},
		"limits": map[string]interface{}{"cpu": "2"},
	}

	vars, err := cfg.CtyVariables()
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if vars["env"] != cty.StringVal("prod") {
		t.Errorf("string not converted: %#v", vars["env"])
	}
	zones, _ := vars["zones"].AsBigFloat().Int64()
	if zones != 3 {
		t.Errorf("int not converted: %#v", vars["zones"])
	}
	if vars["flag"] != cty.True {
		t.Errorf("bool not converted: %#v", vars["flag"])
	}
	if vars["names"].LengthInt() != 2 {
		t.Errorf("list not converted: %#v", vars["names"])
	}
	if vars["limits"].GetAttr("cpu") != cty.StringVal("2") {
		t.Errorf("map not converted: %#v", vars["limits"])
	}
}

func TestCtyVariablesRejectsUnsupportedType(t *testing.T) {
	cfg := Default()
	cfg.Variables = map[string]interface{}{"bad": struct{}{}}
	if _, err := cfg.CtyVariables(); err == nil {
		t.Fatalf("expected conversion error")
	}
}
