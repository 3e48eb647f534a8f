package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/stratusiac/stratus/pkg/engine"
	"github.com/stratusiac/stratus/pkg/provider"
	"github.com/stratusiac/stratus/pkg/stores"
	"github.com/stratusiac/stratus/pkg/telemetry"
	"github.com/stratusiac/stratus/pkg/topology"
)

// The shared fixture: a network feeding three mid-tier services, an
// independent certificate, and an edge gateway joining both branches.
const platformSrc = `
module "platform" {
  resource "network" "vpc" {
    attributes = { cidr = var.cidr }
  }
  resource "certificate" "cert" {
    attributes = { domain = "example.com" }
  }
  resource "cluster" "main" {
    attributes = {
      network = node.platform.vpc.id
      version = var.version
    }
  }
  resource "database" "db" {
    attributes = { network = node.platform.vpc.id }
  }
  resource "queue" "jobs" {
    attributes = { network = node.platform.vpc.id }
  }
  resource "gateway" "edge" {
    attributes = {
      certificate = node.platform.cert.id
      cluster     = node.platform.main.id
    }
  }
}`

func defaultVars() map[string]cty.Value {
	return map[string]cty.Value{
		"cidr":    cty.StringVal("10.0.0.0/16"),
		"version": cty.StringVal("1.30"),
	}
}

func compileSrc(t *testing.T, src string, vars map[string]cty.Value) *topology.Compiled {
	t.Helper()
	set, err := topology.ParseSources(map[string]string{"main.hcl": src})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	compiled, err := topology.Compile(set, vars)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return compiled
}

func testStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testRegistry registers a memory provider per kind and hands the
// instances back for failure injection.
func testRegistry(t *testing.T) (*engine.Registry, map[string]*provider.Memory) {
	t.Helper()
	immutables := map[string][]string{
		"network":     {"cidr"},
		"certificate": {"domain"},
		"cluster":     {"network"},
		"database":    {"network"},
		"queue":       {"network"},
		"gateway":     {"cluster"},
	}
	registry := engine.NewRegistry()
	mems := make(map[string]*provider.Memory, len(immutables))
	for kind, immutable := range immutables {
		m := provider.NewMemory(kind, immutable...)
		registry.Register(m)
		mems[kind] = m
	}
	return registry, mems
}

func newTestEngine(t *testing.T, store *stores.SQLiteStore, registry *engine.Registry,
	opts engine.Options) *engine.Engine {
	t.Helper()
	if opts.Concurrency == 0 {
		opts.Concurrency = 4
	}
	return engine.New(store, registry, telemetry.Nop(), nil, opts)
}

func planAndApply(t *testing.T, store *stores.SQLiteStore, registry *engine.Registry,
	c *topology.Compiled) *engine.Run {
	t.Helper()
	ctx := context.Background()

	plan, err := engine.NewPlanner(store, registry).Plan(ctx, c, engine.PlanOptions{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	run, err := newTestEngine(t, store, registry, engine.Options{}).Apply(ctx, c, plan)
	if err != nil {
		t.Fatalf("apply failed: %v (run: %+v)", err, run)
	}
	return run
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !engine.HasCode(err, code) {
		t.Fatalf("expected %s error, got: %v", code, err)
	}
}

func entryFor(t *testing.T, plan *engine.Plan, id topology.NodeID) engine.PlanEntry {
	t.Helper()
	for _, entry := range plan.Entries {
		if entry.NodeID == id {
			return entry
		}
	}
	t.Fatalf("no plan entry for %s", id)
	return engine.PlanEntry{}
}

var errTransient = errors.New("connection reset")
