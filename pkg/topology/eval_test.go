package topology

import (
	"testing"

	"github.com/zclconf/go-cty/cty"
)

func TestEvalAttributesWithOutputs(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "network" "vpc" {
    attributes = { cidr = "10.0.0.0/16" }
  }
  resource "subnet" "app" {
    attributes = {
      network = node.network.vpc.id
      cidr    = "10.0.1.0/24"
    }
  }
}`, nil)

	outputs := Outputs{
		"network.vpc": {"id": "net-000001"},
	}
	val, err := graph.EvalAttributes(graph.Nodes["network.app"], outputs)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := val.GetAttr("network"); got.AsString() != "net-000001" {
		t.Errorf("expected resolved output, got %#v", got)
	}
}

func TestEvalAttributesUnknownBeforeApply(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "network" "vpc" {
    attributes = { cidr = "10.0.0.0/16" }
  }
  resource "subnet" "app" {
    attributes = {
      network = node.network.vpc.id
      cidr    = "10.0.1.0/24"
    }
  }
}`, nil)

	val, err := graph.EvalAttributes(graph.Nodes["network.app"], Outputs{})
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if val.GetAttr("network").IsKnown() {
		t.Errorf("expected unknown value before dependency applied")
	}
	if !val.GetAttr("cidr").IsKnown() {
		t.Errorf("literal attribute should stay known")
	}
}

func TestEvalCountGroupTuple(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "subnet" "app" {
    count      = 2
    attributes = { cidr = format("10.0.%d.0/24", count.index) }
  }
  resource "cluster" "main" {
    attributes = { subnets = join(",", node.network.app[*].id) }
  }
}`, nil)

	outputs := Outputs{
		"network.app[0]": {"id": "sub-0"},
		"network.app[1]": {"id": "sub-1"},
	}
	val, err := graph.EvalAttributes(graph.Nodes["network.main"], outputs)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := val.GetAttr("subnets").AsString(); got != "sub-0,sub-1" {
		t.Errorf("expected ordered splat join, got %q", got)
	}
}

func TestEvalForEachGroupObject(t *testing.T) {
	graph := mustResolve(t, `
module "dns" {
  resource "dns-record" "svc" {
    for_each   = ["api", "web"]
    attributes = { name = each.value }
  }
  resource "certificate" "cert" {
    attributes = { target = node.dns.svc["web"].id }
  }
}`, nil)

	outputs := Outputs{
		`dns.svc["api"]`: {"id": "rec-api"},
		`dns.svc["web"]`: {"id": "rec-web"},
	}
	val, err := graph.EvalAttributes(graph.Nodes["dns.cert"], outputs)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := val.GetAttr("target").AsString(); got != "rec-web" {
		t.Errorf("expected keyed lookup, got %q", got)
	}
}

func TestMakeID(t *testing.T) {
	cases := []struct {
		index int
		key   string
		want  NodeID
	}{
		{-1, "", "m.n"},
		{3, "", "m.n[3]"},
		{-1, "api", `m.n["api"]`},
	}
	for _, c := range cases {
		if got := MakeID("m", "n", c.index, c.key); got != c.want {
			t.Errorf("MakeID(%d, %q) = %s, want %s", c.index, c.key, got, c.want)
		}
	}
}

func TestSubgraphRestriction(t *testing.T) {
	graph := mustResolve(t, platformSrc, nil)

	keep := map[NodeID]bool{"platform.cluster": true}
	for id := range graph.TransitiveDependencies("platform.cluster") {
		keep[id] = true
	}
	sub := graph.Subgraph(keep)

	if len(sub.Nodes) != 2 {
		t.Fatalf("expected cluster plus network, got %v", sub.SortedIDs())
	}
	if _, ok := sub.Nodes["platform.network"]; !ok {
		t.Errorf("dependency missing from subgraph")
	}
	if len(sub.Edges) != 1 {
		t.Errorf("expected 1 edge, got %v", sub.Edges)
	}
}

func TestTransitiveDependents(t *testing.T) {
	graph := mustResolve(t, platformSrc, nil)

	dependents := graph.TransitiveDependents("platform.network")
	want := []NodeID{"platform.cache", "platform.cluster", "platform.database", "platform.edge-listener"}
	if len(dependents) != len(want) {
		t.Fatalf("expected %v, got %v", want, dependents)
	}
	for _, id := range want {
		if !dependents[id] {
			t.Errorf("missing dependent %s", id)
		}
	}
}

func TestEvalStdlibFunctions(t *testing.T) {
	graph := mustBuild(t, `
module "m" {
  resource "bucket" "b" {
    attributes = {
      name  = lower(format("APP-%s", var.env))
      parts = length(split(",", "a,b,c"))
    }
  }
}`, map[string]cty.Value{"env": cty.StringVal("Prod")})

	val, err := graph.EvalAttributes(graph.Nodes["m.b"], nil)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := val.GetAttr("name").AsString(); got != "app-prod" {
		t.Errorf("expected app-prod, got %q", got)
	}
	parts, _ := val.GetAttr("parts").AsBigFloat().Int64()
	if parts != 3 {
		t.Errorf("expected 3 parts, got %d", parts)
	}
}
