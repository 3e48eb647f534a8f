package topology

import (
	"testing"

	"github.com/zclconf/go-cty/cty"
)

// mustResolve builds a graph and resolves its reference edges.
func mustResolve(t *testing.T, src string, vars map[string]cty.Value) *Graph {
	t.Helper()
	graph, err := resolve(src, vars)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return graph
}

func resolve(src string, vars map[string]cty.Value) (*Graph, error) {
	graph, err := build(src, vars)
	if err != nil {
		return nil, err
	}
	if err := Resolve(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

func hasEdge(graph *Graph, from, to NodeID) bool {
	for _, dep := range graph.Dependencies(from) {
		if dep == to {
			return true
		}
	}
	return false
}

func TestImplicitReferenceEdge(t *testing.T) {
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

	if !hasEdge(graph, "network.app", "network.vpc") {
		t.Fatalf("expected edge network.app -> network.vpc, edges: %v", graph.Edges)
	}
	refs := graph.Nodes["network.app"].References
	if len(refs) != 1 || refs[0].AttributePath != "node.network.vpc.id" {
		t.Errorf("unexpected references: %+v", refs)
	}
}

func TestWholeGroupFanIn(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "subnet" "app" {
    count      = 3
    attributes = { cidr = format("10.0.%d.0/24", count.index) }
  }
  resource "cluster" "main" {
    attributes = { subnets = node.network.app[*].id }
  }
}`, nil)

	for i := 0; i < 3; i++ {
		to := MakeID("network", "app", i, "")
		if !hasEdge(graph, "network.main", to) {
			t.Errorf("expected fan-in edge to %s", to)
		}
	}
	if len(graph.Dependencies("network.main")) != 3 {
		t.Errorf("expected 3 dependencies, got %v", graph.Dependencies("network.main"))
	}
}

func TestIndexedReference(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "subnet" "app" {
    count      = 2
    attributes = { cidr = format("10.0.%d.0/24", count.index) }
  }
  resource "database" "db" {
    attributes = { subnet = node.network.app[1].id }
  }
}`, nil)

	deps := graph.Dependencies("network.db")
	if len(deps) != 1 || deps[0] != "network.app[1]" {
		t.Fatalf("expected single edge to network.app[1], got %v", deps)
	}
}

func TestKeyedReference(t *testing.T) {
	graph := mustResolve(t, `
module "dns" {
  resource "dns-record" "svc" {
    for_each   = var.records
    attributes = { name = each.key }
  }
  resource "certificate" "cert" {
    attributes = { domain = node.dns.svc["api"].id }
  }
}`, map[string]cty.Value{"records": cty.MapVal(map[string]cty.Value{
		"api": cty.StringVal("a"),
		"web": cty.StringVal("b"),
	})})

	deps := graph.Dependencies("dns.cert")
	if len(deps) != 1 || deps[0] != `dns.svc["api"]` {
		t.Fatalf("expected single edge to dns.svc[\"api\"], got %v", deps)
	}
}

func TestDanglingReferenceFault(t *testing.T) {
	_, err := resolve(`
module "network" {
  resource "subnet" "app" {
    attributes = { network = node.network.missing.id }
  }
}`, nil)
	wantFault(t, err, FaultDanglingReference)
}

func TestElidedReferenceFault(t *testing.T) {
	_, err := resolve(`
module "platform" {
  resource "cluster" "dr" {
    condition  = var.enable_dr
    attributes = { region = "us-1" }
  }
  resource "database" "db" {
    attributes = { cluster = node.platform.dr.id }
  }
}`, map[string]cty.Value{"enable_dr": cty.False})
	wantFault(t, err, FaultElidedReference)
}

func TestGuardedReferenceToElidedNodeIsDropped(t *testing.T) {
	src := `
module "edge" {
  resource "gateway" "gw" {
    condition  = var.enable_gateway
    attributes = { network = "net-1" }
  }
  resource "listener" "https" {
    attributes = {
      port   = "443"
      target = var.enable_gateway ? node.edge.gw.id : "none"
    }
  }
}`

	// Gateway disabled: the guarded reference is unreachable, so the
	// listener compiles with no dependency at all.
	graph := mustResolve(t, src, map[string]cty.Value{"enable_gateway": cty.False})
	if deps := graph.Dependencies("edge.https"); len(deps) != 0 {
		t.Fatalf("expected no dependencies, got %v", deps)
	}
	val, err := graph.EvalAttributes(graph.Nodes["edge.https"], nil)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := val.GetAttr("target"); got != cty.StringVal("none") {
		t.Errorf("expected fallback target, got %#v", got)
	}

	// Gateway enabled: the same descriptor produces the edge.
	graph = mustResolve(t, src, map[string]cty.Value{"enable_gateway": cty.True})
	if !hasEdge(graph, "edge.https", "edge.gw") {
		t.Fatalf("expected edge to the enabled gateway, got %v", graph.Edges)
	}
}

func TestGuardedDependsOnElidedNodeStillFaults(t *testing.T) {
	_, err := resolve(`
module "edge" {
  resource "gateway" "gw" {
    condition  = var.enable_gateway
    attributes = { network = "net-1" }
  }
  resource "listener" "https" {
    attributes = { port = "443" }
    depends_on = [node.edge.gw]
  }
}`, map[string]cty.Value{"enable_gateway": cty.False})
	wantFault(t, err, FaultElidedReference)
}

func TestSelfReferenceFault(t *testing.T) {
	_, err := resolve(`
module "platform" {
  resource "cluster" "main" {
    attributes = { endpoint = node.platform.main.id }
  }
}`, nil)
	wantFault(t, err, FaultSelfReference)
}

func TestOutOfRangeIndexFault(t *testing.T) {
	_, err := resolve(`
module "network" {
  resource "subnet" "app" {
    count      = 2
    attributes = { cidr = "10.0.0.0/24" }
  }
  resource "database" "db" {
    attributes = { subnet = node.network.app[5].id }
  }
}`, nil)
	wantFault(t, err, FaultInvalidIndex)
}

func TestUnknownKeyFault(t *testing.T) {
	_, err := resolve(`
module "dns" {
  resource "dns-record" "svc" {
    for_each   = ["api"]
    attributes = { name = each.value }
  }
  resource "certificate" "cert" {
    attributes = { domain = node.dns.svc["missing"].id }
  }
}`, nil)
	wantFault(t, err, FaultDanglingReference)
}

func TestDependsOnEdge(t *testing.T) {
	graph := mustResolve(t, `
module "platform" {
  resource "network" "vpc" {
    attributes = { cidr = "10.0.0.0/16" }
  }
  resource "cluster" "main" {
    attributes = { region = "eu-1" }
    depends_on = [node.platform.vpc]
  }
}`, nil)

	if !hasEdge(graph, "platform.main", "platform.vpc") {
		t.Fatalf("expected depends_on edge, got %v", graph.Edges)
	}
}

func TestDuplicateEdgesCollapsed(t *testing.T) {
	graph := mustResolve(t, `
module "network" {
  resource "network" "vpc" {
    attributes = { cidr = "10.0.0.0/16" }
  }
  resource "subnet" "app" {
    attributes = {
      network = node.network.vpc.id
      urn     = node.network.vpc.urn
    }
    depends_on = [node.network.vpc]
  }
}`, nil)

	if deps := graph.Dependencies("network.app"); len(deps) != 1 {
		t.Fatalf("expected collapsed single dependency, got %v", deps)
	}
}
