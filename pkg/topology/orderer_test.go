package topology

import (
	"testing"

	"github.com/zclconf/go-cty/cty"
)

func wavesOf(t *testing.T, src string, vars map[string]cty.Value) (*Graph, []Wave) {
	t.Helper()
	graph := mustResolve(t, src, vars)
	waves, err := Order(graph)
	if err != nil {
		t.Fatalf("ordering failed: %v", err)
	}
	return graph, waves
}

func wantWave(t *testing.T, wave Wave, ids ...NodeID) {
	t.Helper()
	if len(wave) != len(ids) {
		t.Fatalf("expected wave %v, got %v", ids, wave)
	}
	for i, id := range ids {
		if wave[i] != id {
			t.Fatalf("expected wave %v, got %v", ids, wave)
		}
	}
}

// The canonical platform layout: the network and certificate have no
// dependencies, three services share the network, and the edge listener
// needs both the certificate and the cluster.
const platformSrc = `
module "platform" {
  resource "network" "network" {
    attributes = { cidr = "10.0.0.0/16" }
  }
  resource "certificate" "certificate" {
    attributes = { domain = "example.com" }
  }
  resource "cluster" "cluster" {
    attributes = { network = node.platform.network.id }
  }
  resource "database" "database" {
    attributes = { network = node.platform.network.id }
  }
  resource "queue" "cache" {
    attributes = { network = node.platform.network.id }
  }
  resource "gateway" "edge-listener" {
    attributes = {
      certificate = node.platform.certificate.id
      cluster     = node.platform.cluster.id
    }
  }
}`

func TestPlatformWaves(t *testing.T) {
	_, waves := wavesOf(t, platformSrc, nil)

	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d: %v", len(waves), waves)
	}
	wantWave(t, waves[0], "platform.certificate", "platform.network")
	wantWave(t, waves[1], "platform.cache", "platform.cluster", "platform.database")
	wantWave(t, waves[2], "platform.edge-listener")
}

func TestPlatformDestroyOrder(t *testing.T) {
	_, waves := wavesOf(t, platformSrc, nil)
	reversed := ReverseWaves(waves)

	wantWave(t, reversed[0], "platform.edge-listener")
	wantWave(t, reversed[2], "platform.certificate", "platform.network")
}

func TestWaveIndex(t *testing.T) {
	_, waves := wavesOf(t, platformSrc, nil)
	index := WaveIndex(waves)

	if index["platform.network"] != 0 || index["platform.cluster"] != 1 ||
		index["platform.edge-listener"] != 2 {
		t.Errorf("unexpected wave index: %v", index)
	}
}

func TestOrderIsDeterministic(t *testing.T) {
	_, first := wavesOf(t, platformSrc, nil)
	for i := 0; i < 5; i++ {
		_, again := wavesOf(t, platformSrc, nil)
		if len(again) != len(first) {
			t.Fatalf("wave count changed between runs")
		}
		for w := range first {
			wantWave(t, again[w], first[w]...)
		}
	}
}

func TestCycleFault(t *testing.T) {
	graph, err := resolve(`
module "m" {
  resource "cluster" "a" {
    attributes = { x = 1 }
    depends_on = [node.m.b]
  }
  resource "cluster" "b" {
    attributes = { x = 1 }
    depends_on = [node.m.a]
  }
}`, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	_, err = Order(graph)
	fault := wantFault(t, err, FaultCycle)
	if len(fault.Cycle) != 3 {
		t.Fatalf("expected minimal 2-node cycle (3 entries), got %v", fault.Cycle)
	}
	if fault.Cycle[0] != fault.Cycle[len(fault.Cycle)-1] {
		t.Errorf("cycle should close on its starting node: %v", fault.Cycle)
	}
}

func TestShortestCycleReported(t *testing.T) {
	// A 2-cycle (d, e) rides alongside a 3-cycle (a, b, c); the fault
	// must name the shorter one.
	graph, err := resolve(`
module "m" {
  resource "cluster" "a" {
    attributes = { x = 1 }
    depends_on = [node.m.c]
  }
  resource "cluster" "b" {
    attributes = { x = 1 }
    depends_on = [node.m.a]
  }
  resource "cluster" "c" {
    attributes = { x = 1 }
    depends_on = [node.m.b]
  }
  resource "cluster" "d" {
    attributes = { x = 1 }
    depends_on = [node.m.e]
  }
  resource "cluster" "e" {
    attributes = { x = 1 }
    depends_on = [node.m.d]
  }
}`, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	_, err = Order(graph)
	fault := wantFault(t, err, FaultCycle)
	if len(fault.Cycle) != 3 {
		t.Fatalf("expected the 2-node cycle, got %v", fault.Cycle)
	}
}

func TestCompilePipeline(t *testing.T) {
	set, err := ParseSources(map[string]string{"main.hcl": platformSrc})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	compiled, err := Compile(set, nil)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if len(compiled.Graph.Nodes) != 6 || len(compiled.Waves) != 3 {
		t.Fatalf("unexpected compile result: %d nodes, %d waves",
			len(compiled.Graph.Nodes), len(compiled.Waves))
	}
}
