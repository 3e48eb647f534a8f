// Package topology compiles HCL module descriptors into a resource graph:
// template expansion (count/for_each/condition), reference resolution into
// explicit edges, and topological ordering into apply waves.
package topology

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// NodeID uniquely identifies a resource node within a graph.
// Format: "module.name", "module.name[3]" for count instances, or
// `module.name["key"]` for for_each instances.
type NodeID string

// MakeID builds the canonical node ID for a template instance.
// index is -1 for single-instance templates; key is empty unless the
// template was expanded with for_each.
func MakeID(module, name string, index int, key string) NodeID {
	switch {
	case key != "":
		return NodeID(fmt.Sprintf("%s.%s[%q]", module, name, key))
	case index >= 0:
		return NodeID(fmt.Sprintf("%s.%s[%d]", module, name, index))
	default:
		return NodeID(module + "." + name)
	}
}

// ResourceNode is one provisionable unit in the topology.
type ResourceNode struct {
	// ID is unique within a graph.
	ID NodeID

	// Module and Name locate the originating template.
	Module string
	Name   string

	// Kind is the resource kind (e.g. "network", "subnet", "cluster",
	// "database", "certificate", "helm-release"). It selects the provider.
	Kind string

	// InstanceIndex is the count index, or -1 for non-count nodes.
	InstanceIndex int

	// InstanceKey is the for_each key, or empty.
	InstanceKey string

	// Tags is free-form metadata stamped on every created resource.
	Tags map[string]string

	// References are the resolved edges from this node's attributes to
	// computed outputs of other nodes. Populated by the resolver.
	References []Reference

	// DeclRange points at the template declaration for diagnostics.
	DeclRange hcl.Range

	// attrExpr is the unevaluated attributes object expression. It is
	// evaluated late, once the outputs it references are available.
	attrExpr hcl.Expression

	// evalBase carries the per-instance variables (var, count, each).
	evalBase map[string]cty.Value

	// dependsOnList holds the explicit depends_on traversals.
	dependsOnList []hcl.Traversal
}

// Reference is an explicit dependency edge: an attribute of From reads a
// computed output of To.
type Reference struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`

	// AttributePath is the source-form traversal that produced the edge,
	// e.g. "node.network.vpc.id".
	AttributePath string `json:"attribute_path"`
}

// Wave is a set of node IDs safe to reconcile concurrently: no edges exist
// between members, and all edges point to strictly earlier waves.
type Wave []NodeID

// Graph is the compiled resource graph.
type Graph struct {
	// Nodes maps node IDs to their resource nodes.
	Nodes map[NodeID]*ResourceNode

	// Edges lists every reference edge in the graph.
	Edges []Reference

	dependencies map[NodeID][]NodeID
	dependents   map[NodeID][]NodeID

	// groups indexes instances by "module.name"; elided records template
	// groups removed by a false condition or zero count, so the resolver
	// can tell an elided reference from a dangling one.
	groups map[string][]*ResourceNode
	elided map[string]bool
}

func newGraph() *Graph {
	return &Graph{
		Nodes:        make(map[NodeID]*ResourceNode),
		dependencies: make(map[NodeID][]NodeID),
		dependents:   make(map[NodeID][]NodeID),
		groups:       make(map[string][]*ResourceNode),
		elided:       make(map[string]bool),
	}
}

// addEdge records an edge and maintains the adjacency indexes. Duplicate
// edges between the same pair are collapsed.
func (g *Graph) addEdge(ref Reference) {
	for _, existing := range g.dependencies[ref.From] {
		if existing == ref.To {
			return
		}
	}
	g.Edges = append(g.Edges, ref)
	g.dependencies[ref.From] = append(g.dependencies[ref.From], ref.To)
	g.dependents[ref.To] = append(g.dependents[ref.To], ref.From)
}

// Dependencies returns the IDs this node depends on, sorted.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	return sortedCopy(g.dependencies[id])
}

// Dependents returns the IDs that depend on this node, sorted.
func (g *Graph) Dependents(id NodeID) []NodeID {
	return sortedCopy(g.dependents[id])
}

// SortedIDs returns all node IDs in lexical order.
func (g *Graph) SortedIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TransitiveDependencies returns the closure of dependencies of the given
// roots, excluding the roots themselves.
func (g *Graph) TransitiveDependencies(roots ...NodeID) map[NodeID]bool {
	return g.closure(roots, g.dependencies)
}

// TransitiveDependents returns the closure of dependents of the given
// roots, excluding the roots themselves.
func (g *Graph) TransitiveDependents(roots ...NodeID) map[NodeID]bool {
	return g.closure(roots, g.dependents)
}

func (g *Graph) closure(roots []NodeID, adj map[NodeID][]NodeID) map[NodeID]bool {
	seen := make(map[NodeID]bool)
	stack := append([]NodeID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	for _, r := range roots {
		delete(seen, r)
	}
	return seen
}

// Subgraph returns the graph restricted to the given node set. Edges with
// either endpoint outside the set are dropped.
func (g *Graph) Subgraph(keep map[NodeID]bool) *Graph {
	sub := newGraph()
	for id, node := range g.Nodes {
		if keep[id] {
			sub.Nodes[id] = node
		}
	}
	for _, e := range g.Edges {
		if keep[e.From] && keep[e.To] {
			sub.addEdge(e)
		}
	}
	return sub
}

func sortedCopy(ids []NodeID) []NodeID {
	out := append([]NodeID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
