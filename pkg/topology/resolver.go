package topology

import (
	"errors"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Resolve scans every node's attribute expression for node.* traversals and
// converts them into explicit reference edges on the graph. After Resolve,
// edges are never re-derived: the engine reads graph adjacency only.
//
// References to unknown nodes, to out-of-range instances, and to the node
// itself are build-time faults. A reference to an elided template faults
// only when it is live: a reference sitting in a conditional branch not
// taken under the current variables resolves to no edge at all, so an
// optional dependency can be guarded the same way its target is.
func Resolve(graph *Graph) error {
	nodeVal := graph.nodeValue(nil)

	for _, id := range graph.SortedIDs() {
		node := graph.Nodes[id]

		for _, traversal := range node.attrExpr.Variables() {
			if traversal.RootName() != "node" {
				continue
			}
			targets, err := resolveTraversal(graph, node, traversal)
			if err != nil {
				if isDeadElidedReference(err, node, nodeVal) {
					continue
				}
				return err
			}
			for _, target := range targets {
				graph.addEdge(Reference{
					From:          node.ID,
					To:            target,
					AttributePath: traversalString(traversal),
				})
				node.References = append(node.References, Reference{
					From:          node.ID,
					To:            target,
					AttributePath: traversalString(traversal),
				})
			}
		}

		for _, traversal := range node.dependsOnTraversals() {
			targets, err := resolveTraversal(graph, node, traversal)
			if err != nil {
				return err
			}
			for _, target := range targets {
				graph.addEdge(Reference{
					From:          node.ID,
					To:            target,
					AttributePath: traversalString(traversal),
				})
			}
		}
	}
	return nil
}

// resolveTraversal maps a node.<module>.<name>[index] traversal to concrete
// target node IDs. Without an index step the whole instance group is the
// target, which also covers splat expressions.
func resolveTraversal(graph *Graph, from *ResourceNode, traversal hcl.Traversal) ([]NodeID, error) {
	if len(traversal) < 3 {
		return nil, faultf(FaultDanglingReference, from.Module, from.Name,
			"incomplete node reference %q", traversalString(traversal))
	}
	moduleStep, ok1 := traversal[1].(hcl.TraverseAttr)
	nameStep, ok2 := traversal[2].(hcl.TraverseAttr)
	if !ok1 || !ok2 {
		return nil, faultf(FaultDanglingReference, from.Module, from.Name,
			"malformed node reference %q", traversalString(traversal))
	}

	groupKey := moduleStep.Name + "." + nameStep.Name
	group, exists := graph.groups[groupKey]
	if !exists {
		if graph.elided[groupKey] {
			return nil, faultf(FaultElidedReference, from.Module, from.Name,
				"reference %q targets a node elided by its condition or count", traversalString(traversal))
		}
		return nil, faultf(FaultDanglingReference, from.Module, from.Name,
			"reference %q targets an undeclared node", traversalString(traversal))
	}

	targets, err := selectInstances(graph, from, traversal, groupKey, group)
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		if target == from.ID {
			return nil, faultf(FaultSelfReference, from.Module, from.Name,
				"node %s references its own outputs", from.ID)
		}
	}
	return targets, nil
}

func selectInstances(graph *Graph, from *ResourceNode, traversal hcl.Traversal, groupKey string, group []*ResourceNode) ([]NodeID, error) {
	var indexStep *hcl.TraverseIndex
	if len(traversal) > 3 {
		if step, ok := traversal[3].(hcl.TraverseIndex); ok {
			indexStep = &step
		}
	}

	if indexStep == nil {
		ids := make([]NodeID, len(group))
		for i, node := range group {
			ids[i] = node.ID
		}
		return ids, nil
	}

	switch indexStep.Key.Type() {
	case cty.Number:
		want, _ := indexStep.Key.AsBigFloat().Int64()
		for _, node := range group {
			if int64(node.InstanceIndex) == want {
				return []NodeID{node.ID}, nil
			}
		}
		return nil, faultf(FaultInvalidIndex, from.Module, from.Name,
			"reference %q: instance index %d does not exist in group %s (%d instances)",
			traversalString(traversal), want, groupKey, len(group))

	case cty.String:
		want := indexStep.Key.AsString()
		for _, node := range group {
			if node.InstanceKey == want {
				return []NodeID{node.ID}, nil
			}
		}
		return nil, faultf(FaultDanglingReference, from.Module, from.Name,
			"reference %q: key %q does not exist in group %s",
			traversalString(traversal), want, groupKey)

	default:
		return nil, faultf(FaultDanglingReference, from.Module, from.Name,
			"reference %q: unsupported index type", traversalString(traversal))
	}
}

// dependsOnTraversals surfaces the explicit depends_on traversals parsed
// from the template, propagated onto each expanded instance.
func (n *ResourceNode) dependsOnTraversals() []hcl.Traversal {
	return n.dependsOnList
}

// isDeadElidedReference reports whether a reference to an elided node is
// unreachable under the current variables. The node's attributes are
// evaluated against a namespace holding only live nodes: conditional
// expressions discard the untaken branch, so a guarded reference leaves
// no trace, while a live reference to the missing attribute errors and
// the elided fault stands. depends_on cannot be guarded and always
// faults.
func isDeadElidedReference(err error, node *ResourceNode, nodeVal cty.Value) bool {
	var fault *BuildFault
	if !errors.As(err, &fault) || fault.Code != FaultElidedReference {
		return false
	}
	_, evalErr := node.evalAttributes(nodeVal)
	return evalErr == nil
}
