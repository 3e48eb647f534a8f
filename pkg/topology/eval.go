package topology

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Outputs holds provider-assigned outputs per node, as recorded by the
// state store (identifiers, endpoints, ARN-equivalents).
type Outputs map[NodeID]map[string]string

// exprFunctions is the function table available to descriptor expressions.
func exprFunctions() map[string]function.Function {
	return map[string]function.Function{
		"length":   stdlib.LengthFunc,
		"concat":   stdlib.ConcatFunc,
		"format":   stdlib.FormatFunc,
		"join":     stdlib.JoinFunc,
		"split":    stdlib.SplitFunc,
		"upper":    stdlib.UpperFunc,
		"lower":    stdlib.LowerFunc,
		"merge":    stdlib.MergeFunc,
		"element":  stdlib.ElementFunc,
		"coalesce": stdlib.CoalesceFunc,
		"keys":     stdlib.KeysFunc,
		"values":   stdlib.ValuesFunc,
	}
}

// instanceContext builds the evaluation context for one node instance:
// the variable object plus count.index / each.key / each.value.
func (n *ResourceNode) instanceContext(extra map[string]cty.Value) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(n.evalBase)+len(extra))
	for k, v := range n.evalBase {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: exprFunctions(),
	}
}

// EvalAttributes evaluates the node's attribute object against the given
// outputs. Outputs missing for a referenced node yield unknown values, so
// plan-time evaluation degrades to "known after apply" rather than failing.
func (g *Graph) EvalAttributes(n *ResourceNode, outputs Outputs) (cty.Value, error) {
	return n.evalAttributes(g.nodeValue(outputs))
}

// validateAttributes checks an attribute expression at build time with the
// whole node namespace unknown. Reference validity is the resolver's job;
// this catches indexing and variable faults early.
func (n *ResourceNode) validateAttributes() error {
	_, err := n.evalAttributes(cty.DynamicVal)
	return err
}

func (n *ResourceNode) evalAttributes(nodeVal cty.Value) (cty.Value, error) {
	ctx := n.instanceContext(map[string]cty.Value{"node": nodeVal})

	val, diags := n.attrExpr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("evaluating attributes of %s: %s", n.ID, diags.Error())
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return cty.NilVal, fmt.Errorf("attributes of %s must be an object, got %s", n.ID, val.Type().FriendlyName())
	}
	return val, nil
}

// nodeValue assembles the `node` variable: node.<module>.<name> is a single
// output object, a tuple for count groups, or a keyed object for for_each
// groups. Nodes without recorded outputs appear as unknown values.
func (g *Graph) nodeValue(outputs Outputs) cty.Value {
	byModule := make(map[string]map[string][]*ResourceNode)
	for _, node := range g.Nodes {
		names, ok := byModule[node.Module]
		if !ok {
			names = make(map[string][]*ResourceNode)
			byModule[node.Module] = names
		}
		names[node.Name] = append(names[node.Name], node)
	}

	moduleVals := make(map[string]cty.Value, len(byModule))
	for moduleName, names := range byModule {
		nameVals := make(map[string]cty.Value, len(names))
		for name, group := range names {
			nameVals[name] = groupValue(group, outputs)
		}
		moduleVals[moduleName] = cty.ObjectVal(nameVals)
	}
	if len(moduleVals) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(moduleVals)
}

func groupValue(group []*ResourceNode, outputs Outputs) cty.Value {
	switch {
	case len(group) == 1 && group[0].InstanceIndex < 0 && group[0].InstanceKey == "":
		return instanceValue(group[0], outputs)

	case group[0].InstanceKey != "":
		vals := make(map[string]cty.Value, len(group))
		for _, node := range group {
			vals[node.InstanceKey] = instanceValue(node, outputs)
		}
		return cty.ObjectVal(vals)

	default:
		sorted := append([]*ResourceNode(nil), group...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].InstanceIndex < sorted[j].InstanceIndex
		})
		vals := make([]cty.Value, len(sorted))
		for i, node := range sorted {
			vals[i] = instanceValue(node, outputs)
		}
		return cty.TupleVal(vals)
	}
}

func instanceValue(n *ResourceNode, outputs Outputs) cty.Value {
	rec, ok := outputs[n.ID]
	if !ok {
		return cty.DynamicVal
	}
	if len(rec) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(rec))
	for k, v := range rec {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func indexKeyString(key cty.Value) string {
	if key.Type() == cty.String {
		return fmt.Sprintf("%q", key.AsString())
	}
	if key.Type() == cty.Number {
		i, _ := key.AsBigFloat().Int64()
		return fmt.Sprintf("%d", i)
	}
	return key.GoString()
}
