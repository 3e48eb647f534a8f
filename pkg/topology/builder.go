package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Builder expands parsed templates into concrete resource nodes.
// Every condition, count, and for_each expression reads only from the
// variable object the builder was constructed with; nothing ambient.
type Builder struct {
	vars cty.Value
}

// NewBuilder creates a builder over the given variable set.
func NewBuilder(vars map[string]cty.Value) *Builder {
	if vars == nil {
		vars = map[string]cty.Value{}
	}
	return &Builder{vars: cty.ObjectVal(vars)}
}

// Build expands the module set into a flat node graph. Reference edges are
// not discovered here; run Resolve on the result. A returned fault means no
// graph: partial expansion is never exposed.
func (b *Builder) Build(set *ModuleSet) (*Graph, error) {
	graph := newGraph()

	for _, tmpl := range set.Templates {
		nodes, err := b.expand(tmpl)
		if err != nil {
			return nil, err
		}
		groupKey := tmpl.Module + "." + tmpl.Name
		if len(nodes) == 0 {
			graph.elided[groupKey] = true
			continue
		}
		for _, node := range nodes {
			if _, exists := graph.Nodes[node.ID]; exists {
				return nil, faultf(FaultDuplicateNode, tmpl.Module, tmpl.Name,
					"node %s already defined", node.ID)
			}
			graph.Nodes[node.ID] = node
			graph.groups[groupKey] = append(graph.groups[groupKey], node)
		}
	}

	// Attribute expressions are validated now, with all node outputs
	// unknown, so indexing and variable faults surface at build time
	// instead of mid-apply.
	for _, id := range graph.SortedIDs() {
		node := graph.Nodes[id]
		if err := node.validateAttributes(); err != nil {
			return nil, classifyEvalFault(node.Module, node.Name, err)
		}
	}

	return graph, nil
}

// expand yields zero or more nodes for one template: zero when the
// condition is false or count is zero, N for count, one per key for
// for_each, one otherwise.
func (b *Builder) expand(tmpl *Template) ([]*ResourceNode, error) {
	baseVars := map[string]cty.Value{"var": b.vars}
	baseCtx := &hcl.EvalContext{Variables: baseVars, Functions: exprFunctions()}

	if tmpl.Condition != nil {
		if err := requireVarOnly(tmpl, tmpl.Condition, "condition"); err != nil {
			return nil, err
		}
		val, diags := tmpl.Condition.Value(baseCtx)
		if diags.HasErrors() {
			return nil, classifyEvalFault(tmpl.Module, tmpl.Name, fmt.Errorf("%s", diags.Error()))
		}
		val, err := convert.Convert(val, cty.Bool)
		if err != nil || !val.IsKnown() {
			return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
				"condition must evaluate to a known boolean")
		}
		if val.False() {
			return nil, nil
		}
	}

	switch {
	case tmpl.Count != nil:
		return b.expandCount(tmpl, baseCtx)
	case tmpl.ForEach != nil:
		return b.expandForEach(tmpl, baseCtx)
	default:
		node := b.newNode(tmpl, -1, "", baseVars)
		return []*ResourceNode{node}, nil
	}
}

func (b *Builder) expandCount(tmpl *Template, ctx *hcl.EvalContext) ([]*ResourceNode, error) {
	if err := requireVarOnly(tmpl, tmpl.Count, "count"); err != nil {
		return nil, err
	}
	val, diags := tmpl.Count.Value(ctx)
	if diags.HasErrors() {
		return nil, classifyEvalFault(tmpl.Module, tmpl.Name, fmt.Errorf("%s", diags.Error()))
	}
	val, err := convert.Convert(val, cty.Number)
	if err != nil || !val.IsKnown() {
		return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
			"count must evaluate to a known number")
	}
	count, accuracy := val.AsBigFloat().Int64()
	if accuracy != 0 || count < 0 {
		return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
			"count must be a non-negative integer")
	}

	nodes := make([]*ResourceNode, 0, count)
	for i := int64(0); i < count; i++ {
		vars := map[string]cty.Value{
			"var":   b.vars,
			"count": cty.ObjectVal(map[string]cty.Value{"index": cty.NumberIntVal(i)}),
		}
		nodes = append(nodes, b.newNode(tmpl, int(i), "", vars))
	}
	return nodes, nil
}

func (b *Builder) expandForEach(tmpl *Template, ctx *hcl.EvalContext) ([]*ResourceNode, error) {
	if err := requireVarOnly(tmpl, tmpl.ForEach, "for_each"); err != nil {
		return nil, err
	}
	val, diags := tmpl.ForEach.Value(ctx)
	if diags.HasErrors() {
		return nil, classifyEvalFault(tmpl.Module, tmpl.Name, fmt.Errorf("%s", diags.Error()))
	}
	if !val.IsKnown() || val.IsNull() {
		return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
			"for_each must evaluate to a known map or set of strings")
	}

	pairs := make(map[string]cty.Value)
	ty := val.Type()
	switch {
	case ty.IsMapType() || ty.IsObjectType():
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			pairs[k.AsString()] = v
		}
	case ty.IsSetType() || ty.IsListType() || ty.IsTupleType():
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			v, err := convert.Convert(v, cty.String)
			if err != nil {
				return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
					"for_each set elements must be strings")
			}
			pairs[v.AsString()] = v
		}
	default:
		return nil, faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
			"for_each must be a map or set of strings, got %s", ty.FriendlyName())
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]*ResourceNode, 0, len(keys))
	for _, key := range keys {
		vars := map[string]cty.Value{
			"var": b.vars,
			"each": cty.ObjectVal(map[string]cty.Value{
				"key":   cty.StringVal(key),
				"value": pairs[key],
			}),
		}
		nodes = append(nodes, b.newNode(tmpl, -1, key, vars))
	}
	return nodes, nil
}

func (b *Builder) newNode(tmpl *Template, index int, key string, vars map[string]cty.Value) *ResourceNode {
	return &ResourceNode{
		ID:            MakeID(tmpl.Module, tmpl.Name, index, key),
		Module:        tmpl.Module,
		Name:          tmpl.Name,
		Kind:          tmpl.Kind,
		InstanceIndex: index,
		InstanceKey:   key,
		Tags:          map[string]string{},
		DeclRange:     tmpl.DefRange,
		attrExpr:      tmpl.Attributes,
		evalBase:      vars,
		dependsOnList: tmpl.DependsOn,
	}
}

// EvalTags evaluates each node's tags with its instance context. Tags may
// not reference node outputs.
func (b *Builder) EvalTags(graph *Graph, set *ModuleSet) error {
	byGroup := make(map[string]*Template, len(set.Templates))
	for _, tmpl := range set.Templates {
		byGroup[tmpl.Module+"."+tmpl.Name] = tmpl
	}

	for _, id := range graph.SortedIDs() {
		node := graph.Nodes[id]
		tmpl := byGroup[node.Module+"."+node.Name]
		if tmpl == nil || tmpl.Tags == nil {
			continue
		}
		if err := requireVarOnly(tmpl, tmpl.Tags, "tags"); err != nil {
			return err
		}
		val, diags := tmpl.Tags.Value(node.instanceContext(nil))
		if diags.HasErrors() {
			return classifyEvalFault(node.Module, node.Name, fmt.Errorf("%s", diags.Error()))
		}
		val, err := convert.Convert(val, cty.Map(cty.String))
		if err != nil || !val.IsWhollyKnown() {
			return faultf(FaultInvalidExpansion, node.Module, node.Name,
				"tags must be a map of strings")
		}
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			node.Tags[k.AsString()] = v.AsString()
		}
	}
	return nil
}

// requireVarOnly rejects expressions that traverse node outputs where only
// build-time values are allowed (condition, count, for_each, tags).
func requireVarOnly(tmpl *Template, expr hcl.Expression, what string) error {
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "var" && traversal.RootName() != "count" && traversal.RootName() != "each" {
			return faultf(FaultInvalidExpansion, tmpl.Module, tmpl.Name,
				"%s may only reference var.*, got %s", what, traversal.RootName())
		}
	}
	return nil
}

func classifyEvalFault(module, template string, err error) *BuildFault {
	detail := err.Error()
	code := FaultUnknownVariable
	if strings.Contains(detail, "Invalid index") || strings.Contains(detail, "index out of range") {
		code = FaultInvalidIndex
	}
	return faultf(code, module, template, "%s", detail)
}
