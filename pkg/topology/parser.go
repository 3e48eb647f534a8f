package topology

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Template is one parsed resource template, before expansion.
type Template struct {
	Module string
	Kind   string
	Name   string

	Count     hcl.Expression
	ForEach   hcl.Expression
	Condition hcl.Expression

	Attributes hcl.Expression
	Tags       hcl.Expression
	DependsOn  []hcl.Traversal

	DefRange hcl.Range
}

// ModuleSet is the parsed content of a descriptor directory.
type ModuleSet struct {
	Templates []*Template
}

var fileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "module", LabelNames: []string{"name"}},
	},
}

var moduleSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "resource", LabelNames: []string{"kind", "name"}},
	},
}

var resourceSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "count"},
		{Name: "for_each"},
		{Name: "condition"},
		{Name: "attributes", Required: true},
		{Name: "tags"},
		{Name: "depends_on"},
	},
}

// ParseDir parses every *.hcl file in dir into a ModuleSet. Files are read
// in lexical order so identical input yields identical template order.
func ParseDir(dir string) (*ModuleSet, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, faultf(FaultSyntax, "", "", "no descriptor files found in %s", dir)
	}
	sort.Strings(paths)

	parser := hclparse.NewParser()
	set := &ModuleSet{}
	for _, path := range paths {
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, faultf(FaultSyntax, "", "", "%s", diags.Error())
		}
		if err := parseFile(file.Body, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// ParseSources parses in-memory descriptor sources keyed by filename.
// Used by tests and by the validate command's stdin mode.
func ParseSources(sources map[string]string) (*ModuleSet, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	parser := hclparse.NewParser()
	set := &ModuleSet{}
	for _, name := range names {
		file, diags := parser.ParseHCL([]byte(sources[name]), name)
		if diags.HasErrors() {
			return nil, faultf(FaultSyntax, "", "", "%s", diags.Error())
		}
		if err := parseFile(file.Body, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseFile(body hcl.Body, set *ModuleSet) error {
	content, diags := body.Content(fileSchema)
	if diags.HasErrors() {
		return faultf(FaultSyntax, "", "", "%s", diags.Error())
	}

	for _, block := range content.Blocks {
		moduleName := block.Labels[0]
		if err := parseModule(moduleName, block.Body, set); err != nil {
			return err
		}
	}
	return nil
}

func parseModule(moduleName string, body hcl.Body, set *ModuleSet) error {
	content, diags := body.Content(moduleSchema)
	if diags.HasErrors() {
		return faultf(FaultSyntax, moduleName, "", "%s", diags.Error())
	}

	seen := make(map[string]bool)
	for _, block := range content.Blocks {
		kind, name := block.Labels[0], block.Labels[1]
		if seen[name] {
			return faultf(FaultDuplicateNode, moduleName, name,
				"resource name declared more than once")
		}
		seen[name] = true

		tmpl, err := parseResource(moduleName, kind, name, block)
		if err != nil {
			return err
		}
		set.Templates = append(set.Templates, tmpl)
	}
	return nil
}

func parseResource(moduleName, kind, name string, block *hcl.Block) (*Template, error) {
	content, diags := block.Body.Content(resourceSchema)
	if diags.HasErrors() {
		return nil, faultf(FaultSyntax, moduleName, name, "%s", diags.Error())
	}

	tmpl := &Template{
		Module:   moduleName,
		Kind:     kind,
		Name:     name,
		DefRange: block.DefRange,
	}

	for attrName, attr := range content.Attributes {
		switch attrName {
		case "count":
			tmpl.Count = attr.Expr
		case "for_each":
			tmpl.ForEach = attr.Expr
		case "condition":
			tmpl.Condition = attr.Expr
		case "attributes":
			tmpl.Attributes = attr.Expr
		case "tags":
			tmpl.Tags = attr.Expr
		case "depends_on":
			traversals, err := parseDependsOn(moduleName, name, attr.Expr)
			if err != nil {
				return nil, err
			}
			tmpl.DependsOn = traversals
		}
	}

	if tmpl.Count != nil && tmpl.ForEach != nil {
		return nil, faultf(FaultInvalidExpansion, moduleName, name,
			"count and for_each cannot both be set")
	}
	return tmpl, nil
}

// parseDependsOn requires depends_on to be a list of bare node traversals,
// e.g. depends_on = [node.network.vpc].
func parseDependsOn(moduleName, name string, expr hcl.Expression) ([]hcl.Traversal, error) {
	exprs, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, faultf(FaultSyntax, moduleName, name,
			"depends_on must be a list of node references")
	}

	traversals := make([]hcl.Traversal, 0, len(exprs))
	for _, e := range exprs {
		traversal, diags := hcl.AbsTraversalForExpr(e)
		if diags.HasErrors() || len(traversal) < 3 || traversal.RootName() != "node" {
			return nil, faultf(FaultSyntax, moduleName, name,
				"depends_on entries must be plain references of the form node.<module>.<name>")
		}
		traversals = append(traversals, traversal)
	}
	return traversals, nil
}

func traversalString(t hcl.Traversal) string {
	out := ""
	for _, step := range t {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			out += s.Name
		case hcl.TraverseAttr:
			out += "." + s.Name
		case hcl.TraverseIndex:
			out += fmt.Sprintf("[%s]", indexKeyString(s.Key))
		}
	}
	return out
}
