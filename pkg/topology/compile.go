package topology

import (
	"github.com/zclconf/go-cty/cty"
)

// Compiled is a fully built, resolved, and ordered topology.
type Compiled struct {
	Graph *Graph
	Waves []Wave
}

// Compile runs the full front half of the pipeline: expansion, tag
// evaluation, reference resolution, and wave ordering. Any fault aborts
// with no partial result.
func Compile(set *ModuleSet, vars map[string]cty.Value) (*Compiled, error) {
	builder := NewBuilder(vars)

	graph, err := builder.Build(set)
	if err != nil {
		return nil, err
	}
	if err := builder.EvalTags(graph, set); err != nil {
		return nil, err
	}
	if err := Resolve(graph); err != nil {
		return nil, err
	}
	waves, err := Order(graph)
	if err != nil {
		return nil, err
	}

	return &Compiled{Graph: graph, Waves: waves}, nil
}
