package topology

import (
	"fmt"
	"strings"
)

// ToDOT renders the wave-partitioned graph in Graphviz DOT format, one
// dashed cluster per wave.
func ToDOT(graph *Graph, waves []Wave) string {
	var sb strings.Builder

	sb.WriteString("digraph topology {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, wave := range waves {
		fmt.Fprintf(&sb, "  subgraph cluster_wave_%d {\n", i)
		fmt.Fprintf(&sb, "    label=\"Wave %d\";\n", i)
		sb.WriteString("    style=dashed;\n")
		for _, id := range wave {
			node := graph.Nodes[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\"];\n", id, id, node.Kind)
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range graph.Edges {
		fmt.Fprintf(&sb, "  %q -> %q;\n", edge.To, edge.From)
	}

	sb.WriteString("}\n")
	return sb.String()
}
