package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/topology"
)

func newGraphCommand() *cobra.Command {
	var (
		varFlags []string
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "graph [dir]",
		Short: "Print the compiled resource graph in DOT format",
		Example: `  # Render with graphviz
  stratus graph | dot -Tsvg > topology.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupRuntime(cmd.Context(), descriptorDir(args), varFlags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if outFile != "" {
				return writeDOT(rt.compiled, outFile)
			}
			fmt.Print(topology.ToDOT(rt.compiled.Graph, rt.compiled.Waves))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "set an input variable (name=value)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write to a file instead of stdout")

	return cmd
}

func writeDOT(c *topology.Compiled, path string) error {
	dot := topology.ToDOT(c.Graph, c.Waves)
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		return fmt.Errorf("writing DOT file: %w", err)
	}
	return nil
}
