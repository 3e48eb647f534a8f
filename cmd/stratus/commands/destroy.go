package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/engine"
	"github.com/stratusiac/stratus/pkg/topology"
)

func newDestroyCommand() *cobra.Command {
	var (
		targets     []string
		varFlags    []string
		concurrency int
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "destroy [dir]",
		Short: "Tear the topology down in reverse dependency order",
		Long: `Destroy every recorded node of the compiled topology, dependents
before dependencies. A targeted destroy takes down the targets plus every
node transitively depending on them and leaves the rest standing.`,
		Example: `  # Destroy everything
  stratus destroy

  # Destroy one subtree without confirmation prompt
  stratus destroy --target 'edge.cdn' --auto-approve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setupRuntime(ctx, descriptorDir(args), varFlags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			eng := rt.newEngine(concurrency, false)

			if len(targets) > 0 {
				// Destroy cuts the other way: the working set is the
				// targets plus their transitive dependents, so nothing a
				// target stands on gets touched.
				ids := make([]topology.NodeID, len(targets))
				for i, t := range targets {
					ids[i] = topology.NodeID(t)
				}
				rt.compiled, err = engine.DestroySubset(rt.compiled, ids)
				if err != nil {
					return err
				}
				targetSet := make(map[topology.NodeID]bool, len(rt.compiled.Graph.Nodes))
				for id := range rt.compiled.Graph.Nodes {
					targetSet[id] = true
				}
				if err := eng.CheckDestroySafety(ctx, rt.full, targetSet); err != nil {
					return err
				}
			}

			if !autoApprove {
				fmt.Printf("This will destroy up to %d nodes. Type \"yes\" to continue: ",
					len(rt.compiled.Graph.Nodes))
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.TrimSpace(answer) != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			run, err := eng.Destroy(ctx, rt.compiled)
			if run != nil {
				renderRun(os.Stdout, run)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "limit to specific nodes plus their dependents")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "set an input variable (name=value)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max node tasks in flight (default from config)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")

	return cmd
}
