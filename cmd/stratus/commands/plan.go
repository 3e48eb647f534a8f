package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		targets  []string
		varFlags []string
		refresh  bool
		dotFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan [dir]",
		Short: "Show what an apply would change",
		Long: `Compile the descriptors, diff every node against recorded state, and
print the resulting actions without touching any resource.

Exit codes: 0 when nothing would change, 2 when changes are pending,
1 on any fault.`,
		Example: `  # Plan the current directory
  stratus plan

  # Plan only a cluster and everything it needs
  stratus plan --target 'platform.cluster'

  # Detect out-of-band changes too
  stratus plan --refresh`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setupRuntime(ctx, descriptorDir(args), varFlags, targets)
			if err != nil {
				return err
			}
			defer rt.Close()

			if dotFile != "" {
				if err := writeDOT(rt.compiled, dotFile); err != nil {
					return err
				}
			}

			plan, err := rt.newPlanner().Plan(ctx, rt.compiled, engine.PlanOptions{Refresh: refresh})
			if err != nil {
				return err
			}
			renderPlan(os.Stdout, plan)

			if plan.Summary.HasChanges() {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "limit to specific nodes plus their dependencies")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "set an input variable (name=value)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "read live provider state to detect drift")
	cmd.Flags().StringVar(&dotFile, "dot", "", "also write the graph in DOT format")

	return cmd
}
