package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		targets      []string
		varFlags     []string
		concurrency  int
		confirmDrift bool
		refresh      bool
	)

	cmd := &cobra.Command{
		Use:   "apply [dir]",
		Short: "Reconcile the topology to its desired state",
		Long: `Compute a plan and execute it: create, update, replace, and destroy
nodes in dependency order with bounded parallelism. A failed node does
not stop the run; everything downstream of it ends blocked, everything
independent proceeds.

Exits 0 only when every node applied cleanly.`,
		Example: `  # Apply the current directory
  stratus apply

  # Apply with higher parallelism
  stratus apply --concurrency 16

  # Reconverge nodes changed out of band
  stratus apply --refresh --confirm-drift`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setupRuntime(ctx, descriptorDir(args), varFlags, targets)
			if err != nil {
				return err
			}
			defer rt.Close()

			plan, err := rt.newPlanner().Plan(ctx, rt.compiled, engine.PlanOptions{Refresh: refresh})
			if err != nil {
				return err
			}
			renderPlan(os.Stdout, plan)

			if !plan.Summary.HasChanges() {
				fmt.Println("Nothing to do.")
				return nil
			}

			run, err := rt.newEngine(concurrency, confirmDrift).Apply(ctx, rt.compiled, plan)
			if run != nil {
				renderRun(os.Stdout, run)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "limit to specific nodes plus their dependencies")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "set an input variable (name=value)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max node tasks in flight (default from config)")
	cmd.Flags().BoolVar(&confirmDrift, "confirm-drift", false, "authorize reconverging drifted nodes")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "read live provider state to detect drift")

	return cmd
}
