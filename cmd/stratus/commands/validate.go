package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/config"
	"github.com/stratusiac/stratus/pkg/topology"
)

func newValidateCommand() *cobra.Command {
	var varFlags []string

	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check descriptors without touching state",
		Long: `Parse and compile the descriptor directory: expansion, reference
resolution, and ordering all run, so dangling references, bad indices,
and cycles surface here. No provider or state store is involved.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			vars, err := cfg.CtyVariables()
			if err != nil {
				return err
			}
			if err := applyVarFlags(vars, varFlags); err != nil {
				return err
			}

			set, err := topology.ParseDir(descriptorDir(args))
			if err != nil {
				return err
			}
			compiled, err := topology.Compile(set, vars)
			if err != nil {
				return err
			}

			fmt.Printf("OK: %d nodes in %d waves\n",
				len(compiled.Graph.Nodes), len(compiled.Waves))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "set an input variable (name=value)")

	return cmd
}
