package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stratusiac/stratus/pkg/config"
	"github.com/stratusiac/stratus/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded state",
	}
	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRmCommand())
	cmd.AddCommand(newStateRunsCommand())
	cmd.AddCommand(newStateEventsCommand())
	return cmd
}

func openStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return stores.Open(cmd.Context(), cfg.StatePath)
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tKIND\tUPDATED\tRUN")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					rec.NodeID, rec.Kind, rec.UpdatedAt.Format("2006-01-02 15:04:05"), rec.LastRunID)
			}
			return w.Flush()
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <node-id>",
		Short: "Show one node's recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no record for %s", args[0])
			}

			fmt.Printf("%s (%s)\n", rec.NodeID, rec.Kind)
			fmt.Printf("  created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  updated: %s (run %s)\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"), rec.LastRunID)
			fmt.Println("  attributes:")
			for _, k := range sortedKeys(rec.Attributes) {
				fmt.Printf("    %s = %v\n", k, rec.Attributes[k])
			}
			fmt.Println("  outputs:")
			for _, k := range sortedKeys(rec.Outputs) {
				fmt.Printf("    %s = %s\n", k, rec.Outputs[k])
			}
			return nil
		},
	}
}

func newStateRmCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rm <node-id>",
		Short: "Drop one node's record without touching the resource",
		Long: `Remove a node's state record. The live resource is untouched: the
next apply plans the node as a fresh create.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no record for %s", args[0])
			}

			if !force {
				fmt.Printf("This will drop the record for %s (%s). Type \"yes\" to continue: ",
					rec.NodeID, rec.Kind)
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.TrimSpace(answer) != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			if err := store.DeleteRecord(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed record for %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tOP\tSTATUS\tSTARTED\tSUMMARY")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Operation, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"), run.Summary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")
	return cmd
}

func newStateEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				node := ev.NodeID
				if node == "" {
					node = "-"
				}
				fmt.Printf("%s  %-5s  %-40s  %s\n",
					ev.Timestamp.Format("15:04:05.000"), ev.Level, node, ev.Message)
			}
			return nil
		},
	}
}
