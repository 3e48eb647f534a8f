package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stratusiac/stratus/pkg/engine"
)

var actionSymbols = map[engine.PlanAction]string{
	engine.ActionCreate:       "+",
	engine.ActionUpdate:       "~",
	engine.ActionReplace:      "±",
	engine.ActionDestroy:      "-",
	engine.ActionConfirmDrift: "!",
}

// renderPlan writes the human-readable plan. No-op entries are summarized
// rather than listed.
func renderPlan(w io.Writer, plan *engine.Plan) {
	for _, entry := range plan.Entries {
		if entry.Action == engine.ActionNoop {
			continue
		}
		symbol := actionSymbols[entry.Action]
		fmt.Fprintf(w, "  %s %s (%s)", symbol, entry.NodeID, entry.Kind)
		switch entry.Action {
		case engine.ActionUpdate:
			fmt.Fprintf(w, " changed: %s", strings.Join(entry.Changed, ", "))
		case engine.ActionReplace:
			fmt.Fprintf(w, " immutable changed: %s", strings.Join(entry.Immutable, ", "))
		case engine.ActionConfirmDrift:
			fmt.Fprintf(w, " drifted: %s", strings.Join(entry.Drifted, ", "))
		case engine.ActionDestroy:
			if entry.Wave < 0 {
				fmt.Fprint(w, " no longer declared")
			}
		}
		fmt.Fprintln(w)
	}

	s := plan.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged",
		s.Create, s.Update, s.Replace, s.Destroy, s.Noop)
	if s.ConfirmDrift > 0 {
		fmt.Fprintf(w, ", %d drifted", s.ConfirmDrift)
	}
	fmt.Fprintln(w)
}

func renderRun(w io.Writer, run *engine.Run) {
	fmt.Fprintf(w, "\nRun %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(w, "  %s\n", run.Summary)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
