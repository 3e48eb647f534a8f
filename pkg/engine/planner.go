package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/stratusiac/stratus/pkg/topology"
)

// PlanOptions tunes a single plan computation.
type PlanOptions struct {
	// Refresh reads live provider state per node to detect drift. Without
	// it, plans trust the recorded state.
	Refresh bool
}

// Planner computes the diff between a compiled topology and the recorded
// actual state.
type Planner struct {
	store    StateStore
	registry *Registry
}

// NewPlanner creates a planner over the given store and provider registry.
func NewPlanner(store StateStore, registry *Registry) *Planner {
	return &Planner{store: store, registry: registry}
}

// TargetSubset restricts a compiled topology to the given targets plus
// their transitive dependencies, and reorders the waves for the subset.
// An unknown target is a plan fault.
func TargetSubset(c *topology.Compiled, targets []topology.NodeID) (*topology.Compiled, error) {
	if len(targets) == 0 {
		return c, nil
	}
	keep, err := validTargets(c, targets)
	if err != nil {
		return nil, err
	}
	for id := range c.Graph.TransitiveDependencies(targets...) {
		keep[id] = true
	}
	return subsetCompiled(c, keep)
}

// DestroySubset restricts a compiled topology to the given targets plus
// their transitive dependents, and reorders the waves for the subset.
// A targeted destroy takes down everything built on top of a target and
// nothing the target itself stands on.
func DestroySubset(c *topology.Compiled, targets []topology.NodeID) (*topology.Compiled, error) {
	if len(targets) == 0 {
		return c, nil
	}
	keep, err := validTargets(c, targets)
	if err != nil {
		return nil, err
	}
	for id := range c.Graph.TransitiveDependents(targets...) {
		keep[id] = true
	}
	return subsetCompiled(c, keep)
}

func validTargets(c *topology.Compiled, targets []topology.NodeID) (map[topology.NodeID]bool, error) {
	keep := make(map[topology.NodeID]bool, len(targets))
	for _, id := range targets {
		if _, ok := c.Graph.Nodes[id]; !ok {
			return nil, NewPermanent(fmt.Sprintf("target %s not in graph", id), nil).
				WithCode(CodePlanFault)
		}
		keep[id] = true
	}
	return keep, nil
}

func subsetCompiled(c *topology.Compiled, keep map[topology.NodeID]bool) (*topology.Compiled, error) {
	sub := c.Graph.Subgraph(keep)
	waves, err := topology.Order(sub)
	if err != nil {
		return nil, NewPermanent("ordering target subset", err).WithCode(CodePlanFault)
	}
	return &topology.Compiled{Graph: sub, Waves: waves}, nil
}

// Plan computes one entry per graph node, plus destroy entries for
// recorded nodes the graph no longer declares. Entries follow wave order;
// orphan destroys come last with wave -1.
func (p *Planner) Plan(ctx context.Context, c *topology.Compiled, opts PlanOptions) (*Plan, error) {
	records, err := p.loadRecords(ctx)
	if err != nil {
		return nil, err
	}
	outputs := recordedOutputs(records)

	plan := &Plan{CreatedAt: time.Now().UTC()}
	waveOf := topology.WaveIndex(c.Waves)

	for _, wave := range c.Waves {
		for _, id := range wave {
			node := c.Graph.Nodes[id]
			entry, err := p.planNode(ctx, c.Graph, node, records[string(id)], outputs, opts)
			if err != nil {
				return nil, err
			}
			entry.Wave = waveOf[id]
			plan.Entries = append(plan.Entries, *entry)
		}
	}

	for _, rec := range orphanRecords(c.Graph, records) {
		plan.Entries = append(plan.Entries, PlanEntry{
			NodeID: topology.NodeID(rec.NodeID),
			Kind:   rec.Kind,
			Action: ActionDestroy,
			Wave:   -1,
		})
	}

	plan.Summary = summarize(plan.Entries)
	return plan, nil
}

func (p *Planner) planNode(ctx context.Context, graph *topology.Graph, node *topology.ResourceNode,
	rec *ActualStateRecord, outputs topology.Outputs, opts PlanOptions) (*PlanEntry, error) {

	entry := &PlanEntry{NodeID: node.ID, Kind: node.Kind, Action: ActionNoop}

	desired, unknown, err := desiredAttributes(graph, node, outputs)
	if err != nil {
		return nil, NewPermanent("evaluating desired attributes", err).
			WithCode(CodePlanFault).WithNode(string(node.ID))
	}
	entry.Desired = desired

	if rec == nil {
		entry.Action = ActionCreate
		return entry, nil
	}

	provider, err := p.registry.Get(node.Kind)
	if err != nil {
		return nil, err
	}

	if opts.Refresh {
		drifted, err := p.detectDrift(ctx, provider, node, rec)
		if err != nil {
			return nil, err
		}
		if len(drifted) > 0 {
			entry.Action = ActionConfirmDrift
			entry.Drifted = drifted
			return entry, nil
		}
	}

	changed := diffAttributes(desired, rec.Attributes, unknown)
	if len(changed) == 0 {
		return entry, nil
	}
	entry.Changed = changed

	schema := provider.Schema()
	for _, attr := range changed {
		if schema.IsImmutable(attr) {
			entry.Immutable = append(entry.Immutable, attr)
		}
	}
	if len(entry.Immutable) > 0 {
		entry.Action = ActionReplace
	} else {
		entry.Action = ActionUpdate
	}
	return entry, nil
}

// detectDrift compares the provider's live view of a node against its
// recorded outputs. A vanished resource drifts on every recorded output.
func (p *Planner) detectDrift(ctx context.Context, provider Provider,
	node *topology.ResourceNode, rec *ActualStateRecord) ([]string, error) {

	result, err := provider.Read(ctx, Request{
		NodeID:       string(node.ID),
		Kind:         node.Kind,
		Attributes:   rec.Attributes,
		Tags:         node.Tags,
		PriorOutputs: rec.Outputs,
	})
	if err != nil {
		return nil, wrapProviderErr(err, string(node.ID), "read")
	}
	if result == nil {
		drifted := make([]string, 0, len(rec.Outputs))
		for k := range rec.Outputs {
			drifted = append(drifted, k)
		}
		sort.Strings(drifted)
		if len(drifted) == 0 {
			drifted = []string{"(resource missing)"}
		}
		return drifted, nil
	}

	var drifted []string
	for k, recorded := range rec.Outputs {
		if live, ok := result.Outputs[k]; !ok || live != recorded {
			drifted = append(drifted, k)
		}
	}
	sort.Strings(drifted)
	return drifted, nil
}

// desiredAttributes evaluates the node's attribute expression against the
// recorded outputs and converts the result to plain Go values. Attributes
// depending on outputs that do not exist yet come back in the unknown set
// instead of the value map.
func desiredAttributes(graph *topology.Graph, node *topology.ResourceNode,
	outputs topology.Outputs) (map[string]interface{}, map[string]bool, error) {

	val, err := graph.EvalAttributes(node, outputs)
	if err != nil {
		return nil, nil, err
	}

	desired := make(map[string]interface{})
	unknown := make(map[string]bool)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		name := k.AsString()
		if !v.IsWhollyKnown() {
			unknown[name] = true
			continue
		}
		goVal, err := ctyToGo(v)
		if err != nil {
			return nil, nil, fmt.Errorf("attribute %s of %s: %w", name, node.ID, err)
		}
		desired[name] = goVal
	}
	return desired, unknown, nil
}

func ctyToGo(v cty.Value) (interface{}, error) {
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// diffAttributes lists attribute names whose desired value differs from
// the recorded one. Unknown attributes count as changed: equality cannot
// be confirmed until the upstream outputs exist.
func diffAttributes(desired map[string]interface{}, recorded map[string]interface{},
	unknown map[string]bool) []string {

	changedSet := make(map[string]bool)
	for name := range unknown {
		changedSet[name] = true
	}
	for name, want := range desired {
		if have, ok := recorded[name]; !ok || !reflect.DeepEqual(want, have) {
			changedSet[name] = true
		}
	}
	for name := range recorded {
		if _, ok := desired[name]; !ok && !unknown[name] {
			changedSet[name] = true
		}
	}

	changed := make([]string, 0, len(changedSet))
	for name := range changedSet {
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}

// orphanRecords lists recorded nodes absent from the graph, in reverse
// lexical order so dependents tend to go before their dependencies.
func orphanRecords(graph *topology.Graph, records map[string]*ActualStateRecord) []*ActualStateRecord {
	var orphans []*ActualStateRecord
	for id, rec := range records {
		if _, ok := graph.Nodes[topology.NodeID(id)]; !ok {
			orphans = append(orphans, rec)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].NodeID > orphans[j].NodeID })
	return orphans
}

func (p *Planner) loadRecords(ctx context.Context) (map[string]*ActualStateRecord, error) {
	list, err := p.store.ListRecords(ctx)
	if err != nil {
		return nil, NewPermanent("listing state records", err).WithCode(CodeInternal)
	}
	records := make(map[string]*ActualStateRecord, len(list))
	for _, rec := range list {
		records[rec.NodeID] = rec
	}
	return records, nil
}

func recordedOutputs(records map[string]*ActualStateRecord) topology.Outputs {
	outputs := make(topology.Outputs, len(records))
	for id, rec := range records {
		outputs[topology.NodeID(id)] = rec.Outputs
	}
	return outputs
}

func summarize(entries []PlanEntry) PlanSummary {
	var s PlanSummary
	for _, e := range entries {
		switch e.Action {
		case ActionCreate:
			s.Create++
		case ActionUpdate:
			s.Update++
		case ActionReplace:
			s.Replace++
		case ActionDestroy:
			s.Destroy++
		case ActionNoop:
			s.Noop++
		case ActionConfirmDrift:
			s.ConfirmDrift++
		}
	}
	return s
}

func wrapProviderErr(err error, nodeID, op string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == "" {
			e.Code = CodeProviderFault
		}
		return e.WithNode(nodeID).WithOperation(op)
	}
	return NewPermanent("provider call failed", err).
		WithCode(CodeProviderFault).WithNode(nodeID).WithOperation(op)
}
