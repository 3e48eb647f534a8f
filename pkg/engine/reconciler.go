package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratusiac/stratus/pkg/telemetry"
	"github.com/stratusiac/stratus/pkg/topology"
)

// RecordSchemaVersion is the current actual-state record format. Stores
// migrate older records forward on read.
const RecordSchemaVersion = 1

const (
	DefaultConcurrency   = 4
	DefaultMaxRetries    = 3
	DefaultWaiterTimeout = 5 * time.Minute
)

// Options tunes a reconciliation run.
type Options struct {
	// Concurrency bounds the number of node tasks in flight.
	Concurrency int

	// MaxRetries bounds retry attempts per provider call.
	MaxRetries int

	// WaiterTimeout overrides the provider's readiness deadline when
	// positive.
	WaiterTimeout time.Duration

	// ConfirmDrift authorizes the engine to reconverge drifted nodes.
	// Without it a plan containing drift refuses to apply.
	ConfirmDrift bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Engine reconciles a compiled topology against recorded state: it applies
// plans wave by wave with bounded parallelism, retries transient provider
// failures, and blocks downstream nodes when an upstream fails.
type Engine struct {
	store    StateStore
	registry *Registry
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	opts     Options
}

// New creates an engine. A nil logger or metrics falls back to no-ops.
func New(store StateStore, registry *Registry, log *telemetry.Logger,
	metrics *telemetry.Metrics, opts Options) *Engine {

	if log == nil {
		log = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return &Engine{
		store:    store,
		registry: registry,
		log:      log.WithComponent("engine"),
		metrics:  metrics,
		opts:     opts.withDefaults(),
	}
}

// nodeResult is one terminal node outcome delivered to the scheduler loop.
type nodeResult struct {
	id      topology.NodeID
	status  NodeStatus
	outputs map[string]string
	err     error
}

// Apply executes a plan against the compiled topology. The run proceeds
// past individual failures; nodes downstream of a failure end blocked.
// The returned run carries the per-status summary even when err is set.
func (e *Engine) Apply(ctx context.Context, c *topology.Compiled, plan *Plan) (*Run, error) {
	if plan.Summary.ConfirmDrift > 0 && !e.opts.ConfirmDrift {
		return nil, driftRefusal(plan)
	}
	return e.execute(ctx, c, plan, OpApply)
}

// Destroy removes every node of the compiled topology that has a recorded
// state, in reverse dependency order. With targets restricted upstream,
// call CheckDestroySafety first.
func (e *Engine) Destroy(ctx context.Context, c *topology.Compiled) (*Run, error) {
	return e.execute(ctx, c, nil, OpDestroy)
}

// CheckDestroySafety refuses a targeted destroy that would strand live
// dependents outside the target set.
func (e *Engine) CheckDestroySafety(ctx context.Context, full *topology.Graph,
	targets map[topology.NodeID]bool) error {

	for id := range targets {
		for _, dep := range full.Dependents(id) {
			if targets[dep] {
				continue
			}
			rec, err := e.store.GetRecord(ctx, string(dep))
			if err != nil {
				return NewPermanent("reading state record", err).WithCode(CodeInternal)
			}
			if rec != nil {
				return NewPermanent(
					fmt.Sprintf("cannot destroy %s: live dependent %s is outside the target set", id, dep),
					nil).WithCode(CodeDestroySafety).WithNode(string(id))
			}
		}
	}
	return nil
}

func driftRefusal(plan *Plan) error {
	var drifted []string
	for _, entry := range plan.Entries {
		if entry.Action == ActionConfirmDrift {
			drifted = append(drifted, string(entry.NodeID))
		}
	}
	return NewPermanent(
		fmt.Sprintf("state drift detected on %s; re-run with drift confirmation to reconverge",
			strings.Join(drifted, ", ")),
		nil).WithCode(CodeDriftFault)
}

func (e *Engine) execute(ctx context.Context, c *topology.Compiled, plan *Plan,
	op RunOperation) (*Run, error) {

	run := &Run{
		ID:        uuid.NewString(),
		Operation: op,
		Status:    RunPending,
		StartedAt: time.Now().UTC(),
	}
	log := e.log.WithRunID(run.ID)

	if err := e.store.AcquireRunLock(ctx, run.ID); err != nil {
		return nil, NewConflict("another run holds the state lock", err).WithCode(CodeLocked)
	}
	defer func() {
		if err := e.store.ReleaseRunLock(context.WithoutCancel(ctx), run.ID); err != nil {
			log.WithError(err).Warn("releasing run lock")
		}
	}()

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, NewPermanent("persisting run", err).WithCode(CodeInternal)
	}
	run.Status = RunRunning
	log.Infof("%s run started: %d nodes, concurrency %d", op, len(c.Graph.Nodes), e.opts.Concurrency)

	var statuses map[topology.NodeID]NodeStatus
	var execErr error
	switch op {
	case OpApply:
		statuses, execErr = e.applyGraph(ctx, log, run.ID, c, plan)
	case OpDestroy:
		statuses, execErr = e.destroyGraph(ctx, log, run.ID, c)
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Summary = tally(statuses)
	run.Status = runStatus(ctx, run.Summary, execErr)
	if execErr != nil {
		run.Error = execErr.Error()
	}

	if err := e.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.WithError(err).Warn("persisting run outcome")
	}
	e.metrics.RecordRunCompleted(string(op), string(run.Status), now.Sub(run.StartedAt))
	log.Infof("%s run finished: %s (%s)", op, run.Status, run.Summary)

	if execErr == nil && !run.Summary.Clean() {
		execErr = NewPermanent("one or more nodes failed", nil).WithCode(CodeDependency)
	}
	return run, execErr
}

// applyGraph drives the plan through the scheduler loop. Node tasks are
// released as soon as every dependency reached a successful terminal
// status; a failed dependency blocks the whole downstream closure.
func (e *Engine) applyGraph(ctx context.Context, log *telemetry.Logger, runID string,
	c *topology.Compiled, plan *Plan) (map[topology.NodeID]NodeStatus, error) {

	records, err := e.loadRecords(ctx)
	if err != nil {
		return nil, err
	}
	outputs := recordedOutputs(records)

	if err := e.destroyOrphans(ctx, log, runID, c.Graph, plan, records); err != nil {
		return nil, err
	}

	entries := make(map[topology.NodeID]*PlanEntry, len(plan.Entries))
	for i := range plan.Entries {
		entry := &plan.Entries[i]
		if entry.Wave >= 0 {
			entries[entry.NodeID] = entry
		}
	}

	graph := c.Graph
	statuses := make(map[topology.NodeID]NodeStatus, len(graph.Nodes))
	pendingDeps := make(map[topology.NodeID]int, len(graph.Nodes))
	var ready []topology.NodeID
	for id := range graph.Nodes {
		statuses[id] = StatusPlanned
		deps := graph.Dependencies(id)
		pendingDeps[id] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	completions := make(chan nodeResult)
	inFlight := 0

	// All shared maps are touched only in this loop; workers receive a
	// fully resolved request and report back over the channel.
	complete := func(res nodeResult) {
		statuses[res.id] = res.status
		if res.status.Succeeded() {
			if res.outputs != nil {
				outputs[res.id] = res.outputs
			}
			for _, dependent := range graph.Dependents(res.id) {
				pendingDeps[dependent]--
				if pendingDeps[dependent] == 0 && statuses[dependent] == StatusPlanned {
					ready = append(ready, dependent)
				}
			}
			return
		}
		for dependent := range graph.TransitiveDependents(res.id) {
			if statuses[dependent] == StatusPlanned {
				statuses[dependent] = StatusBlocked
				e.appendEvent(ctx, runID, string(dependent), "warn",
					fmt.Sprintf("blocked: dependency %s ended %s", res.id, res.status))
				e.metrics.RecordNodeReconciled(string(OpApply), string(StatusBlocked),
					graph.Nodes[dependent].Kind, 0)
			}
		}
	}

	for {
		for len(ready) > 0 && inFlight < e.opts.Concurrency && ctx.Err() == nil {
			id := ready[0]
			ready = ready[1:]
			if statuses[id] != StatusPlanned {
				continue
			}

			entry := entries[id]
			if entry == nil || entry.Action == ActionNoop {
				statuses[id] = StatusNoop
				complete(nodeResult{id: id, status: StatusNoop, outputs: outputs[id]})
				e.metrics.RecordNodeReconciled(string(OpApply), string(StatusNoop),
					graph.Nodes[id].Kind, 0)
				continue
			}

			node := graph.Nodes[id]
			req, err := e.resolveRequest(graph, node, outputs, records[string(id)])
			if err != nil {
				complete(nodeResult{id: id, status: StatusFailed, err: err})
				e.recordFailure(ctx, log, runID, OpApply, node, err)
				continue
			}

			statuses[id] = StatusApplying
			inFlight++
			e.metrics.IncInFlight()
			go func(node *topology.ResourceNode, entry PlanEntry, req Request) {
				completions <- e.applyNode(ctx, log, runID, node, entry, req)
			}(node, *entry, req)
		}

		if inFlight == 0 {
			if len(ready) == 0 || ctx.Err() != nil {
				break
			}
			continue
		}

		res := <-completions
		inFlight--
		e.metrics.DecInFlight()
		complete(res)
		if res.err != nil {
			e.recordFailure(ctx, log, runID, OpApply, graph.Nodes[res.id], res.err)
		}
	}

	if ctx.Err() != nil {
		for id, status := range statuses {
			if !status.IsTerminal() {
				statuses[id] = StatusCancelled
			}
		}
		return statuses, NewPermanent("run cancelled", ctx.Err()).WithCode(CodeInternal)
	}
	return statuses, nil
}

// destroyOrphans removes recorded nodes the graph no longer declares.
// They run before the graph proper, sequentially: nothing in the current
// topology may depend on them.
func (e *Engine) destroyOrphans(ctx context.Context, log *telemetry.Logger, runID string,
	graph *topology.Graph, plan *Plan, records map[string]*ActualStateRecord) error {

	for _, entry := range plan.Entries {
		if entry.Wave >= 0 || entry.Action != ActionDestroy {
			continue
		}
		rec := records[string(entry.NodeID)]
		if rec == nil {
			continue
		}
		provider, err := e.registry.Get(rec.Kind)
		if err != nil {
			return err
		}
		req := Request{
			NodeID:       rec.NodeID,
			Kind:         rec.Kind,
			Attributes:   rec.Attributes,
			PriorOutputs: rec.Outputs,
		}
		nodeLog := log.WithNodeID(rec.NodeID).WithOperation("delete")
		nodeLog.Info("destroying removed node")
		err = e.callWithRetry(ctx, nodeLog, rec.Kind, "delete", func(ctx context.Context) error {
			return provider.Delete(ctx, req)
		})
		if err != nil {
			return wrapProviderErr(err, rec.NodeID, "delete")
		}
		if err := e.store.DeleteRecord(context.WithoutCancel(ctx), rec.NodeID); err != nil {
			return NewPermanent("deleting state record", err).WithCode(CodeInternal).
				WithNode(rec.NodeID)
		}
		delete(records, rec.NodeID)
		e.appendEvent(ctx, runID, rec.NodeID, "info", "destroyed (removed from descriptors)")
	}
	return nil
}

// resolveRequest evaluates the node's attributes with every dependency
// output in hand. An unknown value at this point means a dependency
// produced no outputs, which is an internal fault, not a user error.
func (e *Engine) resolveRequest(graph *topology.Graph, node *topology.ResourceNode,
	outputs topology.Outputs, rec *ActualStateRecord) (Request, error) {

	desired, unknown, err := desiredAttributes(graph, node, outputs)
	if err != nil {
		return Request{}, NewPermanent("resolving attributes", err).
			WithCode(CodePlanFault).WithNode(string(node.ID))
	}
	if len(unknown) > 0 {
		names := make([]string, 0, len(unknown))
		for name := range unknown {
			names = append(names, name)
		}
		sort.Strings(names)
		return Request{}, NewPermanent(
			fmt.Sprintf("attributes still unknown after dependencies applied: %s",
				strings.Join(names, ", ")),
			nil).WithCode(CodeInternal).WithNode(string(node.ID))
	}

	req := Request{
		NodeID:     string(node.ID),
		Kind:       node.Kind,
		Attributes: desired,
		Tags:       node.Tags,
	}
	if rec != nil {
		req.PriorOutputs = rec.Outputs
	}
	return req, nil
}

// applyNode performs one plan action end to end: provider calls with
// retries, the readiness waiter, and the state record write.
func (e *Engine) applyNode(ctx context.Context, log *telemetry.Logger, runID string,
	node *topology.ResourceNode, entry PlanEntry, req Request) nodeResult {

	started := time.Now()
	nodeLog := log.WithNodeID(string(node.ID)).WithOperation(string(entry.Action))
	nodeLog.Infof("applying (%s)", entry.Action)
	e.appendEvent(ctx, runID, string(node.ID), "info", fmt.Sprintf("applying (%s)", entry.Action))

	provider, err := e.registry.Get(node.Kind)
	if err != nil {
		return nodeResult{id: node.ID, status: StatusFailed, err: err}
	}

	result, err := e.performAction(ctx, nodeLog, provider, entry.Action, req)
	if err != nil {
		status := StatusFailed
		if HasCode(err, CodeWaiterTimeout) {
			status = StatusTimedOut
		}
		e.metrics.RecordNodeReconciled(string(OpApply), string(status), node.Kind, time.Since(started))
		return nodeResult{id: node.ID, status: status, err: err}
	}

	rec := &ActualStateRecord{
		NodeID:        string(node.ID),
		Kind:          node.Kind,
		Module:        node.Module,
		Name:          node.Name,
		Attributes:    req.Attributes,
		Outputs:       result.Outputs,
		LastRunID:     runID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		SchemaVersion: RecordSchemaVersion,
	}
	// The resource exists; its record must land even when the run was
	// cancelled while the provider call was in flight.
	if err := e.store.UpsertRecord(context.WithoutCancel(ctx), rec); err != nil {
		err = NewPermanent("persisting state record", err).WithCode(CodeInternal).
			WithNode(string(node.ID))
		return nodeResult{id: node.ID, status: StatusFailed, err: err}
	}

	e.metrics.RecordNodeReconciled(string(OpApply), string(StatusApplied), node.Kind, time.Since(started))
	e.appendEvent(ctx, runID, string(node.ID), "info", "applied")
	nodeLog.Info("applied")
	return nodeResult{id: node.ID, status: StatusApplied, outputs: result.Outputs}
}

func (e *Engine) performAction(ctx context.Context, log *telemetry.Logger, provider Provider,
	action PlanAction, req Request) (*Result, error) {

	switch action {
	case ActionCreate:
		return e.createAndWait(ctx, log, provider, req)

	case ActionUpdate:
		var result *Result
		err := e.callWithRetry(ctx, log, req.Kind, "update", func(ctx context.Context) error {
			var callErr error
			result, callErr = provider.Update(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, wrapProviderErr(err, req.NodeID, "update")
		}
		return result, nil

	case ActionReplace:
		err := e.callWithRetry(ctx, log, req.Kind, "delete", func(ctx context.Context) error {
			return provider.Delete(ctx, req)
		})
		if err != nil {
			return nil, wrapProviderErr(err, req.NodeID, "delete")
		}
		replaced := req
		replaced.PriorOutputs = nil
		return e.createAndWait(ctx, log, provider, replaced)

	case ActionConfirmDrift:
		// Reconverge: recreate a vanished resource, otherwise push the
		// desired attributes back onto the live one.
		existing, err := provider.Read(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, wrapProviderErr(err, req.NodeID, "read")
		}
		if existing == nil {
			return e.createAndWait(ctx, log, provider, req)
		}
		var result *Result
		err = e.callWithRetry(ctx, log, req.Kind, "update", func(ctx context.Context) error {
			var callErr error
			result, callErr = provider.Update(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, wrapProviderErr(err, req.NodeID, "update")
		}
		return result, nil

	default:
		return nil, NewPermanent(fmt.Sprintf("unexpected plan action %q", action), nil).
			WithCode(CodeInternal).WithNode(req.NodeID)
	}
}

// createAndWait creates the resource and, when the provider exposes a
// readiness waiter, holds the node until the resource is usable. Waiter
// deadlines fail the node with a WAITER_TIMEOUT fault.
func (e *Engine) createAndWait(ctx context.Context, log *telemetry.Logger, provider Provider,
	req Request) (*Result, error) {

	var result *Result
	err := e.callWithRetry(ctx, log, req.Kind, "create", func(ctx context.Context) error {
		var callErr error
		result, callErr = provider.Create(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, wrapProviderErr(err, req.NodeID, "create")
	}

	waiter, ok := provider.(ReadinessWaiter)
	if !ok {
		return result, nil
	}
	timeout := waiter.ReadyTimeout()
	if e.opts.WaiterTimeout > 0 {
		timeout = e.opts.WaiterTimeout
	}
	if timeout <= 0 {
		timeout = DefaultWaiterTimeout
	}

	log.Infof("waiting for readiness (timeout %s)", timeout)
	// The waiter rides its own deadline, detached from run cancellation: a
	// created resource gets its full window to come up or time out.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := waiter.WaitReady(waitCtx, req, result.Outputs); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() == context.DeadlineExceeded {
			e.metrics.RecordWaiterTimeout(req.Kind)
			return nil, NewPermanent(
				fmt.Sprintf("resource not ready within %s", timeout), err).
				WithCode(CodeWaiterTimeout).WithNode(req.NodeID).WithOperation("wait")
		}
		return nil, wrapProviderErr(err, req.NodeID, "wait")
	}
	return result, nil
}

// destroyGraph tears the topology down in reverse dependency order. A
// node is eligible once every recorded dependent is gone; a failed delete
// blocks everything beneath it.
func (e *Engine) destroyGraph(ctx context.Context, log *telemetry.Logger, runID string,
	c *topology.Compiled) (map[topology.NodeID]NodeStatus, error) {

	records, err := e.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	graph := c.Graph
	statuses := make(map[topology.NodeID]NodeStatus, len(graph.Nodes))
	pendingDependents := make(map[topology.NodeID]int, len(graph.Nodes))
	var ready []topology.NodeID

	live := func(id topology.NodeID) bool { return records[string(id)] != nil }

	for id := range graph.Nodes {
		if !live(id) {
			statuses[id] = StatusNoop
			continue
		}
		statuses[id] = StatusPlanned
	}
	for id := range graph.Nodes {
		if statuses[id] != StatusPlanned {
			continue
		}
		count := 0
		for _, dependent := range graph.Dependents(id) {
			if statuses[dependent] == StatusPlanned {
				count++
			}
		}
		pendingDependents[id] = count
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	completions := make(chan nodeResult)
	inFlight := 0

	complete := func(res nodeResult) {
		statuses[res.id] = res.status
		if res.status.Succeeded() {
			for _, dep := range graph.Dependencies(res.id) {
				if statuses[dep] != StatusPlanned {
					continue
				}
				pendingDependents[dep]--
				if pendingDependents[dep] == 0 {
					ready = append(ready, dep)
				}
			}
			return
		}
		for dep := range graph.TransitiveDependencies(res.id) {
			if statuses[dep] == StatusPlanned {
				statuses[dep] = StatusBlocked
				e.appendEvent(ctx, runID, string(dep), "warn",
					fmt.Sprintf("blocked: dependent %s could not be destroyed", res.id))
				e.metrics.RecordNodeReconciled(string(OpDestroy), string(StatusBlocked),
					graph.Nodes[dep].Kind, 0)
			}
		}
	}

	for {
		for len(ready) > 0 && inFlight < e.opts.Concurrency && ctx.Err() == nil {
			id := ready[0]
			ready = ready[1:]
			if statuses[id] != StatusPlanned {
				continue
			}
			statuses[id] = StatusDestroying
			inFlight++
			e.metrics.IncInFlight()
			go func(node *topology.ResourceNode, rec *ActualStateRecord) {
				completions <- e.destroyNode(ctx, log, runID, node, rec)
			}(graph.Nodes[id], records[string(id)])
		}

		if inFlight == 0 {
			if len(ready) == 0 || ctx.Err() != nil {
				break
			}
			continue
		}

		res := <-completions
		inFlight--
		e.metrics.DecInFlight()
		complete(res)
		if res.err != nil {
			e.recordFailure(ctx, log, runID, OpDestroy, graph.Nodes[res.id], res.err)
		}
	}

	if ctx.Err() != nil {
		for id, status := range statuses {
			if !status.IsTerminal() && status != StatusNoop {
				statuses[id] = StatusCancelled
			}
		}
		return statuses, NewPermanent("run cancelled", ctx.Err()).WithCode(CodeInternal)
	}
	return statuses, nil
}

func (e *Engine) destroyNode(ctx context.Context, log *telemetry.Logger, runID string,
	node *topology.ResourceNode, rec *ActualStateRecord) nodeResult {

	started := time.Now()
	nodeLog := log.WithNodeID(string(node.ID)).WithOperation("delete")
	nodeLog.Info("destroying")
	e.appendEvent(ctx, runID, string(node.ID), "info", "destroying")

	provider, err := e.registry.Get(node.Kind)
	if err != nil {
		return nodeResult{id: node.ID, status: StatusFailed, err: err}
	}
	req := Request{
		NodeID:       string(node.ID),
		Kind:         node.Kind,
		Attributes:   rec.Attributes,
		Tags:         node.Tags,
		PriorOutputs: rec.Outputs,
	}

	err = e.callWithRetry(ctx, nodeLog, node.Kind, "delete", func(ctx context.Context) error {
		return provider.Delete(ctx, req)
	})
	if err != nil {
		e.metrics.RecordNodeReconciled(string(OpDestroy), string(StatusFailed), node.Kind, time.Since(started))
		return nodeResult{id: node.ID, status: StatusFailed, err: wrapProviderErr(err, string(node.ID), "delete")}
	}

	if err := e.store.DeleteRecord(context.WithoutCancel(ctx), string(node.ID)); err != nil {
		err = NewPermanent("deleting state record", err).WithCode(CodeInternal).
			WithNode(string(node.ID))
		return nodeResult{id: node.ID, status: StatusFailed, err: err}
	}

	e.metrics.RecordNodeReconciled(string(OpDestroy), string(StatusDestroyed), node.Kind, time.Since(started))
	e.appendEvent(ctx, runID, string(node.ID), "info", "destroyed")
	nodeLog.Info("destroyed")
	return nodeResult{id: node.ID, status: StatusDestroyed}
}

// callWithRetry runs one provider call with exponential backoff on
// retryable error classes. Run cancellation stops further attempts and
// backoff waits; a call already dispatched runs against a detached
// context so the provider finishes or times out on its own terms.
func (e *Engine) callWithRetry(ctx context.Context, log *telemetry.Logger, kind, op string,
	fn func(context.Context) error) error {

	callCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; ; attempt++ {
		e.metrics.RecordProviderCall(kind, op)
		lastErr = fn(callCtx)
		if lastErr == nil {
			return nil
		}
		e.metrics.RecordProviderError(kind, string(classOf(lastErr)))

		if !IsRetryable(lastErr) || attempt >= e.opts.MaxRetries || ctx.Err() != nil {
			return lastErr
		}

		delay := backoffDelay(attempt, lastErr)
		e.metrics.RecordRetry(kind)
		log.WithError(lastErr).Warnf("retrying %s in %s (attempt %d/%d)",
			op, delay, attempt+1, e.opts.MaxRetries)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
}

// backoffDelay computes the retry delay: baseDelay * 2^attempt, capped at
// one minute, with a deterministic upward jitter. Throttled errors start
// from a longer base than conflicts or transients.
func backoffDelay(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

func (e *Engine) recordFailure(ctx context.Context, log *telemetry.Logger, runID string,
	op RunOperation, node *topology.ResourceNode, err error) {

	log.WithNodeID(string(node.ID)).WithError(err).Errorf("%s failed", op)
	e.appendEvent(ctx, runID, string(node.ID), "error", err.Error())
}

func (e *Engine) appendEvent(ctx context.Context, runID, nodeID, level, message string) {
	event := &Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		e.log.WithError(err).Warn("appending run event")
	}
}

func (e *Engine) loadRecords(ctx context.Context) (map[string]*ActualStateRecord, error) {
	list, err := e.store.ListRecords(ctx)
	if err != nil {
		return nil, NewPermanent("listing state records", err).WithCode(CodeInternal)
	}
	records := make(map[string]*ActualStateRecord, len(list))
	for _, rec := range list {
		records[rec.NodeID] = rec
	}
	return records, nil
}

func tally(statuses map[topology.NodeID]NodeStatus) RunSummary {
	var s RunSummary
	for _, status := range statuses {
		switch status {
		case StatusApplied:
			s.Applied++
		case StatusNoop:
			s.Noop++
		case StatusDestroyed:
			s.Destroyed++
		case StatusFailed, StatusTimedOut:
			s.Failed++
		case StatusBlocked:
			s.Blocked++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func runStatus(ctx context.Context, summary RunSummary, execErr error) RunStatus {
	switch {
	case ctx.Err() != nil:
		return RunCancelled
	case execErr != nil:
		return RunFailed
	case summary.Clean():
		return RunSucceeded
	case summary.Applied+summary.Destroyed+summary.Noop > 0:
		return RunPartial
	default:
		return RunFailed
	}
}
