package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stratusiac/stratus/pkg/topology"
)

// PlanAction is the operation a plan entry will perform on a node.
type PlanAction string

const (
	// ActionCreate creates a node that has no actual-state record.
	ActionCreate PlanAction = "create"

	// ActionUpdate changes updatable attributes in place.
	ActionUpdate PlanAction = "update"

	// ActionReplace destroys and recreates a node because an immutable
	// attribute changed. Executes as two ordered steps; dependents gate
	// on the create.
	ActionReplace PlanAction = "replace"

	// ActionDestroy removes a node that exists in state.
	ActionDestroy PlanAction = "destroy"

	// ActionNoop leaves a node untouched.
	ActionNoop PlanAction = "no-op"

	// ActionConfirmDrift marks recorded state diverging from the provider
	// outside this engine's control. Never applied without explicit
	// operator confirmation.
	ActionConfirmDrift PlanAction = "confirm-drift"
)

// IsChange reports whether the action mutates provider state.
func (a PlanAction) IsChange() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionReplace || a == ActionDestroy
}

// NodeStatus is a node's position in its lifecycle state machine:
// absent -> planned -> applying -> {applied|failed} -> destroying -> absent.
// blocked is transient within a single run; it reverts to planned on the
// next run once the upstream is applied.
type NodeStatus string

const (
	StatusAbsent     NodeStatus = "absent"
	StatusPlanned    NodeStatus = "planned"
	StatusApplying   NodeStatus = "applying"
	StatusApplied    NodeStatus = "applied"
	StatusNoop       NodeStatus = "no-op"
	StatusFailed     NodeStatus = "failed"
	StatusTimedOut   NodeStatus = "timed-out"
	StatusBlocked    NodeStatus = "blocked"
	StatusDestroying NodeStatus = "destroying"
	StatusDestroyed  NodeStatus = "destroyed"
	StatusCancelled  NodeStatus = "cancelled"
)

// IsTerminal reports whether the status ends the node's participation in
// the current run.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusNoop, StatusFailed, StatusTimedOut,
		StatusBlocked, StatusDestroyed, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports whether the node reached its desired state.
func (s NodeStatus) Succeeded() bool {
	return s == StatusApplied || s == StatusNoop || s == StatusDestroyed
}

// PlanEntry is the computed diff for one node.
type PlanEntry struct {
	NodeID topology.NodeID `json:"node_id"`
	Kind   string          `json:"kind"`
	Action PlanAction      `json:"action"`
	Wave   int             `json:"wave"`

	// Changed lists attribute names that differ, for update and replace.
	Changed []string `json:"changed,omitempty"`

	// Immutable lists the changed attributes forcing replacement.
	Immutable []string `json:"immutable,omitempty"`

	// Drifted lists outputs whose provider-side value no longer matches
	// the recorded state, for confirm-drift entries.
	Drifted []string `json:"drifted,omitempty"`

	// Desired holds resolved attribute values; entries that depend on
	// outputs not yet created are absent (known after apply).
	Desired map[string]interface{} `json:"desired,omitempty"`
}

// Plan is the ordered diff for a whole run. Computed fresh each run and
// never persisted.
type Plan struct {
	CreatedAt time.Time   `json:"created_at"`
	Entries   []PlanEntry `json:"entries"`
	Summary   PlanSummary `json:"summary"`
}

// PlanSummary counts plan entries by action.
type PlanSummary struct {
	Create       int `json:"create"`
	Update       int `json:"update"`
	Replace      int `json:"replace"`
	Destroy      int `json:"destroy"`
	Noop         int `json:"no_op"`
	ConfirmDrift int `json:"confirm_drift"`
}

// HasChanges reports whether applying the plan would mutate anything.
func (s PlanSummary) HasChanges() bool {
	return s.Create+s.Update+s.Replace+s.Destroy+s.ConfirmDrift > 0
}

// RunOperation distinguishes apply runs from destroy runs.
type RunOperation string

const (
	OpApply   RunOperation = "apply"
	OpDestroy RunOperation = "destroy"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one apply or destroy invocation.
type Run struct {
	ID          string       `json:"id"`
	Operation   RunOperation `json:"operation"`
	Status      RunStatus    `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Summary     RunSummary   `json:"summary"`
	Error       string       `json:"error,omitempty"`
}

// RunSummary counts nodes by terminal status.
type RunSummary struct {
	Applied   int `json:"applied"`
	Noop      int `json:"no_op"`
	Destroyed int `json:"destroyed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
}

// Clean reports whether every node ended applied, no-op, or destroyed.
func (s RunSummary) Clean() bool {
	return s.Failed == 0 && s.Blocked == 0 && s.Cancelled == 0
}

func (s RunSummary) String() string {
	return fmt.Sprintf("applied=%d no-op=%d destroyed=%d failed=%d blocked=%d cancelled=%d",
		s.Applied, s.Noop, s.Destroyed, s.Failed, s.Blocked, s.Cancelled)
}

// Event is one append-only log entry in a run's timeline.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActualStateRecord is the durable last-known state of one node. Owned by
// the state store; the engine requests changes through the StateStore
// interface and never mutates records in place.
type ActualStateRecord struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	Module string `json:"module"`
	Name   string `json:"name"`

	// Attributes is the resolved attribute snapshot from the last
	// successful apply.
	Attributes map[string]interface{} `json:"attributes"`

	// Outputs holds provider-assigned identifiers (IDs, endpoints,
	// ARN-equivalents) referenced by dependent nodes.
	Outputs map[string]string `json:"outputs"`

	LastRunID string    `json:"last_run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SchemaVersion tracks the record format for cross-version attribute
	// migrations.
	SchemaVersion int `json:"schema_version"`
}

// StateStore is the durable record of actual state per node, plus run
// bookkeeping and the single-run lock.
type StateStore interface {
	// GetRecord returns the record for a node, or nil when absent.
	GetRecord(ctx context.Context, nodeID string) (*ActualStateRecord, error)

	// ListRecords returns all records, sorted by node ID.
	ListRecords(ctx context.Context) ([]*ActualStateRecord, error)

	// UpsertRecord creates or replaces the record for a node.
	UpsertRecord(ctx context.Context, rec *ActualStateRecord) error

	// DeleteRecord removes a node's record after a successful destroy.
	DeleteRecord(ctx context.Context, nodeID string) error

	// AcquireRunLock claims the single-run lock; a second concurrent run
	// gets a LOCKED fault and must not proceed.
	AcquireRunLock(ctx context.Context, runID string) error

	// ReleaseRunLock releases the lock held by runID.
	ReleaseRunLock(ctx context.Context, runID string) error

	// CreateRun persists a new run in pending state.
	CreateRun(ctx context.Context, run *Run) error

	// FinishRun persists a run's terminal status and summary.
	FinishRun(ctx context.Context, run *Run) error

	// AppendEvent appends to the run's event log.
	AppendEvent(ctx context.Context, event *Event) error
}
