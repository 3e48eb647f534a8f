// Package provider contains the built-in providers. The in-memory
// provider backs tests and dry-run style local experiments; real
// infrastructure kinds plug in through the same engine.Provider surface.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratusiac/stratus/pkg/engine"
)

type memResource struct {
	attributes map[string]interface{}
	outputs    map[string]string
	createdAt  time.Time
}

// Memory is an in-process provider for one resource kind. It assigns
// deterministic identifiers, honors a configurable immutable-attribute
// set, and lets callers inject failures and readiness delays per node.
type Memory struct {
	kind   string
	schema engine.Schema

	mu        sync.Mutex
	resources map[string]*memResource
	sequence  int

	// pending failures per node and operation, consumed FIFO.
	failures map[string][]error

	// readiness delay per node; zero means immediately ready.
	readyDelay   map[string]time.Duration
	readyTimeout time.Duration
}

// NewMemory creates a provider for the given kind. Attributes named in
// immutable force replacement when changed.
func NewMemory(kind string, immutable ...string) *Memory {
	return &Memory{
		kind:         kind,
		schema:       engine.Schema{Immutable: immutable},
		resources:    make(map[string]*memResource),
		failures:     make(map[string][]error),
		readyDelay:   make(map[string]time.Duration),
		readyTimeout: 30 * time.Second,
	}
}

func (m *Memory) Kind() string          { return m.kind }
func (m *Memory) Schema() engine.Schema { return m.schema }

// FailNext queues errors for upcoming calls on a node and operation
// ("create", "update", "delete", "read"). Each queued error fails exactly
// one call; once drained, calls succeed again.
func (m *Memory) FailNext(nodeID, op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nodeID + "/" + op
	m.failures[key] = append(m.failures[key], errs...)
}

// SetReadyDelay makes a node's readiness waiter block for the given
// duration after create.
func (m *Memory) SetReadyDelay(nodeID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyDelay[nodeID] = delay
}

// SetReadyTimeout overrides the default readiness deadline.
func (m *Memory) SetReadyTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyTimeout = timeout
}

// Tamper mutates a live resource's output out from under the recorded
// state, simulating out-of-band changes for drift detection.
func (m *Memory) Tamper(nodeID, outputKey, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.resources[nodeID]; ok {
		res.outputs[outputKey] = value
	}
}

// Remove deletes a live resource without touching recorded state,
// simulating out-of-band deletion.
func (m *Memory) Remove(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, nodeID)
}

// Exists reports whether a resource is live.
func (m *Memory) Exists(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resources[nodeID]
	return ok
}

// Attributes returns a copy of a live resource's attributes, or nil.
func (m *Memory) Attributes(nodeID string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[nodeID]
	if !ok {
		return nil
	}
	return copyAttrs(res.attributes)
}

func (m *Memory) Create(ctx context.Context, req engine.Request) (*engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(req.NodeID, "create"); err != nil {
		return nil, err
	}
	if _, exists := m.resources[req.NodeID]; exists {
		return nil, engine.NewConflict(
			fmt.Sprintf("resource %s already exists", req.NodeID), nil)
	}

	m.sequence++
	id := fmt.Sprintf("%s-%06d", m.kind, m.sequence)
	res := &memResource{
		attributes: copyAttrs(req.Attributes),
		outputs: map[string]string{
			"id":  id,
			"urn": fmt.Sprintf("urn:stratus:%s:%s", m.kind, id),
		},
		createdAt: time.Now().UTC(),
	}
	m.resources[req.NodeID] = res
	return &engine.Result{Outputs: copyOutputs(res.outputs)}, nil
}

func (m *Memory) Read(ctx context.Context, req engine.Request) (*engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(req.NodeID, "read"); err != nil {
		return nil, err
	}
	res, ok := m.resources[req.NodeID]
	if !ok {
		return nil, nil
	}
	return &engine.Result{Outputs: copyOutputs(res.outputs)}, nil
}

func (m *Memory) Update(ctx context.Context, req engine.Request) (*engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(req.NodeID, "update"); err != nil {
		return nil, err
	}
	res, ok := m.resources[req.NodeID]
	if !ok {
		return nil, engine.NewPermanent(
			fmt.Sprintf("resource %s does not exist", req.NodeID), nil)
	}
	for _, attr := range m.schema.Immutable {
		before, hadBefore := res.attributes[attr]
		after, hasAfter := req.Attributes[attr]
		if hadBefore != hasAfter || fmt.Sprint(before) != fmt.Sprint(after) {
			return nil, engine.NewPermanent(
				fmt.Sprintf("attribute %q of %s cannot be updated in place", attr, req.NodeID), nil)
		}
	}
	res.attributes = copyAttrs(req.Attributes)
	return &engine.Result{Outputs: copyOutputs(res.outputs)}, nil
}

func (m *Memory) Delete(ctx context.Context, req engine.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nextFailure(req.NodeID, "delete"); err != nil {
		return err
	}
	delete(m.resources, req.NodeID)
	return nil
}

// WaitReady blocks for the node's configured delay. The engine's deadline
// fires first when the delay exceeds it.
func (m *Memory) WaitReady(ctx context.Context, req engine.Request, outputs map[string]string) error {
	m.mu.Lock()
	delay := m.readyDelay[req.NodeID]
	m.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) ReadyTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyTimeout
}

func (m *Memory) nextFailure(nodeID, op string) error {
	key := nodeID + "/" + op
	queue := m.failures[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[key] = queue[1:]
	return err
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func copyOutputs(outputs map[string]string) map[string]string {
	out := make(map[string]string, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out
}
