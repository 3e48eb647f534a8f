package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Schema describes what a provider allows per resource kind.
type Schema struct {
	// Immutable lists attribute names that cannot change in place; a
	// mismatch on one forces destroy-then-create.
	Immutable []string
}

// IsImmutable reports whether the named attribute forces replacement.
func (s Schema) IsImmutable(attr string) bool {
	for _, name := range s.Immutable {
		if name == attr {
			return true
		}
	}
	return false
}

// Request carries a fully resolved node operation to a provider. Every
// attribute value is concrete by the time a provider sees it.
type Request struct {
	NodeID     string
	Kind       string
	Attributes map[string]interface{}
	Tags       map[string]string

	// PriorOutputs holds the provider-assigned identifiers from the last
	// apply, for update, read, and delete calls.
	PriorOutputs map[string]string
}

// Result is a provider's view of a resource after an operation.
type Result struct {
	// Outputs are the provider-assigned identifiers and endpoints
	// dependents may reference.
	Outputs map[string]string
}

// Provider is the boundary to one resource kind's lifecycle API. Providers
// classify their own failures via the engine error constructors so the
// reconciler can decide retry eligibility without string matching.
type Provider interface {
	// Kind returns the resource kind this provider manages.
	Kind() string

	// Schema returns the kind's update/replace rules.
	Schema() Schema

	// Create provisions the resource and returns its outputs.
	Create(ctx context.Context, req Request) (*Result, error)

	// Read fetches the current provider-side view, or nil when the
	// resource no longer exists. Used for drift detection.
	Read(ctx context.Context, req Request) (*Result, error)

	// Update changes updatable attributes in place.
	Update(ctx context.Context, req Request) (*Result, error)

	// Delete removes the resource. Deleting an already-absent resource
	// must succeed.
	Delete(ctx context.Context, req Request) error
}

// ReadinessWaiter is implemented by providers whose resources are created
// asynchronously: issued certificates, identity-provider discovery,
// target-group health. The reconciler runs WaitReady between a node's
// create and the release of its dependents; the deadline produces a
// WAITER_TIMEOUT fault, escalated as the node's failure.
type ReadinessWaiter interface {
	// WaitReady blocks until the resource is usable by dependents.
	WaitReady(ctx context.Context, req Request, outputs map[string]string) error

	// ReadyTimeout bounds the wait for one resource.
	ReadyTimeout() time.Duration
}

// Registry resolves resource kinds to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering a kind twice is a programming
// error and panics.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Kind()]; exists {
		panic(fmt.Sprintf("provider for kind %q registered twice", p.Kind()))
	}
	r.providers[p.Kind()] = p
}

// Get returns the provider for a kind. An unknown kind is a plan fault:
// the descriptor names a resource nothing can reconcile.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, NewPermanent(fmt.Sprintf("no provider registered for kind %q", kind), nil).
			WithCode(CodePlanFault)
	}
	return p, nil
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.providers))
	for kind := range r.providers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
