// Package ledger executes approved actions through pluggable handlers
// and provides the bounded-time compensating rollback over the
// captured state.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsgate/opsgate/internal/decision"
)

// ExecContext carries execution metadata into handlers.
type ExecContext struct {
	DecisionID string
	ActorID    string
	ActorType  string
	IP         string
}

// HandlerResult is what a forward handler returns. The handler
// captures pre-mutation state itself; an empty Reversible leaves the
// record without a rollback token, which is the modeled limitation for
// side effects on third-party systems that cannot be fully captured.
type HandlerResult struct {
	Success     bool
	Data        map[string]any
	Err         string
	Reversible  bool
	StateBefore map[string]any
	StateAfter  map[string]any
}

// HandlerFunc performs one operation's forward mutation. It must
// tolerate at-most-once invocation per approved decision.
type HandlerFunc func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error)

// InverseFunc compensates one executed operation by restoring the
// captured state. It never re-runs forward logic.
type InverseFunc func(ctx context.Context, rec decision.Record) error

type registration struct {
	version int
	forward HandlerFunc
	inverse InverseFunc
}

// Registry holds named, versioned action handlers dispatched by
// operation name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register wires an operation's forward handler and optional inverse.
// Re-registering a name requires a strictly higher version.
func (r *Registry) Register(name string, version int, forward HandlerFunc, inverse InverseFunc) error {
	if name == "" || forward == nil {
		return fmt.Errorf("ledger: handler registration requires name and forward func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[name]; ok && version <= existing.version {
		return fmt.Errorf("ledger: handler %s version %d already registered", name, existing.version)
	}
	r.handlers[name] = registration{version: version, forward: forward, inverse: inverse}
	return nil
}

// Forward looks up the forward handler for an operation.
func (r *Registry) Forward(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, false
	}
	return reg.forward, true
}

// Inverse looks up the inverse for an operation. The second return is
// false when the operation has no registered rollback.
func (r *Registry) Inverse(name string) (InverseFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok || reg.inverse == nil {
		return nil, false
	}
	return reg.inverse, true
}
