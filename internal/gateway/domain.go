// Package gateway is the single entry point for proposed sensitive
// operations. It combines the policy decision point, the per-actor
// breaker and magnitude thresholds into a binding verdict, and owns
// the decision record lifecycle.
package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrValidation flags a malformed proposal, surfaced before any
	// side effect.
	ErrValidation = errors.New("gateway: invalid proposal")
	// ErrUnknownOperation flags a proposal for an unmapped operation.
	ErrUnknownOperation = errors.New("gateway: unknown operation")
)

// ActorType values accepted on proposals.
const (
	ActorStaff = "staff"
	ActorAgent = "agent"
)

// Proposal is one request to perform a governed operation.
type Proposal struct {
	ActorID   string `validate:"required"`
	ActorType string `validate:"required,oneof=staff agent"`
	Operation string `validate:"required"`
	// Input is the operation payload. An "amount" key, when present,
	// is the monetary magnitude thresholds apply to.
	Input map[string]any
	// Confidence is supplied by the proposer. For autonomous agents it
	// is the oracle's own certainty; it is never trusted beyond [0,1].
	Confidence float64 `validate:"gte=0,lte=1"`
	// CorrelationID deduplicates redelivered proposals.
	CorrelationID string

	IP         string
	LegacyRole string
	At         time.Time
}

// Amount extracts the monetary magnitude from the proposal input.
func (p Proposal) Amount() float64 {
	switch v := p.Input["amount"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// OperationSpec maps an operation name onto the permission model.
type OperationSpec struct {
	Name      string
	Resource  string
	Action    string
	Sensitive bool
	Version   int
}

// Operations is the catalogue of governed operation names.
type Operations struct {
	mu    sync.RWMutex
	specs map[string]OperationSpec
}

// NewOperations constructs an empty catalogue.
func NewOperations() *Operations {
	return &Operations{specs: make(map[string]OperationSpec)}
}

// Define registers an operation spec.
func (o *Operations) Define(spec OperationSpec) error {
	if spec.Name == "" || spec.Resource == "" || spec.Action == "" {
		return fmt.Errorf("gateway: operation spec requires name, resource and action")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.specs[spec.Name]; ok && spec.Version <= existing.Version {
		return fmt.Errorf("gateway: operation %s version %d already defined", spec.Name, existing.Version)
	}
	o.specs[spec.Name] = spec
	return nil
}

// Lookup resolves an operation name.
func (o *Operations) Lookup(name string) (OperationSpec, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	spec, ok := o.specs[name]
	return spec, ok
}
