// Package decision holds the durable record of one gated action's
// lifecycle, from proposal through optional rollback.
package decision

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the decision does not exist.
	ErrNotFound = errors.New("decision: not found")
	// ErrDuplicateCorrelation indicates the correlation id was already used.
	ErrDuplicateCorrelation = errors.New("decision: correlation id already processed")
	// ErrStatusConflict indicates a guarded status transition lost to a
	// concurrent writer or was attempted out of order.
	ErrStatusConflict = errors.New("decision: status conflict")
)

// Status is the lifecycle state of a record. pending transitions to
// executed or rejected exactly once; executed may transition to
// rolled_back exactly once.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuted   Status = "executed"
	StatusRejected   Status = "rejected"
	StatusRolledBack Status = "rolled_back"
)

// Verdict is the gateway's binding outcome for one proposal.
type Verdict string

const (
	VerdictAutoApprove        Verdict = "auto_approve"
	VerdictApproveWithConfirm Verdict = "approve_with_confirmation"
	VerdictRequireHuman       Verdict = "require_human"
	VerdictDeny               Verdict = "deny"
)

// RiskLevel grades a proposal.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Record is immutable once created; only its status block changes,
// each transition exactly once.
type Record struct {
	ID            uuid.UUID
	CorrelationID string

	ActorID   string
	ActorType string

	Operation  string
	Input      map[string]any
	Confidence float64
	Amount     float64

	RiskLevel RiskLevel
	Verdict   Verdict
	Status    Status

	Reason           string
	FailedConditions []string
	// RequiresConfirmation flags an approval the console must confirm
	// with the operator before execution is final.
	RequiresConfirmation bool

	StateBefore map[string]any
	StateAfter  map[string]any
	Result      map[string]any
	Error       string

	RollbackToken     string
	RollbackExpiresAt *time.Time

	ExecutedBy string
	ExecutedAt *time.Time

	RolledBackBy   string
	RolledBackAt   *time.Time
	RollbackReason string

	CreatedAt time.Time
}

// ExecutionUpdate finalizes a pending record after its handler ran.
type ExecutionUpdate struct {
	Result            map[string]any
	StateBefore       map[string]any
	StateAfter        map[string]any
	RollbackToken     string
	RollbackExpiresAt *time.Time
	ExecutedBy        string
	ExecutedAt        time.Time
}
