package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists decision records. Creation and the later status
// updates are separate writes; every transition is guarded by the
// expected current status so concurrent writers conflict instead of
// double-applying.
type Store interface {
	// Create persists a new record. A reused correlation id returns
	// ErrDuplicateCorrelation.
	Create(ctx context.Context, rec *Record) error
	// Get fetches a record by id.
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// GetByCorrelation fetches the record created with the given
	// correlation id.
	GetByCorrelation(ctx context.Context, correlationID string) (Record, error)
	// MarkExecuted transitions pending → executed.
	MarkExecuted(ctx context.Context, id uuid.UUID, update ExecutionUpdate) error
	// MarkRejected transitions pending → rejected, recording the error.
	MarkRejected(ctx context.Context, id uuid.UUID, reason string) error
	// MarkRolledBack transitions executed → rolled_back. The guard acts
	// as the optimistic lock between execution and rollback.
	MarkRolledBack(ctx context.Context, id uuid.UUID, by, reason string, at time.Time) error
	// ListStalePending returns executable records still pending after
	// cutoff: the observable signature of a crash mid-execution.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]Record, error)
}
