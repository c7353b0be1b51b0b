package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// QueueDefault is the queue every maintenance task runs on.
const QueueDefault = "default"

const (
	// TypeScanStalePending flags pending decision records that never
	// reached a terminal status.
	TypeScanStalePending = "decisions:scan_stale_pending"

	// TypeSweepRollbackExpiry clears rollback tokens on executed records
	// whose rollback window has lapsed.
	TypeSweepRollbackExpiry = "decisions:sweep_rollback_expiry"
)

// ScanStalePendingPayload configures a stale-pending scan run.
type ScanStalePendingPayload struct {
	// OlderThan bounds how long a record may sit in pending before the
	// scan flags it. Zero falls back to the job default.
	OlderThan time.Duration `json:"older_than"`
}

// NewScanStalePendingTask builds the periodic stale-pending scan task.
func NewScanStalePendingTask(olderThan time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(ScanStalePendingPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeScanStalePending, payload), nil
}

// SweepRollbackExpiryPayload configures a rollback-token sweep run.
type SweepRollbackExpiryPayload struct {
	// Limit caps how many records a single sweep touches. Zero falls back
	// to the job default.
	Limit int `json:"limit"`
}

// NewSweepRollbackExpiryTask builds the periodic rollback-token sweep task.
func NewSweepRollbackExpiryTask(limit int) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepRollbackExpiryPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSweepRollbackExpiry, payload), nil
}
