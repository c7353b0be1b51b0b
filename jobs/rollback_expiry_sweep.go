package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/opsgate/opsgate/internal/jobs"
)

const defaultSweepLimit = 500

// RollbackExpirySweepJob clears rollback tokens on executed decisions whose
// rollback window has lapsed. The ledger already refuses expired tokens;
// the sweep removes the secret material so a leaked old token is inert.
type RollbackExpirySweepJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	clock func() time.Time
}

// WithClock overrides the time source. Test hook.
func (j *RollbackExpirySweepJob) WithClock(clock func() time.Time) *RollbackExpirySweepJob {
	j.clock = clock
	return j
}

func (j *RollbackExpirySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// Handle runs the sweep.
func (j *RollbackExpirySweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload SweepRollbackExpiryPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TypeSweepRollbackExpiry)
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}

	tag, err := j.Pool.Exec(ctx, `
		UPDATE decisions SET rollback_token = NULL
		WHERE id IN (
			SELECT id FROM decisions
			WHERE status = 'executed'
			  AND rollback_token IS NOT NULL
			  AND rollback_expires_at < $1
			ORDER BY rollback_expires_at ASC
			LIMIT $2
		)`, j.now(), limit)
	if err != nil {
		return tracker.End(fmt.Errorf("sweep rollback tokens: %w", err))
	}
	if tag.RowsAffected() > 0 {
		j.Logger.Info("expired rollback tokens cleared", "count", tag.RowsAffected())
	}
	return tracker.End(nil)
}
