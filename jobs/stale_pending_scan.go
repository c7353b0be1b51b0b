package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/opsgate/opsgate/internal/decision"
	jobmetrics "github.com/opsgate/opsgate/internal/jobs"
	"github.com/opsgate/opsgate/internal/observability"
)

const defaultStaleAfter = 10 * time.Minute

// StalePendingScanJob flags executable decisions stuck in pending. A record
// in pending with an executable verdict past the grace period means the
// process died between creating the record and finalizing it; those need a
// human to reconcile against the downstream system before retrying.
type StalePendingScanJob struct {
	Store   decision.Store
	Gauge   *observability.Metrics
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	clock func() time.Time
}

// WithClock overrides the time source. Test hook.
func (j *StalePendingScanJob) WithClock(clock func() time.Time) *StalePendingScanJob {
	j.clock = clock
	return j
}

func (j *StalePendingScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// Handle runs the scan.
func (j *StalePendingScanJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload ScanStalePendingPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TypeScanStalePending)
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = defaultStaleAfter
	}

	cutoff := j.now().Add(-olderThan)
	stale, err := j.Store.ListStalePending(ctx, cutoff)
	if err != nil {
		return tracker.End(fmt.Errorf("list stale pending: %w", err))
	}

	j.Gauge.SetStalePending(len(stale))
	for _, rec := range stale {
		j.Metrics.AddStaleDecisions(rec.Operation, 1)
		j.Logger.Warn("stale pending decision",
			"decision_id", rec.ID,
			"operation", rec.Operation,
			"actor_id", rec.ActorID,
			"verdict", string(rec.Verdict),
			"age", j.now().Sub(rec.CreatedAt).String(),
		)
	}
	if len(stale) > 0 {
		j.Logger.Info("stale pending scan finished", "flagged", len(stale), "cutoff", cutoff)
	}
	return tracker.End(nil)
}
