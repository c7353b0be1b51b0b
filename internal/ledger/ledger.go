package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/decision"
)

// ErrNotFound re-exports the decision sentinel for callers that only
// import the ledger.
var ErrNotFound = decision.ErrNotFound

// ExecutionError reports that a handler failed or returned
// success=false. The decision was finalized rejected and the failure
// counts against the actor's breaker; a retry requires a fresh
// proposal.
type ExecutionError struct {
	Operation string
	Reason    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ledger: execution of %s failed: %s", e.Operation, e.Reason)
}

// RollbackError reports an unmet rollback precondition or a missing
// inverse. The record's status is unchanged; a rollback is never
// partial.
type RollbackError struct {
	Reason string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("ledger: rollback refused: %s", e.Reason)
}

// Config tunes the ledger.
type Config struct {
	// RollbackWindow bounds how long after execution a compensation
	// may run.
	RollbackWindow time.Duration
}

// Ledger finalizes approved decisions through handlers and performs
// compensating rollbacks.
type Ledger struct {
	store    decision.Store
	registry *Registry
	signer   *TokenSigner
	sink     audit.Sink
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New constructs a ledger.
func New(store decision.Store, registry *Registry, signer *TokenSigner, sink audit.Sink, logger *slog.Logger, cfg Config) *Ledger {
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = 72 * time.Hour
	}
	return &Ledger{
		store:    store,
		registry: registry,
		signer:   signer,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Execute runs the forward handler for an approved pending record and
// finalizes it to executed or rejected. The returned record reflects
// the final state; a *ExecutionError accompanies a rejection.
func (l *Ledger) Execute(ctx context.Context, rec decision.Record, execCtx ExecContext) (decision.Record, error) {
	handler, ok := l.registry.Forward(rec.Operation)
	if !ok {
		reason := fmt.Sprintf("no handler registered for operation %s", rec.Operation)
		return l.reject(ctx, rec, reason)
	}

	result, err := func() (result HandlerResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, rec.Input, execCtx)
	}()
	if err != nil {
		return l.reject(ctx, rec, err.Error())
	}
	if !result.Success {
		reason := result.Err
		if reason == "" {
			reason = "handler reported failure"
		}
		return l.reject(ctx, rec, reason)
	}

	update := decision.ExecutionUpdate{
		Result:      result.Data,
		StateBefore: result.StateBefore,
		StateAfter:  result.StateAfter,
		ExecutedBy:  execCtx.ActorID,
		ExecutedAt:  l.now(),
	}
	if result.Reversible {
		update.RollbackToken = l.signer.Mint(rec.ID.String())
		expires := update.ExecutedAt.Add(l.cfg.RollbackWindow)
		update.RollbackExpiresAt = &expires
	}
	if err := l.store.MarkExecuted(ctx, rec.ID, update); err != nil {
		return rec, fmt.Errorf("ledger: finalize execution: %w", err)
	}

	l.sink.Log(ctx, audit.Entry{
		ActorType:   rec.ActorType,
		ActorID:     rec.ActorID,
		Action:      "execute",
		Resource:    "decision",
		ResourceID:  rec.ID.String(),
		Description: fmt.Sprintf("executed %s (amount %s)", rec.Operation, audit.FormatAmount(rec.Amount)),
		OldData:     result.StateBefore,
		NewData:     result.StateAfter,
		Severity:    audit.SeverityInfo,
	})

	return l.store.Get(ctx, rec.ID)
}

func (l *Ledger) reject(ctx context.Context, rec decision.Record, reason string) (decision.Record, error) {
	if err := l.store.MarkRejected(ctx, rec.ID, reason); err != nil {
		// The guard lost: the record was finalized elsewhere. Surface
		// the conflict rather than masking it with the handler error.
		return rec, fmt.Errorf("ledger: finalize rejection: %w", err)
	}
	l.sink.Log(ctx, audit.Entry{
		ActorType:   rec.ActorType,
		ActorID:     rec.ActorID,
		Action:      "execution_failed",
		Resource:    "decision",
		ResourceID:  rec.ID.String(),
		Description: reason,
		Severity:    audit.SeverityWarning,
	})
	final, err := l.store.Get(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	return final, &ExecutionError{Operation: rec.Operation, Reason: reason}
}

// Rollback compensates one executed decision. Preconditions are
// checked in order, short-circuiting on the first failure: the record
// exists, its status is exactly executed, a rollback token is present
// and valid, and the window has not lapsed.
func (l *Ledger) Rollback(ctx context.Context, decisionID uuid.UUID, requestingActor, reason string) error {
	rec, err := l.store.Get(ctx, decisionID)
	if err != nil {
		if errors.Is(err, decision.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if rec.Status != decision.StatusExecuted {
		return &RollbackError{Reason: fmt.Sprintf("decision is %s, not executed", rec.Status)}
	}
	if rec.RollbackToken == "" {
		return &RollbackError{Reason: "no rollback token"}
	}
	if !l.signer.Verify(rec.ID.String(), rec.RollbackToken) {
		return &RollbackError{Reason: "rollback token invalid"}
	}
	now := l.now()
	if rec.RollbackExpiresAt == nil || !now.Before(*rec.RollbackExpiresAt) {
		return &RollbackError{Reason: "rollback window expired"}
	}

	inverse, ok := l.registry.Inverse(rec.Operation)
	if !ok {
		return &RollbackError{Reason: fmt.Sprintf("rollback not implemented for %s", rec.Operation)}
	}
	if err := inverse(ctx, rec); err != nil {
		return &RollbackError{Reason: err.Error()}
	}

	// The executed-status guard doubles as the optimistic lock: a
	// concurrent status change aborts here, never a double-apply.
	if err := l.store.MarkRolledBack(ctx, rec.ID, requestingActor, reason, now); err != nil {
		if errors.Is(err, decision.ErrStatusConflict) {
			return &RollbackError{Reason: "concurrent status change"}
		}
		return err
	}

	l.sink.Log(ctx, audit.Entry{
		ActorType:   "staff",
		ActorID:     requestingActor,
		Action:      "rollback",
		Resource:    "decision",
		ResourceID:  rec.ID.String(),
		Description: fmt.Sprintf("rolled back %s: %s", rec.Operation, reason),
		OldData:     rec.StateAfter,
		NewData:     rec.StateBefore,
		Severity:    audit.SeverityWarning,
	})

	return nil
}
