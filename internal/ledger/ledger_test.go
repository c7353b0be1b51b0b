package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/decision"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type env struct {
	store    *decision.MemoryStore
	registry *Registry
	ledger   *Ledger
	clock    *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := decision.NewMemoryStore()
	registry := NewRegistry()
	clock := &testClock{now: time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sink := audit.NewBestEffort(audit.NewSlogSink(logger), logger)
	led := New(store, registry, NewTokenSigner("test-key"), sink, logger, Config{RollbackWindow: 72 * time.Hour}).
		WithClock(clock.Now)
	return &env{store: store, registry: registry, ledger: led, clock: clock}
}

func (e *env) pendingRecord(t *testing.T, operation string) decision.Record {
	t.Helper()
	rec := &decision.Record{
		ActorID:   "staff-1",
		ActorType: "staff",
		Operation: operation,
		Input:     map[string]any{"user_id": "u-9", "status": "blocked"},
		Verdict:   decision.VerdictAutoApprove,
		RiskLevel: decision.RiskLow,
		Status:    decision.StatusPending,
	}
	require.NoError(t, e.store.Create(context.Background(), rec))
	return *rec
}

func registerReversible(t *testing.T, e *env, name string) *int {
	t.Helper()
	inverseCalls := 0
	err := e.registry.Register(name, 1,
		func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error) {
			return HandlerResult{
				Success:     true,
				Data:        map[string]any{"updated": true},
				Reversible:  true,
				StateBefore: map[string]any{"status": "active"},
				StateAfter:  map[string]any{"status": "blocked"},
			}, nil
		},
		func(ctx context.Context, rec decision.Record) error {
			inverseCalls++
			return nil
		})
	require.NoError(t, err)
	return &inverseCalls
}

func TestExecuteSuccessMintsRollbackToken(t *testing.T) {
	e := newEnv(t)
	registerReversible(t, e, "block_user")
	rec := e.pendingRecord(t, "block_user")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	require.NoError(t, err)
	assert.Equal(t, decision.StatusExecuted, final.Status)
	assert.NotEmpty(t, final.RollbackToken)
	require.NotNil(t, final.RollbackExpiresAt)
	assert.Equal(t, e.clock.Now().Add(72*time.Hour), *final.RollbackExpiresAt)
	assert.Equal(t, map[string]any{"status": "active"}, final.StateBefore)
}

func TestExecuteHandlerFailureRejectsRecord(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("refund", 1,
		func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error) {
			return HandlerResult{Success: false, Err: "provider unavailable"}, nil
		}, nil))
	rec := e.pendingRecord(t, "refund")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "provider unavailable", execErr.Reason)
	assert.Equal(t, decision.StatusRejected, final.Status)
	assert.Equal(t, "provider unavailable", final.Error)
}

func TestExecuteHandlerPanicIsContained(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("explode", 1,
		func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error) {
			panic("boom")
		}, nil))
	rec := e.pendingRecord(t, "explode")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, decision.StatusRejected, final.Status)
	assert.Contains(t, final.Error, "panic")
}

func TestExecuteUnknownOperationRejects(t *testing.T) {
	e := newEnv(t)
	rec := e.pendingRecord(t, "never_registered")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, decision.StatusRejected, final.Status)
}

func TestRollbackSucceedsOnceThenNotExecuted(t *testing.T) {
	e := newEnv(t)
	inverseCalls := registerReversible(t, e, "block_user")
	rec := e.pendingRecord(t, "block_user")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	require.NoError(t, err)

	require.NoError(t, e.ledger.Rollback(context.Background(), final.ID, "staff-2", "wrong user"))
	assert.Equal(t, 1, *inverseCalls)

	err = e.ledger.Rollback(context.Background(), final.ID, "staff-2", "again")
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Contains(t, rbErr.Reason, "not executed")

	stored, err := e.store.Get(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.StatusRolledBack, stored.Status)
	assert.Equal(t, "staff-2", stored.RolledBackBy)
}

func TestRollbackAfterWindowExpires(t *testing.T) {
	e := newEnv(t)
	registerReversible(t, e, "block_user")
	rec := e.pendingRecord(t, "block_user")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	require.NoError(t, err)

	e.clock.Advance(72*time.Hour + time.Minute)

	err = e.ledger.Rollback(context.Background(), final.ID, "staff-2", "too late")
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Contains(t, rbErr.Reason, "expired")

	stored, err := e.store.Get(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.StatusExecuted, stored.Status)
}

func TestRollbackWithoutInverseRefused(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("notify", 1,
		func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error) {
			return HandlerResult{Success: true, Reversible: true, StateBefore: map[string]any{}}, nil
		}, nil))
	rec := e.pendingRecord(t, "notify")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	require.NoError(t, err)

	err = e.ledger.Rollback(context.Background(), final.ID, "staff-2", "undo")
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Contains(t, rbErr.Reason, "rollback not implemented")
}

func TestRollbackIrreversibleExecutionRefused(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("external_wire", 1,
		func(ctx context.Context, input map[string]any, execCtx ExecContext) (HandlerResult, error) {
			return HandlerResult{Success: true}, nil
		},
		func(ctx context.Context, rec decision.Record) error { return nil }))
	rec := e.pendingRecord(t, "external_wire")

	final, err := e.ledger.Execute(context.Background(), rec, ExecContext{ActorID: "staff-1"})
	require.NoError(t, err)
	assert.Empty(t, final.RollbackToken)

	err = e.ledger.Rollback(context.Background(), final.ID, "staff-2", "undo")
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Contains(t, rbErr.Reason, "no rollback token")
}

func TestRollbackUnknownDecision(t *testing.T) {
	e := newEnv(t)
	err := e.ledger.Rollback(context.Background(), uuid.New(), "staff-2", "undo")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTokenSignerRejectsForeignToken(t *testing.T) {
	signer := NewTokenSigner("key-a")
	other := NewTokenSigner("key-b")

	id := uuid.NewString()
	token := signer.Mint(id)
	assert.True(t, signer.Verify(id, token))
	assert.False(t, signer.Verify(uuid.NewString(), token))
	assert.False(t, other.Verify(id, token))
}
