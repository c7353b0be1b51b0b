package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/breaker"
	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/ledger"
	"github.com/opsgate/opsgate/internal/policy"
)

type handlerEnv struct {
	router *chi.Mux
	store  *decision.MemoryStore
	gw     *gateway.Service
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	clock := func() time.Time { return time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC) }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	policies := policy.NewMemoryStore()
	ctx := context.Background()
	role, err := policies.CreateRole(ctx, policy.Role{Slug: "ops", Name: "Ops"})
	require.NoError(t, err)
	perm, err := policies.CreatePermission(ctx, policy.Permission{Slug: "users:update"})
	require.NoError(t, err)
	_, err = policies.Bind(ctx, policy.RolePermission{RoleID: role.ID, Permission: perm, Effect: policy.EffectAllow})
	require.NoError(t, err)
	_, err = policies.Assign(ctx, policy.RoleAssignment{ActorID: "staff-1", RoleID: role.ID})
	require.NoError(t, err)

	pdp := policy.NewPDP(policies, nil, policy.PDPConfig{AutoApproveCeiling: 100000}).WithClock(clock)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.Limits{
		MaxActionsPerMinute: 100,
		MaxVolumePerHour:    10_000_000,
		ErrorThreshold:      3,
		Cooldown:            15 * time.Minute,
	}).WithClock(clock)

	store := decision.NewMemoryStore()
	registry := ledger.NewRegistry()
	require.NoError(t, registry.Register("update_user", 1,
		func(ctx context.Context, input map[string]any, execCtx ledger.ExecContext) (ledger.HandlerResult, error) {
			return ledger.HandlerResult{
				Success:     true,
				Reversible:  true,
				StateBefore: map[string]any{"name": "old"},
				StateAfter:  map[string]any{"name": "new"},
			}, nil
		},
		func(ctx context.Context, rec decision.Record) error { return nil }))

	sink := audit.NewBestEffort(audit.NewSlogSink(logger), logger)
	led := ledger.New(store, registry, ledger.NewTokenSigner("test-key"), sink, logger,
		ledger.Config{RollbackWindow: 72 * time.Hour}).WithClock(clock)

	ops := gateway.NewOperations()
	require.NoError(t, ops.Define(gateway.OperationSpec{Name: "update_user", Resource: "users", Action: "update", Version: 1}))

	gw := gateway.NewService(ops, pdp, brk, store, led, sink, nil, logger, gateway.Thresholds{
		ConfidenceFloor:       0.70,
		ConfirmationCeiling:   10000,
		HumanRequiredCeiling:  500000,
		MediumAmountThreshold: 10000,
		HighAmountThreshold:   100000,
	}).WithClock(clock)

	router := chi.NewRouter()
	NewHandler(gw, store, logger).MountRoutes(router)
	return &handlerEnv{router: router, store: store, gw: gw}
}

func (e *handlerEnv) executeDecision(t *testing.T) decision.Record {
	t.Helper()
	rec, err := e.gw.Propose(context.Background(), gateway.Proposal{
		ActorID:    "staff-1",
		ActorType:  gateway.ActorStaff,
		Operation:  "update_user",
		Input:      map[string]any{"user_id": "u-1"},
		Confidence: 0.99,
	})
	require.NoError(t, err)
	require.Equal(t, decision.StatusExecuted, rec.Status)
	return rec
}

func TestGetDecision(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.executeDecision(t)

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/decisions/"+rec.ID.String(), nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got decision.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, decision.StatusExecuted, got.Status)
}

func TestGetDecisionNotFound(t *testing.T) {
	e := newHandlerEnv(t)

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/decisions/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.executeDecision(t)

	body, _ := json.Marshal(map[string]string{"actor_id": "staff-9", "reason": "wrong target"})
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/decisions/"+rec.ID.String()+"/rollback", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	final, err := e.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.StatusRolledBack, final.Status)
	assert.Equal(t, "staff-9", final.RolledBackBy)
}

func TestRollbackEndpointRefusedTwice(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.executeDecision(t)

	body, _ := json.Marshal(map[string]string{"actor_id": "staff-9", "reason": "wrong target"})
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/decisions/"+rec.ID.String()+"/rollback", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/decisions/"+rec.ID.String()+"/rollback", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRollbackEndpointValidation(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.executeDecision(t)

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/decisions/"+rec.ID.String()+"/rollback", bytes.NewReader([]byte(`{"actor_id":""}`))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	e.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/decisions/not-a-uuid/rollback", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
