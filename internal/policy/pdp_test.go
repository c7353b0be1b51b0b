package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// Tuesday 10:30 UTC.
var evalTime = time.Date(2024, 3, 12, 10, 30, 0, 0, time.UTC)

type fixture struct {
	store *MemoryStore
	pdp   *PDP
}

func newFixture(t *testing.T, cfg PDPConfig) *fixture {
	t.Helper()
	store := NewMemoryStore()
	pdp := NewPDP(store, nil, cfg).WithClock(fixedClock(evalTime))
	return &fixture{store: store, pdp: pdp}
}

func (f *fixture) grant(t *testing.T, roleID int64, slug string, sensitive bool, effect Effect, priority int, cs *ConditionSet) RolePermission {
	t.Helper()
	perm, err := f.store.CreatePermission(context.Background(), Permission{Slug: slug, Sensitive: sensitive})
	require.NoError(t, err)
	binding, err := f.store.Bind(context.Background(), RolePermission{
		RoleID:     roleID,
		Permission: perm,
		Effect:     effect,
		Priority:   priority,
		Conditions: cs,
	})
	require.NoError(t, err)
	return binding
}

func TestDecideDenyOverridesAllowRegardlessOfPriority(t *testing.T) {
	f := newFixture(t, PDPConfig{AutoApproveCeiling: 100000})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations", Priority: 5})
	require.NoError(t, err)
	f.grant(t, role.ID, "users:update", false, EffectAllow, 90, nil)
	f.grant(t, role.ID, "users:update", false, EffectDeny, 1, nil)

	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-1", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-1", "users", "update", EvalContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "denied")
}

func TestDecideNoMatchingPermission(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "viewer", Name: "Viewer"})
	require.NoError(t, err)
	f.grant(t, role.ID, "reports:read", false, EffectAllow, 0, nil)
	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-2", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-2", "users", "block", EvalContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "no permission found", decision.Reason)
}

func TestDecideWildcardMatch(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "admin", Name: "Admin"})
	require.NoError(t, err)
	f.grant(t, role.ID, "users:*", false, EffectAllow, 0, nil)
	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-3", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-3", "users", "block", EvalContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestDecideTimeWindowConditionNamed(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations"})
	require.NoError(t, err)
	// Window 14:00-18:00, evaluation happens at 10:30.
	f.grant(t, role.ID, "payments:refund", false, EffectAllow, 0, &ConditionSet{
		TimeStart: "14:00",
		TimeEnd:   "18:00",
	})
	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-4", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-4", "payments", "refund", EvalContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{CondTimeWindow}, decision.FailedConditions)
}

func TestDecideParentRoleInheritance(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	parent, err := f.store.CreateRole(ctx, Role{Slug: "supervisor", Name: "Supervisor"})
	require.NoError(t, err)
	child, err := f.store.CreateRole(ctx, Role{Slug: "agent", Name: "Agent", ParentID: &parent.ID})
	require.NoError(t, err)
	f.grant(t, parent.ID, "users:update", false, EffectAllow, 0, nil)

	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-5", RoleID: child.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-5", "users", "update", EvalContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, parent.ID, decision.MatchedRoleID)
}

func TestDecideParentPriorityWeighting(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	parent, err := f.store.CreateRole(ctx, Role{Slug: "lead", Name: "Lead", Priority: 10})
	require.NoError(t, err)
	child, err := f.store.CreateRole(ctx, Role{Slug: "junior", Name: "Junior", Priority: 1, ParentID: &parent.ID})
	require.NoError(t, err)

	// Parent binding scores 0 + 10*100 = 1000; child binding scores
	// 50 + 1*100 = 150. The parent's allow (with its tighter amount
	// cap) must win.
	cap := 500.0
	f.grant(t, parent.ID, "payments:refund", false, EffectAllow, 0, &ConditionSet{MaxAmount: &cap})
	f.grant(t, child.ID, "payments:refund", false, EffectAllow, 50, nil)

	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-6", RoleID: child.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-6", "payments", "refund", EvalContext{Amount: 900})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{CondMaxAmount}, decision.FailedConditions)
}

func TestDecideEqualPriorityTieBreaksOnBindingID(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations"})
	require.NoError(t, err)
	first := f.grant(t, role.ID, "users:update", false, EffectAllow, 10, nil)
	second := f.grant(t, role.ID, "users:*", false, EffectAllow, 10, nil)
	require.Less(t, first.ID, second.ID)

	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-7", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-7", "users", "update", EvalContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, first.ID, decision.MatchedBindingID)
}

func TestDecideSensitiveAmountRequiresApproval(t *testing.T) {
	f := newFixture(t, PDPConfig{AutoApproveCeiling: 100000})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "risk", Name: "Risk"})
	require.NoError(t, err)
	f.grant(t, role.ID, "users:block", true, EffectAllow, 0, nil)
	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-8", RoleID: role.ID})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-8", "users", "block", EvalContext{Amount: 150000})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.RequiresApproval)
}

func TestDecideExpiredAssignmentIgnored(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations"})
	require.NoError(t, err)
	f.grant(t, role.ID, "users:update", false, EffectAllow, 0, nil)
	expired := evalTime.Add(-time.Hour)
	_, err = f.store.Assign(ctx, RoleAssignment{ActorID: "staff-9", RoleID: role.ID, ExpiresAt: &expired})
	require.NoError(t, err)

	decision, err := f.pdp.Decide(ctx, "staff-9", "users", "update", EvalContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestDecideRevokedAssignmentIgnored(t *testing.T) {
	f := newFixture(t, PDPConfig{})
	ctx := context.Background()

	role, err := f.store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations"})
	require.NoError(t, err)
	f.grant(t, role.ID, "users:update", false, EffectAllow, 0, nil)
	assignment, err := f.store.Assign(ctx, RoleAssignment{ActorID: "staff-10", RoleID: role.ID})
	require.NoError(t, err)
	require.NoError(t, f.store.Revoke(ctx, assignment.ID))

	decision, err := f.pdp.Decide(ctx, "staff-10", "users", "update", EvalContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestDecideLegacyFallback(t *testing.T) {
	store := NewMemoryStore()
	legacy := NewLegacyTable(map[string][]string{
		"support": {"tickets:read", "tickets:update"},
	})
	pdp := NewPDP(store, legacy, PDPConfig{}).WithClock(fixedClock(evalTime))

	decision, err := pdp.Decide(context.Background(), "old-staff", "tickets", "update", EvalContext{LegacyRole: "support"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = pdp.Decide(context.Background(), "old-staff", "payments", "refund", EvalContext{LegacyRole: "support"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestSetRoleParentRejectsCycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.CreateRole(ctx, Role{Slug: "a", Name: "A"})
	require.NoError(t, err)
	b, err := store.CreateRole(ctx, Role{Slug: "b", Name: "B", ParentID: &a.ID})
	require.NoError(t, err)
	c, err := store.CreateRole(ctx, Role{Slug: "c", Name: "C", ParentID: &b.ID})
	require.NoError(t, err)

	err = store.SetRoleParent(ctx, a.ID, &c.ID)
	assert.ErrorIs(t, err, ErrRoleCycle)
}

func TestBindRejectsDuplicatePair(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	role, err := store.CreateRole(ctx, Role{Slug: "ops", Name: "Operations"})
	require.NoError(t, err)
	perm, err := store.CreatePermission(ctx, Permission{Slug: "users:update"})
	require.NoError(t, err)
	_, err = store.Bind(ctx, RolePermission{RoleID: role.ID, Permission: perm, Effect: EffectAllow})
	require.NoError(t, err)

	_, err = store.Bind(ctx, RolePermission{RoleID: role.ID, Permission: perm, Effect: EffectDeny})
	assert.ErrorIs(t, err, ErrDuplicateBinding)
}
