package policy

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Reader is the read surface the decision point needs. Both the
// PostgreSQL repository and the in-memory store implement it.
type Reader interface {
	// ActorAssignments returns every assignment recorded for the actor,
	// including inactive and expired ones; the PDP filters.
	ActorAssignments(ctx context.Context, actorID string) ([]RoleAssignment, error)
	// Role fetches a role by ID.
	Role(ctx context.Context, id int64) (Role, error)
	// RoleBindings returns the bindings attached directly to a role,
	// each joined with its permission.
	RoleBindings(ctx context.Context, roleID int64) ([]RolePermission, error)
}

// PDPConfig tunes decision-point behaviour.
type PDPConfig struct {
	// AutoApproveCeiling is the amount above which a sensitive allow
	// still requires human approval.
	AutoApproveCeiling float64
}

// PDP resolves whether an actor may perform an action on a resource,
// combining role inheritance, explicit deny-override and attribute
// conditions.
type PDP struct {
	reader Reader
	legacy *LegacyTable
	cfg    PDPConfig
	now    func() time.Time
}

// NewPDP constructs a decision point. legacy may be nil when no flat
// fallback table exists.
func NewPDP(reader Reader, legacy *LegacyTable, cfg PDPConfig) *PDP {
	return &PDP{reader: reader, legacy: legacy, cfg: cfg, now: time.Now}
}

// WithClock overrides the evaluation clock. Test hook.
func (p *PDP) WithClock(now func() time.Time) *PDP {
	p.now = now
	return p
}

// scoredBinding pairs a binding with the priority it contributes under
// a particular role. A binding inherited from an ancestor is weighted
// by that ancestor's own priority, not the assigned role's.
type scoredBinding struct {
	binding  RolePermission
	roleID   int64
	priority int
}

// Decide resolves "can actorID perform action on resource under evalCtx".
func (p *PDP) Decide(ctx context.Context, actorID, resource, action string, evalCtx EvalContext) (Decision, error) {
	now := p.now()

	assignments, err := p.reader.ActorAssignments(ctx, actorID)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: load assignments: %w", err)
	}

	var effective []RoleAssignment
	for _, a := range assignments {
		if a.Effective(now) {
			effective = append(effective, a)
		}
	}

	if len(effective) == 0 {
		return p.decideLegacy(evalCtx.LegacyRole, resource, action), nil
	}

	var matched []scoredBinding
	for _, a := range effective {
		chain, err := p.ancestorChain(ctx, a.RoleID)
		if err != nil {
			return Decision{}, err
		}
		for _, role := range chain {
			bindings, err := p.reader.RoleBindings(ctx, role.ID)
			if err != nil {
				return Decision{}, fmt.Errorf("policy: load bindings for role %d: %w", role.ID, err)
			}
			for _, b := range bindings {
				if b.Expired(now) {
					continue
				}
				if !b.Permission.Matches(resource, action) {
					continue
				}
				matched = append(matched, scoredBinding{
					binding:  b,
					roleID:   role.ID,
					priority: b.Priority + role.Priority*100,
				})
			}
		}
	}

	if len(matched) == 0 {
		return Decision{Allowed: false, Reason: "no permission found"}, nil
	}

	// Highest effective priority first; equal priorities break on
	// binding ID ascending so evaluation order is deterministic.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].binding.ID < matched[j].binding.ID
	})

	// Deny overrides every allow regardless of priority.
	for _, m := range matched {
		if m.binding.Effect == EffectDeny {
			return Decision{
				Allowed:          false,
				Reason:           fmt.Sprintf("explicitly denied by binding %d", m.binding.ID),
				MatchedBindingID: m.binding.ID,
				MatchedRoleID:    m.roleID,
			}, nil
		}
	}

	winner := matched[0]
	if failed := EvaluateConditions(winner.binding.Conditions, evalCtx, now); len(failed) > 0 {
		return Decision{
			Allowed:          false,
			Reason:           "condition check failed",
			FailedConditions: failed,
			MatchedBindingID: winner.binding.ID,
			MatchedRoleID:    winner.roleID,
		}, nil
	}

	decision := Decision{
		Allowed:          true,
		MatchedBindingID: winner.binding.ID,
		MatchedRoleID:    winner.roleID,
	}
	if winner.binding.Permission.Sensitive && evalCtx.Amount > p.cfg.AutoApproveCeiling {
		decision.RequiresApproval = true
		decision.Reason = "amount exceeds auto-approval ceiling"
	}
	return decision, nil
}

// ancestorChain resolves a role and its ancestors, nearest first. A
// visited set truncates accidental cycles instead of looping.
func (p *PDP) ancestorChain(ctx context.Context, roleID int64) ([]Role, error) {
	var chain []Role
	visited := make(map[int64]struct{})
	next := &roleID
	for next != nil {
		id := *next
		if _, seen := visited[id]; seen {
			break
		}
		visited[id] = struct{}{}
		role, err := p.reader.Role(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("policy: load role %d: %w", id, err)
		}
		chain = append(chain, role)
		next = role.ParentID
	}
	return chain, nil
}

// decideLegacy consults the flat role table; conditions never apply.
func (p *PDP) decideLegacy(legacyRole, resource, action string) Decision {
	if p.legacy == nil || legacyRole == "" {
		return Decision{Allowed: false, Reason: "no permission found"}
	}
	if p.legacy.HasPermission(legacyRole, resource+":"+action) {
		return Decision{Allowed: true, Reason: "granted by legacy role table"}
	}
	return Decision{Allowed: false, Reason: "no permission found"}
}
