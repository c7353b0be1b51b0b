package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrRoleCycle indicates that a parent change would make a role its own ancestor.
	ErrRoleCycle = errors.New("policy: role cannot be its own ancestor")
	// ErrDuplicateBinding indicates a second binding for the same role/permission pair.
	ErrDuplicateBinding = errors.New("policy: binding already exists for role/permission pair")
)

// Effect is the outcome a binding contributes to evaluation.
type Effect string

const (
	// EffectAllow grants the bound permission.
	EffectAllow Effect = "allow"
	// EffectDeny forbids the bound permission and overrides any allow.
	EffectDeny Effect = "deny"
)

// Role groups permissions. Roles form a tree via ParentID; a role's
// priority weights every binding it contributes.
type Role struct {
	ID        int64
	Slug      string
	Name      string
	ParentID  *int64
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is an atomic capability identified by a "resource:action"
// slug. "resource:*" and "*:*" are wildcard slugs.
type Permission struct {
	ID          int64
	Slug        string
	Sensitive   bool
	Description string
}

// Matches reports whether the permission covers resource:action.
func (p Permission) Matches(resource, action string) bool {
	if p.Slug == "*:*" {
		return true
	}
	if p.Slug == resource+":*" {
		return true
	}
	return p.Slug == resource+":"+action
}

// RolePermission binds a permission to a role with an effect, an
// optional condition set and a priority. Unique per (role, permission).
type RolePermission struct {
	ID         int64
	RoleID     int64
	Permission Permission
	Effect     Effect
	Conditions *ConditionSet
	Priority   int
	ExpiresAt  *time.Time
	GrantedBy  string
	CreatedAt  time.Time
}

// Expired reports whether the binding has lapsed at the given instant.
func (rp RolePermission) Expired(now time.Time) bool {
	return rp.ExpiresAt != nil && !now.Before(*rp.ExpiresAt)
}

// RoleAssignment links an actor to a role. Revocation is an explicit
// Active=false flag; expiry is checked at evaluation time.
type RoleAssignment struct {
	ID        int64
	ActorID   string
	RoleID    int64
	Active    bool
	ExpiresAt *time.Time
	GrantedBy string
	CreatedAt time.Time
}

// Effective reports whether the assignment contributes bindings now.
func (ra RoleAssignment) Effective(now time.Time) bool {
	if !ra.Active {
		return false
	}
	return ra.ExpiresAt == nil || now.Before(*ra.ExpiresAt)
}

// ConditionSet is an attribute-based filter layered on an allow
// binding. Every present field must pass.
type ConditionSet struct {
	TimeStart    string   `json:"time_start,omitempty"`
	TimeEnd      string   `json:"time_end,omitempty"`
	WeekdaysOnly bool     `json:"weekdays_only,omitempty"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	BlockedIPs   []string `json:"blocked_ips,omitempty"`
	MaxAmount    *float64 `json:"max_amount,omitempty"`
}

// EvalContext carries the situational attributes a condition set is
// evaluated against. At defaults to the evaluation clock when zero.
// LegacyRole is the actor's flat role string, consulted only when the
// actor holds no modern role assignments.
type EvalContext struct {
	Amount     float64
	IP         string
	At         time.Time
	LegacyRole string
}

// Decision is the PDP verdict for one (actor, resource, action) request.
type Decision struct {
	Allowed          bool
	Reason           string
	FailedConditions []string
	RequiresApproval bool
	MatchedBindingID int64
	MatchedRoleID    int64
}

// SplitSlug splits a "resource:action" slug. An error is returned when
// the slug has no separator.
func SplitSlug(slug string) (resource, action string, err error) {
	parts := strings.SplitN(slug, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("policy: malformed permission slug %q", slug)
	}
	return parts[0], parts[1], nil
}
