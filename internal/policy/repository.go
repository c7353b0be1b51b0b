package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for policy data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRole inserts a role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (slug, name, parent_id, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		role.Slug, role.Name, role.ParentID, role.Priority,
	).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, fmt.Errorf("policy: create role: %w", err)
	}
	return role, nil
}

// SetRoleParent re-parents a role. The ancestor walk happens here
// rather than in SQL so the cycle error is distinguishable.
func (r *Repository) SetRoleParent(ctx context.Context, roleID int64, parentID *int64) error {
	if parentID != nil {
		visited := make(map[int64]struct{})
		cursor := parentID
		for cursor != nil {
			id := *cursor
			if id == roleID {
				return ErrRoleCycle
			}
			if _, seen := visited[id]; seen {
				break
			}
			visited[id] = struct{}{}
			parent, err := r.Role(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return err
			}
			cursor = parent.ParentID
		}
	}
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET parent_id=$2, updated_at=NOW() WHERE id=$1`, roleID, parentID)
	if err != nil {
		return fmt.Errorf("policy: set role parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePermission inserts a permission.
func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (slug, sensitive, description)
		VALUES ($1, $2, $3)
		RETURNING id`,
		perm.Slug, perm.Sensitive, perm.Description,
	).Scan(&perm.ID)
	if err != nil {
		return Permission{}, fmt.Errorf("policy: create permission: %w", err)
	}
	return perm, nil
}

// Bind attaches a permission to a role. The unique index on
// (role_id, permission_id) enforces one binding per pair.
func (r *Repository) Bind(ctx context.Context, b RolePermission) (RolePermission, error) {
	condJSON, err := marshalConditions(b.Conditions)
	if err != nil {
		return RolePermission{}, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, effect, conditions, priority, expires_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		b.RoleID, b.Permission.ID, string(b.Effect), condJSON, b.Priority, b.ExpiresAt, nullable(b.GrantedBy),
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return RolePermission{}, ErrDuplicateBinding
		}
		return RolePermission{}, fmt.Errorf("policy: bind: %w", err)
	}
	return b, nil
}

// Assign grants a role to an actor.
func (r *Repository) Assign(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO role_assignments (actor_id, role_id, active, expires_at, granted_by)
		VALUES ($1, $2, TRUE, $3, $4)
		RETURNING id, created_at`,
		a.ActorID, a.RoleID, a.ExpiresAt, nullable(a.GrantedBy),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("policy: assign: %w", err)
	}
	a.Active = true
	return a, nil
}

// Revoke flips an assignment inactive without deleting it.
func (r *Repository) Revoke(ctx context.Context, assignmentID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE role_assignments SET active=FALSE WHERE id=$1`, assignmentID)
	if err != nil {
		return fmt.Errorf("policy: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActorAssignments implements Reader.
func (r *Repository) ActorAssignments(ctx context.Context, actorID string) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, role_id, active, expires_at, COALESCE(granted_by, ''), created_at
		FROM role_assignments
		WHERE actor_id=$1`, actorID)
	if err != nil {
		return nil, fmt.Errorf("policy: actor assignments: %w", err)
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.ActorID, &a.RoleID, &a.Active, &a.ExpiresAt, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Role implements Reader.
func (r *Repository) Role(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		SELECT id, slug, name, parent_id, priority, created_at, updated_at
		FROM roles WHERE id=$1`, id,
	).Scan(&role.ID, &role.Slug, &role.Name, &role.ParentID, &role.Priority, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("policy: get role: %w", err)
	}
	return role, nil
}

// RoleBindings implements Reader. Bindings come joined with their
// permission.
func (r *Repository) RoleBindings(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rp.id, rp.role_id, rp.effect, rp.conditions, rp.priority, rp.expires_at,
		       COALESCE(rp.granted_by, ''), rp.created_at,
		       p.id, p.slug, p.sensitive, p.description
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id=$1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("policy: role bindings: %w", err)
	}
	defer rows.Close()
	var out []RolePermission
	for rows.Next() {
		var b RolePermission
		var effect string
		var condJSON []byte
		if err := rows.Scan(&b.ID, &b.RoleID, &effect, &condJSON, &b.Priority, &b.ExpiresAt,
			&b.GrantedBy, &b.CreatedAt,
			&b.Permission.ID, &b.Permission.Slug, &b.Permission.Sensitive, &b.Permission.Description); err != nil {
			return nil, err
		}
		b.Effect = Effect(effect)
		if len(condJSON) > 0 {
			var cs ConditionSet
			if err := json.Unmarshal(condJSON, &cs); err != nil {
				return nil, fmt.Errorf("policy: decode conditions for binding %d: %w", b.ID, err)
			}
			b.Conditions = &cs
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func marshalConditions(cs *ConditionSet) ([]byte, error) {
	if cs == nil {
		return nil, nil
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("policy: encode conditions: %w", err)
	}
	return raw, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
