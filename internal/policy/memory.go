package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a map-backed policy store. It backs tests and
// embedded deployments; the PostgreSQL repository is the durable
// implementation of the same surfaces.
type MemoryStore struct {
	mu sync.RWMutex

	roles        map[int64]Role
	permissions  map[int64]Permission
	bindings     map[int64]RolePermission
	assignments  map[int64]RoleAssignment
	nextRole     int64
	nextPerm     int64
	nextBinding  int64
	nextAssigned int64
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:        make(map[int64]Role),
		permissions:  make(map[int64]Permission),
		bindings:     make(map[int64]RolePermission),
		assignments:  make(map[int64]RoleAssignment),
		nextRole:     1,
		nextPerm:     1,
		nextBinding:  1,
		nextAssigned: 1,
	}
}

// CreateRole inserts a role and returns it with its assigned ID.
func (s *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ParentID != nil {
		if _, ok := s.roles[*role.ParentID]; !ok {
			return Role{}, ErrNotFound
		}
	}
	role.ID = s.nextRole
	s.nextRole++
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	s.roles[role.ID] = role
	return role, nil
}

// SetRoleParent re-parents a role, rejecting cycles.
func (s *MemoryStore) SetRoleParent(ctx context.Context, roleID int64, parentID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	if parentID != nil {
		if _, ok := s.roles[*parentID]; !ok {
			return ErrNotFound
		}
		// Walk up from the proposed parent; hitting roleID means the
		// role would become its own ancestor.
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
			parent, ok := s.roles[id]
			if !ok {
				break
			}
			cursor = parent.ParentID
		}
	}
	role.ParentID = parentID
	role.UpdatedAt = time.Now()
	s.roles[roleID] = role
	return nil
}

// CreatePermission inserts a permission.
func (s *MemoryStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if _, _, err := SplitSlug(perm.Slug); err != nil && perm.Slug != "*:*" {
		return Permission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	perm.ID = s.nextPerm
	s.nextPerm++
	s.permissions[perm.ID] = perm
	return perm, nil
}

// Bind attaches a permission to a role. One binding per pair.
func (s *MemoryStore) Bind(ctx context.Context, b RolePermission) (RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[b.RoleID]; !ok {
		return RolePermission{}, ErrNotFound
	}
	perm, ok := s.permissions[b.Permission.ID]
	if !ok {
		return RolePermission{}, ErrNotFound
	}
	for _, existing := range s.bindings {
		if existing.RoleID == b.RoleID && existing.Permission.ID == perm.ID {
			return RolePermission{}, ErrDuplicateBinding
		}
	}
	b.Permission = perm
	b.ID = s.nextBinding
	s.nextBinding++
	b.CreatedAt = time.Now()
	s.bindings[b.ID] = b
	return b, nil
}

// Assign grants a role to an actor.
func (s *MemoryStore) Assign(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return RoleAssignment{}, ErrNotFound
	}
	a.ID = s.nextAssigned
	s.nextAssigned++
	a.Active = true
	a.CreatedAt = time.Now()
	s.assignments[a.ID] = a
	return a, nil
}

// Revoke deactivates an assignment. The record stays for audit.
func (s *MemoryStore) Revoke(ctx context.Context, assignmentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return ErrNotFound
	}
	a.Active = false
	s.assignments[assignmentID] = a
	return nil
}

// ActorAssignments implements Reader.
func (s *MemoryStore) ActorAssignments(ctx context.Context, actorID string) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range s.assignments {
		if a.ActorID == actorID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Role implements Reader.
func (s *MemoryStore) Role(ctx context.Context, id int64) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// RoleBindings implements Reader.
func (s *MemoryStore) RoleBindings(ctx context.Context, roleID int64) ([]RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RolePermission
	for _, b := range s.bindings {
		if b.RoleID == roleID {
			out = append(out, b)
		}
	}
	return out, nil
}
