package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedReader wraps a Reader with a short-TTL in-process cache.
// Policy data changes far less often than it is read, so decisions
// tolerate reads up to one TTL stale. Concurrent misses for the same
// key collapse into a single load.
type CachedReader struct {
	inner Reader
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	value    any
	loadedAt time.Time
}

// NewCachedReader wraps reader. A non-positive TTL disables caching.
func NewCachedReader(inner Reader, ttl time.Duration) *CachedReader {
	return &CachedReader{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Invalidate drops every cached entry. Called after admin mutations.
func (c *CachedReader) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// ActorAssignments implements Reader.
func (c *CachedReader) ActorAssignments(ctx context.Context, actorID string) ([]RoleAssignment, error) {
	value, err := c.fetch(ctx, "assignments:"+actorID, func(ctx context.Context) (any, error) {
		return c.inner.ActorAssignments(ctx, actorID)
	})
	if err != nil {
		return nil, err
	}
	return value.([]RoleAssignment), nil
}

// Role implements Reader.
func (c *CachedReader) Role(ctx context.Context, id int64) (Role, error) {
	value, err := c.fetch(ctx, "role:"+strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
		return c.inner.Role(ctx, id)
	})
	if err != nil {
		return Role{}, err
	}
	return value.(Role), nil
}

// RoleBindings implements Reader.
func (c *CachedReader) RoleBindings(ctx context.Context, roleID int64) ([]RolePermission, error) {
	value, err := c.fetch(ctx, "bindings:"+strconv.FormatInt(roleID, 10), func(ctx context.Context) (any, error) {
		return c.inner.RoleBindings(ctx, roleID)
	})
	if err != nil {
		return nil, err
	}
	return value.([]RolePermission), nil
}

func (c *CachedReader) fetch(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if c.ttl <= 0 {
		return load(ctx)
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy: cache load %s: %w", key, err)
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: loaded, loadedAt: c.now()}
		c.mu.Unlock()
		return loaded, nil
	})
	return value, err
}
