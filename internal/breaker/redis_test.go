package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "actor-1", func(s *State) error {
		s.ActorID = "actor-1"
		s.MinuteCount = 7
		s.HourVolume = 1234.5
		s.Open = true
		s.OpenedAt = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
		return nil
	})
	require.NoError(t, err)

	state, err := store.Get(ctx, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, 7, state.MinuteCount)
	assert.Equal(t, 1234.5, state.HourVolume)
	assert.True(t, state.Open)
}

func TestRedisStoreZeroStateOnFirstTouch(t *testing.T) {
	store := newRedisStore(t)

	state, err := store.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, State{}, state)
}

func TestRedisStoreDenialDiscardsUpdate(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "actor-2", func(s *State) error {
		s.MinuteCount = 1
		return nil
	}))
	err := store.Update(ctx, "actor-2", func(s *State) error {
		s.MinuteCount = 99
		return &Denial{Reason: "cooldown active", Open: true}
	})
	var denial *Denial
	require.ErrorAs(t, err, &denial)

	state, err := store.Get(ctx, "actor-2")
	require.NoError(t, err)
	assert.Equal(t, 1, state.MinuteCount)
}

func TestBreakerOverRedisStore(t *testing.T) {
	store := newRedisStore(t)
	b := New(store, Limits{ErrorThreshold: 2, Cooldown: 15 * time.Minute})
	ctx := context.Background()

	require.NoError(t, b.RecordAction(ctx, "actor-3", false, 0))
	require.NoError(t, b.RecordAction(ctx, "actor-3", false, 0))

	var denial *Denial
	require.ErrorAs(t, b.Evaluate(ctx, "actor-3"), &denial)
	assert.True(t, denial.Open)
}
