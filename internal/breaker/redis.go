package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "breaker:actor:"

// RedisStore keeps breaker state in Redis so limits survive restarts
// and are shared across instances. Single-writer discipline per actor
// is kept with an in-process per-key mutex; cross-instance races can
// under-count by at most the number of in-flight requests, which the
// caps tolerate.
type RedisStore struct {
	client *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore constructs a store over client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, locks: make(map[string]*sync.Mutex)}
}

func (s *RedisStore) lock(actorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[actorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[actorID] = l
	}
	return l
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, actorID string, fn func(*State) error) error {
	l := s.lock(actorID)
	l.Lock()
	defer l.Unlock()

	state, err := s.load(ctx, actorID)
	if err != nil {
		return err
	}
	if err := fn(&state); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("breaker: encode state: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+actorID, raw, 0).Err(); err != nil {
		return fmt.Errorf("breaker: persist state: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, actorID string) (State, error) {
	return s.load(ctx, actorID)
}

func (s *RedisStore) load(ctx context.Context, actorID string) (State, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+actorID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("breaker: load state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("breaker: decode state: %w", err)
	}
	return state, nil
}
