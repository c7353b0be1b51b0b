package decision

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a map-backed decision store for tests and embedded
// deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[uuid.UUID]Record
	byCorrelation map[string]uuid.UUID
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:       make(map[uuid.UUID]Record),
		byCorrelation: make(map[string]uuid.UUID),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CorrelationID != "" {
		if _, ok := s.byCorrelation[rec.CorrelationID]; ok {
			return ErrDuplicateCorrelation
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[rec.ID] = *rec
	if rec.CorrelationID != "" {
		s.byCorrelation[rec.CorrelationID] = rec.ID
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// GetByCorrelation implements Store.
func (s *MemoryStore) GetByCorrelation(ctx context.Context, correlationID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[id], nil
}

// MarkExecuted implements Store.
func (s *MemoryStore) MarkExecuted(ctx context.Context, id uuid.UUID, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrStatusConflict
	}
	rec.Status = StatusExecuted
	rec.Result = update.Result
	rec.StateBefore = update.StateBefore
	rec.StateAfter = update.StateAfter
	rec.RollbackToken = update.RollbackToken
	rec.RollbackExpiresAt = update.RollbackExpiresAt
	rec.ExecutedBy = update.ExecutedBy
	executedAt := update.ExecutedAt
	rec.ExecutedAt = &executedAt
	s.records[id] = rec
	return nil
}

// MarkRejected implements Store.
func (s *MemoryStore) MarkRejected(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrStatusConflict
	}
	rec.Status = StatusRejected
	rec.Error = reason
	s.records[id] = rec
	return nil
}

// MarkRolledBack implements Store.
func (s *MemoryStore) MarkRolledBack(ctx context.Context, id uuid.UUID, by, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusExecuted {
		return ErrStatusConflict
	}
	rec.Status = StatusRolledBack
	rec.RolledBackBy = by
	rec.RollbackReason = reason
	rolledBackAt := at
	rec.RolledBackAt = &rolledBackAt
	s.records[id] = rec
	return nil
}

// ListStalePending implements Store.
func (s *MemoryStore) ListStalePending(ctx context.Context, cutoff time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			continue
		}
		// Proposals parked for human approval are terminal here, not
		// crash signatures.
		if rec.Verdict == VerdictRequireHuman || rec.Verdict == VerdictDeny {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}
