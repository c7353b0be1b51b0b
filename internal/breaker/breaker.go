// Package breaker implements the per-actor resilience circuit
// breaker. It bounds action velocity, monetary volume and consecutive
// failures independently of whether policy evaluation itself is
// correct.
package breaker

import (
	"context"
	"fmt"
	"time"
)

// State is the tracked breaker record for one actor. It is created
// lazily on first evaluation and never deleted; windows reset on
// rollover.
type State struct {
	ActorID string `json:"actor_id"`

	MinuteWindowStart time.Time `json:"minute_window_start"`
	MinuteCount       int       `json:"minute_count"`

	HourWindowStart time.Time `json:"hour_window_start"`
	HourVolume      float64   `json:"hour_volume"`

	ConsecutiveFailures int `json:"consecutive_failures"`

	Open     bool      `json:"open"`
	OpenedAt time.Time `json:"opened_at"`
}

// Store persists breaker state with single-writer discipline per
// actor key. Different actors never contend.
type Store interface {
	// Update loads the actor's state (zero on first touch), applies fn
	// under the actor's writer lock and persists the result. fn's
	// error aborts the persist and is returned as-is.
	Update(ctx context.Context, actorID string, fn func(*State) error) error
	// Get returns a copy of the actor's state.
	Get(ctx context.Context, actorID string) (State, error)
}

// Limits configures the breaker thresholds.
type Limits struct {
	MaxActionsPerMinute int
	MaxVolumePerHour    float64
	ErrorThreshold      int
	Cooldown            time.Duration
}

// Denial is the structured rejection the breaker produces. It is a
// policy outcome, never a system error.
type Denial struct {
	Reason string
	// Open is true when the breaker itself is open, as opposed to a
	// velocity or volume cap holding while closed.
	Open bool
}

func (d *Denial) Error() string {
	return fmt.Sprintf("breaker: %s", d.Reason)
}

// Breaker evaluates and records actions against per-actor limits.
type Breaker struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// New constructs a breaker over the given store.
func New(store Store, limits Limits) *Breaker {
	return &Breaker{store: store, limits: limits, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Evaluate checks whether the actor may proceed. A *Denial error means
// the action must be blocked; any other error is a store failure.
func (b *Breaker) Evaluate(ctx context.Context, actorID string) error {
	now := b.now()
	return b.store.Update(ctx, actorID, func(s *State) error {
		if s.ActorID == "" {
			s.ActorID = actorID
		}

		if s.Open {
			if now.Sub(s.OpenedAt) >= b.limits.Cooldown {
				// Cooldown elapsed: close and clear the failure streak.
				s.Open = false
				s.OpenedAt = time.Time{}
				s.ConsecutiveFailures = 0
			} else {
				return &Denial{Reason: "cooldown active", Open: true}
			}
		}

		if b.limits.MaxActionsPerMinute > 0 && b.minuteCount(s, now) >= b.limits.MaxActionsPerMinute {
			return &Denial{Reason: "too many actions this minute"}
		}
		if b.limits.MaxVolumePerHour > 0 && b.hourVolume(s, now) >= b.limits.MaxVolumePerHour {
			return &Denial{Reason: "hourly volume limit reached"}
		}
		if b.limits.ErrorThreshold > 0 && s.ConsecutiveFailures >= b.limits.ErrorThreshold {
			return &Denial{Reason: "too many consecutive failures"}
		}
		return nil
	})
}

// RecordAction accounts one completed action. A failure streak
// reaching the threshold opens the breaker and stamps the open time.
func (b *Breaker) RecordAction(ctx context.Context, actorID string, success bool, amount float64) error {
	now := b.now()
	return b.store.Update(ctx, actorID, func(s *State) error {
		if s.ActorID == "" {
			s.ActorID = actorID
		}

		if now.Sub(s.MinuteWindowStart) >= time.Minute {
			s.MinuteWindowStart = now
			s.MinuteCount = 1
		} else {
			s.MinuteCount++
		}

		if now.Sub(s.HourWindowStart) >= time.Hour {
			s.HourWindowStart = now
			s.HourVolume = amount
		} else {
			s.HourVolume += amount
		}

		if success {
			s.ConsecutiveFailures = 0
			return nil
		}

		s.ConsecutiveFailures++
		if b.limits.ErrorThreshold > 0 && s.ConsecutiveFailures >= b.limits.ErrorThreshold && !s.Open {
			s.Open = true
			s.OpenedAt = now
		}
		return nil
	})
}

// Snapshot exposes the current state for dashboards and tests.
func (b *Breaker) Snapshot(ctx context.Context, actorID string) (State, error) {
	return b.store.Get(ctx, actorID)
}

// minuteCount treats a stale window as empty without mutating it;
// RecordAction owns the rollover.
func (b *Breaker) minuteCount(s *State, now time.Time) int {
	if now.Sub(s.MinuteWindowStart) >= time.Minute {
		return 0
	}
	return s.MinuteCount
}

func (b *Breaker) hourVolume(s *State, now time.Time) float64 {
	if now.Sub(s.HourWindowStart) >= time.Hour {
		return 0
	}
	return s.HourVolume
}
