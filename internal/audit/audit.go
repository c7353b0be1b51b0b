// Package audit writes append-only trail entries for every governed
// action. Sinks are write-only collaborators: their failure must never
// abort the action being audited.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Severity levels recorded with each entry.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Entry is one audit record.
type Entry struct {
	ActorType   string
	ActorID     string
	Action      string
	Resource    string
	ResourceID  string
	Description string
	OldData     map[string]any
	NewData     map[string]any
	Metadata    map[string]any
	Severity    string
	At          time.Time
}

// Sink accepts audit entries.
type Sink interface {
	Log(ctx context.Context, entry Entry) error
}

// PGSink persists entries into audit_logs.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink returns a PostgreSQL backed sink.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Log implements Sink.
func (s *PGSink) Log(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: sink not initialised")
	}
	if entry.Action == "" || entry.Resource == "" {
		return errors.New("audit: entry requires action and resource")
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	oldJSON, err := json.Marshal(entry.OldData)
	if err != nil {
		return err
	}
	newJSON, err := json.Marshal(entry.NewData)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_type, actor_id, action, resource, resource_id, description, old_data, new_data, metadata, severity, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE(NULLIF($11, '0001-01-01T00:00:00Z'::timestamptz), NOW()))`,
		entry.ActorType, entry.ActorID, entry.Action, entry.Resource, entry.ResourceID,
		entry.Description, oldJSON, newJSON, metaJSON, entry.Severity, entry.At)
	return err
}

// SlogSink writes entries to the application logger. Used in tests and
// as a fallback when no database is wired.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a logger backed sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Log implements Sink.
func (s *SlogSink) Log(ctx context.Context, entry Entry) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "audit",
		slog.String("actor_type", entry.ActorType),
		slog.String("actor_id", entry.ActorID),
		slog.String("action", entry.Action),
		slog.String("resource", entry.Resource),
		slog.String("resource_id", entry.ResourceID),
		slog.String("severity", entry.Severity),
		slog.String("description", entry.Description),
	)
	return nil
}

// BestEffort wraps a sink so logging failures are reported to the
// application logger and swallowed.
type BestEffort struct {
	inner  Sink
	logger *slog.Logger
}

// NewBestEffort wraps inner.
func NewBestEffort(inner Sink, logger *slog.Logger) *BestEffort {
	return &BestEffort{inner: inner, logger: logger}
}

// Log implements Sink and always returns nil.
func (b *BestEffort) Log(ctx context.Context, entry Entry) error {
	if b == nil || b.inner == nil {
		return nil
	}
	if err := b.inner.Log(ctx, entry); err != nil && b.logger != nil {
		b.logger.Warn("audit sink failure", slog.Any("error", err), slog.String("action", entry.Action))
	}
	return nil
}
