package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for decisions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id, correlation_id, actor_id, actor_type, operation, input, confidence, amount,
	risk_level, verdict, status, reason, failed_conditions, requires_confirmation,
	state_before, state_after, result, error,
	rollback_token, rollback_expires_at,
	executed_by, executed_at, rolled_back_by, rolled_back_at, rollback_reason, created_at`

// Create implements Store. The unique index on correlation_id turns a
// duplicate delivery into ErrDuplicateCorrelation.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("decision: encode input: %w", err)
	}
	condJSON, err := json.Marshal(rec.FailedConditions)
	if err != nil {
		return fmt.Errorf("decision: encode failed conditions: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO decisions (id, correlation_id, actor_id, actor_type, operation, input, confidence, amount,
			risk_level, verdict, status, reason, failed_conditions, requires_confirmation, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.CorrelationID, rec.ActorID, rec.ActorType, rec.Operation, inputJSON,
		rec.Confidence, rec.Amount, string(rec.RiskLevel), string(rec.Verdict), string(rec.Status),
		rec.Reason, condJSON, rec.RequiresConfirmation, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCorrelation
		}
		return fmt.Errorf("decision: create: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM decisions WHERE id=$1`, id)
	return scanRecord(row)
}

// GetByCorrelation implements Store.
func (r *Repository) GetByCorrelation(ctx context.Context, correlationID string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM decisions WHERE correlation_id=$1`, correlationID)
	return scanRecord(row)
}

// MarkExecuted implements Store. The WHERE status guard rejects
// concurrent or repeated finalization.
func (r *Repository) MarkExecuted(ctx context.Context, id uuid.UUID, update ExecutionUpdate) error {
	resultJSON, err := json.Marshal(update.Result)
	if err != nil {
		return fmt.Errorf("decision: encode result: %w", err)
	}
	beforeJSON, err := json.Marshal(update.StateBefore)
	if err != nil {
		return fmt.Errorf("decision: encode state before: %w", err)
	}
	afterJSON, err := json.Marshal(update.StateAfter)
	if err != nil {
		return fmt.Errorf("decision: encode state after: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE decisions
		SET status=$2, result=$3, state_before=$4, state_after=$5,
		    rollback_token=NULLIF($6, ''), rollback_expires_at=$7,
		    executed_by=$8, executed_at=$9
		WHERE id=$1 AND status=$10`,
		id, string(StatusExecuted), resultJSON, beforeJSON, afterJSON,
		update.RollbackToken, update.RollbackExpiresAt, update.ExecutedBy, update.ExecutedAt,
		string(StatusPending))
	if err != nil {
		return fmt.Errorf("decision: mark executed: %w", err)
	}
	return checkGuard(ctx, r, id, tag)
}

// MarkRejected implements Store.
func (r *Repository) MarkRejected(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE decisions SET status=$2, error=$3 WHERE id=$1 AND status=$4`,
		id, string(StatusRejected), reason, string(StatusPending))
	if err != nil {
		return fmt.Errorf("decision: mark rejected: %w", err)
	}
	return checkGuard(ctx, r, id, tag)
}

// MarkRolledBack implements Store.
func (r *Repository) MarkRolledBack(ctx context.Context, id uuid.UUID, by, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE decisions SET status=$2, rolled_back_by=$3, rollback_reason=$4, rolled_back_at=$5
		WHERE id=$1 AND status=$6`,
		id, string(StatusRolledBack), by, reason, at, string(StatusExecuted))
	if err != nil {
		return fmt.Errorf("decision: mark rolled back: %w", err)
	}
	return checkGuard(ctx, r, id, tag)
}

// ListStalePending implements Store.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM decisions
		WHERE status=$1 AND verdict IN ($2, $3) AND created_at < $4
		ORDER BY created_at ASC`,
		string(StatusPending), string(VerdictAutoApprove), string(VerdictApproveWithConfirm), cutoff)
	if err != nil {
		return nil, fmt.Errorf("decision: list stale pending: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// checkGuard maps a zero-row guarded update to NotFound or conflict.
func checkGuard(ctx context.Context, r *Repository, id uuid.UUID, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrStatusConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var correlation, reason, errMsg, token, executedBy, rolledBackBy, rollbackReason *string
	var inputJSON, condJSON, beforeJSON, afterJSON, resultJSON []byte
	var risk, verdict, status string
	err := row.Scan(&rec.ID, &correlation, &rec.ActorID, &rec.ActorType, &rec.Operation,
		&inputJSON, &rec.Confidence, &rec.Amount,
		&risk, &verdict, &status, &reason, &condJSON, &rec.RequiresConfirmation,
		&beforeJSON, &afterJSON, &resultJSON, &errMsg,
		&token, &rec.RollbackExpiresAt,
		&executedBy, &rec.ExecutedAt, &rolledBackBy, &rec.RolledBackAt, &rollbackReason, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("decision: scan: %w", err)
	}
	rec.RiskLevel = RiskLevel(risk)
	rec.Verdict = Verdict(verdict)
	rec.Status = Status(status)
	rec.CorrelationID = deref(correlation)
	rec.Reason = deref(reason)
	rec.Error = deref(errMsg)
	rec.RollbackToken = deref(token)
	rec.ExecutedBy = deref(executedBy)
	rec.RolledBackBy = deref(rolledBackBy)
	rec.RollbackReason = deref(rollbackReason)
	if err := decodeJSON(inputJSON, &rec.Input); err != nil {
		return Record{}, err
	}
	if err := decodeJSON(beforeJSON, &rec.StateBefore); err != nil {
		return Record{}, err
	}
	if err := decodeJSON(afterJSON, &rec.StateAfter); err != nil {
		return Record{}, err
	}
	if err := decodeJSON(resultJSON, &rec.Result); err != nil {
		return Record{}, err
	}
	if err := decodeJSON(condJSON, &rec.FailedConditions); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decision: decode json column: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
