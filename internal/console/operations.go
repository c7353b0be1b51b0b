// Package console wires the built-in platform operations gated by the
// governance core: user profile changes, account blocking, credit
// limit adjustments and payment refunds, executed against the platform
// database.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/ledger"
)

// Operations executes the console's platform mutations.
type Operations struct {
	pool *pgxpool.Pool
}

// New constructs the console operations over the platform database.
func New(pool *pgxpool.Pool) *Operations {
	return &Operations{pool: pool}
}

// Register defines the operation catalogue and wires the execution
// handlers and their inverses.
func (o *Operations) Register(catalog *gateway.Operations, registry *ledger.Registry) error {
	specs := []gateway.OperationSpec{
		{Name: "update_user", Resource: "users", Action: "update", Version: 1},
		{Name: "block_user", Resource: "users", Action: "block", Sensitive: true, Version: 1},
		{Name: "adjust_credit_limit", Resource: "accounts", Action: "update_limit", Sensitive: true, Version: 1},
		{Name: "refund_payment", Resource: "payments", Action: "refund", Sensitive: true, Version: 1},
	}
	for _, spec := range specs {
		if err := catalog.Define(spec); err != nil {
			return fmt.Errorf("console: define %s: %w", spec.Name, err)
		}
	}

	wiring := []struct {
		name    string
		forward ledger.HandlerFunc
		inverse ledger.InverseFunc
	}{
		{"update_user", o.updateUser, o.restoreUserProfile},
		{"block_user", o.blockUser, o.restoreUserBlocked},
		{"adjust_credit_limit", o.adjustCreditLimit, o.restoreCreditLimit},
		{"refund_payment", o.refundPayment, o.reinstatePayment},
	}
	for _, w := range wiring {
		if err := registry.Register(w.name, 1, w.forward, w.inverse); err != nil {
			return fmt.Errorf("console: register %s: %w", w.name, err)
		}
	}
	return nil
}

func (o *Operations) updateUser(ctx context.Context, input map[string]any, execCtx ledger.ExecContext) (ledger.HandlerResult, error) {
	userID, ok := stringInput(input, "user_id")
	if !ok {
		return failure("user_id is required"), nil
	}
	fullName, _ := stringInput(input, "full_name")
	email, _ := stringInput(input, "email")
	if fullName == "" && email == "" {
		return failure("nothing to update"), nil
	}

	var beforeName, beforeEmail string
	err := o.pool.QueryRow(ctx,
		`SELECT full_name, email FROM users WHERE id=$1`, userID).Scan(&beforeName, &beforeEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return failure("user not found"), nil
	}
	if err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: load user: %w", err)
	}
	if fullName == "" {
		fullName = beforeName
	}
	if email == "" {
		email = beforeEmail
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE users SET full_name=$2, email=$3 WHERE id=$1`, userID, fullName, email); err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: update user: %w", err)
	}
	return ledger.HandlerResult{
		Success:     true,
		Reversible:  true,
		StateBefore: map[string]any{"user_id": userID, "full_name": beforeName, "email": beforeEmail},
		StateAfter:  map[string]any{"user_id": userID, "full_name": fullName, "email": email},
	}, nil
}

func (o *Operations) restoreUserProfile(ctx context.Context, rec decision.Record) error {
	userID, ok := stringInput(rec.StateBefore, "user_id")
	if !ok {
		return errors.New("console: captured state missing user_id")
	}
	fullName, _ := stringInput(rec.StateBefore, "full_name")
	email, _ := stringInput(rec.StateBefore, "email")
	if _, err := o.pool.Exec(ctx,
		`UPDATE users SET full_name=$2, email=$3 WHERE id=$1`, userID, fullName, email); err != nil {
		return fmt.Errorf("console: restore user profile: %w", err)
	}
	return nil
}

func (o *Operations) blockUser(ctx context.Context, input map[string]any, execCtx ledger.ExecContext) (ledger.HandlerResult, error) {
	userID, ok := stringInput(input, "user_id")
	if !ok {
		return failure("user_id is required"), nil
	}

	var blocked bool
	err := o.pool.QueryRow(ctx, `SELECT blocked FROM users WHERE id=$1`, userID).Scan(&blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return failure("user not found"), nil
	}
	if err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: load user: %w", err)
	}
	if blocked {
		return failure("user already blocked"), nil
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE users SET blocked=TRUE, blocked_by=$2 WHERE id=$1`, userID, execCtx.ActorID); err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: block user: %w", err)
	}
	return ledger.HandlerResult{
		Success:     true,
		Reversible:  true,
		StateBefore: map[string]any{"user_id": userID, "blocked": false},
		StateAfter:  map[string]any{"user_id": userID, "blocked": true},
	}, nil
}

func (o *Operations) restoreUserBlocked(ctx context.Context, rec decision.Record) error {
	userID, ok := stringInput(rec.StateBefore, "user_id")
	if !ok {
		return errors.New("console: captured state missing user_id")
	}
	if _, err := o.pool.Exec(ctx,
		`UPDATE users SET blocked=FALSE, blocked_by=NULL WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("console: unblock user: %w", err)
	}
	return nil
}

func (o *Operations) adjustCreditLimit(ctx context.Context, input map[string]any, execCtx ledger.ExecContext) (ledger.HandlerResult, error) {
	accountID, ok := stringInput(input, "account_id")
	if !ok {
		return failure("account_id is required"), nil
	}
	newLimit, ok := floatInput(input, "amount")
	if !ok || newLimit < 0 {
		return failure("amount must be a non-negative credit limit"), nil
	}

	var before float64
	err := o.pool.QueryRow(ctx,
		`SELECT credit_limit FROM accounts WHERE id=$1`, accountID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return failure("account not found"), nil
	}
	if err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: load account: %w", err)
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE accounts SET credit_limit=$2 WHERE id=$1`, accountID, newLimit); err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: adjust credit limit: %w", err)
	}
	return ledger.HandlerResult{
		Success:     true,
		Reversible:  true,
		StateBefore: map[string]any{"account_id": accountID, "credit_limit": before},
		StateAfter:  map[string]any{"account_id": accountID, "credit_limit": newLimit},
	}, nil
}

func (o *Operations) restoreCreditLimit(ctx context.Context, rec decision.Record) error {
	accountID, ok := stringInput(rec.StateBefore, "account_id")
	if !ok {
		return errors.New("console: captured state missing account_id")
	}
	limit, ok := floatInput(rec.StateBefore, "credit_limit")
	if !ok {
		return errors.New("console: captured state missing credit_limit")
	}
	if _, err := o.pool.Exec(ctx,
		`UPDATE accounts SET credit_limit=$2 WHERE id=$1`, accountID, limit); err != nil {
		return fmt.Errorf("console: restore credit limit: %w", err)
	}
	return nil
}

func (o *Operations) refundPayment(ctx context.Context, input map[string]any, execCtx ledger.ExecContext) (ledger.HandlerResult, error) {
	paymentID, ok := stringInput(input, "payment_id")
	if !ok {
		return failure("payment_id is required"), nil
	}

	var amount float64
	var refunded bool
	err := o.pool.QueryRow(ctx,
		`SELECT amount, refunded FROM payments WHERE id=$1`, paymentID).Scan(&amount, &refunded)
	if errors.Is(err, pgx.ErrNoRows) {
		return failure("payment not found"), nil
	}
	if err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: load payment: %w", err)
	}
	if refunded {
		return failure("payment already refunded"), nil
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE payments SET refunded=TRUE, refunded_by=$2 WHERE id=$1`, paymentID, execCtx.ActorID); err != nil {
		return ledger.HandlerResult{}, fmt.Errorf("console: refund payment: %w", err)
	}
	return ledger.HandlerResult{
		Success:     true,
		Reversible:  true,
		Data:        map[string]any{"refunded_amount": amount},
		StateBefore: map[string]any{"payment_id": paymentID, "refunded": false},
		StateAfter:  map[string]any{"payment_id": paymentID, "refunded": true},
	}, nil
}

func (o *Operations) reinstatePayment(ctx context.Context, rec decision.Record) error {
	paymentID, ok := stringInput(rec.StateBefore, "payment_id")
	if !ok {
		return errors.New("console: captured state missing payment_id")
	}
	if _, err := o.pool.Exec(ctx,
		`UPDATE payments SET refunded=FALSE, refunded_by=NULL WHERE id=$1`, paymentID); err != nil {
		return fmt.Errorf("console: reinstate payment: %w", err)
	}
	return nil
}

func failure(reason string) ledger.HandlerResult {
	return ledger.HandlerResult{Success: false, Err: reason}
}

// Input maps come from JSON, so numbers arrive as float64.
func stringInput(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func floatInput(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
