package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/breaker"
	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/ledger"
	"github.com/opsgate/opsgate/internal/observability"
	"github.com/opsgate/opsgate/internal/policy"
)

// Service is the action gateway.
type Service struct {
	ops      *Operations
	pdp      *policy.PDP
	brk      *breaker.Breaker
	store    decision.Store
	ledger   *ledger.Ledger
	sink     audit.Sink
	metrics  *observability.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	cfg      Thresholds
	now      func() time.Time
}

// NewService constructs the gateway. metrics may be nil.
func NewService(ops *Operations, pdp *policy.PDP, brk *breaker.Breaker, store decision.Store,
	led *ledger.Ledger, sink audit.Sink, metrics *observability.Metrics, logger *slog.Logger, cfg Thresholds) *Service {
	return &Service{
		ops:      ops,
		pdp:      pdp,
		brk:      brk,
		store:    store,
		ledger:   led,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Propose gates one proposed operation and returns its decision
// record. Denials and escalations are recorded outcomes, not errors;
// an error return means validation failed or the system itself broke.
func (s *Service) Propose(ctx context.Context, p Proposal) (decision.Record, error) {
	if err := s.validate.Struct(p); err != nil {
		return decision.Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	spec, ok := s.ops.Lookup(p.Operation)
	if !ok {
		return decision.Record{}, fmt.Errorf("%w: %s", ErrUnknownOperation, p.Operation)
	}
	amount := p.Amount()

	rec := &decision.Record{
		CorrelationID: p.CorrelationID,
		ActorID:       p.ActorID,
		ActorType:     p.ActorType,
		Operation:     p.Operation,
		Input:         p.Input,
		Confidence:    p.Confidence,
		Amount:        amount,
		Status:        decision.StatusPending,
		CreatedAt:     s.now(),
	}

	// Breaker first: an anomalous actor is halted before policy is
	// even consulted.
	if err := s.brk.Evaluate(ctx, p.ActorID); err != nil {
		var denial *breaker.Denial
		if !errors.As(err, &denial) {
			return decision.Record{}, err
		}
		s.metrics.ObserveBreakerDenial(denial.Reason)
		rec.Verdict = decision.VerdictDeny
		rec.RiskLevel = decision.RiskCritical
		rec.Reason = "breaker: " + denial.Reason
		return s.finalizeRejected(ctx, rec, audit.SeverityCritical)
	}

	pdpDecision, err := s.pdp.Decide(ctx, p.ActorID, spec.Resource, spec.Action, policy.EvalContext{
		Amount:     amount,
		IP:         p.IP,
		At:         p.At,
		LegacyRole: p.LegacyRole,
	})
	if err != nil {
		return decision.Record{}, err
	}

	rec.RiskLevel = riskLevel(spec.Sensitive, p.Confidence, amount, s.cfg)

	if !pdpDecision.Allowed {
		rec.Verdict = decision.VerdictDeny
		rec.Reason = pdpDecision.Reason
		rec.FailedConditions = pdpDecision.FailedConditions
		return s.finalizeRejected(ctx, rec, audit.SeverityWarning)
	}

	switch {
	case p.Confidence < s.cfg.ConfidenceFloor:
		rec.Verdict = decision.VerdictRequireHuman
		rec.Reason = "confidence below floor"
	case s.cfg.HumanRequiredCeiling > 0 && amount > s.cfg.HumanRequiredCeiling:
		rec.Verdict = decision.VerdictRequireHuman
		rec.Reason = "amount requires human approval"
	case pdpDecision.RequiresApproval:
		rec.Verdict = decision.VerdictRequireHuman
		rec.Reason = pdpDecision.Reason
	default:
		rec.Verdict = decision.VerdictAutoApprove
		if (s.cfg.ConfirmationCeiling > 0 && amount > s.cfg.ConfirmationCeiling) ||
			(spec.Sensitive && p.Confidence < 0.95) {
			rec.Verdict = decision.VerdictApproveWithConfirm
			rec.RequiresConfirmation = true
		}
	}

	if err := s.createRecord(ctx, rec); err != nil {
		if errors.Is(err, decision.ErrDuplicateCorrelation) {
			// Duplicate delivery: return the original outcome, never
			// re-execute.
			return s.store.GetByCorrelation(ctx, p.CorrelationID)
		}
		return decision.Record{}, err
	}

	s.metrics.ObserveProposal(string(rec.Verdict), string(rec.RiskLevel))

	if rec.Verdict == decision.VerdictRequireHuman {
		// Terminal here; resumption belongs to the external approval
		// workflow.
		s.audit(ctx, *rec, "escalate", rec.Reason, audit.SeverityWarning)
		return *rec, nil
	}

	final, execErr := s.ledger.Execute(ctx, *rec, ledger.ExecContext{
		DecisionID: rec.ID.String(),
		ActorID:    p.ActorID,
		ActorType:  p.ActorType,
		IP:         p.IP,
	})

	var handlerFailed *ledger.ExecutionError
	switch {
	case execErr == nil:
		if err := s.brk.RecordAction(ctx, p.ActorID, true, amount); err != nil {
			s.logger.Error("record action", slog.Any("error", err), slog.String("actor", p.ActorID))
		}
	case errors.As(execErr, &handlerFailed):
		if err := s.brk.RecordAction(ctx, p.ActorID, false, 0); err != nil {
			s.logger.Error("record action", slog.Any("error", err), slog.String("actor", p.ActorID))
		}
		s.observeTripIfOpen(ctx, p.ActorID)
	default:
		return final, execErr
	}

	return final, execErr
}

// Rollback compensates an executed decision, delegating every
// precondition to the ledger and counting the outcome.
func (s *Service) Rollback(ctx context.Context, decisionID uuid.UUID, requestingActor, reason string) error {
	err := s.ledger.Rollback(ctx, decisionID, requestingActor, reason)
	switch {
	case err == nil:
		s.metrics.ObserveRollback("success")
	case errors.Is(err, ledger.ErrNotFound):
		s.metrics.ObserveRollback("not_found")
	default:
		s.metrics.ObserveRollback("refused")
	}
	return err
}

func (s *Service) createRecord(ctx context.Context, rec *decision.Record) error {
	return s.store.Create(ctx, rec)
}

// finalizeRejected persists the record and immediately closes it as
// rejected: denials never execute.
func (s *Service) finalizeRejected(ctx context.Context, rec *decision.Record, severity string) (decision.Record, error) {
	if err := s.createRecord(ctx, rec); err != nil {
		if errors.Is(err, decision.ErrDuplicateCorrelation) {
			return s.store.GetByCorrelation(ctx, rec.CorrelationID)
		}
		return decision.Record{}, err
	}
	if err := s.store.MarkRejected(ctx, rec.ID, rec.Reason); err != nil {
		return decision.Record{}, err
	}
	s.metrics.ObserveProposal(string(rec.Verdict), string(rec.RiskLevel))
	s.audit(ctx, *rec, "deny", rec.Reason, severity)
	return s.store.Get(ctx, rec.ID)
}

func (s *Service) audit(ctx context.Context, rec decision.Record, action, description, severity string) {
	s.sink.Log(ctx, audit.Entry{
		ActorType:   rec.ActorType,
		ActorID:     rec.ActorID,
		Action:      action,
		Resource:    "decision",
		ResourceID:  rec.ID.String(),
		Description: fmt.Sprintf("%s %s (amount %s): %s", action, rec.Operation, audit.FormatAmount(rec.Amount), description),
		Metadata: map[string]any{
			"verdict":    string(rec.Verdict),
			"risk_level": string(rec.RiskLevel),
			"confidence": rec.Confidence,
		},
		Severity: severity,
	})
}

func (s *Service) observeTripIfOpen(ctx context.Context, actorID string) {
	state, err := s.brk.Snapshot(ctx, actorID)
	if err != nil {
		return
	}
	if state.Open {
		s.metrics.ObserveBreakerTrip()
	}
}
