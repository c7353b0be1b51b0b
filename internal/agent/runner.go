// Package agent runs bounded sessions for an autonomous reasoning
// oracle. The oracle proposes actions; every action goes through the
// gateway as a fresh proposal, and the loop ends on the oracle's
// completion signal or the step cap, whichever comes first.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/ledger"
)

// Session identifies one delegated-authority run.
type Session struct {
	ID      string
	ActorID string
	Goal    string
	IP      string
}

// Step is the oracle's next move: either a completion signal or one
// action intent with the oracle's own confidence.
type Step struct {
	Done       bool
	Summary    string
	Operation  string
	Input      map[string]any
	Confidence float64
}

// Observation reports one gated action's outcome back to the oracle.
type Observation struct {
	Operation string
	Verdict   decision.Verdict
	Status    decision.Status
	Reason    string
	Error     string
}

// Oracle is the opaque external reasoner. Confidence on returned
// steps is untrusted input; the gateway validates it.
type Oracle interface {
	NextStep(ctx context.Context, session Session, observations []Observation) (Step, error)
}

// Result summarises a finished session.
type Result struct {
	Completed    bool
	Summary      string
	StepsTaken   int
	Observations []Observation
}

// Runner drives oracle sessions through the gateway.
type Runner struct {
	gateway  *gateway.Service
	oracle   Oracle
	maxSteps int
	logger   *slog.Logger
}

// NewRunner constructs a runner. maxSteps must be positive.
func NewRunner(gw *gateway.Service, oracle Oracle, maxSteps int, logger *slog.Logger) (*Runner, error) {
	if maxSteps <= 0 {
		return nil, errors.New("agent: max steps must be positive")
	}
	return &Runner{gateway: gw, oracle: oracle, maxSteps: maxSteps, logger: logger}, nil
}

// Run executes one session. Gateway denials and execution failures
// become observations for the oracle, not loop errors; only oracle or
// system failures abort the run.
func (r *Runner) Run(ctx context.Context, session Session) (Result, error) {
	var observations []Observation

	for step := 0; step < r.maxSteps; step++ {
		next, err := r.oracle.NextStep(ctx, session, observations)
		if err != nil {
			return Result{StepsTaken: step, Observations: observations}, fmt.Errorf("agent: oracle: %w", err)
		}
		if next.Done {
			return Result{
				Completed:    true,
				Summary:      next.Summary,
				StepsTaken:   step,
				Observations: observations,
			}, nil
		}

		rec, err := r.gateway.Propose(ctx, gateway.Proposal{
			ActorID:       session.ActorID,
			ActorType:     gateway.ActorAgent,
			Operation:     next.Operation,
			Input:         next.Input,
			Confidence:    next.Confidence,
			CorrelationID: fmt.Sprintf("%s-%d", session.ID, step),
			IP:            session.IP,
		})

		obs := Observation{Operation: next.Operation}
		var execErr *ledger.ExecutionError
		switch {
		case err == nil:
			obs.Verdict = rec.Verdict
			obs.Status = rec.Status
			obs.Reason = rec.Reason
		case errors.As(err, &execErr):
			obs.Verdict = rec.Verdict
			obs.Status = rec.Status
			obs.Error = execErr.Reason
		case errors.Is(err, gateway.ErrValidation) || errors.Is(err, gateway.ErrUnknownOperation):
			obs.Error = err.Error()
		default:
			return Result{StepsTaken: step, Observations: observations}, err
		}

		r.logger.Info("agent step",
			slog.String("session", session.ID),
			slog.Int("step", step),
			slog.String("operation", next.Operation),
			slog.String("verdict", string(obs.Verdict)),
		)
		observations = append(observations, obs)
	}

	return Result{
		Completed:    false,
		Summary:      "step limit reached",
		StepsTaken:   r.maxSteps,
		Observations: observations,
	}, nil
}
