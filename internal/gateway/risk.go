package gateway

import "github.com/opsgate/opsgate/internal/decision"

// Thresholds configures the gateway's magnitude and confidence gates.
type Thresholds struct {
	// ConfidenceFloor forces human escalation below it.
	ConfidenceFloor float64
	// ConfirmationCeiling flags approvals for operator confirmation
	// above it.
	ConfirmationCeiling float64
	// HumanRequiredCeiling forces human escalation above it.
	HumanRequiredCeiling float64
	// MediumAmountThreshold and HighAmountThreshold escalate the risk
	// grade of non-sensitive operations.
	MediumAmountThreshold float64
	HighAmountThreshold   float64
}

// riskLevel grades a proposal. Sensitive operations grade on
// confidence; non-sensitive ones on amount.
func riskLevel(sensitive bool, confidence, amount float64, t Thresholds) decision.RiskLevel {
	if sensitive {
		switch {
		case confidence < 0.80:
			return decision.RiskCritical
		case confidence < 0.90:
			return decision.RiskHigh
		default:
			return decision.RiskMedium
		}
	}
	switch {
	case t.HighAmountThreshold > 0 && amount >= t.HighAmountThreshold:
		return decision.RiskHigh
	case t.MediumAmountThreshold > 0 && amount >= t.MediumAmountThreshold:
		return decision.RiskMedium
	default:
		return decision.RiskLow
	}
}
