package decision

import (
	"context"
	"fmt"
)

// Explainer produces a human-readable explanation for a decision.
// Implementations may call out to an LLM; the logger treats failures
// as soft and falls back to templates.
type Explainer interface {
	Explain(ctx context.Context, rec Record) (string, error)
}

// FallbackExplainer renders deterministic per-actor templates. It is
// the explainer of last resort and never fails.
type FallbackExplainer struct{}

func (FallbackExplainer) Explain(ctx context.Context, rec Record) (string, error) {
	var base string
	switch rec.Actor {
	case ActorMechanic:
		base = fmt.Sprintf("Hardware maintenance action %q was triggered due to sensor readings exceeding normal thresholds. This proactive measure helps prevent equipment failure and ensures continuous service availability.", rec.Action)
	case ActorTraffic:
		base = fmt.Sprintf("Traffic management action %q was implemented to optimize user experience. Expected success rate: %.0f%%.", rec.Action, rec.Impact.SuccessRate*100)
	case ActorLogistics:
		base = fmt.Sprintf("Inventory management action %q was initiated to prevent service disruption. This ensures adequate supply levels and maintains operational continuity.", rec.Action)
	case ActorEnergy:
		base = fmt.Sprintf("Energy optimization action %q was executed to maximize efficiency and cost-effectiveness. This balances grid stability with operational profitability.", rec.Action)
	case ActorAuditor:
		base = fmt.Sprintf("Compliance monitoring detected the need for %q. This ensures system integrity and regulatory compliance while maintaining audit trail transparency.", rec.Action)
	default:
		base = fmt.Sprintf("Agent %q executed %q based on system analysis and operational requirements.", rec.Actor, rec.Action)
	}
	return fmt.Sprintf("%s Decision confidence: %.0f%%.", base, rec.MLMetrics.ConfidenceScore*100), nil
}
