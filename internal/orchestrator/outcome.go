package orchestrator

const (
	OutcomeSuccess          = "success"
	OutcomeFailure          = "failure"
	OutcomePartialSuccess   = "partial_success"
	OutcomeNeedsImprovement = "needs_improvement"
)

// OutcomePolicy buckets a 0-100 consensus score into an outcome.
type OutcomePolicy struct {
	SuccessAt float64
	PartialAt float64
}

func DefaultOutcomePolicy() OutcomePolicy {
	return OutcomePolicy{SuccessAt: 70, PartialAt: 50}
}

func (p OutcomePolicy) Classify(score float64) string {
	switch {
	case score >= p.SuccessAt:
		return OutcomeSuccess
	case score >= p.PartialAt:
		return OutcomePartialSuccess
	default:
		return OutcomeNeedsImprovement
	}
}
