// Package consensus combines independent evaluator score sets into one
// weighted result with per-criterion disagreement metrics. It performs no I/O.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultConfidence is reported for evaluations that carry no confidence.
	DefaultConfidence = 0.5
	DefaultMaxScore   = 10.0

	weightTolerance = 1e-6

	NoteInsufficientData = "insufficient data"

	FlagNoEvaluations       = "no_evaluations"
	FlagNoWeightedCriteria  = "no_weighted_criteria"
	FlagConfidenceDefaulted = "confidence_defaulted"
	FlagZeroMean            = "zero_mean"
	FlagScoreOutOfRange     = "score_out_of_range"
)

var (
	ErrInvalidWeights  = errors.New("invalid consensus weights")
	ErrScoreOutOfRange = errors.New("score outside the scoring scale")
)

// Evaluation is one evaluator's judgment of a submission.
type Evaluation struct {
	EvaluatorID string             `json:"evaluator_id"`
	Scores      map[string]float64 `json:"scores"`
	Confidence  *float64           `json:"confidence,omitempty"`
	Rationale   string             `json:"rationale,omitempty"`
}

type CriterionResult struct {
	Mean                   float64 `json:"mean"`
	StdDev                 float64 `json:"std_dev"`
	Range                  float64 `json:"range"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	Samples                int     `json:"samples"`
	Weight                 float64 `json:"weight"`
	Note                   string  `json:"note,omitempty"`
}

type Result struct {
	Criteria       map[string]CriterionResult `json:"criteria"`
	OverallScore   float64                    `json:"overall_score"`
	Confidence     float64                    `json:"confidence"`
	EvaluatorCount int                        `json:"evaluator_count"`
	Flags          []string                   `json:"flags,omitempty"`
}

func (r Result) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type Aggregator struct {
	weights  map[string]float64
	maxScore float64
}

// NewAggregator validates the weight table once. Weights must be non-negative
// and sum to 1.0.
func NewAggregator(weights map[string]float64, maxScore float64) (*Aggregator, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no criteria configured", ErrInvalidWeights)
	}
	if maxScore <= 0 {
		maxScore = DefaultMaxScore
	}
	sum := 0.0
	copied := make(map[string]float64, len(weights))
	for criterion, w := range weights {
		if criterion == "" {
			return nil, fmt.Errorf("%w: empty criterion name", ErrInvalidWeights)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: criterion %q has weight %v", ErrInvalidWeights, criterion, w)
		}
		sum += w
		copied[criterion] = w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fmt.Errorf("%w: weights sum to %.6f, want 1.0", ErrInvalidWeights, sum)
	}
	return &Aggregator{weights: copied, maxScore: maxScore}, nil
}

func MustNewAggregator(weights map[string]float64, maxScore float64) *Aggregator {
	a, err := NewAggregator(weights, maxScore)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Aggregator) MaxScore() float64 { return a.maxScore }

func (a *Aggregator) Weights() map[string]float64 {
	out := make(map[string]float64, len(a.weights))
	for k, v := range a.weights {
		out[k] = v
	}
	return out
}

// CheckScores rejects an evaluation whose scores fall outside [0, MaxScore].
func (a *Aggregator) CheckScores(ev Evaluation) error {
	criteria := make([]string, 0, len(ev.Scores))
	for c := range ev.Scores {
		criteria = append(criteria, c)
	}
	sort.Strings(criteria)
	for _, c := range criteria {
		if !a.inRange(ev.Scores[c]) {
			return fmt.Errorf("%w: %s=%v, scale is 0..%v", ErrScoreOutOfRange, c, ev.Scores[c], a.maxScore)
		}
	}
	return nil
}

func (a *Aggregator) inRange(score float64) bool {
	return !math.IsNaN(score) && score >= 0 && score <= a.maxScore
}

// Aggregate ignores scores outside [0, MaxScore] and flags the result when it
// had to, so the overall score stays within 0..100.
func (a *Aggregator) Aggregate(evals []Evaluation) Result {
	res := Result{
		Criteria:       make(map[string]CriterionResult),
		EvaluatorCount: len(evals),
		Confidence:     DefaultConfidence,
	}
	if len(evals) == 0 {
		res.Flags = append(res.Flags, FlagNoEvaluations, FlagNoWeightedCriteria)
		return res
	}

	samples := make(map[string][]float64)
	confSum := 0.0
	defaulted, dropped := false, false
	for _, ev := range evals {
		for criterion, score := range ev.Scores {
			if !a.inRange(score) {
				dropped = true
				continue
			}
			samples[criterion] = append(samples[criterion], score)
		}
		if ev.Confidence == nil {
			confSum += DefaultConfidence
			defaulted = true
		} else {
			confSum += clamp(*ev.Confidence, 0, 1)
		}
	}
	res.Confidence = confSum / float64(len(evals))
	if defaulted {
		res.Flags = append(res.Flags, FlagConfidenceDefaulted)
	}
	if dropped {
		res.Flags = append(res.Flags, FlagScoreOutOfRange)
	}

	criteria := make([]string, 0, len(samples))
	for c := range samples {
		criteria = append(criteria, c)
	}
	sort.Strings(criteria)

	weighted, denominator := 0.0, 0.0
	zeroMean := false
	for _, c := range criteria {
		cr := summarize(samples[c])
		cr.Weight = a.weights[c]
		if cr.Mean == 0 && cr.Samples >= 2 {
			zeroMean = true
		}
		res.Criteria[c] = cr
		if w, ok := a.weights[c]; ok {
			weighted += cr.Mean * w
			denominator += a.maxScore * w
		}
	}
	if zeroMean {
		res.Flags = append(res.Flags, FlagZeroMean)
	}
	if denominator == 0 {
		res.Flags = append(res.Flags, FlagNoWeightedCriteria)
		return res
	}
	res.OverallScore = round(100*weighted/denominator, 4)
	return res
}

func summarize(scores []float64) CriterionResult {
	n := len(scores)
	cr := CriterionResult{Samples: n}
	if n == 0 {
		cr.Note = NoteInsufficientData
		return cr
	}
	sum, lo, hi := 0.0, scores[0], scores[0]
	for _, s := range scores {
		sum += s
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	cr.Mean = sum / float64(n)
	if n < 2 {
		cr.Note = NoteInsufficientData
		return cr
	}
	variance := 0.0
	for _, s := range scores {
		d := s - cr.Mean
		variance += d * d
	}
	cr.StdDev = math.Sqrt(variance / float64(n))
	cr.Range = hi - lo
	if cr.Mean != 0 {
		cr.CoefficientOfVariation = cr.StdDev / math.Abs(cr.Mean)
	}
	return cr
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
