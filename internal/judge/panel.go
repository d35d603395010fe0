package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/judgeledger/judgeledger/internal/consensus"
	"github.com/judgeledger/judgeledger/internal/retry"
)

var ErrNotEnoughEvaluations = errors.New("not enough successful evaluations")

// Verdict is the panel's answer: the individual evaluations plus consensus.
type Verdict struct {
	Evaluations []consensus.Evaluation `json:"evaluations"`
	Consensus   consensus.Result       `json:"consensus"`
	Failures    map[string]string      `json:"failures,omitempty"`
}

type Panel struct {
	evaluators     []Evaluator
	aggregator     *consensus.Aggregator
	policy         retry.Policy
	minEvaluations int
	logger         *slog.Logger
}

type PanelOptions struct {
	Evaluators     []Evaluator
	Aggregator     *consensus.Aggregator
	Policy         retry.Policy
	MinEvaluations int
	Logger         *slog.Logger
}

func NewPanel(opts PanelOptions) (*Panel, error) {
	if len(opts.Evaluators) == 0 {
		return nil, errors.New("at least one evaluator is required")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if opts.MinEvaluations <= 0 {
		opts.MinEvaluations = 1
	}
	if opts.MinEvaluations > len(opts.Evaluators) {
		return nil, fmt.Errorf("min evaluations %d exceeds %d evaluators", opts.MinEvaluations, len(opts.Evaluators))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Panel{
		evaluators:     opts.Evaluators,
		aggregator:     opts.Aggregator,
		policy:         opts.Policy,
		minEvaluations: opts.MinEvaluations,
		logger:         opts.Logger,
	}, nil
}

// Judge fans the text out to every evaluator concurrently. No lock is held
// while evaluators run.
func (p *Panel) Judge(ctx context.Context, text string) (Verdict, error) {
	type answer struct {
		eval consensus.Evaluation
		err  error
	}
	answers := make([]answer, len(p.evaluators))
	var wg sync.WaitGroup
	for i, ev := range p.evaluators {
		wg.Add(1)
		go func(i int, ev Evaluator) {
			defer wg.Done()
			var got consensus.Evaluation
			err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
				var err error
				got, err = ev.Evaluate(ctx, text)
				if err != nil {
					return err
				}
				if err := p.aggregator.CheckScores(got); err != nil {
					return retry.Permanent(fmt.Errorf("evaluator %s: %w", ev.ID(), err))
				}
				return nil
			})
			if got.EvaluatorID == "" {
				got.EvaluatorID = ev.ID()
			}
			answers[i] = answer{eval: got, err: err}
		}(i, ev)
	}
	wg.Wait()

	verdict := Verdict{}
	for i, a := range answers {
		if a.err != nil {
			if verdict.Failures == nil {
				verdict.Failures = make(map[string]string)
			}
			verdict.Failures[p.evaluators[i].ID()] = a.err.Error()
			p.logger.Warn("evaluator_failed", "evaluator_id", p.evaluators[i].ID(), "error", a.err.Error())
			continue
		}
		verdict.Evaluations = append(verdict.Evaluations, a.eval)
	}
	sort.Slice(verdict.Evaluations, func(i, j int) bool {
		return verdict.Evaluations[i].EvaluatorID < verdict.Evaluations[j].EvaluatorID
	})
	if len(verdict.Evaluations) < p.minEvaluations {
		return verdict, fmt.Errorf("%w: %d of %d succeeded, need %d",
			ErrNotEnoughEvaluations, len(verdict.Evaluations), len(p.evaluators), p.minEvaluations)
	}
	verdict.Consensus = p.aggregator.Aggregate(verdict.Evaluations)
	return verdict, nil
}
