package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/judgeledger/judgeledger/internal/judge"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/protocol"
	"github.com/judgeledger/judgeledger/internal/relay"
)

const (
	StepJudge  = "judge"
	StepReward = "reward"
	StepLog    = "log"

	EventReceived = "submission.received"
	EventJudged   = "submission.judged"
	EventRewarded = "submission.rewarded"
	EventLogged   = "submission.logged"
	EventAborted  = "transaction.aborted"

	ledgerActor = "orchestrator"
)

var ErrNotJudged = errors.New("reward requires a successful judging step")

type Judge interface {
	Judge(ctx context.Context, text string) (judge.Verdict, error)
}

type LedgerAppender interface {
	Append(ctx context.Context, actor, event string, payload any) (ledger.Entry, error)
}

// Submission is an authenticated, deduplicated work item.
type Submission struct {
	TenantID  string          `json:"tenant_id"`
	EventID   string          `json:"event_id"`
	RequestID string          `json:"request_id"`
	TeamID    string          `json:"team_id"`
	Content   json.RawMessage `json:"content"`
}

// Text is what the judges read: content.text when present, otherwise the
// canonical content document.
func (s Submission) Text() string {
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(s.Content, &doc); err == nil && strings.TrimSpace(doc.Text) != "" {
		return doc.Text
	}
	canonical, err := protocol.CanonicalJSON(s.Content)
	if err != nil {
		return string(s.Content)
	}
	return string(canonical)
}

// Record describes what happened to one submission. It is returned to the
// caller even when steps failed.
type Record struct {
	TransactionID string         `json:"transaction_id"`
	TenantID      string         `json:"tenant_id"`
	EventID       string         `json:"event_id"`
	RequestID     string         `json:"request_id"`
	TeamID        string         `json:"team_id"`
	Status        string         `json:"status"`
	FailedStep    string         `json:"failed_step,omitempty"`
	Steps         []StepResult   `json:"steps"`
	Verdict       *judge.Verdict `json:"verdict,omitempty"`
	Outcome       string         `json:"outcome"`
	Notified      bool           `json:"notified"`
	LedgerEntries []int64        `json:"ledger_entries"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

func (r Record) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

type Pipeline struct {
	judge    Judge
	ledger   LedgerAppender
	notifier relay.Notifier
	bucket   relay.BucketRelay
	failures FailureLog
	policy   OutcomePolicy
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

type PipelineOptions struct {
	Judge      Judge
	Ledger     LedgerAppender
	Notifier   relay.Notifier
	Bucket     relay.BucketRelay
	FailureLog FailureLog
	Policy     OutcomePolicy
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Judge == nil {
		return nil, errors.New("judge is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = relay.NopNotifier{}
	}
	if opts.FailureLog == nil {
		opts.FailureLog = &MemoryFailureLog{}
	}
	if opts.Policy == (OutcomePolicy{}) {
		opts.Policy = DefaultOutcomePolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Pipeline{
		judge:    opts.Judge,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		bucket:   opts.Bucket,
		failures: opts.FailureLog,
		policy:   opts.Policy,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

// Run drives one submission through judge, reward and log. A judging failure
// aborts the flow; reward and log failures are recorded and the flow goes on.
// Once started, a run is not cancelled by the caller: the replay guard has
// already consumed the request id. Each external call keeps its own timeout.
func (p *Pipeline) Run(ctx context.Context, sub Submission) Record {
	ctx = context.WithoutCancel(ctx)
	rec := Record{
		TransactionID: p.newID(),
		TenantID:      sub.TenantID,
		EventID:       sub.EventID,
		RequestID:     sub.RequestID,
		TeamID:        sub.TeamID,
		StartedAt:     p.now().UTC(),
		LedgerEntries: make([]int64, 0, 4),
	}
	received := map[string]any{
		"transaction_id": rec.TransactionID,
		"tenant_id":      sub.TenantID,
		"event_id":       sub.EventID,
		"request_id":     sub.RequestID,
		"team_id":        sub.TeamID,
	}
	if contentHash, err := protocol.HashCanonical(sub.Content); err != nil {
		p.logger.Warn("content_hash_failed", "transaction_id", rec.TransactionID, "error", err.Error())
	} else {
		received["content_hash"] = contentHash
	}
	p.milestone(ctx, &rec, EventReceived, received)

	var verdict *judge.Verdict
	tx := NewTransaction(rec.TransactionID, p.failures, p.logger)
	tx.now = p.now

	tx.AddStep(StepJudge, func(ctx context.Context) error {
		v, err := p.judge.Judge(ctx, sub.Text())
		if err != nil {
			return err
		}
		verdict = &v
		rec.Verdict = verdict
		p.milestone(ctx, &rec, EventJudged, map[string]any{
			"transaction_id":  rec.TransactionID,
			"overall_score":   v.Consensus.OverallScore,
			"confidence":      v.Consensus.Confidence,
			"evaluator_count": v.Consensus.EvaluatorCount,
			"flags":           v.Consensus.Flags,
		})
		return nil
	})

	tx.AddStep(StepReward, func(ctx context.Context) error {
		if verdict == nil {
			return ErrNotJudged
		}
		rec.Outcome = p.policy.Classify(verdict.Consensus.OverallScore)
		err := p.notifier.Notify(ctx, relay.Outcome{
			TransactionID: rec.TransactionID,
			TenantID:      sub.TenantID,
			EventID:       sub.EventID,
			TeamID:        sub.TeamID,
			Outcome:       rec.Outcome,
			OverallScore:  verdict.Consensus.OverallScore,
			Confidence:    verdict.Consensus.Confidence,
			DecidedAt:     p.now().UTC(),
		})
		rec.Notified = err == nil
		p.milestone(ctx, &rec, EventRewarded, map[string]any{
			"transaction_id": rec.TransactionID,
			"outcome":        rec.Outcome,
			"notified":       rec.Notified,
		})
		if err != nil {
			return fmt.Errorf("notify outcome: %w", err)
		}
		return nil
	}, ContinueOnFailure())

	tx.AddStep(StepLog, func(ctx context.Context) error {
		if rec.Outcome == "" {
			rec.Outcome = OutcomeFailure
		}
		score := 0.0
		if verdict != nil {
			score = verdict.Consensus.OverallScore
		}
		summary := map[string]any{
			"transaction_id": rec.TransactionID,
			"tenant_id":      sub.TenantID,
			"event_id":       sub.EventID,
			"team_id":        sub.TeamID,
			"outcome":        rec.Outcome,
			"notified":       rec.Notified,
			"overall_score":  score,
		}
		entry, err := p.ledger.Append(ctx, ledgerActor, EventLogged, summary)
		if err != nil {
			return fmt.Errorf("append %s: %w", EventLogged, err)
		}
		rec.LedgerEntries = append(rec.LedgerEntries, entry.Sequence)
		if p.bucket != nil {
			body, err := json.Marshal(map[string]any{"summary": summary, "verdict": verdict, "entry": entry.View()})
			if err != nil {
				return fmt.Errorf("encode archive record: %w", err)
			}
			if err := p.bucket.Relay(ctx, archiveKey(sub, rec.TransactionID), body); err != nil {
				return fmt.Errorf("relay archive record: %w", err)
			}
		}
		return nil
	}, ContinueOnFailure())

	steps, err := tx.Commit(ctx)
	rec.Steps = steps
	var txErr *TransactionError
	switch {
	case errors.As(err, &txErr):
		rec.Status = string(StateFailed) + "@" + txErr.Step
		rec.FailedStep = txErr.Step
		rec.Outcome = OutcomeFailure
		p.milestone(ctx, &rec, EventAborted, map[string]any{
			"transaction_id": rec.TransactionID,
			"failed_step":    txErr.Step,
			"error":          txErr.Err.Error(),
		})
	case err != nil:
		rec.Status = string(StateFailed)
		rec.Outcome = OutcomeFailure
	default:
		rec.Status = string(tx.State())
	}
	rec.FinishedAt = p.now().UTC()
	p.logger.Info("transaction_finished",
		"transaction_id", rec.TransactionID,
		"status", rec.Status,
		"outcome", rec.Outcome,
		"tenant_id", sub.TenantID,
		"event_id", sub.EventID,
	)
	return rec
}

// milestone appends an audit entry. Failures are alerts, never step errors.
func (p *Pipeline) milestone(ctx context.Context, rec *Record, event string, payload map[string]any) {
	entry, err := p.ledger.Append(ctx, ledgerActor, event, payload)
	if err != nil {
		logging.Alert(ctx, p.logger, "ledger_milestone_failed",
			"transaction_id", rec.TransactionID,
			"event", event,
			"error", err.Error(),
		)
		return
	}
	rec.LedgerEntries = append(rec.LedgerEntries, entry.Sequence)
}

func archiveKey(sub Submission, txID string) string {
	return fmt.Sprintf("%s/%s/%s.json", sub.TenantID, sub.EventID, txID)
}
