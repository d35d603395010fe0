package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/judgeledger/judgeledger/internal/consensus"
	machinecrypto "github.com/judgeledger/judgeledger/internal/crypto"
	"github.com/judgeledger/judgeledger/internal/judge"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/relay"
	"github.com/judgeledger/judgeledger/internal/retry"
)

type stubJudge struct {
	score float64
	err   error
}

func (s stubJudge) Judge(context.Context, string) (judge.Verdict, error) {
	if s.err != nil {
		return judge.Verdict{}, s.err
	}
	return judge.Verdict{Consensus: consensus.Result{OverallScore: s.score, Confidence: 0.7, EvaluatorCount: 2}}, nil
}

type stubNotifier struct {
	err error
	got []relay.Outcome
}

func (n *stubNotifier) Notify(_ context.Context, o relay.Outcome) error {
	n.got = append(n.got, o)
	return n.err
}

type stubBucket struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (b *stubBucket) Relay(_ context.Context, key string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return b.err
}

type failingLedger struct {
	inner *ledger.Ledger
	event string
}

func (f failingLedger) Append(ctx context.Context, actor, event string, payload any) (ledger.Entry, error) {
	if event == f.event {
		return ledger.Entry{}, errors.New("ledger unavailable")
	}
	return f.inner.Append(ctx, actor, event, payload)
}

type fixture struct {
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	failures *MemoryFailureLog
	notifier *stubNotifier
	bucket   *stubBucket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := machinecrypto.GenerateSigner()
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	l, err := ledger.New(ledger.Options{Store: store, Signer: signer})
	require.NoError(t, err)
	return &fixture{store: store, ledger: l, failures: &MemoryFailureLog{}, notifier: &stubNotifier{}, bucket: &stubBucket{}}
}

func (f *fixture) pipeline(t *testing.T, j Judge, appender LedgerAppender) *Pipeline {
	t.Helper()
	if appender == nil {
		appender = f.ledger
	}
	p, err := NewPipeline(PipelineOptions{
		Judge:      j,
		Ledger:     appender,
		Notifier:   f.notifier,
		Bucket:     f.bucket,
		FailureLog: f.failures,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		NewID:      func() string { return "tx-1" },
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) events(t *testing.T) []string {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), 1, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func submission() Submission {
	return Submission{
		TenantID:  "default",
		EventID:   "default_event",
		RequestID: "abc",
		TeamID:    "team-7",
		Content:   json.RawMessage(`{"text":"our pitch","repo":"x"}`),
	}
}

func TestPipelineCommitsAllSteps(t *testing.T) {
	f := newFixture(t)
	rec := f.pipeline(t, stubJudge{score: 82}, nil).Run(context.Background(), submission())

	require.Equal(t, string(StateCommitted), rec.Status)
	require.Equal(t, OutcomeSuccess, rec.Outcome)
	require.True(t, rec.Notified)
	require.Len(t, rec.Steps, 3)
	for _, s := range rec.Steps {
		require.Equal(t, StepSucceeded, s.Status, s.Name)
	}
	require.Equal(t, []string{EventReceived, EventJudged, EventRewarded, EventLogged}, f.events(t))
	require.Equal(t, []int64{1, 2, 3, 4}, rec.LedgerEntries)
	require.Equal(t, []string{"default/default_event/tx-1.json"}, f.bucket.keys)
	require.Empty(t, f.failures.Records())

	issues, err := f.ledger.VerifyChain(context.Background())
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestPipelineJudgeFailureAborts(t *testing.T) {
	f := newFixture(t)
	rec := f.pipeline(t, stubJudge{err: errors.New("judge timeout")}, nil).Run(context.Background(), submission())

	require.Equal(t, "FAILED@judge", rec.Status)
	require.Equal(t, StepJudge, rec.FailedStep)
	require.Equal(t, OutcomeFailure, rec.Outcome)
	judgeStep, _ := rec.Step(StepJudge)
	rewardStep, _ := rec.Step(StepReward)
	logStep, _ := rec.Step(StepLog)
	require.Equal(t, StepFailed, judgeStep.Status)
	require.Equal(t, StepSkipped, rewardStep.Status)
	require.Equal(t, StepSkipped, logStep.Status)
	require.Empty(t, f.notifier.got)
	require.Empty(t, f.bucket.keys)
	require.Equal(t, []string{EventReceived, EventAborted}, f.events(t))

	failures := f.failures.Records()
	require.Len(t, failures, 1)
	require.Equal(t, "tx-1", failures[0].TransactionID)
	require.Equal(t, StepJudge, failures[0].Step)
}

func TestPipelineRewardFailureStillLogs(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("webhook down")
	rec := f.pipeline(t, stubJudge{score: 55}, nil).Run(context.Background(), submission())

	require.Equal(t, string(StateCommittedWithFailures), rec.Status)
	rewardStep, _ := rec.Step(StepReward)
	logStep, _ := rec.Step(StepLog)
	require.Equal(t, StepFailed, rewardStep.Status)
	require.True(t, rewardStep.Continued)
	require.Equal(t, StepSucceeded, logStep.Status)
	require.Equal(t, OutcomePartialSuccess, rec.Outcome)
	require.False(t, rec.Notified)
	require.Equal(t, []string{EventReceived, EventJudged, EventRewarded, EventLogged}, f.events(t))

	entries, err := f.ledger.Entries(context.Background(), 4, 1)
	require.NoError(t, err)
	var logged map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &logged))
	require.Equal(t, OutcomePartialSuccess, logged["outcome"])
	require.Equal(t, false, logged["notified"])

	require.Len(t, f.failures.Records(), 1)
	require.Equal(t, StepReward, f.failures.Records()[0].Step)
}

func TestPipelineLogFailureKeepsResults(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, stubJudge{score: 40}, failingLedger{inner: f.ledger, event: EventLogged})
	rec := p.Run(context.Background(), submission())

	require.Equal(t, string(StateCommittedWithFailures), rec.Status)
	require.Equal(t, OutcomeNeedsImprovement, rec.Outcome)
	require.NotNil(t, rec.Verdict)
	logStep, _ := rec.Step(StepLog)
	require.Equal(t, StepFailed, logStep.Status)
	require.Contains(t, logStep.Error, "ledger unavailable")
	require.Equal(t, []string{EventReceived, EventJudged, EventRewarded}, f.events(t))
}

func TestPipelineBucketFailureFailsLogStepOnly(t *testing.T) {
	f := newFixture(t)
	f.bucket.err = errors.New("s3 down")
	rec := f.pipeline(t, stubJudge{score: 90}, nil).Run(context.Background(), submission())
	require.Equal(t, string(StateCommittedWithFailures), rec.Status)
	logStep, _ := rec.Step(StepLog)
	require.Equal(t, StepFailed, logStep.Status)
	require.Contains(t, f.events(t), EventLogged)
}

func TestOutcomePolicyBuckets(t *testing.T) {
	p := DefaultOutcomePolicy()
	require.Equal(t, OutcomeSuccess, p.Classify(70))
	require.Equal(t, OutcomePartialSuccess, p.Classify(69.99))
	require.Equal(t, OutcomePartialSuccess, p.Classify(50))
	require.Equal(t, OutcomeNeedsImprovement, p.Classify(49.9))
}

func TestSubmissionText(t *testing.T) {
	s := Submission{Content: json.RawMessage(`{"text":"hello"}`)}
	require.Equal(t, "hello", s.Text())
	s.Content = json.RawMessage(`{"b":1,"a":2}`)
	require.Equal(t, `{"a":2,"b":1}`, s.Text())
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(PipelineOptions{Ledger: &ledger.Ledger{}})
	require.Error(t, err)
	_, err = NewPipeline(PipelineOptions{Judge: stubJudge{}})
	require.Error(t, err)
}

func TestPipelineRunsToCompletionAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	panel, err := judge.NewPanel(judge.PanelOptions{
		Evaluators: []judge.Evaluator{judge.StaticEvaluator{EvaluatorID: "a", Scores: map[string]float64{"overall": 9}}},
		Aggregator: consensus.MustNewAggregator(map[string]float64{"overall": 1}, 10),
		Policy:     retry.Policy{MaxAttempts: 1},
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := f.pipeline(t, panel, nil).Run(ctx, submission())

	require.Equal(t, string(StateCommitted), rec.Status)
	require.Empty(t, rec.FailedStep)
	require.Equal(t, OutcomeSuccess, rec.Outcome)
	require.Equal(t, []string{EventReceived, EventJudged, EventRewarded, EventLogged}, f.events(t))
	require.Len(t, f.bucket.keys, 1)
}

func TestReceivedEntryOmitsHashOfUnparseableContent(t *testing.T) {
	f := newFixture(t)
	sub := submission()
	sub.Content = json.RawMessage(`{"text":"cut off`)
	rec := f.pipeline(t, stubJudge{score: 82}, nil).Run(context.Background(), sub)
	require.Equal(t, string(StateCommitted), rec.Status)

	entries, err := f.ledger.Entries(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var received map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &received))
	require.Equal(t, "team-7", received["team_id"])
	require.NotContains(t, received, "content_hash")

	g := newFixture(t)
	g.pipeline(t, stubJudge{score: 82}, nil).Run(context.Background(), submission())
	entries, err = g.ledger.Entries(context.Background(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(entries[0].Payload, &received))
	require.Len(t, received["content_hash"], 64)
}
