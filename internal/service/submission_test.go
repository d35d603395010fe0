package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/judgeledger/judgeledger/internal/auth"
	"github.com/judgeledger/judgeledger/internal/consensus"
	machinecrypto "github.com/judgeledger/judgeledger/internal/crypto"
	"github.com/judgeledger/judgeledger/internal/judge"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/orchestrator"
	"github.com/judgeledger/judgeledger/internal/replay"
	"github.com/judgeledger/judgeledger/internal/retry"
)

var testSecret = []byte("shared-secret")

type harness struct {
	svc   *SubmissionService
	store *ledger.MemoryStore
	now   time.Time
}

func newHarness(t *testing.T, contentAddressed bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signer, err := machinecrypto.GenerateSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	store := ledger.NewMemoryStore()
	l, err := ledger.New(ledger.Options{Store: store, Signer: signer, Now: clock})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	c := 0.9
	panel, err := judge.NewPanel(judge.PanelOptions{
		Evaluators: []judge.Evaluator{
			judge.StaticEvaluator{EvaluatorID: "a", Scores: map[string]float64{"quality": 8}, Confidence: &c},
			judge.StaticEvaluator{EvaluatorID: "b", Scores: map[string]float64{"quality": 7}, Confidence: &c},
			judge.StaticEvaluator{EvaluatorID: "c", Scores: map[string]float64{"quality": 9}, Confidence: &c},
		},
		Aggregator: consensus.MustNewAggregator(map[string]float64{"quality": 1}, 10),
		Policy:     retry.Policy{MaxAttempts: 1},
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("panel: %v", err)
	}
	pipeline, err := orchestrator.NewPipeline(orchestrator.PipelineOptions{Judge: panel, Ledger: l, Logger: logger, Now: clock})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	guard := replay.NewGuard(replay.NewMemoryStore(replay.MemoryOptions{TTL: time.Hour}), clock)
	svc, err := NewSubmissionService(SubmissionParams{
		Authenticator:     auth.NewAuthenticator(auth.Options{Now: clock}),
		Secret:            testSecret,
		EnforceSignatures: true,
		Guard:             guard,
		ContentAddressed:  contentAddressed,
		Pipeline:          pipeline,
		Ledger:            l,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	svc.now = clock
	return &harness{svc: svc, store: store, now: now}
}

func (h *harness) envelope(t *testing.T, body string, nonce string, ts time.Time) Envelope {
	t.Helper()
	sig, err := auth.Sign(testSecret, json.RawMessage(body), nonce, ts.Unix())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Envelope{Body: []byte(body), Nonce: nonce, Timestamp: strconv.FormatInt(ts.Unix(), 10), Signature: sig}
}

const abcBody = `{"tenant_id":"default","event_id":"default_event","request_id":"abc","team_id":"t1","content":{"text":"demo"}}`

func TestSubmitTwiceIsRejectedAsReplay(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	rec, err := h.svc.Submit(ctx, h.envelope(t, abcBody, "n-1", h.now))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if rec.Status != string(orchestrator.StateCommitted) || rec.Outcome != orchestrator.OutcomeSuccess {
		t.Fatalf("unexpected first record: %+v", rec)
	}
	if rec.Verdict == nil || rec.Verdict.Consensus.OverallScore != 80 {
		t.Fatalf("unexpected verdict: %+v", rec.Verdict)
	}
	entriesAfterFirst := h.store.Len()
	if entriesAfterFirst != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", entriesAfterFirst)
	}

	_, err = h.svc.Submit(ctx, h.envelope(t, abcBody, "n-2", h.now))
	if !IsCode(err, CodeReplayDetected) {
		t.Fatalf("expected REPLAY_DETECTED, got %v", err)
	}
	var appErr *AppError
	if !asAppError(err, &appErr) || appErr.HTTPStatus != http.StatusConflict {
		t.Fatalf("expected 409, got %+v", appErr)
	}
	if h.store.Len() != entriesAfterFirst {
		t.Fatalf("replay appended ledger entries: %d -> %d", entriesAfterFirst, h.store.Len())
	}
}

func TestSubmitAuthFailuresMapToCodes(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	env := h.envelope(t, abcBody, "n-1", h.now)
	env.Signature = ""
	if _, err := h.svc.Submit(ctx, env); !IsCode(err, auth.CodeMissingHeader) {
		t.Fatalf("expected missing header, got %v", err)
	}

	env = h.envelope(t, abcBody, "n-2", h.now.Add(-301*time.Second))
	if _, err := h.svc.Submit(ctx, env); !IsCode(err, auth.CodeExpiredTimestamp) {
		t.Fatalf("expected expired timestamp, got %v", err)
	}

	env = h.envelope(t, abcBody, "n-2b", h.now)
	env.Timestamp = "yesterday"
	if _, err := h.svc.Submit(ctx, env); !IsCode(err, auth.CodeMissingHeader) {
		t.Fatalf("expected malformed timestamp as missing header, got %v", err)
	}

	env = h.envelope(t, abcBody, "n-3", h.now)
	env.Body = []byte(`{"tenant_id":"default","event_id":"default_event","request_id":"abc","team_id":"t2","content":{"text":"demo"}}`)
	if _, err := h.svc.Submit(ctx, env); !IsCode(err, auth.CodeInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if h.store.Len() != 0 {
		t.Fatalf("rejected requests must not touch the ledger, got %d entries", h.store.Len())
	}
}

func TestSubmitReusedNonceRejected(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	first := `{"request_id":"r1","team_id":"t1","content":{"text":"a"}}`
	second := `{"request_id":"r2","team_id":"t1","content":{"text":"a"}}`
	if _, err := h.svc.Submit(ctx, h.envelope(t, first, "same", h.now)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.svc.Submit(ctx, h.envelope(t, second, "same", h.now)); !IsCode(err, auth.CodeReusedNonce) {
		t.Fatalf("expected reused nonce, got %v", err)
	}
}

func TestSubmitSignatureIgnoresKeyOrder(t *testing.T) {
	h := newHarness(t, false)
	signedAs := `{"team_id":"t1","request_id":"k1","content":{"b":1,"a":{"text":"x"}}}`
	sentAs := `{"content":{"a":{"text":"x"},"b":1},"request_id":"k1","team_id":"t1"}`
	env := h.envelope(t, signedAs, "n-9", h.now)
	env.Body = []byte(sentAs)
	if _, err := h.svc.Submit(context.Background(), env); err != nil {
		t.Fatalf("reordered body should verify: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, false)
	cases := []string{
		`{"team_id":"t1","content":"not an object"}`,
		`{"content":{"text":"x"}}`,
		`{"team_id":"t1","content":{},"unexpected":true}`,
	}
	for i, body := range cases {
		_, err := h.svc.Submit(context.Background(), h.envelope(t, body, "v-"+strconv.Itoa(i), h.now))
		if !IsCode(err, CodeValidationError) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestEmptyRequestIDIsAlwaysNew(t *testing.T) {
	h := newHarness(t, false)
	body := `{"team_id":"t1","content":{"text":"same"}}`
	for i := 0; i < 2; i++ {
		if _, err := h.svc.Submit(context.Background(), h.envelope(t, body, "e-"+strconv.Itoa(i), h.now)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

func TestContentAddressedRequestIDs(t *testing.T) {
	h := newHarness(t, true)
	body := `{"team_id":"t1","content":{"text":"same"}}`
	if _, err := h.svc.Submit(context.Background(), h.envelope(t, body, "c-1", h.now)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.svc.Submit(context.Background(), h.envelope(t, body, "c-2", h.now)); !IsCode(err, CodeReplayDetected) {
		t.Fatalf("expected replay for identical content, got %v", err)
	}
}

func TestVerifyLedgerAfterSubmissions(t *testing.T) {
	h := newHarness(t, false)
	if _, err := h.svc.Submit(context.Background(), h.envelope(t, abcBody, "n-1", h.now)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp, err := h.svc.VerifyLedger(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if resp.Status != "ok" || resp.EntriesChecked != 4 || resp.CheckpointRoot == "" || len(resp.Issues) != 0 {
		t.Fatalf("unexpected verify response %+v", resp)
	}
	page, err := h.svc.LedgerEntries(context.Background(), 1, 2)
	if err != nil || len(page.Entries) != 2 || page.Next != 3 {
		t.Fatalf("entries page: %v %+v", err, page)
	}
	health, err := h.svc.Health(context.Background())
	if err != nil || health.LedgerHeadSeq != 4 {
		t.Fatalf("health: %v %+v", err, health)
	}
}

func TestSubmitCompletesWhenCallerGoesAway(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := h.svc.Submit(ctx, h.envelope(t, abcBody, "n-1", h.now))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != string(orchestrator.StateCommitted) || rec.FailedStep != "" {
		t.Fatalf("expected committed run despite cancelled caller, got %+v", rec)
	}
	if h.store.Len() != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", h.store.Len())
	}
}

func asAppError(err error, out **AppError) bool {
	ae, ok := err.(*AppError)
	if ok {
		*out = ae
	}
	return ok
}
