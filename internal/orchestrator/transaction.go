// Package orchestrator sequences multi-step work as transactions and runs the
// submission pipeline (judge, reward, log) on top of them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/judgeledger/judgeledger/internal/logging"
)

type State string

const (
	StateInit                  State = "INIT"
	StateRunning               State = "RUNNING"
	StateCommitted             State = "COMMITTED"
	StateCommittedWithFailures State = "COMMITTED_WITH_FAILURES"
	StateFailed                State = "FAILED"
)

const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

var ErrAlreadyCommitted = errors.New("transaction already committed")

type StepFunc func(ctx context.Context) error

type StepResult struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Continued bool          `json:"continued,omitempty"`
}

// TransactionError reports the step that aborted a transaction.
type TransactionError struct {
	TransactionID string
	Step          string
	Index         int
	Err           error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed at step %d (%s): %v", e.TransactionID, e.Index, e.Step, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

type FailureRecord struct {
	TransactionID string    `json:"transaction_id"`
	Step          string    `json:"step"`
	Error         string    `json:"error"`
	At            time.Time `json:"at"`
}

// FailureLog is the durable record of step failures kept for manual
// reconciliation.
type FailureLog interface {
	RecordFailure(ctx context.Context, rec FailureRecord) error
}

type StepOption func(*step)

// ContinueOnFailure lets later steps run when this one fails. The failure is
// still recorded.
func ContinueOnFailure() StepOption {
	return func(s *step) { s.continueOnFailure = true }
}

type step struct {
	name              string
	fn                StepFunc
	continueOnFailure bool
}

type Transaction struct {
	id       string
	steps    []step
	state    State
	failures FailureLog
	logger   *slog.Logger
	now      func() time.Time
}

func NewTransaction(id string, failures FailureLog, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{id: id, state: StateInit, failures: failures, logger: logger, now: time.Now}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) State() State { return t.state }

// AddStep registers fn to run after every previously added step.
func (t *Transaction) AddStep(name string, fn StepFunc, opts ...StepOption) {
	s := step{name: name, fn: fn}
	for _, opt := range opts {
		opt(&s)
	}
	t.steps = append(t.steps, s)
}

// Commit runs the steps in registration order. The first failure of a step
// without ContinueOnFailure aborts the rest and yields a *TransactionError;
// the returned results always cover every registered step.
func (t *Transaction) Commit(ctx context.Context) ([]StepResult, error) {
	if t.state != StateInit {
		return nil, ErrAlreadyCommitted
	}
	t.state = StateRunning
	results := make([]StepResult, 0, len(t.steps))
	var abort *TransactionError
	degraded := false
	for i, s := range t.steps {
		if abort != nil {
			results = append(results, StepResult{Name: s.name, Status: StepSkipped})
			continue
		}
		started := t.now()
		err := runStep(ctx, s.fn)
		res := StepResult{Name: s.name, Status: StepSucceeded, StartedAt: started, Duration: t.now().Sub(started)}
		if err != nil {
			res.Status = StepFailed
			res.Error = err.Error()
			res.Continued = s.continueOnFailure
			t.recordFailure(ctx, s.name, err)
			if s.continueOnFailure {
				degraded = true
			} else {
				abort = &TransactionError{TransactionID: t.id, Step: s.name, Index: i, Err: err}
			}
		}
		results = append(results, res)
	}
	switch {
	case abort != nil:
		t.state = StateFailed
		return results, abort
	case degraded:
		t.state = StateCommittedWithFailures
	default:
		t.state = StateCommitted
	}
	return results, nil
}

// runStep converts a panicking step into an ordinary failure.
func runStep(ctx context.Context, fn StepFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (t *Transaction) recordFailure(ctx context.Context, stepName string, cause error) {
	if t.failures == nil {
		return
	}
	rec := FailureRecord{TransactionID: t.id, Step: stepName, Error: cause.Error(), At: t.now().UTC()}
	if err := t.failures.RecordFailure(context.WithoutCancel(ctx), rec); err != nil {
		logging.Alert(ctx, t.logger, "failure_log_write_failed",
			"transaction_id", t.id,
			"step", stepName,
			"error", err.Error(),
		)
	}
}

// MemoryFailureLog keeps failure records in process; tests and dev mode.
type MemoryFailureLog struct {
	mu      sync.Mutex
	records []FailureRecord
}

func (m *MemoryFailureLog) RecordFailure(_ context.Context, rec FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryFailureLog) Records() []FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailureRecord(nil), m.records...)
}
