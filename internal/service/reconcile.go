package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/relay"
	"github.com/judgeledger/judgeledger/internal/storage/sqlite"
)

// Backlog is the local journal the server falls back to.
type Backlog interface {
	LedgerBacklog(ctx context.Context, limit int) ([]sqlite.JournaledEntry, error)
	MarkLedgerEntryReplayed(ctx context.Context, sequence int64) error
	MarkLedgerRetry(ctx context.Context, sequence int64, attempts int, next time.Time, lastError string) error
	DueUploads(ctx context.Context, now time.Time, limit int) ([]sqlite.Upload, error)
	MarkUploadSent(ctx context.Context, id int64) error
	MarkUploadRetry(ctx context.Context, id int64, attempts int, next time.Time, lastError string) error
}

// Reconciler drains the journal into the primary ledger store and the bucket.
// Ledger entries are replayed strictly in sequence order; the first one that
// cannot be written stops the pass so the primary chain never has gaps.
type Reconciler struct {
	journal    Backlog
	primary    ledger.Store
	bucket     relay.BucketRelay
	batchSize  int
	maxBackoff time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type ReconcilerParams struct {
	Journal Backlog
	Primary ledger.Store
	// Bucket may be nil when no bucket is configured; uploads then stay
	// journaled.
	Bucket     relay.BucketRelay
	BatchSize  int
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

type ReconcileStats struct {
	LedgerReplayed int
	LedgerPending  int
	UploadsSent    int
	UploadsFailed  int
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if params.Primary == nil {
		return nil, fmt.Errorf("primary ledger store is required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 100
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 5 * time.Minute
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Reconciler{
		journal:    params.Journal,
		primary:    params.Primary,
		bucket:     params.Bucket,
		batchSize:  params.BatchSize,
		maxBackoff: params.MaxBackoff,
		logger:     params.Logger,
		now:        time.Now,
	}, nil
}

func (r *Reconciler) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	stats, err := r.ProcessBatch(ctx)
	if err != nil {
		r.logger.Error("reconcile batch failed", slog.String("error", err.Error()))
		return
	}
	if stats != (ReconcileStats{}) {
		r.logger.Info("reconcile batch",
			slog.Int("ledger_replayed", stats.LedgerReplayed),
			slog.Int("ledger_pending", stats.LedgerPending),
			slog.Int("uploads_sent", stats.UploadsSent),
			slog.Int("uploads_failed", stats.UploadsFailed),
		)
	}
}

func (r *Reconciler) ProcessBatch(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	if err := r.replayLedger(ctx, &stats); err != nil {
		return stats, err
	}
	if r.bucket == nil {
		return stats, nil
	}
	uploads, err := r.journal.DueUploads(ctx, r.now().UTC(), r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load due uploads: %w", err)
	}
	for _, up := range uploads {
		if err := r.bucket.Relay(ctx, up.Key, up.Body); err != nil {
			stats.UploadsFailed++
			attempts := up.Attempts + 1
			next := r.now().UTC().Add(computeBackoff(attempts, r.maxBackoff))
			if err := r.journal.MarkUploadRetry(ctx, up.ID, attempts, next, truncate(err.Error(), 1500)); err != nil {
				return stats, err
			}
			r.logger.Warn("upload retry scheduled", slog.Int64("upload_id", up.ID), slog.String("key", up.Key), slog.Int("attempts", attempts))
			continue
		}
		if err := r.journal.MarkUploadSent(ctx, up.ID); err != nil {
			return stats, err
		}
		stats.UploadsSent++
	}
	return stats, nil
}

func (r *Reconciler) replayLedger(ctx context.Context, stats *ReconcileStats) error {
	backlog, err := r.journal.LedgerBacklog(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("load ledger backlog: %w", err)
	}
	now := r.now().UTC()
	for i, item := range backlog {
		if !item.NextAttemptAt.IsZero() && item.NextAttemptAt.After(now) {
			stats.LedgerPending += len(backlog) - i
			return nil
		}
		appendErr := r.primary.Append(ctx, item.Entry)
		if appendErr != nil && r.alreadyPresent(ctx, item.Entry) {
			appendErr = nil
		}
		if appendErr != nil {
			attempts := item.Attempts + 1
			next := now.Add(computeBackoff(attempts, r.maxBackoff))
			if err := r.journal.MarkLedgerRetry(ctx, item.Entry.Sequence, attempts, next, truncate(appendErr.Error(), 1500)); err != nil {
				return err
			}
			logging.Alert(ctx, r.logger, "ledger_replay_blocked",
				"sequence", item.Entry.Sequence,
				"attempts", attempts,
				"error", appendErr.Error(),
			)
			stats.LedgerPending += len(backlog) - i
			return nil
		}
		if err := r.journal.MarkLedgerEntryReplayed(ctx, item.Entry.Sequence); err != nil {
			return err
		}
		stats.LedgerReplayed++
	}
	return nil
}

// alreadyPresent reports whether the primary holds the identical entry, as
// after a crash between the primary write and the journal update.
func (r *Reconciler) alreadyPresent(ctx context.Context, entry ledger.Entry) bool {
	got, err := r.primary.Range(ctx, entry.Sequence, 1)
	if err != nil {
		return false
	}
	return len(got) == 1 && got[0].Sequence == entry.Sequence && got[0].EntryHash == entry.EntryHash
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > max {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
