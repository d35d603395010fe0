package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/judgeledger/judgeledger/internal/logging"
)

// Journal is the local durable log that holds entries the primary store could
// not accept. A reconciler later replays them in sequence order.
type Journal interface {
	SaveLedgerEntry(ctx context.Context, entry Entry, cause string) error
	PendingLedgerEntries(ctx context.Context, limit int) ([]Entry, error)
}

// FallbackStore writes to the primary store and journals locally when the
// primary is unreachable, so a ledger outage never fails the caller.
type FallbackStore struct {
	primary Store
	journal Journal
	logger  *slog.Logger
}

func NewFallbackStore(primary Store, journal Journal, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{primary: primary, journal: journal, logger: logger}
}

func (s *FallbackStore) Append(ctx context.Context, entry Entry) error {
	err := s.primary.Append(ctx, entry)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) {
		// The primary is reachable and holds a different tail; journaling
		// would fork the chain.
		return err
	}
	if jerr := s.journal.SaveLedgerEntry(context.WithoutCancel(ctx), entry, err.Error()); jerr != nil {
		return errors.Join(err, fmt.Errorf("journal ledger entry: %w", jerr))
	}
	logging.Alert(ctx, s.logger, "ledger_primary_append_failed",
		"sequence", entry.Sequence,
		"entry_hash", entry.EntryHash,
		"error", err.Error(),
	)
	return nil
}

func (s *FallbackStore) Head(ctx context.Context) (Entry, bool, error) {
	head, found, err := s.primary.Head(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	pending, err := s.journal.PendingLedgerEntries(ctx, 0)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger journal: %w", err)
	}
	for _, e := range pending {
		if e.Sequence > head.Sequence {
			head, found = e, true
		}
	}
	return head, found, nil
}

// Range merges primary entries with journaled ones not yet reconciled.
func (s *FallbackStore) Range(ctx context.Context, from int64, limit int) ([]Entry, error) {
	out, err := s.primary.Range(ctx, from, limit)
	if err != nil {
		return nil, err
	}
	pending, err := s.journal.PendingLedgerEntries(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read ledger journal: %w", err)
	}
	if len(pending) == 0 {
		return out, nil
	}
	have := make(map[int64]struct{}, len(out))
	for _, e := range out {
		have[e.Sequence] = struct{}{}
	}
	for _, e := range pending {
		if e.Sequence < from {
			continue
		}
		if _, ok := have[e.Sequence]; !ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
