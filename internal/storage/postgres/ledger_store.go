package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/protocol"
)

const selectEntry = `
SELECT sequence, actor, event, payload, payload_hash, previous_hash, ts, key_id, signature, entry_hash
FROM ledger_entries`

// Append inserts entry only if it extends the stored tail, so a gap left by
// a journaled entry is never papered over.
func (s *Store) Append(ctx context.Context, entry ledger.Entry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var tailSeq int64
	var tailHash string
	found := true
	err = tx.QueryRow(ctx, `SELECT sequence, entry_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`).Scan(&tailSeq, &tailHash)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if err := checkLinkage(tailSeq, tailHash, found, entry); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO ledger_entries (
  sequence,
  actor,
  event,
  payload,
  payload_hash,
  previous_hash,
  ts,
  key_id,
  signature,
  entry_hash
) VALUES ($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9,$10)
`, entry.Sequence, entry.Actor, entry.Event, []byte(entry.Payload), entry.PayloadHash, entry.PreviousHash,
		entry.Timestamp.UTC(), entry.KeyID, entry.Signature, entry.EntryHash)
	if err != nil {
		switch {
		case isUniqueViolationFor(err, "sequence"), isUniqueViolationFor(err, "entry_hash"), isSerializationFailure(err):
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		default:
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		return err
	}
	return nil
}

func checkLinkage(tailSeq int64, tailHash string, found bool, entry ledger.Entry) error {
	if !found {
		if entry.Sequence != 1 || entry.PreviousHash != protocol.GenesisHash {
			return fmt.Errorf("%w: empty ledger expects sequence 1 from genesis, got %d", ledger.ErrOutOfOrder, entry.Sequence)
		}
		return nil
	}
	if entry.Sequence <= tailSeq {
		return fmt.Errorf("%w: tail is already %d, got %d", ledger.ErrConflict, tailSeq, entry.Sequence)
	}
	if entry.Sequence != tailSeq+1 {
		return fmt.Errorf("%w: tail is %d, got %d", ledger.ErrOutOfOrder, tailSeq, entry.Sequence)
	}
	if entry.PreviousHash != tailHash {
		return fmt.Errorf("%w: previous_hash does not match tail %d", ledger.ErrConflict, tailSeq)
	}
	return nil
}

func (s *Store) Head(ctx context.Context) (ledger.Entry, bool, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, selectEntry+` ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Range(ctx context.Context, from int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, selectEntry+` WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var e ledger.Entry
	var payload []byte
	err := row.Scan(
		&e.Sequence,
		&e.Actor,
		&e.Event,
		&payload,
		&e.PayloadHash,
		&e.PreviousHash,
		&e.Timestamp,
		&e.KeyID,
		&e.Signature,
		&e.EntryHash,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
