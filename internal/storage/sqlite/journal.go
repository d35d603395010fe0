// Package sqlite is the local durable journal. It holds ledger entries and
// bucket uploads that could not reach their primary destination, plus the
// orchestrator's failure records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/orchestrator"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS journal_ledger (
	sequence INTEGER PRIMARY KEY,
	entry_json TEXT NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	replayed_at INTEGER,
	created_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS journal_uploads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	object_key TEXT NOT NULL,
	body BLOB NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	sent_at INTEGER,
	created_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS failure_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL,
	step TEXT NOT NULL,
	error TEXT NOT NULL,
	at INTEGER NOT NULL
)`,
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal file at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite journal path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	j, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func New(ctx context.Context, db *sql.DB) (*Journal, error) {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply journal schema %d: %w", i+1, err)
		}
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// JournaledEntry is a ledger entry waiting to be replayed into the primary
// store.
type JournaledEntry struct {
	Entry         ledger.Entry
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

func (j *Journal) SaveLedgerEntry(ctx context.Context, entry ledger.Entry, cause string) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journaled entry: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO journal_ledger (sequence, entry_json, cause, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(sequence) DO UPDATE SET entry_json = excluded.entry_json, cause = excluded.cause, replayed_at = NULL`,
		entry.Sequence, string(raw), truncate(cause, 1000), j.now().UTC().UnixNano())
	return err
}

// PendingLedgerEntries returns unreplayed entries in sequence order. A
// non-positive limit returns all of them.
func (j *Journal) PendingLedgerEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	backlog, err := j.LedgerBacklog(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(backlog))
	for _, b := range backlog {
		out = append(out, b.Entry)
	}
	return out, nil
}

func (j *Journal) LedgerBacklog(ctx context.Context, limit int) ([]JournaledEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT entry_json, attempts, next_attempt_at, last_error
FROM journal_ledger
WHERE replayed_at IS NULL
ORDER BY sequence ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]JournaledEntry, 0)
	for rows.Next() {
		var raw string
		var next int64
		var item JournaledEntry
		if err := rows.Scan(&raw, &item.Attempts, &next, &item.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &item.Entry); err != nil {
			return nil, fmt.Errorf("decode journaled entry: %w", err)
		}
		if next > 0 {
			item.NextAttemptAt = time.Unix(0, next).UTC()
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (j *Journal) MarkLedgerEntryReplayed(ctx context.Context, sequence int64) error {
	_, err := j.db.ExecContext(ctx, `UPDATE journal_ledger SET replayed_at = ? WHERE sequence = ?`,
		j.now().UTC().UnixNano(), sequence)
	return err
}

func (j *Journal) MarkLedgerRetry(ctx context.Context, sequence int64, attempts int, next time.Time, lastError string) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE journal_ledger SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE sequence = ?`,
		attempts, next.UTC().UnixNano(), truncate(lastError, 1500), sequence)
	return err
}

type Upload struct {
	ID       int64
	Key      string
	Body     []byte
	Attempts int
}

func (j *Journal) SaveUpload(ctx context.Context, key string, body []byte, cause string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO journal_uploads (object_key, body, cause, created_at) VALUES (?, ?, ?, ?)`,
		key, body, truncate(cause, 1000), j.now().UTC().UnixNano())
	return err
}

// DueUploads returns unsent uploads whose backoff has elapsed.
func (j *Journal) DueUploads(ctx context.Context, now time.Time, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, object_key, body, attempts
FROM journal_uploads
WHERE sent_at IS NULL AND next_attempt_at <= ?
ORDER BY id ASC
LIMIT ?`, now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Upload, 0)
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.Key, &u.Body, &u.Attempts); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (j *Journal) MarkUploadSent(ctx context.Context, id int64) error {
	_, err := j.db.ExecContext(ctx, `UPDATE journal_uploads SET sent_at = ? WHERE id = ?`, j.now().UTC().UnixNano(), id)
	return err
}

func (j *Journal) MarkUploadRetry(ctx context.Context, id int64, attempts int, next time.Time, lastError string) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE journal_uploads SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, next.UTC().UnixNano(), truncate(lastError, 1500), id)
	return err
}

func (j *Journal) RecordFailure(ctx context.Context, rec orchestrator.FailureRecord) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO failure_records (transaction_id, step, error, at) VALUES (?, ?, ?, ?)`,
		rec.TransactionID, rec.Step, truncate(rec.Error, 1500), rec.At.UTC().UnixNano())
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
