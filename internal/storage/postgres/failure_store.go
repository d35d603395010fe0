package postgres

import (
	"context"

	"github.com/judgeledger/judgeledger/internal/orchestrator"
)

func (s *Store) RecordFailure(ctx context.Context, rec orchestrator.FailureRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO failure_records (transaction_id, step, error, at) VALUES ($1,$2,$3,$4)
`, rec.TransactionID, rec.Step, rec.Error, rec.At.UTC())
	return err
}

// UnresolvedFailures lists failure records awaiting manual reconciliation,
// oldest first.
func (s *Store) UnresolvedFailures(ctx context.Context, limit int) ([]orchestrator.FailureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT transaction_id, step, error, at
FROM failure_records
WHERE resolved_at IS NULL
ORDER BY at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]orchestrator.FailureRecord, 0)
	for rows.Next() {
		var rec orchestrator.FailureRecord
		if err := rows.Scan(&rec.TransactionID, &rec.Step, &rec.Error, &rec.At); err != nil {
			return nil, err
		}
		rec.At = rec.At.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
