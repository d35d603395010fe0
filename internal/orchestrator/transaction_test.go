package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionRunsStepsInOrder(t *testing.T) {
	var order []string
	tx := NewTransaction("tx", nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		tx.AddStep(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	results, err := tx.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Len(t, results, 3)
	require.Equal(t, StateCommitted, tx.State())
}

func TestTransactionFailFast(t *testing.T) {
	failures := &MemoryFailureLog{}
	boom := errors.New("boom")
	ran := false
	tx := NewTransaction("tx-9", failures, nil)
	tx.AddStep("first", func(context.Context) error { return nil })
	tx.AddStep("second", func(context.Context) error { return boom })
	tx.AddStep("third", func(context.Context) error { ran = true; return nil })

	results, err := tx.Commit(context.Background())
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "second", txErr.Step)
	require.Equal(t, 1, txErr.Index)
	require.Equal(t, "tx-9", txErr.TransactionID)
	require.False(t, ran)
	require.Equal(t, StepSkipped, results[2].Status)
	require.Equal(t, StateFailed, tx.State())

	recs := failures.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "second", recs[0].Step)
	require.Equal(t, "boom", recs[0].Error)
	require.False(t, recs[0].At.IsZero())
}

func TestTransactionContinueOnFailure(t *testing.T) {
	tx := NewTransaction("tx", &MemoryFailureLog{}, nil)
	tx.AddStep("soft", func(context.Context) error { return errors.New("meh") }, ContinueOnFailure())
	tx.AddStep("after", func(context.Context) error { return nil })
	results, err := tx.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, StepFailed, results[0].Status)
	require.Equal(t, StepSucceeded, results[1].Status)
	require.Equal(t, StateCommittedWithFailures, tx.State())
}

func TestTransactionRecoversPanics(t *testing.T) {
	tx := NewTransaction("tx", nil, nil)
	tx.AddStep("explode", func(context.Context) error { panic("nil map") })
	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "step panicked")
}

func TestTransactionCommitOnce(t *testing.T) {
	tx := NewTransaction("tx", nil, nil)
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
	_, err = tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrAlreadyCommitted)
}
