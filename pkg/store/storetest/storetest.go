// Package storetest holds behaviour checks shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	t.Run("Sequence", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, newStore(t)) })
	t.Run("Funds", func(t *testing.T) { testFunds(t, newStore(t)) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore(t)) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newStore(t)) })
}

func sampleJob(id contracts.JobID, owner contracts.AccountID, status contracts.Status) *contracts.Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &contracts.Job{
		ID:          id,
		Owner:       owner,
		Name:        "job",
		Description: "desc",
		Status:      status,
		Budget:      100,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testSequence(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []contracts.JobID
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			id, err := tx.NextJobID(ctx)
			ids = append(ids, id)
			return err
		}))
	}
	assert.Equal(t, []contracts.JobID{0, 1, 2}, ids)

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		_, err := tx.NextJobID(ctx)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		id, err := tx.NextJobID(ctx)
		assert.Equal(t, contracts.JobID(3), id, "rolled back allocation must not consume an id")
		return err
	}))
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertJob(ctx, sampleJob(2, "alice", contracts.StatusOpen)))
		require.NoError(t, tx.InsertJob(ctx, sampleJob(0, "alice", contracts.StatusReopen)))
		require.NoError(t, tx.InsertJob(ctx, sampleJob(1, "bob", contracts.StatusDoing)))
		return nil
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertJob(ctx, sampleJob(1, "bob", contracts.StatusOpen))
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		j, err := tx.GetJob(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, contracts.AccountID("bob"), j.Owner)
		assert.Nil(t, j.Result)
		assert.True(t, j.CreatedAt.Equal(sampleJob(0, "", "").CreatedAt))

		_, err = tx.GetJob(ctx, 9)
		assert.ErrorIs(t, err, store.ErrNotFound)

		open, err := tx.ListJobs(ctx, contracts.StatusOpen, contracts.StatusReopen)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, contracts.JobID(0), open[0].ID)
		assert.Equal(t, contracts.JobID(2), open[1].ID)

		all, err := tx.ListJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		owned, err := tx.ListJobsByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, owned, 2)
		return nil
	}))

	result := "output"
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		j, err := tx.GetJob(ctx, 1)
		require.NoError(t, err)
		j.Status = contracts.StatusReview
		j.Result = &result
		return tx.UpdateJob(ctx, j)
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		j, err := tx.GetJob(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusReview, j.Status)
		require.NotNil(t, j.Result)
		assert.Equal(t, "output", *j.Result)
		return nil
	}))

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateJob(ctx, sampleJob(42, "x", contracts.StatusOpen))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertJob(ctx, sampleJob(0, "alice", contracts.StatusOpen)))
		require.NoError(t, tx.PutAccount(ctx, &contracts.Account{ID: "alice", Balance: 5}))
		require.NoError(t, tx.PutEscrow(ctx, 0, 100))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetJob(ctx, 0)
		assert.ErrorIs(t, err, store.ErrNotFound)
		acct, err := tx.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, acct.Balance)
		held, err := tx.GetEscrow(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, held)
		return nil
	}))
}

func testAssignments(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertJob(ctx, sampleJob(0, "alice", contracts.StatusDoing)))
		require.NoError(t, tx.InsertJob(ctx, sampleJob(1, "alice", contracts.StatusFinish)))
		require.NoError(t, tx.PutAssignment(ctx, contracts.Assignment{JobID: 0, Worker: "bob", Active: true}))
		return tx.PutAssignment(ctx, contracts.Assignment{JobID: 1, Worker: "carol", Active: false})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, contracts.AccountID("bob"), a.Worker)
		assert.True(t, a.Active)

		a, err = tx.ActiveAssignment(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, contracts.JobID(0), a.JobID)

		_, err = tx.ActiveAssignment(ctx, "carol")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteAssignment(ctx, 0)
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetAssignment(ctx, 0)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.ActiveAssignment(ctx, "bob")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testFunds(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, contracts.AccountID("nobody"), acct.ID)
		assert.Zero(t, acct.Balance)
		assert.False(t, acct.Frozen)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.PutAccount(ctx, &contracts.Account{ID: "bob", Balance: 10}))
		require.NoError(t, tx.PutAccount(ctx, &contracts.Account{ID: "alice", Balance: 20, Frozen: true}))
		require.NoError(t, tx.PutEscrow(ctx, 3, 70))
		return tx.PutAccount(ctx, &contracts.Account{ID: "bob", Balance: 15})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		accts, err := tx.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accts, 2)
		assert.Equal(t, contracts.AccountID("alice"), accts[0].ID)
		assert.True(t, accts[0].Frozen)
		assert.EqualValues(t, 15, accts[1].Balance)

		held, err := tx.GetEscrow(ctx, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 70, held)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutEscrow(ctx, 3, 0)
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		held, err := tx.GetEscrow(ctx, 3)
		require.NoError(t, err)
		assert.Zero(t, held)
		return nil
	}))
}

func testJournal(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		last, err := tx.LastEntry(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)
		return nil
	}))

	id := contracts.JobID(7)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for seq := uint64(1); seq <= 3; seq++ {
			e := &contracts.JournalEntry{
				Sequence:    seq,
				Type:        contracts.EntryFundsDeposited,
				Actor:       "alice",
				Data:        map[string]any{"amount": "5"},
				PrevHash:    "prev",
				ContentHash: "hash",
				Timestamp:   ts,
			}
			if seq == 2 {
				e.JobID = &id
			}
			require.NoError(t, tx.AppendEntry(ctx, e))
		}
		return nil
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.AppendEntry(ctx, &contracts.JournalEntry{Sequence: 3, Type: contracts.EntryJobCreated})
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		last, err := tx.LastEntry(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, uint64(3), last.Sequence)

		entries, err := tx.ListEntries(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.NotNil(t, entries[0].JobID)
		assert.Equal(t, id, *entries[0].JobID)
		assert.Equal(t, "5", entries[0].Data["amount"])
		assert.True(t, entries[0].Timestamp.Equal(ts))

		entries, err = tx.ListEntries(ctx, 0, 1)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entries, err = tx.ListEntries(ctx, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func testReadOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.InsertJob(ctx, sampleJob(0, "alice", contracts.StatusOpen))
	})
	assert.Error(t, err)
}
