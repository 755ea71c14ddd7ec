package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
	"github.com/Mindburn-Labs/jobledger/pkg/store/memory"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newRegistry() *Registry {
	return New(Limits{MaxName: 10, MaxDescription: 20, MaxResult: 5}).WithClock(func() time.Time { return t0 })
}

func TestRegistry_CreateAllocatesSequentialIDs(t *testing.T) {
	r := newRegistry()
	s := memory.New()
	ctx := context.Background()

	for want := contracts.JobID(0); want < 3; want++ {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			job, err := r.Create(ctx, tx, "alice", "A", "d", 100)
			require.NoError(t, err)
			assert.Equal(t, want, job.ID)
			assert.Equal(t, contracts.StatusOpen, job.Status)
			assert.EqualValues(t, 100, job.Budget)
			assert.Nil(t, job.Result)
			assert.Equal(t, t0, job.CreatedAt)
			return nil
		}))
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := newRegistry()
	s := memory.New()
	ctx := context.Background()

	cases := []struct {
		name, desc string
		payment    int64
		want       error
	}{
		{"ok", "", -1, contracts.ErrInvalidAmount},
		{strings.Repeat("n", 11), "", 0, contracts.ErrInvalidJob},
		{"ok", strings.Repeat("d", 21), 0, contracts.ErrInvalidJob},
		{"bad\xff", "", 0, contracts.ErrInvalidJob},
	}
	for _, tc := range cases {
		err := s.Update(ctx, func(tx store.Tx) error {
			_, err := r.Create(ctx, tx, "alice", tc.name, tc.desc, finance.Amount(tc.payment))
			return err
		})
		assert.ErrorIs(t, err, tc.want)
	}

	// failed creates do not consume ids
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		job, err := r.Create(ctx, tx, "alice", "", "", 0)
		require.NoError(t, err)
		assert.Equal(t, contracts.JobID(0), job.ID)
		return nil
	}))
}

func TestRegistry_NormalizesToNFC(t *testing.T) {
	r := newRegistry()
	s := memory.New()
	ctx := context.Background()

	decomposed := "cafe\u0301"
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		job, err := r.Create(ctx, tx, "alice", decomposed, "", 0)
		require.NoError(t, err)
		assert.Equal(t, "caf\u00e9", job.Name)
		return nil
	}))

	_, err := r.NormalizeResult("too long")
	assert.ErrorIs(t, err, contracts.ErrInvalidJob)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := newRegistry()
	s := memory.New()
	ctx := context.Background()
	err := s.View(ctx, func(tx store.Tx) error {
		_, err := r.Get(ctx, tx, 5)
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrJobNotFound)
}

func TestRegistry_OpenIncludesReopen(t *testing.T) {
	r := newRegistry()
	s := memory.New()
	ctx := context.Background()

	statuses := []contracts.Status{contracts.StatusOpen, contracts.StatusDoing, contracts.StatusReopen, contracts.StatusFinish, contracts.StatusReview}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, st := range statuses {
			job, err := r.Create(ctx, tx, "alice", "A", "", 0)
			require.NoError(t, err)
			job.Status = st
			require.NoError(t, r.Save(ctx, tx, job))
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		open, err := r.Open(ctx, tx)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, contracts.JobID(0), open[0].ID)
		assert.Equal(t, contracts.JobID(2), open[1].ID)

		doing, err := r.List(ctx, tx, contracts.StatusDoing)
		require.NoError(t, err)
		require.Len(t, doing, 1)
		assert.Equal(t, contracts.JobID(1), doing[0].ID)

		_, err = r.List(ctx, tx, "BOGUS")
		assert.ErrorIs(t, err, contracts.ErrInvalidJob)

		mine, err := r.ByOwner(ctx, tx, "alice")
		require.NoError(t, err)
		assert.Len(t, mine, len(statuses))
		return nil
	}))
}
