package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/policy"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
	"github.com/Mindburn-Labs/jobledger/pkg/store/memory"
	"github.com/Mindburn-Labs/jobledger/pkg/store/sqlstore"
)

const (
	owner  contracts.AccountID = "owner"
	worker contracts.AccountID = "worker"
	other  contracts.AccountID = "other"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type recorder struct {
	mu      sync.Mutex
	entries []*contracts.JournalEntry
}

func (r *recorder) Publish(_ context.Context, entries ...*contracts.JournalEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
}

func (r *recorder) types() []contracts.EntryType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.EntryType, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Type
	}
	return out
}

// eachStore runs fn against every store backend.
func eachStore(t *testing.T, fn func(t *testing.T, newMachine func(opts ...Option) *Machine)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, func(opts ...Option) *Machine {
			return New(memory.New(), append([]Option{WithClock(clock)}, opts...)...)
		})
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, func(opts ...Option) *Machine {
			s, err := sqlstore.Open(context.Background(), sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return New(s, append([]Option{WithClock(clock)}, opts...)...)
		})
	})
}

// submitted funds the owner, creates a job paying 100 and walks it to REVIEW.
func submitted(t *testing.T, m *Machine) contracts.JobID {
	t.Helper()
	ctx := context.Background()
	_, err := m.Deposit(ctx, owner, 100)
	require.NoError(t, err)
	id, err := m.Create(ctx, owner, "A", "d", 100)
	require.NoError(t, err)
	require.NoError(t, m.Obtain(ctx, worker, id))
	require.NoError(t, m.Submit(ctx, worker, id, "done"))
	return id
}

func TestMachine_ApproveScenario(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		rec := &recorder{}
		m := newMachine(WithPublisher(rec))
		ctx := context.Background()

		_, err := m.Deposit(ctx, owner, 100)
		require.NoError(t, err)

		id, err := m.Create(ctx, owner, "A", "d", 100)
		require.NoError(t, err)
		assert.Equal(t, contracts.JobID(0), id)

		view, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusOpen, view.Status)
		assert.EqualValues(t, 100, view.Escrow)
		assert.Empty(t, view.Worker)

		require.NoError(t, m.Obtain(ctx, worker, id))
		view, err = m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusDoing, view.Status)
		assert.Equal(t, worker, view.Worker)

		require.NoError(t, m.Submit(ctx, worker, id, "done"))
		view, err = m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusReview, view.Status)
		require.NotNil(t, view.Result)
		assert.Equal(t, "done", *view.Result)

		require.NoError(t, m.Approve(ctx, owner, id))
		view, err = m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusFinish, view.Status)
		assert.Zero(t, view.Escrow)
		assert.EqualValues(t, 100, view.Budget)
		assert.Equal(t, worker, view.Worker, "assignment kept as history")

		acct, err := m.Balance(ctx, worker)
		require.NoError(t, err)
		assert.EqualValues(t, 100, acct.Balance)
		acct, err = m.Balance(ctx, owner)
		require.NoError(t, err)
		assert.Zero(t, acct.Balance)

		_, busy, err := m.ActiveJob(ctx, worker)
		require.NoError(t, err)
		assert.False(t, busy)

		open, err := m.GetOpenJobs(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		n, err := m.VerifyJournal(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
		assert.Equal(t, []contracts.EntryType{
			contracts.EntryFundsDeposited,
			contracts.EntryJobCreated,
			contracts.EntryJobObtained,
			contracts.EntryJobSubmitted,
			contracts.EntryJobApproved,
		}, rec.types())
	})
}

func TestMachine_RejectScenario(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()
		id := submitted(t, m)

		require.NoError(t, m.Reject(ctx, owner, id))

		view, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusReopen, view.Status)
		assert.Empty(t, view.Worker)
		assert.Nil(t, view.Result)
		assert.EqualValues(t, 100, view.Budget)
		assert.EqualValues(t, 100, view.Escrow)

		_, busy, err := m.ActiveJob(ctx, worker)
		require.NoError(t, err)
		assert.False(t, busy)

		acct, err := m.Balance(ctx, worker)
		require.NoError(t, err)
		assert.Zero(t, acct.Balance, "reject pays nothing")

		open, err := m.GetOpenJobs(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, id, open[0].ID)
		assert.Equal(t, contracts.StatusReopen, open[0].Status)

		entries, err := m.Journal(ctx, 0, 0)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		assert.Equal(t, contracts.EntryJobRejected, last.Type)
		assert.Equal(t, "done", last.Data["rejected_result"])
	})
}

func TestMachine_ResubmissionAfterReject(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()
		id := submitted(t, m)
		require.NoError(t, m.Reject(ctx, owner, id))

		require.NoError(t, m.Obtain(ctx, worker, id))
		require.NoError(t, m.Submit(ctx, worker, id, "v2"))
		view, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, view.Result)
		assert.Equal(t, "v2", *view.Result)

		require.NoError(t, m.Reject(ctx, owner, id))
		require.NoError(t, m.Obtain(ctx, other, id))
		require.NoError(t, m.Submit(ctx, other, id, "v3"))
		require.NoError(t, m.Approve(ctx, owner, id))

		acct, err := m.Balance(ctx, other)
		require.NoError(t, err)
		assert.EqualValues(t, 100, acct.Balance)
		acct, err = m.Balance(ctx, worker)
		require.NoError(t, err)
		assert.Zero(t, acct.Balance)

		_, err = m.VerifyJournal(ctx)
		require.NoError(t, err)
	})
}

func TestMachine_ObtainNotAssignable(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()

		// DOING
		doing, err := m.Create(ctx, owner, "doing", "", 0)
		require.NoError(t, err)
		require.NoError(t, m.Obtain(ctx, worker, doing))
		// REVIEW
		review, err := m.Create(ctx, owner, "review", "", 0)
		require.NoError(t, err)
		require.NoError(t, m.Obtain(ctx, other, review))
		require.NoError(t, m.Submit(ctx, other, review, "r"))
		// FINISH
		finished, err := m.Create(ctx, owner, "finish", "", 0)
		require.NoError(t, err)
		require.NoError(t, m.Obtain(ctx, "third", finished))
		require.NoError(t, m.Submit(ctx, "third", finished, "r"))
		require.NoError(t, m.Approve(ctx, owner, finished))

		for _, id := range []contracts.JobID{doing, review, finished} {
			err := m.Obtain(ctx, "fresh", id)
			assert.ErrorIs(t, err, contracts.ErrNotAssignable, "job %d", id)
			assert.ErrorIs(t, err, contracts.ErrInvalidTransition, "job %d", id)
		}

		err = m.Obtain(ctx, "fresh", 99)
		assert.ErrorIs(t, err, contracts.ErrJobNotFound)
	})
}

func TestMachine_WorkerBusy(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()
		id := submitted(t, m)

		second, err := m.Create(ctx, owner, "B", "", 0)
		require.NoError(t, err)
		assert.ErrorIs(t, m.Obtain(ctx, worker, second), contracts.ErrWorkerBusy)

		view, err := m.GetJob(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusOpen, view.Status, "failed obtain leaves job untouched")

		require.NoError(t, m.Reject(ctx, owner, id))
		require.NoError(t, m.Obtain(ctx, worker, second), "rejected worker is free again")
	})
}

func TestMachine_CheckOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()

		open, err := m.Create(ctx, owner, "open", "", 0)
		require.NoError(t, err)

		// authorization is checked before state
		assert.ErrorIs(t, m.Submit(ctx, worker, open, "x"), contracts.ErrNotAssignedWorker)
		assert.ErrorIs(t, m.Approve(ctx, other, open), contracts.ErrNotOwner)
		assert.ErrorIs(t, m.Reject(ctx, other, open), contracts.ErrNotOwner)

		// owner but wrong state
		assert.ErrorIs(t, m.Approve(ctx, owner, open), contracts.ErrInvalidTransition)
		assert.ErrorIs(t, m.Reject(ctx, owner, open), contracts.ErrInvalidTransition)

		require.NoError(t, m.Obtain(ctx, worker, open))
		assert.ErrorIs(t, m.Submit(ctx, other, open, "x"), contracts.ErrNotAssignedWorker)
		assert.ErrorIs(t, m.Approve(ctx, owner, open), contracts.ErrInvalidTransition)

		require.NoError(t, m.Submit(ctx, worker, open, "x"))
		assert.ErrorIs(t, m.Submit(ctx, worker, open, "y"), contracts.ErrInvalidTransition)

		require.NoError(t, m.Approve(ctx, owner, open))
		// terminal is checked before authorization
		for _, err := range []error{
			m.Approve(ctx, other, open),
			m.Reject(ctx, other, open),
			m.Submit(ctx, other, open, "z"),
			m.Approve(ctx, owner, open),
			m.Reject(ctx, owner, open),
			m.Submit(ctx, worker, open, "z"),
		} {
			assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
			assert.NotErrorIs(t, err, contracts.ErrNotOwner)
			assert.NotErrorIs(t, err, contracts.ErrNotAssignedWorker)
		}

		for _, err := range []error{
			m.Submit(ctx, worker, 42, "x"),
			m.Approve(ctx, owner, 42),
			m.Reject(ctx, owner, 42),
		} {
			assert.ErrorIs(t, err, contracts.ErrJobNotFound)
		}
		_, err = m.GetJob(ctx, 42)
		assert.ErrorIs(t, err, contracts.ErrJobNotFound)
	})
}

func TestMachine_CreateFunding(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()

		_, err := m.Create(ctx, owner, "A", "", 1)
		assert.ErrorIs(t, err, contracts.ErrInsufficientFunds)

		_, err = m.Create(ctx, owner, "A", "", -1)
		assert.ErrorIs(t, err, contracts.ErrInvalidAmount)

		_, err = m.Create(ctx, "", "A", "", 0)
		assert.ErrorIs(t, err, contracts.ErrInvalidAccount)

		id, err := m.Create(ctx, owner, "unpaid", "", 0)
		require.NoError(t, err)
		assert.Equal(t, contracts.JobID(0), id, "failed creates do not consume ids")

		_, err = m.Deposit(ctx, owner, 50)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err = m.Create(ctx, owner, "paid", "", 25)
			require.NoError(t, err)
		}
		mine, err := m.JobsByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, mine, 3, "owners may hold many jobs")

		acct, err := m.Balance(ctx, owner)
		require.NoError(t, err)
		assert.Zero(t, acct.Balance)

		all, err := m.ListJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestMachine_ApproveFrozenWorkerKeepsReview(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()
		id := submitted(t, m)

		_, err := m.Freeze(ctx, "admin", worker)
		require.NoError(t, err)

		err = m.Approve(ctx, owner, id)
		assert.ErrorIs(t, err, contracts.ErrEscrowTransferFailed)

		view, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusReview, view.Status)
		assert.EqualValues(t, 100, view.Escrow)
		assert.Equal(t, worker, view.Worker)

		_, err = m.Unfreeze(ctx, "admin", worker)
		require.NoError(t, err)
		require.NoError(t, m.Approve(ctx, owner, id))

		acct, err := m.Balance(ctx, worker)
		require.NoError(t, err)
		assert.EqualValues(t, 100, acct.Balance)
	})
}

func TestMachine_Treasury(t *testing.T) {
	eachStore(t, func(t *testing.T, newMachine func(opts ...Option) *Machine) {
		m := newMachine()
		ctx := context.Background()

		acct, err := m.Deposit(ctx, owner, 40)
		require.NoError(t, err)
		assert.EqualValues(t, 40, acct.Balance)

		_, err = m.Withdraw(ctx, owner, 41)
		assert.ErrorIs(t, err, contracts.ErrInsufficientFunds)

		acct, err = m.Withdraw(ctx, owner, 15)
		require.NoError(t, err)
		assert.EqualValues(t, 25, acct.Balance)

		_, err = m.Freeze(ctx, "admin", owner)
		require.NoError(t, err)
		_, err = m.Deposit(ctx, owner, 1)
		assert.ErrorIs(t, err, contracts.ErrAccountFrozen)
		_, err = m.Create(ctx, owner, "A", "", 5)
		assert.ErrorIs(t, err, contracts.ErrAccountFrozen)
	})
}

func TestMachine_Admission(t *testing.T) {
	adm, err := policy.NewAdmission([]policy.Rule{
		{Name: "budget-cap", Expr: `job.budget <= 50`},
		{Name: "one-live-job", Expr: `owner.jobs < 1`},
	})
	require.NoError(t, err)

	m := New(memory.New(), WithClock(clock), WithAdmission(adm))
	ctx := context.Background()
	_, err = m.Deposit(ctx, owner, 100)
	require.NoError(t, err)

	_, err = m.Create(ctx, owner, "big", "", 60)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)

	id, err := m.Create(ctx, owner, "small", "", 50)
	require.NoError(t, err)

	_, err = m.Create(ctx, owner, "second", "", 10)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)

	require.NoError(t, m.Obtain(ctx, worker, id))
	require.NoError(t, m.Submit(ctx, worker, id, "ok"))
	require.NoError(t, m.Approve(ctx, owner, id))

	_, err = m.Create(ctx, owner, "second", "", 10)
	assert.NoError(t, err, "finished jobs do not count")
}

func TestMachine_SubmitValidatesResult(t *testing.T) {
	m := New(memory.New(), WithClock(clock), WithLimits(registryLimits(3)))
	ctx := context.Background()
	id, err := m.Create(ctx, owner, "A", "", 0)
	require.NoError(t, err)
	require.NoError(t, m.Obtain(ctx, worker, id))
	assert.ErrorIs(t, m.Submit(ctx, worker, id, "toolong"), contracts.ErrInvalidJob)

	view, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDoing, view.Status)
}

func TestMachine_ConcurrentObtainHasOneWinner(t *testing.T) {
	m := New(memory.New(), WithClock(clock))
	ctx := context.Background()
	id, err := m.Create(ctx, owner, "A", "", 0)
	require.NoError(t, err)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Obtain(ctx, contracts.AccountID(fmt.Sprintf("w%d", i)), id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestNext(t *testing.T) {
	cases := []struct {
		action Action
		from   contracts.Status
		to     contracts.Status
	}{
		{ActionObtain, contracts.StatusOpen, contracts.StatusDoing},
		{ActionObtain, contracts.StatusReopen, contracts.StatusDoing},
		{ActionSubmit, contracts.StatusDoing, contracts.StatusReview},
		{ActionApprove, contracts.StatusReview, contracts.StatusFinish},
		{ActionReject, contracts.StatusReview, contracts.StatusReopen},
	}
	for _, tc := range cases {
		to, err := Next(tc.action, tc.from)
		require.NoError(t, err)
		assert.Equal(t, tc.to, to)
	}

	for _, a := range []Action{ActionObtain, ActionSubmit, ActionApprove, ActionReject} {
		_, err := Next(a, contracts.StatusFinish)
		assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
	}
	_, err := Next("cancel", contracts.StatusOpen)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestMachine_ConservationAfterScenario(t *testing.T) {
	m := New(memory.New(), WithClock(clock))
	ctx := context.Background()
	id := submitted(t, m)
	require.NoError(t, m.Approve(ctx, owner, id))
	total := totalFunds(t, m)
	assert.EqualValues(t, 100, total)
}

func totalFunds(t *testing.T, m *Machine) finance.Amount {
	t.Helper()
	ctx := context.Background()
	var total finance.Amount
	require.NoError(t, m.store.View(ctx, func(tx store.Tx) error {
		accts, err := tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accts {
			if total, err = total.Add(a.Balance); err != nil {
				return err
			}
		}
		jobs, err := tx.ListJobs(ctx)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			held, err := tx.GetEscrow(ctx, j.ID)
			if err != nil {
				return err
			}
			if total, err = total.Add(held); err != nil {
				return err
			}
		}
		return nil
	}))
	return total
}
