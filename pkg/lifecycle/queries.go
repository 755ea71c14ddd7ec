package lifecycle

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/journal"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// GetJob returns a job with its assigned worker and escrowed amount.
func (m *Machine) GetJob(ctx context.Context, id contracts.JobID) (*contracts.JobView, error) {
	var view *contracts.JobView
	err := m.store.View(ctx, func(tx store.Tx) error {
		job, err := m.registry.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		worker, _, err := m.index.WorkerOf(ctx, tx, id)
		if err != nil {
			return err
		}
		held, err := m.escrow.Held(ctx, tx, id)
		if err != nil {
			return err
		}
		view = &contracts.JobView{Job: job, Worker: worker, Escrow: held}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return view, nil
}

// ListJobs returns jobs in the given statuses, or all jobs, ascending by id.
func (m *Machine) ListJobs(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Job, error) {
	var jobs []*contracts.Job
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = m.registry.List(ctx, tx, statuses...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// JobsByOwner returns every job created by owner.
func (m *Machine) JobsByOwner(ctx context.Context, owner contracts.AccountID) ([]*contracts.Job, error) {
	var jobs []*contracts.Job
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = m.registry.ByOwner(ctx, tx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs of %s: %w", owner, err)
	}
	return jobs, nil
}

// ActiveJob returns the job worker is engaged on, if any.
func (m *Machine) ActiveJob(ctx context.Context, worker contracts.AccountID) (contracts.JobID, bool, error) {
	var (
		id contracts.JobID
		ok bool
	)
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		id, ok, err = m.index.ActiveJob(ctx, tx, worker)
		return err
	})
	return id, ok, err
}

// Journal returns entries after sequence after, at most limit (0 for all).
func (m *Machine) Journal(ctx context.Context, after uint64, limit int) ([]*contracts.JournalEntry, error) {
	var entries []*contracts.JournalEntry
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListEntries(ctx, after, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// VerifyJournal recomputes the hash chain and audits the assignment relation
// against job states. It returns the number of journal entries verified.
func (m *Machine) VerifyJournal(ctx context.Context) (uint64, error) {
	var n uint64
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		if n, err = journal.VerifyStore(ctx, tx, 500); err != nil {
			return err
		}
		return m.index.Audit(ctx, tx, tx)
	})
	return n, err
}
