// Package assignment maintains the single job to worker relation from which
// both "assigned worker of a job" and "active job of a worker" are derived.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// ErrInconsistent is returned by Audit when the relation disagrees with job states.
var ErrInconsistent = errors.New("assignment: index inconsistent with job states")

// Index reads and writes assignments through a store.AssignmentStore.
type Index struct{}

// New creates an Index.
func New() *Index { return &Index{} }

// WorkerOf returns the worker bound to a job, active or retired.
func (ix *Index) WorkerOf(ctx context.Context, as store.AssignmentStore, id contracts.JobID) (contracts.AccountID, bool, error) {
	a, err := as.GetAssignment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.Worker, true, nil
}

// ActiveJob returns the job a worker is currently engaged on.
func (ix *Index) ActiveJob(ctx context.Context, as store.AssignmentStore, worker contracts.AccountID) (contracts.JobID, bool, error) {
	a, err := as.ActiveAssignment(ctx, worker)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return a.JobID, true, nil
}

// Bind makes worker the active assignee of job id.
// It fails with ErrWorkerBusy if the worker already holds an active job and
// with ErrNotAssignable if the job already has an assignee.
func (ix *Index) Bind(ctx context.Context, as store.AssignmentStore, id contracts.JobID, worker contracts.AccountID) error {
	if current, ok, err := ix.WorkerOf(ctx, as, id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("job %d held by %s: %w", id, current, contracts.ErrNotAssignable)
	}
	if active, ok, err := ix.ActiveJob(ctx, as, worker); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%s is on job %d: %w", worker, active, contracts.ErrWorkerBusy)
	}
	return as.PutAssignment(ctx, contracts.Assignment{JobID: id, Worker: worker, Active: true})
}

// Release removes the assignment so the job can be obtained again and the
// worker can take other work.
func (ix *Index) Release(ctx context.Context, as store.AssignmentStore, id contracts.JobID) error {
	return as.DeleteAssignment(ctx, id)
}

// Retire keeps the assignment as history but frees the worker.
func (ix *Index) Retire(ctx context.Context, as store.AssignmentStore, id contracts.JobID) error {
	a, err := as.GetAssignment(ctx, id)
	if err != nil {
		return fmt.Errorf("retire job %d: %w", id, err)
	}
	a.Active = false
	return as.PutAssignment(ctx, *a)
}

// Audit checks every job against the relation: an active row exists exactly
// while a job is DOING or REVIEW, FINISH jobs keep a retired row, and
// OPEN/REOPEN jobs have none.
func (ix *Index) Audit(ctx context.Context, js store.JobStore, as store.AssignmentStore) error {
	jobs, err := js.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		a, err := as.GetAssignment(ctx, job.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		has := err == nil
		switch {
		case job.Status.Engaged():
			if !has || !a.Active {
				return fmt.Errorf("%w: job %d is %s without an active worker", ErrInconsistent, job.ID, job.Status)
			}
			back, ok, err := ix.ActiveJob(ctx, as, a.Worker)
			if err != nil {
				return err
			}
			if !ok || back != job.ID {
				return fmt.Errorf("%w: worker %s does not point back to job %d", ErrInconsistent, a.Worker, job.ID)
			}
		case job.Status.Assignable():
			if has {
				return fmt.Errorf("%w: job %d is %s but assigned to %s", ErrInconsistent, job.ID, job.Status, a.Worker)
			}
		case job.Status == contracts.StatusFinish:
			if has && a.Active {
				return fmt.Errorf("%w: finished job %d still active for %s", ErrInconsistent, job.ID, a.Worker)
			}
		}
	}
	return nil
}
