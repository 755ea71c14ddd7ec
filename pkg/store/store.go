// Package store defines the persistence boundary for the job ledger.
//
// Every state change runs inside Store.Update. The callback receives a Tx that
// sees its own writes; returning an error discards all of them.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
)

var (
	// ErrNotFound is returned by lookups of absent records.
	ErrNotFound = errors.New("store: not found")
	// ErrReadOnly is returned by writes attempted inside View.
	ErrReadOnly = errors.New("store: read-only transaction")
	// ErrConflict is returned when an insert collides with an existing record.
	ErrConflict = errors.New("store: conflict")
)

// JobStore persists job records and the job id sequence.
type JobStore interface {
	// NextJobID returns the id for a new job and advances the sequence.
	NextJobID(ctx context.Context) (contracts.JobID, error)
	InsertJob(ctx context.Context, job *contracts.Job) error
	GetJob(ctx context.Context, id contracts.JobID) (*contracts.Job, error)
	UpdateJob(ctx context.Context, job *contracts.Job) error
	// ListJobs returns jobs in ascending id order. No statuses means all jobs.
	ListJobs(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Job, error)
	ListJobsByOwner(ctx context.Context, owner contracts.AccountID) ([]*contracts.Job, error)
}

// AssignmentStore persists the job to worker relation.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, id contracts.JobID) (*contracts.Assignment, error)
	// ActiveAssignment returns the active assignment held by worker.
	ActiveAssignment(ctx context.Context, worker contracts.AccountID) (*contracts.Assignment, error)
	PutAssignment(ctx context.Context, a contracts.Assignment) error
	DeleteAssignment(ctx context.Context, id contracts.JobID) error
}

// FundStore persists account balances and per-job escrow holdings.
type FundStore interface {
	// GetAccount returns a zero-balance account when none has been stored.
	GetAccount(ctx context.Context, id contracts.AccountID) (*contracts.Account, error)
	PutAccount(ctx context.Context, acct *contracts.Account) error
	ListAccounts(ctx context.Context) ([]*contracts.Account, error)
	// GetEscrow returns zero for a job with no holding.
	GetEscrow(ctx context.Context, id contracts.JobID) (finance.Amount, error)
	PutEscrow(ctx context.Context, id contracts.JobID, amount finance.Amount) error
}

// JournalStore persists the hash-chained journal.
type JournalStore interface {
	// LastEntry returns nil when the journal is empty.
	LastEntry(ctx context.Context) (*contracts.JournalEntry, error)
	AppendEntry(ctx context.Context, entry *contracts.JournalEntry) error
	// ListEntries returns entries with sequence > after, ascending. limit <= 0 means no limit.
	ListEntries(ctx context.Context, after uint64, limit int) ([]*contracts.JournalEntry, error)
}

// Tx is a transactional view over all record kinds.
type Tx interface {
	JobStore
	AssignmentStore
	FundStore
	JournalStore
}

// Store runs transactions.
type Store interface {
	// Update runs fn in a read-write transaction, committing when fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
