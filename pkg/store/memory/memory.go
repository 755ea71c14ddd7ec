// Package memory provides an in-process Store. Transactions run against a
// private copy of the state which replaces the live state on commit.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

type state struct {
	nextID      contracts.JobID
	jobs        map[contracts.JobID]*contracts.Job
	assignments map[contracts.JobID]contracts.Assignment
	accounts    map[contracts.AccountID]*contracts.Account
	escrow      map[contracts.JobID]finance.Amount
	journal     []*contracts.JournalEntry
}

func newState() *state {
	return &state{
		jobs:        make(map[contracts.JobID]*contracts.Job),
		assignments: make(map[contracts.JobID]contracts.Assignment),
		accounts:    make(map[contracts.AccountID]*contracts.Account),
		escrow:      make(map[contracts.JobID]finance.Amount),
	}
}

// clone copies the maps. Stored records are never mutated in place, so the
// pointers can be shared. The journal slice is capped so appends reallocate.
func (s *state) clone() *state {
	c := &state{
		nextID:      s.nextID,
		jobs:        make(map[contracts.JobID]*contracts.Job, len(s.jobs)),
		assignments: make(map[contracts.JobID]contracts.Assignment, len(s.assignments)),
		accounts:    make(map[contracts.AccountID]*contracts.Account, len(s.accounts)),
		escrow:      make(map[contracts.JobID]finance.Amount, len(s.escrow)),
		journal:     s.journal[:len(s.journal):len(s.journal)],
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.escrow {
		c.escrow[k] = v
	}
	return c
}

// Store is an in-memory store.Store.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{st: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.state, readOnly: true})
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

type tx struct {
	st       *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (t *tx) NextJobID(_ context.Context) (contracts.JobID, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	id := t.st.nextID
	t.st.nextID++
	return id, nil
}

func (t *tx) InsertJob(_ context.Context, job *contracts.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.jobs[job.ID]; ok {
		return store.ErrConflict
	}
	t.st.jobs[job.ID] = job.Clone()
	return nil
}

func (t *tx) GetJob(_ context.Context, id contracts.JobID) (*contracts.Job, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (t *tx) UpdateJob(_ context.Context, job *contracts.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.jobs[job.ID] = job.Clone()
	return nil
}

func (t *tx) ListJobs(_ context.Context, statuses ...contracts.Status) ([]*contracts.Job, error) {
	return t.collect(func(j *contracts.Job) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (t *tx) ListJobsByOwner(_ context.Context, owner contracts.AccountID) ([]*contracts.Job, error) {
	return t.collect(func(j *contracts.Job) bool { return j.Owner == owner }), nil
}

func (t *tx) collect(match func(*contracts.Job) bool) []*contracts.Job {
	out := make([]*contracts.Job, 0)
	for _, j := range t.st.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *tx) GetAssignment(_ context.Context, id contracts.JobID) (*contracts.Assignment, error) {
	a, ok := t.st.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) ActiveAssignment(_ context.Context, worker contracts.AccountID) (*contracts.Assignment, error) {
	for _, a := range t.st.assignments {
		if a.Active && a.Worker == worker {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) PutAssignment(_ context.Context, a contracts.Assignment) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.assignments[a.JobID] = a
	return nil
}

func (t *tx) DeleteAssignment(_ context.Context, id contracts.JobID) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.assignments, id)
	return nil
}

func (t *tx) GetAccount(_ context.Context, id contracts.AccountID) (*contracts.Account, error) {
	if a, ok := t.st.accounts[id]; ok {
		c := *a
		return &c, nil
	}
	return &contracts.Account{ID: id}, nil
}

func (t *tx) PutAccount(_ context.Context, acct *contracts.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *acct
	t.st.accounts[acct.ID] = &c
	return nil
}

func (t *tx) ListAccounts(_ context.Context) ([]*contracts.Account, error) {
	out := make([]*contracts.Account, 0, len(t.st.accounts))
	for _, a := range t.st.accounts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) GetEscrow(_ context.Context, id contracts.JobID) (finance.Amount, error) {
	return t.st.escrow[id], nil
}

func (t *tx) PutEscrow(_ context.Context, id contracts.JobID, amount finance.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	if amount == 0 {
		delete(t.st.escrow, id)
		return nil
	}
	t.st.escrow[id] = amount
	return nil
}

func (t *tx) LastEntry(_ context.Context) (*contracts.JournalEntry, error) {
	if n := len(t.st.journal); n > 0 {
		return t.st.journal[n-1], nil
	}
	return nil, nil
}

func (t *tx) AppendEntry(_ context.Context, entry *contracts.JournalEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if entry.Sequence != uint64(len(t.st.journal))+1 {
		return store.ErrConflict
	}
	t.st.journal = append(t.st.journal, entry)
	return nil
}

func (t *tx) ListEntries(_ context.Context, after uint64, limit int) ([]*contracts.JournalEntry, error) {
	if after >= uint64(len(t.st.journal)) {
		return []*contracts.JournalEntry{}, nil
	}
	entries := t.st.journal[after:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*contracts.JournalEntry, len(entries))
	copy(out, entries)
	return out, nil
}
