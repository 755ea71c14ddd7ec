// Package registry owns job records: allocation of ids, validation of the
// text fields and the read paths over stored jobs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// Limits bounds the size of caller-supplied text, in runes after NFC normalization.
type Limits struct {
	MaxName        int `yaml:"max_name"`
	MaxDescription int `yaml:"max_description"`
	MaxResult      int `yaml:"max_result"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxName: 200, MaxDescription: 10000, MaxResult: 100000}
}

// Registry creates and reads jobs through a store.JobStore.
type Registry struct {
	limits Limits
	clock  func() time.Time
}

// New creates a Registry.
func New(limits Limits) *Registry {
	return &Registry{limits: limits, clock: time.Now}
}

// WithClock overrides clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Create allocates the next id and stores an OPEN job owned by owner.
// Funds are not touched here.
func (r *Registry) Create(ctx context.Context, js store.JobStore, owner contracts.AccountID, name, description string, payment finance.Amount) (*contracts.Job, error) {
	if err := payment.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidAmount, err)
	}
	name, err := normalize("name", name, r.limits.MaxName)
	if err != nil {
		return nil, err
	}
	description, err = normalize("description", description, r.limits.MaxDescription)
	if err != nil {
		return nil, err
	}

	id, err := js.NextJobID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}
	now := r.clock().UTC()
	job := &contracts.Job{
		ID:          id,
		Owner:       owner,
		Name:        name,
		Description: description,
		Status:      contracts.StatusOpen,
		Budget:      payment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := js.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job %d: %w", id, err)
	}
	return job, nil
}

// NormalizeResult validates a submitted result.
func (r *Registry) NormalizeResult(result string) (string, error) {
	return normalize("result", result, r.limits.MaxResult)
}

func normalize(field, s string, max int) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", contracts.ErrInvalidJob, field)
	}
	s = norm.NFC.String(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		return "", fmt.Errorf("%w: %s exceeds %d characters", contracts.ErrInvalidJob, field, max)
	}
	return s, nil
}

// Get loads a job, mapping a missing record to contracts.ErrJobNotFound.
func (r *Registry) Get(ctx context.Context, js store.JobStore, id contracts.JobID) (*contracts.Job, error) {
	job, err := js.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("job %d: %w", id, contracts.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Save persists a mutated job and stamps UpdatedAt.
func (r *Registry) Save(ctx context.Context, js store.JobStore, job *contracts.Job) error {
	job.UpdatedAt = r.clock().UTC()
	if err := js.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("save job %d: %w", job.ID, err)
	}
	return nil
}

// Open lists every job a worker may obtain (OPEN or REOPEN), ascending by id.
func (r *Registry) Open(ctx context.Context, js store.JobStore) ([]*contracts.Job, error) {
	return js.ListJobs(ctx, contracts.StatusOpen, contracts.StatusReopen)
}

// List returns jobs in exactly the given statuses, or all jobs when none are given.
func (r *Registry) List(ctx context.Context, js store.JobStore, statuses ...contracts.Status) ([]*contracts.Job, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", contracts.ErrInvalidJob, s)
		}
	}
	return js.ListJobs(ctx, statuses...)
}

// ByOwner returns the jobs created by owner.
func (r *Registry) ByOwner(ctx context.Context, js store.JobStore, owner contracts.AccountID) ([]*contracts.Job, error) {
	return js.ListJobsByOwner(ctx, owner)
}
