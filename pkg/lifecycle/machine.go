// Package lifecycle is the job state machine. Every action loads the job and
// its assignment, checks the caller and the current status, applies the
// registry, assignment and escrow effects and appends a journal entry, all in
// one store transaction.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/jobledger/pkg/assignment"
	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/escrow"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/journal"
	"github.com/Mindburn-Labs/jobledger/pkg/observability"
	"github.com/Mindburn-Labs/jobledger/pkg/policy"
	"github.com/Mindburn-Labs/jobledger/pkg/registry"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// Publisher receives journal entries after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, entries ...*contracts.JournalEntry)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithLimits sets text field limits.
func WithLimits(l registry.Limits) Option {
	return func(m *Machine) { m.limits = l }
}

// WithAdmission installs admission rules evaluated on Create.
func WithAdmission(a *policy.Admission) Option {
	return func(m *Machine) { m.admission = a }
}

// WithObservability records spans and metrics for every action.
func WithObservability(p *observability.Provider) Option {
	return func(m *Machine) { m.obs = p }
}

// WithPublisher forwards committed journal entries.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// Machine executes lifecycle and treasury actions against a store.Store.
type Machine struct {
	store     store.Store
	registry  *registry.Registry
	index     *assignment.Index
	escrow    *escrow.Ledger
	journal   *journal.Journal
	admission *policy.Admission
	obs       *observability.Provider
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
	limits    registry.Limits
}

// New creates a Machine.
func New(s store.Store, opts ...Option) *Machine {
	m := &Machine{
		store:  s,
		index:  assignment.New(),
		logger: slog.Default().With("component", "lifecycle"),
		clock:  time.Now,
		limits: registry.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = registry.New(m.limits).WithClock(m.clock)
	m.escrow = escrow.New().WithClock(m.clock)
	m.journal = journal.New().WithClock(m.clock)
	return m
}

func (m *Machine) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if m.obs == nil {
		return ctx, func(error) {}
	}
	return m.obs.TrackOperation(ctx, "jobledger."+op, attrs...)
}

func jobAttr(id contracts.JobID) attribute.KeyValue {
	return attribute.String("job.id", id.String())
}

func (m *Machine) committed(ctx context.Context, from, to contracts.Status, entries ...*contracts.JournalEntry) {
	if m.obs != nil && from != to {
		m.obs.RecordTransition(ctx, string(from), string(to))
	}
	if m.publisher != nil && len(entries) > 0 {
		m.publisher.Publish(ctx, entries...)
	}
}

func checkCaller(caller contracts.AccountID) error {
	if caller == "" {
		return fmt.Errorf("%w: empty caller", contracts.ErrInvalidAccount)
	}
	return nil
}

func (m *Machine) append(ctx context.Context, tx store.Tx, typ contracts.EntryType, id *contracts.JobID, actor contracts.AccountID, data map[string]any) (*contracts.JournalEntry, error) {
	return m.journal.Append(ctx, tx, typ, id, actor, data)
}

// Create stores a new OPEN job owned by caller and moves payment from the
// caller's account into escrow under the new id.
func (m *Machine) Create(ctx context.Context, caller contracts.AccountID, name, description string, payment finance.Amount) (id contracts.JobID, err error) {
	ctx, done := m.track(ctx, "create", attribute.String("job.owner", string(caller)))
	defer func() { done(err) }()

	if err := checkCaller(caller); err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	var entry *contracts.JournalEntry
	err = m.store.Update(ctx, func(tx store.Tx) error {
		if m.admission.Len() > 0 {
			if err := m.admit(ctx, tx, caller, name, description, payment); err != nil {
				return err
			}
		}
		job, err := m.registry.Create(ctx, tx, caller, name, description, payment)
		if err != nil {
			return err
		}
		if err := m.escrow.Hold(ctx, tx, job.ID, caller, payment); err != nil {
			return err
		}
		id = job.ID
		entry, err = m.append(ctx, tx, contracts.EntryJobCreated, &job.ID, caller, map[string]any{
			"name":   job.Name,
			"budget": payment.String(),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	if m.obs != nil {
		m.obs.RecordEscrow(ctx, "hold", int64(payment))
	}
	m.committed(ctx, "", contracts.StatusOpen, entry)
	m.logger.InfoContext(ctx, "job created", "job_id", id, "owner", caller, "budget", payment)
	return id, nil
}

func (m *Machine) admit(ctx context.Context, tx store.Tx, caller contracts.AccountID, name, description string, payment finance.Amount) error {
	acct, err := m.escrow.Balance(ctx, tx, caller)
	if err != nil {
		return err
	}
	owned, err := m.registry.ByOwner(ctx, tx, caller)
	if err != nil {
		return err
	}
	live := 0
	for _, j := range owned {
		if !j.Status.Terminal() {
			live++
		}
	}
	return m.admission.Admit(ctx, policy.Request{
		Owner:       caller,
		Name:        name,
		Description: description,
		Budget:      int64(payment),
		Balance:     int64(acct.Balance),
		OwnedJobs:   live,
	})
}

// GetOpenJobs returns every job a worker may obtain, ascending by id.
func (m *Machine) GetOpenJobs(ctx context.Context) ([]*contracts.Job, error) {
	var jobs []*contracts.Job
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = m.registry.Open(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	return jobs, nil
}

// Obtain assigns an OPEN or REOPEN job to caller.
func (m *Machine) Obtain(ctx context.Context, caller contracts.AccountID, id contracts.JobID) (err error) {
	ctx, done := m.track(ctx, "obtain", jobAttr(id))
	defer func() { done(err) }()

	if err := checkCaller(caller); err != nil {
		return fmt.Errorf("obtain job %d: %w", id, err)
	}

	var (
		entry *contracts.JournalEntry
		from  contracts.Status
	)
	err = m.store.Update(ctx, func(tx store.Tx) error {
		job, err := m.registry.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		from = job.Status
		next, err := Next(ActionObtain, job.Status)
		if err != nil {
			return err
		}
		if err := m.index.Bind(ctx, tx, id, caller); err != nil {
			return err
		}
		job.Status = next
		if err := m.registry.Save(ctx, tx, job); err != nil {
			return err
		}
		entry, err = m.append(ctx, tx, contracts.EntryJobObtained, &id, caller, map[string]any{
			"worker": string(caller),
			"from":   string(from),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("obtain job %d: %w", id, err)
	}

	m.committed(ctx, from, contracts.StatusDoing, entry)
	m.logger.InfoContext(ctx, "job obtained", "job_id", id, "worker", caller)
	return nil
}

// Submit records the assigned worker's result and moves the job to REVIEW.
func (m *Machine) Submit(ctx context.Context, caller contracts.AccountID, id contracts.JobID, result string) (err error) {
	ctx, done := m.track(ctx, "submit", jobAttr(id))
	defer func() { done(err) }()

	if err := checkCaller(caller); err != nil {
		return fmt.Errorf("submit job %d: %w", id, err)
	}

	var entry *contracts.JournalEntry
	err = m.store.Update(ctx, func(tx store.Tx) error {
		job, err := m.registry.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job is %s: %w", job.Status, contracts.ErrInvalidTransition)
		}
		worker, ok, err := m.index.WorkerOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok || worker != caller {
			return contracts.ErrNotAssignedWorker
		}
		next, err := Next(ActionSubmit, job.Status)
		if err != nil {
			return err
		}
		normalized, err := m.registry.NormalizeResult(result)
		if err != nil {
			return err
		}
		job.Status = next
		job.Result = &normalized
		if err := m.registry.Save(ctx, tx, job); err != nil {
			return err
		}
		entry, err = m.append(ctx, tx, contracts.EntryJobSubmitted, &id, caller, map[string]any{
			"result": normalized,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("submit job %d: %w", id, err)
	}

	m.committed(ctx, contracts.StatusDoing, contracts.StatusReview, entry)
	m.logger.InfoContext(ctx, "job submitted", "job_id", id, "worker", caller)
	return nil
}

// ownerAction loads a job for approve or reject and runs the owner and
// status checks in order.
func (m *Machine) ownerAction(ctx context.Context, tx store.Tx, action Action, caller contracts.AccountID, id contracts.JobID) (*contracts.Job, contracts.Status, contracts.AccountID, error) {
	job, err := m.registry.Get(ctx, tx, id)
	if err != nil {
		return nil, "", "", err
	}
	if job.Status.Terminal() {
		return nil, "", "", fmt.Errorf("job is %s: %w", job.Status, contracts.ErrInvalidTransition)
	}
	if job.Owner != caller {
		return nil, "", "", contracts.ErrNotOwner
	}
	next, err := Next(action, job.Status)
	if err != nil {
		return nil, "", "", err
	}
	worker, ok, err := m.index.WorkerOf(ctx, tx, id)
	if err != nil {
		return nil, "", "", err
	}
	if !ok {
		return nil, "", "", fmt.Errorf("%w: job %d in %s has no worker", assignment.ErrInconsistent, id, job.Status)
	}
	return job, next, worker, nil
}

// Approve accepts the submitted result, pays the escrowed budget to the
// worker and finishes the job. If the payment cannot be made the job stays
// in REVIEW.
func (m *Machine) Approve(ctx context.Context, caller contracts.AccountID, id contracts.JobID) (err error) {
	ctx, done := m.track(ctx, "approve", jobAttr(id))
	defer func() { done(err) }()

	var (
		entry  *contracts.JournalEntry
		worker contracts.AccountID
		amount finance.Amount
	)
	err = m.store.Update(ctx, func(tx store.Tx) error {
		job, next, w, err := m.ownerAction(ctx, tx, ActionApprove, caller, id)
		if err != nil {
			return err
		}
		worker, amount = w, job.Budget
		if err := m.escrow.Release(ctx, tx, id, worker, job.Budget); err != nil {
			return err
		}
		job.Status = next
		if err := m.registry.Save(ctx, tx, job); err != nil {
			return err
		}
		if err := m.index.Retire(ctx, tx, id); err != nil {
			return err
		}
		entry, err = m.append(ctx, tx, contracts.EntryJobApproved, &id, caller, map[string]any{
			"worker": string(worker),
			"paid":   job.Budget.String(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("approve job %d: %w", id, err)
	}

	if m.obs != nil {
		m.obs.RecordEscrow(ctx, "release", int64(amount))
	}
	m.committed(ctx, contracts.StatusReview, contracts.StatusFinish, entry)
	m.logger.InfoContext(ctx, "job approved", "job_id", id, "worker", worker, "paid", amount)
	return nil
}

// Reject sends the job back to REOPEN. The result is discarded, the worker is
// released and the escrow stays in place.
func (m *Machine) Reject(ctx context.Context, caller contracts.AccountID, id contracts.JobID) (err error) {
	ctx, done := m.track(ctx, "reject", jobAttr(id))
	defer func() { done(err) }()

	var (
		entry  *contracts.JournalEntry
		worker contracts.AccountID
	)
	err = m.store.Update(ctx, func(tx store.Tx) error {
		job, next, w, err := m.ownerAction(ctx, tx, ActionReject, caller, id)
		if err != nil {
			return err
		}
		worker = w
		data := map[string]any{"worker": string(worker)}
		if job.Result != nil {
			data["rejected_result"] = *job.Result
		}
		job.Status = next
		job.Result = nil
		if err := m.registry.Save(ctx, tx, job); err != nil {
			return err
		}
		if err := m.index.Release(ctx, tx, id); err != nil {
			return err
		}
		entry, err = m.append(ctx, tx, contracts.EntryJobRejected, &id, caller, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("reject job %d: %w", id, err)
	}

	m.committed(ctx, contracts.StatusReview, contracts.StatusReopen, entry)
	m.logger.InfoContext(ctx, "job rejected", "job_id", id, "worker", worker)
	return nil
}
