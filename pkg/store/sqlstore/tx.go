package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

const jobColumns = `id, owner, name, description, result, status, budget, created_at, updated_at`

type tx struct {
	tx       *sql.Tx
	dialect  Dialect
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// lock appends a row lock on postgres read-write transactions.
func (t *tx) lock(query string) string {
	if t.dialect == DialectPostgres && !t.readOnly {
		return query + " FOR UPDATE"
	}
	return query
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func (t *tx) NextJobID(ctx context.Context) (contracts.JobID, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var next int64
	err := t.queryRow(ctx, t.lock(`SELECT next_id FROM job_sequence WHERE name = ?`), "jobs").Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: read job sequence: %w", err)
	}
	if _, err := t.exec(ctx, `UPDATE job_sequence SET next_id = ? WHERE name = ?`, next+1, "jobs"); err != nil {
		return 0, fmt.Errorf("sqlstore: advance job sequence: %w", err)
	}
	return contracts.JobID(next), nil
}

func (t *tx) InsertJob(ctx context.Context, job *contracts.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	var exists int
	err := t.queryRow(ctx, `SELECT 1 FROM jobs WHERE id = ?`, int64(job.ID)).Scan(&exists)
	if err == nil {
		return store.ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlstore: check job %d: %w", job.ID, err)
	}
	_, err = t.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(job.ID), string(job.Owner), job.Name, job.Description, nullString(job.Result),
		string(job.Status), int64(job.Budget), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: insert job %d: %w", job.ID, err)
	}
	return nil
}

func (t *tx) GetJob(ctx context.Context, id contracts.JobID) (*contracts.Job, error) {
	row := t.queryRow(ctx, t.lock(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), int64(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get job %d: %w", id, err)
	}
	return job, nil
}

func (t *tx) UpdateJob(ctx context.Context, job *contracts.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.exec(ctx, `UPDATE jobs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		nullString(job.Result), string(job.Status), formatTime(job.UpdatedAt), int64(job.ID))
	if err != nil {
		return fmt.Errorf("sqlstore: update job %d: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: update job %d: %w", job.ID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListJobs(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	return t.listJobs(ctx, query+` ORDER BY id ASC`, args...)
}

func (t *tx) ListJobsByOwner(ctx context.Context, owner contracts.AccountID) ([]*contracts.Job, error) {
	return t.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner = ? ORDER BY id ASC`, string(owner))
}

func (t *tx) listJobs(ctx context.Context, query string, args ...any) ([]*contracts.Job, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*contracts.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*contracts.Job, error) {
	var (
		id, budget           int64
		owner, status        string
		result               sql.NullString
		createdAt, updatedAt string
		job                  contracts.Job
	)
	if err := sc.Scan(&id, &owner, &job.Name, &job.Description, &result, &status, &budget, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.ID = contracts.JobID(id)
	job.Owner = contracts.AccountID(owner)
	job.Status = contracts.Status(status)
	job.Budget = finance.Amount(budget)
	if result.Valid {
		r := result.String
		job.Result = &r
	}
	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (t *tx) GetAssignment(ctx context.Context, id contracts.JobID) (*contracts.Assignment, error) {
	return t.assignment(ctx, `SELECT job_id, worker, active FROM assignments WHERE job_id = ?`, int64(id))
}

func (t *tx) ActiveAssignment(ctx context.Context, worker contracts.AccountID) (*contracts.Assignment, error) {
	return t.assignment(ctx, `SELECT job_id, worker, active FROM assignments WHERE worker = ? AND active = ?`, string(worker), true)
}

func (t *tx) assignment(ctx context.Context, query string, args ...any) (*contracts.Assignment, error) {
	var (
		id     int64
		worker string
		a      contracts.Assignment
	)
	err := t.queryRow(ctx, query, args...).Scan(&id, &worker, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get assignment: %w", err)
	}
	a.JobID = contracts.JobID(id)
	a.Worker = contracts.AccountID(worker)
	return &a, nil
}

func (t *tx) PutAssignment(ctx context.Context, a contracts.Assignment) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO assignments (job_id, worker, active) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET worker = EXCLUDED.worker, active = EXCLUDED.active`,
		int64(a.JobID), string(a.Worker), a.Active)
	if err != nil {
		return fmt.Errorf("sqlstore: put assignment %d: %w", a.JobID, err)
	}
	return nil
}

func (t *tx) DeleteAssignment(ctx context.Context, id contracts.JobID) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM assignments WHERE job_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("sqlstore: delete assignment %d: %w", id, err)
	}
	return nil
}

func (t *tx) GetAccount(ctx context.Context, id contracts.AccountID) (*contracts.Account, error) {
	row := t.queryRow(ctx, `SELECT id, balance, frozen, updated_at FROM accounts WHERE id = ?`, string(id))
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &contracts.Account{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get account %s: %w", id, err)
	}
	return acct, nil
}

func scanAccount(sc scanner) (*contracts.Account, error) {
	var (
		id, updatedAt string
		balance       int64
		acct          contracts.Account
	)
	if err := sc.Scan(&id, &balance, &acct.Frozen, &updatedAt); err != nil {
		return nil, err
	}
	acct.ID = contracts.AccountID(id)
	acct.Balance = finance.Amount(balance)
	ts, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	acct.UpdatedAt = ts
	return &acct, nil
}

func (t *tx) PutAccount(ctx context.Context, acct *contracts.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO accounts (id, balance, frozen, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, frozen = EXCLUDED.frozen, updated_at = EXCLUDED.updated_at`,
		string(acct.ID), int64(acct.Balance), acct.Frozen, formatTime(acct.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: put account %s: %w", acct.ID, err)
	}
	return nil
}

func (t *tx) ListAccounts(ctx context.Context) ([]*contracts.Account, error) {
	rows, err := t.query(ctx, `SELECT id, balance, frozen, updated_at FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	accts := make([]*contracts.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan account: %w", err)
		}
		accts = append(accts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accts, nil
}

func (t *tx) GetEscrow(ctx context.Context, id contracts.JobID) (finance.Amount, error) {
	var amount int64
	err := t.queryRow(ctx, `SELECT amount FROM escrow WHERE job_id = ?`, int64(id)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: get escrow %d: %w", id, err)
	}
	return finance.Amount(amount), nil
}

func (t *tx) PutEscrow(ctx context.Context, id contracts.JobID, amount finance.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	var err error
	if amount == 0 {
		_, err = t.exec(ctx, `DELETE FROM escrow WHERE job_id = ?`, int64(id))
	} else {
		_, err = t.exec(ctx, `INSERT INTO escrow (job_id, amount) VALUES (?, ?)
			ON CONFLICT (job_id) DO UPDATE SET amount = EXCLUDED.amount`, int64(id), int64(amount))
	}
	if err != nil {
		return fmt.Errorf("sqlstore: put escrow %d: %w", id, err)
	}
	return nil
}

const journalColumns = `sequence, entry_type, job_id, actor, data, prev_hash, content_hash, created_at`

func (t *tx) LastEntry(ctx context.Context) (*contracts.JournalEntry, error) {
	row := t.queryRow(ctx, `SELECT `+journalColumns+` FROM journal ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: last journal entry: %w", err)
	}
	return entry, nil
}

func (t *tx) AppendEntry(ctx context.Context, entry *contracts.JournalEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	var last int64
	if err := t.queryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM journal`).Scan(&last); err != nil {
		return fmt.Errorf("sqlstore: journal head: %w", err)
	}
	if entry.Sequence != uint64(last)+1 {
		return store.ErrConflict
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("sqlstore: encode journal data: %w", err)
	}
	var jobID sql.NullInt64
	if entry.JobID != nil {
		jobID = sql.NullInt64{Int64: int64(*entry.JobID), Valid: true}
	}
	_, err = t.exec(ctx, `INSERT INTO journal (`+journalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(entry.Sequence), string(entry.Type), jobID, string(entry.Actor), string(data),
		entry.PrevHash, entry.ContentHash, formatTime(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("sqlstore: append journal entry %d: %w", entry.Sequence, err)
	}
	return nil
}

func (t *tx) ListEntries(ctx context.Context, after uint64, limit int) ([]*contracts.JournalEntry, error) {
	query := `SELECT ` + journalColumns + ` FROM journal WHERE sequence > ? ORDER BY sequence ASC`
	args := []any{int64(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*contracts.JournalEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(sc scanner) (*contracts.JournalEntry, error) {
	var (
		seq                        int64
		entryType, actor, data, ts string
		jobID                      sql.NullInt64
		e                          contracts.JournalEntry
	)
	if err := sc.Scan(&seq, &entryType, &jobID, &actor, &data, &e.PrevHash, &e.ContentHash, &ts); err != nil {
		return nil, err
	}
	e.Sequence = uint64(seq)
	e.Type = contracts.EntryType(entryType)
	e.Actor = contracts.AccountID(actor)
	if jobID.Valid {
		id := contracts.JobID(jobID.Int64)
		e.JobID = &id
	}
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, err
		}
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	e.Timestamp = parsed
	return &e, nil
}
