// Package contracts defines the records shared by the marketplace components:
// jobs, accounts, journal entries and the error kinds every action returns.
package contracts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/jobledger/pkg/finance"
)

// JobID identifies a job. Allocated sequentially from 0 and never reused.
type JobID uint64

func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID parses the decimal form produced by JobID.String.
func ParseJobID(s string) (JobID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(v), nil
}

// AccountID identifies a caller (owner or worker).
type AccountID string

// Status represents the lifecycle of a job.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusDoing  Status = "DOING"
	StatusReview Status = "REVIEW"
	StatusReopen Status = "REOPEN"
	StatusFinish Status = "FINISH"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusDoing, StatusReview, StatusReopen, StatusFinish}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusFinish
}

// Assignable reports whether a worker may obtain a job in this status.
func (s Status) Assignable() bool {
	return s == StatusOpen || s == StatusReopen
}

// Engaged reports whether a job in this status holds an active assignment.
func (s Status) Engaged() bool {
	return s == StatusDoing || s == StatusReview
}

// Job is a unit of work with an escrowed budget.
type Job struct {
	ID          JobID          `json:"id"`
	Owner       AccountID      `json:"owner"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Result      *string        `json:"result,omitempty"`
	Status      Status         `json:"status"`
	Budget      finance.Amount `json:"budget"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

// JobView is a job together with its derived assignment and escrow state.
type JobView struct {
	*Job
	Worker AccountID      `json:"worker,omitempty"`
	Escrow finance.Amount `json:"escrow"`
}
