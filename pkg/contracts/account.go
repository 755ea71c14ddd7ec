package contracts

import (
	"time"

	"github.com/Mindburn-Labs/jobledger/pkg/finance"
)

// Account holds the spendable balance of a caller.
// A frozen account cannot send or receive funds.
type Account struct {
	ID        AccountID      `json:"id"`
	Balance   finance.Amount `json:"balance"`
	Frozen    bool           `json:"frozen"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Assignment binds a worker to a job. Active while the job is DOING or REVIEW;
// retired (kept, inactive) once the job finishes.
type Assignment struct {
	JobID  JobID     `json:"job_id"`
	Worker AccountID `json:"worker"`
	Active bool      `json:"active"`
}
