package contracts

import "time"

// EntryType categorizes a journal entry.
type EntryType string

const (
	EntryJobCreated      EntryType = "JOB_CREATED"
	EntryJobObtained     EntryType = "JOB_OBTAINED"
	EntryJobSubmitted    EntryType = "JOB_SUBMITTED"
	EntryJobApproved     EntryType = "JOB_APPROVED"
	EntryJobRejected     EntryType = "JOB_REJECTED"
	EntryFundsDeposited  EntryType = "FUNDS_DEPOSITED"
	EntryFundsWithdrawn  EntryType = "FUNDS_WITHDRAWN"
	EntryAccountFrozen   EntryType = "ACCOUNT_FROZEN"
	EntryAccountUnfrozen EntryType = "ACCOUNT_UNFROZEN"
)

// JournalEntry is an immutable, hash-chained record of one committed action.
type JournalEntry struct {
	Sequence    uint64         `json:"sequence"`
	Type        EntryType      `json:"type"`
	JobID       *JobID         `json:"job_id,omitempty"`
	Actor       AccountID      `json:"actor"`
	Data        map[string]any `json:"data,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	ContentHash string         `json:"content_hash"`
	Timestamp   time.Time      `json:"timestamp"`
}
