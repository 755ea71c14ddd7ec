package contracts

import "errors"

// kindError is an error kind that specializes a broader kind.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

var (
	// ErrJobNotFound is returned when a job id was never created.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when the job's status does not permit the action.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotAssignable is returned by obtain on a job that is not OPEN or REOPEN.
	// It matches ErrInvalidTransition under errors.Is.
	ErrNotAssignable error = &kindError{msg: "job is not assignable", parent: ErrInvalidTransition}
	// ErrWorkerBusy is returned when the caller already has an active job.
	ErrWorkerBusy = errors.New("worker already has an active job")
	// ErrNotAssignedWorker is returned when submit is called by someone other than the assigned worker.
	ErrNotAssignedWorker = errors.New("caller is not the assigned worker")
	// ErrNotOwner is returned when approve or reject is called by someone other than the owner.
	ErrNotOwner = errors.New("caller is not the job owner")
	// ErrEscrowTransferFailed is returned when escrowed funds could not be released.
	ErrEscrowTransferFailed = errors.New("escrow transfer failed")

	// ErrInsufficientFunds is returned when an account cannot cover a payment or withdrawal.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for negative or overflowing amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidJob is returned when job text fields fail validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrAccountFrozen is returned when a frozen account tries to move funds.
	ErrAccountFrozen = errors.New("account is frozen")
	// ErrAdmissionDenied is returned when the admission policy rejects a new job.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrInvalidAccount is returned for an empty caller identity.
	ErrInvalidAccount = errors.New("invalid account")
)
