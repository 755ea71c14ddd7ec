package api

import (
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/problem"
)

// errorKind maps a domain error to its HTTP status and stable code.
type errorKind struct {
	err    error
	status int
	code   string
}

// Order matters: ErrNotAssignable must match before ErrInvalidTransition.
var errorKinds = []errorKind{
	{contracts.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
	{contracts.ErrNotAssignable, http.StatusConflict, "NOT_ASSIGNABLE"},
	{contracts.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{contracts.ErrWorkerBusy, http.StatusConflict, "WORKER_BUSY"},
	{contracts.ErrNotAssignedWorker, http.StatusForbidden, "NOT_ASSIGNED_WORKER"},
	{contracts.ErrNotOwner, http.StatusForbidden, "NOT_OWNER"},
	{contracts.ErrEscrowTransferFailed, http.StatusConflict, "ESCROW_TRANSFER_FAILED"},
	{contracts.ErrInsufficientFunds, http.StatusConflict, "INSUFFICIENT_FUNDS"},
	{contracts.ErrAccountFrozen, http.StatusConflict, "ACCOUNT_FROZEN"},
	{contracts.ErrAdmissionDenied, http.StatusForbidden, "ADMISSION_DENIED"},
	{contracts.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT"},
	{contracts.ErrInvalidJob, http.StatusUnprocessableEntity, "INVALID_JOB"},
	{contracts.ErrInvalidAccount, http.StatusUnprocessableEntity, "INVALID_ACCOUNT"},
}

// classify returns the status and code for err, or 500 for unknown errors.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, ""
}

// writeError renders err as a problem detail. Unknown errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		problem.WriteInternal(w, err)
		return
	}
	problem.Write(w, &problem.Detail{
		Status:   status,
		Code:     code,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	})
}
