package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/jobledger/pkg/assignment"
	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/journal"
	"github.com/Mindburn-Labs/jobledger/pkg/problem"
)

const (
	defaultJournalPage = 100
	maxJournalPage     = 1000
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Payment     finance.Amount `json:"payment"`
}

// SubmitRequest is the body of POST /v1/jobs/{id}/submit.
type SubmitRequest struct {
	Result string `json:"result"`
}

// TransferRequest is the body of deposit and withdraw.
type TransferRequest struct {
	Amount finance.Amount `json:"amount"`
}

// JobList wraps job listings.
type JobList struct {
	Jobs []*contracts.Job `json:"jobs"`
}

// JournalPage is one page of journal entries. Next is the cursor for the following page.
type JournalPage struct {
	Entries []*contracts.JournalEntry `json:"entries"`
	Next    uint64                    `json:"next"`
}

// ActiveJob reports the job a worker is engaged on.
type ActiveJob struct {
	Worker contracts.AccountID `json:"worker"`
	Active bool                `json:"active"`
	JobID  *contracts.JobID    `json:"job_id,omitempty"`
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		problem.WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

func jobID(w http.ResponseWriter, r *http.Request) (contracts.JobID, bool) {
	id, err := contracts.ParseJobID(r.PathValue("id"))
	if err != nil {
		problem.WriteBadRequest(w, "invalid job id")
		return 0, false
	}
	return id, true
}

// selfOrAdmin returns the account in the path if the caller may act on it.
func selfOrAdmin(w http.ResponseWriter, r *http.Request, p auth.Principal) (contracts.AccountID, bool) {
	account := contracts.AccountID(r.PathValue("account"))
	if account != p.Account() && !p.HasRole(auth.RoleAdmin) {
		problem.WriteForbidden(w, "")
		return "", false
	}
	return account, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	if err := s.schemas.decode(w, r, s.opts.MaxBodyBytes, schema, dst); err != nil {
		if errors.Is(err, errBody) {
			problem.WriteBadRequest(w, err.Error())
		} else {
			problem.WriteInternal(w, err)
		}
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CreateJobRequest
	if !s.decode(w, r, "create-job", &req) {
		return
	}
	id, err := s.machine.Create(r.Context(), p.Account(), req.Name, req.Description, req.Payment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeJob(w, r, http.StatusCreated, id)
}

func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, status int, id contracts.JobID) {
	view, err := s.machine.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status == http.StatusCreated {
		w.Header().Set("Location", "/v1/jobs/"+id.String())
	}
	writeJSON(w, status, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []contracts.Status
	for _, v := range r.URL.Query()["status"] {
		statuses = append(statuses, contracts.Status(v))
	}
	jobs, err := s.machine.ListJobs(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *Server) handleOpenJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.machine.GetOpenJobs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	s.writeJob(w, r, http.StatusOK, id)
}

func (s *Server) handleObtain(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.machine.Obtain(r.Context(), p.Account(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, id)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !s.decode(w, r, "submit", &req) {
		return
	}
	if err := s.machine.Submit(r.Context(), p.Account(), id, req.Result); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, id)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.machine.Approve(r.Context(), p.Account(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, id)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.machine.Reject(r.Context(), p.Account(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, id)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	account, ok := selfOrAdmin(w, r, p)
	if !ok {
		return
	}
	acct, err := s.machine.Balance(r.Context(), account)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleOwnedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.machine.JobsByOwner(r.Context(), contracts.AccountID(r.PathValue("account")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	worker := contracts.AccountID(r.PathValue("account"))
	id, active, err := s.machine.ActiveJob(r.Context(), worker)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ActiveJob{Worker: worker, Active: active}
	if active {
		resp.JobID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(auth.RoleTreasury) {
		problem.WriteForbidden(w, "treasury role required")
		return
	}
	var req TransferRequest
	if !s.decode(w, r, "transfer", &req) {
		return
	}
	acct, err := s.machine.Deposit(r.Context(), contracts.AccountID(r.PathValue("account")), req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	account, ok := selfOrAdmin(w, r, p)
	if !ok {
		return
	}
	var req TransferRequest
	if !s.decode(w, r, "transfer", &req) {
		return
	}
	acct, err := s.machine.Withdraw(r.Context(), account, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	s.setFrozen(w, r, true)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	s.setFrozen(w, r, false)
}

func (s *Server) setFrozen(w http.ResponseWriter, r *http.Request, frozen bool) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(auth.RoleAdmin) {
		problem.WriteForbidden(w, "admin role required")
		return
	}
	account := contracts.AccountID(r.PathValue("account"))
	var (
		acct *contracts.Account
		err  error
	)
	if frozen {
		acct, err = s.machine.Freeze(r.Context(), p.Account(), account)
	} else {
		acct, err = s.machine.Unfreeze(r.Context(), p.Account(), account)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			problem.WriteBadRequest(w, "invalid after cursor")
			return
		}
		after = n
	}
	limit := defaultJournalPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxJournalPage {
			problem.WriteBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.machine.Journal(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page := JournalPage{Entries: entries, Next: after}
	if len(entries) > 0 {
		page.Next = entries[len(entries)-1].Sequence
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(auth.RoleAdmin) {
		problem.WriteForbidden(w, "admin role required")
		return
	}
	n, err := s.machine.VerifyJournal(r.Context())
	if err != nil && !errors.Is(err, journal.ErrChainBroken) && !errors.Is(err, assignment.ErrInconsistent) {
		writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Error("journal verification failed", "error", err)
		problem.Write(w, &problem.Detail{
			Status: http.StatusConflict,
			Code:   "JOURNAL_CORRUPT",
			Detail: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"verified": n})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var job *contracts.JobID
	if v := r.URL.Query().Get("job"); v != "" {
		id, err := contracts.ParseJobID(v)
		if err != nil {
			problem.WriteBadRequest(w, "invalid job id")
			return
		}
		job = &id
	}
	s.hub.serve(w, r, job)
}
