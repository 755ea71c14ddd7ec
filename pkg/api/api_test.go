package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/jobledger/pkg/api"
	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/lifecycle"
	"github.com/Mindburn-Labs/jobledger/pkg/limiter"
	"github.com/Mindburn-Labs/jobledger/pkg/problem"
	"github.com/Mindburn-Labs/jobledger/pkg/store/memory"
)

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	hub    *api.Hub
	ks     auth.KeySet
	tokens map[string]string
}

type jobResponse struct {
	ID     contracts.JobID     `json:"id"`
	Owner  string              `json:"owner"`
	Status contracts.Status    `json:"status"`
	Budget int64               `json:"budget"`
	Result *string             `json:"result"`
	Worker contracts.AccountID `json:"worker"`
	Escrow int64               `json:"escrow"`
}

func newHarness(t *testing.T, mutate func(*api.Options)) *harness {
	t.Helper()
	ks, err := auth.NewHMACKeySet([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	hub := api.NewHub(nil)
	machine := lifecycle.New(memory.New(), lifecycle.WithPublisher(hub))
	opts := api.Options{Validator: auth.NewValidator(ks, "test")}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := api.NewServer(machine, hub, opts)
	require.NoError(t, err)

	h := &harness{t: t, hub: hub, ks: ks, tokens: map[string]string{}}
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		h.srv.Close()
	})

	h.issue("alice")
	h.issue("bob")
	h.issue("carol")
	h.issue("bank", auth.RoleTreasury)
	h.issue("root", auth.RoleAdmin)
	return h
}

func (h *harness) issue(subject string, roles ...string) {
	tok, err := auth.Issue(context.Background(), h.ks, "test", subject, roles, time.Hour)
	require.NoError(h.t, err)
	h.tokens[subject] = tok
}

func (h *harness) do(as, method, path string, body any, headers ...string) *http.Response {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(h.t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+h.tokens[as])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func expectProblem(t *testing.T, resp *http.Response, status int, code string) problem.Detail {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	p := decodeBody[problem.Detail](t, resp)
	if code != "" {
		assert.Equal(t, code, p.Code)
	}
	return p
}

func (h *harness) fund(account string, amount int64) {
	resp := h.do("bank", http.MethodPost, "/v1/accounts/"+account+"/deposit", map[string]int64{"amount": amount})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func (h *harness) create(as string, payment int64) jobResponse {
	resp := h.do(as, http.MethodPost, "/v1/jobs", map[string]any{"name": "logo", "description": "svg", "payment": payment})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decodeBody[jobResponse](h.t, resp)
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do("", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = h.do("", http.MethodGet, "/v1/jobs", nil)
	expectProblem(t, resp, http.StatusUnauthorized, "")
}

func TestLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("alice", 100)

	job := h.create("alice", 60)
	assert.Equal(t, contracts.JobID(0), job.ID)
	assert.Equal(t, contracts.StatusOpen, job.Status)
	assert.Equal(t, int64(60), job.Escrow)

	open := decodeBody[api.JobList](t, h.do("carol", http.MethodGet, "/v1/jobs/open", nil))
	require.Len(t, open.Jobs, 1)

	resp := h.do("bob", http.MethodPost, "/v1/jobs/0/obtain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job = decodeBody[jobResponse](t, resp)
	assert.Equal(t, contracts.StatusDoing, job.Status)
	assert.Equal(t, contracts.AccountID("bob"), job.Worker)

	active := decodeBody[api.ActiveJob](t, h.do("alice", http.MethodGet, "/v1/accounts/bob/active-job", nil))
	assert.True(t, active.Active)
	require.NotNil(t, active.JobID)
	assert.Equal(t, contracts.JobID(0), *active.JobID)

	resp = h.do("bob", http.MethodPost, "/v1/jobs/0/submit", map[string]string{"result": "done.svg"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job = decodeBody[jobResponse](t, resp)
	assert.Equal(t, contracts.StatusReview, job.Status)
	require.NotNil(t, job.Result)

	resp = h.do("alice", http.MethodPost, "/v1/jobs/0/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job = decodeBody[jobResponse](t, resp)
	assert.Equal(t, contracts.StatusFinish, job.Status)
	assert.Equal(t, int64(0), job.Escrow)

	bob := decodeBody[contracts.Account](t, h.do("bob", http.MethodGet, "/v1/accounts/bob", nil))
	assert.Equal(t, int64(60), int64(bob.Balance))
	alice := decodeBody[contracts.Account](t, h.do("alice", http.MethodGet, "/v1/accounts/alice", nil))
	assert.Equal(t, int64(40), int64(alice.Balance))

	owned := decodeBody[api.JobList](t, h.do("bob", http.MethodGet, "/v1/accounts/alice/jobs", nil))
	assert.Len(t, owned.Jobs, 1)
	finished := decodeBody[api.JobList](t, h.do("bob", http.MethodGet, "/v1/jobs?status=FINISH", nil))
	assert.Len(t, finished.Jobs, 1)
}

func TestRejectOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("alice", 10)
	h.create("alice", 10)
	require.Equal(t, http.StatusOK, h.do("bob", http.MethodPost, "/v1/jobs/0/obtain", nil).StatusCode)
	require.Equal(t, http.StatusOK, h.do("bob", http.MethodPost, "/v1/jobs/0/submit", map[string]string{"result": "v1"}).StatusCode)

	resp := h.do("alice", http.MethodPost, "/v1/jobs/0/reject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeBody[jobResponse](t, resp)
	assert.Equal(t, contracts.StatusReopen, job.Status)
	assert.Nil(t, job.Result)
	assert.Empty(t, job.Worker)
	assert.Equal(t, int64(10), job.Escrow)

	// The freed worker and newcomers may take the reopened job.
	resp = h.do("carol", http.MethodPost, "/v1/jobs/0/obtain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("alice", 20)
	h.create("alice", 10)
	h.create("alice", 10)
	require.Equal(t, http.StatusOK, h.do("bob", http.MethodPost, "/v1/jobs/0/obtain", nil).StatusCode)

	expectProblem(t, h.do("carol", http.MethodPost, "/v1/jobs/0/obtain", nil), http.StatusConflict, "NOT_ASSIGNABLE")
	expectProblem(t, h.do("bob", http.MethodPost, "/v1/jobs/1/obtain", nil), http.StatusConflict, "WORKER_BUSY")
	expectProblem(t, h.do("carol", http.MethodPost, "/v1/jobs/0/submit", map[string]string{"result": "x"}), http.StatusForbidden, "NOT_ASSIGNED_WORKER")
	expectProblem(t, h.do("carol", http.MethodPost, "/v1/jobs/0/approve", nil), http.StatusForbidden, "NOT_OWNER")
	expectProblem(t, h.do("alice", http.MethodPost, "/v1/jobs/0/approve", nil), http.StatusConflict, "INVALID_TRANSITION")
	expectProblem(t, h.do("alice", http.MethodGet, "/v1/jobs/99", nil), http.StatusNotFound, "JOB_NOT_FOUND")
	expectProblem(t, h.do("alice", http.MethodGet, "/v1/jobs/abc", nil), http.StatusBadRequest, "")
	expectProblem(t, h.do("alice", http.MethodPost, "/v1/jobs", map[string]any{"name": "big", "payment": 1000}), http.StatusConflict, "INSUFFICIENT_FUNDS")
	expectProblem(t, h.do("alice", http.MethodGet, "/v1/jobs?status=DONE", nil), http.StatusUnprocessableEntity, "INVALID_JOB")
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("alice", 10)

	cases := map[string]any{
		"negative payment": map[string]any{"name": "n", "payment": -1},
		"missing name":     map[string]any{"payment": 1},
		"unknown field":    map[string]any{"name": "n", "payment": 1, "owner": "bob"},
		"fractional":       map[string]any{"name": "n", "payment": 1.5},
		"malformed":        "{not json",
		"empty":            "",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			expectProblem(t, h.do("alice", http.MethodPost, "/v1/jobs", body), http.StatusBadRequest, "")
		})
	}

	h.create("alice", 0)
	require.Equal(t, http.StatusOK, h.do("bob", http.MethodPost, "/v1/jobs/0/obtain", nil).StatusCode)
	expectProblem(t, h.do("bob", http.MethodPost, "/v1/jobs/0/submit", map[string]string{"result": ""}), http.StatusBadRequest, "")
	expectProblem(t, h.do("bank", http.MethodPost, "/v1/accounts/alice/deposit", map[string]int64{"amount": 0}), http.StatusBadRequest, "")
}

func TestAccountAuthorization(t *testing.T) {
	h := newHarness(t, nil)

	expectProblem(t, h.do("alice", http.MethodPost, "/v1/accounts/alice/deposit", map[string]int64{"amount": 5}), http.StatusForbidden, "")
	h.fund("alice", 5)

	expectProblem(t, h.do("bob", http.MethodGet, "/v1/accounts/alice", nil), http.StatusForbidden, "")
	assert.Equal(t, http.StatusOK, h.do("root", http.MethodGet, "/v1/accounts/alice", nil).StatusCode)

	expectProblem(t, h.do("bob", http.MethodPost, "/v1/accounts/alice/withdraw", map[string]int64{"amount": 1}), http.StatusForbidden, "")
	acct := decodeBody[contracts.Account](t, h.do("alice", http.MethodPost, "/v1/accounts/alice/withdraw", map[string]int64{"amount": 2}))
	assert.Equal(t, int64(3), int64(acct.Balance))
	expectProblem(t, h.do("alice", http.MethodPost, "/v1/accounts/alice/withdraw", map[string]int64{"amount": 9}), http.StatusConflict, "INSUFFICIENT_FUNDS")

	expectProblem(t, h.do("alice", http.MethodPost, "/v1/accounts/bob/freeze", nil), http.StatusForbidden, "")
	acct = decodeBody[contracts.Account](t, h.do("root", http.MethodPost, "/v1/accounts/alice/freeze", nil))
	assert.True(t, acct.Frozen)
	expectProblem(t, h.do("alice", http.MethodPost, "/v1/jobs", map[string]any{"name": "n", "payment": 1}), http.StatusConflict, "ACCOUNT_FROZEN")
	acct = decodeBody[contracts.Account](t, h.do("root", http.MethodPost, "/v1/accounts/alice/unfreeze", nil))
	assert.False(t, acct.Frozen)
}

func TestJournalAndVerify(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("alice", 10)
	h.create("alice", 4)
	h.create("alice", 4)

	page := decodeBody[api.JournalPage](t, h.do("bob", http.MethodGet, "/v1/journal?limit=2", nil))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, contracts.EntryFundsDeposited, page.Entries[0].Type)

	rest := decodeBody[api.JournalPage](t, h.do("bob", http.MethodGet, "/v1/journal?after="+jsonNumber(page.Next), nil))
	require.Len(t, rest.Entries, 1)
	assert.Equal(t, contracts.EntryJobCreated, rest.Entries[0].Type)

	expectProblem(t, h.do("bob", http.MethodGet, "/v1/journal?limit=0", nil), http.StatusBadRequest, "")
	expectProblem(t, h.do("bob", http.MethodGet, "/v1/journal/verify", nil), http.StatusForbidden, "")

	verified := decodeBody[map[string]uint64](t, h.do("root", http.MethodGet, "/v1/journal/verify", nil))
	assert.Equal(t, uint64(3), verified["verified"])
}

func jsonNumber(n uint64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestIdempotentCreate(t *testing.T) {
	store := api.NewMemoryIdempotencyStore(time.Minute)
	defer func() { _ = store.Close() }()
	h := newHarness(t, func(o *api.Options) { o.Idempotency = store })
	h.fund("alice", 10)

	body := map[string]any{"name": "once", "payment": 3}
	first := h.do("alice", http.MethodPost, "/v1/jobs", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second := h.do("alice", http.MethodPost, "/v1/jobs", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, decodeBody[jobResponse](t, first).ID, decodeBody[jobResponse](t, second).ID)

	// Keys are scoped per caller.
	h.fund("bob", 10)
	third := h.do("bob", http.MethodPost, "/v1/jobs", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, third.StatusCode)
	assert.Empty(t, third.Header.Get("Idempotent-Replayed"))

	all := decodeBody[api.JobList](t, h.do("alice", http.MethodGet, "/v1/jobs", nil))
	assert.Len(t, all.Jobs, 2)
	acct := decodeBody[contracts.Account](t, h.do("alice", http.MethodGet, "/v1/accounts/alice", nil))
	assert.Equal(t, int64(7), int64(acct.Balance), "charged once")
}

func TestRateLimit(t *testing.T) {
	lim := limiter.NewMemoryStore(0)
	defer func() { _ = lim.Close() }()
	h := newHarness(t, func(o *api.Options) {
		o.Limiter = lim
		o.RateLimit = limiter.Policy{RPM: 1, Burst: 2}
	})

	assert.Equal(t, http.StatusOK, h.do("alice", http.MethodGet, "/v1/jobs", nil).StatusCode)
	assert.Equal(t, http.StatusOK, h.do("alice", http.MethodGet, "/v1/jobs", nil).StatusCode)
	resp := h.do("alice", http.MethodGet, "/v1/jobs", nil)
	expectProblem(t, resp, http.StatusTooManyRequests, "")
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, h.do("bob", http.MethodGet, "/v1/jobs", nil).StatusCode, "separate bucket per caller")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, func(o *api.Options) { o.CORSOrigins = []string{"https://app.example"} })
	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, nil)
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.tokens["carol"])
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	filtered, _, err := websocket.DefaultDialer.Dial(wsURL+"?job=1&access_token="+h.tokens["carol"], nil)
	require.NoError(t, err)
	defer func() { _ = filtered.Close() }()

	require.Eventually(t, func() bool { return h.hub.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.fund("alice", 5)
	h.create("alice", 5)
	h.create("alice", 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []contracts.EntryType
	for len(got) < 3 {
		var ev api.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "journal", ev.Type)
		got = append(got, ev.Entry.Type)
	}
	assert.Equal(t, []contracts.EntryType{contracts.EntryFundsDeposited, contracts.EntryJobCreated, contracts.EntryJobCreated}, got)

	_ = filtered.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev api.Event
	require.NoError(t, filtered.ReadJSON(&ev))
	require.NotNil(t, ev.Entry.JobID)
	assert.Equal(t, contracts.JobID(1), *ev.Entry.JobID)

	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "stream requires a token")
}
