// Package api exposes the job ledger over HTTP: JSON endpoints for every
// lifecycle action and query, RFC 7807 errors and a websocket event stream.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/cors"

	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/lifecycle"
	"github.com/Mindburn-Labs/jobledger/pkg/limiter"
	"github.com/Mindburn-Labs/jobledger/pkg/problem"
)

// Options configures the HTTP surface.
type Options struct {
	Logger *slog.Logger
	// Validator authenticates callers. Nil rejects every non-public request.
	Validator   *auth.Validator
	Limiter     limiter.Store
	RateLimit   limiter.Policy
	Idempotency IdempotencyStore
	CORSOrigins []string
	// MaxBodyBytes caps request bodies; defaults to 1 MiB.
	MaxBodyBytes int64
}

// Server serves the job ledger API.
type Server struct {
	machine *lifecycle.Machine
	hub     *Hub
	schemas schemaSet
	opts    Options
	logger  *slog.Logger
}

// NewServer builds a server around machine. hub should be the machine's publisher.
func NewServer(machine *lifecycle.Machine, hub *Hub, opts Options) (*Server, error) {
	if machine == nil {
		return nil, fmt.Errorf("api: machine is required")
	}
	if hub == nil {
		hub = NewHub(nil)
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "api")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{machine: machine, hub: hub, schemas: schemas, opts: opts, logger: opts.Logger}, nil
}

// RegisterRoutes registers the API routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/jobs", s.handleCreate)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/open", s.handleOpenJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/obtain", s.handleObtain)
	mux.HandleFunc("POST /v1/jobs/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/jobs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/jobs/{id}/reject", s.handleReject)

	mux.HandleFunc("GET /v1/accounts/{account}", s.handleBalance)
	mux.HandleFunc("GET /v1/accounts/{account}/jobs", s.handleOwnedJobs)
	mux.HandleFunc("GET /v1/accounts/{account}/active-job", s.handleActiveJob)
	mux.HandleFunc("POST /v1/accounts/{account}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /v1/accounts/{account}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /v1/accounts/{account}/freeze", s.handleFreeze)
	mux.HandleFunc("POST /v1/accounts/{account}/unfreeze", s.handleUnfreeze)

	mux.HandleFunc("GET /v1/journal", s.handleJournal)
	mux.HandleFunc("GET /v1/journal/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.opts.Idempotency, s.logger)(h)
	if s.opts.Limiter != nil {
		h = limiter.Middleware(s.opts.Limiter, s.opts.RateLimit, s.logger)(h)
	}
	h = auth.NewMiddleware(s.opts.Validator)(h)
	h = s.accessLog(h)
	h = s.recoverer(h)
	if len(s.opts.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "Idempotent-Replayed"},
			AllowCredentials: true,
		}).Handler(h)
	}
	return auth.RequestIDMiddleware(h)
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", auth.GetRequestID(r.Context()),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("panic in handler", "panic", v, "stack", string(debug.Stack()))
				problem.WriteInternal(w, fmt.Errorf("panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
