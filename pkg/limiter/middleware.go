package limiter

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/jobledger/pkg/auth"
	"github.com/Mindburn-Labs/jobledger/pkg/problem"
)

// Key identifies the caller: the authenticated account when present,
// otherwise the remote IP.
func Key(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return "acct:" + p.GetID()
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}

// Middleware enforces policy per caller. Store failures deny the request.
func Middleware(store Store, policy Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "limiter")
	}
	retryAfter := 1
	if policy.RPM > 0 && policy.RPM < 60 {
		retryAfter = (60 + policy.RPM - 1) / policy.RPM
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := Key(r)
			err := Check(r.Context(), store, key, policy)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrLimited):
				logger.Debug("rate limited", "key", key, "path", r.URL.Path)
				problem.WriteTooManyRequests(w, retryAfter)
			default:
				logger.Error("rate limiter unavailable", "key", key, "error", err)
				problem.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Rate limiter unavailable")
			}
		})
	}
}
