package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/jobledger/pkg/problem"
)

// Claims are the JWT claims expected by the API. The subject is the account id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Validator validates JWT tokens and extracts claims.
type Validator struct {
	KeySet KeySet
	// Issuer, when set, must match the iss claim.
	Issuer string
}

// NewValidator creates a validator with the given KeySet.
func NewValidator(ks KeySet, issuer string) *Validator {
	if ks == nil {
		return nil
	}
	return &Validator{KeySet: ks, Issuer: issuer}
}

// Validate parses and validates a JWT token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.KeySet == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc(), opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject valid for ttl.
func Issue(ctx context.Context, ks KeySet, issuer, subject string, roles []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: subject is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return ks.Sign(ctx, claims)
}

// PublicPaths are endpoints that do not require authentication.
var PublicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range PublicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// bearerToken reads the token from the Authorization header. Websocket
// upgrades may pass it as the access_token query parameter instead.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, ""
			}
		}
		return "", "Missing Authorization header"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "Invalid Authorization header format (expected 'Bearer <token>')"
	}
	return parts[1], ""
}

// NewMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected.
func NewMiddleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, reason := bearerToken(r)
			if reason != "" {
				problem.WriteUnauthorized(w, reason)
				return
			}
			if validator == nil {
				problem.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				problem.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				problem.WriteUnauthorized(w, "Token subject is required")
				return
			}

			principal := &BasePrincipal{
				ID:    claims.Subject,
				Roles: claims.Roles,
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
