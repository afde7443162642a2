package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/psu-control/psuctl/internal/audit"
)

type contextKey struct{}

// anonymous is used when authentication is disabled.
var anonymous = &Claims{
	Subject: "anonymous",
	Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry},
}

// Middleware authenticates requests and checks scopes. A Middleware
// without a verifier lets every request through as "anonymous".
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates auth middleware. verifier may be nil.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// RequireAuth verifies the bearer token and stores the claims and the audit
// user in the request context. /api/v1/health is always public.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" {
			next(w, r)
			return
		}

		claims := anonymous
		if m.verifier != nil {
			token, err := extractBearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			claims, err = m.verifier.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		ctx = audit.WithUser(ctx, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

// RequireScope rejects requests whose claims lack any of the scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			for _, s := range scopes {
				if !claims.HasScope(s) {
					writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
					return
				}
			}
			next(w, r)
		}
	}
}

// ClaimsFromContext returns the claims stored by RequireAuth, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}

// extractBearerToken reads the Authorization header. Browsers cannot set
// headers on EventSource, so the access_token query parameter is accepted
// too.
func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("missing Authorization header")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// writeError writes an error response in the API envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
