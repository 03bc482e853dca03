package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
)

// contextKey is used for storing claims in context.
type contextKey string

const claimsContextKey contextKey = "claims"

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, message string)

// Middleware requires a verified bearer token on every non-public path.
type Middleware struct {
	verifier      Verifier
	publicPaths   map[string]bool
	requiredRoles []string
	audit         *policy.AuditLog
	onError       ErrorWriter
	logger        *slog.Logger
	now           func() time.Time
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// PublicPaths are paths that don't require authentication
	PublicPaths []string

	// RequiredRoles: a caller needs at least one of them
	RequiredRoles []string

	// Audit receives an entry for every refused caller
	Audit *policy.AuditLog

	// OnError writes the refusal; defaults to a small JSON body
	OnError ErrorWriter

	Logger *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(verifier Verifier, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	m := &Middleware{
		verifier:      verifier,
		publicPaths:   publicPaths,
		requiredRoles: cfg.RequiredRoles,
		audit:         cfg.Audit,
		onError:       cfg.OnError,
		logger:        cfg.Logger,
		now:           time.Now,
	}
	if m.onError == nil {
		m.onError = writeError
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			m.refuse(w, r, http.StatusUnauthorized, "", "missing bearer token")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token rejected", slog.Any("error", err))
			m.refuse(w, r, http.StatusUnauthorized, "", "invalid token")
			return
		}
		if claims.IsExpired(m.now()) {
			m.refuse(w, r, http.StatusUnauthorized, claims.Subject, "token expired")
			return
		}
		if !m.hasRequiredRole(claims) {
			m.refuse(w, r, http.StatusForbidden, claims.Subject,
				"requires one of roles "+strings.Join(m.requiredRoles, ", "))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) hasRequiredRole(c *Claims) bool {
	if len(m.requiredRoles) == 0 {
		return true
	}
	for _, role := range m.requiredRoles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

func (m *Middleware) refuse(w http.ResponseWriter, r *http.Request, status int, subject, reason string) {
	if m.audit != nil {
		m.audit.Record(policy.AuditEntry{
			Principal: subject,
			Operation: "api",
			Resource:  r.Method + " " + r.URL.Path,
			Allowed:   false,
			Reason:    reason,
		})
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="taskflow"`)
	}
	m.onError(w, r, status, reason)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
