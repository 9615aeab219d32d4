package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/herolabs/hero/internal/observability"
)

// SessionCookie carries the browser session token.
const SessionCookie = "hero_session"

// TokenQueryParam carries a credential for clients that cannot set headers,
// such as EventSource.
const TokenQueryParam = "token"

// MiddlewareOptions tunes the HTTP middleware.
type MiddlewareOptions struct {
	// Skip exempts a request from authentication.
	Skip func(r *http.Request) bool
}

// Middleware authenticates requests and attaches the user to the context.
// Credentials are taken from, in order: the Authorization Bearer value, the
// X-API-Key header, the session cookie, and the token query parameter.
func Middleware(svc *Service, logger *slog.Logger, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			credential := extractCredential(r)
			if credential == "" {
				unauthorized(w, "authentication required")
				return
			}

			user, err := svc.ResolveCredential(r.Context(), credential)
			if err != nil {
				logger.Warn("authentication failed",
					"path", r.URL.Path,
					"error", err)
				unauthorized(w, "invalid credentials")
				return
			}

			ctx := WithUser(r.Context(), user)
			ctx = observability.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractCredential finds the first credential a request carries.
func extractCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		if token := strings.TrimSpace(header[7:]); token != "" {
			return token
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
