package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// claimsKey is a context key for the verified token claims.
type claimsKey struct{}

// ClaimsFromContext returns the verified claims from the request context.
// Returns nil if the request is not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// Public API paths that don't require authentication.
var publicPaths = map[string]bool{
	"/api/v1/health": true,
}

// Middleware validates bearer access tokens on API routes. Public paths
// and non-API paths (healthz, readyz, metrics) are skipped. Viewer tokens
// are limited to safe methods.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := tokens.ValidateAccessToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			if claims.ReadOnly() && r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeAuthError(w, http.StatusForbidden, "viewer tokens are read-only")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://courierkeys.dev/problems/auth-error",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
