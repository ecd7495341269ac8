package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes the auth middleware and the caller-introspection route to
// the server, and answers per-tenant authorization checks for modules.
type Handler struct {
	tokens *TokenService
	logger *zap.Logger
}

// NewHandler creates an auth Handler.
func NewHandler(tokens *TokenService, logger *zap.Logger) *Handler {
	return &Handler{tokens: tokens, logger: logger}
}

// RegisterRoutes registers auth-related routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/auth/whoami", h.handleWhoami)
}

// Middleware returns the bearer token middleware.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return Middleware(h.tokens)
}

// Authorize reports whether the caller in ctx may act on tenantID and
// returns the token subject as the audit actor.
func (h *Handler) Authorize(ctx context.Context, tenantID string) (string, bool) {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return "", false
	}
	if !claims.CanAccess(tenantID) {
		h.logger.Info("tenant access denied",
			zap.String("subject", claims.Subject),
			zap.String("role", string(claims.Role)),
			zap.String("tenant_id", tenantID),
		)
		return "", false
	}
	return claims.Subject, true
}

type whoamiResponse struct {
	Subject     string   `json:"subject"`
	Role        Role     `json:"role"`
	Restaurants []string `json:"restaurants"`
}

func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	restaurants := claims.Restaurants
	if restaurants == nil {
		restaurants = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(whoamiResponse{
		Subject:     claims.Subject,
		Role:        claims.Role,
		Restaurants: restaurants,
	})
}
