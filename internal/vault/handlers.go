package vault

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
)

const maxRequestBody = 64 << 10

// switchModeRequest is the body of PUT /security-mode.
type switchModeRequest struct {
	Mode string `json:"mode"`
}

// authorize validates the tenant path value and runs the installed
// Authorizer. It writes the error response and returns ok=false on failure.
func (m *Module) authorize(w http.ResponseWriter, r *http.Request) (tenantID, actor string, ok bool) {
	tenantID = r.PathValue("tenantID")
	if err := ValidateTenantID(tenantID); err != nil {
		vaultWriteError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if m.authz == nil {
		vaultWriteError(w, http.StatusForbidden, "access to tenant denied")
		return "", "", false
	}
	actor, allowed := m.authz.Authorize(r.Context(), tenantID)
	if !allowed {
		vaultWriteError(w, http.StatusForbidden, "access to tenant denied")
		return "", "", false
	}
	return tenantID, actor, true
}

// handleGetSummary returns field presence per provider. No secret material.
func (m *Module) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := m.authorize(w, r)
	if !ok {
		return
	}
	summary, err := m.service.GetSummary(r.Context(), tenantID)
	if err != nil {
		m.writeServiceError(w, err, "get credential summary")
		return
	}
	vaultWriteJSON(w, http.StatusOK, summary)
}

// handleUpsert merges newly supplied secrets for one provider.
func (m *Module) handleUpsert(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, ok := m.authorize(w, r)
	if !ok {
		return
	}
	provider, err := ParseProvider(r.PathValue("provider"))
	if err != nil {
		vaultWriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var in UpsertInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		vaultWriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := m.service.Upsert(r.Context(), tenantID, provider, in, actor)
	if err != nil {
		m.writeServiceError(w, err, "upsert credentials")
		return
	}
	vaultWriteJSON(w, http.StatusOK, summary)
}

// handleClear empties a provider's slots and disables it.
func (m *Module) handleClear(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, ok := m.authorize(w, r)
	if !ok {
		return
	}
	provider, err := ParseProvider(r.PathValue("provider"))
	if err != nil {
		vaultWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := m.service.Clear(r.Context(), tenantID, provider, actor)
	if err != nil {
		m.writeServiceError(w, err, "clear credentials")
		return
	}
	vaultWriteJSON(w, http.StatusOK, summary)
}

// handleRevoke empties a provider's slots and marks it revoked.
func (m *Module) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, ok := m.authorize(w, r)
	if !ok {
		return
	}
	provider, err := ParseProvider(r.PathValue("provider"))
	if err != nil {
		vaultWriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := m.service.Revoke(r.Context(), tenantID, provider, actor)
	if err != nil {
		m.writeServiceError(w, err, "revoke credentials")
		return
	}
	vaultWriteJSON(w, http.StatusOK, summary)
}

func (m *Module) handleGetSecurityMode(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := m.authorize(w, r)
	if !ok {
		return
	}
	sp, err := m.service.GetSecurityProfile(r.Context(), tenantID)
	if err != nil {
		m.writeServiceError(w, err, "get security mode")
		return
	}
	vaultWriteJSON(w, http.StatusOK, sp)
}

// handleSwitchSecurityMode changes the tenant's mode and rekeys all slots.
func (m *Module) handleSwitchSecurityMode(w http.ResponseWriter, r *http.Request) {
	tenantID, actor, ok := m.authorize(w, r)
	if !ok {
		return
	}
	var req switchModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		vaultWriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sp, err := m.service.SwitchSecurityMode(r.Context(), tenantID, envelope.Backend(req.Mode), actor)
	if err != nil {
		m.writeServiceError(w, err, "switch security mode")
		return
	}
	vaultWriteJSON(w, http.StatusOK, sp)
}

// handleListEvents returns the tenant's audit trail, newest first.
func (m *Module) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := m.authorize(w, r)
	if !ok {
		return
	}

	var provider Provider
	if p := r.URL.Query().Get("provider"); p != "" {
		provider = Provider(p)
		if provider != ProviderSecurity {
			parsed, err := ParseProvider(p)
			if err != nil {
				vaultWriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			provider = parsed
		}
	}

	limit := m.cfg.EventListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			vaultWriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, m.cfg.MaxEventListLimit)
	}

	events, err := m.service.ListEvents(r.Context(), tenantID, provider, limit)
	if err != nil {
		m.writeServiceError(w, err, "list events")
		return
	}
	if events == nil {
		events = []*ProfileEvent{}
	}
	vaultWriteJSON(w, http.StatusOK, events)
}

// writeServiceError maps the vault error taxonomy to a problem response.
// Details carry identifiers only; internal failures get a generic detail.
func (m *Module) writeServiceError(w http.ResponseWriter, err error, op string) {
	var incomplete *IncompleteCredentialSetError
	switch {
	case errors.As(err, &incomplete):
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":           problemBase + "incomplete-credential-set",
			"title":          http.StatusText(http.StatusBadRequest),
			"status":         http.StatusBadRequest,
			"detail":         incomplete.Error(),
			"missing_fields": incomplete.Missing,
		})
	case errors.Is(err, ErrInvalidTenant), errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrUnknownField), errors.Is(err, ErrInvalidSecurityMode):
		vaultWriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrProfileConflict), errors.Is(err, ErrModeSwitchDisabled):
		vaultWriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrDecryptionFailed), errors.Is(err, envelope.ErrMalformedPayload):
		m.logger.Error(op+" failed", zap.Error(err))
		vaultWriteError(w, http.StatusInternalServerError, "stored credentials could not be decrypted")
	case errors.Is(err, keys.ErrBackendNotConfigured):
		vaultWriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		m.logger.Error(op+" failed", zap.Error(err))
		vaultWriteError(w, http.StatusInternalServerError, "internal error")
	}
}

const problemBase = "https://courierkeys.dev/problems/"

// vaultWriteJSON writes a JSON response with the given status code.
func vaultWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// vaultWriteError writes a problem+json error response.
func vaultWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problemBase + strconv.Itoa(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
