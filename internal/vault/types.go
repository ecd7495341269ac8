package vault

import (
	"time"

	"github.com/HerbHall/courierkeys/internal/envelope"
)

// Provider identifies an integration whose secrets live in a tenant's
// credential record.
type Provider string

// Known providers. ProviderSecurity is internal: its profile holds the
// tenant's canonical security mode and it owns no slots.
const (
	ProviderDoorDash  Provider = "doordash"
	ProviderUber      Provider = "uber"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderSecurity  Provider = "security"
)

// DeliveryProviders are rekeyed together on every security mode switch.
var DeliveryProviders = []Provider{ProviderDoorDash, ProviderUber}

// State is the lifecycle state of a provider profile.
type State string

const (
	StateActive   State = "ACTIVE"
	StateDisabled State = "DISABLED"
	StateRotating State = "ROTATING"
	StateRevoked  State = "REVOKED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateDisabled, StateRotating, StateRevoked:
		return true
	}
	return false
}

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Audited actions.
const (
	ActionCredentialsUpserted = "credentials_upserted"
	ActionCredentialsCleared  = "credentials_cleared"
	ActionCredentialsRevoked  = "credentials_revoked"
	ActionSecurityModeSet     = "security_mode_set"
	ActionSecurityModeRekey   = "security_mode_rekey"
	ActionLegacyMigrated      = "legacy_migrated"
)

// CredentialRecord is one tenant's set of encrypted secret slots. A slot
// missing from Slots is NULL in storage.
type CredentialRecord struct {
	TenantID  string
	Slots     map[Slot]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewCredentialRecord returns an empty record for tenantID.
func NewCredentialRecord(tenantID string) *CredentialRecord {
	return &CredentialRecord{TenantID: tenantID, Slots: make(map[Slot]string)}
}

// Has reports whether slot holds a payload.
func (r *CredentialRecord) Has(slot Slot) bool {
	_, ok := r.Slots[slot]
	return ok
}

// ProviderProfile is the security metadata for one (tenant, provider) pair.
type ProviderProfile struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Provider       Provider         `json:"provider"`
	Backend        envelope.Backend `json:"backend"`
	State          State            `json:"state"`
	ProfileVersion int64            `json:"profile_version"`
	ConfigRefMap   ConfigRefMap     `json:"config_ref_map"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ProfileEvent is an immutable audit record written with every profile
// mutation.
type ProfileEvent struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Provider       Provider       `json:"provider"`
	ProfileID      string         `json:"profile_id"`
	Action         string         `json:"action"`
	Actor          *string        `json:"actor"`
	ProfileVersion int64          `json:"profile_version"`
	Outcome        Outcome        `json:"outcome"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SecurityProfile is the tenant-level view of the active security mode.
type SecurityProfile struct {
	Mode             envelope.Backend   `json:"mode"`
	Backend          envelope.Backend   `json:"backend"`
	AvailableModes   []envelope.Backend `json:"available_modes"`
	CanUseMostSecure bool               `json:"can_use_most_secure"`
	ProfileVersion   int64              `json:"profile_version"`
	UpdatedAt        *time.Time         `json:"updated_at"`
}

// ProviderSummary describes a provider's credentials without any secret
// material: only which fields are populated.
type ProviderSummary struct {
	Provider       Provider         `json:"provider"`
	Configured     bool             `json:"configured"`
	Fields         map[string]bool  `json:"fields"`
	State          State            `json:"state,omitempty"`
	Backend        envelope.Backend `json:"backend,omitempty"`
	ProfileVersion int64            `json:"profile_version"`
	TestMode       *bool            `json:"test_mode,omitempty"`
	Sandbox        *bool            `json:"sandbox,omitempty"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
}

// Summary is the presence overview of every provider for one tenant.
type Summary struct {
	TenantID     string                        `json:"tenant_id"`
	SecurityMode envelope.Backend              `json:"security_mode"`
	Providers    map[Provider]*ProviderSummary `json:"providers"`
}

// UpsertInput carries newly supplied secrets keyed by API field name
// (e.g. "apiKey", "signingSecret"). Empty values leave the stored slot
// unchanged. Flags are optional; nil keeps the stored flag.
type UpsertInput struct {
	Fields   map[string]string `json:"fields"`
	TestMode *bool             `json:"test_mode,omitempty"`
	Sandbox  *bool             `json:"sandbox,omitempty"`
}

// RuntimeCredentials holds decrypted secrets for internal consumers such as
// outbound request signing. It must never be serialized into a response.
type RuntimeCredentials struct {
	TenantID string
	Provider Provider
	Values   map[string]string
	TestMode bool
	Sandbox  bool
}

// DoorDashCredentials is the typed view of DoorDash runtime credentials.
type DoorDashCredentials struct {
	APIKey        string
	SigningSecret string
	DeveloperID   string
	TestMode      bool
}

// UberCredentials is the typed view of Uber runtime credentials.
type UberCredentials struct {
	ClientID          string
	ClientSecret      string
	CustomerID        string
	WebhookSigningKey string
	Sandbox           bool
}

// DoorDash returns the DoorDash view. Fields are empty for other providers.
func (rc *RuntimeCredentials) DoorDash() DoorDashCredentials {
	return DoorDashCredentials{
		APIKey:        rc.Values[FieldAPIKey],
		SigningSecret: rc.Values[FieldSigningSecret],
		DeveloperID:   rc.Values[FieldDeveloperID],
		TestMode:      rc.TestMode,
	}
}

// Uber returns the Uber view. Fields are empty for other providers.
func (rc *RuntimeCredentials) Uber() UberCredentials {
	return UberCredentials{
		ClientID:          rc.Values[FieldClientID],
		ClientSecret:      rc.Values[FieldClientSecret],
		CustomerID:        rc.Values[FieldCustomerID],
		WebhookSigningKey: rc.Values[FieldWebhookSigningKey],
		Sandbox:           rc.Sandbox,
	}
}

// APIKey returns the single key of an AI provider.
func (rc *RuntimeCredentials) APIKey() string {
	return rc.Values[FieldAPIKey]
}
