package vault

import "github.com/HerbHall/courierkeys/internal/envelope"

// Event topics published by the vault module after a commit.
const (
	TopicCredentialsUpserted = "vault.credentials.upserted"
	TopicCredentialsCleared  = "vault.credentials.cleared"
	TopicCredentialsRevoked  = "vault.credentials.revoked"
	TopicSecurityModeChanged = "vault.security_mode.changed"
)

// CredentialsChangedEvent is the payload of the credential topics.
type CredentialsChangedEvent struct {
	TenantID       string           `json:"tenant_id"`
	Provider       Provider         `json:"provider"`
	Backend        envelope.Backend `json:"backend"`
	State          State            `json:"state"`
	ProfileVersion int64            `json:"profile_version"`
	Actor          string           `json:"actor,omitempty"`
}

// SecurityModeChangedEvent is the payload of TopicSecurityModeChanged.
type SecurityModeChangedEvent struct {
	TenantID  string           `json:"tenant_id"`
	From      envelope.Backend `json:"from"`
	To        envelope.Backend `json:"to"`
	Providers []Provider       `json:"providers"`
	Rekeyed   int              `json:"rekeyed_slots"`
	Actor     string           `json:"actor,omitempty"`
}
