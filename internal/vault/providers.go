package vault

import (
	"fmt"
	"sort"

	"github.com/HerbHall/courierkeys/internal/envelope"
)

// Slot is a named secret column of the credential record.
type Slot string

// Secret slots. Values are the column names in credential_records.
const (
	SlotDoorDashAPIKey        Slot = "doordash_api_key"
	SlotDoorDashSigningSecret Slot = "doordash_signing_secret"
	SlotDoorDashDeveloperID   Slot = "doordash_developer_id"
	SlotUberClientID          Slot = "uber_client_id"
	SlotUberClientSecret      Slot = "uber_client_secret"
	SlotUberCustomerID        Slot = "uber_customer_id"
	SlotUberWebhookSigningKey Slot = "uber_webhook_signing_key"
	SlotOpenAIAPIKey          Slot = "openai_api_key"
	SlotAnthropicAPIKey       Slot = "anthropic_api_key"
)

// API field names accepted in UpsertInput and reported in summaries.
const (
	FieldAPIKey            = "apiKey"
	FieldSigningSecret     = "signingSecret"
	FieldDeveloperID       = "developerId"
	FieldClientID          = "clientId"
	FieldClientSecret      = "clientSecret"
	FieldCustomerID        = "customerId"
	FieldWebhookSigningKey = "webhookSigningKey"
)

// SlotSpec binds an API field to its storage slot.
type SlotSpec struct {
	Field    string
	Slot     Slot
	Required bool
}

// ProviderSpec describes a provider's slots.
type ProviderSpec struct {
	Provider Provider
	Delivery bool
	Slots    []SlotSpec
}

var providerSpecs = []ProviderSpec{
	{
		Provider: ProviderDoorDash,
		Delivery: true,
		Slots: []SlotSpec{
			{Field: FieldAPIKey, Slot: SlotDoorDashAPIKey, Required: true},
			{Field: FieldSigningSecret, Slot: SlotDoorDashSigningSecret, Required: true},
			{Field: FieldDeveloperID, Slot: SlotDoorDashDeveloperID},
		},
	},
	{
		Provider: ProviderUber,
		Delivery: true,
		Slots: []SlotSpec{
			{Field: FieldClientID, Slot: SlotUberClientID, Required: true},
			{Field: FieldClientSecret, Slot: SlotUberClientSecret, Required: true},
			{Field: FieldCustomerID, Slot: SlotUberCustomerID, Required: true},
			{Field: FieldWebhookSigningKey, Slot: SlotUberWebhookSigningKey},
		},
	},
	{
		Provider: ProviderOpenAI,
		Slots:    []SlotSpec{{Field: FieldAPIKey, Slot: SlotOpenAIAPIKey, Required: true}},
	},
	{
		Provider: ProviderAnthropic,
		Slots:    []SlotSpec{{Field: FieldAPIKey, Slot: SlotAnthropicAPIKey, Required: true}},
	},
}

// Providers returns the slot-owning providers in a stable order.
func Providers() []ProviderSpec {
	out := make([]ProviderSpec, len(providerSpecs))
	copy(out, providerSpecs)
	return out
}

// LookupProvider returns the spec for a slot-owning provider.
func LookupProvider(p Provider) (ProviderSpec, error) {
	for _, s := range providerSpecs {
		if s.Provider == p {
			return s, nil
		}
	}
	return ProviderSpec{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
}

// allSlots lists every slot column in catalog order.
func allSlots() []Slot {
	var out []Slot
	for _, p := range providerSpecs {
		for _, s := range p.Slots {
			out = append(out, s.Slot)
		}
	}
	return out
}

// slotFor maps an API field to the provider's slot.
func (ps ProviderSpec) slotFor(field string) (SlotSpec, bool) {
	for _, s := range ps.Slots {
		if s.Field == field {
			return s, true
		}
	}
	return SlotSpec{}, false
}

// missing returns the required fields not populated in rec, sorted.
func (ps ProviderSpec) missing(rec *CredentialRecord) []string {
	var out []string
	for _, s := range ps.Slots {
		if s.Required && !rec.Has(s.Slot) {
			out = append(out, s.Field)
		}
	}
	sort.Strings(out)
	return out
}

// configured reports whether every required slot is populated.
func (ps ProviderSpec) configured(rec *CredentialRecord) bool {
	return rec != nil && len(ps.missing(rec)) == 0
}

// hasAny reports whether any of the provider's slots is populated.
func (ps ProviderSpec) hasAny(rec *CredentialRecord) bool {
	if rec == nil {
		return false
	}
	for _, s := range ps.Slots {
		if rec.Has(s.Slot) {
			return true
		}
	}
	return false
}

// Presence records whether a slot holds a value.
type Presence string

const (
	Present Presence = "present"
	Absent  Presence = "absent"
)

func presenceOf(rec *CredentialRecord, slot Slot) Presence {
	if rec != nil && rec.Has(slot) {
		return Present
	}
	return Absent
}

func (p Presence) valid() bool { return p == Present || p == Absent }

// DoorDashRefs is the DoorDash variant of ConfigRefMap.
type DoorDashRefs struct {
	APIKey        Presence `json:"apiKey"`
	SigningSecret Presence `json:"signingSecret"`
	DeveloperID   Presence `json:"developerId"`
	TestMode      bool     `json:"testMode"`
}

// UberRefs is the Uber variant of ConfigRefMap.
type UberRefs struct {
	ClientID          Presence `json:"clientId"`
	ClientSecret      Presence `json:"clientSecret"`
	CustomerID        Presence `json:"customerId"`
	WebhookSigningKey Presence `json:"webhookSigningKey"`
	Sandbox           bool     `json:"sandbox"`
}

// AIRefs is the variant shared by AI API key providers.
type AIRefs struct {
	APIKey Presence `json:"apiKey"`
}

// SecurityRefs is the variant of the internal security profile.
type SecurityRefs struct {
	Mode envelope.Backend `json:"mode"`
}

// ConfigRefMap is a tagged union: exactly one variant is set and it must
// match the profile's provider.
type ConfigRefMap struct {
	DoorDash *DoorDashRefs `json:"doordash,omitempty"`
	Uber     *UberRefs     `json:"uber,omitempty"`
	AI       *AIRefs       `json:"ai,omitempty"`
	Security *SecurityRefs `json:"security,omitempty"`
}

// Validate checks that the variant matches provider and that every
// presence value is recognized.
func (m ConfigRefMap) Validate(provider Provider) error {
	set := 0
	for _, ok := range []bool{m.DoorDash != nil, m.Uber != nil, m.AI != nil, m.Security != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrInvalidConfigRefMap, set)
	}

	var presences []Presence
	switch provider {
	case ProviderDoorDash:
		if m.DoorDash == nil {
			return fmt.Errorf("%w: doordash variant required", ErrInvalidConfigRefMap)
		}
		presences = []Presence{m.DoorDash.APIKey, m.DoorDash.SigningSecret, m.DoorDash.DeveloperID}
	case ProviderUber:
		if m.Uber == nil {
			return fmt.Errorf("%w: uber variant required", ErrInvalidConfigRefMap)
		}
		presences = []Presence{m.Uber.ClientID, m.Uber.ClientSecret, m.Uber.CustomerID, m.Uber.WebhookSigningKey}
	case ProviderOpenAI, ProviderAnthropic:
		if m.AI == nil {
			return fmt.Errorf("%w: ai variant required", ErrInvalidConfigRefMap)
		}
		presences = []Presence{m.AI.APIKey}
	case ProviderSecurity:
		if m.Security == nil {
			return fmt.Errorf("%w: security variant required", ErrInvalidConfigRefMap)
		}
		if _, err := envelope.ParseBackend(string(m.Security.Mode)); err != nil {
			return fmt.Errorf("%w: security mode %q", ErrInvalidConfigRefMap, m.Security.Mode)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	for _, p := range presences {
		if !p.valid() {
			return fmt.Errorf("%w: presence %q", ErrInvalidConfigRefMap, p)
		}
	}
	return nil
}

// buildRefs derives the reference map for a provider from the record.
// Flags not supplied in in are carried over from prev.
func buildRefs(p Provider, rec *CredentialRecord, prev *ConfigRefMap, in *UpsertInput) ConfigRefMap {
	switch p {
	case ProviderDoorDash:
		refs := &DoorDashRefs{
			APIKey:        presenceOf(rec, SlotDoorDashAPIKey),
			SigningSecret: presenceOf(rec, SlotDoorDashSigningSecret),
			DeveloperID:   presenceOf(rec, SlotDoorDashDeveloperID),
		}
		if prev != nil && prev.DoorDash != nil {
			refs.TestMode = prev.DoorDash.TestMode
		}
		if in != nil && in.TestMode != nil {
			refs.TestMode = *in.TestMode
		}
		return ConfigRefMap{DoorDash: refs}
	case ProviderUber:
		refs := &UberRefs{
			ClientID:          presenceOf(rec, SlotUberClientID),
			ClientSecret:      presenceOf(rec, SlotUberClientSecret),
			CustomerID:        presenceOf(rec, SlotUberCustomerID),
			WebhookSigningKey: presenceOf(rec, SlotUberWebhookSigningKey),
		}
		if prev != nil && prev.Uber != nil {
			refs.Sandbox = prev.Uber.Sandbox
		}
		if in != nil && in.Sandbox != nil {
			refs.Sandbox = *in.Sandbox
		}
		return ConfigRefMap{Uber: refs}
	case ProviderOpenAI:
		return ConfigRefMap{AI: &AIRefs{APIKey: presenceOf(rec, SlotOpenAIAPIKey)}}
	case ProviderAnthropic:
		return ConfigRefMap{AI: &AIRefs{APIKey: presenceOf(rec, SlotAnthropicAPIKey)}}
	}
	return ConfigRefMap{}
}
