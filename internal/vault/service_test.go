package vault

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/store"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

var fullKeys = keys.Config{
	SharedSecrets:    []string{"shared-primary"},
	ManagedKMSSecret: "kms-secret",
}

func newTestService(t *testing.T, cfg keys.Config, opts ...Option) (*Service, *store.SQLiteStore) {
	t.Helper()
	db := testDB(t)
	return NewService(db, NewCipher(testResolver(t, cfg)), zap.NewNop(), opts...), db
}

// rawSlots returns every non-null slot payload of a tenant's record.
func rawSlots(t *testing.T, db *store.SQLiteStore, tenantID string) map[Slot]string {
	t.Helper()
	rec, err := NewRecordStore(db.DB()).Get(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil {
		return nil
	}
	return rec.Slots
}

func profileVersion(t *testing.T, db *store.SQLiteStore, tenantID string, p Provider) int64 {
	t.Helper()
	prof, err := NewProfileStore(db.DB(), bothBackends(t)).GetProfile(context.Background(), tenantID, p)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if prof == nil {
		return 0
	}
	return prof.ProfileVersion
}

type recordingBus struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (b *recordingBus) Publish(_ context.Context, e plugin.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Topic
	}
	return out
}

var doordashInput = UpsertInput{Fields: map[string]string{
	FieldAPIKey:        "dd-api-key",
	FieldSigningSecret: "dd-signing-secret",
}}

var uberInput = UpsertInput{Fields: map[string]string{
	FieldClientID:          "c",
	FieldClientSecret:      "s",
	FieldCustomerID:        "u",
	FieldWebhookSigningKey: "w",
}}

func TestUpsert_EncryptsUnderActiveBackend(t *testing.T) {
	bus := &recordingBus{}
	svc, db := newTestService(t, fullKeys, WithPublisher(bus))
	ctx := context.Background()

	summary, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !summary.Configured || summary.State != StateActive || summary.ProfileVersion != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if !summary.Fields[FieldAPIKey] || !summary.Fields[FieldSigningSecret] || summary.Fields[FieldDeveloperID] {
		t.Errorf("Fields = %v", summary.Fields)
	}

	slots := rawSlots(t, db, "r1")
	for _, slot := range []Slot{SlotDoorDashAPIKey, SlotDoorDashSigningSecret} {
		payload := slots[slot]
		if !strings.HasPrefix(payload, "v1:low_assurance:") {
			t.Errorf("%s payload not versioned under low_assurance", slot)
		}
		if strings.Contains(payload, "dd-") {
			t.Errorf("%s payload contains plaintext", slot)
		}
	}

	if n := countEvents(t, db, "r1"); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if got := bus.topics(); len(got) != 1 || got[0] != TopicCredentialsUpserted {
		t.Errorf("published topics = %v", got)
	}
}

func TestUpsert_IncompleteCredentialSet(t *testing.T) {
	svc, db := newTestService(t, fullKeys)

	_, err := svc.Upsert(context.Background(), "r1", ProviderDoorDash,
		UpsertInput{Fields: map[string]string{FieldAPIKey: "leaky-secret"}}, "ops")
	if !errors.Is(err, ErrIncompleteCredentialSet) {
		t.Fatalf("Upsert() error = %v, want ErrIncompleteCredentialSet", err)
	}
	var incomplete *IncompleteCredentialSetError
	if !errors.As(err, &incomplete) {
		t.Fatalf("error %T is not *IncompleteCredentialSetError", err)
	}
	if len(incomplete.Missing) != 1 || incomplete.Missing[0] != FieldSigningSecret {
		t.Errorf("Missing = %v, want [signingSecret]", incomplete.Missing)
	}
	if strings.Contains(err.Error(), "leaky-secret") {
		t.Error("error message leaks the supplied value")
	}
	if slots := rawSlots(t, db, "r1"); slots != nil {
		t.Errorf("record written on rejected upsert: %v", slots)
	}
	if n := countEvents(t, db, "r1"); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestUpsert_MergeKeepsUnsuppliedSlots(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	before := rawSlots(t, db, "r1")

	testMode := true
	summary, err := svc.Upsert(ctx, "r1", ProviderDoorDash, UpsertInput{
		Fields:   map[string]string{FieldDeveloperID: "dev-1", FieldAPIKey: ""},
		TestMode: &testMode,
	}, "ops")
	if err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	after := rawSlots(t, db, "r1")

	if after[SlotDoorDashAPIKey] != before[SlotDoorDashAPIKey] {
		t.Error("empty value overwrote stored api key")
	}
	if after[SlotDoorDashSigningSecret] != before[SlotDoorDashSigningSecret] {
		t.Error("unsupplied signing secret was rewritten")
	}
	if !summary.Fields[FieldDeveloperID] || summary.ProfileVersion != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.TestMode == nil || !*summary.TestMode {
		t.Errorf("TestMode = %v, want true", summary.TestMode)
	}

	// A later upsert without the flag keeps it.
	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, UpsertInput{}, "ops"); err != nil {
		t.Fatalf("third Upsert() error = %v", err)
	}
	rc, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderDoorDash)
	if err != nil {
		t.Fatalf("GetRuntimeCredentials() error = %v", err)
	}
	dd := rc.DoorDash()
	if dd.APIKey != "dd-api-key" || dd.SigningSecret != "dd-signing-secret" || dd.DeveloperID != "dev-1" || !dd.TestMode {
		t.Errorf("DoorDash() = %+v", dd)
	}
}

func TestUpsert_Validation(t *testing.T) {
	svc, _ := newTestService(t, fullKeys)
	ctx := context.Background()
	tests := []struct {
		name     string
		tenant   string
		provider Provider
		in       UpsertInput
		wantErr  error
	}{
		{"unknown provider", "r1", "stripe", doordashInput, ErrUnknownProvider},
		{"security provider", "r1", ProviderSecurity, doordashInput, ErrUnknownProvider},
		{"unknown field", "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{"token": "x"}}, ErrUnknownField},
		{"empty tenant", "", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "x"}}, ErrInvalidTenant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Upsert(ctx, tt.tenant, tt.provider, tt.in, "ops"); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Upsert() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpsert_LowAssuranceUnconfigured(t *testing.T) {
	svc, db := newTestService(t, keys.Config{ManagedKMSSecret: "kms"})

	_, err := svc.Upsert(context.Background(), "r1", ProviderOpenAI,
		UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops")
	if !errors.Is(err, keys.ErrBackendNotConfigured) {
		t.Fatalf("Upsert() error = %v, want ErrBackendNotConfigured", err)
	}
	if n := countEvents(t, db, "r1"); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestGetRuntimeCredentials_NilWhenIncomplete(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()

	rc, err := svc.GetRuntimeCredentials(ctx, "nobody", ProviderUber)
	if err != nil || rc != nil {
		t.Fatalf("GetRuntimeCredentials(no record) = %v, %v; want nil, nil", rc, err)
	}

	payload, err := svc.Cipher().Encrypt("c", envelope.BackendLowAssurance)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	rec := NewCredentialRecord("r1")
	rec.Slots[SlotUberClientID] = payload
	if err := NewRecordStore(db.DB()).Put(ctx, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rc, err = svc.GetRuntimeCredentials(ctx, "r1", ProviderUber)
	if err != nil || rc != nil {
		t.Fatalf("GetRuntimeCredentials(partial) = %v, %v; want nil, nil", rc, err)
	}
}

func TestGetRuntimeCredentials_CorruptSlot(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := db.DB().Exec("UPDATE credential_records SET openai_api_key = 'v1:low_assurance:garbage' WHERE tenant_id = 'r1'"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderOpenAI)
	if !errors.Is(err, envelope.ErrMalformedPayload) || !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("GetRuntimeCredentials() error = %v, want malformed decryption failure", err)
	}
}

func TestSwitchSecurityMode_RekeysEverySlot(t *testing.T) {
	bus := &recordingBus{}
	svc, db := newTestService(t, fullKeys, WithPublisher(bus))
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert(doordash) error = %v", err)
	}
	if _, err := svc.Upsert(ctx, "r1", ProviderUber, uberInput, "ops"); err != nil {
		t.Fatalf("Upsert(uber) error = %v", err)
	}
	if _, err := svc.Upsert(ctx, "r1", ProviderAnthropic, UpsertInput{Fields: map[string]string{FieldAPIKey: "ak"}}, "ops"); err != nil {
		t.Fatalf("Upsert(anthropic) error = %v", err)
	}
	ddBefore := profileVersion(t, db, "r1", ProviderDoorDash)
	uberBefore := profileVersion(t, db, "r1", ProviderUber)

	sp, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "admin@example.com")
	if err != nil {
		t.Fatalf("SwitchSecurityMode() error = %v", err)
	}
	if sp.Mode != envelope.BackendManagedKMS || sp.Backend != envelope.BackendManagedKMS {
		t.Errorf("profile = %+v", sp)
	}

	slots := rawSlots(t, db, "r1")
	if len(slots) != 7 {
		t.Errorf("non-null slots = %d, want 7", len(slots))
	}
	for slot, payload := range slots {
		if b, err := BackendOf(payload); err != nil || b != envelope.BackendManagedKMS {
			t.Errorf("%s backend = %q, %v; want managed_kms", slot, b, err)
		}
	}

	ps := NewProfileStore(db.DB(), bothBackends(t))
	for _, p := range []Provider{ProviderDoorDash, ProviderUber, ProviderAnthropic} {
		prof, err := ps.GetProfile(ctx, "r1", p)
		if err != nil {
			t.Fatalf("GetProfile(%s) error = %v", p, err)
		}
		if prof.Backend != envelope.BackendManagedKMS || prof.State != StateActive {
			t.Errorf("%s profile = %+v", p, prof)
		}
	}
	if v := profileVersion(t, db, "r1", ProviderDoorDash); v <= ddBefore {
		t.Errorf("doordash version %d -> %d, want increase", ddBefore, v)
	}
	if v := profileVersion(t, db, "r1", ProviderUber); v <= uberBefore {
		t.Errorf("uber version %d -> %d, want increase", uberBefore, v)
	}

	events, err := ps.ListEvents(ctx, "r1", "", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	rekeyed := map[Provider]bool{}
	for _, ev := range events {
		if ev.Action == ActionSecurityModeRekey {
			if ev.Actor == nil || *ev.Actor != "admin@example.com" || ev.Outcome != OutcomeSuccess {
				t.Errorf("rekey event = %+v", ev)
			}
			rekeyed[ev.Provider] = true
		}
	}
	for _, p := range []Provider{ProviderDoorDash, ProviderUber, ProviderAnthropic} {
		if !rekeyed[p] {
			t.Errorf("no security_mode_rekey event for %s", p)
		}
	}
	if rekeyed[ProviderOpenAI] {
		t.Error("rekey event for provider without credentials")
	}

	rc, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderUber)
	if err != nil {
		t.Fatalf("GetRuntimeCredentials() error = %v", err)
	}
	if u := rc.Uber(); u.ClientID != "c" || u.ClientSecret != "s" || u.CustomerID != "u" || u.WebhookSigningKey != "w" {
		t.Errorf("Uber() after switch = %+v", u)
	}

	topics := bus.topics()
	if topics[len(topics)-1] != TopicSecurityModeChanged {
		t.Errorf("last topic = %q, want %q", topics[len(topics)-1], TopicSecurityModeChanged)
	}

	// New writes follow the switched mode.
	if _, err := svc.Upsert(ctx, "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops"); err != nil {
		t.Fatalf("Upsert(openai) error = %v", err)
	}
	if b, _ := BackendOf(rawSlots(t, db, "r1")[SlotOpenAIAPIKey]); b != envelope.BackendManagedKMS {
		t.Errorf("openai backend after switch = %q, want managed_kms", b)
	}
}

func TestSwitchSecurityMode_NoopWhenUnchanged(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	events := countEvents(t, db, "r1")
	before := rawSlots(t, db, "r1")

	sp, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendLowAssurance, "ops")
	if err != nil {
		t.Fatalf("SwitchSecurityMode() error = %v", err)
	}
	if sp.Mode != envelope.BackendLowAssurance || sp.ProfileVersion != 0 {
		t.Errorf("profile = %+v", sp)
	}
	if n := countEvents(t, db, "r1"); n != events {
		t.Errorf("events %d -> %d, want unchanged", events, n)
	}
	after := rawSlots(t, db, "r1")
	for slot, payload := range before {
		if after[slot] != payload {
			t.Errorf("%s rewritten by no-op switch", slot)
		}
	}

	if _, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "ops"); err != nil {
		t.Fatalf("SwitchSecurityMode(managed_kms) error = %v", err)
	}
	events = countEvents(t, db, "r1")
	if _, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "ops"); err != nil {
		t.Fatalf("repeat SwitchSecurityMode() error = %v", err)
	}
	if n := countEvents(t, db, "r1"); n != events {
		t.Errorf("repeat switch appended %d events", n-events)
	}
}

func TestSwitchSecurityMode_BackendNotConfiguredWritesNothing(t *testing.T) {
	svc, db := newTestService(t, keys.Config{SharedSecrets: []string{"shared"}})
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	events := countEvents(t, db, "r1")
	before := rawSlots(t, db, "r1")
	version := profileVersion(t, db, "r1", ProviderDoorDash)

	_, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "ops")
	if !errors.Is(err, keys.ErrBackendNotConfigured) {
		t.Fatalf("SwitchSecurityMode() error = %v, want ErrBackendNotConfigured", err)
	}

	if n := countEvents(t, db, "r1"); n != events {
		t.Errorf("events %d -> %d, want unchanged", events, n)
	}
	if v := profileVersion(t, db, "r1", ProviderDoorDash); v != version {
		t.Errorf("profile version %d -> %d, want unchanged", version, v)
	}
	if v := profileVersion(t, db, "r1", ProviderSecurity); v != 0 {
		t.Errorf("security profile created (version %d)", v)
	}
	after := rawSlots(t, db, "r1")
	for slot, payload := range before {
		if after[slot] != payload {
			t.Errorf("%s rewritten", slot)
		}
	}
}

func TestSwitchSecurityMode_UndecryptableSlotRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// DoorDash was written under a secret the current deployment no longer has.
	old := NewService(db, NewCipher(testResolver(t, keys.Config{SharedSecrets: []string{"forgotten"}})), zap.NewNop())
	if _, err := old.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert(doordash) error = %v", err)
	}
	svc := NewService(db, NewCipher(testResolver(t, fullKeys)), zap.NewNop())
	if _, err := svc.Upsert(ctx, "r1", ProviderUber, uberInput, "ops"); err != nil {
		t.Fatalf("Upsert(uber) error = %v", err)
	}
	before := rawSlots(t, db, "r1")
	ddVersion := profileVersion(t, db, "r1", ProviderDoorDash)
	uberVersion := profileVersion(t, db, "r1", ProviderUber)

	_, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "ops")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("SwitchSecurityMode() error = %v, want ErrDecryptionFailed", err)
	}

	after := rawSlots(t, db, "r1")
	for slot, payload := range before {
		if after[slot] != payload {
			t.Errorf("%s changed despite rollback", slot)
		}
	}
	if v := profileVersion(t, db, "r1", ProviderDoorDash); v != ddVersion {
		t.Errorf("doordash version %d -> %d", ddVersion, v)
	}
	if v := profileVersion(t, db, "r1", ProviderUber); v != uberVersion {
		t.Errorf("uber version %d -> %d", uberVersion, v)
	}
	sp, err := svc.GetSecurityProfile(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSecurityProfile() error = %v", err)
	}
	if sp.Mode != envelope.BackendLowAssurance {
		t.Errorf("mode after failed switch = %q", sp.Mode)
	}

	events, err := svc.ListEvents(ctx, "r1", "", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	failures := 0
	for _, ev := range events {
		if ev.Outcome != OutcomeFailure {
			continue
		}
		failures++
		if ev.Action != ActionSecurityModeRekey || ev.Metadata["error_kind"] != "decryption_failed" {
			t.Errorf("failure event = %+v", ev)
		}
	}
	if failures != 2 {
		t.Errorf("failure events = %d, want 2", failures)
	}
}

func TestSwitchSecurityMode_RekeysLegacySlots(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()

	key, err := testResolver(t, fullKeys).DeriveKey(envelope.BackendLowAssurance)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	rec := NewCredentialRecord("r1")
	rec.Slots[SlotDoorDashAPIKey] = legacyPayload(t, key, "legacy-api")
	rec.Slots[SlotDoorDashSigningSecret] = legacyPayload(t, key, "legacy-signing")
	if err := NewRecordStore(db.DB()).Put(ctx, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendManagedKMS, "ops"); err != nil {
		t.Fatalf("SwitchSecurityMode() error = %v", err)
	}
	for slot, payload := range rawSlots(t, db, "r1") {
		if !strings.HasPrefix(payload, "v1:managed_kms:") {
			t.Errorf("%s not rekeyed to managed_kms", slot)
		}
	}
	rc, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderDoorDash)
	if err != nil || rc == nil {
		t.Fatalf("GetRuntimeCredentials() = %v, %v", rc, err)
	}
	if rc.DoorDash().APIKey != "legacy-api" {
		t.Errorf("APIKey = %q, want legacy-api", rc.DoorDash().APIKey)
	}
}

func TestUberScenario(t *testing.T) {
	svc, _ := newTestService(t, fullKeys)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, "T", ProviderUber, uberInput, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	summary, err := svc.GetSummary(ctx, "T")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if !summary.Providers[ProviderUber].Configured {
		t.Fatal("uber not configured after upsert")
	}
	if summary.Providers[ProviderDoorDash].Configured {
		t.Error("doordash configured without credentials")
	}

	if _, err := svc.SwitchSecurityMode(ctx, "T", envelope.BackendManagedKMS, "ops"); err != nil {
		t.Fatalf("SwitchSecurityMode() error = %v", err)
	}
	rc, err := svc.GetRuntimeCredentials(ctx, "T", ProviderUber)
	if err != nil || rc == nil {
		t.Fatalf("GetRuntimeCredentials() = %v, %v", rc, err)
	}
	want := map[string]string{FieldClientID: "c", FieldClientSecret: "s", FieldCustomerID: "u", FieldWebhookSigningKey: "w"}
	for k, v := range want {
		if rc.Values[k] != v {
			t.Errorf("Values[%s] = %q, want %q", k, rc.Values[k], v)
		}
	}

	cleared, err := svc.Clear(ctx, "T", ProviderUber, "ops")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cleared.Configured || cleared.State != StateDisabled {
		t.Errorf("after Clear: configured=%v state=%s", cleared.Configured, cleared.State)
	}
	summary, err = svc.GetSummary(ctx, "T")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if us := summary.Providers[ProviderUber]; us.Configured || us.State != StateDisabled {
		t.Errorf("uber summary after clear = %+v", us)
	}
	if summary.SecurityMode != envelope.BackendManagedKMS {
		t.Errorf("SecurityMode = %q", summary.SecurityMode)
	}
}

func TestRevoke(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	summary, err := svc.Revoke(ctx, "r1", ProviderOpenAI, "security-team")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if summary.State != StateRevoked || summary.Configured {
		t.Errorf("summary = %+v", summary)
	}
	if _, ok := rawSlots(t, db, "r1")[SlotOpenAIAPIKey]; ok {
		t.Error("openai slot not nulled")
	}
	rc, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderOpenAI)
	if err != nil || rc != nil {
		t.Errorf("GetRuntimeCredentials() after revoke = %v, %v", rc, err)
	}
}

func TestFixedBackend(t *testing.T) {
	svc, db := newTestService(t, fullKeys, WithFixedBackend(envelope.BackendManagedKMS))
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if b, _ := BackendOf(rawSlots(t, db, "r1")[SlotOpenAIAPIKey]); b != envelope.BackendManagedKMS {
		t.Errorf("backend = %q, want managed_kms", b)
	}
	if _, err := svc.SwitchSecurityMode(ctx, "r1", envelope.BackendLowAssurance, "ops"); !errors.Is(err, ErrModeSwitchDisabled) {
		t.Errorf("SwitchSecurityMode() error = %v, want ErrModeSwitchDisabled", err)
	}
	sp, err := svc.GetSecurityProfile(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSecurityProfile() error = %v", err)
	}
	if sp.Mode != envelope.BackendManagedKMS || len(sp.AvailableModes) != 1 {
		t.Errorf("profile = %+v", sp)
	}
}

func TestMigrateLegacyRecord(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()

	key, err := testResolver(t, fullKeys).DeriveKey(envelope.BackendLowAssurance)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	rec := NewCredentialRecord("r1")
	rec.Slots[SlotUberClientID] = legacyPayload(t, key, "c")
	rec.Slots[SlotUberClientSecret] = legacyPayload(t, key, "s")
	rec.Slots[SlotUberCustomerID] = legacyPayload(t, key, "u")
	if err := NewRecordStore(db.DB()).Put(ctx, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	change, err := svc.MigrateLegacyRecord(ctx, "r1", "batch", true)
	if err != nil {
		t.Fatalf("MigrateLegacyRecord(dry run) error = %v", err)
	}
	if change == nil || change.Written || len(change.Slots) != 3 {
		t.Fatalf("dry-run change = %+v", change)
	}
	if slots := rawSlots(t, db, "r1"); !IsLegacy(slots[SlotUberClientID]) {
		t.Error("dry run wrote the record")
	}
	if n := countEvents(t, db, "r1"); n != 0 {
		t.Errorf("dry run appended %d events", n)
	}

	change, err = svc.MigrateLegacyRecord(ctx, "r1", "batch", false)
	if err != nil {
		t.Fatalf("MigrateLegacyRecord() error = %v", err)
	}
	if !change.Written || change.Backend != envelope.BackendLowAssurance {
		t.Errorf("change = %+v", change)
	}
	for slot, payload := range rawSlots(t, db, "r1") {
		if IsLegacy(payload) {
			t.Errorf("%s still legacy", slot)
		}
	}
	uber, err := NewProfileStore(db.DB(), bothBackends(t)).GetProfile(ctx, "r1", ProviderUber)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if uber == nil || uber.State != StateActive || uber.ProfileVersion != 1 {
		t.Errorf("uber profile = %+v", uber)
	}
	if dd := profileVersion(t, db, "r1", ProviderDoorDash); dd != 1 {
		t.Errorf("doordash profile version = %d, want 1", dd)
	}

	// Already migrated: nothing to do.
	change, err = svc.MigrateLegacyRecord(ctx, "r1", "batch", false)
	if err != nil || change != nil {
		t.Errorf("second MigrateLegacyRecord() = %+v, %v; want nil, nil", change, err)
	}
}

func TestUpsert_ConcurrentWritersSerialize(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Upsert(ctx, "r1", ProviderOpenAI, UpsertInput{Fields: map[string]string{FieldAPIKey: "sk"}}, "ops")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Upsert() error = %v", err)
		}
	}
	if v := profileVersion(t, db, "r1", ProviderOpenAI); v != 10 {
		t.Errorf("profile version = %d, want 10", v)
	}
}

func TestSwitchSecurityMode_ConcurrentWithUpsert(t *testing.T) {
	svc, db := newTestService(t, fullKeys)
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, "r1", ProviderDoorDash, doordashInput, "ops"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	const rounds = 40
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		mode := envelope.BackendManagedKMS
		if i%2 == 1 {
			mode = envelope.BackendLowAssurance
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.SwitchSecurityMode(ctx, "r1", mode, "ops")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Upsert(ctx, "r1", ProviderUber, uberInput, "ops")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent operation error = %v", err)
		}
	}

	sp, err := svc.GetSecurityProfile(ctx, "r1")
	if err != nil {
		t.Fatalf("GetSecurityProfile() error = %v", err)
	}
	final := sp.Mode

	for slot, payload := range rawSlots(t, db, "r1") {
		b, err := BackendOf(payload)
		if err != nil {
			t.Fatalf("BackendOf(%s) error = %v", slot, err)
		}
		if b != final {
			t.Errorf("slot %s backend = %s, want %s", slot, b, final)
		}
	}

	profiles := NewProfileStore(db.DB(), bothBackends(t))
	for _, p := range DeliveryProviders {
		prof, err := profiles.GetProfile(ctx, "r1", p)
		if err != nil || prof == nil {
			t.Fatalf("GetProfile(%s) = %v, %v", p, prof, err)
		}
		if prof.Backend != final {
			t.Errorf("%s profile backend = %s, want %s", p, prof.Backend, final)
		}
	}

	rc, err := svc.GetRuntimeCredentials(ctx, "r1", ProviderUber)
	if err != nil || rc == nil {
		t.Fatalf("GetRuntimeCredentials() = %v, %v", rc, err)
	}
}
