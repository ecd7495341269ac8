package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/store"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

// Service orchestrates credential writes, reads and security mode changes.
// Every mutation runs in one store transaction so a credential record never
// disagrees with the backend its profiles advertise.
type Service struct {
	store  plugin.Store
	cipher *Cipher
	logger *zap.Logger
	bus    plugin.Publisher
	fixed  envelope.Backend
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes change events after each commit.
func WithPublisher(p plugin.Publisher) Option {
	return func(s *Service) { s.bus = p }
}

// WithFixedBackend pins every write to b and disables mode switching.
func WithFixedBackend(b envelope.Backend) Option {
	return func(s *Service) { s.fixed = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(st plugin.Store, c *Cipher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		cipher: c,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Cipher returns the service's cipher.
func (s *Service) Cipher() *Cipher { return s.cipher }

func (s *Service) profiles(q store.Querier) *ProfileStore {
	return NewProfileStore(q, s.cipher)
}

// activeBackend resolves the backend new ciphertext is written under.
func (s *Service) activeBackend(ctx context.Context, profiles *ProfileStore, tenantID string) (envelope.Backend, error) {
	if s.fixed != "" {
		return s.fixed, nil
	}
	sp, err := profiles.GetSecurityProfile(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return sp.Mode, nil
}

// Upsert encrypts the supplied fields under the tenant's active backend and
// merges them into the credential record. Empty values keep the stored
// slot. The write is rejected with an *IncompleteCredentialSetError when
// the provider's mandatory fields are not all populated afterwards.
func (s *Service) Upsert(ctx context.Context, tenantID string, provider Provider, in UpsertInput, actor string) (*ProviderSummary, error) {
	summary, err := s.upsert(ctx, tenantID, provider, in, actor)
	observeOperation("upsert", provider, err)
	return summary, err
}

func (s *Service) upsert(ctx context.Context, tenantID string, provider Provider, in UpsertInput, actor string) (*ProviderSummary, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	spec, err := LookupProvider(provider)
	if err != nil {
		return nil, err
	}

	supplied := make(map[Slot]string)
	var fields []string
	for field, value := range in.Fields {
		ss, ok := spec.slotFor(field)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, provider, field)
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		supplied[ss.Slot] = value
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var (
		summary *ProviderSummary
		profile *ProviderProfile
		backend envelope.Backend
	)
	err = s.store.Tx(ctx, func(tx *sql.Tx) error {
		records, profiles := NewRecordStore(tx), s.profiles(tx)

		b, err := s.activeBackend(ctx, profiles, tenantID)
		if err != nil {
			return err
		}
		backend = b
		if !s.cipher.Available(backend) {
			return fmt.Errorf("%w: %s", keys.ErrBackendNotConfigured, backend)
		}

		now := s.now()
		rec, err := records.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = NewCredentialRecord(tenantID)
			rec.CreatedAt = now
		}

		for slot, value := range supplied {
			payload, err := s.cipher.Encrypt(value, backend)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", slot, err)
			}
			rec.Slots[slot] = payload
		}
		// Kept slots move to the active backend too, so the profile's
		// backend holds for every slot it covers.
		for _, ss := range spec.Slots {
			if _, ok := supplied[ss.Slot]; ok || !rec.Has(ss.Slot) {
				continue
			}
			if !NeedsRekey(rec.Slots[ss.Slot], backend) {
				continue
			}
			payload, err := s.cipher.Reencrypt(rec.Slots[ss.Slot], backend)
			if err != nil {
				return fmt.Errorf("rekey %s: %w", ss.Slot, err)
			}
			rec.Slots[ss.Slot] = payload
		}

		if missing := spec.missing(rec); len(missing) > 0 {
			return &IncompleteCredentialSetError{Provider: provider, Missing: missing}
		}

		rec.UpdatedAt = now
		if err := records.Put(ctx, rec); err != nil {
			return err
		}

		prev, err := profiles.GetProfile(ctx, tenantID, provider)
		if err != nil {
			return err
		}
		var prevRefs *ConfigRefMap
		if prev != nil {
			prevRefs = &prev.ConfigRefMap
		}
		profile, err = profiles.UpsertProfile(ctx, ProfileMutation{
			TenantID: tenantID,
			Provider: provider,
			Backend:  backend,
			State:    StateActive,
			Refs:     buildRefs(provider, rec, prevRefs, &in),
			Action:   ActionCredentialsUpserted,
			Actor:    actorRef(actor),
			Metadata: map[string]any{"fields": fields, "backend": string(backend)},
			At:       now,
		})
		if err != nil {
			return err
		}
		summary = summarize(spec, rec, profile)
		return nil
	})
	if err != nil {
		s.logger.Warn("credential upsert failed",
			zap.String("tenant_id", tenantID),
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("credentials upserted",
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
		zap.String("backend", string(backend)),
		zap.Int64("profile_version", profile.ProfileVersion),
		zap.Strings("fields", fields),
	)
	s.publish(ctx, TopicCredentialsUpserted, credentialsEvent(profile, actor))
	return summary, nil
}

// Clear nulls every slot of provider and disables its profile.
func (s *Service) Clear(ctx context.Context, tenantID string, provider Provider, actor string) (*ProviderSummary, error) {
	summary, err := s.empty(ctx, tenantID, provider, actor, StateDisabled, ActionCredentialsCleared, TopicCredentialsCleared)
	observeOperation("clear", provider, err)
	return summary, err
}

// Revoke nulls every slot of provider and marks its profile REVOKED.
func (s *Service) Revoke(ctx context.Context, tenantID string, provider Provider, actor string) (*ProviderSummary, error) {
	summary, err := s.empty(ctx, tenantID, provider, actor, StateRevoked, ActionCredentialsRevoked, TopicCredentialsRevoked)
	observeOperation("revoke", provider, err)
	return summary, err
}

func (s *Service) empty(ctx context.Context, tenantID string, provider Provider, actor string, state State, action, topic string) (*ProviderSummary, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	spec, err := LookupProvider(provider)
	if err != nil {
		return nil, err
	}

	var (
		summary *ProviderSummary
		profile *ProviderProfile
	)
	err = s.store.Tx(ctx, func(tx *sql.Tx) error {
		records, profiles := NewRecordStore(tx), s.profiles(tx)

		backend, err := s.activeBackend(ctx, profiles, tenantID)
		if err != nil {
			return err
		}

		now := s.now()
		rec, err := records.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		var cleared []string
		if rec != nil {
			for _, ss := range spec.Slots {
				if rec.Has(ss.Slot) {
					delete(rec.Slots, ss.Slot)
					cleared = append(cleared, ss.Field)
				}
			}
			if len(cleared) > 0 {
				rec.UpdatedAt = now
				if err := records.Put(ctx, rec); err != nil {
					return err
				}
			}
		}
		sort.Strings(cleared)

		prev, err := profiles.GetProfile(ctx, tenantID, provider)
		if err != nil {
			return err
		}
		var prevRefs *ConfigRefMap
		if prev != nil {
			prevRefs = &prev.ConfigRefMap
		}
		profile, err = profiles.UpsertProfile(ctx, ProfileMutation{
			TenantID: tenantID,
			Provider: provider,
			Backend:  backend,
			State:    state,
			Refs:     buildRefs(provider, rec, prevRefs, nil),
			Action:   action,
			Actor:    actorRef(actor),
			Metadata: map[string]any{"fields": cleared},
			At:       now,
		})
		if err != nil {
			return err
		}
		summary = summarize(spec, rec, profile)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credentials emptied",
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
		zap.String("action", action),
		zap.Int64("profile_version", profile.ProfileVersion),
	)
	s.publish(ctx, topic, credentialsEvent(profile, actor))
	return summary, nil
}

// GetRuntimeCredentials decrypts provider's secrets for internal use. It
// returns nil, nil when a mandatory slot is empty or the provider is
// revoked.
func (s *Service) GetRuntimeCredentials(ctx context.Context, tenantID string, provider Provider) (*RuntimeCredentials, error) {
	spec, err := LookupProvider(provider)
	if err != nil {
		return nil, err
	}
	db := s.store.DB()

	rec, err := NewRecordStore(db).Get(ctx, tenantID)
	if err != nil || !spec.configured(rec) {
		return nil, err
	}
	profile, err := s.profiles(db).GetProfile(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}
	if profile != nil && profile.State == StateRevoked {
		return nil, nil
	}

	rc := &RuntimeCredentials{
		TenantID: tenantID,
		Provider: provider,
		Values:   make(map[string]string, len(spec.Slots)),
	}
	for _, ss := range spec.Slots {
		if !rec.Has(ss.Slot) {
			continue
		}
		plain, err := s.cipher.Decrypt(rec.Slots[ss.Slot])
		if err != nil {
			observeOperation("decrypt", provider, err)
			s.logger.Error("runtime credential decrypt failed",
				zap.String("tenant_id", tenantID),
				zap.String("provider", string(provider)),
				zap.String("slot", string(ss.Slot)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("decrypt %s: %w", ss.Slot, err)
		}
		rc.Values[ss.Field] = plain
	}
	if profile != nil {
		if r := profile.ConfigRefMap.DoorDash; r != nil {
			rc.TestMode = r.TestMode
		}
		if r := profile.ConfigRefMap.Uber; r != nil {
			rc.Sandbox = r.Sandbox
		}
	}
	observeOperation("decrypt", provider, nil)
	return rc, nil
}

// GetSummary reports, per provider, which fields are populated. It never
// decrypts anything.
func (s *Service) GetSummary(ctx context.Context, tenantID string) (*Summary, error) {
	db := s.store.DB()
	profiles := s.profiles(db)

	rec, err := NewRecordStore(db).Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	list, err := profiles.ListProfiles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[Provider]*ProviderProfile, len(list))
	for _, p := range list {
		byProvider[p.Provider] = p
	}
	mode, err := s.activeBackend(ctx, profiles, tenantID)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		TenantID:     tenantID,
		SecurityMode: mode,
		Providers:    make(map[Provider]*ProviderSummary, len(providerSpecs)),
	}
	for _, spec := range providerSpecs {
		out.Providers[spec.Provider] = summarize(spec, rec, byProvider[spec.Provider])
	}
	return out, nil
}

// GetSecurityProfile returns the tenant's security mode and the modes that
// can currently be selected.
func (s *Service) GetSecurityProfile(ctx context.Context, tenantID string) (*SecurityProfile, error) {
	sp, err := s.profiles(s.store.DB()).GetSecurityProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if s.fixed != "" {
		sp.Mode, sp.Backend = s.fixed, s.fixed
		sp.AvailableModes = []envelope.Backend{s.fixed}
		sp.CanUseMostSecure = false
	}
	return sp, nil
}

// ListEvents returns the tenant's audit trail, newest first.
func (s *Service) ListEvents(ctx context.Context, tenantID string, provider Provider, limit int) ([]*ProfileEvent, error) {
	return s.profiles(s.store.DB()).ListEvents(ctx, tenantID, provider, limit)
}

// SwitchSecurityMode moves the tenant to mode and re-encrypts every stored
// slot under it in a single transaction. An unchanged mode returns the
// current profile without writing. If any slot fails to re-encrypt nothing
// is written except FAILURE audit events.
func (s *Service) SwitchSecurityMode(ctx context.Context, tenantID string, mode envelope.Backend, actor string) (*SecurityProfile, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if s.fixed != "" {
		return nil, ErrModeSwitchDisabled
	}
	if _, err := envelope.ParseBackend(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}

	cur, err := s.GetSecurityProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cur.Mode == mode {
		return cur, nil
	}
	if !s.cipher.Available(mode) {
		return nil, fmt.Errorf("%w: %s", keys.ErrBackendNotConfigured, mode)
	}

	start := time.Now()
	from := cur.Mode
	res, err := s.rekey(ctx, tenantID, from, mode, actor)
	observeRekey(string(mode), start, err)
	if err != nil {
		s.logger.Error("security mode switch failed",
			zap.String("tenant_id", tenantID),
			zap.String("from", string(from)),
			zap.String("to", string(mode)),
			zap.Error(err),
		)
		if !errors.Is(err, ErrProfileConflict) {
			s.recordRekeyFailure(ctx, tenantID, from, mode, actor, err)
		}
		return nil, err
	}
	if res == nil {
		// Another switch reached the same mode first.
		return s.GetSecurityProfile(ctx, tenantID)
	}

	s.logger.Info("security mode switched",
		zap.String("tenant_id", tenantID),
		zap.String("from", string(from)),
		zap.String("to", string(mode)),
		zap.Int("rekeyed_slots", res.rekeyed),
		zap.Int("providers", len(res.providers)),
	)
	s.publish(ctx, TopicSecurityModeChanged, SecurityModeChangedEvent{
		TenantID:  tenantID,
		From:      from,
		To:        mode,
		Providers: res.providers,
		Rekeyed:   res.rekeyed,
		Actor:     actor,
	})
	return res.profile, nil
}

type rekeyResult struct {
	profile   *SecurityProfile
	providers []Provider
	rekeyed   int
}

func (s *Service) rekey(ctx context.Context, tenantID string, from, to envelope.Backend, actor string) (*rekeyResult, error) {
	var res *rekeyResult
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		records, profiles := NewRecordStore(tx), s.profiles(tx)

		// Re-read under the transaction; a concurrent switch may have won.
		current, err := s.activeBackend(ctx, profiles, tenantID)
		if err != nil {
			return err
		}
		if current == to {
			return nil
		}

		now := s.now()
		rec, err := records.Get(ctx, tenantID)
		if err != nil {
			return err
		}

		changed := make(map[Provider][]string)
		rekeyed := 0
		if rec != nil {
			for _, spec := range providerSpecs {
				for _, ss := range spec.Slots {
					if !rec.Has(ss.Slot) || !NeedsRekey(rec.Slots[ss.Slot], to) {
						continue
					}
					payload, err := s.cipher.Reencrypt(rec.Slots[ss.Slot], to)
					if err != nil {
						return fmt.Errorf("rekey %s: %w", ss.Slot, err)
					}
					rec.Slots[ss.Slot] = payload
					changed[spec.Provider] = append(changed[spec.Provider], ss.Field)
					rekeyed++
				}
			}
			if rekeyed > 0 {
				rec.UpdatedAt = now
				if err := records.Put(ctx, rec); err != nil {
					return err
				}
			}
		}

		sp, err := profiles.SetSecurityProfile(ctx, tenantID, to, actorRef(actor))
		if err != nil {
			return err
		}

		var affected []Provider
		for _, spec := range providerSpecs {
			prev, err := profiles.GetProfile(ctx, tenantID, spec.Provider)
			if err != nil {
				return err
			}
			if !spec.Delivery && prev == nil && !spec.hasAny(rec) {
				continue
			}
			state := StateDisabled
			var prevRefs *ConfigRefMap
			if prev != nil {
				state = prev.State
				prevRefs = &prev.ConfigRefMap
			} else if spec.configured(rec) {
				state = StateActive
			}
			fields := changed[spec.Provider]
			if fields == nil {
				fields = []string{}
			}
			if _, err := profiles.UpsertProfile(ctx, ProfileMutation{
				TenantID: tenantID,
				Provider: spec.Provider,
				Backend:  to,
				State:    state,
				Refs:     buildRefs(spec.Provider, rec, prevRefs, nil),
				Action:   ActionSecurityModeRekey,
				Actor:    actorRef(actor),
				Metadata: map[string]any{"from": string(from), "to": string(to), "rekeyed_fields": fields},
				At:       now,
			}); err != nil {
				return err
			}
			affected = append(affected, spec.Provider)
		}

		res = &rekeyResult{profile: sp, providers: affected, rekeyed: rekeyed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// recordRekeyFailure appends FAILURE events for the delivery providers in
// a fresh transaction after the rekey rolled back. Profile versions are not
// bumped.
func (s *Service) recordRekeyFailure(ctx context.Context, tenantID string, from, to envelope.Backend, actor string, cause error) {
	meta := map[string]any{"from": string(from), "to": string(to), "error_kind": errorKind(cause)}
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		profiles := s.profiles(tx)
		for _, p := range DeliveryProviders {
			if err := profiles.AppendFailure(ctx, tenantID, p, ActionSecurityModeRekey, actorRef(actor), meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record rekey failure",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

// LegacyChange describes what migrating one tenant's legacy slots did or
// would do. It carries slot names only.
type LegacyChange struct {
	TenantID string           `json:"tenant_id"`
	Backend  envelope.Backend `json:"backend"`
	Slots    []Slot           `json:"slots"`
	Written  bool             `json:"written"`
}

// MigrateLegacyRecord re-encrypts every unversioned slot of the tenant's
// record under the tenant's security mode (low_assurance when unset). A
// record with no legacy slots returns nil, nil. In dry-run mode every slot
// is still decrypted, so unreadable data fails the same way it would live,
// but nothing is written.
func (s *Service) MigrateLegacyRecord(ctx context.Context, tenantID, actor string, dryRun bool) (*LegacyChange, error) {
	var change *LegacyChange
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		records, profiles := NewRecordStore(tx), s.profiles(tx)

		rec, err := records.Get(ctx, tenantID)
		if err != nil || rec == nil {
			return err
		}
		target, err := s.activeBackend(ctx, profiles, tenantID)
		if err != nil {
			return err
		}

		var legacy []Slot
		for _, slot := range allSlots() {
			if rec.Has(slot) && IsLegacy(rec.Slots[slot]) {
				legacy = append(legacy, slot)
			}
		}
		if len(legacy) == 0 {
			return nil
		}
		if !s.cipher.Available(target) {
			return fmt.Errorf("%w: %s", keys.ErrBackendNotConfigured, target)
		}

		for _, slot := range legacy {
			payload, err := s.cipher.Reencrypt(rec.Slots[slot], target)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", slot, err)
			}
			rec.Slots[slot] = payload
		}
		change = &LegacyChange{TenantID: tenantID, Backend: target, Slots: legacy}
		if dryRun {
			return nil
		}

		now := s.now()
		rec.UpdatedAt = now
		if err := records.Put(ctx, rec); err != nil {
			return err
		}
		for _, p := range DeliveryProviders {
			spec, _ := LookupProvider(p)
			prev, err := profiles.GetProfile(ctx, tenantID, p)
			if err != nil {
				return err
			}
			state := StateDisabled
			var prevRefs *ConfigRefMap
			if prev != nil {
				state = prev.State
				prevRefs = &prev.ConfigRefMap
			} else if spec.configured(rec) {
				state = StateActive
			}
			if _, err := profiles.UpsertProfile(ctx, ProfileMutation{
				TenantID: tenantID,
				Provider: p,
				Backend:  target,
				State:    state,
				Refs:     buildRefs(p, rec, prevRefs, nil),
				Action:   ActionLegacyMigrated,
				Actor:    actorRef(actor),
				Metadata: map[string]any{"slots": slotNames(legacy), "backend": string(target)},
				At:       now,
			}); err != nil {
				return err
			}
		}
		change.Written = true
		return nil
	})
	if err != nil {
		observeOperation("migrate_legacy", "", err)
		return nil, err
	}
	if change != nil && change.Written {
		observeOperation("migrate_legacy", "", nil)
	}
	return change, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "vault",
		Timestamp: s.now(),
		Payload:   payload,
	})
	if err != nil {
		s.logger.Warn("failed to publish vault event", zap.String("topic", topic), zap.Error(err))
	}
}

func summarize(spec ProviderSpec, rec *CredentialRecord, p *ProviderProfile) *ProviderSummary {
	ps := &ProviderSummary{
		Provider:   spec.Provider,
		Configured: spec.configured(rec),
		Fields:     make(map[string]bool, len(spec.Slots)),
	}
	for _, ss := range spec.Slots {
		ps.Fields[ss.Field] = rec != nil && rec.Has(ss.Slot)
	}
	if p != nil {
		ps.State = p.State
		ps.Backend = p.Backend
		ps.ProfileVersion = p.ProfileVersion
		updated := p.UpdatedAt
		ps.UpdatedAt = &updated
		if r := p.ConfigRefMap.DoorDash; r != nil {
			tm := r.TestMode
			ps.TestMode = &tm
		}
		if r := p.ConfigRefMap.Uber; r != nil {
			sb := r.Sandbox
			ps.Sandbox = &sb
		}
	}
	return ps
}

func credentialsEvent(p *ProviderProfile, actor string) CredentialsChangedEvent {
	return CredentialsChangedEvent{
		TenantID:       p.TenantID,
		Provider:       p.Provider,
		Backend:        p.Backend,
		State:          p.State,
		ProfileVersion: p.ProfileVersion,
		Actor:          actor,
	}
}

func actorRef(actor string) *string {
	if actor == "" {
		return nil
	}
	return &actor
}

func slotNames(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = string(s)
	}
	return out
}

// errorKind classifies an error for audit metadata without its message.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, keys.ErrBackendNotConfigured):
		return "backend_not_configured"
	case errors.Is(err, ErrProfileConflict):
		return "profile_conflict"
	default:
		return "internal"
	}
}
