package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/store"
)

// RecordStore reads and writes credential records. It runs against a
// *sql.DB or a *sql.Tx, so callers choose the transaction boundary.
type RecordStore struct {
	q store.Querier
}

// NewRecordStore wraps q.
func NewRecordStore(q store.Querier) *RecordStore {
	return &RecordStore{q: q}
}

// Get returns the tenant's record, or nil, nil if none exists.
func (s *RecordStore) Get(ctx context.Context, tenantID string) (*CredentialRecord, error) {
	slots := allSlots()
	cols := make([]string, len(slots))
	vals := make([]sql.NullString, len(slots))
	dest := make([]any, 0, len(slots)+2)
	for i, slot := range slots {
		cols[i] = string(slot)
		dest = append(dest, &vals[i])
	}

	rec := NewCredentialRecord(tenantID)
	dest = append(dest, &rec.CreatedAt, &rec.UpdatedAt)

	query := "SELECT " + strings.Join(cols, ", ") + ", created_at, updated_at FROM credential_records WHERE tenant_id = ?"
	if err := s.q.QueryRowContext(ctx, query, tenantID).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential record: %w", err)
	}
	for i, slot := range slots {
		if vals[i].Valid && vals[i].String != "" {
			rec.Slots[slot] = vals[i].String
		}
	}
	return rec, nil
}

// Put inserts or fully replaces the tenant's record. Slots absent from
// rec.Slots are stored as NULL.
func (s *RecordStore) Put(ctx context.Context, rec *CredentialRecord) error {
	slots := allSlots()
	cols := make([]string, 0, len(slots))
	sets := make([]string, 0, len(slots))
	args := make([]any, 0, len(slots)+3)
	args = append(args, rec.TenantID)
	for _, slot := range slots {
		cols = append(cols, string(slot))
		sets = append(sets, string(slot)+" = excluded."+string(slot))
		if v, ok := rec.Slots[slot]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	args = append(args, rec.CreatedAt, rec.UpdatedAt)

	query := "INSERT INTO credential_records (tenant_id, " + strings.Join(cols, ", ") + ", created_at, updated_at) " +
		"VALUES (?" + strings.Repeat(", ?", len(slots)+2) + ") " +
		"ON CONFLICT(tenant_id) DO UPDATE SET " + strings.Join(sets, ", ") + ", updated_at = excluded.updated_at"
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("put credential record: %w", err)
	}
	return nil
}

// ListTenantIDs returns every tenant with a credential record, sorted.
func (s *RecordStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT tenant_id FROM credential_records ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Availability reports which envelope backends have key material. Both
// *Cipher and *keys.Resolver satisfy it.
type Availability interface {
	Available(b envelope.Backend) bool
	AvailableBackends() []envelope.Backend
}

// ProfileStore reads provider profiles and writes them together with their
// audit events.
type ProfileStore struct {
	q        store.Querier
	backends Availability
}

// NewProfileStore wraps q. backends decides which security modes may be set.
func NewProfileStore(q store.Querier, backends Availability) *ProfileStore {
	return &ProfileStore{q: q, backends: backends}
}

// GetSecurityProfile returns the tenant's canonical security mode, read
// from the internal security profile. Tenants without one default to
// low_assurance at version 0.
func (s *ProfileStore) GetSecurityProfile(ctx context.Context, tenantID string) (*SecurityProfile, error) {
	p, err := s.GetProfile(ctx, tenantID, ProviderSecurity)
	if err != nil {
		return nil, err
	}
	sp := &SecurityProfile{
		Mode:             envelope.BackendLowAssurance,
		AvailableModes:   s.backends.AvailableBackends(),
		CanUseMostSecure: s.backends.Available(envelope.BackendManagedKMS),
	}
	if sp.AvailableModes == nil {
		sp.AvailableModes = []envelope.Backend{}
	}
	if p != nil {
		if p.ConfigRefMap.Security != nil {
			sp.Mode = p.ConfigRefMap.Security.Mode
		}
		sp.ProfileVersion = p.ProfileVersion
		updated := p.UpdatedAt
		sp.UpdatedAt = &updated
	}
	sp.Backend = sp.Mode
	return sp, nil
}

// SetSecurityProfile records mode as the tenant's canonical security mode
// with action security_mode_set. It does not touch any ciphertext. An
// unavailable mode fails with keys.ErrBackendNotConfigured; an unchanged
// mode returns the current profile without writing.
func (s *ProfileStore) SetSecurityProfile(ctx context.Context, tenantID string, mode envelope.Backend, actor *string) (*SecurityProfile, error) {
	if _, err := envelope.ParseBackend(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}
	if !s.backends.Available(mode) {
		return nil, fmt.Errorf("%w: %s", keys.ErrBackendNotConfigured, mode)
	}
	cur, err := s.GetSecurityProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cur.Mode == mode {
		return cur, nil
	}
	_, err = s.UpsertProfile(ctx, ProfileMutation{
		TenantID: tenantID,
		Provider: ProviderSecurity,
		Backend:  mode,
		State:    StateActive,
		Refs:     ConfigRefMap{Security: &SecurityRefs{Mode: mode}},
		Action:   ActionSecurityModeSet,
		Actor:    actor,
		Metadata: map[string]any{"from": string(cur.Mode), "to": string(mode)},
	})
	if err != nil {
		return nil, err
	}
	return s.GetSecurityProfile(ctx, tenantID)
}

const profileColumns = "id, tenant_id, provider, backend, state, profile_version, config_ref_map, created_at, updated_at"

// GetProfile returns the profile for (tenantID, provider), or nil, nil.
func (s *ProfileStore) GetProfile(ctx context.Context, tenantID string, provider Provider) (*ProviderProfile, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM provider_profiles WHERE tenant_id = ? AND provider = ?",
		tenantID, provider,
	)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get provider profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns all of a tenant's profiles ordered by provider.
func (s *ProfileStore) ListProfiles(ctx context.Context, tenantID string) ([]*ProviderProfile, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM provider_profiles WHERE tenant_id = ? ORDER BY provider",
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list provider profiles: %w", err)
	}
	defer rows.Close()

	var out []*ProviderProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEvents returns a tenant's audit events, newest first. An empty
// provider matches all providers. limit <= 0 means no limit.
func (s *ProfileStore) ListEvents(ctx context.Context, tenantID string, provider Provider, limit int) ([]*ProfileEvent, error) {
	query := `SELECT id, tenant_id, provider, profile_id, action, actor, profile_version, outcome, metadata, created_at
		FROM provider_profile_events WHERE tenant_id = ?`
	args := []any{tenantID}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profile events: %w", err)
	}
	defer rows.Close()

	var out []*ProfileEvent
	for rows.Next() {
		var (
			ev       ProfileEvent
			actor    sql.NullString
			metadata string
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Provider, &ev.ProfileID, &ev.Action, &actor,
			&ev.ProfileVersion, &ev.Outcome, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile event: %w", err)
		}
		if actor.Valid {
			ev.Actor = &actor.String
		}
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ProfileMutation describes one profile write and the audit event that
// accompanies it.
type ProfileMutation struct {
	TenantID string
	Provider Provider
	Backend  envelope.Backend
	State    State
	Refs     ConfigRefMap
	Action   string
	Actor    *string
	Metadata map[string]any
	At       time.Time
}

// UpsertProfile creates the profile at version 1 or updates it with a version
// increment, then appends a SUCCESS event at the new version. Both writes
// go through the same Querier, so they commit or roll back together when
// it is a transaction. A concurrent version change yields ErrProfileConflict.
func (s *ProfileStore) UpsertProfile(ctx context.Context, m ProfileMutation) (*ProviderProfile, error) {
	if err := m.Refs.Validate(m.Provider); err != nil {
		return nil, err
	}
	if !m.State.Valid() {
		return nil, fmt.Errorf("invalid profile state %q", m.State)
	}
	at := m.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	refs, err := json.Marshal(m.Refs)
	if err != nil {
		return nil, fmt.Errorf("encode config ref map: %w", err)
	}

	cur, err := s.GetProfile(ctx, m.TenantID, m.Provider)
	if err != nil {
		return nil, err
	}

	var p *ProviderProfile
	if cur == nil {
		p = &ProviderProfile{
			ID:             uuid.New().String(),
			TenantID:       m.TenantID,
			Provider:       m.Provider,
			Backend:        m.Backend,
			State:          m.State,
			ProfileVersion: 1,
			ConfigRefMap:   m.Refs,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO provider_profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TenantID, p.Provider, p.Backend, p.State, p.ProfileVersion, string(refs), p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert provider profile: %w", err)
		}
	} else {
		p = cur
		res, err := s.q.ExecContext(ctx, `
			UPDATE provider_profiles SET
				backend = ?, state = ?, profile_version = profile_version + 1,
				config_ref_map = ?, updated_at = ?
			WHERE id = ? AND profile_version = ?`,
			m.Backend, m.State, string(refs), at, cur.ID, cur.ProfileVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("update provider profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrProfileConflict, m.TenantID, m.Provider)
		}
		p.Backend = m.Backend
		p.State = m.State
		p.ProfileVersion++
		p.ConfigRefMap = m.Refs
		p.UpdatedAt = at
	}

	if err := s.appendEvent(ctx, p, m.Action, m.Actor, OutcomeSuccess, m.Metadata, at); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendFailure records a FAILURE event against an existing profile at its
// current version. The profile itself is not modified. Providers without a
// profile are skipped.
func (s *ProfileStore) AppendFailure(ctx context.Context, tenantID string, provider Provider, action string, actor *string, metadata map[string]any) error {
	p, err := s.GetProfile(ctx, tenantID, provider)
	if err != nil || p == nil {
		return err
	}
	return s.appendEvent(ctx, p, action, actor, OutcomeFailure, metadata, time.Now().UTC())
}

func (s *ProfileStore) appendEvent(ctx context.Context, p *ProviderProfile, action string, actor *string, outcome Outcome, metadata map[string]any, at time.Time) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	var actorVal sql.NullString
	if actor != nil {
		actorVal = sql.NullString{String: *actor, Valid: true}
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO provider_profile_events
			(id, tenant_id, provider, profile_id, action, actor, profile_version, outcome, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), p.TenantID, p.Provider, p.ID, action, actorVal,
		p.ProfileVersion, outcome, string(meta), at,
	)
	if err != nil {
		return fmt.Errorf("append profile event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*ProviderProfile, error) {
	var (
		p    ProviderProfile
		refs string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Provider, &p.Backend, &p.State,
		&p.ProfileVersion, &refs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &p.ConfigRefMap); err != nil {
		return nil, fmt.Errorf("decode config ref map: %w", err)
	}
	return &p, nil
}
