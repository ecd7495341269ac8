// Package vault stores per-tenant provider credentials as versioned
// envelopes, tracks a security profile per (tenant, provider) with an
// append-only audit trail, and rekeys a tenant's secrets when its security
// mode changes.
package vault

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Authorizer decides whether the caller in ctx may act on tenantID and
// returns the actor recorded in the audit trail.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID string) (actor string, ok bool)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, tenantID string) (string, bool)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, tenantID string) (string, bool) {
	return f(ctx, tenantID)
}

// Module implements the vault plugin.
type Module struct {
	logger   *zap.Logger
	cfg      VaultConfig
	resolver *keys.Resolver
	opts     []Option
	service  *Service
	authz    Authorizer
}

// New creates a vault module that derives keys from resolver. opts are
// passed to the Service built during Init.
func New(resolver *keys.Resolver, opts ...Option) *Module {
	return &Module{resolver: resolver, opts: opts, cfg: DefaultConfig()}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "vault",
		Version:     "0.1.0",
		Description: "Per-tenant provider credential storage with envelope encryption",
		Required:    true,
		Roles:       []string{"credential_store"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.resolver == nil {
		return errors.New("vault: key resolver is required")
	}
	if deps.Store == nil {
		return errors.New("vault: store is required")
	}

	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("vault config: %w", err)
		}
	}
	if m.cfg.EventListLimit <= 0 {
		m.cfg.EventListLimit = DefaultConfig().EventListLimit
	}
	if m.cfg.MaxEventListLimit < m.cfg.EventListLimit {
		m.cfg.MaxEventListLimit = m.cfg.EventListLimit
	}
	fixed, err := m.cfg.fixedBackend()
	if err != nil {
		return fmt.Errorf("vault config: %w", err)
	}

	if err := deps.Store.Migrate(context.Background(), "vault", migrations()); err != nil {
		return fmt.Errorf("vault migrations: %w", err)
	}

	opts := append([]Option(nil), m.opts...)
	if deps.Bus != nil {
		opts = append(opts, WithPublisher(deps.Bus))
	}
	if fixed != "" {
		opts = append(opts, WithFixedBackend(fixed))
	}
	m.service = NewService(deps.Store, NewCipher(m.resolver), m.logger, opts...)

	m.logger.Info("vault module initialized",
		zap.Strings("available_backends", backendNames(m.resolver.AvailableBackends())),
		zap.String("fixed_backend", string(fixed)),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if !m.resolver.Available(envelope.BackendLowAssurance) {
		m.logger.Warn("low_assurance backend has no shared secret; default-mode writes will fail")
	}
	m.logger.Info("vault module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("vault module stopped")
	return nil
}

// Service returns the credential service. It is nil before Init.
func (m *Module) Service() *Service {
	return m.service
}

// SetAuthorizer installs the per-tenant authorization check used by the
// HTTP handlers. Without one every request is forbidden.
func (m *Module) SetAuthorizer(a Authorizer) {
	m.authz = a
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/restaurants/{tenantID}/credentials", Handler: m.handleGetSummary},
		{Method: "PUT", Path: "/restaurants/{tenantID}/credentials/{provider}", Handler: m.handleUpsert},
		{Method: "DELETE", Path: "/restaurants/{tenantID}/credentials/{provider}", Handler: m.handleClear},
		{Method: "POST", Path: "/restaurants/{tenantID}/credentials/{provider}/revoke", Handler: m.handleRevoke},
		{Method: "GET", Path: "/restaurants/{tenantID}/security-mode", Handler: m.handleGetSecurityMode},
		{Method: "PUT", Path: "/restaurants/{tenantID}/security-mode", Handler: m.handleSwitchSecurityMode},
		{Method: "GET", Path: "/restaurants/{tenantID}/events", Handler: m.handleListEvents},
	}
}

func backendNames(bs []envelope.Backend) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}
