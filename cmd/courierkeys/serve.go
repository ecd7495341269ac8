package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/auth"
	"github.com/HerbHall/courierkeys/internal/config"
	"github.com/HerbHall/courierkeys/internal/event"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/registry"
	"github.com/HerbHall/courierkeys/internal/server"
	"github.com/HerbHall/courierkeys/internal/store"
	"github.com/HerbHall/courierkeys/internal/vault"
	"github.com/HerbHall/courierkeys/internal/version"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := config.NewLogger(v)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), v, logger)
			if err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
}

// app is the composed server: shared services, modules and HTTP surface.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
	db     *store.SQLiteStore
	bus    *event.Bus
	reg    *registry.Registry
	srv    *server.Server
	unsub  func()
}

func newApp(ctx context.Context, v *viper.Viper, logger *zap.Logger) (_ *app, err error) {
	logger.Info("courierkeys starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults and environment", zap.String("component", "config"))
	}

	resolver, err := keys.NewResolver(config.CryptoConfig(v))
	if err != nil {
		return nil, fmt.Errorf("key resolver: %w", err)
	}

	dbPath := v.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	bus := event.NewBus(logger.Named("event"))
	unsub := bus.SubscribeAll(auditTrail(logger.Named("audit")))

	reg := registry.New(logger.Named("registry"))
	vaultModule := vault.New(resolver)
	if err := reg.Register(vaultModule); err != nil {
		return nil, fmt.Errorf("register plugin: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	cfg := config.New(v)
	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}

	tokens, err := tokenService(v, logger)
	if err != nil {
		return nil, err
	}
	authHandler := auth.NewHandler(tokens, logger.Named("auth"))
	for _, p := range reg.ResolveByRole("credential_store") {
		if m, ok := p.(*vault.Module); ok {
			m.SetAuthorizer(authHandler)
		}
	}

	addr := net.JoinHostPort(v.GetString("server.host"), v.GetString("server.port"))
	ready := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(addr, reg, logger, ready, authHandler, server.Options{
		RateLimitRPS:   v.GetFloat64("server.rate_limit_rps"),
		RateLimitBurst: v.GetInt("server.rate_limit_burst"),
	})

	return &app{v: v, logger: logger, db: db, bus: bus, reg: reg, srv: srv, unsub: unsub}, nil
}

// run starts modules and the HTTP server and blocks until ctx is canceled
// or the server fails, then shuts everything down in reverse order.
func (a *app) run(ctx context.Context) error {
	defer a.db.Close()
	defer a.unsub()

	if err := a.reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case runErr = <-errCh:
	}

	timeout := a.v.GetDuration("server.shutdown_timeout")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.reg.StopAll(shutdownCtx)
	a.bus.Wait()

	a.logger.Info("courierkeys stopped")
	return runErr
}

// tokenService builds the bearer token verifier. Without auth.jwt_secret an
// ephemeral secret is generated, so only tokens minted by this process
// would verify and the token command cannot be used.
func tokenService(v *viper.Viper, logger *zap.Logger) (*auth.TokenService, error) {
	secret := v.GetString("auth.jwt_secret")
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		logger.Warn("auth.jwt_secret not set; using an ephemeral secret, API calls will be rejected",
			zap.String("component", "auth"))
	}
	ttl := v.GetDuration("auth.access_token_ttl")
	if ttl <= 0 {
		return nil, errors.New("auth.access_token_ttl must be positive")
	}
	return auth.NewTokenService([]byte(secret), v.GetString("auth.issuer"), ttl), nil
}

// auditTrail logs every vault notification by topic and tenant.
func auditTrail(logger *zap.Logger) plugin.EventHandler {
	return func(_ context.Context, e plugin.Event) {
		fields := []zap.Field{zap.String("topic", e.Topic), zap.String("source", e.Source)}
		switch p := e.Payload.(type) {
		case vault.CredentialsChangedEvent:
			fields = append(fields,
				zap.String("tenant_id", p.TenantID),
				zap.String("provider", string(p.Provider)),
				zap.Int64("profile_version", p.ProfileVersion),
				zap.String("actor", p.Actor),
			)
		case vault.SecurityModeChangedEvent:
			fields = append(fields,
				zap.String("tenant_id", p.TenantID),
				zap.String("from", string(p.From)),
				zap.String("to", string(p.To)),
				zap.Int("rekeyed_slots", p.Rekeyed),
				zap.String("actor", p.Actor),
			)
		}
		logger.Info("vault event", fields...)
	}
}
