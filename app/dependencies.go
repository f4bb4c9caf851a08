package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/careportal-auth/config"
	"github.com/upb/careportal-auth/handlers"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/jwks"
	"github.com/upb/careportal-auth/middleware"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/repositories/postgres"
	"github.com/upb/careportal-auth/services/account"
	"github.com/upb/careportal-auth/services/audit"
	"github.com/upb/careportal-auth/services/mfa"
	"github.com/upb/careportal-auth/services/providers"
	"github.com/upb/careportal-auth/services/providers/auth0"
	"github.com/upb/careportal-auth/services/providers/keycloak"
	"github.com/upb/careportal-auth/services/ratelimit"
	"github.com/upb/careportal-auth/services/reconcile"
	"github.com/upb/careportal-auth/services/token"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config          *config.Config
	DB              *postgres.DB
	Redis           redis.UniversalClient
	Logger          *zap.Logger
	MetricsRegistry *prometheus.Registry
	Metrics         *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Users              repositories.UserRepository
	ExternalIdentities repositories.ExternalIdentityRepository
	AuditLogs          repositories.AuditRepository
	TxManager          repositories.TransactionManager

	// Services
	Tokens            *token.Service
	MFA               *mfa.Service
	Accounts          *account.Service
	Reconciler        *reconcile.Service
	Dispatcher        *reconcile.Dispatcher
	ProviderRegistry  *providers.Registry
	IDTokenValidators *jwks.Registry
	Audit             *audit.Service

	// HTTP
	Gate          *middleware.Gate
	AuthHandler   *handlers.AuthHandler
	MFAHandler    *handlers.MFAHandler
	UserHandler   *handlers.UserHandler
	HealthHandler *handlers.HealthHandler

	closers []func()
}

// NewDependencies opens the credential store and Redis, then wires every
// service.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps, err := NewDependenciesWithDB(ctx, cfg, logger, factory.GetDB())
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	return deps, nil
}

// NewDependenciesWithDB wires the application on an already opened pool
func NewDependenciesWithDB(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *postgres.DB) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		DB:          db,
		Logger:      logger,
		RepoFactory: postgres.NewRepositoryFactoryFromDB(db, logger),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", deps.initDatabase},
		{"redis", deps.initRedis},
		{"metrics", deps.initMetrics},
		{"repositories", deps.initRepositories},
		{"token service", deps.initTokens},
		{"identity providers", deps.initProviders},
		{"services", deps.initServices},
		{"audit trail", deps.initAudit},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			deps.shutdown()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.initHTTP()

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase creates missing tables when enabled
func (d *Dependencies) initDatabase(ctx context.Context) error {
	if !d.Config.Database.InitSchema {
		return nil
	}
	return d.RepoFactory.InitSchema(ctx)
}

// initRedis connects to Redis when an address is configured. Without it the
// denylist and rate limit counters live in process memory.
func (d *Dependencies) initRedis(ctx context.Context) error {
	if !d.Config.Redis.Enabled() {
		d.Logger.Warn("redis not configured, using in-memory revocation and rate limit stores")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Redis = client
	d.closers = append(d.closers, func() { _ = client.Close() })
	d.Logger.Info("redis connection established", zap.String("addr", d.Config.Redis.Addr))
	return nil
}

func (d *Dependencies) initMetrics(context.Context) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return err
	}
	d.MetricsRegistry = reg
	d.Metrics = metrics
	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories(context.Context) error {
	repos := d.RepoFactory.NewRepositories()

	d.Users = repos.Users
	d.ExternalIdentities = repos.ExternalIdentities
	d.AuditLogs = repos.AuditLogs
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

func (d *Dependencies) initTokens(context.Context) error {
	cfg := d.Config.Token
	opts := []token.Option{token.WithMetrics(d.Metrics)}

	if cfg.RevocationEnabled {
		if d.Redis != nil {
			opts = append(opts, token.WithRevocationStore(token.NewRedisRevocationStore(d.Redis, d.Config.Redis.KeyPrefix)))
		} else {
			store := token.NewMemoryRevocationStore()
			d.closers = append(d.closers, store.Close)
			opts = append(opts, token.WithRevocationStore(store))
		}
	} else {
		d.Logger.Warn("refresh token revocation disabled, refresh tokens are reusable until expiry")
	}

	tokens, err := token.NewService(token.Config{
		Secret:     []byte(cfg.SigningSecret),
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}, d.Logger.Named("token"), opts...)
	if err != nil {
		return err
	}
	d.Tokens = tokens
	return nil
}

// initProviders builds the ID token validators for every enabled provider
// and the management API clients for those with API credentials
func (d *Dependencies) initProviders(context.Context) error {
	idps := map[string]config.IdentityProviderConfig{
		"auth0":    d.Config.Providers.Auth0,
		"keycloak": d.Config.Providers.Keycloak,
	}

	validators := jwks.NewRegistry()
	apiConfigs := make(map[string]providers.ProviderConfig)
	for name, idp := range idps {
		if !idp.Enabled {
			continue
		}

		v, err := jwks.NewValidator(jwks.Config{
			Provider:  name,
			Issuer:    idp.Issuer,
			Audience:  idp.Audience,
			JWKSURL:   idp.JWKSURL,
			RoleClaim: roleClaimFor(name, idp.RoleClaim),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		validators.Register(v)

		if idp.APIBaseURL == "" {
			d.Logger.Warn("identity provider has no management api, profiles will not be reconciled",
				zap.String("provider", name))
			continue
		}
		apiConfigs[name] = providers.ProviderConfig{
			BaseURL:      idp.APIBaseURL,
			TokenURL:     idp.TokenURL,
			ClientID:     idp.ClientID,
			ClientSecret: idp.ClientSecret,
			Realm:        idp.Realm,
			Timeout:      d.Config.Reconcile.Timeout,
		}
	}

	registry, err := providers.NewRegistryBuilder().
		WithProviderBuilder("auth0", auth0.Build).
		WithProviderBuilder("keycloak", keycloak.Build).
		Build(apiConfigs)
	if err != nil {
		return err
	}

	d.IDTokenValidators = validators
	d.ProviderRegistry = registry
	d.Logger.Info("identity providers initialized",
		zap.Strings("login", validators.Providers()),
		zap.Strings("reconcile", registry.ListProviders()))
	return nil
}

// roleClaimFor returns the configured role claim or the provider's
// conventional location
func roleClaimFor(provider, configured string) string {
	if configured != "" {
		return configured
	}
	if provider == "keycloak" {
		return "realm_access.roles"
	}
	return "https://careportal/role"
}

func (d *Dependencies) initServices(context.Context) error {
	counter, err := d.newCounter()
	if err != nil {
		return err
	}

	mfaLimiter := ratelimit.NewLimiter(counter, "mfa", d.Config.MFA.MaxAttempts, d.Config.MFA.AttemptWindow, d.Logger)
	loginLimiter := ratelimit.NewLimiter(counter, "login", d.Config.Login.MaxAttempts, d.Config.Login.AttemptWindow, d.Logger)

	d.MFA = mfa.NewService(d.Users, mfa.Config{
		Issuer:          d.Config.MFA.Issuer,
		BackupCodeCount: d.Config.MFA.BackupCodeCount,
		BcryptCost:      d.Config.Login.BcryptCost,
	}, d.Logger.Named("mfa"), mfa.WithLimiter(mfaLimiter), mfa.WithMetrics(d.Metrics))

	d.Reconciler = reconcile.NewService(d.Users, d.ExternalIdentities, d.ProviderRegistry, reconcile.Config{
		StalenessThreshold: d.Config.Reconcile.StalenessThreshold,
		Timeout:            d.Config.Reconcile.Timeout,
		FailureBackoff:     d.Config.Reconcile.FailureBackoff,
	}, d.Logger.Named("reconcile"), reconcile.WithMetrics(d.Metrics))
	d.closers = append(d.closers, d.Reconciler.Close)

	if d.Config.Reconcile.Mode == config.ReconcileModeAsync {
		d.Dispatcher = reconcile.NewDispatcher(d.Reconciler, d.Logger.Named("reconcile"), reconcile.DispatcherConfig{
			QueueSize:   d.Config.Reconcile.QueueSize,
			WorkerCount: d.Config.Reconcile.Workers,
		})
		if err := d.Dispatcher.Start(); err != nil {
			return err
		}
	}

	opts := []account.Option{
		account.WithLoginLimiter(loginLimiter),
		account.WithMetrics(d.Metrics),
		account.WithBcryptCost(d.Config.Login.BcryptCost),
	}
	if len(d.IDTokenValidators.Providers()) > 0 {
		opts = append(opts, account.WithIDTokenVerifier(d.IDTokenValidators))
	}
	d.Accounts = account.NewService(
		&repositories.Repositories{Users: d.Users, ExternalIdentities: d.ExternalIdentities},
		d.TxManager,
		d.Tokens,
		d.MFA,
		d.Logger.Named("account"),
		opts...,
	)
	return nil
}

// initAudit starts the audit trail writer. When disabled, Audit stays nil
// and the handlers skip recording.
func (d *Dependencies) initAudit(context.Context) error {
	if !d.Config.Audit.Enabled {
		d.Logger.Warn("security audit trail disabled")
		return nil
	}

	svc := audit.NewService(d.AuditLogs, d.Logger.Named("audit"), audit.Config{
		BufferSize:  d.Config.Audit.BufferSize,
		WorkerCount: d.Config.Audit.Workers,
	}, audit.WithMetrics(d.Metrics))
	if err := svc.Start(); err != nil {
		return err
	}
	d.Audit = svc
	return nil
}

func (d *Dependencies) newCounter() (ratelimit.Counter, error) {
	if d.Redis != nil {
		return ratelimit.NewRedisCounter(d.Redis, d.Config.Redis.KeyPrefix), nil
	}
	counter := ratelimit.NewMemoryCounter()
	d.closers = append(d.closers, counter.Close)
	return counter, nil
}

func (d *Dependencies) initHTTP() {
	var reconciler middleware.Reconciler = d.Reconciler
	if d.Dispatcher != nil {
		reconciler = d.Dispatcher
	}

	// A nil *audit.Service must reach the handlers as a nil interface
	var recorder handlers.AuditTrail
	if d.Audit != nil {
		recorder = d.Audit
	}

	d.Gate = middleware.NewGate(d.Tokens, d.Users, reconciler, d.Metrics, d.Logger.Named("gate"))
	d.AuthHandler = handlers.NewAuthHandler(d.Accounts, recorder, d.Logger)
	d.MFAHandler = handlers.NewMFAHandler(d.MFA, d.Accounts, recorder, d.Logger)
	d.UserHandler = handlers.NewUserHandler(d.Accounts, d.Reconciler, recorder, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB.DB, d.Redis, d.Logger).WithProviders(d.ProviderRegistry)
}

// shutdown stops background work in reverse start order
func (d *Dependencies) shutdown() {
	if d.Audit != nil {
		if err := d.Audit.Stop(5 * time.Second); err != nil {
			d.Logger.Warn("audit trail did not drain", zap.Error(err))
		}
	}
	if d.Dispatcher != nil {
		if err := d.Dispatcher.Stop(5 * time.Second); err != nil {
			d.Logger.Warn("reconcile dispatcher did not drain", zap.Error(err))
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	d.shutdown()

	var errs []error
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
