// Package reconcile keeps local identity records in step with the external
// identity providers they are linked to.
//
// Reconciliation is opportunistic: it runs when an authenticated request
// finds a stale record, it is bounded by a short timeout, and a failure is
// logged and counted but never surfaced to the request that triggered it.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/providers"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome is the result of one reconciliation attempt
type Outcome string

const (
	// OutcomeFresh means the record was synced within the staleness threshold
	OutcomeFresh Outcome = "fresh"
	// OutcomeLocalOnly means the record has no external identity link
	OutcomeLocalOnly Outcome = "local_only"
	// OutcomeSynced means the profile was fetched and written
	OutcomeSynced Outcome = "synced"
	// OutcomeFailed means the fetch or the write failed; nothing was changed
	OutcomeFailed Outcome = "failed"
	// OutcomeBackoff means a recent failure suppressed this attempt
	OutcomeBackoff Outcome = "backoff"
	// OutcomeQueued means the attempt was handed to the async dispatcher
	OutcomeQueued Outcome = "queued"
)

// Config tunes reconciliation
type Config struct {
	// StalenessThreshold is the minimum age of lastSyncedAt before a new
	// fetch is attempted
	StalenessThreshold time.Duration
	// Timeout bounds one reconciliation including the provider call
	Timeout time.Duration
	// FailureBackoff suppresses retries for a subject after a failure.
	// Zero disables backoff.
	FailureBackoff time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: 30 * time.Minute,
		Timeout:            3 * time.Second,
		FailureBackoff:     time.Minute,
	}
}

// Service reconciles identity records against external providers
type Service struct {
	users      repositories.UserRepository
	identities repositories.ExternalIdentityRepository
	registry   *providers.Registry
	cfg        Config
	group      singleflight.Group
	backoff    *ttlcache.Cache[uuid.UUID, struct{}]
	localOnly  *ttlcache.Cache[uuid.UUID, struct{}]
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records outcomes and durations
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reconciliation service. Call Close to stop the
// backoff cache's expiry loop.
func NewService(
	users repositories.UserRepository,
	identities repositories.ExternalIdentityRepository,
	registry *providers.Registry,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	def := DefaultConfig()
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = def.StalenessThreshold
	}
	if cfg.Timeout <= 0 || cfg.Timeout > def.Timeout {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backoff := ttlcache.New[uuid.UUID, struct{}](
		ttlcache.WithDisableTouchOnHit[uuid.UUID, struct{}](),
	)
	go backoff.Start()
	localOnly := ttlcache.New[uuid.UUID, struct{}](
		ttlcache.WithTTL[uuid.UUID, struct{}](cfg.StalenessThreshold),
		ttlcache.WithDisableTouchOnHit[uuid.UUID, struct{}](),
	)
	go localOnly.Start()

	s := &Service{
		users:      users,
		identities: identities,
		registry:   registry,
		cfg:        cfg,
		backoff:    backoff,
		localOnly:  localOnly,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops background work
func (s *Service) Close() {
	s.backoff.Stop()
	s.localOnly.Stop()
}

// NeedsSync reports whether user is stale, linked to a provider as far as
// is known, and not backed off
func (s *Service) NeedsSync(user *models.User) bool {
	return user.IsStale(s.now(), s.cfg.StalenessThreshold) &&
		!s.localOnly.Has(user.ID) &&
		!s.backoff.Has(user.ID)
}

// ReconcileUser syncs user when it is stale and returns the record callers
// should continue with. On any failure the original record is returned
// unchanged.
func (s *Service) ReconcileUser(ctx context.Context, user *models.User) (*models.User, Outcome) {
	if !user.IsStale(s.now(), s.cfg.StalenessThreshold) {
		return user, OutcomeFresh
	}
	if s.localOnly.Has(user.ID) {
		return user, OutcomeLocalOnly
	}
	if s.backoff.Has(user.ID) {
		s.metrics.Reconciled(string(OutcomeBackoff), 0)
		return user, OutcomeBackoff
	}
	return s.sync(ctx, user)
}

// Reconcile loads the record behind ic and reconciles it
func (s *Service) Reconcile(ctx context.Context, ic models.IdentityContext) Outcome {
	return s.ReconcileByID(ctx, ic.ID)
}

// ReconcileByID loads the record for id and reconciles it
func (s *Service) ReconcileByID(ctx context.Context, id uuid.UUID) Outcome {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn("reconciliation skipped, user lookup failed", zap.String("user_id", id.String()), zap.Error(err))
		s.metrics.Reconciled(string(OutcomeFailed), 0)
		return OutcomeFailed
	}
	_, outcome := s.ReconcileUser(ctx, user)
	return outcome
}

// Force syncs the record for id regardless of staleness and backoff
func (s *Service) Force(ctx context.Context, id uuid.UUID) (*models.User, Outcome, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, "", services.ErrUserNotFound
		}
		return nil, "", services.ErrDatabaseError.Wrap(err)
	}
	s.backoff.Delete(id)
	s.localOnly.Delete(id)
	updated, outcome := s.sync(ctx, user)
	return updated, outcome, nil
}

// flightResult is what concurrent callers share. It never carries a user
// record: each caller merges the fetched profile into the record it loaded
// itself, so fields such as Active and a local role are never taken from
// another caller's snapshot.
type flightResult struct {
	profile  *providers.Profile
	syncedAt time.Time
	outcome  Outcome
}

// sync collapses concurrent reconciliations of one subject into a single
// fetch
func (s *Service) sync(ctx context.Context, user *models.User) (*models.User, Outcome) {
	v, _, _ := s.group.Do(user.ID.String(), func() (interface{}, error) {
		return s.fetchAndMerge(ctx, user), nil
	})
	res := v.(flightResult)
	if res.outcome != OutcomeSynced {
		return user, res.outcome
	}
	return apply(user, Merge(user, res.profile, res.syncedAt)), OutcomeSynced
}

func (s *Service) fetchAndMerge(parent context.Context, user *models.User) flightResult {
	start := time.Now()
	// Detached from the caller so a disconnecting client does not fail a
	// fetch other requests are waiting on
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.Timeout)
	defer cancel()

	log := s.logger.With(zap.String("user_id", user.ID.String()))

	links, err := s.identities.ListByUser(ctx, user.ID)
	if err != nil {
		return s.fail(log, user, start, "list external identities", err)
	}
	if len(links) == 0 {
		s.localOnly.Set(user.ID, struct{}{}, ttlcache.DefaultTTL)
		s.metrics.Reconciled(string(OutcomeLocalOnly), 0)
		return flightResult{outcome: OutcomeLocalOnly}
	}

	link := links[0]
	log = log.With(zap.String("provider", link.Provider))

	provider, err := s.registry.GetProvider(link.Provider)
	if err != nil {
		return s.fail(log, user, start, "resolve provider", err)
	}

	profile, err := provider.FetchProfile(ctx, link.ProviderUserID)
	if err != nil {
		return s.fail(log, user, start, "fetch profile", services.ErrIdPUnavailable.Wrap(err))
	}

	now := s.now()
	merged := Merge(user, profile, now)
	if err := s.users.ApplyProfileSync(ctx, user.ID, merged); err != nil {
		return s.fail(log, user, start, "apply profile", err)
	}

	took := time.Since(start)
	s.metrics.Reconciled(string(OutcomeSynced), took)
	if merged.Role != user.Role {
		log.Info("role updated from identity provider",
			zap.String("from", string(user.Role)),
			zap.String("to", string(merged.Role)))
	}
	log.Debug("identity reconciled", zap.Duration("took", took))
	return flightResult{profile: profile, syncedAt: now, outcome: OutcomeSynced}
}

func (s *Service) fail(log *zap.Logger, user *models.User, start time.Time, stage string, err error) flightResult {
	if s.cfg.FailureBackoff > 0 {
		s.backoff.Set(user.ID, struct{}{}, s.cfg.FailureBackoff)
	}
	s.metrics.Reconciled(string(OutcomeFailed), time.Since(start))
	log.Warn("identity reconciliation failed",
		zap.String("stage", stage),
		zap.Bool("unavailable", errors.Is(err, providers.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)),
		zap.Error(err))
	return flightResult{outcome: OutcomeFailed}
}
