// Package mfa manages TOTP enrollment and second-factor verification.
//
// Enrollment moves a user DISABLED -> PENDING_SETUP -> ENABLED, and Disable
// returns to DISABLED from any state. Every transition is a conditional
// update in the credential store, so two concurrent requests cannot both
// complete enrollment or both consume the same backup code.
package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Method identifies which factor satisfied a verification
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Setup is returned when enrollment starts
type Setup struct {
	Secret     string
	OTPAuthURL string
}

// Status is the externally visible enrollment state
type Status struct {
	Enabled bool `json:"enabled"`
	Pending bool `json:"pending"`
}

// Config tunes the service
type Config struct {
	Issuer          string
	BackupCodeCount int
	// BcryptCost for backup code hashes; bcrypt.DefaultCost when zero
	BcryptCost int
}

// Service implements the MFA state machine on top of UserRepository
type Service struct {
	users   repositories.UserRepository
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLimiter bounds verification attempts per user
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics counts verifications
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new MFA service
func NewService(users repositories.UserRepository, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if cfg.Issuer == "" {
		cfg.Issuer = "CarePortal"
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		users:  users,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateSecret starts or restarts enrollment. A previous pending secret
// is replaced, so only a code for the newest secret can complete setup.
func (s *Service) GenerateSecret(ctx context.Context, userID uuid.UUID) (*Setup, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, services.ErrMFAAlreadyEnabled
	}

	key, err := generateKey(s.cfg.Issuer, user.Email)
	if err != nil {
		return nil, services.WrapInternal("failed to generate MFA secret", err)
	}

	if err := s.users.BeginMFASetup(ctx, userID, key.Secret()); err != nil {
		if errors.Is(err, repositories.ErrConditionFailed) {
			return nil, services.ErrMFAAlreadyEnabled
		}
		return nil, s.storeError("failed to store pending MFA secret", userID, err)
	}

	s.logger.Info("mfa setup started", zap.String("user_id", userID.String()))
	return &Setup{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

// VerifyEnroll completes enrollment with a code from the pending secret and
// returns the plaintext backup codes. They are not retrievable afterwards.
// A wrong code leaves the user in PENDING_SETUP.
func (s *Service) VerifyEnroll(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	if err := s.checkLimit(ctx, userID); err != nil {
		return nil, err
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch user.MFAState() {
	case models.MFAEnabled:
		return nil, services.ErrMFAAlreadyEnabled
	case models.MFADisabled:
		return nil, services.ErrMFASetupNotStarted
	}

	pending := *user.MFAPendingSecret
	step, ok := matchStep(pending, code, s.now())
	if !ok {
		s.metrics.MFAVerification(string(MethodTOTP), "invalid")
		return nil, services.ErrMFAInvalidCode
	}

	plain, hashes, err := generateBackupCodes(s.cfg.BackupCodeCount, s.cfg.BcryptCost)
	if err != nil {
		return nil, services.WrapInternal("failed to generate backup codes", err)
	}

	if err := s.users.CompleteMFAEnrollment(ctx, userID, pending, hashes, step); err != nil {
		if errors.Is(err, repositories.ErrConditionFailed) {
			return nil, s.enrollConflict(ctx, userID)
		}
		return nil, s.storeError("failed to enable MFA", userID, err)
	}

	s.limiter.Reset(ctx, userID.String())
	s.metrics.MFAVerification(string(MethodTOTP), "enrolled")
	s.logger.Info("mfa enabled", zap.String("user_id", userID.String()))
	return plain, nil
}

// VerifyLogin checks a second factor for an enrolled user. Six-digit codes
// are tried as TOTP, anything else as a backup code. A TOTP step is accepted
// at most once and a backup code is consumed on success.
func (s *Service) VerifyLogin(ctx context.Context, userID uuid.UUID, code string) (Method, error) {
	if err := s.checkLimit(ctx, userID); err != nil {
		return "", err
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return "", services.ErrMFANotEnabled
	}

	if looksLikeTOTP(code) {
		return MethodTOTP, s.verifyTOTP(ctx, user, code)
	}
	return MethodBackupCode, s.consumeBackupCode(ctx, user, code)
}

func (s *Service) verifyTOTP(ctx context.Context, user *models.User, code string) error {
	step, ok := matchStep(*user.MFASecret, code, s.now())
	if !ok || step <= user.MFALastStep {
		s.metrics.MFAVerification(string(MethodTOTP), "invalid")
		return services.ErrMFAInvalidCode
	}

	if err := s.users.AdvanceTOTPStep(ctx, user.ID, step); err != nil {
		if errors.Is(err, repositories.ErrConditionFailed) {
			s.metrics.MFAVerification(string(MethodTOTP), "replayed")
			return services.ErrMFAInvalidCode
		}
		return s.storeError("failed to record TOTP step", user.ID, err)
	}

	s.limiter.Reset(ctx, user.ID.String())
	s.metrics.MFAVerification(string(MethodTOTP), "success")
	return nil
}

func (s *Service) consumeBackupCode(ctx context.Context, user *models.User, code string) error {
	hash, ok := findBackupCode(user.MFABackupCodes, code)
	if !ok {
		s.metrics.MFAVerification(string(MethodBackupCode), "invalid")
		return services.ErrMFAInvalidCode
	}

	if err := s.users.ConsumeBackupCode(ctx, user.ID, hash); err != nil {
		if errors.Is(err, repositories.ErrConditionFailed) {
			s.metrics.MFAVerification(string(MethodBackupCode), "replayed")
			return services.ErrMFAInvalidCode
		}
		return s.storeError("failed to consume backup code", user.ID, err)
	}

	s.limiter.Reset(ctx, user.ID.String())
	s.metrics.MFAVerification(string(MethodBackupCode), "success")
	s.logger.Info("backup code used",
		zap.String("user_id", user.ID.String()),
		zap.Int("remaining", len(user.MFABackupCodes)-1),
	)
	return nil
}

// Disable clears all MFA material. It is valid from any state.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID) error {
	if err := s.users.DisableMFA(ctx, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrUserNotFound
		}
		return s.storeError("failed to disable MFA", userID, err)
	}
	s.logger.Info("mfa disabled", zap.String("user_id", userID.String()))
	return nil
}

// Status reports the enrollment state
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	state := user.MFAState()
	return &Status{
		Enabled: state == models.MFAEnabled,
		Pending: state == models.MFAPendingSetup,
	}, nil
}

// RegenerateBackupCodes replaces the backup code set of an enrolled user
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	plain, hashes, err := generateBackupCodes(s.cfg.BackupCodeCount, s.cfg.BcryptCost)
	if err != nil {
		return nil, services.WrapInternal("failed to generate backup codes", err)
	}

	if err := s.users.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		switch {
		case errors.Is(err, repositories.ErrConditionFailed):
			return nil, services.ErrMFANotEnabled
		case errors.Is(err, repositories.ErrNotFound):
			return nil, services.ErrUserNotFound
		}
		return nil, s.storeError("failed to replace backup codes", userID, err)
	}
	return plain, nil
}

func (s *Service) checkLimit(ctx context.Context, userID uuid.UUID) error {
	res := s.limiter.Allow(ctx, userID.String())
	if res.Allowed {
		return nil
	}
	s.metrics.MFAVerification("any", "rate_limited")
	s.logger.Warn("mfa attempts exceeded", zap.String("user_id", userID.String()))
	return services.ErrTooManyAttempts.WithDetail("retryAfter", res.ResetAt.UTC().Format(time.RFC3339))
}

// enrollConflict explains why the conditional enrollment update did not apply
func (s *Service) enrollConflict(ctx context.Context, userID uuid.UUID) error {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return services.ErrMFAAlreadyEnabled
	}
	if user.MFAPendingSecret == nil {
		return services.ErrMFASetupNotStarted
	}
	// Setup was restarted with a new secret while this code was in flight
	return services.ErrMFAInvalidCode
}

func (s *Service) getUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, s.storeError("failed to load user", userID, err)
	}
	return user, nil
}

func (s *Service) storeError(msg string, userID uuid.UUID, err error) error {
	s.logger.Error(msg, zap.String("user_id", userID.String()), zap.Error(err))
	return services.ErrDatabaseError.Wrap(err)
}
