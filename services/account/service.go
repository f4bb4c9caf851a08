// Package account owns the sign-in lifecycle: local registration and
// password login, login through an external identity provider, token
// refresh and logout, plus the admin-only role and activation changes.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/jwks"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/mfa"
	"github.com/upb/careportal-auth/services/ratelimit"
	"github.com/upb/careportal-auth/services/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes
	maxPasswordLen = 72
)

// SecondFactor verifies an MFA code for an enrolled user
type SecondFactor interface {
	VerifyLogin(ctx context.Context, userID uuid.UUID, code string) (mfa.Method, error)
}

// IDTokenVerifier verifies an ID token issued by the named provider
type IDTokenVerifier interface {
	ValidateToken(ctx context.Context, provider, idToken string) (*jwks.ExternalClaims, error)
}

// Session is the result of a successful sign-in
type Session struct {
	User   *models.User
	Tokens *token.Pair
	// MFAMethod is set when a second factor was verified
	MFAMethod mfa.Method
}

// RegisterInput holds the fields of a local registration
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginInput holds the fields of a password login
type LoginInput struct {
	Email    string
	Password string
	MFACode  string
	IP       string
}

// ExternalLoginInput holds the fields of a login through an identity provider
type ExternalLoginInput struct {
	Provider string
	IDToken  string
	MFACode  string
	IP       string
}

// Service implements the account lifecycle
type Service struct {
	users      repositories.UserRepository
	identities repositories.ExternalIdentityRepository
	txMgr      repositories.TransactionManager
	tokens     *token.Service
	mfa        SecondFactor
	verifier   IDTokenVerifier
	limiter    *ratelimit.Limiter
	metrics    *observability.Metrics
	logger     *zap.Logger
	bcryptCost int
	now        func() time.Time

	// dummyHash keeps unknown-email logins as slow as wrong passwords
	dummyHash []byte
}

// Option configures a Service
type Option func(*Service)

// WithIDTokenVerifier enables ExternalLogin
func WithIDTokenVerifier(v IDTokenVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithLoginLimiter bounds password attempts per email
func WithLoginLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics counts sign-in outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBcryptCost overrides bcrypt.DefaultCost for password hashes
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an account service
func NewService(
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	tokens *token.Service,
	secondFactor SecondFactor,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		users:      repos.Users,
		identities: repos.ExternalIdentities,
		txMgr:      txMgr,
		tokens:     tokens,
		mfa:        secondFactor,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("careportal-dummy-password"), s.bcryptCost)
	return s
}

// Register creates a local PATIENT account and signs it in
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "email")
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, services.WrapInternal("failed to hash password", err)
	}
	encoded := string(hash)

	user := models.NewUser(email, strings.TrimSpace(in.DisplayName), models.RolePatient, models.RoleSourceLocal)
	user.PasswordHash = &encoded

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrEmailTaken
		}
		return nil, s.storeError("failed to create user", err)
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return s.issue(user, "")
}

// Login signs in with email and password. Accounts with MFA enabled must
// also present a TOTP or backup code.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	email := normalizeEmail(in.Email)

	if res := s.limiter.Allow(ctx, email); !res.Allowed {
		s.metrics.AuthAttempt("rate_limited")
		return nil, services.ErrTooManyAttempts.WithDetail("retryAfter", res.ResetAt.UTC().Format(time.RFC3339))
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, s.storeError("failed to load user", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(in.Password))
		s.metrics.AuthAttempt("invalid_credentials")
		return nil, services.ErrInvalidCredentials
	}

	if !user.HasPassword() || bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(in.Password)) != nil {
		s.metrics.AuthAttempt("invalid_credentials")
		s.logger.Debug("password login rejected", zap.String("user_id", user.ID.String()))
		return nil, services.ErrInvalidCredentials
	}

	method, err := s.completeSignIn(ctx, user, in.MFACode, in.IP)
	if err != nil {
		return nil, err
	}
	s.limiter.Reset(ctx, email)
	return s.issue(user, method)
}

// ExternalLogin signs in with an ID token from a configured identity
// provider. The provider account is resolved to a local user through its
// linkage, else through a verified email, else a new account is created.
// Resolution runs in one transaction.
func (s *Service) ExternalLogin(ctx context.Context, in ExternalLoginInput) (*Session, error) {
	if s.verifier == nil {
		return nil, services.ErrUnknownIdentityProv
	}

	claims, err := s.verifier.ValidateToken(ctx, in.Provider, in.IDToken)
	if err != nil {
		s.metrics.AuthAttempt("invalid_id_token")
		switch {
		case errors.Is(err, jwks.ErrUnknownProvider):
			return nil, services.ErrUnknownIdentityProv
		case errors.Is(err, jwks.ErrTokenExpired):
			return nil, services.ErrExpiredToken
		}
		s.logger.Debug("id token rejected", zap.String("provider", in.Provider), zap.Error(err))
		return nil, services.ErrInvalidToken.Wrap(err)
	}

	user, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context) (*models.User, error) {
		return s.resolveExternal(ctx, claims)
	})
	if err != nil {
		return nil, err
	}

	method, err := s.completeSignIn(ctx, user, in.MFACode, in.IP)
	if err != nil {
		return nil, err
	}
	return s.issue(user, method)
}

func (s *Service) resolveExternal(ctx context.Context, claims *jwks.ExternalClaims) (*models.User, error) {
	log := s.logger.With(zap.String("provider", claims.Provider))

	link, err := s.identities.GetByProviderID(ctx, claims.Provider, claims.Subject)
	switch {
	case err == nil:
		user, err := s.users.GetByID(ctx, link.UserID)
		if err != nil {
			return nil, s.storeError("failed to load linked user", err)
		}
		return user, nil
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, s.storeError("failed to look up external identity", err)
	}

	email := normalizeEmail(claims.Email)

	// Only a verified email may claim an existing account
	if email != "" && claims.EmailVerified {
		user, err := s.users.GetByEmail(ctx, email)
		switch {
		case err == nil:
			if err := s.link(ctx, user.ID, claims, email); err != nil {
				return nil, err
			}
			log.Info("external identity linked to existing user", zap.String("user_id", user.ID.String()))
			return user, nil
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, s.storeError("failed to load user", err)
		}
	}

	if email == "" {
		return nil, services.ErrInvalidToken.Wrap(errors.New("id token carries no email"))
	}

	role := models.RolePatient
	if hint, err := models.ParseRole(claims.RoleHint); err == nil {
		role = hint
	}

	now := s.now().UTC()
	user := models.NewUser(email, claims.Name, role, models.RoleSourceProvider)
	user.EmailVerified = claims.EmailVerified
	user.LastSyncedAt = &now

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrEmailTaken
		}
		return nil, s.storeError("failed to create user", err)
	}
	if err := s.link(ctx, user.ID, claims, email); err != nil {
		return nil, err
	}

	log.Info("user created from external identity", zap.String("user_id", user.ID.String()))
	return user, nil
}

func (s *Service) link(ctx context.Context, userID uuid.UUID, claims *jwks.ExternalClaims, email string) error {
	identity := models.NewExternalIdentity(userID, claims.Provider, claims.Subject, email)
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return services.ErrIdentityLinked
		}
		return s.storeError("failed to link external identity", err)
	}
	return nil
}

// completeSignIn applies the checks shared by every login path once the
// first factor is accepted
func (s *Service) completeSignIn(ctx context.Context, user *models.User, mfaCode, ip string) (mfa.Method, error) {
	if !user.Active {
		s.metrics.AuthAttempt("inactive")
		return "", services.ErrAccountInactive
	}

	var method mfa.Method
	if user.MFAEnabled {
		if strings.TrimSpace(mfaCode) == "" {
			s.metrics.AuthAttempt("mfa_required")
			return "", services.ErrMFARequired
		}
		m, err := s.mfa.VerifyLogin(ctx, user.ID, strings.TrimSpace(mfaCode))
		if err != nil {
			s.metrics.AuthAttempt("mfa_failed")
			return "", err
		}
		method = m
	}

	if err := s.users.RecordLogin(ctx, user.ID, ip); err != nil {
		s.logger.Warn("failed to record login", zap.String("user_id", user.ID.String()), zap.Error(err))
	}
	s.metrics.AuthAttempt("success")
	return method, nil
}

// StepUp verifies a second factor for an already authenticated user and
// issues a pair marked as MFA verified
func (s *Service) StepUp(ctx context.Context, userID uuid.UUID, code string) (*Session, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, services.ErrAccountInactive
	}
	method, err := s.mfa.VerifyLogin(ctx, userID, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	return s.issue(user, method)
}

// Refresh rotates a refresh token. The role is re-read so role changes
// apply from the next refresh, and deactivated accounts cannot refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	return s.tokens.Refresh(ctx, refreshToken, s.currentRole)
}

// Logout revokes a refresh token. Repeating it is harmless.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.Revoke(ctx, refreshToken)
}

func (s *Service) currentRole(ctx context.Context, subject string) (models.Role, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return "", services.ErrInvalidToken.Wrap(err)
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", services.ErrInvalidToken.Wrap(err)
		}
		return "", s.storeError("failed to load user", err)
	}
	if !user.Active {
		return "", services.ErrAccountInactive
	}
	return user.Role, nil
}

// GetUser loads a user by id
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, s.storeError("failed to load user", err)
	}
	return user, nil
}

// ChangeRole sets a user's role. The role becomes LOCAL, so provider role
// hints no longer replace it.
func (s *Service) ChangeRole(ctx context.Context, id uuid.UUID, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, services.ErrInvalidRole
	}
	if err := s.users.UpdateRole(ctx, id, role, models.RoleSourceLocal); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, s.storeError("failed to update role", err)
	}
	s.logger.Info("role changed", zap.String("user_id", id.String()), zap.String("role", role.String()))
	return s.GetUser(ctx, id)
}

// SetActive activates or deactivates a user. Deactivated users keep their
// record but fail authentication.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.User, error) {
	if err := s.users.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, s.storeError("failed to update active flag", err)
	}
	s.logger.Info("active flag changed", zap.String("user_id", id.String()), zap.Bool("active", active))
	return s.GetUser(ctx, id)
}

func (s *Service) issue(user *models.User, method mfa.Method) (*Session, error) {
	pair, err := s.tokens.Issue(user.ID.String(), user.Role, token.WithMFA(method != ""))
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Tokens: pair, MFAMethod: method}, nil
}

func (s *Service) storeError(msg string, err error) error {
	s.logger.Error(msg, zap.Error(err))
	return services.ErrDatabaseError.Wrap(err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkPassword(password string) error {
	switch {
	case len(password) < minPasswordLen:
		return services.ErrInvalidInput.WithDetail("password", "must be at least 8 characters")
	case len(password) > maxPasswordLen:
		return services.ErrInvalidInput.WithDetail("password", "must be at most 72 bytes")
	}
	return nil
}
