// Package token issues, verifies and rotates the HS256 access/refresh token
// pairs that every protected request presents as a bearer credential.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
	"go.uber.org/zap"
)

// Type distinguishes access tokens from refresh tokens
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claim names
const (
	claimType = "typ"
	claimRole = "role"
	claimAMR  = "amr"
	amrMFA    = "mfa"
)

// SubjectClaimKeys are the accepted names of the subject claim, newest first.
// Older clients still hold tokens that carry the subject under "id"; both
// are equivalent and "sub" wins when a token carries both.
var SubjectClaimKeys = []string{"sub", "id"}

// Claims is the verified content of a token
type Claims struct {
	Subject   string
	Role      models.Role
	Type      Type
	ID        string
	MFA       bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is an access/refresh token pair
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
	Subject          string    `json:"-"`
}

// RoleLookup resolves the current role of a subject when refreshing. It
// should fail with services.ErrAccountInactive for deactivated accounts.
type RoleLookup func(ctx context.Context, subjectID string) (models.Role, error)

// Config holds the signing secret and lifetimes
type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service issues and verifies tokens
type Service struct {
	cfg         Config
	revocations RevocationStore
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithRevocationStore enables single-use refresh tokens and explicit revocation
func WithRevocationStore(store RevocationStore) Option {
	return func(s *Service) { s.revocations = store }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records issued tokens
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a token service. An empty secret is a configuration
// error and is reported here so it surfaces at startup.
func NewService(cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueOption adjusts a single issuance
type IssueOption func(*issueParams)

type issueParams struct {
	mfa bool
}

// WithMFA marks the pair as issued after a verified second factor
func WithMFA(verified bool) IssueOption {
	return func(p *issueParams) { p.mfa = verified }
}

// Issue signs a new access/refresh pair for subjectID
func (s *Service) Issue(subjectID string, role models.Role, opts ...IssueOption) (*Pair, error) {
	if subjectID == "" {
		return nil, errors.New("subject is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("cannot issue token for role %q", role)
	}

	var p issueParams
	for _, opt := range opts {
		opt(&p)
	}

	// exp and iat are whole seconds on the wire; the returned expiries
	// must match them exactly
	now := s.now().Truncate(time.Second)
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access := s.baseClaims(subjectID, TypeAccess, now, accessExp, p.mfa)
	access[claimRole] = string(role)

	accessToken, err := s.sign(access)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.sign(s.baseClaims(subjectID, TypeRefresh, now, refreshExp, p.mfa))
	if err != nil {
		return nil, err
	}

	s.metrics.TokenIssued(string(TypeAccess))
	s.metrics.TokenIssued(string(TypeRefresh))

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Subject:          subjectID,
	}, nil
}

// Verify checks an access token's signature, issuer and expiry. It performs
// no I/O.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	// Tokens minted before the typ claim existed are access tokens
	if claims.Type != TypeAccess && claims.Type != "" {
		return nil, services.ErrInvalidToken.Wrap(fmt.Errorf("expected access token, got %q", claims.Type))
	}
	claims.Type = TypeAccess
	return claims, nil
}

// VerifyRefresh checks a refresh token
func (s *Service) VerifyRefresh(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, services.ErrInvalidToken.Wrap(fmt.Errorf("expected refresh token, got %q", claims.Type))
	}
	return claims, nil
}

// Refresh verifies refreshToken and issues a new pair for the same subject.
// With a revocation store configured the presented refresh token is
// consumed, so replaying it fails with ErrInvalidToken. An expired refresh
// token is reported as ErrInvalidToken as well.
func (s *Service) Refresh(ctx context.Context, refreshToken string, lookup RoleLookup) (*Pair, error) {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, services.ErrExpiredToken) {
			return nil, services.ErrInvalidToken.Wrap(err)
		}
		return nil, err
	}

	role, err := lookup(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	if s.revocations != nil {
		fresh, err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt)
		if err != nil {
			return nil, services.WrapInternal("failed to rotate refresh token", err)
		}
		if !fresh {
			s.logger.Warn("refresh token reuse rejected", zap.String("user_id", claims.Subject))
			return nil, services.ErrInvalidToken.Wrap(errors.New("refresh token already used or revoked"))
		}
	}

	return s.Issue(claims.Subject, role, WithMFA(claims.MFA))
}

// Revoke invalidates a refresh token until its natural expiry. Expired or
// already revoked tokens are accepted silently. Without a revocation store
// this is a no-op.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, services.ErrExpiredToken) {
			return nil
		}
		return err
	}
	if s.revocations == nil {
		s.logger.Debug("refresh token revocation requested without a store")
		return nil
	}
	if _, err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt); err != nil {
		return services.WrapInternal("failed to revoke refresh token", err)
	}
	return nil
}

// RevocationEnabled reports whether refresh tokens are single use
func (s *Service) RevocationEnabled() bool {
	return s.revocations != nil
}

func (s *Service) baseClaims(subjectID string, typ Type, now, exp time.Time, mfa bool) jwt.MapClaims {
	claims := jwt.MapClaims{
		"sub":     subjectID,
		"iss":     s.cfg.Issuer,
		"iat":     jwt.NewNumericDate(now),
		"exp":     jwt.NewNumericDate(exp),
		"jti":     uuid.NewString(),
		claimType: string(typ),
	}
	if mfa {
		claims[claimAMR] = []string{amrMFA}
	}
	return claims
}

func (s *Service) sign(claims jwt.MapClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", services.WrapInternal("failed to sign token", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, services.ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.cfg.Issuer))
	}

	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, mapClaims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.ErrExpiredToken
		}
		return nil, services.ErrInvalidToken.Wrap(err)
	}

	return claimsFromMap(mapClaims)
}

// claimsFromMap reads the subject through SubjectClaimKeys and the remaining
// fields by name
func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	subject := subjectFrom(m)
	if subject == "" {
		return nil, services.ErrInvalidToken.Wrap(errors.New("missing subject claim"))
	}

	c := &Claims{Subject: subject}

	if raw, ok := m[claimRole].(string); ok && raw != "" {
		role, err := models.ParseRole(raw)
		if err != nil {
			return nil, services.ErrInvalidToken.Wrap(err)
		}
		c.Role = role
	}
	if typ, ok := m[claimType].(string); ok {
		c.Type = Type(typ)
	}
	if jti, ok := m["jti"].(string); ok {
		c.ID = jti
	}
	if amr, ok := m[claimAMR].([]interface{}); ok {
		for _, v := range amr {
			if v == amrMFA {
				c.MFA = true
			}
		}
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func subjectFrom(m jwt.MapClaims) string {
	for _, key := range SubjectClaimKeys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
