// Package jwks verifies RS256 ID tokens issued by external identity
// providers against their published JSON Web Key Sets.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrJWKSFetchFailed is returned when JWKS fetching fails
	ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")

	// ErrUnknownProvider is returned by Registry for unregistered names
	ErrUnknownProvider = errors.New("unknown identity provider")
)

// JWKS represents the JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Config holds configuration for a Validator
type Config struct {
	// Provider is the name external identities are linked under
	Provider string
	Issuer   string
	Audience string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json"
	JWKSURL string
	// RoleClaim names the claim carrying the role hint
	RoleClaim   string
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
	// MinRefetchInterval spaces out key set refetches forced by an
	// unknown kid
	MinRefetchInterval time.Duration
}

// Validator validates ID tokens of one provider
type Validator struct {
	provider   string
	issuer     string
	audience   string
	jwksURL    string
	roleClaim  string
	httpClient *http.Client
	now        func() time.Time

	// Cache for JWKS
	jwksCache    *JWKS
	jwksCacheExp time.Time
	jwksCacheTTL time.Duration
	cacheMu      sync.RWMutex
	fetches      singleflight.Group

	// Forced refetches on unknown kids
	minRefetch  time.Duration
	lastRefetch time.Time
	refetchMu   sync.Mutex

	// Cache for parsed public keys
	keyCache   map[string]*rsa.PublicKey
	keyCacheMu sync.RWMutex
}

// NewValidator creates a new ID token validator
func NewValidator(config Config) (*Validator, error) {
	if config.Provider == "" || config.Issuer == "" || config.Audience == "" {
		return nil, errors.New("jwks validator requires provider, issuer and audience")
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 1 * time.Hour
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 5 * time.Second
	}
	if config.JWKSURL == "" {
		config.JWKSURL = strings.TrimRight(config.Issuer, "/") + "/.well-known/jwks.json"
	}
	if config.RoleClaim == "" {
		config.RoleClaim = "role"
	}
	if config.MinRefetchInterval == 0 {
		config.MinRefetchInterval = time.Minute
	}

	return &Validator{
		provider:     config.Provider,
		issuer:       config.Issuer,
		audience:     config.Audience,
		jwksURL:      config.JWKSURL,
		roleClaim:    config.RoleClaim,
		jwksCacheTTL: config.CacheTTL,
		minRefetch:   config.MinRefetchInterval,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		now:      time.Now,
		keyCache: make(map[string]*rsa.PublicKey),
	}, nil
}

// Provider returns the provider name
func (v *Validator) Provider() string {
	return v.provider
}

// ValidateToken validates an ID token and returns its identity claims
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*ExternalClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		publicKey, err := v.getPublicKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		return publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	parsed, err := parseClaims(claims, v.roleClaim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	parsed.Provider = v.provider
	return parsed, nil
}

// FetchJWKS fetches the key set, serving it from cache while fresh.
// Concurrent misses share one request.
func (v *Validator) FetchJWKS(ctx context.Context) (*JWKS, error) {
	v.cacheMu.RLock()
	if v.jwksCache != nil && v.now().Before(v.jwksCacheExp) {
		defer v.cacheMu.RUnlock()
		return v.jwksCache, nil
	}
	v.cacheMu.RUnlock()

	return v.fetch(ctx)
}

func (v *Validator) fetch(ctx context.Context) (*JWKS, error) {
	res, err, _ := v.fetches.Do(v.jwksURL, func() (interface{}, error) {
		return v.download(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*JWKS), nil
}

func (v *Validator) download(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}

	v.cacheMu.Lock()
	v.jwksCache = &jwks
	v.jwksCacheExp = v.now().Add(v.jwksCacheTTL)
	v.cacheMu.Unlock()

	v.pruneKeys(&jwks)
	return &jwks, nil
}

// pruneKeys drops parsed keys the provider no longer publishes
func (v *Validator) pruneKeys(jwks *JWKS) {
	published := make(map[string]struct{}, len(jwks.Keys))
	for _, k := range jwks.Keys {
		published[k.Kid] = struct{}{}
	}

	v.keyCacheMu.Lock()
	defer v.keyCacheMu.Unlock()
	for kid := range v.keyCache {
		if _, ok := published[kid]; !ok {
			delete(v.keyCache, kid)
		}
	}
}

// allowRefetch reports whether an unknown kid may force a refetch now.
// At most one forced refetch happens per MinRefetchInterval.
func (v *Validator) allowRefetch() bool {
	v.refetchMu.Lock()
	defer v.refetchMu.Unlock()
	now := v.now()
	if !v.lastRefetch.IsZero() && now.Sub(v.lastRefetch) < v.minRefetch {
		return false
	}
	v.lastRefetch = now
	return true
}

// getPublicKey retrieves the public key for kid. An unknown kid may force
// one refetch of the key set so rotated keys are picked up before the
// cache expires; such refetches are throttled by MinRefetchInterval.
func (v *Validator) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keyCacheMu.RLock()
	if key, exists := v.keyCache[kid]; exists {
		v.keyCacheMu.RUnlock()
		return key, nil
	}
	v.keyCacheMu.RUnlock()

	jwk, err := v.findKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if jwk == nil && v.allowRefetch() {
		jwks, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		jwk = lookupKey(jwks, kid)
	}
	if jwk == nil {
		return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
	}

	publicKey, err := jwkToRSAPublicKey(jwk)
	if err != nil {
		return nil, fmt.Errorf("failed to convert JWK to RSA public key: %w", err)
	}

	v.keyCacheMu.Lock()
	v.keyCache[kid] = publicKey
	v.keyCacheMu.Unlock()

	return publicKey, nil
}

func (v *Validator) findKey(ctx context.Context, kid string) (*JWK, error) {
	jwks, err := v.FetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	return lookupKey(jwks, kid), nil
}

func lookupKey(jwks *JWKS, kid string) *JWK {
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			return &jwks.Keys[i]
		}
	}
	return nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key
func jwkToRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "" && jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %s", jwk.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// InvalidateCache drops the cached key set and parsed keys
func (v *Validator) InvalidateCache() {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	v.jwksCache = nil
	v.jwksCacheExp = time.Time{}

	v.keyCacheMu.Lock()
	defer v.keyCacheMu.Unlock()
	v.keyCache = make(map[string]*rsa.PublicKey)
}

// CacheStats describes the cache state
type CacheStats struct {
	JWKSCached bool
	ExpiresAt  time.Time
	KeyCount   int
	CachedKeys int
}

// GetCacheStats returns cache statistics
func (v *Validator) GetCacheStats() CacheStats {
	v.cacheMu.RLock()
	defer v.cacheMu.RUnlock()

	v.keyCacheMu.RLock()
	defer v.keyCacheMu.RUnlock()

	stats := CacheStats{
		JWKSCached: v.jwksCache != nil,
		ExpiresAt:  v.jwksCacheExp,
		CachedKeys: len(v.keyCache),
	}
	if v.jwksCache != nil {
		stats.KeyCount = len(v.jwksCache.Keys)
	}
	return stats
}

// Registry maps provider names to validators
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*Validator
}

// NewRegistry creates a registry of validators
func NewRegistry(validators ...*Validator) *Registry {
	r := &Registry{validators: make(map[string]*Validator)}
	for _, v := range validators {
		r.Register(v)
	}
	return r
}

// Register adds or replaces the validator for its provider
func (r *Registry) Register(v *Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[v.Provider()] = v
}

// ValidateToken validates tokenString with the named provider's validator
func (r *Registry) ValidateToken(ctx context.Context, provider, tokenString string) (*ExternalClaims, error) {
	r.mu.RLock()
	v, ok := r.validators[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return v.ValidateToken(ctx, tokenString)
}

// Providers returns the registered provider names
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	return names
}
