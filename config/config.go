package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSigningSecretLength is the shortest HMAC secret accepted at startup.
const MinSigningSecretLength = 32

// MaxReconcileTimeout caps outbound profile lookups so a slow identity
// provider cannot stall an authenticating request.
const MaxReconcileTimeout = 3 * time.Second

// Reconciliation modes
const (
	ReconcileModeSync  = "sync"
	ReconcileModeAsync = "async"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Token         TokenConfig
	MFA           MFAConfig
	Login         LoginConfig
	Reconcile     ReconcileConfig
	Audit         AuditConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// RedisConfig holds the optional Redis connection used for token revocation
// and rate limiting. When Addr is empty, in-memory stores are used instead.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Enabled reports whether a Redis address was configured
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// TokenConfig holds signing and lifetime settings for issued tokens
type TokenConfig struct {
	SigningSecret     string
	Issuer            string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RevocationEnabled bool
}

// MFAConfig holds TOTP enrollment and verification settings
type MFAConfig struct {
	Issuer          string
	BackupCodeCount int
	MaxAttempts     int
	AttemptWindow   time.Duration
}

// LoginConfig bounds password attempts per email address
type LoginConfig struct {
	MaxAttempts   int
	AttemptWindow time.Duration
	BcryptCost    int
}

// ReconcileConfig holds identity reconciliation settings
type ReconcileConfig struct {
	StalenessThreshold time.Duration
	Timeout            time.Duration
	Mode               string
	Workers            int
	QueueSize          int
	FailureBackoff     time.Duration
}

// AuditConfig sizes the asynchronous audit trail writer
type AuditConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
}

// ProvidersConfig holds external identity provider configurations
type ProvidersConfig struct {
	Auth0    IdentityProviderConfig
	Keycloak IdentityProviderConfig
}

// IdentityProviderConfig describes how to verify ID tokens from one external
// provider and how to reach its admin API for profile lookups.
type IdentityProviderConfig struct {
	Enabled      bool
	Issuer       string
	Audience     string
	JWKSURL      string
	RoleClaim    string // dotted path, e.g. realm_access.roles
	APIBaseURL   string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Realm        string // keycloak only
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	MetricsPath    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "careportal:auth:"),
		},
		Token: TokenConfig{
			SigningSecret:     getEnv("TOKEN_SIGNING_SECRET", ""),
			Issuer:            getEnv("TOKEN_ISSUER", "careportal"),
			AccessTTL:         getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:        getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			RevocationEnabled: getEnvAsBool("TOKEN_REVOCATION_ENABLED", true),
		},
		MFA: MFAConfig{
			Issuer:          getEnv("MFA_ISSUER", "CarePortal"),
			BackupCodeCount: getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
			MaxAttempts:     getEnvAsInt("MFA_MAX_ATTEMPTS", 5),
			AttemptWindow:   getEnvAsDuration("MFA_ATTEMPT_WINDOW", 5*time.Minute),
		},
		Login: LoginConfig{
			MaxAttempts:   getEnvAsInt("LOGIN_MAX_ATTEMPTS", 10),
			AttemptWindow: getEnvAsDuration("LOGIN_ATTEMPT_WINDOW", 15*time.Minute),
			BcryptCost:    getEnvAsInt("BCRYPT_COST", 12),
		},
		Reconcile: ReconcileConfig{
			StalenessThreshold: getEnvAsDuration("RECONCILE_STALENESS_THRESHOLD", 30*time.Minute),
			Timeout:            getEnvAsDuration("RECONCILE_TIMEOUT", MaxReconcileTimeout),
			Mode:               strings.ToLower(getEnv("RECONCILE_MODE", ReconcileModeSync)),
			Workers:            getEnvAsInt("RECONCILE_WORKERS", 4),
			QueueSize:          getEnvAsInt("RECONCILE_QUEUE_SIZE", 256),
			FailureBackoff:     getEnvAsDuration("RECONCILE_FAILURE_BACKOFF", time.Minute),
		},
		Audit: AuditConfig{
			Enabled:    getEnvAsBool("AUDIT_ENABLED", true),
			Workers:    getEnvAsInt("AUDIT_WORKERS", 2),
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
		},
		Providers: ProvidersConfig{
			Auth0:    loadProviderConfig("AUTH0"),
			Keycloak: loadProviderConfig("KEYCLOAK"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// A missing or weak signing secret is fatal at startup, never per request
	if c.Token.SigningSecret == "" {
		return fmt.Errorf("token signing secret is required: set TOKEN_SIGNING_SECRET")
	}
	if len(c.Token.SigningSecret) < MinSigningSecretLength {
		return fmt.Errorf("token signing secret must be at least %d bytes", MinSigningSecretLength)
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return fmt.Errorf("refresh token TTL must not be shorter than access token TTL")
	}

	if c.MFA.BackupCodeCount <= 0 {
		return fmt.Errorf("mfa backup code count must be positive")
	}

	if c.Login.BcryptCost < 4 || c.Login.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost must be between 4 and 31")
	}

	// Reconciliation validation
	if c.Reconcile.StalenessThreshold <= 0 {
		return fmt.Errorf("reconcile staleness threshold must be positive")
	}
	if c.Reconcile.Timeout <= 0 || c.Reconcile.Timeout > MaxReconcileTimeout {
		return fmt.Errorf("reconcile timeout must be between 0 and %s", MaxReconcileTimeout)
	}
	if c.Reconcile.Mode != ReconcileModeSync && c.Reconcile.Mode != ReconcileModeAsync {
		return fmt.Errorf("invalid reconcile mode %q: must be sync or async", c.Reconcile.Mode)
	}

	if c.Audit.Enabled && (c.Audit.Workers <= 0 || c.Audit.BufferSize <= 0) {
		return fmt.Errorf("audit workers and buffer size must be positive")
	}

	for name, p := range map[string]IdentityProviderConfig{"auth0": c.Providers.Auth0, "keycloak": c.Providers.Keycloak} {
		if !p.Enabled {
			continue
		}
		if p.Issuer == "" || p.Audience == "" {
			return fmt.Errorf("%s: issuer and audience are required when enabled", name)
		}
	}
	if c.Providers.Keycloak.Enabled && c.Providers.Keycloak.Realm == "" {
		return fmt.Errorf("keycloak: realm is required when enabled")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "careportal")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "careportal")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// loadProviderConfig reads <PREFIX>_* variables for one identity provider
func loadProviderConfig(prefix string) IdentityProviderConfig {
	return IdentityProviderConfig{
		Enabled:      getEnvAsBool(prefix+"_ENABLED", false),
		Issuer:       getEnv(prefix+"_ISSUER", ""),
		Audience:     getEnv(prefix+"_AUDIENCE", ""),
		JWKSURL:      getEnv(prefix+"_JWKS_URL", ""),
		RoleClaim:    getEnv(prefix+"_ROLE_CLAIM", ""),
		APIBaseURL:   getEnv(prefix+"_API_BASE_URL", ""),
		TokenURL:     getEnv(prefix+"_TOKEN_URL", ""),
		ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
		ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
		Realm:        getEnv(prefix+"_REALM", ""),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
