package config

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	AuthMode     string   `mapstructure:"AUTH_MODE"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBSchema     string   `mapstructure:"DB_SCHEMA"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string   `mapstructure:"REDIS_URL"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSignKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	EvaluatorFailureMode string        `mapstructure:"EVALUATOR_FAILURE_MODE"`
	PolicyServiceURL     string        `mapstructure:"POLICY_SERVICE_URL"`
	PolicyServiceTimeout time.Duration `mapstructure:"POLICY_SERVICE_TIMEOUT"`
	PolicyServiceToken   string        `mapstructure:"POLICY_SERVICE_TOKEN"`

	PeripheralNodesFile    string        `mapstructure:"PERIPHERAL_NODES_FILE"`
	PeripheralTimeout      time.Duration `mapstructure:"PERIPHERAL_TIMEOUT"`
	DocumentFallbackTenant string        `mapstructure:"DOCUMENT_FALLBACK_TENANT"`

	ServiceTokenPublicKey string `mapstructure:"SERVICE_TOKEN_PUBLIC_KEY"`
	ServiceTokenAudience  string `mapstructure:"SERVICE_TOKEN_AUDIENCE"`

	AuditQueueSize      int           `mapstructure:"AUDIT_QUEUE_SIZE"`
	AuditWorkers        int           `mapstructure:"AUDIT_WORKERS"`
	AuditMaxRetries     int           `mapstructure:"AUDIT_MAX_RETRIES"`
	AuditRetryBaseDelay time.Duration `mapstructure:"AUDIT_RETRY_BASE_DELAY"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"EVALUATOR_FAILURE_MODE", "POLICY_SERVICE_URL", "POLICY_SERVICE_TIMEOUT", "POLICY_SERVICE_TOKEN",
	"PERIPHERAL_NODES_FILE", "PERIPHERAL_TIMEOUT", "DOCUMENT_FALLBACK_TENANT",
	"SERVICE_TOKEN_PUBLIC_KEY", "SERVICE_TOKEN_AUDIENCE",
	"AUDIT_QUEUE_SIZE", "AUDIT_WORKERS", "AUDIT_MAX_RETRIES", "AUDIT_RETRY_BASE_DELAY",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_SCHEMA", "registry")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("EVALUATOR_FAILURE_MODE", "deny")
	v.SetDefault("POLICY_SERVICE_TIMEOUT", "3s")
	v.SetDefault("PERIPHERAL_TIMEOUT", "15s")
	v.SetDefault("SERVICE_TOKEN_AUDIENCE", "hcen-registry")
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("AUDIT_WORKERS", 4)
	v.SetDefault("AUDIT_MAX_RETRIES", 3)
	v.SetDefault("AUDIT_RETRY_BASE_DELAY", "200ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.EvaluatorFailureMode = strings.ToLower(strings.TrimSpace(cfg.EvaluatorFailureMode))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" under
// ENV=development and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// FailOpen reports whether the evaluator guard allows access when the
// evaluator itself fails.
func (c *Config) FailOpen() bool {
	return c.EvaluatorFailureMode == "allow"
}

// ServiceTokenKey decodes SERVICE_TOKEN_PUBLIC_KEY. It returns nil when no
// key is configured, which disables trusted service callers.
func (c *Config) ServiceTokenKey() ([]byte, error) {
	if c.ServiceTokenPublicKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ServiceTokenPublicKey)
	if err != nil {
		return nil, fmt.Errorf("SERVICE_TOKEN_PUBLIC_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthJWKSURL == "" && c.AuthSignKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
	}
	if mode == "development" && c.IsProduction() {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	switch c.EvaluatorFailureMode {
	case "deny", "allow":
	default:
		return fmt.Errorf("EVALUATOR_FAILURE_MODE must be \"deny\" or \"allow\", got %q", c.EvaluatorFailureMode)
	}

	key, err := c.ServiceTokenKey()
	if err != nil {
		return err
	}
	// ed25519.PublicKeySize
	if key != nil && len(key) != 32 {
		return fmt.Errorf("SERVICE_TOKEN_PUBLIC_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	if c.AuditWorkers < 1 {
		return fmt.Errorf("AUDIT_WORKERS must be at least 1, got %d", c.AuditWorkers)
	}
	if c.AuditQueueSize < 1 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be at least 1, got %d", c.AuditQueueSize)
	}
	if c.AuditMaxRetries < 0 {
		return fmt.Errorf("AUDIT_MAX_RETRIES must not be negative, got %d", c.AuditMaxRetries)
	}

	if c.DocumentFallbackTenant != "" && !tenantPattern.MatchString(c.DocumentFallbackTenant) {
		return fmt.Errorf("DOCUMENT_FALLBACK_TENANT must match [a-zA-Z0-9_]+, got %q", c.DocumentFallbackTenant)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
