package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config is the full runtime configuration of entitlesyncd.
type Config struct {
	HTTPAddr         string
	HTTPWriteTimeout time.Duration

	// Exactly one backend is used: Postgres when DatabaseURL is set,
	// SQLite otherwise.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	WebhookPublicKey string // hex ed25519
	RequireSignature bool
	SignatureWindow  time.Duration
	WebhookRateLimit int // deliveries per minute per client IP; 0 disables

	OperatorJWKSURL  string
	OperatorIssuer   string
	OperatorAudience string

	SweepSchedule string
	SweepBatch    int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	writeTimeout, err := envOrDefaultDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	window, err := envOrDefaultDuration("SIGNATURE_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	requireSig, err := envOrDefaultBool("REQUIRE_SIGNATURE", true)
	if err != nil {
		return nil, err
	}
	rate, err := envOrDefaultInt("WEBHOOK_RATE_LIMIT", 600)
	if err != nil {
		return nil, err
	}
	batch, err := envOrDefaultInt("SWEEP_BATCH", 500)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:         envOrDefault("HTTP_ADDR", ":8080"),
		HTTPWriteTimeout: writeTimeout,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:       envOrDefault("SQLITE_PATH", "data/entitlesync.db"),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:         cacheTTL,
		WebhookPublicKey: strings.TrimSpace(os.Getenv("WEBHOOK_PUBLIC_KEY")),
		RequireSignature: requireSig,
		SignatureWindow:  window,
		WebhookRateLimit: rate,
		OperatorJWKSURL:  strings.TrimSpace(os.Getenv("OPERATOR_JWKS_URL")),
		OperatorIssuer:   strings.TrimSpace(os.Getenv("OPERATOR_ISSUER")),
		OperatorAudience: strings.TrimSpace(os.Getenv("OPERATOR_AUDIENCE")),
		SweepSchedule:    envOrDefault("SWEEP_SCHEDULE", "*/15 * * * *"),
		SweepBatch:       batch,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing variable at once, then the first malformed one.
func (c *Config) Validate() error {
	var missing []string
	if c.RequireSignature && c.WebhookPublicKey == "" {
		missing = append(missing, "WEBHOOK_PUBLIC_KEY")
	}
	if c.OperatorJWKSURL != "" && c.OperatorIssuer == "" {
		missing = append(missing, "OPERATOR_ISSUER")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.WebhookPublicKey != "" {
		b, err := hex.DecodeString(c.WebhookPublicKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("WEBHOOK_PUBLIC_KEY must be a 64-character hex ed25519 key")
		}
	}
	if c.SignatureWindow <= 0 {
		return fmt.Errorf("SIGNATURE_WINDOW must be positive, got %s", c.SignatureWindow)
	}
	if c.HTTPWriteTimeout <= 0 {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT must be positive, got %s", c.HTTPWriteTimeout)
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT must not be negative, got %d", c.WebhookRateLimit)
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("SWEEP_BATCH must be greater than 0, got %d", c.SweepBatch)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE is not a valid cron expression: %w", err)
	}
	if c.OperatorJWKSURL != "" {
		u, err := url.Parse(c.OperatorJWKSURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("OPERATOR_JWKS_URL must be an absolute http(s) URL")
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// UsePostgres reports whether the Postgres backend is configured.
func (c *Config) UsePostgres() bool { return c.DatabaseURL != "" }

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
