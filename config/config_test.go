package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "HTTP_WRITE_TIMEOUT", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "CACHE_TTL",
		"WEBHOOK_PUBLIC_KEY", "REQUIRE_SIGNATURE", "SIGNATURE_WINDOW", "WEBHOOK_RATE_LIMIT",
		"OPERATOR_JWKS_URL", "OPERATOR_ISSUER", "OPERATOR_AUDIENCE",
		"SWEEP_SCHEDULE", "SWEEP_BATCH", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PUBLIC_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Minute, cfg.SignatureWindow)
	assert.Equal(t, 10*time.Second, cfg.HTTPWriteTimeout)
	assert.True(t, cfg.RequireSignature)
	assert.Equal(t, "*/15 * * * *", cfg.SweepSchedule)
	assert.Equal(t, 500, cfg.SweepBatch)
	assert.False(t, cfg.UsePostgres())
}

func TestLoadRequiresKeyWhenSignatureRequired(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_PUBLIC_KEY")

	t.Setenv("REQUIRE_SIGNATURE", "false")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadListsAllMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPERATOR_JWKS_URL", "https://issuer.example/.well-known/jwks.json")
	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "WEBHOOK_PUBLIC_KEY") && strings.Contains(err.Error(), "OPERATOR_ISSUER"), err.Error())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			WebhookPublicKey: testKey,
			RequireSignature: true,
			SignatureWindow:  time.Minute,
			HTTPWriteTimeout: time.Second,
			SweepSchedule:    "@every 1m",
			SweepBatch:       10,
			LogFormat:        "json",
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"short key":     func(c *Config) { c.WebhookPublicKey = "abcd" },
		"non-hex key":   func(c *Config) { c.WebhookPublicKey = strings.Repeat("z", 64) },
		"zero window":   func(c *Config) { c.SignatureWindow = 0 },
		"bad schedule":  func(c *Config) { c.SweepSchedule = "every tuesday" },
		"zero batch":    func(c *Config) { c.SweepBatch = 0 },
		"bad format":    func(c *Config) { c.LogFormat = "xml" },
		"relative jwks": func(c *Config) { c.OperatorJWKSURL = "/jwks"; c.OperatorIssuer = "x" },
		"negative rate": func(c *Config) { c.WebhookRateLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUIRE_SIGNATURE", "false")
	t.Setenv("SWEEP_BATCH", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWEEP_BATCH")
}
