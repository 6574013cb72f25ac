package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "openbloom", cfg.App.Name)
	assert.Equal(t, 8*time.Second, cfg.Cache.FreshTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.StaleTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.LKGTTL)
	assert.True(t, cfg.Cache.BootstrapEnabled)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 180*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 60, cfg.Alerting.DefaultCooldownSeconds)
	assert.Equal(t, 120*time.Second, cfg.Alerting.TriggerWindow)
	assert.Equal(t, 40, cfg.Watchlist.MaxItems)

	yahoo := cfg.Provider("yahoo")
	assert.Equal(t, 2, yahoo.FailureThreshold)
	assert.Equal(t, 300*time.Second, yahoo.Cooldown)
	assert.Equal(t, 40, yahoo.RateLimitPerMinute)
	assert.Len(t, yahoo.Endpoints, 2)

	chain, err := cfg.SectionChain("fx")
	require.NoError(t, err)
	assert.Equal(t, []ChainEntry{
		{Provider: "stooq", Role: "primary"},
		{Provider: "frankfurter", Role: "backup"},
		{Provider: "exchangerate_host", Role: "backup"},
		{Provider: "yahoo", Role: "augmenter"},
	}, chain)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENBLOOM_SCHEDULER_INTERVAL", "15s")
	t.Setenv("OPENBLOOM_PROVIDERS_COINGECKO_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("OPENBLOOM_SECTIONS_RATES", "fred_api:primary,fred_public")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 5, cfg.Provider("coingecko").RateLimitPerMinute)

	chain, err := cfg.SectionChain("rates")
	require.NoError(t, err)
	assert.Equal(t, []ChainEntry{
		{Provider: "fred_api", Role: "primary"},
		{Provider: "fred_public", Role: "backup"},
	}, chain)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openbloom.yaml")
	body := `
cache:
  fresh_ttl: 4s
providers:
  fred_api:
    api_key: secret
alerting:
  default_cooldown_seconds: 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Cache.FreshTTL)
	assert.Equal(t, "secret", cfg.Provider("fred_api").APIKey)
	assert.Equal(t, 0, cfg.Alerting.DefaultCooldownSeconds)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"tiers out of order": func(c *Config) { c.Cache.StaleTTL = time.Second },
		"cooldown too long":  func(c *Config) { c.Alerting.DefaultCooldownSeconds = 90000 },
		"telegram missing":   func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"unknown role":       func(c *Config) { c.Sections["indices"] = []string{"stooq:leader"} },
		"zero threshold":     func(c *Config) { c.Breaker.FailureThreshold = 0 },
		"empty watchlist":    func(c *Config) { c.Watchlist.MaxItems = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 240}}
	assert.Equal(t, 240, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 50, cfg.ResolveMaxPoints(50))
}
