package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"openbloom-market/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Sections  map[string][]string       `mapstructure:"sections"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Stream    StreamConfig              `mapstructure:"stream"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Watchlist WatchlistConfig           `mapstructure:"watchlist"`
	Ethereum  EthereumConfig            `mapstructure:"ethereum"`
	Export    ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// alerts and events in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig points at the shared cache. An empty address keeps every tier
// in process memory.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	SeriesTTL time.Duration `mapstructure:"series_ttl"`
}

// CacheConfig sizes the cache tiers and gates the static fallbacks.
type CacheConfig struct {
	FreshTTL             time.Duration `mapstructure:"fresh_ttl"`
	StaleTTL             time.Duration `mapstructure:"stale_ttl"`
	LKGTTL               time.Duration `mapstructure:"lkg_ttl"`
	BootstrapEnabled     bool          `mapstructure:"bootstrap_enabled"`
	RatesDefaultsEnabled bool          `mapstructure:"rates_defaults_enabled"`
	LKGGapFill           bool          `mapstructure:"lkg_gap_fill"`
	IntradayRefresh      time.Duration `mapstructure:"intraday_refresh"`
	FXIntradayRefresh    time.Duration `mapstructure:"fx_intraday_refresh"`
}

// BreakerConfig holds the global circuit-breaker defaults.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

// ProviderConfig tunes one upstream provider. Zero breaker fields inherit
// the global BreakerConfig.
type ProviderConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	Burst              int           `mapstructure:"burst"`
	Endpoints          []string      `mapstructure:"endpoints"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	APIKey             string        `mapstructure:"api_key"`
}

// SchedulerConfig governs the refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// StreamConfig tunes the push channel.
type StreamConfig struct {
	PushInterval time.Duration `mapstructure:"push_interval"`
	Buffer       int           `mapstructure:"buffer"`
}

// AlertingConfig defines alert defaults and routing.
type AlertingConfig struct {
	DefaultCooldownSeconds int            `mapstructure:"default_cooldown_seconds"`
	TriggerWindow          time.Duration  `mapstructure:"trigger_window"`
	Telegram               TelegramConfig `mapstructure:"telegram"`
}

// WatchlistConfig bounds the watchlist.
type WatchlistConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EthereumConfig covers the on-chain price feeds.
type EthereumConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ChainEntry is one "provider:role" item of a section chain.
type ChainEntry struct {
	Provider string
	Role     string
}

var validRoles = map[string]bool{"primary": true, "backup": true, "augmenter": true, "internal": true}

// ProviderIDs lists every provider the system knows how to build.
var ProviderIDs = []string{
	"stooq", "stooq_proxy", "yahoo", "frankfurter", "exchangerate_host",
	"fred_public", "fred_api", "coingecko", "chainlink",
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPENBLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "openbloom")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.series_ttl", "36h")

	v.SetDefault("cache.fresh_ttl", "8s")
	v.SetDefault("cache.stale_ttl", "5m")
	v.SetDefault("cache.lkg_ttl", "168h")
	v.SetDefault("cache.bootstrap_enabled", true)
	v.SetDefault("cache.rates_defaults_enabled", true)
	v.SetDefault("cache.lkg_gap_fill", true)
	v.SetDefault("cache.intraday_refresh", "8s")
	v.SetDefault("cache.fx_intraday_refresh", "8s")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "180s")
	v.SetDefault("breaker.backoff_factor", 2.0)
	v.SetDefault("breaker.max_cooldown", "30m")

	for _, id := range ProviderIDs {
		prefix := "providers." + id + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"timeout", "8s")
		v.SetDefault(prefix+"max_retries", 1)
		v.SetDefault(prefix+"rate_limit_per_minute", 30)
	}
	v.SetDefault("providers.yahoo.max_retries", 2)
	v.SetDefault("providers.yahoo.rate_limit_per_minute", 40)
	v.SetDefault("providers.yahoo.failure_threshold", 2)
	v.SetDefault("providers.yahoo.cooldown", "300s")
	v.SetDefault("providers.yahoo.endpoints", []string{
		"https://query1.finance.yahoo.com/v7/finance/quote",
		"https://query2.finance.yahoo.com/v7/finance/quote",
	})
	v.SetDefault("providers.coingecko.rate_limit_per_minute", 20)
	v.SetDefault("providers.chainlink.rate_limit_per_minute", 60)

	v.SetDefault("sections.indices", []string{"stooq:primary", "stooq_proxy:backup", "yahoo:augmenter"})
	v.SetDefault("sections.fx", []string{"stooq:primary", "frankfurter:backup", "exchangerate_host:backup", "yahoo:augmenter"})
	v.SetDefault("sections.commodities", []string{"stooq:primary", "stooq_proxy:backup", "yahoo:augmenter"})
	v.SetDefault("sections.rates", []string{"fred_public:primary", "fred_api:backup"})
	v.SetDefault("sections.crypto", []string{"coingecko:primary", "chainlink:backup", "yahoo:augmenter"})

	v.SetDefault("scheduler.interval", "8s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f626c6d))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("stream.push_interval", "2s")
	v.SetDefault("stream.buffer", 16)

	v.SetDefault("alerting.default_cooldown_seconds", 60)
	v.SetDefault("alerting.trigger_window", "120s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("watchlist.max_items", 40)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 240)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cache.FreshTTL <= 0 {
		return fmt.Errorf("cache.fresh_ttl must be greater than zero")
	}
	if c.Cache.StaleTTL < c.Cache.FreshTTL {
		return fmt.Errorf("cache.stale_ttl must not be shorter than cache.fresh_ttl")
	}
	if c.Cache.LKGTTL < c.Cache.StaleTTL {
		return fmt.Errorf("cache.lkg_ttl must not be shorter than cache.stale_ttl")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Alerting.DefaultCooldownSeconds < 0 || c.Alerting.DefaultCooldownSeconds > 86400 {
		return fmt.Errorf("alerting.default_cooldown_seconds must be within 0..86400")
	}
	if c.Watchlist.MaxItems <= 0 {
		return fmt.Errorf("watchlist.max_items must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	for id, p := range c.Providers {
		if p.Timeout < 0 {
			return fmt.Errorf("providers.%s.timeout cannot be negative", id)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("providers.%s.max_retries cannot be negative", id)
		}
	}
	for section := range c.Sections {
		if _, err := c.SectionChain(section); err != nil {
			return err
		}
	}
	return nil
}

// SectionChain parses the "provider:role" list configured for section. A
// bare provider id defaults to the backup role.
func (c *Config) SectionChain(section string) ([]ChainEntry, error) {
	raw := c.Sections[section]
	out := make([]ChainEntry, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, role, found := strings.Cut(item, ":")
		if !found {
			role = "backup"
		}
		id = strings.ToLower(strings.TrimSpace(id))
		role = strings.ToLower(strings.TrimSpace(role))
		if !validRoles[role] {
			return nil, fmt.Errorf("sections.%s: unknown role %q for %s", section, role, id)
		}
		out = append(out, ChainEntry{Provider: id, Role: role})
	}
	return out, nil
}

// Provider returns the settings for id, falling back to defaults when the
// provider has no configuration block.
func (c *Config) Provider(id string) ProviderConfig {
	if p, ok := c.Providers[id]; ok {
		return p
	}
	return ProviderConfig{Enabled: true, Timeout: 8 * time.Second, MaxRetries: 1, RateLimitPerMinute: 30}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
