// Package config loads and validates all runtime configuration for
// MemoryRouter.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse is optional — set
// USAGE_RECORDER_MODE=memory to buffer usage events in-process instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Provider API keys — at least one must be non-empty. Provider tags are
	// the closed set from the memory-key provider-key-set data model.
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	Google     ProviderConfig
	Mistral    ProviderConfig
	XAI        ProviderConfig
	Cerebras   ProviderConfig
	DeepSeek   ProviderConfig
	OpenRouter ProviderConfig
	Ollama     ProviderConfig
	Azure      AzureConfig

	// Redis holds the connection URL for the Redis-backed blocked-user
	// cache, response cache and rate limiter.
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// Kronos controls the time-window retrieval engine.
	Kronos KronosConfig

	// Billing controls the balance checkpoint (C7).
	Billing BillingConfig

	// Usage controls the usage recorder (C8) / ClickHouse sink.
	Usage UsageConfig

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. top-up links).
	AppBaseURL string

	// AdminSecret authorizes /v1/admin/* requests via the X-Admin-Secret
	// header as an alternative to an mk_admin* memory key. Empty disables
	// the header path.
	AdminSecret string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization
	// headers directly to the upstream provider (pass-through mode via
	// X-Memory-Key) instead of requiring a configured provider key.
	AllowClientAPIKeys bool

	// MemoryEnabled controls whether the persistent-memory pipeline (C1-C9)
	// is wired in. When false, the gateway runs as a bare LLM proxy: no
	// vaults, no KRONOS retrieval, no balance checkpoint, no usage
	// recording — response caching and RPM limiting are the only request
	// controls. Default: true.
	MemoryEnabled bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Mode            string
	TTL             time.Duration
	ExcludeExact    []string
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	MaxRetries      int
	ProviderTimeout time.Duration
}

// KronosConfig controls the time-window retrieval engine (C3).
type KronosConfig struct {
	// HotWindow is the request-path default HOT window cutoff.
	HotWindow time.Duration
	// SessionHotWindow is the alternate HOT cutoff for session-scoped
	// vaults (spec.md §9 Open Question: 4h request-path default, 12h
	// acceptable for session scope). It is loaded here but not read by
	// retrieval, which applies HotWindow to every scope.
	SessionHotWindow time.Duration
	WorkingWindow    time.Duration
	LongTermWindow   time.Duration
	// MaxParallelSearches bounds the vault×window fan-out.
	MaxParallelSearches int
}

// BillingConfig controls the balance checkpoint (C7).
type BillingConfig struct {
	// PricePerMillionTokenHundredthsCents is the cost of 1,000,000 memory
	// tokens in hundredths-of-a-cent (cents * 100). $0.20/1M == 2000.
	PricePerMillionTokenHundredthsCents int64
	// FreeTierTokens is the lifetime free-tier allowance per account.
	FreeTierTokens int64
	// AutoReupAmountCents is copied into billing.Pricing but not read there:
	// the checkpoint charges the account's own amount, or 2000 ($20) when
	// the account has none.
	AutoReupAmountCents int64
	// AutoReupTriggerCents is copied into billing.Pricing but not read there:
	// auto-reup compares the balance with the account's own trigger.
	AutoReupTriggerCents int64
	// BlockedBalanceTTL / BlockedSuspendedTTL are blocked-user cache TTLs.
	BlockedBalanceTTL    time.Duration
	BlockedSuspendedTTL  time.Duration
	ContentHashDedupSize int
}

// UsageConfig controls the usage recorder (C8).
type UsageConfig struct {
	// Mode selects the sink: "clickhouse" or "memory" (tests/local dev).
	Mode          string
	ClickHouseDSN string
	RollupAfter   time.Duration
	RetainRaw     time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)
	v.SetDefault("MEMORY_ENABLED", true)

	v.SetDefault("KRONOS_HOT_WINDOW_HOURS", 4)
	v.SetDefault("KRONOS_SESSION_HOT_WINDOW_HOURS", 12)
	v.SetDefault("KRONOS_WORKING_WINDOW_DAYS", 3)
	v.SetDefault("KRONOS_LONGTERM_WINDOW_DAYS", 90)
	v.SetDefault("KRONOS_MAX_PARALLEL_SEARCHES", 32)

	v.SetDefault("BILLING_PRICE_PER_MILLION_TOKEN_HUNDREDTHS_CENTS", 2000) // $0.20/1M tokens
	v.SetDefault("BILLING_FREE_TIER_TOKENS", 50_000_000)
	v.SetDefault("BILLING_AUTO_REUP_AMOUNT_CENTS", 2000) // $20
	v.SetDefault("BILLING_AUTO_REUP_TRIGGER_CENTS", 500) // $5
	v.SetDefault("BILLING_BLOCKED_BALANCE_TTL", "5m")
	v.SetDefault("BILLING_BLOCKED_SUSPENDED_TTL", "30m")
	v.SetDefault("BILLING_CONTENT_HASH_DEDUP_SIZE", 64)

	v.SetDefault("USAGE_RECORDER_MODE", "memory")
	v.SetDefault("USAGE_ROLLUP_AFTER", "24h")
	v.SetDefault("USAGE_RETAIN_RAW", "2160h") // 90 days

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:     ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic:  ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:     ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},
		Mistral:    ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY"), BaseURL: v.GetString("CEREBRAS_BASE_URL")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		OpenRouter: ProviderConfig{APIKey: v.GetString("OPENROUTER_API_KEY"), BaseURL: v.GetString("OPENROUTER_BASE_URL")},
		Ollama:     ProviderConfig{APIKey: v.GetString("OLLAMA_API_KEY"), BaseURL: v.GetString("OLLAMA_BASE_URL")},

		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Kronos: KronosConfig{
			HotWindow:           time.Duration(v.GetInt("KRONOS_HOT_WINDOW_HOURS")) * time.Hour,
			SessionHotWindow:    time.Duration(v.GetInt("KRONOS_SESSION_HOT_WINDOW_HOURS")) * time.Hour,
			WorkingWindow:       time.Duration(v.GetInt("KRONOS_WORKING_WINDOW_DAYS")) * 24 * time.Hour,
			LongTermWindow:      time.Duration(v.GetInt("KRONOS_LONGTERM_WINDOW_DAYS")) * 24 * time.Hour,
			MaxParallelSearches: v.GetInt("KRONOS_MAX_PARALLEL_SEARCHES"),
		},

		Billing: BillingConfig{
			PricePerMillionTokenHundredthsCents: v.GetInt64("BILLING_PRICE_PER_MILLION_TOKEN_HUNDREDTHS_CENTS"),
			FreeTierTokens:                       v.GetInt64("BILLING_FREE_TIER_TOKENS"),
			AutoReupAmountCents:                  v.GetInt64("BILLING_AUTO_REUP_AMOUNT_CENTS"),
			AutoReupTriggerCents:                 v.GetInt64("BILLING_AUTO_REUP_TRIGGER_CENTS"),
			BlockedBalanceTTL:                    v.GetDuration("BILLING_BLOCKED_BALANCE_TTL"),
			BlockedSuspendedTTL:                  v.GetDuration("BILLING_BLOCKED_SUSPENDED_TTL"),
			ContentHashDedupSize:                 v.GetInt("BILLING_CONTENT_HASH_DEDUP_SIZE"),
		},

		Usage: UsageConfig{
			Mode:          strings.ToLower(v.GetString("USAGE_RECORDER_MODE")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
			RollupAfter:   v.GetDuration("USAGE_ROLLUP_AFTER"),
			RetainRaw:     v.GetDuration("USAGE_RETAIN_RAW"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
		AdminSecret: v.GetString("ADMIN_SECRET"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
		MemoryEnabled:      v.GetBool("MEMORY_ENABLED"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, CEREBRAS_API_KEY, DEEPSEEK_API_KEY, OPENROUTER_API_KEY, " +
				"OLLAMA_BASE_URL, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Usage.Mode == "clickhouse" && c.Usage.ClickHouseDSN == "" {
		return fmt.Errorf(
			"config: CLICKHOUSE_DSN is required when USAGE_RECORDER_MODE=clickhouse; " +
				"set USAGE_RECORDER_MODE=memory for local development",
		)
	}
	switch c.Usage.Mode {
	case "clickhouse", "memory":
	default:
		return fmt.Errorf("config: invalid USAGE_RECORDER_MODE %q; must be one of: clickhouse, memory", c.Usage.Mode)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Billing.FreeTierTokens < 0 {
		return fmt.Errorf("config: BILLING_FREE_TIER_TOKENS must be ≥ 0")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Google.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.OpenRouter.APIKey != "" ||
		c.Ollama.BaseURL != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
