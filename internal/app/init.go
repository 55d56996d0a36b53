package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	"github.com/memoryrouter/memoryrouter/internal/billing"
	npCache "github.com/memoryrouter/memoryrouter/internal/cache"
	"github.com/memoryrouter/memoryrouter/internal/embedder"
	"github.com/memoryrouter/memoryrouter/internal/kronos"
	"github.com/memoryrouter/memoryrouter/internal/metrics"
	"github.com/memoryrouter/memoryrouter/internal/providers"
	"github.com/memoryrouter/memoryrouter/internal/proxy"
	"github.com/memoryrouter/memoryrouter/internal/ratelimit"
	"github.com/memoryrouter/memoryrouter/internal/usage"
	"github.com/memoryrouter/memoryrouter/internal/vault"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. Config validation rejects a
// configuration with no provider unless ALLOW_CLIENT_API_KEYS is set; this
// function returns an error when the resulting map is empty.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	if a.cfg.MemoryEnabled {
		if err := a.initMemory(); err != nil {
			return fmt.Errorf("memory deps: %w", err)
		}
	} else {
		a.log.Info("memory pipeline disabled (MEMORY_ENABLED=false) — running as a bare LLM proxy")
	}

	return nil
}

// initMemory builds the C1-C9 memory-pipeline dependencies (auth store,
// vault manager, embedder, balance checkpoint, usage sink) and wires them
// into the gateway. Without this step (MEMORY_ENABLED=false) dispatchChat
// falls through to the bare-proxy path instead.
func (a *App) initMemory() error {
	authStore := auth.NewMemoryStore()

	emb := a.pickEmbedder()

	var usageSink usage.Sink
	switch a.cfg.Usage.Mode {
	case "clickhouse":
		sink, err := usage.NewClickHouseSink(a.baseCtx, a.cfg.Usage.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		usageSink = sink
	default:
		store := usage.NewStore()
		usageSink = store.Sink(a.baseCtx)
		a.usageStore = store
		go a.runUsageRollup(store)
	}
	a.usageSink = usageSink

	var blocked npCache.Cache
	if a.memCache != nil {
		blocked = a.memCache
	} else if a.rdb != nil {
		blocked = npCache.NewExactCacheFromClient(a.rdb)
	} else {
		blocked = npCache.NewMemoryCache(a.baseCtx)
	}

	checkpoint := billing.NewCheckpoint(
		billing.NewMemoryStore(),
		&billing.DeterministicProcessor{},
		blocked,
		billing.Pricing{
			PricePerMillionTokenHundredthsCents: a.cfg.Billing.PricePerMillionTokenHundredthsCents,
			FreeTierTokens:                       a.cfg.Billing.FreeTierTokens,
			AutoReupAmountCents:                  a.cfg.Billing.AutoReupAmountCents,
			AutoReupTriggerCents:                 a.cfg.Billing.AutoReupTriggerCents,
		},
		a.cfg.Billing.BlockedBalanceTTL,
		a.cfg.Billing.BlockedSuspendedTTL,
	)

	a.gw.SetMemoryDeps(&proxy.MemoryDeps{
		Auth:     authStore,
		Vaults:   vault.NewManager(a.cfg.Billing.ContentHashDedupSize),
		Embedder: emb,
		Windows: kronos.Windows{
			Hot:      a.cfg.Kronos.HotWindow,
			Working:  a.cfg.Kronos.WorkingWindow,
			LongTerm: a.cfg.Kronos.LongTermWindow,
		},
		MaxParallel:   a.cfg.Kronos.MaxParallelSearches,
		Billing:       checkpoint,
		Usage:         usageSink,
		UsageStore:    a.usageStore,
		UsageSinkName: a.cfg.Usage.Mode,
		TopUpURL:      a.cfg.AppBaseURL + "/billing",
		AdminSecret:   a.cfg.AdminSecret,
	})

	a.log.Info("memory pipeline wired",
		slog.String("usage_mode", a.cfg.Usage.Mode),
		slog.Int("dedup_window", a.cfg.Billing.ContentHashDedupSize),
	)

	return nil
}

// runUsageRollup periodically folds raw usage events older than the
// configured cutoff into daily rows and reclaims stale raw rows. The
// in-memory store needs this in-process; the ClickHouse backend runs its
// rollup as a scheduled server-side query instead.
func (a *App) runUsageRollup(store *usage.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.baseCtx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			store.Rollup(time.Now(), a.cfg.Usage.RollupAfter, a.cfg.Usage.RetainRaw)
			if a.prom != nil {
				a.prom.ObserveUsageRollup(time.Since(start))
			}
		}
	}
}

// pickEmbedder prefers a provider-backed embedder (OpenAI, when configured)
// and falls back to the deterministic local embedder otherwise — the same
// fallback the embedder package documents for dev/test use.
func (a *App) pickEmbedder() embedder.Embedder {
	const embedDims = 1536
	if ep, ok := a.provs["openai"].(providers.EmbeddingProvider); ok {
		return embedder.NewProviderEmbedder(ep, "text-embedding-3-small", embedDims)
	}
	return embedder.NewLocalEmbedder(embedDims)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
