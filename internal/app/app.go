package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/breaker"
	"openbloom-market/internal/cache"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/config"
	"openbloom-market/internal/diagnostics"
	"openbloom-market/internal/fallback"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
	"openbloom-market/internal/ratelimit"
	"openbloom-market/internal/scheduler"
	"openbloom-market/internal/service"
	"openbloom-market/internal/storage"
	"openbloom-market/internal/watchlist"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Clock: clock.Real{}, Out: os.Stdout}
}

// runtime is the fully wired object graph for one command invocation.
type runtime struct {
	registry  *provider.Registry
	overview  *service.OverviewService
	intraday  *service.IntradayService
	evaluator *alerting.Evaluator
	alerts    *alerting.Manager
	repo      alerting.Repository
	watchlist *watchlist.Service
	store     *storage.Store
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// build wires providers, cache tiers, fallback chain, alerting and storage.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		rt.store = store
		rt.closers = append(rt.closers, store.Close)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; alerts and LKG kept in memory")
	}

	backend, series, redisClient := a.openCache(ctx)
	if redisClient != nil {
		rt.closers = append(rt.closers, func() { _ = redisClient.Close() })
	}

	registry, err := a.buildRegistry()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry

	var durable cache.Durable
	if store != nil {
		durable = store
	}
	ttl := cache.TTLs{Fresh: a.Config.Cache.FreshTTL, Stale: a.Config.Cache.StaleTTL, LKG: a.Config.Cache.LKGTTL}

	sections := cache.NewTiered[market.SectionSnapshot](backend, cache.Options{
		Namespace: "overview",
		TTL:       ttl,
		Durable:   durable,
		Logger:    a.Logger,
	})
	chain := fallback.New(registry, sections, fallback.Options{
		LKGGapFill:    a.Config.Cache.LKGGapFill,
		RatesDefaults: a.Config.Cache.RatesDefaultsEnabled,
		Bootstrap:     a.Config.Cache.BootstrapEnabled,
	}, a.Clock, a.Logger)
	rt.overview = service.NewOverviewService(sections, chain, registry, a.Clock, a.Logger)
	rt.closers = append(rt.closers, sections.Wait)

	intradayCache := cache.NewTiered[provider.Series](backend, cache.Options{
		Namespace: "intraday",
		TTL:       ttl,
		Durable:   durable,
		Logger:    a.Logger,
	})
	rt.intraday = service.NewIntradayService(intradayCache, intradayFetchers(registry), series, service.IntradayOptions{
		UpstreamRefresh:   a.Config.Cache.IntradayRefresh,
		FXUpstreamRefresh: a.Config.Cache.FXIntradayRefresh,
	}, a.Clock, a.Logger)
	rt.closers = append(rt.closers, intradayCache.Wait)

	var (
		repo   alerting.Repository = alerting.NewMemoryRepository()
		events alerting.EventLog   = alerting.NewMemoryEventLog()
	)
	if store != nil {
		repo = store
		events = store.EventLog()
	}
	rt.evaluator = alerting.NewEvaluator(repo, events, a.newNotifier(), a.Clock, a.Logger)
	rt.alerts = alerting.NewManager(repo, events, rt.evaluator, a.Clock, alerting.ManagerOptions{
		DefaultCooldownSeconds: a.Config.Alerting.DefaultCooldownSeconds,
		TriggerWindow:          a.Config.Alerting.TriggerWindow,
	})
	rt.repo = repo

	var items watchlist.Repository = watchlist.NewMemoryRepository()
	if store != nil {
		items = store.Watchlist()
	}
	rt.watchlist = watchlist.NewService(items, rt.intraday, rt.alerts, a.Clock, watchlist.Options{
		MaxItems: a.Config.Watchlist.MaxItems,
	}, a.Logger)
	return rt, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

// openCache prefers Redis layered over process memory. An unreachable Redis
// at startup degrades to memory only.
func (a *App) openCache(ctx context.Context) (cache.Backend, cache.SeriesStore, *redis.Client) {
	local := cache.NewMemoryBackend(a.Clock)
	if a.Config.Redis.Addr == "" {
		return local, cache.NewMemorySeries(), nil
	}
	client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; using in-process cache")
		return local, cache.NewMemorySeries(), nil
	}
	shared := cache.NewLayeredBackend(cache.NewRedisBackend(client), local, a.Logger)
	return shared, cache.NewRedisSeries(client, a.Config.Redis.SeriesTTL), client
}

// buildRegistry creates one client per enabled provider and registers it in
// every section chain that names it.
func (a *App) buildRegistry() (*provider.Registry, error) {
	quotas := map[string]ratelimit.Quota{}
	for _, id := range config.ProviderIDs {
		pc := a.Config.Provider(id)
		quotas[id] = ratelimit.Quota{PerMinute: pc.RateLimitPerMinute, Burst: pc.Burst}
	}
	limiter := ratelimit.NewRegistry(quotas)
	registry := provider.NewRegistry(a.Clock)
	httpClient := provider.NewHTTPClient()

	clients := map[string]*provider.Client{}
	for _, section := range market.Sections {
		chain, err := a.Config.SectionChain(string(section))
		if err != nil {
			return nil, err
		}
		for _, entry := range chain {
			role := provider.Role(entry.Role)
			if role == provider.RoleInternal {
				continue
			}
			pc := a.Config.Provider(entry.Provider)
			if !pc.Enabled {
				a.Logger.Debug().Str("provider", entry.Provider).Msg("provider disabled by config")
				continue
			}
			client, ok := clients[entry.Provider]
			if !ok {
				source, err := a.newSource(entry.Provider, pc, httpClient)
				if err != nil {
					return nil, err
				}
				client = provider.NewClient(a.clientConfig(entry.Provider, pc), source, limiter, a.Clock, a.Logger)
				clients[entry.Provider] = client
			}
			registry.Add(section, role, client)
		}
	}
	return registry, nil
}

func (a *App) newSource(id string, pc config.ProviderConfig, httpClient provider.HTTPClient) (provider.Source, error) {
	switch id {
	case "stooq":
		return provider.NewStooq(httpClient, a.Clock), nil
	case "stooq_proxy":
		return provider.NewStooqProxy(httpClient, a.Clock), nil
	case "yahoo":
		return provider.NewYahoo(httpClient, a.Clock), nil
	case "frankfurter":
		return provider.NewFrankfurter(httpClient, a.Clock), nil
	case "exchangerate_host":
		return provider.NewExchangeRateHost(httpClient, a.Clock), nil
	case "fred_public":
		return provider.NewFREDPublic(httpClient, a.Clock), nil
	case "fred_api":
		return provider.NewFREDAPI(pc.APIKey, httpClient, a.Clock), nil
	case "coingecko":
		return provider.NewCoinGecko(httpClient, a.Clock), nil
	case "chainlink":
		feeds := maps.Clone(provider.DefaultChainlinkFeeds)
		for sym, addr := range a.Config.Ethereum.Feeds {
			d, err := market.Normalize(sym)
			if err != nil {
				return nil, fmt.Errorf("ethereum.feeds: %w", err)
			}
			feeds[d.Canonical] = addr
		}
		return provider.NewChainlink(a.Config.Ethereum.RPCURL, feeds), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}

// clientConfig applies the global breaker defaults under per-provider
// overrides.
func (a *App) clientConfig(id string, pc config.ProviderConfig) provider.Config {
	settings := breaker.Settings{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		Cooldown:         a.Config.Breaker.Cooldown,
		BackoffFactor:    a.Config.Breaker.BackoffFactor,
		MaxCooldown:      a.Config.Breaker.MaxCooldown,
	}
	if pc.FailureThreshold > 0 {
		settings.FailureThreshold = pc.FailureThreshold
	}
	if pc.Cooldown > 0 {
		settings.Cooldown = pc.Cooldown
	}
	timeout := pc.Timeout
	if id == "chainlink" && a.Config.Ethereum.RequestTimeout > 0 {
		timeout = a.Config.Ethereum.RequestTimeout
	}
	return provider.Config{
		ID:        id,
		Timeout:   timeout,
		Retry:     provider.DefaultRetryPolicy(pc.MaxRetries),
		Endpoints: pc.Endpoints,
		Breaker:   settings,
	}
}

// intradayFetchers orders the series-capable clients: Yahoo chart first,
// then the Stooq snapshot.
func intradayFetchers(registry *provider.Registry) []service.SeriesFetcher {
	var out []service.SeriesFetcher
	for _, id := range []string{"yahoo", "stooq"} {
		if c, ok := registry.Client(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.LogNotifier{Logger: a.Logger}
}

// Run executes the long-running refresh, push and alert evaluation loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Clock, a.Logger)
	hub := service.NewPushHub(a.Config.Stream.Buffer, a.Clock, a.Logger)
	// intraday answers reach the evaluator through the hub
	rt.intraday.PublishTo(hub)

	health := func() diagnostics.Report { return diagnostics.Collect(rt.registry) }

	opts := service.Options{
		Scheduler:   sched,
		Publisher:   hub,
		Quotes:      hub,
		Evaluator:   rt.evaluator,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		Intraday:    rt.intraday,
		Watched:     []service.SymbolSource{rt.repo.EnabledSymbols, rt.watchlist.Symbols},
		Diagnostics: health,
	}
	if rt.store != nil {
		opts.Locker = rt.store
	}
	svc := service.New(rt.overview, opts, a.Logger)

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("persistent", rt.store != nil).
		Msg("starting market service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("market service stopped")
	return nil
}

// ExportOptions hold parameters for exporting an intraday series.
type ExportOptions struct {
	Symbol    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// WatchOptions configure a streaming intraday view.
type WatchOptions struct {
	Symbol   string
	Interval time.Duration
	Count    int
}
