package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/breaker"
	npCache "github.com/nulpointcorp/cli-gateway/internal/cache"
	"github.com/nulpointcorp/cli-gateway/internal/events"
	"github.com/nulpointcorp/cli-gateway/internal/failover"
	"github.com/nulpointcorp/cli-gateway/internal/gateway"
	"github.com/nulpointcorp/cli-gateway/internal/logger"
	"github.com/nulpointcorp/cli-gateway/internal/metrics"
	"github.com/nulpointcorp/cli-gateway/internal/session"
	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// initStore builds the persistence port: a ClickHouse-backed log sink when
// STORE_DSN is set, or nil (structured-log-only) otherwise. The provider
// catalog is always the in-memory store seeded from config — spec.md keeps
// the relational provider/price store out of the core's scope, so there is
// no ClickHouse-backed ListEnabledProviders/GetPriceSheet implementation to
// fall back to.
func (a *App) initStore(_ context.Context) error {
	rows := a.cfg.ProviderRows()
	if len(rows) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.store = store.NewMemoryStore(rows, nil)

	if a.cfg.StoreDSN != "" {
		a.log.Info("connecting to clickhouse store", slog.String("dsn", redactURL(a.cfg.StoreDSN)))
		sink, err := store.NewClickHouseWriter(a.cfg.StoreDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.sink = sink
		a.log.Info("clickhouse store connected")
	} else {
		a.log.Info("store: in-memory mode (STORE_DSN unset)")
	}

	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initCore builds the breaker, session manager, recent-error cache, async
// request logger, and failover engine shared by every request.
func (a *App) initCore(ctx context.Context) error {
	// a.sink is a typed *store.ClickHouseWriter that may be nil; passed
	// through an interface-typed nil rather than the typed nil itself, so
	// downstream "persist/sink == nil" checks see a true nil interface in
	// in-memory mode instead of a non-nil interface wrapping a nil pointer.
	var persist breaker.Persister
	var sink logger.Sink
	if a.sink != nil {
		persist = a.sink
		sink = a.sink
	}

	a.breaker = breaker.New(breaker.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		OpenDuration:     a.cfg.CircuitBreaker.OpenDuration,
	}, persist)

	a.sessions = session.New(a.cfg.Session.TTL, a.cfg.Session.MaxBindings)

	var backend npCache.Cache
	if a.cfg.CacheDSN != "" {
		a.log.Info("connecting to redis cache", slog.String("dsn", redactURL(a.cfg.CacheDSN)))
		exact, err := npCache.NewExactCacheFromURL(ctx, a.cfg.CacheDSN)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		a.exactCache = exact
		backend = exact
		a.log.Info("redis cache connected")
	} else {
		a.memCache = npCache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("cache: in-memory mode (CACHE_DSN unset)")
	}
	a.recent = npCache.NewRecentErrorCache(backend)

	reqLogger, err := logger.New(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.engine = failover.NewEngine(a.breaker, a.sessions, &http.Client{})
	a.engine.SetTimeouts(a.cfg.Timeouts.ConnectTimeout, a.cfg.Timeouts.FirstByteTimeout)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initHealth starts the background provider/store health checker.
func (a *App) initHealth(ctx context.Context) error {
	probers := buildProbers(ctx, a.cfg)
	dbReady := func() bool {
		if a.sink == nil {
			return true
		}
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return a.sink.Ping(pingCtx) == nil
	}
	a.health = gateway.NewHealthChecker(ctx, probers, dbReady, a.prom)
	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	bus := events.NewBus()

	gw := gateway.New(a.store, a.engine, a.sessions, a.breaker, a.recent, a.reqLogger, bus, a.log)
	gw.FixerCfg = fixerConfig(a.cfg.Fixer)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetHealthChecker(a.health)
	gw.SetStreamTimeouts(a.cfg.Timeouts.StreamIdleTimeout, a.cfg.Timeouts.StreamTotalTimeout)
	gw.Metrics = a.prom
	if a.sink != nil {
		gw.Attempts = a.sink
	}

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: metricsHandler(a.prom),
	}

	a.gw = gw

	return nil
}
