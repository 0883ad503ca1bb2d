package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quantpulse/assetscope/config"
	"github.com/quantpulse/assetscope/internal/cache"
	"github.com/quantpulse/assetscope/internal/jobs"
	"github.com/quantpulse/assetscope/internal/pipeline"
	"github.com/quantpulse/assetscope/internal/providers"
	"github.com/quantpulse/assetscope/internal/queue/streams"
	"github.com/quantpulse/assetscope/internal/store"
	"github.com/quantpulse/assetscope/internal/telemetry"
)

// Run wires the dependencies and serves the HTTP API until the listener
// stops.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Storage.Redis.Addr(),
		Password:    cfg.Storage.Redis.Password,
		DB:          cfg.Storage.Redis.DB,
		DialTimeout: cfg.Storage.Redis.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	cacheManager := cache.NewManager(rdb, metrics)
	publisher := streams.NewPublisher(rdb)
	manager := jobs.NewManager(st, publisher, cfg.Jobs.DispatchStream, metrics)

	fetchers := buildFetchers(cfg.Providers)
	orch := pipeline.NewOrchestrator(st, cacheManager, manager, cfg.Pipeline.PhaseTTL, cfg.Pipeline.MaxConcurrentFetches, metrics)
	phases := pipeline.DefaultPhases(fetchers, cfg.Pipeline)

	reaper := jobs.NewReaper(st, cfg.Jobs.MaxLifetime, cfg.Jobs.ReaperInterval, cfg.Jobs.ReaperSchedule, metrics)
	reaper.Start()
	defer close(reaper.Stop)

	api := e.Group("/api")

	ph := &PipelineHandler{Orch: orch, Phases: phases}
	ph.Register(api)

	jh := &JobsHandler{Manager: manager, Store: st}
	jh.Register(api.Group("/jobs"))

	sh := &PhaseDataHandler{Store: st, TTL: cfg.Pipeline.PhaseTTL}
	sh.Register(api.Group("/sessions"))

	ch := &CacheAdminHandler{Cache: cacheManager}
	ch.Register(api.Group("/cache"))

	if addr == "" {
		addr = cfg.Server.Address
	}
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

func buildFetchers(cfg config.ProvidersConfig) map[string]pipeline.Fetcher {
	fetchers := map[string]pipeline.Fetcher{}
	if cfg.MarketEndpoint != "" {
		fetchers[pipeline.AnalysisMarket] = providers.NewMarketFetcher(cfg.MarketEndpoint, cfg.Timeout)
	}
	if cfg.NewsEndpoint != "" {
		fetchers[pipeline.AnalysisNews] = providers.NewNewsFetcher(cfg.NewsEndpoint, cfg.Timeout)
	}
	return fetchers
}
