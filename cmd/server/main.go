// Command server starts the LLM relay: the /v1/messages proxy plus the admin
// control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/llm-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-relay/internal/adapter/observability"
	"github.com/fairyhunter13/llm-relay/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/llm-relay/internal/adapter/quotacache"
	"github.com/fairyhunter13/llm-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-relay/internal/app"
	"github.com/fairyhunter13/llm-relay/internal/config"
	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/breaker"
	"github.com/fairyhunter13/llm-relay/internal/service/dispatch"
	"github.com/fairyhunter13/llm-relay/internal/service/errorrule"
	"github.com/fairyhunter13/llm-relay/internal/service/pricing"
	"github.com/fairyhunter13/llm-relay/internal/service/ratelimit"
	"github.com/fairyhunter13/llm-relay/internal/service/selector"
	"github.com/fairyhunter13/llm-relay/internal/service/session"
	"github.com/fairyhunter13/llm-relay/internal/service/settings"
	"github.com/fairyhunter13/llm-relay/internal/service/warmup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(3)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Warn("invalid TZ, falling back to UTC", slog.String("tz", cfg.Timezone))
		loc = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: Postgres pool and Redis client.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		slog.Error("database schema not ready, apply migrations first", slog.Any("error", err))
		pool.Close()
		os.Exit(2)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	keyRepo := postgres.NewKeyRepo(pool)
	providerRepo := postgres.NewProviderRepo(pool)
	ruleRepo := postgres.NewErrorRuleRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)
	requestRepo := postgres.NewMessageRequestRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Services
	cache := quotacache.New(rdb, ledgerRepo, loc)
	engine := ratelimit.New(cache, ledgerRepo, loc)
	breakers := breaker.New(cache, breaker.Config{})
	classifier := errorrule.New(ruleRepo, cfg.ErrorRuleCacheTTL)
	rates := pricing.NewTable()
	if cfg.PricingFile != "" {
		if data, rerr := os.ReadFile(cfg.PricingFile); rerr == nil {
			if lerr := rates.LoadYAML(data); lerr != nil {
				slog.Warn("pricing file ignored", slog.Any("error", lerr))
			}
		} else {
			slog.Warn("pricing file unreadable", slog.Any("error", rerr))
		}
	}

	sessions := session.New(rdb, cfg.SessionTTL, cfg.SessionQueueSize)
	defer sessions.Close()
	sel := selector.New(breakers, engine, sessions)

	settingsCache := settings.NewCache(settingsRepo)
	if err := settingsCache.Load(ctx); err != nil {
		slog.Warn("settings load failed, using defaults", slog.Any("error", err))
	}

	ledgerQueue := dispatch.NewLedgerQueue(ledgerRepo, cfg.LedgerQueueSize)
	defer ledgerQueue.Close()

	var events domain.UsageEvents = redpanda.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, perr := redpanda.NewProducer(cfg.KafkaBrokers)
		if perr != nil {
			slog.Error("redpanda producer connect failed", slog.Any("error", perr))
			os.Exit(1)
		}
		events = producer
	}
	defer func() { _ = events.Close() }()

	guard := warmup.New(ledgerRepo, sessions, func() string { return settingsCache.Get().ServiceTag })

	dispatcher := dispatch.New(dispatch.Deps{
		Providers:  providerRepo,
		Engine:     engine,
		Selector:   sel,
		Breakers:   breakers,
		Classifier: classifier,
		Guard:      guard,
		Forwarder:  dispatch.NewForwarder(nil),
		Rates:      rates,
		Estimator:  pricing.NewEstimator(),
		Ledger:     ledgerQueue,
		Requests:   requestRepo,
		Sessions:   sessions,
		Events:     events,
		Settings:   settingsCache.Get,
	})

	// Background endpoint prober feeding the breaker registry.
	prober := breaker.NewProber(providerRepo, breakers, nil, cfg.ProbeInterval)
	go prober.Run(ctx)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(httpserver.ServerDeps{
		Dispatcher: dispatcher,
		Users:      userRepo,
		Keys:       keyRepo,
		Providers:  providerRepo,
		Rules:      ruleRepo,
		Requests:   requestRepo,
		Ledger:     ledgerRepo,
		Settings:   settingsCache,
		Classifier: classifier,
		Breakers:   breakers,
		AdminToken: cfg.AdminToken,
		Loc:        loc,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	})

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
}
