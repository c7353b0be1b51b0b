package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/hibiken/asynq"

	"github.com/opsgate/opsgate/internal/app"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/breaker"
	"github.com/opsgate/opsgate/internal/console"
	"github.com/opsgate/opsgate/internal/decision"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/ledger"
	"github.com/opsgate/opsgate/internal/observability"
	"github.com/opsgate/opsgate/internal/platform/cache"
	"github.com/opsgate/opsgate/internal/platform/db"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/jobs"
)

// Flat grants honoured for actors that predate role assignments.
var legacyGrants = map[string][]string{
	"admin":   {"*:*"},
	"support": {"users:update"},
	"finance": {"payments:refund", "accounts:update_limit"},
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	policyRepo := policy.NewRepository(pool)
	policyReader := policy.NewCachedReader(policyRepo, cfg.PolicyCacheTTL)
	pdp := policy.NewPDP(policyReader, policy.NewLegacyTable(legacyGrants),
		policy.PDPConfig{AutoApproveCeiling: cfg.AutoApproveCeiling})

	brk := breaker.New(breaker.NewRedisStore(redisClient), breaker.Limits{
		MaxActionsPerMinute: cfg.BreakerMaxActionsPerMinute,
		MaxVolumePerHour:    cfg.BreakerMaxVolumePerHour,
		ErrorThreshold:      cfg.BreakerErrorThreshold,
		Cooldown:            cfg.BreakerCooldown,
	})

	decisions := decision.NewRepository(pool)
	sink := audit.NewBestEffort(audit.NewPGSink(pool), logger)
	registry := ledger.NewRegistry()
	led := ledger.New(decisions, registry, ledger.NewTokenSigner(cfg.RollbackSigningKey),
		sink, logger, ledger.Config{RollbackWindow: cfg.RollbackWindow})

	catalog := gateway.NewOperations()
	if err := console.New(pool).Register(catalog, registry); err != nil {
		logger.Error("register operations", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	gw := gateway.NewService(catalog, pdp, brk, decisions, led, sink, metrics, logger, gateway.Thresholds{
		ConfidenceFloor:       cfg.ConfidenceFloor,
		ConfirmationCeiling:   cfg.ConfirmationCeiling,
		HumanRequiredCeiling:  cfg.HumanRequiredCeiling,
		MediumAmountThreshold: cfg.MediumAmountThreshold,
		HighAmountThreshold:   cfg.HighAmountThreshold,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(httprate.LimitByIP(60, time.Minute))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	router.Route("/admin", console.NewHandler(gw, decisions, logger).MountRoutes)

	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting ops server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
