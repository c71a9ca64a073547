package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/config"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/provider"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/scheduler"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	rootCtx = logger.With(rootCtx, log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Core services
	ledgerSvc := ledger.NewService(ledger.NewPostgresStore(db))
	ledgerSvc.SetRedialLimit(cfg.Scheduler.RedialLimit)

	gateway := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)

	sched := scheduler.New(ledgerSvc, gateway, scheduler.Config{
		RedialLimit:     cfg.Scheduler.RedialLimit,
		LineQuietGating: cfg.Scheduler.LineQuietGating,
	})

	reconciler := scheduler.NewReconciler(sched.RunCampaign, scheduler.ReconcilerConfig{
		Cooldown:  cfg.Scheduler.TriggerCooldown,
		Workers:   cfg.Scheduler.Workers,
		Cooldowns: scheduler.NewRedisCooldowns(rdb),
		Locks:     scheduler.NewRedisRunLock(rdb, 2*cfg.Scheduler.TickInterval),
	})
	reconciler.Start(rootCtx)

	driver := scheduler.NewDriver(ledgerSvc, gateway, reconciler, scheduler.DriverConfig{
		Interval:   cfg.Scheduler.TickInterval,
		StaleAfter: cfg.Scheduler.StaleCallTimeout,
		PollAfter:  cfg.Scheduler.PollAfter,
	})
	go driver.Run(rootCtx)

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	handlers := httpapi.Handlers{
		Auth:          authManager,
		Ledger:        ledgerSvc,
		Scheduler:     sched,
		Reconciler:    reconciler,
		Audit:         auditSvc,
		Reporting:     reporting.NewService(ledgerSvc),
		WebhookSecret: cfg.Provider.WebhookSecret,
		Deduper:       httpapi.NewRedisDeduper(rdb, 24*time.Hour),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, auth.RequireAccessToken(authManager), db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
