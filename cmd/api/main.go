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

	"loyalty-platform/internal/audit"
	"loyalty-platform/internal/auth"
	"loyalty-platform/internal/breaker"
	"loyalty-platform/internal/config"
	"loyalty-platform/internal/events"
	"loyalty-platform/internal/httpapi"
	"loyalty-platform/internal/payment"
	"loyalty-platform/internal/pricing"
	"loyalty-platform/internal/provider"
	"loyalty-platform/internal/settlement"
	"loyalty-platform/internal/webhook"
	"loyalty-platform/pkg/logger"
	"loyalty-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
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

	// Post-commit settlement events. Optional: without a broker the system
	// is fully functional, downstream consumers just see nothing.
	var publisher settlement.EventPublisher = events.Noop{}
	if cfg.AMQP.URL != "" {
		rmq, err := events.DialRabbitMQ(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Error("rabbitmq init failed", "err", err)
			os.Exit(1)
		}
		defer rmq.Close()
		publisher = rmq
	}

	// Breaker state is shared across replicas via redis; each breaker keeps
	// a process-local fallback for store outages.
	overrides := breaker.NewRedisOverrideStore(rdb)
	breakers := breaker.NewManager(cfg.Breaker,
		breaker.NewRedisStore(rdb),
		breaker.NewRedisProbeGate(rdb, cfg.Breaker.ProbeTTL),
		overrides,
		log,
	)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	adapters := provider.NewRegistry(
		provider.NewPayline(cfg.Providers.Payline, cfg.Payments.CallbackBaseURL+"/webhooks/payline", httpClient),
		provider.NewQRPay(cfg.Providers.QRPay, cfg.Payments.CallbackBaseURL+"/webhooks/qrpay", httpClient),
	)

	auditSvc := audit.NewService(audit.NewMemoryRepo())
	fees := pricing.NewService(
		pricing.FromConfig(cfg.Providers, cfg.Payments.Currency),
		cfg.Payments.GlobalMinMinor,
		cfg.Payments.GlobalMaxMinor,
	)
	ledger := settlement.NewService(db, publisher, log)
	router := payment.NewRouter(adapters, breakers, fees, ledger, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:       authManager,
		Router:     router,
		Settlement: ledger,
		Overrides:  overrides,
		Audit:      auditSvc,
	}
	intake := webhook.IntakeHandler{
		Adapters: adapters,
		Settler:  ledger,
		Auditor:  auditSvc,
	}
	registerRoutes(r, handlers, intake, auth.RequireAccessToken(authManager), db, rdb)

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
