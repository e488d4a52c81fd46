package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querymeter/gateway/internal/alerts"
	"github.com/querymeter/gateway/internal/billing"
	"github.com/querymeter/gateway/internal/config"
	"github.com/querymeter/gateway/internal/gateway"
	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/database"
	"github.com/querymeter/gateway/pkg/events"
	"github.com/querymeter/gateway/pkg/retry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger at the configured level
	logCfg := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.Monitoring.LogLevel); err == nil {
		logCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := logCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting QueryMeter gateway")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	cancelMigrate()
	logger.Info("database schema ready")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus and operator alerting
	eventBus := events.NewBus(logger)
	notifier := alerts.NewNotifier(cfg.Alerts, logger)
	notifier.Subscribe(eventBus)
	logger.Info("initialized event bus")

	// Initialize the metering core
	store := billing.NewPostgresStore(db, logger)
	gate := billing.NewBalanceGate(store, logger)
	executor := billing.NewExecutor(gate, store, billing.ExecutorConfig{
		CallTimeout:   cfg.Provider.CallTimeout,
		CommitTimeout: cfg.Metering.CommitTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Metering.RetryMaxAttempts,
			BaseDelay:   cfg.Metering.RetryBaseDelay,
			MaxDelay:    cfg.Metering.RetryMaxDelay,
		},
		LowBalanceLevel: cfg.Metering.LowBalanceLevel,
	}, logger, eventBus)
	logger.Info("initialized metering executor")

	// Initialize Stripe webhook handler
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, store, logger, eventBus)

	// The instance cache is owned here and injected; nothing reads it for
	// billing decisions.
	instances := gateway.NewInstanceCache(cfg.Metering.InstanceCacheSize)

	// Initialize API gateway
	gw := gateway.NewGateway(cfg, db, redisCache, store, executor, webhookHandler, instances, eventBus, logger)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
