package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/config"
	"github.com/advisoros/pulse/internal/engine"
	"github.com/advisoros/pulse/internal/metricstore"
	"github.com/advisoros/pulse/internal/server"
	"github.com/advisoros/pulse/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Metric store: Redis when configured, in-process otherwise.
	var store metricstore.Store
	if cfg.Redis.Enabled {
		store, err = metricstore.NewRedisStore(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Store.MetricTTL, cfg.Store.AlertTTL, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		store = metricstore.NewMemoryStore(cfg.Store.MetricTTL, cfg.Store.AlertTTL, zapLogger)
	}

	eng, err := engine.New(cfg, store, nil, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start engine", zap.Error(err))
	}

	srv := server.New(eng, cfg.Server, zapLogger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Wait for termination
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Engine shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
