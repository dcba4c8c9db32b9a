// Package main provides the entry point for the BreachScope server, an
// identity and mail compromise audit engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/api"
	"github.com/trinhvq/breachscope/internal/audit/pipeline"
	"github.com/trinhvq/breachscope/internal/config"
	"github.com/trinhvq/breachscope/internal/intel"
	"github.com/trinhvq/breachscope/internal/observability"
	"github.com/trinhvq/breachscope/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("BreachScope %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "breachscope",
		ServiceVersion: Version,
		Environment:    os.Getenv("BREACHSCOPE_ENV"),
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: true,
	})
	if err != nil {
		log.Fatalf("telemetry initialization failed: %v", err)
	}
	logger := telemetry.Logger()

	logger.Info("Starting BreachScope",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv(cfg.Redis.PasswordEnv),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, run persistence degraded", zap.Error(err))
	}

	telemetry.StartSystemMetricsCollector(ctx)

	runner := pipeline.NewRunner(cfg.Detection, logger)
	if cfg.Intel.Enabled {
		provider, err := intel.NewFeedProvider(cfg.Intel)
		if err != nil {
			logger.Fatal("Intel feed initialization failed", zap.Error(err))
		}
		if err := provider.HealthCheck(ctx); err != nil {
			logger.Warn("Intel feed unreachable at startup", zap.Error(err))
		}
		runner.WithIntelProvider(provider)
	}
	runStore := store.NewRedisStore(redisClient, cfg.Redis.RunTTL)
	limiter := api.NewRateLimiter(redisClient, cfg.RateLimit, logger)
	server := api.NewServer(runner, runStore, telemetry, Version)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}
