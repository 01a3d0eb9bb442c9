package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/infrastructure/cache"
	"github.com/yachaq/privacy-core/internal/infrastructure/config"
	"github.com/yachaq/privacy-core/internal/infrastructure/database"
	"github.com/yachaq/privacy-core/internal/infrastructure/telemetry"
	"github.com/yachaq/privacy-core/internal/service"
)

// Standalone TTL sweeper. Runs the same expiry and crypto-shred pass as
// the API process; deploy one or the other per environment, not both.
func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		once       = flag.Bool("once", false, "Run a single sweep pass and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}
	slog.SetDefault(logger)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database, zapLogger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(ctx, cfg.Redis, zapLogger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	services := service.Build(cfg, pool, redisClient, zapLogger)
	defer services.Close()

	if *once {
		services.Sweeper.SweepOnce(ctx)
		return
	}

	slog.Info("sweeper started", "interval", cfg.Capsule.SweepInterval.String())
	services.Sweeper.Start(ctx)
	<-ctx.Done()
	services.Sweeper.Stop()
	slog.Info("sweeper stopped")
}
