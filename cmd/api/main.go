package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/api/rest"
	"github.com/yachaq/privacy-core/internal/infrastructure/cache"
	"github.com/yachaq/privacy-core/internal/infrastructure/config"
	"github.com/yachaq/privacy-core/internal/infrastructure/database"
	"github.com/yachaq/privacy-core/internal/infrastructure/telemetry"
	"github.com/yachaq/privacy-core/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
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

	shutdownTracing, err := telemetry.InitTracing(ctx, "privacy-core-api", cfg.Version, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("failed to shut down tracing", "error", err)
		}
	}()

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

	services.Sweeper.Start(ctx)
	defer services.Sweeper.Stop()

	server := rest.NewServer(cfg, &rest.Services{
		Consent: services.Consent,
		Privacy: services.Privacy,
		Query:   services.Query,
		Audit:   services.Audit,
	},
		rest.HealthCheck{Name: "postgres", Check: pool.Health},
		rest.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Redis().Ping(ctx).Err()
		}},
	)

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
