package main

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/polycorr/internal/cache"
	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/database"
	"github.com/irfndi/polycorr/internal/logging"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/polymarket"
	"github.com/irfndi/polycorr/internal/services"
	"github.com/irfndi/polycorr/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// application holds every long-lived component shared by the commands.
type application struct {
	cfg       *config.Config
	logger    *logrus.Logger
	collector *metrics.Collector

	db    *database.PostgresDB
	redis *database.RedisClient

	graph    *services.GraphService
	refresh  *services.RefreshService
	backtest *services.BacktestService

	closers []func(context.Context) error
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}
}

func telemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	return telemetry.TelemetryConfig{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Telemetry.SampleRate,
	}
}

func otlpLogConfig(cfg *config.Config) logging.OTLPConfig {
	return logging.OTLPConfig{
		Enabled:        cfg.Telemetry.Enabled && cfg.Telemetry.ExportLogs,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
	}
}

// newApplication connects to Postgres, optionally Redis, and builds the
// service graph. Redis being unreachable only disables the shared caches.
func newApplication(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	app := &application{
		cfg:       cfg,
		logger:    logging.NewLogger(loggingConfig(cfg)),
		collector: metrics.NewCollector(),
	}

	provider, err := telemetry.InitTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.closers = append(app.closers, provider.Shutdown)

	hook, err := logging.NewOTLPHook(ctx, otlpLogConfig(cfg))
	if err != nil {
		app.logger.WithError(err).Warn("OTLP log export disabled")
	} else if hook != nil {
		app.logger.AddHook(hook)
		app.closers = append(app.closers, hook.Shutdown)
	}

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	repo := database.NewMarketRepository(database.NewTracedPool(db.Pool))
	if err := repo.EnsureSchema(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	var (
		categories services.CategoryStore
		snapshots  services.GraphSnapshotStore
		resolved   services.ResolvedMarketStore
	)
	if cfg.Redis.Host != "" {
		redisClient, err := database.NewRedisConnection(cfg.Redis)
		if err != nil {
			app.logger.WithError(err).Warn("Redis unavailable, shared caches disabled")
		} else {
			app.redis = redisClient
			categories = cache.NewCategoryCache(redisClient.Client, cfg.Refresh.CategoryCacheTTL, app.logger, app.collector)
			snapshots = cache.NewGraphCache(redisClient.Client, cfg.Refresh.GraphCacheTTL, app.collector)
			resolved = cache.NewResolvedMarketCache(redisClient.Client, cfg.Backtest.SearchCacheTTL, app.collector)
		}
	}

	backtestOptions, err := services.BacktestOptionsFromConfig(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	client := polymarket.NewClient(cfg.Polymarket, app.logger, app.collector)
	correlation := services.NewCorrelationService(cfg.Correlation, app.logger, app.collector)

	app.graph = services.NewGraphService(repo, snapshots, cfg.Filter.GraphMinVolume, app.logger, app.collector)
	app.refresh = services.NewRefreshService(
		client,
		repo,
		services.NewKeywordClassifier(categories, app.logger),
		correlation,
		snapshots,
		services.RefreshOptionsFromConfig(cfg),
		app.logger,
		app.collector,
	)
	app.backtest = services.NewBacktestService(
		services.NewBacktester(cfg.Backtest.Workers, app.logger, app.collector),
		services.NewPairEvaluator(services.CorrelationParamsFromConfig(cfg.Correlation)),
		repo,
		client,
		resolved,
		backtestOptions,
		app.logger,
		app.collector,
	)
	return app, nil
}

// Close releases connections and flushes telemetry.
func (a *application) Close() {
	if a.refresh != nil {
		a.refresh.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithError(err).Warn("Shutdown step failed")
		}
	}
	a.closers = nil
}
