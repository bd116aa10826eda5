package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wyfcoding/zonepricing/internal/pricing/application"
	"github.com/wyfcoding/zonepricing/internal/pricing/infrastructure/messaging"
	"github.com/wyfcoding/zonepricing/internal/pricing/infrastructure/persistence/postgres"
	rediscache "github.com/wyfcoding/zonepricing/internal/pricing/infrastructure/persistence/redis"
	"github.com/wyfcoding/zonepricing/pkg/config"
	"github.com/wyfcoding/zonepricing/pkg/db"
	"github.com/wyfcoding/zonepricing/pkg/logger"
	"github.com/wyfcoding/zonepricing/pkg/metrics"
)

func main() {
	var (
		configPath    string
		runID         string
		step          string
		forecastRunID string
		windowStart   string
		windowEnd     string
		createdAt     string
	)
	flag.StringVar(&configPath, "config", "configs/pricing.toml", "path to config file")
	flag.StringVar(&runID, "run-id", "", "reuse an explicit run id (defaults to a new uuid)")
	flag.StringVar(&step, "step", "", "stop after this pipeline step")
	flag.StringVar(&forecastRunID, "forecast-run-id", "", "explicit forecast run id")
	flag.StringVar(&windowStart, "forecast-start-ts", "", "window start (RFC3339)")
	flag.StringVar(&windowEnd, "forecast-end-ts", "", "window end (RFC3339)")
	flag.StringVar(&createdAt, "pricing-created-at", "", "override pricing_created_at for replays (RFC3339)")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.Init(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	// 3. Database
	database, err := db.Init(db.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogEnabled:      cfg.Database.LogEnabled,
	})
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&postgres.PricingDecisionModel{},
		&postgres.PricingRunLogModel{},
		&postgres.PolicySnapshotModel{},
		&postgres.ReasonCodeReferenceModel{},
	); err != nil {
		log.Error("migrate pricing tables", "error", err)
		os.Exit(1)
	}

	// 4. Infrastructure
	locker, err := postgres.NewAdvisoryLock(database.DB)
	if err != nil {
		log.Error("init advisory lock", "error", err)
		os.Exit(1)
	}
	deps := application.Dependencies{
		Forecasts:  postgres.NewForecastRepository(database.DB),
		History:    postgres.NewHistoryRepository(database.DB),
		References: postgres.NewReferenceRepository(database.DB),
		Decisions:  postgres.NewDecisionRepository(database.DB),
		RunLogs:    postgres.NewRunLogRepository(database.DB),
		Snapshots:  postgres.NewSnapshotRepository(database.DB),
		Locker:     locker,
	}
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		deps.Cache = rediscache.NewMultiplierCache(client)
	}
	if cfg.Kafka.Enabled {
		publisher := messaging.NewRunEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.RunCompletedTopic)
		defer publisher.Close()
		deps.Events = publisher
	}

	// 5. Application
	coordinator := application.NewCoordinator(application.Settings{
		PolicyDir:     cfg.Pricing.PolicyDir,
		PolicyVersion: cfg.Pricing.PolicyVersion,
		ForecastMode:  cfg.Pricing.ForecastMode,
		MaxZones:      cfg.Pricing.MaxZones,
		ArtifactsDir:  cfg.Pricing.ArtifactsDir,
		LockEnabled:   cfg.Pricing.LockEnabled,
	}, deps, metrics.New("runner"), log)

	opts := application.RunOptions{
		RunID:         runID,
		StopAfterStep: step,
		ForecastRunID: forecastRunID,
	}
	if opts.WindowStart, err = parseTimeFlag(windowStart); err != nil {
		log.Error("parse forecast-start-ts", "error", err)
		os.Exit(1)
	}
	if opts.WindowEnd, err = parseTimeFlag(windowEnd); err != nil {
		log.Error("parse forecast-end-ts", "error", err)
		os.Exit(1)
	}
	if opts.PricingCreatedAt, err = parseTimeFlag(createdAt); err != nil {
		log.Error("parse pricing-created-at", "error", err)
		os.Exit(1)
	}

	// 6. Run once
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, runErr := coordinator.Run(ctx, opts)
	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		log.Error("pricing run failed", "error", runErr)
	}
	if result == nil || !result.Benign() {
		os.Exit(1)
	}
}

func parseTimeFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	utc := ts.UTC()
	return &utc, nil
}
