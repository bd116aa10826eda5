package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

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
	var configPath string
	flag.StringVar(&configPath, "config", "configs/pricing.toml", "path to config file")
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

	// 4. Infrastructure & Application
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

	pipelineMetrics := metrics.New("scheduler")
	coordinator := application.NewCoordinator(application.Settings{
		PolicyDir:     cfg.Pricing.PolicyDir,
		PolicyVersion: cfg.Pricing.PolicyVersion,
		ForecastMode:  cfg.Pricing.ForecastMode,
		MaxZones:      cfg.Pricing.MaxZones,
		ArtifactsDir:  cfg.Pricing.ArtifactsDir,
		LockEnabled:   cfg.Pricing.LockEnabled,
	}, deps, pipelineMetrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Cron schedule
	runTimeout := time.Duration(cfg.Scheduler.RunTimeout) * time.Second
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Scheduler.CronSpec, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()

		result, runErr := coordinator.Run(runCtx, application.RunOptions{})
		if runErr != nil {
			log.Error("scheduled pricing run failed", "error", runErr)
			return
		}
		log.Info("scheduled pricing run finished",
			"run_id", result.RunID,
			"status", result.Status,
			"rows_written", result.RowsWritten)
	})
	if err != nil {
		log.Error("register cron schedule", "spec", cfg.Scheduler.CronSpec, "error", err)
		os.Exit(1)
	}

	// 6. Ops endpoints
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	sys := r.Group("/sys")
	{
		sys.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "UP"}) })
		sys.GET("/ready", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "READY"}) })
	}
	r.GET("/metrics", gin.WrapH(pipelineMetrics.Handler()))
	if cfg.Ops.PprofEnabled {
		pp := r.Group("/debug/pprof")
		{
			pp.GET("/", gin.WrapF(pprof.Index))
			pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
			pp.GET("/profile", gin.WrapF(pprof.Profile))
			pp.GET("/symbol", gin.WrapF(pprof.Symbol))
			pp.GET("/trace", gin.WrapF(pprof.Trace))
		}
	}

	// 7. Start
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ops server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("pricing scheduler starting", "spec", cfg.Scheduler.CronSpec)
		scheduler.Start()
		<-gctx.Done()

		// wait for an in-flight run to finish before exiting
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(runTimeout):
			log.Warn("scheduler stop timed out")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("pricing scheduler stopped")
}
