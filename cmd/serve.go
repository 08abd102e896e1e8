package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/api"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/config"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/dimension"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/messaging"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/storage"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/util/goroutine"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event intake service with background dimension refresh",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := storage.NewClickHouse(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() { _ = ch.Close() }()

	bus := messaging.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
	defer func() { _ = bus.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = bus.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	logger.Info("Connected to Redis successfully")

	store := storage.NewEventStore(ch, logger)
	publisher := messaging.NewPublisher(
		bus, messaging.ClassifyBusError,
		store, storage.ClassifyStoreError,
		messaging.Options{
			Stream:               cfg.Messaging.Stream,
			DatabaseNameTemplate: cfg.Messaging.DatabaseNameTemplate,
			DefaultTableName:     cfg.Messaging.DefaultTableName,
			MaxAttempts:          cfg.Messaging.MaxAttempts,
		},
		logger,
	)

	// One dimension and one scheduler per configured reference data file.
	var schedulers []*dimension.Scheduler
	for _, spec := range cfg.Dimensions.Specs {
		dim := dimension.NewRecordDimension(spec, cfg.Dimensions.TTL, cfg.Dimensions.CacheSize, logger)

		interval := spec.RefreshInterval
		if interval <= 0 {
			interval = cfg.Dimensions.RefreshInterval
		}
		sched := dimension.NewScheduler(dim, interval, logger)
		sched.Start(ctx)
		schedulers = append(schedulers, sched)
	}
	defer func() {
		for _, sched := range schedulers {
			sched.Stop()
		}
	}()

	server := api.NewAPI(publisher, logger)
	errCh := make(chan error, 1)
	go func() {
		defer goroutine.Recover("api-server", logger)
		logger.Infow("Starting intake API", "addr", cfg.Server.MetricsAddr)
		if err := server.Start(cfg.Server.MetricsAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	}

	if err := server.Shutdown(); err != nil {
		logger.Warnw("API shutdown error", "error", err)
	}
	return nil
}
