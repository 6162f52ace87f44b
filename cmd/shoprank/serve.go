package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"shoprank/internal/api"
	"shoprank/internal/config"
	"shoprank/internal/events"
	"shoprank/internal/metrics"
	"shoprank/internal/progressstate"
	"shoprank/internal/scheduler"
	"shoprank/internal/storage"
	"shoprank/internal/tracker"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, search queue and status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := buildLogger(cfg.Logging, os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	reg, m := newMetrics()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		mirror tracker.ProgressMirror
		shared api.ProgressLister
	)
	if cfg.Redis.Address != "" {
		redisStore, err := progressstate.NewRedisStore(cfg.Redis, cfg.Queue.ProgressRetention.Duration)
		if err != nil {
			logger.Error("redis progress mirror unavailable", "error", err)
		} else {
			defer redisStore.Close()
			mirror = redisStore
			shared = redisStore
		}
	}

	rt, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}
	broker := events.NewBroker(64)
	defer broker.Close()
	metrics.RegisterSubscribers(reg, broker.Subscribers)

	queue := tracker.New(rt, store, broker, tracker.Options{
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: cfg.Queue.RetryBackoff.Duration,
		ItemDelay:    cfg.Queue.ItemDelay.Duration,
		Retention:    cfg.Queue.ProgressRetention.Duration,
		Mirror:       mirror,
		Metrics:      m,
		Logger:       logger,
	})
	sched := scheduler.New(store, queue, scheduler.Options{
		Granularity: scheduler.Granularity(cfg.Scheduler.Granularity),
		Tick:        cfg.Scheduler.Tick.Duration,
		Location:    loc,
		Metrics:     m,
		Logger:      logger,
	})
	maint := scheduler.NewMaintenance(store, scheduler.MaintenanceOptions{
		Location:     loc,
		Retention:    cfg.Scheduler.HistoryRetention.Duration,
		SnapshotDays: cfg.Scheduler.SnapshotDays,
		Specs: scheduler.Specs{
			Daily:   cfg.Scheduler.DailySpec,
			Weekly:  cfg.Scheduler.WeeklySpec,
			Monthly: cfg.Scheduler.MonthlySpec,
			Yearly:  cfg.Scheduler.YearlySpec,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err := maint.Start(ctx); err != nil {
		return err
	}
	defer maint.Stop()

	server := api.NewServer(queue, sched, broker, api.Options{
		BaseContext: ctx,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Shared:      shared,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Addr,
			"structured_api", rt.StructuredAvailable(), "granularity", cfg.Scheduler.Granularity)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	broker.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("search queue did not drain before shutdown", "error", err)
	}
	logger.Info("shoprank stopped")
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if !cfg.DB.Enabled() {
		logger.Warn("no database configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
