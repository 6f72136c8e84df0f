// Package main is the entry point for the mailtrail operator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"mailtrail/internal/api"
	"mailtrail/internal/config"
	"mailtrail/internal/db"
	"mailtrail/internal/events"
	"mailtrail/internal/external"
	"mailtrail/internal/metrics"
	"mailtrail/internal/ratelimit"
	"mailtrail/internal/reconciler"
	"mailtrail/internal/tracking"
	"mailtrail/internal/types"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("api starting",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logs := db.NewMessageLogRepository(pool)
	eventRecords := db.NewEventRecordRepository(pool)
	blocklistRepo := db.NewBlocklistRepository(pool)

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Observability.EnableMetrics {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = metrics.NewCloudWatchRecorder(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	trackingSvc := tracking.NewService(logs, eventRecords, nil, logger)
	limiter := ratelimit.NewLimiter(pool, cfg.Limits, recorder, nil, logger)
	blocklistSvc := ratelimit.NewBlocklistService(blocklistRepo, nil, logger)

	history := external.NewProviderHistoryClient(cfg.Provider, logger)
	autoBlocker := ratelimit.NewAutoBlocker(eventRecords, blocklistRepo, cfg.Limits, types.RealClock{}, logger)
	processor := events.NewProcessor(events.ProcessorConfig{
		Logs:     logs,
		Events:   eventRecords,
		Failures: autoBlocker,
		Logger:   logger,
	})
	syncer := reconciler.NewService(history, logs, processor, logger)

	go pruneCounters(ctx, limiter, logger)

	srv, err := api.NewServer(cfg.Server, api.Deps{
		Tracking:  trackingSvc,
		Syncer:    syncer,
		Admitter:  limiter,
		Blocklist: blocklistSvc,
		DB:        pool,
	}, logger)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	err = srv.Run(ctx)
	logger.Info("api stopped")
	return err
}

// pruneCounters drops admission counters for hourly windows that ended more
// than a day ago. Stale windows are never read again; this just keeps the
// table from growing without bound.
func pruneCounters(ctx context.Context, limiter *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := limiter.PruneCounters(ctx, 24*time.Hour)
			if err != nil {
				logger.Warn("pruning admission counters failed", slog.String("error", err.Error()))
				continue
			}
			if pruned > 0 {
				logger.Info("pruned admission counters", slog.Int64("pruned", pruned))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
