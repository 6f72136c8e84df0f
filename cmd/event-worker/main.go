// Package main is the entry point for the mailtrail event worker.
//
// It runs the primary-queue and DLQ pollers side by side: each consumes
// provider delivery notifications, feeds them through the event processor,
// and acknowledges handled messages. Both pollers are supervised; a panic in
// one restarts it without taking the other down. Shutdown is signal-driven
// and graceful: in-flight messages are finished or abandoned unacknowledged,
// never half-acknowledged.
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
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"mailtrail/internal/config"
	"mailtrail/internal/db"
	"mailtrail/internal/events"
	"mailtrail/internal/metrics"
	"mailtrail/internal/poller"
	"mailtrail/internal/ratelimit"
	"mailtrail/internal/types"
)

// pollerRestartDelay is the pause before a panicked poller is restarted.
const pollerRestartDelay = time.Second

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
	logger.Info("event worker starting",
		slog.String("environment", cfg.Environment),
		slog.String("notification_queue", cfg.AWS.NotificationQueue),
		slog.String("dlq", cfg.AWS.DlqURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = metrics.NewCloudWatchRecorder(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	logs := db.NewMessageLogRepository(pool)
	eventRecords := db.NewEventRecordRepository(pool)
	blocklist := db.NewBlocklistRepository(pool)

	autoBlocker := ratelimit.NewAutoBlocker(eventRecords, blocklist, cfg.Limits, types.RealClock{}, logger)

	processor := events.NewProcessor(events.ProcessorConfig{
		Logs:     logs,
		Events:   eventRecords,
		Failures: autoBlocker,
		Logger:   logger,
	})

	primary := poller.New(sqsClient, cfg.AWS.NotificationQueue, types.SourcePrimary,
		processor, cfg.Poller, recorder, nil, logger)
	dlq := poller.New(sqsClient, cfg.AWS.DlqURL, types.SourceDLQ,
		processor, cfg.Poller, recorder, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSupervised(gctx, logger, "primary", primary.Run) })
	g.Go(func() error { return runSupervised(gctx, logger, "dlq", dlq.Run) })

	err = g.Wait()
	logger.Info("event worker stopped")
	return err
}

// runSupervised runs a poller loop, restarting it after a panic. Only
// storage-independent state lives in a poller, so a fresh instance of the
// loop picks up exactly where the queue left off.
func runSupervised(ctx context.Context, logger *slog.Logger, name string, runFn func(context.Context) error) error {
	for {
		err := runRecovered(ctx, logger, name, runFn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		// Panic path: pause briefly, then restart the loop.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollerRestartDelay):
		}
		logger.Warn("restarting poller", slog.String("poller", name))
	}
}

// runRecovered converts a poller panic into a nil return so the supervisor
// can restart it.
func runRecovered(ctx context.Context, logger *slog.Logger, name string, runFn func(context.Context) error) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			logger.Error("poller panicked",
				slog.String("poller", name),
				slog.Any("panic", rvr))
			err = nil
		}
	}()
	return runFn(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
