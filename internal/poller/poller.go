// Package poller runs the long-lived queue consumption loops. Each poller
// owns one queue: it fetches batches of provider notifications, hands them to
// the event processor sequentially, and acknowledges (deletes) every message
// whose outcome is handled. Messages that fail with an infrastructure error
// are left unacknowledged so the queue redelivers them after the visibility
// timeout; the dedup key makes redelivery safe.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailtrail/internal/config"
	"mailtrail/internal/events"
	"mailtrail/internal/metrics"
	"mailtrail/internal/types"
)

// SQSClient abstracts the SQS receive and delete operations for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventProcessor is the processing surface the poller drives. Implemented by
// events.Processor.
type EventProcessor interface {
	Process(ctx context.Context, raw []byte, source types.SourceQueue) (events.Outcome, error)
}

// Poller consumes a single queue until its context is cancelled.
type Poller struct {
	client    SQSClient
	processor EventProcessor
	metrics   metrics.Recorder
	clock     types.Clock
	logger    *slog.Logger
	queueURL  string
	source    types.SourceQueue
	cfg       config.PollerConfig
}

// New creates a Poller bound to one queue URL. The source tag distinguishes
// the primary and DLQ pollers in logs, metrics, and stored event records.
func New(client SQSClient, queueURL string, source types.SourceQueue, processor EventProcessor, cfg config.PollerConfig, recorder metrics.Recorder, clock types.Clock, logger *slog.Logger) *Poller {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:    client,
		processor: processor,
		metrics:   recorder,
		clock:     clock,
		logger:    logger.With(slog.String("source_queue", string(source))),
		queueURL:  queueURL,
		source:    source,
		cfg:       cfg,
	}
}

// Run polls the queue until ctx is cancelled. It returns ctx.Err() on
// shutdown and never exits on its own: receive and storage failures are
// logged, backed off, and retried indefinitely.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started",
		slog.String("queue_url", p.queueURL),
		slog.Int("batch_size", p.cfg.BatchSize))

	for {
		if err := ctx.Err(); err != nil {
			p.logger.InfoContext(ctx, "poller stopping")
			return err
		}

		out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(p.queueURL),
			MaxNumberOfMessages:   int32(p.cfg.BatchSize),
			WaitTimeSeconds:       int32(p.cfg.WaitTime / time.Second),
			VisibilityTimeout:     int32(p.cfg.VisibilityTimeout / time.Second),
			MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
				sqsTypes.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				p.logger.InfoContext(ctx, "poller stopping")
				return ctx.Err()
			}
			p.logger.ErrorContext(ctx, "receive failed", slog.Any("error", err))
			p.sleep(ctx, p.cfg.IdleBackoff)
			continue
		}
		if len(out.Messages) == 0 {
			p.sleep(ctx, p.cfg.IdleBackoff)
			continue
		}

		p.processBatch(ctx, out.Messages)
	}
}

// processBatch handles one fetched batch sequentially. Processing stops at
// the first infrastructure failure or on shutdown; messages not reached stay
// unacknowledged and redeliver after the visibility timeout.
func (p *Poller) processBatch(ctx context.Context, messages []sqsTypes.Message) {
	start := p.clock.Now()

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}

		p.recordLag(ctx, msg)

		outcome, err := p.processor.Process(ctx, []byte(aws.ToString(msg.Body)), p.source)
		if err != nil {
			p.logger.ErrorContext(ctx, "message processing failed, leaving unacknowledged",
				slog.String("message_id", aws.ToString(msg.MessageId)),
				slog.Any("error", err))
			p.sleep(ctx, p.cfg.StorageBackoff)
			return
		}

		p.metrics.RecordOutcome(ctx, p.source, string(outcome))
		p.ack(ctx, msg)
	}

	p.metrics.RecordBatchLatency(ctx, p.source, p.clock.Now().Sub(start))
}

// ack deletes a fully processed message from the queue. A delete failure is
// not fatal: the message redelivers and the dedup key absorbs the repeat.
func (p *Poller) ack(ctx context.Context, msg sqsTypes.Message) {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to delete message",
			slog.String("message_id", aws.ToString(msg.MessageId)),
			slog.Any("error", err))
	}
}

// recordLag emits the enqueue-to-processing delay from the SentTimestamp
// system attribute, when present.
func (p *Poller) recordLag(ctx context.Context, msg sqsTypes.Message) {
	sent, ok := msg.Attributes[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)]
	if !ok {
		return
	}
	sentAt, err := parseMillisTimestamp(sent)
	if err != nil {
		return
	}
	p.metrics.RecordQueueLag(ctx, p.source, p.clock.Now().Sub(sentAt))
}

// sleep pauses for d or until ctx is cancelled, whichever comes first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// parseMillisTimestamp parses a millisecond-epoch string into a time.Time.
// Used for the SQS SentTimestamp attribute to calculate queue lag.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}
