// Package metrics emits pipeline observability data to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailtrail/internal/types"
)

// Metric and dimension names.
const (
	MetricEventOutcome = "EventOutcome"
	MetricBatchLatency = "BatchLatency"
	MetricQueueLag     = "QueueLag"
	MetricAdmission    = "AdmissionDecision"

	DimSourceQueue = "SourceQueue"
	DimOutcome     = "Outcome"
	DimDecision    = "Decision"
)

// Recorder is the metrics surface used by the pollers and the limiter.
// Implementations must never fail the caller: metrics are best-effort.
type Recorder interface {
	// RecordOutcome counts one processed notification by outcome.
	RecordOutcome(ctx context.Context, source types.SourceQueue, outcome string)
	// RecordBatchLatency records the wall time to process one fetched batch.
	RecordBatchLatency(ctx context.Context, source types.SourceQueue, d time.Duration)
	// RecordQueueLag records the delay between enqueue and processing start.
	RecordQueueLag(ctx context.Context, source types.SourceQueue, lag time.Duration)
	// RecordAdmission counts one admission decision (allowed, blocked,
	// rate_limited).
	RecordAdmission(ctx context.Context, decision string)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder publishes pipeline metrics to a CloudWatch namespace.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a Recorder publishing to the given
// namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchRecorder) RecordOutcome(ctx context.Context, source types.SourceQueue, outcome string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricEventOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimSourceQueue), Value: aws.String(string(source))},
			{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
		},
	})
}

func (m *CloudWatchRecorder) RecordBatchLatency(ctx context.Context, source types.SourceQueue, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricBatchLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimSourceQueue), Value: aws.String(string(source))},
		},
	})
}

func (m *CloudWatchRecorder) RecordQueueLag(ctx context.Context, source types.SourceQueue, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimSourceQueue), Value: aws.String(string(source))},
		},
	})
}

func (m *CloudWatchRecorder) RecordAdmission(ctx context.Context, decision string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricAdmission),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimDecision), Value: aws.String(decision)},
		},
	})
}

func (m *CloudWatchRecorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}

// NoopRecorder discards all metrics. Used when metrics are disabled and in
// tests.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) RecordOutcome(context.Context, types.SourceQueue, string)              {}
func (NoopRecorder) RecordBatchLatency(context.Context, types.SourceQueue, time.Duration)  {}
func (NoopRecorder) RecordQueueLag(context.Context, types.SourceQueue, time.Duration)      {}
func (NoopRecorder) RecordAdmission(context.Context, string)                               {}
