package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailtrail/internal/db"
	"mailtrail/internal/tracking"
	"mailtrail/internal/types"
)

// Outcome classifies the result of processing one notification. Everything
// except an infrastructure error counts as handled: the message can be
// acknowledged and must not be redelivered.
type Outcome string

const (
	// OutcomeProcessed means a new event record was stored and the linked
	// message log updated.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the event was already recorded; treated as
	// success.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeOrphan means no message log matched; the event record is kept
	// with a null link.
	OutcomeOrphan Outcome = "orphan"
	// OutcomeParseError means the payload was malformed; logged and dropped.
	OutcomeParseError Outcome = "parse_error"
)

// LogStore is the message log access the processor needs.
type LogStore interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (*types.MessageLog, error)
	Update(ctx context.Context, log *types.MessageLog) error
}

// EventStore persists event records.
type EventStore interface {
	Insert(ctx context.Context, ev *types.EventRecord) error
}

// FailureRecorder receives reputation-relevant events (hard bounces and
// complaints) for sliding-window auto-blocking.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, recipient string) error
}

// Processor turns raw notification bytes into a deduplicated event record
// plus a message log state transition. It is shared unchanged by the primary
// poller, the DLQ poller, and the reconciler.
type Processor struct {
	logs     LogStore
	events   EventStore
	failures FailureRecorder
	clock    types.Clock
	logger   *slog.Logger
}

// ProcessorConfig holds the dependencies for NewProcessor. Failures is
// optional; when nil, auto-blocking is disabled.
type ProcessorConfig struct {
	Logs     LogStore
	Events   EventStore
	Failures FailureRecorder
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewProcessor creates an event processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		logs:     cfg.Logs,
		events:   cfg.Events,
		failures: cfg.Failures,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Process handles one raw notification from the given source queue.
//
// A non-nil error means infrastructure failed mid-flight (storage down) and
// the message must stay on the queue for redelivery. Malformed payloads are
// not errors: they produce OutcomeParseError and are dropped, since
// redelivering them can never succeed.
func (p *Processor) Process(ctx context.Context, raw []byte, source types.SourceQueue) (Outcome, error) {
	parsed, err := Parse(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "dropping unparseable notification",
			"source_queue", string(source),
			"error", err,
		)
		return OutcomeParseError, nil
	}

	log, err := p.findLog(ctx, parsed)
	if err != nil {
		return "", err
	}

	record := p.buildRecord(parsed, log, source, raw)
	if err := p.events.Insert(ctx, record); err != nil {
		if errors.Is(err, db.ErrDuplicateEvent) {
			return p.settleDuplicate(ctx, log, parsed, record)
		}
		return "", err
	}

	if log == nil {
		p.logger.InfoContext(ctx, "orphan event recorded",
			"event_id", record.ID,
			"event_type", string(parsed.EventType),
			"correlation_id", parsed.CorrelationID,
		)
		p.recordFailure(ctx, parsed)
		return OutcomeOrphan, nil
	}

	res := tracking.Transition(log, parsed.EventType, record.OccurredAt, parsed.BounceReason)
	if res.Changed {
		if err := p.logs.Update(ctx, log); err != nil {
			// The event record is already stored; the message stays on the
			// queue and the redelivery re-applies the transition through the
			// duplicate path.
			return "", err
		}
	}

	p.logger.InfoContext(ctx, "event processed",
		"event_id", record.ID,
		"event_type", string(parsed.EventType),
		"log_id", log.ID,
		"status", string(log.Status),
		"status_changed", res.StatusChanged,
		"source_queue", string(source),
	)

	p.recordFailure(ctx, parsed)
	return OutcomeProcessed, nil
}

// settleDuplicate re-applies the transition for an already-recorded event.
// Insert and log update are separate statements, so a crash or storage error
// between them leaves a stored event whose transition never landed; the
// redelivery arrives here and converges the log. An already-applied
// duplicate is a no-op.
func (p *Processor) settleDuplicate(ctx context.Context, log *types.MessageLog, parsed *ParsedEvent, record *types.EventRecord) (Outcome, error) {
	if log == nil {
		return OutcomeDuplicate, nil
	}

	res := tracking.Transition(log, parsed.EventType, record.OccurredAt, parsed.BounceReason)
	if res.Changed {
		if err := p.logs.Update(ctx, log); err != nil {
			return "", err
		}
		p.logger.InfoContext(ctx, "duplicate event settled pending transition",
			"event_type", string(parsed.EventType),
			"log_id", log.ID,
			"status", string(log.Status),
		)
	}
	return OutcomeDuplicate, nil
}

// findLog resolves the message log for a parsed event, preferring the
// provider message ID and falling back to our own ID from the mail tags.
// Returns (nil, nil) when neither matches.
func (p *Processor) findLog(ctx context.Context, parsed *ParsedEvent) (*types.MessageLog, error) {
	if parsed.CorrelationID != "" {
		log, err := p.logs.FindByCorrelationID(ctx, parsed.CorrelationID)
		if err != nil {
			return nil, err
		}
		if log != nil {
			return log, nil
		}
	}
	if parsed.InternalMessageID != "" && parsed.InternalMessageID != parsed.CorrelationID {
		return p.logs.FindByCorrelationID(ctx, parsed.InternalMessageID)
	}
	return nil, nil
}

// buildRecord assembles the event record for insertion. A notification
// without a usable timestamp is stored at the ingestion time; the dedup key
// never sees that substitute, it hashes only notification content.
func (p *Processor) buildRecord(parsed *ParsedEvent, log *types.MessageLog, source types.SourceQueue, raw []byte) *types.EventRecord {
	occurredAt := parsed.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.clock.Now().UTC()
	}

	record := &types.EventRecord{
		ID:            "evt_" + uuid.New().String(),
		EventType:     parsed.EventType,
		OccurredAt:    occurredAt,
		DedupKey:      DedupKey(parsed),
		SourceQueue:   source,
		RawPayload:    raw,
		BounceType:    parsed.BounceType,
		ComplaintType: parsed.ComplaintType,
		IPAddress:     parsed.IPAddress,
		GeoLocation:   parsed.GeoLocation,
		LinkURL:       parsed.LinkURL,
		Recipient:     parsed.Recipient,
	}
	if log != nil {
		record.MessageLogID = log.ID
		if record.Recipient == "" {
			record.Recipient = strings.ToLower(log.Recipient)
		}
	}
	return record
}

// recordFailure feeds hard bounces and complaints into the auto-block
// counter. Failures here never fail processing: the event is already
// durable, and blocking is best-effort.
func (p *Processor) recordFailure(ctx context.Context, parsed *ParsedEvent) {
	if p.failures == nil || parsed.Recipient == "" {
		return
	}
	hardBounce := parsed.EventType == types.EventBounce && parsed.BounceType == types.HardBounceType
	if !hardBounce && parsed.EventType != types.EventComplaint {
		return
	}
	if err := p.failures.RecordFailure(ctx, parsed.Recipient); err != nil {
		p.logger.ErrorContext(ctx, "failed to record reputation failure",
			"recipient", parsed.Recipient,
			"error", err,
		)
	}
}

// DedupKey derives the uniqueness key for a parsed event: the provider's own
// event ID when present, otherwise a stable hash of the correlation ID,
// event type, and occurrence time. Identical notifications arriving via the
// primary queue and the DLQ produce the same key either way. A notification
// without a usable timestamp hashes the zero time, so reprocessing the same
// bytes always lands on the same key.
func DedupKey(parsed *ParsedEvent) string {
	if parsed.ProviderEventID != "" {
		return parsed.ProviderEventID
	}

	correlation := parsed.CorrelationID
	if correlation == "" {
		correlation = parsed.InternalMessageID
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s",
		correlation,
		parsed.EventType,
		parsed.OccurredAt.UTC().Format(time.RFC3339Nano),
	))
	return hex.EncodeToString(sum[:])
}
