// Package reconciler implements manual status synchronization. Given one
// correlation ID it queries the provider's event-history API directly,
// bypassing both queues, and replays the returned events through the event
// processor. The lookup is scoped to a single message; history entries that
// correlate to a different message are never applied, and the scan stops as
// soon as the matched message's contiguous run of events ends.
package reconciler

import (
	"context"
	"log/slog"

	"mailtrail/internal/events"
	"mailtrail/internal/external"
	"mailtrail/internal/types"
)

// EventApplier is the processing surface used to replay history events.
// Implemented by events.Processor.
type EventApplier interface {
	Process(ctx context.Context, raw []byte, source types.SourceQueue) (events.Outcome, error)
}

// LogFinder locates the message log a sync targets.
type LogFinder interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (*types.MessageLog, error)
}

// Service performs manual provider-history syncs.
type Service struct {
	history   external.HistoryClient
	logs      LogFinder
	processor EventApplier
	logger    *slog.Logger
}

// NewService creates a reconciler Service.
func NewService(history external.HistoryClient, logs LogFinder, processor EventApplier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		history:   history,
		logs:      logs,
		processor: processor,
		logger:    logger,
	}
}

// SyncStatus fetches the provider's recorded events for one correlation ID
// and applies them in provider-natural (oldest-first) order. Events already
// ingested dedup to no-ops, so a message with no new provider-side activity
// reports zero events processed. The dedup key makes SyncStatus safe to call
// repeatedly and concurrently with the pollers.
func (s *Service) SyncStatus(ctx context.Context, correlationID string) (*types.SyncResult, error) {
	if correlationID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput,
			"correlation ID is required", nil)
	}

	history, err := s.history.MessageEvents(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	result := &types.SyncResult{
		TotalEventsFound: len(history),
		EventsBySource:   make(map[string]int),
	}

	log, err := s.logs.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	result.ExistingLogFound = log != nil

	matched := false
	for _, ev := range history {
		result.EventsBySource[ev.Source]++

		parsed, parseErr := events.Parse(ev.Payload)
		if parseErr != nil {
			result.EventsFailed++
			s.logger.WarnContext(ctx, "unparseable history event skipped",
				slog.String("correlation_id", correlationID),
				slog.Any("error", parseErr))
			continue
		}

		if parsed.CorrelationID != correlationID && parsed.InternalMessageID != correlationID {
			// History entry for a different message. Once the target's
			// contiguous run of events has been applied the scan is done;
			// before that, keep looking.
			if matched {
				break
			}
			continue
		}
		matched = true

		outcome, procErr := s.processor.Process(ctx, ev.Payload, types.SourceSync)
		if procErr != nil {
			result.EventsFailed++
			s.logger.ErrorContext(ctx, "failed to apply history event",
				slog.String("correlation_id", correlationID),
				slog.Any("error", procErr))
			continue
		}

		switch outcome {
		case events.OutcomeProcessed, events.OutcomeOrphan:
			result.EventsProcessed++
			if outcome == events.OutcomeProcessed && result.ExistingLogFound {
				result.LogUpdated = true
			}
		case events.OutcomeParseError:
			result.EventsFailed++
		case events.OutcomeDuplicate:
			// Already ingested; counted in total only.
		}
	}

	s.logger.InfoContext(ctx, "status sync completed",
		slog.String("correlation_id", correlationID),
		slog.Int("total_found", result.TotalEventsFound),
		slog.Int("processed", result.EventsProcessed),
		slog.Int("failed", result.EventsFailed),
		slog.Bool("log_updated", result.LogUpdated))

	return result, nil
}
