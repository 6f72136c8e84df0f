package tracking

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"mailtrail/internal/types"
)

// MessageLogRepo provides data access for message logs.
type MessageLogRepo interface {
	Create(ctx context.Context, log *types.MessageLog) error
	GetByID(ctx context.Context, id string) (*types.MessageLog, error)
	GetByMessageID(ctx context.Context, messageID string) (*types.MessageLog, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*types.MessageLog, error)
	Update(ctx context.Context, log *types.MessageLog) error
	SetProviderMessageID(ctx context.Context, id, providerID string) error
	List(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error)
	Count(ctx context.Context, filter types.MessageLogFilter) (int, error)
	Delete(ctx context.Context, id string) error
}

// EventRecordRepo provides read access to the audit trail for a log.
type EventRecordRepo interface {
	ListByLog(ctx context.Context, messageLogID string) ([]*types.EventRecord, error)
}

// CreateLogInput is the send-path request to register an outbound message.
type CreateLogInput struct {
	MessageID    string     `validate:"required"`
	Recipient    string     `validate:"required,email"`
	Sender       string     `validate:"required,email"`
	Subject      string     `validate:"required"`
	TemplateName string     `validate:"omitempty,max=255"`
	CampaignID   string     `validate:"omitempty,max=255"`
	Tags         types.Tags `validate:"-"`
}

// Service implements the send-path and operator-facing log operations.
type Service struct {
	logs     MessageLogRepo
	events   EventRecordRepo
	validate *validator.Validate
	clock    types.Clock
	logger   *slog.Logger
}

// NewService creates a tracking Service with the provided dependencies.
func NewService(logs MessageLogRepo, events EventRecordRepo, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logs:     logs,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
		logger:   logger,
	}
}

// CreateLog registers a new outbound message in status queued. Called by the
// mailer adapter before handing the message to the provider.
func (s *Service) CreateLog(ctx context.Context, in CreateLogInput) (*types.MessageLog, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "invalid message log input", err)
	}

	log := &types.MessageLog{
		ID:           "log_" + uuid.New().String(),
		MessageID:    in.MessageID,
		Recipient:    in.Recipient,
		Sender:       in.Sender,
		Subject:      in.Subject,
		Status:       types.StatusQueued,
		TemplateName: in.TemplateName,
		CampaignID:   in.CampaignID,
		Tags:         in.Tags,
	}

	if err := s.logs.Create(ctx, log); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "message log created",
		"log_id", log.ID,
		"message_id", log.MessageID,
		"recipient", log.Recipient,
	)
	return log, nil
}

// MarkSent moves a log from queued to sent and records the provider-assigned
// message ID once the provider accepts the submission.
func (s *Service) MarkSent(ctx context.Context, id, providerMessageID string) (*types.MessageLog, error) {
	log, err := s.logs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	log.ProviderMessageID = providerMessageID
	Transition(log, types.EventSend, s.clock.Now(), "")

	if err := s.logs.Update(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// MarkFailed records a hard submission failure on a log.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*types.MessageLog, error) {
	log, err := s.logs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	MarkFailed(log, reason)

	if err := s.logs.Update(ctx, log); err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "message log marked failed",
		"log_id", log.ID,
		"reason", reason,
	)
	return log, nil
}

// Retry resets a log for another send attempt.
func (s *Service) Retry(ctx context.Context, id string) (*types.MessageLog, error) {
	log, err := s.logs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	Retry(log)

	if err := s.logs.Update(ctx, log); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "message log queued for retry",
		"log_id", log.ID,
		"retry_count", log.RetryCount,
	)
	return log, nil
}

// GetLog retrieves a log by ID.
func (s *Service) GetLog(ctx context.Context, id string) (*types.MessageLog, error) {
	return s.logs.GetByID(ctx, id)
}

// GetLogEvents returns the full audit trail for a log, oldest first.
func (s *Service) GetLogEvents(ctx context.Context, id string) ([]*types.EventRecord, error) {
	// Verify the log exists so a bad ID surfaces as NotFound, not an empty
	// trail.
	if _, err := s.logs.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListByLog(ctx, id)
}

// ListLogs retrieves logs matching the filter with cursor pagination.
func (s *Service) ListLogs(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error) {
	return s.logs.List(ctx, filter)
}

// CountLogs returns the number of logs matching the filter.
func (s *Service) CountLogs(ctx context.Context, filter types.MessageLogFilter) (int, error) {
	return s.logs.Count(ctx, filter)
}

// DeleteLog hard-deletes a log. Event records survive with their link
// cleared.
func (s *Service) DeleteLog(ctx context.Context, id string) error {
	if err := s.logs.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "message log deleted", "log_id", id)
	return nil
}
