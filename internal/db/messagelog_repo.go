package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailtrail/internal/types"
)

// MessageLogRepository provides data access for the message_logs table.
// One row is the durable record of one outbound message; the pipeline mutates
// it only through state-machine results persisted via Update.
type MessageLogRepository struct {
	db DBTX
}

// NewMessageLogRepository creates a new MessageLogRepository backed by the
// given database connection (pool or transaction).
func NewMessageLogRepository(db DBTX) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

// logColumns is the canonical column list used by every SELECT so scans stay
// aligned with scanLog.
const logColumns = `id, message_id, provider_message_id, recipient, sender, subject, status,
	sent_at, delivered_at, bounced_at, complained_at, opened_at, clicked_at,
	retry_count, error_message, template_name, campaign_id, tags, created_at, updated_at`

// Create inserts a new message log. The caller must set ID, MessageID,
// Recipient, Sender, and Status. A duplicate message_id maps to
// ErrCodeConflictDuplicate.
func (r *MessageLogRepository) Create(ctx context.Context, log *types.MessageLog) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO message_logs
		 (id, message_id, provider_message_id, recipient, sender, subject, status,
		  retry_count, error_message, template_name, campaign_id, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		log.ID,
		log.MessageID,
		nilIfEmpty(log.ProviderMessageID),
		log.Recipient,
		log.Sender,
		log.Subject,
		string(log.Status),
		log.RetryCount,
		nilIfEmpty(log.ErrorMessage),
		nilIfEmpty(log.TemplateName),
		nilIfEmpty(log.CampaignID),
		log.Tags,
	)
	if err := row.Scan(&log.CreatedAt, &log.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicate, "message log already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create message log", err)
	}
	return nil
}

// GetByID retrieves a message log by its primary key.
func (r *MessageLogRepository) GetByID(ctx context.Context, id string) (*types.MessageLog, error) {
	return r.getByColumn(ctx, "id", id)
}

// GetByMessageID retrieves a message log by the internal correlation key.
func (r *MessageLogRepository) GetByMessageID(ctx context.Context, messageID string) (*types.MessageLog, error) {
	return r.getByColumn(ctx, "message_id", messageID)
}

// GetByProviderMessageID retrieves a message log by the provider-assigned
// correlation key.
func (r *MessageLogRepository) GetByProviderMessageID(ctx context.Context, providerID string) (*types.MessageLog, error) {
	return r.getByColumn(ctx, "provider_message_id", providerID)
}

// FindByCorrelationID locates a log by trying the provider message ID first,
// falling back to the internal message ID. Either identifier may appear in a
// notification depending on how far the provider got with the message.
// Returns (nil, nil) when no log matches: an orphan event, not an error.
func (r *MessageLogRepository) FindByCorrelationID(ctx context.Context, correlationID string) (*types.MessageLog, error) {
	if correlationID == "" {
		return nil, nil
	}

	log, err := r.GetByProviderMessageID(ctx, correlationID)
	if err == nil {
		return log, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	log, err = r.GetByMessageID(ctx, correlationID)
	if err == nil {
		return log, nil
	}
	if isNotFound(err) {
		return nil, nil
	}
	return nil, err
}

// getByColumn fetches a single log matching column = value.
func (r *MessageLogRepository) getByColumn(ctx context.Context, column, value string) (*types.MessageLog, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM message_logs WHERE %s = $1`, logColumns, column),
		value,
	)
	log, err := scanLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLog, "message log not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get message log", err)
	}
	return log, nil
}

// Update persists the mutable lifecycle fields of a log. Used to store the
// outcome of a state-machine transition or a manual retry. Returns NotFound
// when the row no longer exists.
func (r *MessageLogRepository) Update(ctx context.Context, log *types.MessageLog) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_logs SET
			provider_message_id = $1,
			status = $2,
			sent_at = $3,
			delivered_at = $4,
			bounced_at = $5,
			complained_at = $6,
			opened_at = $7,
			clicked_at = $8,
			retry_count = $9,
			error_message = $10,
			updated_at = NOW()
		 WHERE id = $11`,
		nilIfEmpty(log.ProviderMessageID),
		string(log.Status),
		nilIfZeroTime(log.SentAt),
		nilIfZeroTime(log.DeliveredAt),
		nilIfZeroTime(log.BouncedAt),
		nilIfZeroTime(log.ComplainedAt),
		nilIfZeroTime(log.OpenedAt),
		nilIfZeroTime(log.ClickedAt),
		log.RetryCount,
		nilIfEmpty(log.ErrorMessage),
		log.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update message log", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundLog, "message log not found", nil)
	}
	return nil
}

// SetProviderMessageID records the provider-assigned ID once the provider
// confirms submission. A no-op if the same value is already set.
func (r *MessageLogRepository) SetProviderMessageID(ctx context.Context, id, providerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_logs SET provider_message_id = $1, updated_at = NOW()
		 WHERE id = $2`,
		providerID,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set provider message id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundLog, "message log not found", nil)
	}
	return nil
}

// List retrieves message logs matching the filter, newest first, using
// cursor pagination on created_at. Returns the next cursor ("" when no more
// pages exist).
func (r *MessageLogRepository) List(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where, args, err := buildLogFilter(filter)
	if err != nil {
		return nil, "", err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM message_logs %s ORDER BY created_at DESC LIMIT $%d`,
		logColumns, where, len(args)+1,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to list message logs", err)
	}
	defer rows.Close()

	var results []*types.MessageLog
	for rows.Next() {
		log, scanErr := scanLog(rows)
		if scanErr != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan message log row", scanErr)
		}
		results = append(results, log)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "error iterating message log rows", err)
	}

	// limit+1 strategy: an extra row means another page exists.
	nextCursor := ""
	if len(results) > limit {
		nextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, nextCursor, nil
}

// Count returns the number of message logs matching the filter.
func (r *MessageLogRepository) Count(ctx context.Context, filter types.MessageLogFilter) (int, error) {
	where, args, err := buildLogFilter(filter)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM message_logs %s`, where),
		args...,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count message logs", err)
	}
	return count, nil
}

// Delete hard-deletes a message log. This is the external admin operation;
// the pipeline itself never deletes logs. Linked event records keep their
// rows with the link cleared (ON DELETE SET NULL).
func (r *MessageLogRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM message_logs WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete message log", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundLog, "message log not found", nil)
	}
	return nil
}

// buildLogFilter translates a MessageLogFilter into a WHERE clause and args.
func buildLogFilter(filter types.MessageLogFilter) (string, []any, error) {
	var conditions []string
	var args []any
	argIdx := 1

	add := func(cond string, value any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, value)
		argIdx++
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Recipient != "" {
		add("recipient = $%d", filter.Recipient)
	}
	if filter.Sender != "" {
		add("sender = $%d", filter.Sender)
	}
	if filter.CampaignID != "" {
		add("campaign_id = $%d", filter.CampaignID)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until)
	}
	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return "", nil, types.NewAppError(
				types.ErrCodeValidationInvalidInput,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		add("created_at < $%d", cursorTime)
	}

	if len(conditions) == 0 {
		return "", args, nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args, nil
}

// scanLog scans a message_logs row from any source implementing pgx.Row.
// Nullable columns are read through pointers.
func scanLog(row pgx.Row) (*types.MessageLog, error) {
	var (
		log              types.MessageLog
		providerMsgID    *string
		status           string
		sentAt           *time.Time
		deliveredAt      *time.Time
		bouncedAt        *time.Time
		complainedAt     *time.Time
		openedAt         *time.Time
		clickedAt        *time.Time
		errorMessage     *string
		templateName     *string
		campaignID       *string
	)

	err := row.Scan(
		&log.ID,
		&log.MessageID,
		&providerMsgID,
		&log.Recipient,
		&log.Sender,
		&log.Subject,
		&status,
		&sentAt,
		&deliveredAt,
		&bouncedAt,
		&complainedAt,
		&openedAt,
		&clickedAt,
		&log.RetryCount,
		&errorMessage,
		&templateName,
		&campaignID,
		&log.Tags,
		&log.CreatedAt,
		&log.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	log.Status = types.MessageStatus(status)
	if providerMsgID != nil {
		log.ProviderMessageID = *providerMsgID
	}
	if sentAt != nil {
		log.SentAt = *sentAt
	}
	if deliveredAt != nil {
		log.DeliveredAt = *deliveredAt
	}
	if bouncedAt != nil {
		log.BouncedAt = *bouncedAt
	}
	if complainedAt != nil {
		log.ComplainedAt = *complainedAt
	}
	if openedAt != nil {
		log.OpenedAt = *openedAt
	}
	if clickedAt != nil {
		log.ClickedAt = *clickedAt
	}
	if errorMessage != nil {
		log.ErrorMessage = *errorMessage
	}
	if templateName != nil {
		log.TemplateName = *templateName
	}
	if campaignID != nil {
		log.CampaignID = *campaignID
	}

	return &log, nil
}

// isNotFound reports whether err is an AppError with a not-found code.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == types.ErrCodeNotFoundLog || appErr.Code == types.ErrCodeNotFoundBlocklist
	}
	return false
}
