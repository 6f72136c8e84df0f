package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailtrail/internal/types"
)

// EventRecordRepository provides data access for the event_records table.
//
// The table carries a UNIQUE constraint on dedup_key. Insert relies on that
// constraint rather than a check-then-insert, so duplicate suppression holds
// across the primary and DLQ pollers with no ordering guarantee between them.
type EventRecordRepository struct {
	db DBTX
}

// NewEventRecordRepository creates a new EventRecordRepository backed by the
// given database connection (pool or transaction).
func NewEventRecordRepository(db DBTX) *EventRecordRepository {
	return &EventRecordRepository{db: db}
}

// ErrDuplicateEvent is returned by Insert when the dedup_key already exists.
// Callers treat it as idempotent success, not failure.
var ErrDuplicateEvent = types.NewAppError(types.ErrCodeDuplicateEvent, "event already recorded", nil)

// Insert appends an event record. Returns ErrDuplicateEvent when the
// dedup_key is already present; the caller must treat that as success.
func (r *EventRecordRepository) Insert(ctx context.Context, ev *types.EventRecord) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO event_records
		 (id, message_log_id, event_type, occurred_at, dedup_key, source_queue,
		  raw_payload, bounce_type, complaint_type, ip_address, geo_location,
		  link_url, recipient)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING created_at`,
		ev.ID,
		nilIfEmpty(ev.MessageLogID),
		string(ev.EventType),
		ev.OccurredAt,
		ev.DedupKey,
		string(ev.SourceQueue),
		ev.RawPayload,
		nilIfEmpty(ev.BounceType),
		nilIfEmpty(ev.ComplaintType),
		nilIfEmpty(ev.IPAddress),
		nilIfEmpty(ev.GeoLocation),
		nilIfEmpty(ev.LinkURL),
		nilIfEmpty(ev.Recipient),
	)
	if err := row.Scan(&ev.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert event record", err)
	}
	return nil
}

// ListByLog retrieves all event records linked to a message log, oldest
// first, forming the full audit trail for that message.
func (r *EventRecordRepository) ListByLog(ctx context.Context, messageLogID string) ([]*types.EventRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, message_log_id, event_type, occurred_at, dedup_key, source_queue,
		        raw_payload, bounce_type, complaint_type, ip_address, geo_location,
		        link_url, recipient, created_at
		 FROM event_records
		 WHERE message_log_id = $1
		 ORDER BY occurred_at, id`,
		messageLogID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list event records", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// CountRecentFailures returns the number of bounce/complaint events recorded
// for a recipient since the given time. This is the sliding-window input to
// the auto-block decision.
//
// Only hard bounces count: soft bounces keep bounce_type != 'Permanent' and
// are excluded.
func (r *EventRecordRepository) CountRecentFailures(ctx context.Context, recipient string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_records
		 WHERE recipient = $1
		   AND occurred_at > $2
		   AND (event_type = 'complaint' OR (event_type = 'bounce' AND bounce_type = $3))`,
		recipient,
		since,
		types.HardBounceType,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count recent failures", err)
	}
	return count, nil
}

// ListBefore retrieves up to limit event records older than the cutoff,
// oldest first. Used by the archival tool to export before pruning.
func (r *EventRecordRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.EventRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, message_log_id, event_type, occurred_at, dedup_key, source_queue,
		        raw_payload, bounce_type, complaint_type, ip_address, geo_location,
		        link_url, recipient, created_at
		 FROM event_records
		 WHERE created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list old event records", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// DeleteByIDs hard-deletes the given event records. Called by the archival
// tool after a successful export. Returns the number of rows deleted.
func (r *EventRecordRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM event_records WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete event records", err)
	}
	return tag.RowsAffected(), nil
}

// collectEvents drains a pgx.Rows result set into event records.
func collectEvents(rows pgx.Rows) ([]*types.EventRecord, error) {
	var results []*types.EventRecord
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event record row", err)
		}
		results = append(results, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating event record rows", err)
	}
	return results, nil
}

// scanEvent scans an event_records row. Nullable columns are read through
// pointers.
func scanEvent(row pgx.Row) (*types.EventRecord, error) {
	var (
		ev            types.EventRecord
		messageLogID  *string
		eventType     string
		sourceQueue   string
		bounceType    *string
		complaintType *string
		ipAddress     *string
		geoLocation   *string
		linkURL       *string
		recipient     *string
	)

	err := row.Scan(
		&ev.ID,
		&messageLogID,
		&eventType,
		&ev.OccurredAt,
		&ev.DedupKey,
		&sourceQueue,
		&ev.RawPayload,
		&bounceType,
		&complaintType,
		&ipAddress,
		&geoLocation,
		&linkURL,
		&recipient,
		&ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.EventType = types.EventType(eventType)
	ev.SourceQueue = types.SourceQueue(sourceQueue)
	if messageLogID != nil {
		ev.MessageLogID = *messageLogID
	}
	if bounceType != nil {
		ev.BounceType = *bounceType
	}
	if complaintType != nil {
		ev.ComplaintType = *complaintType
	}
	if ipAddress != nil {
		ev.IPAddress = *ipAddress
	}
	if geoLocation != nil {
		ev.GeoLocation = *geoLocation
	}
	if linkURL != nil {
		ev.LinkURL = *linkURL
	}
	if recipient != nil {
		ev.Recipient = *recipient
	}

	return &ev, nil
}
