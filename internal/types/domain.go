// Package types defines the domain model shared across the mailtrail
// pipeline: message logs, event records, blocklist entries, the error
// taxonomy, and the filter/DTO shapes used by repositories and the API.
package types

import (
	"strings"
	"time"
)

// MessageStatus is the lifecycle state of an outbound message.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusSent       MessageStatus = "sent"
	StatusDelivered  MessageStatus = "delivered"
	StatusBounced    MessageStatus = "bounced"
	StatusComplained MessageStatus = "complained"
	StatusRejected   MessageStatus = "rejected"
	StatusDelayed    MessageStatus = "delayed"
	StatusFailed     MessageStatus = "failed"
)

// EventType classifies a delivery-event notification from the provider.
type EventType string

const (
	EventSend         EventType = "send"
	EventDelivery     EventType = "delivery"
	EventBounce       EventType = "bounce"
	EventComplaint    EventType = "complaint"
	EventOpen         EventType = "open"
	EventClick        EventType = "click"
	EventReject       EventType = "reject"
	EventDelay        EventType = "delay"
	EventSubscription EventType = "subscription"
)

// KnownEventTypes lists every event type the pipeline accepts, in the order
// the provider documents them.
var KnownEventTypes = []EventType{
	EventSend, EventDelivery, EventBounce, EventComplaint,
	EventOpen, EventClick, EventReject, EventDelay, EventSubscription,
}

// IsKnownEventType reports whether s (case-insensitive) names a known event
// type and returns its canonical form.
func IsKnownEventType(s string) (EventType, bool) {
	et := EventType(strings.ToLower(s))
	for _, known := range KnownEventTypes {
		if et == known {
			return known, true
		}
	}
	return "", false
}

// SourceQueue identifies where a notification entered the pipeline: one of
// the two queues, or a manual history sync that bypassed them.
type SourceQueue string

const (
	SourcePrimary SourceQueue = "primary"
	SourceDLQ     SourceQueue = "dlq"
	SourceSync    SourceQueue = "sync"
)

// Tags is a string-keyed metadata map stored as JSONB on message logs.
type Tags map[string]string

// MessageLog is the durable record of one outbound message and its current
// lifecycle state. Created at send time; mutated only by state-machine
// transitions and manual retry. The pipeline never deletes logs; deletion
// is an external admin operation.
type MessageLog struct {
	ID string `json:"id"`

	// MessageID is the internal correlation key, unique per log. It is
	// embedded in the outgoing message's tags so provider notifications can
	// be correlated even before the provider assigns its own ID.
	MessageID string `json:"message_id"`

	// ProviderMessageID is the external correlation key assigned by the
	// provider on acceptance. Empty until the provider confirms submission.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	Recipient string        `json:"recipient"`
	Sender    string        `json:"sender"`
	Subject   string        `json:"subject"`
	Status    MessageStatus `json:"status"`

	SentAt       time.Time `json:"sent_at,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at,omitempty"`
	BouncedAt    time.Time `json:"bounced_at,omitempty"`
	ComplainedAt time.Time `json:"complained_at,omitempty"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	ClickedAt    time.Time `json:"clicked_at,omitempty"`

	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	TemplateName string `json:"template_name,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	Tags         Tags   `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecord is the durable, deduplicated record of one delivery-event
// notification, optionally linked to a MessageLog. DedupKey uniqueness is
// enforced by the storage layer (unique constraint), which is the core
// correctness guarantee against duplicate delivery from either queue.
type EventRecord struct {
	ID string `json:"id"`

	// MessageLogID is empty for orphan events (no log matched at ingestion).
	MessageLogID string `json:"message_log_id,omitempty"`

	EventType   EventType   `json:"event_type"`
	OccurredAt  time.Time   `json:"occurred_at"`
	DedupKey    string      `json:"dedup_key"`
	SourceQueue SourceQueue `json:"source_queue"`
	RawPayload  []byte      `json:"-"`

	// Event-specific detail fields; empty when not applicable.
	BounceType    string `json:"bounce_type,omitempty"`
	ComplaintType string `json:"complaint_type,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	GeoLocation   string `json:"geo_location,omitempty"`
	LinkURL       string `json:"link_url,omitempty"`

	// Recipient is the affected address extracted from the notification.
	// Used by the auto-block accumulator; not a correlation key.
	Recipient string `json:"recipient,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HardBounceType is the provider's bounce classification for permanent
// failures. Only hard bounces feed the auto-block accumulator.
const HardBounceType = "Permanent"

// BlocklistEntry is a blocked recipient address. An entry is active when
// ExpiresAt is zero (permanent) or in the future. Removal is a hard delete;
// there is no soft-delete flag.
type BlocklistEntry struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the entry currently blocks sending.
func (e BlocklistEntry) Active(now time.Time) bool {
	return e.ExpiresAt.IsZero() || e.ExpiresAt.After(now)
}

// MessageLogFilter selects message logs for List/Count queries.
type MessageLogFilter struct {
	Status     MessageStatus
	Recipient  string
	Sender     string
	CampaignID string
	Since      time.Time
	Until      time.Time

	// Cursor is an RFC3339Nano created_at timestamp; results strictly older
	// than the cursor are returned, newest first.
	Cursor string
	Limit  int
}

// BlocklistFilter selects blocklist entries for List/Count queries.
type BlocklistFilter struct {
	// ActiveOnly limits results to entries that currently block sending.
	ActiveOnly bool
	Reason     string
	// Search matches email addresses by substring.
	Search string
	Limit  int
	Offset int
}

// BlocklistStats summarizes the blocklist for the operator API.
type BlocklistStats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Expired  int            `json:"expired"`
	ByReason map[string]int `json:"by_reason"`
}

// SyncResult is the structured outcome of a manual provider-history sync for
// one correlation ID.
type SyncResult struct {
	EventsProcessed  int            `json:"events_processed"`
	TotalEventsFound int            `json:"total_events_found"`
	EventsBySource   map[string]int `json:"events_by_source"`
	EventsFailed     int            `json:"events_failed"`
	ExistingLogFound bool           `json:"existing_log_found"`
	LogUpdated       bool           `json:"log_updated"`
}
