package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mailtrail/internal/types"
)

// SNSEnvelope represents the top-level SNS message wrapper delivered to the
// notification queue.
type SNSEnvelope struct {
	Type      string `json:"Type"`
	MessageId string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"` // JSON-encoded provider notification
	Timestamp string `json:"Timestamp"`
}

// ProviderNotification represents the provider event notification embedded
// in the SNS message. Event publishing uses "eventType"; the older feedback
// notifications use "notificationType"; both are accepted.
type ProviderNotification struct {
	EventType        string              `json:"eventType"`
	NotificationType string              `json:"notificationType"`
	Mail             ProviderMail        `json:"mail"`
	Bounce           *BounceDetail       `json:"bounce,omitempty"`
	Complaint        *ComplaintDetail    `json:"complaint,omitempty"`
	Delivery         *DeliveryDetail     `json:"delivery,omitempty"`
	Send             *struct{}           `json:"send,omitempty"`
	Open             *OpenDetail         `json:"open,omitempty"`
	Click            *ClickDetail        `json:"click,omitempty"`
	Reject           *RejectDetail       `json:"reject,omitempty"`
	DeliveryDelay    *DelayDetail        `json:"deliveryDelay,omitempty"`
	Subscription     *SubscriptionDetail `json:"subscription,omitempty"`
}

// ProviderMail represents the original mail metadata.
type ProviderMail struct {
	MessageId   string              `json:"messageId"`
	Timestamp   string              `json:"timestamp"`
	Source      string              `json:"source"`
	Destination []string            `json:"destination"`
	Tags        map[string][]string `json:"tags"`
}

// BounceDetail represents the bounce block of a notification.
type BounceDetail struct {
	BounceType        string             `json:"bounceType"` // "Permanent" or "Transient"
	BounceSubType     string             `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	Timestamp         string             `json:"timestamp"`
	FeedbackId        string             `json:"feedbackId"`
}

// BouncedRecipient represents a single bounced recipient.
type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// ComplaintDetail represents the complaint block of a notification.
type ComplaintDetail struct {
	ComplainedRecipients  []ComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                `json:"complaintFeedbackType"` // e.g., "abuse"
	Timestamp             string                `json:"timestamp"`
	FeedbackId            string                `json:"feedbackId"`
}

// ComplainedRecipient represents a single complaint recipient.
type ComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// DeliveryDetail represents the delivery block of a notification.
type DeliveryDetail struct {
	Timestamp  string   `json:"timestamp"`
	Recipients []string `json:"recipients"`
}

// OpenDetail represents the open block of a notification.
type OpenDetail struct {
	IPAddress   string `json:"ipAddress"`
	GeoLocation string `json:"geoLocation"`
	UserAgent   string `json:"userAgent"`
	Timestamp   string `json:"timestamp"`
}

// ClickDetail represents the click block of a notification.
type ClickDetail struct {
	IPAddress string `json:"ipAddress"`
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
}

// RejectDetail represents the reject block of a notification.
type RejectDetail struct {
	Reason string `json:"reason"`
}

// DelayDetail represents the deliveryDelay block of a notification.
type DelayDetail struct {
	DelayType         string             `json:"delayType"`
	DelayedRecipients []BouncedRecipient `json:"delayedRecipients"`
	Timestamp         string             `json:"timestamp"`
}

// SubscriptionDetail represents the subscription block of a notification.
type SubscriptionDetail struct {
	ContactList string `json:"contactList"`
	Timestamp   string `json:"timestamp"`
}

// internalIDTag is the mail tag carrying our message_id when the provider
// has not yet assigned its own.
const internalIDTag = "message_id"

// ParsedEvent is the normalized result of unwrapping one notification,
// ready for deduplication and a state transition.
type ParsedEvent struct {
	EventType types.EventType
	// CorrelationID is the provider message ID from mail.messageId.
	CorrelationID string
	// InternalMessageID is our own ID recovered from mail tags, used as a
	// correlation fallback for events emitted before the provider assigned
	// an ID.
	InternalMessageID string
	// ProviderEventID is the provider-supplied event identifier
	// (feedbackId) when present; the dedup key derives from it.
	ProviderEventID string
	Recipient       string
	// OccurredAt is zero when the notification carries no usable timestamp;
	// the processor substitutes the ingestion time at storage.
	OccurredAt time.Time
	BounceType      string
	BounceReason    string
	ComplaintType   string
	IPAddress       string
	GeoLocation     string
	LinkURL         string
}

// Parse unwraps one raw queue message into a ParsedEvent. It handles both
// the SNS envelope form and raw message delivery, where the provider payload
// arrives without the wrapper.
func Parse(raw []byte) (*ParsedEvent, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("envelope: empty message body")
	}

	var envelope SNSEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("envelope: failed to parse SNS envelope: %w", err)
	}

	payload := raw
	if envelope.Type == "Notification" {
		if envelope.Message == "" {
			return nil, fmt.Errorf("envelope: SNS Message field is empty")
		}
		payload = []byte(envelope.Message)
	}

	var notif ProviderNotification
	if err := json.Unmarshal(payload, &notif); err != nil {
		return nil, fmt.Errorf("envelope: failed to parse provider notification: %w", err)
	}

	eventType, err := resolveEventType(notif)
	if err != nil {
		return nil, err
	}

	ev := &ParsedEvent{
		EventType:         eventType,
		CorrelationID:     notif.Mail.MessageId,
		InternalMessageID: firstTag(notif.Mail.Tags, internalIDTag),
		OccurredAt:        parseTimestamp(notif.Mail.Timestamp),
	}
	if len(notif.Mail.Destination) > 0 {
		ev.Recipient = notif.Mail.Destination[0]
	}

	applyDetail(ev, notif)

	// The blocklist and rate-limit keys are lowercase; the stored recipient
	// must match or the auto-block failure window fragments by casing.
	ev.Recipient = strings.ToLower(ev.Recipient)

	if ev.CorrelationID == "" && ev.InternalMessageID == "" {
		return nil, fmt.Errorf("envelope: notification carries no correlation identifier")
	}

	return ev, nil
}

// resolveEventType maps the provider's type discriminator onto our event
// enum. Unknown discriminators are a parse failure, not a silent drop, so
// new provider event types surface in the logs.
func resolveEventType(notif ProviderNotification) (types.EventType, error) {
	name := notif.EventType
	if name == "" {
		name = notif.NotificationType
	}
	if name == "" {
		return "", fmt.Errorf("envelope: notification missing event type discriminator")
	}

	switch strings.ToLower(name) {
	case "send":
		return types.EventSend, nil
	case "delivery":
		return types.EventDelivery, nil
	case "bounce":
		return types.EventBounce, nil
	case "complaint":
		return types.EventComplaint, nil
	case "open":
		return types.EventOpen, nil
	case "click":
		return types.EventClick, nil
	case "reject":
		return types.EventReject, nil
	case "deliverydelay", "delay":
		return types.EventDelay, nil
	case "subscription":
		return types.EventSubscription, nil
	default:
		return "", fmt.Errorf("envelope: unknown event type %q", name)
	}
}

// applyDetail copies the type-specific block onto the parsed event. Each
// block may refine the recipient and occurred_at over the mail-level values.
func applyDetail(ev *ParsedEvent, notif ProviderNotification) {
	switch ev.EventType {
	case types.EventBounce:
		if b := notif.Bounce; b != nil {
			ev.BounceType = b.BounceType
			ev.ProviderEventID = b.FeedbackId
			refineTime(ev, b.Timestamp)
			if len(b.BouncedRecipients) > 0 {
				r := b.BouncedRecipients[0]
				if r.EmailAddress != "" {
					ev.Recipient = r.EmailAddress
				}
				ev.BounceReason = r.DiagnosticCode
				if ev.BounceReason == "" {
					ev.BounceReason = fmt.Sprintf("%s (%s)", b.BounceSubType, r.Status)
				}
			}
		}
	case types.EventComplaint:
		if c := notif.Complaint; c != nil {
			ev.ComplaintType = c.ComplaintFeedbackType
			ev.ProviderEventID = c.FeedbackId
			refineTime(ev, c.Timestamp)
			if len(c.ComplainedRecipients) > 0 && c.ComplainedRecipients[0].EmailAddress != "" {
				ev.Recipient = c.ComplainedRecipients[0].EmailAddress
			}
		}
	case types.EventDelivery:
		if d := notif.Delivery; d != nil {
			refineTime(ev, d.Timestamp)
			if len(d.Recipients) > 0 {
				ev.Recipient = d.Recipients[0]
			}
		}
	case types.EventOpen:
		if o := notif.Open; o != nil {
			ev.IPAddress = o.IPAddress
			ev.GeoLocation = o.GeoLocation
			refineTime(ev, o.Timestamp)
		}
	case types.EventClick:
		if c := notif.Click; c != nil {
			ev.IPAddress = c.IPAddress
			ev.LinkURL = c.Link
			refineTime(ev, c.Timestamp)
		}
	case types.EventReject:
		if r := notif.Reject; r != nil {
			ev.BounceReason = r.Reason
		}
	case types.EventDelay:
		if d := notif.DeliveryDelay; d != nil {
			refineTime(ev, d.Timestamp)
			if len(d.DelayedRecipients) > 0 && d.DelayedRecipients[0].EmailAddress != "" {
				ev.Recipient = d.DelayedRecipients[0].EmailAddress
			}
		}
	}
}

func refineTime(ev *ParsedEvent, raw string) {
	if t := parseTimestamp(raw); !t.IsZero() {
		ev.OccurredAt = t
	}
}

// parseTimestamp parses a provider timestamp in RFC3339, falling back to a
// variant without the timezone marker. Missing or unparseable timestamps
// yield the zero time rather than the wall clock: the parse result for a
// given notification must be a pure function of its bytes, since the dedup
// key hashes over it.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.000Z", raw)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// firstTag returns the first value of a mail tag, or "".
func firstTag(tags map[string][]string, key string) string {
	if vals, ok := tags[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}
