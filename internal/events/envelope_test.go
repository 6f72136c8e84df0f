package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/types"
)

// wrapSNS wraps a provider notification payload in an SNS envelope the way
// the notification queue delivers it.
func wrapSNS(t *testing.T, payload string) []byte {
	t.Helper()
	envelope, err := json.Marshal(SNSEnvelope{
		Type:      "Notification",
		MessageId: "sns-msg-1",
		TopicArn:  "arn:aws:sns:us-east-1:123456789012:mail-events",
		Message:   payload,
		Timestamp: "2026-03-01T12:00:00.000Z",
	})
	require.NoError(t, err)
	return envelope
}

func TestParse_BounceNotification(t *testing.T) {
	payload := `{
		"eventType": "Bounce",
		"mail": {
			"messageId": "ses-0001",
			"timestamp": "2026-03-01T11:59:00.000Z",
			"destination": ["to@example.com"],
			"tags": {"message_id": ["msg-abc"]}
		},
		"bounce": {
			"bounceType": "Permanent",
			"bounceSubType": "General",
			"bouncedRecipients": [
				{"emailAddress": "to@example.com", "status": "5.1.1", "diagnosticCode": "smtp; 550 user unknown"}
			],
			"timestamp": "2026-03-01T12:00:00.000Z",
			"feedbackId": "feedback-0001"
		}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, types.EventBounce, ev.EventType)
	assert.Equal(t, "ses-0001", ev.CorrelationID)
	assert.Equal(t, "msg-abc", ev.InternalMessageID)
	assert.Equal(t, "feedback-0001", ev.ProviderEventID)
	assert.Equal(t, "Permanent", ev.BounceType)
	assert.Equal(t, "smtp; 550 user unknown", ev.BounceReason)
	assert.Equal(t, "to@example.com", ev.Recipient)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParse_BounceWithoutDiagnosticCode(t *testing.T) {
	payload := `{
		"eventType": "Bounce",
		"mail": {"messageId": "ses-0002"},
		"bounce": {
			"bounceType": "Transient",
			"bounceSubType": "MailboxFull",
			"bouncedRecipients": [{"emailAddress": "full@example.com", "status": "4.2.2"}],
			"timestamp": "2026-03-01T12:00:00Z"
		}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "Transient", ev.BounceType)
	assert.Equal(t, "MailboxFull (4.2.2)", ev.BounceReason)
}

func TestParse_ComplaintNotification(t *testing.T) {
	payload := `{
		"eventType": "Complaint",
		"mail": {"messageId": "ses-0003", "destination": ["victim@example.com"]},
		"complaint": {
			"complainedRecipients": [{"emailAddress": "victim@example.com"}],
			"complaintFeedbackType": "abuse",
			"timestamp": "2026-03-01T12:05:00Z",
			"feedbackId": "feedback-0003"
		}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, types.EventComplaint, ev.EventType)
	assert.Equal(t, "abuse", ev.ComplaintType)
	assert.Equal(t, "feedback-0003", ev.ProviderEventID)
	assert.Equal(t, "victim@example.com", ev.Recipient)
}

func TestParse_DeliveryNotification(t *testing.T) {
	payload := `{
		"eventType": "Delivery",
		"mail": {"messageId": "ses-0004", "destination": ["to@example.com"]},
		"delivery": {"timestamp": "2026-03-01T12:01:00Z", "recipients": ["to@example.com"]}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, types.EventDelivery, ev.EventType)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParse_OpenAndClick(t *testing.T) {
	open := `{
		"eventType": "Open",
		"mail": {"messageId": "ses-0005"},
		"open": {"ipAddress": "203.0.113.9", "geoLocation": "NL", "timestamp": "2026-03-01T13:00:00Z"}
	}`
	ev, err := Parse(wrapSNS(t, open))
	require.NoError(t, err)
	assert.Equal(t, types.EventOpen, ev.EventType)
	assert.Equal(t, "203.0.113.9", ev.IPAddress)
	assert.Equal(t, "NL", ev.GeoLocation)

	click := `{
		"eventType": "Click",
		"mail": {"messageId": "ses-0005"},
		"click": {"ipAddress": "203.0.113.9", "link": "https://example.com/offer", "timestamp": "2026-03-01T13:01:00Z"}
	}`
	ev, err = Parse(wrapSNS(t, click))
	require.NoError(t, err)
	assert.Equal(t, types.EventClick, ev.EventType)
	assert.Equal(t, "https://example.com/offer", ev.LinkURL)
}

func TestParse_DeliveryDelayMapsToDelay(t *testing.T) {
	payload := `{
		"eventType": "DeliveryDelay",
		"mail": {"messageId": "ses-0006"},
		"deliveryDelay": {"delayType": "MailboxFull", "timestamp": "2026-03-01T12:10:00Z"}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, types.EventDelay, ev.EventType)
}

func TestParse_LegacyNotificationTypeField(t *testing.T) {
	payload := `{
		"notificationType": "Bounce",
		"mail": {"messageId": "ses-0007"},
		"bounce": {"bounceType": "Permanent", "timestamp": "2026-03-01T12:00:00Z"}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, types.EventBounce, ev.EventType)
}

func TestParse_RawMessageDelivery(t *testing.T) {
	// With raw message delivery enabled there is no SNS wrapper.
	payload := []byte(`{
		"eventType": "Delivery",
		"mail": {"messageId": "ses-0008", "destination": ["to@example.com"]},
		"delivery": {"timestamp": "2026-03-01T12:01:00Z"}
	}`)

	ev, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, types.EventDelivery, ev.EventType)
	assert.Equal(t, "ses-0008", ev.CorrelationID)
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"not json", []byte("this is not json")},
		{"empty sns message", []byte(`{"Type":"Notification","Message":""}`)},
		{"missing discriminator", []byte(`{"mail":{"messageId":"ses-1"}}`)},
		{"unknown event type", []byte(`{"eventType":"RenderingFailure","mail":{"messageId":"ses-1"}}`)},
		{"no correlation identifier", []byte(`{"eventType":"Delivery","mail":{}}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.body)
			assert.Error(t, err)
		})
	}
}

func TestParse_MissingTimestampYieldsZeroTime(t *testing.T) {
	payload := `{
		"eventType": "Bounce",
		"mail": {"messageId": "abc123", "destination": ["to@example.com"]},
		"bounce": {
			"bounceType": "Permanent",
			"bouncedRecipients": [{"emailAddress": "to@example.com"}]
		}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	// No wall-clock fallback: the parse result must be a pure function of
	// the notification bytes.
	assert.True(t, ev.OccurredAt.IsZero())
}

func TestParse_UnparseableTimestampYieldsZeroTime(t *testing.T) {
	payload := `{
		"eventType": "Delivery",
		"mail": {"messageId": "ses-0010", "timestamp": "last tuesday"},
		"delivery": {}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.True(t, ev.OccurredAt.IsZero())
}

func TestParse_LowercasesRecipient(t *testing.T) {
	payload := `{
		"eventType": "Bounce",
		"mail": {"messageId": "ses-0011", "destination": ["User@Example.COM"]},
		"bounce": {
			"bounceType": "Permanent",
			"bouncedRecipients": [{"emailAddress": "User@Example.COM"}],
			"timestamp": "2026-03-01T12:00:00Z"
		}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", ev.Recipient)
}

func TestParse_TimestampFallbackFormat(t *testing.T) {
	payload := `{
		"eventType": "Delivery",
		"mail": {"messageId": "ses-0009", "timestamp": "2026-03-01T12:00:00.000Z"},
		"delivery": {}
	}`

	ev, err := Parse(wrapSNS(t, payload))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}
