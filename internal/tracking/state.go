package tracking

import (
	"time"

	"mailtrail/internal/types"
)

// TransitionResult reports what a state-machine application changed on a log.
type TransitionResult struct {
	// Changed is true when any field on the log was modified and the log
	// needs to be persisted.
	Changed bool
	// StatusChanged is true when the lifecycle status itself moved.
	StatusChanged bool
	// Previous holds the status before the transition.
	Previous types.MessageStatus
}

// Transition applies one delivery event to a message log in place. It never
// rejects an event type: notifications arrive out of order and duplicated,
// so every event is either applied or ignored as a no-op. The rules are:
//
//   - Each event type owns one timestamp field; a strictly newer occurred_at
//     overwrites it, an equal or older one is ignored (last event wins).
//   - Lifecycle events (send, delivery, bounce, complaint) move the status
//     when their timestamp is accepted; reject and delay carry no timestamp
//     field and move it only when it actually changes.
//   - open and click annotate the log without touching the status.
//   - Unknown event types are recorded by the caller but change nothing here.
func Transition(log *types.MessageLog, eventType types.EventType, occurredAt time.Time, detail string) TransitionResult {
	res := TransitionResult{Previous: log.Status}

	switch eventType {
	case types.EventSend:
		if advanceTime(&log.SentAt, occurredAt) {
			res.Changed = true
			res.StatusChanged = setStatus(log, types.StatusSent)
		}
	case types.EventDelivery:
		if advanceTime(&log.DeliveredAt, occurredAt) {
			res.Changed = true
			res.StatusChanged = setStatus(log, types.StatusDelivered)
		}
	case types.EventBounce:
		if advanceTime(&log.BouncedAt, occurredAt) {
			res.Changed = true
			res.StatusChanged = setStatus(log, types.StatusBounced)
			if detail != "" {
				log.ErrorMessage = detail
			}
		}
	case types.EventComplaint:
		if advanceTime(&log.ComplainedAt, occurredAt) {
			res.Changed = true
			res.StatusChanged = setStatus(log, types.StatusComplained)
		}
	case types.EventReject:
		// No timestamp field to guard on; re-applying the same rejection is
		// a no-op.
		if setStatus(log, types.StatusRejected) {
			res.Changed = true
			res.StatusChanged = true
		}
		if detail != "" && log.ErrorMessage != detail {
			log.ErrorMessage = detail
			res.Changed = true
		}
	case types.EventDelay:
		if setStatus(log, types.StatusDelayed) {
			res.Changed = true
			res.StatusChanged = true
		}
	case types.EventOpen:
		if advanceTime(&log.OpenedAt, occurredAt) {
			res.Changed = true
		}
	case types.EventClick:
		if advanceTime(&log.ClickedAt, occurredAt) {
			res.Changed = true
		}
	case types.EventSubscription:
		// Recorded as an event, no effect on the log.
	}

	return res
}

// Retry resets a log for another send attempt. Distinct from event-driven
// transitions: it increments retry_count, clears the stored error, and moves
// the status back to queued.
func Retry(log *types.MessageLog) {
	log.RetryCount++
	log.ErrorMessage = ""
	log.Status = types.StatusQueued
}

// MarkFailed records a hard submission failure, reachable directly from
// queued or sent without any provider event.
func MarkFailed(log *types.MessageLog, reason string) {
	log.Status = types.StatusFailed
	log.ErrorMessage = reason
}

// advanceTime overwrites field only when occurredAt is strictly newer,
// returning whether it did. A zero field always accepts.
func advanceTime(field *time.Time, occurredAt time.Time) bool {
	if field.IsZero() || occurredAt.After(*field) {
		*field = occurredAt
		return true
	}
	return false
}

func setStatus(log *types.MessageLog, status types.MessageStatus) bool {
	if log.Status == status {
		return false
	}
	log.Status = status
	return true
}
