package model

import "time"

// MessageStatus is the delivery state of a queued outbound message.
type MessageStatus string

const (
	MessagePending         MessageStatus = "pending"
	MessageInFlight        MessageStatus = "in_flight"
	MessageDelivered       MessageStatus = "delivered"
	MessageFailedPermanent MessageStatus = "failed_permanent"
)

// Terminal reports whether a message in this state will never be attempted again.
func (s MessageStatus) Terminal() bool {
	return s == MessageDelivered || s == MessageFailedPermanent
}

// QueuedMessage is one unit of the outbound retry queue.
//
// AttemptCount never decreases; NextAttemptAt is always >= the enqueue time
// while pending. A message reaches failed_permanent only via the attempt
// ceiling or an adapter-reported permanent failure, never by being dropped.
type QueuedMessage struct {
	ID string `db:"id"`

	// EventID groups the intents fanned out from one alert event; empty for
	// messages enqueued outside a fan-out.
	EventID string  `db:"event_id"`
	Channel Channel `db:"channel"`

	// Destination is channel-specific and opaque to the queue.
	Destination string `db:"destination"`
	Payload     string `db:"payload"`

	CreatedAt     time.Time     `db:"created_at"`
	AttemptCount  int           `db:"attempt_count"`
	NextAttemptAt time.Time     `db:"next_attempt_at"`
	Status        MessageStatus `db:"status"`

	// AlertLogID links the message back to its audit entry, if any.
	AlertLogID *string `db:"alert_log_id"`

	LastError *string `db:"last_error"`
}
