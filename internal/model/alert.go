package model

import "time"

// AlertEvent is an ephemeral fan-out unit produced by the scheduler (or an
// explicit user request). It is never persisted; only the send intents it
// produces reach durable state.
type AlertEvent struct {
	// TaskID is empty for ad hoc alerts.
	TaskID   string
	Message  string
	Priority Priority
	Category string
	At       time.Time

	// DueAt carries the originating task's deadline so renderers can
	// distinguish "due soon" from "overdue".
	DueAt *time.Time

	// MeshFallback marks events that must reach the mesh channel when the
	// broadband channels fail permanently (or the event is flagged offline).
	MeshFallback bool

	// OfflinePriority forces an immediate mesh intent regardless of the
	// broadband channels' outcomes.
	OfflinePriority bool
}

// DeliveryOutcome is the resolution recorded in the alert log.
type DeliveryOutcome string

const (
	OutcomePending   DeliveryOutcome = "pending"
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeFailed    DeliveryOutcome = "failed_permanent"
)

// AlertLogEntry is one row of the append-only dispatch audit trail. An entry
// is written per send intent at enqueue time and updated at resolution.
type AlertLogEntry struct {
	ID      string  `db:"id"`
	TaskID  *string `db:"task_id"`
	Channel Channel `db:"channel"`
	Message string  `db:"message"`

	Outcome DeliveryOutcome `db:"outcome"`
	Reason  *string         `db:"reason"`

	CreatedAt  time.Time  `db:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}
