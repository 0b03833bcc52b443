package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshward/internal/model"
)

const queueColumns = `id, event_id, channel, destination, payload, created_at,
	attempt_count, next_attempt_at, status, alert_log_id, last_error`

// Enqueue persists a new outbound message in pending state, eligible for
// immediate delivery.
func (s *Store) Enqueue(ctx context.Context, m model.QueuedMessage) (model.QueuedMessage, error) {
	if !m.Channel.Valid() {
		return model.QueuedMessage{}, fmt.Errorf("unknown channel %q", m.Channel)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.AttemptCount = 0
	m.Status = model.MessagePending
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (
			id, event_id, channel, destination, payload, created_at,
			attempt_count, next_attempt_at, status, alert_log_id, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.ID, m.EventID, string(m.Channel), m.Destination, m.Payload, m.CreatedAt,
		m.AttemptCount, m.NextAttemptAt.UTC(), string(m.Status), m.AlertLogID,
	)
	if err != nil {
		return model.QueuedMessage{}, fmt.Errorf("enqueuing message: %w", err)
	}
	return m, nil
}

// PendingDue returns pending messages whose next_attempt_at has arrived,
// oldest first so per-destination delivery stays in enqueue order.
func (s *Store) PendingDue(ctx context.Context, now time.Time) ([]model.QueuedMessage, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+queueColumns+` FROM queue_messages
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY created_at`,
		string(model.MessagePending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// Claim flips one pending message to in_flight. Returns false if another
// worker got there first (or the message left pending for any reason); the
// status condition is what makes the claim atomic.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ?`,
		string(model.MessageInFlight), now.UTC(), id, string(model.MessagePending))
	if err != nil {
		return false, fmt.Errorf("claiming message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDelivered resolves an in-flight message as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET status = ?, claimed_at = NULL, last_error = NULL
		WHERE id = ? AND status = ?`,
		string(model.MessageDelivered), id, string(model.MessageInFlight))
	if err != nil {
		return fmt.Errorf("marking message %s delivered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule returns an in-flight message to pending after a transient
// failure, bumping its attempt count and setting the next attempt time.
func (s *Store) Reschedule(ctx context.Context, id string, attemptCount int, nextAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = ?, claimed_at = NULL, attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		string(model.MessagePending), attemptCount, nextAt.UTC(), nullStr(reason),
		id, string(model.MessageInFlight))
	if err != nil {
		return fmt.Errorf("rescheduling message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedPermanent resolves an in-flight message as permanently failed.
func (s *Store) MarkFailedPermanent(ctx context.Context, id string, attemptCount int, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = ?, claimed_at = NULL, attempt_count = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		string(model.MessageFailedPermanent), attemptCount, nullStr(reason),
		id, string(model.MessageInFlight))
	if err != nil {
		return fmt.Errorf("failing message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStaleInFlight returns messages stuck in_flight longer than cutoff to
// pending for immediate retry. Run at startup and periodically; a crashed
// worker never strands its claims forever.
func (s *Store) SweepStaleInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = ?, claimed_at = NULL, next_attempt_at = ?
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		string(model.MessagePending), time.Now().UTC(),
		string(model.MessageInFlight), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping stale in-flight messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetMessage retrieves a single queued message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.QueuedMessage, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+queueColumns+" FROM queue_messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &m, nil
}

// BroadbandViableForEvent counts non-mesh messages of the given fan-out that
// are still retriable or already delivered. The router emits a mesh fallback
// only when this reaches zero: every broadband path failed permanently and
// none got through.
func (s *Store) BroadbandViableForEvent(ctx context.Context, eventID, excludeID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM queue_messages
		WHERE event_id = ? AND id != ? AND channel != ?
		  AND status IN (?, ?, ?)`,
		eventID, excludeID, string(model.ChannelMesh),
		string(model.MessagePending), string(model.MessageInFlight), string(model.MessageDelivered))
	if err != nil {
		return 0, fmt.Errorf("counting unsettled messages for event %s: %w", eventID, err)
	}
	return n, nil
}

// MeshExistsForEvent reports whether the fan-out already has a mesh message,
// original or fallback.
func (s *Store) MeshExistsForEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM queue_messages
		WHERE event_id = ? AND channel = ?`,
		eventID, string(model.ChannelMesh))
	if err != nil {
		return false, fmt.Errorf("checking mesh messages for event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// CountByStatus reports queue depth per status for introspection.
func (s *Store) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT status, COUNT(*) FROM queue_messages GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting queue messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning queue count: %w", err)
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

// PurgeTerminal deletes delivered and permanently failed messages older than
// cutoff, bounding table growth.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE status IN (?, ?) AND created_at <= ?`,
		string(model.MessageDelivered), string(model.MessageFailedPermanent), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging terminal messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMessage(row rowScanner) (model.QueuedMessage, error) {
	var (
		m       model.QueuedMessage
		channel string
		status  string
	)
	err := row.Scan(&m.ID, &m.EventID, &channel, &m.Destination, &m.Payload, &m.CreatedAt,
		&m.AttemptCount, &m.NextAttemptAt, &status, &m.AlertLogID, &m.LastError)
	if err != nil {
		return model.QueuedMessage{}, err
	}
	m.Channel = model.Channel(channel)
	m.Status = model.MessageStatus(status)
	return m, nil
}

func collectMessages(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]model.QueuedMessage, error) {
	var msgs []model.QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
