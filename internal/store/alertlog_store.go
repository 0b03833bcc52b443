package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshward/internal/model"
)

const alertColumns = `id, task_id, channel, message, outcome, reason, created_at, resolved_at`

// AppendAlert writes one audit entry for a send intent. Entries start pending
// and are resolved when the queue settles the matching message.
func (s *Store) AppendAlert(ctx context.Context, e model.AlertLogEntry) (model.AlertLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Outcome == "" {
		e.Outcome = model.OutcomePending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_log (id, task_id, channel, message, outcome, reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, string(e.Channel), e.Message, string(e.Outcome), e.Reason,
		e.CreatedAt, utcPtr(e.ResolvedAt),
	)
	if err != nil {
		return model.AlertLogEntry{}, fmt.Errorf("appending alert log entry: %w", err)
	}
	return e, nil
}

// ResolveAlert records the final delivery outcome of an alert log entry.
func (s *Store) ResolveAlert(ctx context.Context, id string, outcome model.DeliveryOutcome, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_log SET outcome = ?, reason = ?, resolved_at = ?
		WHERE id = ?`,
		string(outcome), nullStr(reason), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolving alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AlertFilter selects alert log entries for QueryAlerts.
type AlertFilter struct {
	TaskID  *string
	Outcome *model.DeliveryOutcome
	Since   *time.Time
	Limit   int
}

// QueryAlerts returns matching audit entries, newest first.
func (s *Store) QueryAlerts(ctx context.Context, f AlertFilter) ([]model.AlertLogEntry, error) {
	var conditions []string
	var args []any

	if f.TaskID != nil {
		conditions = append(conditions, "task_id = ?")
		args = append(args, *f.TaskID)
	}
	if f.Outcome != nil {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(*f.Outcome))
	}
	if f.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := "SELECT " + alertColumns + " FROM alert_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alert log: %w", err)
	}
	defer rows.Close()

	var entries []model.AlertLogEntry
	for rows.Next() {
		var (
			e       model.AlertLogEntry
			channel string
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &channel, &e.Message, &outcome,
			&e.Reason, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning alert log row: %w", err)
		}
		e.Channel = model.Channel(channel)
		e.Outcome = model.DeliveryOutcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
