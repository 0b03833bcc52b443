package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshward/internal/model"
)

const taskColumns = `id, title, category, priority, status, due_at, snooze_until,
	recurrence_rule, recur_parent_id, mesh_notify, last_notified_at,
	created_at, updated_at, completed_at`

// CreateTask inserts a new task. Generates a UUID if ID is empty.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return model.Task{}, fmt.Errorf("task title must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Category == "" {
		t.Category = "general"
	}
	if !t.Priority.Valid() {
		t.Priority = model.PriorityMedium
	}
	if !t.Status.Valid() {
		t.Status = model.TaskPending
	}
	if t.Status == model.TaskSnoozed && t.SnoozeUntil == nil {
		return model.Task{}, fmt.Errorf("snoozed task requires snooze_until")
	}
	if t.Status != model.TaskSnoozed {
		t.SnoozeUntil = nil
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, category, priority, status,
			due_at, snooze_until, recurrence_rule, recur_parent_id,
			mesh_notify, last_notified_at, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Category, string(t.Priority), string(t.Status),
		utcPtr(t.DueAt), utcPtr(t.SnoozeUntil), t.RecurrenceRule, t.RecurParentID,
		boolToInt(t.MeshNotify), utcPtr(t.LastNotifiedAt), t.CreatedAt, t.UpdatedAt, utcPtr(t.CompletedAt),
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("creating task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTask replaces the mutable fields of an existing task.
//
// A priority increase clears last_notified_at so the next due scan re-notifies
// immediately; a decrease leaves the dedup guard in place.
func (s *Store) UpdateTask(ctx context.Context, t model.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task title must not be empty")
	}
	prev, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if t.Priority.Rank() > prev.Priority.Rank() {
		t.LastNotifiedAt = nil
	}
	if t.Status != model.TaskSnoozed {
		t.SnoozeUntil = nil
	} else if t.SnoozeUntil == nil {
		return fmt.Errorf("snoozed task requires snooze_until")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, category = ?, priority = ?, status = ?,
			due_at = ?, snooze_until = ?, recurrence_rule = ?,
			mesh_notify = ?, last_notified_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		t.Title, t.Category, string(t.Priority), string(t.Status),
		utcPtr(t.DueAt), utcPtr(t.SnoozeUntil), t.RecurrenceRule,
		boolToInt(t.MeshNotify), utcPtr(t.LastNotifiedAt), t.UpdatedAt, utcPtr(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task completed, stamping completed_at. The completed
// instance is terminal; any recurrence successor is the daily job's duty.
func (s *Store) CompleteTask(ctx context.Context, id string, now time.Time) (*model.Task, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, snooze_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(model.TaskCompleted), now, now, id, string(model.TaskCompleted))
	if err != nil {
		return nil, fmt.Errorf("completing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already completed; disambiguate for the caller.
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.GetTask(ctx, id)
}

// SnoozeTask puts a task to sleep until the given time.
func (s *Store) SnoozeTask(ctx context.Context, id string, until time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, snooze_until = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(model.TaskSnoozed), until.UTC(), now, id, string(model.TaskCompleted))
	if err != nil {
		return fmt.Errorf("snoozing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnsnoozeTask wakes a snoozed task immediately.
func (s *Store) UnsnoozeTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, snooze_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskPending), now, id, string(model.TaskSnoozed))
	if err != nil {
		return fmt.Errorf("unsnoozing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TaskFilter selects tasks for QueryTasks.
type TaskFilter struct {
	Status    *model.TaskStatus
	Category  *string
	DueBefore *time.Time
	DueAfter  *time.Time
	Limit     int
}

// QueryTasks retrieves tasks matching the filter, ordered by due date.
func (s *Store) QueryTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	var conditions []string
	var args []any

	if f.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, *f.Category)
	}
	if f.DueBefore != nil {
		conditions = append(conditions, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, f.DueBefore.UTC())
	}
	if f.DueAfter != nil {
		conditions = append(conditions, "due_at IS NOT NULL AND due_at >= ?")
		args = append(args, f.DueAfter.UTC())
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY due_at IS NULL, due_at, created_at"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ---- Scheduler scans ----

// ExpiredSnoozed returns all snoozed tasks whose snooze has elapsed at now.
func (s *Store) ExpiredSnoozed(ctx context.Context, now time.Time) ([]model.Task, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+taskColumns+` FROM tasks
		 WHERE status = ? AND snooze_until IS NOT NULL AND snooze_until <= ?
		 ORDER BY snooze_until`,
		string(model.TaskSnoozed), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying expired snoozes: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ReleaseSnooze transitions one snoozed task back to pending. The status
// condition makes the transition atomic and idempotent: a second run (or a
// concurrent tick) affects zero rows.
func (s *Store) ReleaseSnooze(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, snooze_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskPending), now.UTC(), id, string(model.TaskSnoozed))
	if err != nil {
		return false, fmt.Errorf("releasing snooze for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DueCandidates returns open tasks whose due_at falls at or before threshold.
// The dedup guard is evaluated by the caller against each task's own due_at.
func (s *Store) DueCandidates(ctx context.Context, threshold time.Time) ([]model.Task, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND due_at IS NOT NULL AND due_at <= ?
		 ORDER BY due_at`,
		string(model.TaskPending), string(model.TaskInProgress), threshold.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due candidates: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StampNotified records that a due notification was emitted for the task.
func (s *Store) StampNotified(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET last_notified_at = ? WHERE id = ?", now.UTC(), id)
	if err != nil {
		return fmt.Errorf("stamping notification for %s: %w", id, err)
	}
	return nil
}

// RecurringWithoutSuccessor returns completed recurring tasks that have not
// yet spawned a successor (tracked by the recur_parent_id back-reference).
func (s *Store) RecurringWithoutSuccessor(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+taskColumns+` FROM tasks t
		 WHERE t.status = ? AND t.recurrence_rule != ''
		   AND NOT EXISTS (SELECT 1 FROM tasks c WHERE c.recur_parent_id = t.id)
		 ORDER BY t.completed_at`,
		string(model.TaskCompleted))
	if err != nil {
		return nil, fmt.Errorf("querying recurring tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ---- scanning ----

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t              model.Task
		priority       string
		status         string
		meshNotify     int
		dueAt          *time.Time
		snoozeUntil    *time.Time
		lastNotifiedAt *time.Time
		completedAt    *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Category, &priority, &status,
		&dueAt, &snoozeUntil, &t.RecurrenceRule, &t.RecurParentID,
		&meshNotify, &lastNotifiedAt, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.Priority = model.Priority(priority)
	t.Status = model.TaskStatus(status)
	t.MeshNotify = meshNotify != 0
	t.DueAt = dueAt
	t.SnoozeUntil = snoozeUntil
	t.LastNotifiedAt = lastNotifiedAt
	t.CompletedAt = completedAt
	return t, nil
}

func collectTasks(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
