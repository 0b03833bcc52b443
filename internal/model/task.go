package model

import "time"

// Priority orders tasks and alerts from least to most urgent.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the ordinal position of p (low=0 .. critical=3).
// Unknown priorities rank below low so they never satisfy a threshold.
func (p Priority) Rank() int {
	r, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether p is at or above min in the priority order.
func (p Priority) AtLeast(min Priority) bool {
	return p.Rank() >= min.Rank()
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// TaskStatus is the lifecycle state of a maintenance task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskSnoozed    TaskStatus = "snoozed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskSnoozed:
		return true
	}
	return false
}

// Task is a maintenance obligation.
//
// Invariants maintained by the store layer:
//   - SnoozeUntil is set iff Status == TaskSnoozed.
//   - A completed task is terminal; recurrence spawns a fresh instance with
//     RecurParentID pointing back at the completed one.
type Task struct {
	ID       string     `db:"id"`
	Title    string     `db:"title"`
	Category string     `db:"category"`
	Priority Priority   `db:"priority"`
	Status   TaskStatus `db:"status"`

	DueAt       *time.Time `db:"due_at"`
	SnoozeUntil *time.Time `db:"snooze_until"`

	// RecurrenceRule is a keyword (daily, weekly, monthly, yearly), an
	// "every:<duration>" interval, or a 5-field cron expression. Empty means
	// one-off.
	RecurrenceRule string  `db:"recurrence_rule"`
	RecurParentID  *string `db:"recur_parent_id"`

	// MeshNotify opts this task's alerts into the mesh fallback chain.
	MeshNotify bool `db:"mesh_notify"`

	LastNotifiedAt *time.Time `db:"last_notified_at"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Recurring reports whether completing this task should eventually spawn a successor.
func (t Task) Recurring() bool { return t.RecurrenceRule != "" }

// Overdue reports whether the task's due time has passed at now.
func (t Task) Overdue(now time.Time) bool {
	return t.DueAt != nil && t.DueAt.Before(now)
}
