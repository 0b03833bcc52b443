package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"meshward/internal/model"
	"meshward/internal/store"
	logx "meshward/pkg/logx"
)

// Dispatcher is the router-facing half of the due-notification job.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.AlertEvent) (int, error)
}

// ReleaseExpiredSnoozes wakes every snoozed task whose snooze has elapsed.
// Each release is its own conditional update, so a crash mid-batch leaves the
// remainder for the next tick.
func ReleaseExpiredSnoozes(ctx context.Context, st *store.Store, now time.Time, log logx.Logger) (int, error) {
	expired, err := st.ExpiredSnoozed(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, t := range expired {
		ok, err := st.ReleaseSnooze(ctx, t.ID, now)
		if err != nil {
			return released, err
		}
		if ok {
			released++
			log.Info("snooze expired", logx.String("task", t.ID), logx.String("title", t.Title))
		}
	}
	return released, nil
}

// NotifyDue dispatches an alert for every open task inside the warning window
// that has not been notified this cycle. The guard compares last_notified_at
// against the window start (widened by the dedup margin): a task notified
// within the current window stays quiet until it leaves and re-enters one.
func NotifyDue(ctx context.Context, st *store.Store, disp Dispatcher, warning, margin time.Duration, now time.Time, log logx.Logger) (int, error) {
	candidates, err := st.DueCandidates(ctx, now.Add(warning))
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, t := range candidates {
		if t.DueAt == nil {
			continue
		}
		windowStart := t.DueAt.Add(-warning - margin)
		if t.LastNotifiedAt != nil && !t.LastNotifiedAt.Before(windowStart) {
			continue
		}

		due := t.DueAt.UTC()
		verb := "due"
		if due.Before(now) {
			verb = "overdue"
		}
		ev := model.AlertEvent{
			TaskID:       t.ID,
			Message:      fmt.Sprintf("Task %s: %s", verb, t.Title),
			Priority:     t.Priority,
			Category:     t.Category,
			At:           now,
			DueAt:        &due,
			MeshFallback: t.MeshNotify,
		}
		if _, err := disp.Dispatch(ctx, ev); err != nil {
			log.Warn("due alert dispatch failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		// Stamp only after a successful dispatch so a failed fan-out retries
		// next tick instead of going silent.
		if err := st.StampNotified(ctx, t.ID, now); err != nil {
			return notified, err
		}
		notified++
	}
	return notified, nil
}

// GenerateRecurrences spawns the next instance of each completed recurring
// task. The successor's recur_parent_id back-reference doubles as the
// idempotence guard: a parent spawns at most once, ever.
func GenerateRecurrences(ctx context.Context, st *store.Store, now time.Time, loc *time.Location, log logx.Logger) (int, error) {
	parents, err := st.RecurringWithoutSuccessor(ctx)
	if err != nil {
		return 0, err
	}

	spawned := 0
	for _, p := range parents {
		anchor := now
		if p.DueAt != nil {
			anchor = *p.DueAt
		} else if p.CompletedAt != nil {
			anchor = *p.CompletedAt
		}
		next, err := NextOccurrence(p.RecurrenceRule, anchor, now, loc)
		if err != nil {
			log.Warn("unparseable recurrence rule",
				logx.String("task", p.ID),
				logx.String("rule", p.RecurrenceRule),
				logx.Err(err),
			)
			continue
		}

		parentID := p.ID
		_, err = st.CreateTask(ctx, model.Task{
			Title:          p.Title,
			Category:       p.Category,
			Priority:       p.Priority,
			Status:         model.TaskPending,
			DueAt:          &next,
			RecurrenceRule: p.RecurrenceRule,
			RecurParentID:  &parentID,
			MeshNotify:     p.MeshNotify,
		})
		if err != nil {
			return spawned, err
		}
		spawned++
		log.Info("recurring task spawned",
			logx.String("parent", p.ID),
			logx.String("title", p.Title),
			logx.Time("due", next),
		)
	}
	return spawned, nil
}

// NextOccurrence computes the first occurrence of rule after the anchor that
// is still in the future. Rules are either a keyword (daily, weekly,
// monthly), "every:<duration>", or a standard 5-field cron expression
// evaluated in loc.
func NextOccurrence(rule string, anchor, now time.Time, loc *time.Location) (time.Time, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return time.Time{}, fmt.Errorf("empty recurrence rule")
	}

	step, cronSched, err := parseRule(rule, loc)
	if err != nil {
		return time.Time{}, err
	}

	next := anchor
	// Walk forward from the anchor so the cadence stays aligned to the
	// original schedule, but never spawn an instance already in the past.
	for i := 0; i < 1000; i++ {
		if cronSched != nil {
			next = cronSched.Next(next.In(loc))
		} else {
			next = step(next)
		}
		if next.After(now) {
			return next.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("recurrence rule %q never advances past now", rule)
}

func parseRule(rule string, loc *time.Location) (func(time.Time) time.Time, cron.Schedule, error) {
	switch strings.ToLower(rule) {
	case "daily":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }, nil, nil
	case "weekly":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }, nil, nil
	case "monthly":
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }, nil, nil
	case "yearly":
		return func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }, nil, nil
	}
	if after, found := strings.CutPrefix(strings.ToLower(rule), "every:"); found {
		d, err := time.ParseDuration(after)
		if err != nil || d <= 0 {
			return nil, nil, fmt.Errorf("invalid interval rule %q", rule)
		}
		return func(t time.Time) time.Time { return t.Add(d) }, nil, nil
	}
	sched, err := cron.ParseStandard(rule)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron rule %q: %w", rule, err)
	}
	return nil, sched, nil
}
