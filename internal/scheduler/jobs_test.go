package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshward/internal/model"
	"meshward/internal/store"
	logx "meshward/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingDispatcher struct {
	events []model.AlertEvent
	fail   bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev model.AlertEvent) (int, error) {
	if d.fail {
		return 0, assert.AnError
	}
	d.events = append(d.events, ev)
	return 1, nil
}

func TestNextOccurrence(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := anchor.Add(-time.Hour)

	cases := []struct {
		rule string
		want time.Time
	}{
		{"daily", anchor.AddDate(0, 0, 1)},
		{"weekly", anchor.AddDate(0, 0, 7)},
		{"monthly", anchor.AddDate(0, 1, 0)},
		{"yearly", anchor.AddDate(1, 0, 0)},
		{"every:36h", anchor.Add(36 * time.Hour)},
	}
	for _, c := range cases {
		got, err := NextOccurrence(c.rule, anchor, now, time.UTC)
		require.NoError(t, err, c.rule)
		assert.True(t, got.Equal(c.want), "%s: got %v want %v", c.rule, got, c.want)
	}
}

func TestNextOccurrenceSkipsPast(t *testing.T) {
	// Anchor far in the past: the cadence stays aligned but the result is in
	// the future.
	anchor := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	got, err := NextOccurrence("weekly", anchor, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, got.After(now))
	assert.Equal(t, anchor.Weekday(), got.Weekday(), "weekly cadence should keep the weekday")
	assert.Equal(t, 8, got.Hour())
}

func TestNextOccurrenceCron(t *testing.T) {
	anchor := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday
	now := anchor

	// Every Monday at 06:00.
	got, err := NextOccurrence("0 6 * * 1", anchor, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, got.Weekday())
	assert.Equal(t, 6, got.Hour())
	assert.True(t, got.After(now))
}

func TestNextOccurrenceRejectsBadRules(t *testing.T) {
	now := time.Now()
	for _, rule := range []string{"", "sometimes", "every:zero", "every:-4h", "* * *"} {
		if _, err := NextOccurrence(rule, now, now, time.UTC); err == nil {
			t.Errorf("rule %q: expected error", rule)
		}
	}
}

func TestReleaseExpiredSnoozes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired, err := s.CreateTask(ctx, model.Task{Title: "expired"})
	require.NoError(t, err)
	require.NoError(t, s.SnoozeTask(ctx, expired.ID, now.Add(-time.Minute)))

	active, err := s.CreateTask(ctx, model.Task{Title: "still sleeping"})
	require.NoError(t, err)
	require.NoError(t, s.SnoozeTask(ctx, active.ID, now.Add(time.Hour)))

	n, err := ReleaseExpiredSnoozes(ctx, s, now, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	got, err = s.GetTask(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSnoozed, got.Status)

	// Idempotent across ticks.
	n, err = ReleaseExpiredSnoozes(ctx, s, now, logx.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotifyDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	warning := 24 * time.Hour
	margin := time.Hour

	due := now.Add(6 * time.Hour)
	task, err := s.CreateTask(ctx, model.Task{
		Title:      "Service generator",
		Category:   "power",
		Priority:   model.PriorityHigh,
		DueAt:      &due,
		MeshNotify: true,
	})
	require.NoError(t, err)

	farDue := now.Add(72 * time.Hour)
	_, err = s.CreateTask(ctx, model.Task{Title: "far away", DueAt: &farDue})
	require.NoError(t, err)

	disp := &recordingDispatcher{}
	n, err := NotifyDue(ctx, s, disp, warning, margin, now, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, disp.events, 1)

	ev := disp.events[0]
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, model.PriorityHigh, ev.Priority)
	assert.Equal(t, "power", ev.Category)
	assert.True(t, ev.MeshFallback)
	assert.Contains(t, ev.Message, "Service generator")
	assert.Contains(t, ev.Message, "due")

	// Second run inside the same window stays quiet.
	n, err = NotifyDue(ctx, s, disp, warning, margin, now.Add(time.Hour), logx.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, disp.events, 1)
}

func TestNotifyDueOverdueWording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-3 * time.Hour)
	_, err := s.CreateTask(ctx, model.Task{Title: "Fix pump", DueAt: &past})
	require.NoError(t, err)

	disp := &recordingDispatcher{}
	_, err = NotifyDue(ctx, s, disp, 24*time.Hour, time.Hour, now, logx.Nop())
	require.NoError(t, err)
	require.Len(t, disp.events, 1)
	assert.Contains(t, disp.events[0].Message, "overdue")
}

func TestNotifyDueDispatchFailureRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(time.Hour)
	task, err := s.CreateTask(ctx, model.Task{Title: "flaky", DueAt: &due})
	require.NoError(t, err)

	disp := &recordingDispatcher{fail: true}
	n, err := NotifyDue(ctx, s, disp, 24*time.Hour, time.Hour, now, logx.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)

	// No stamp on failure, so the next tick tries again.
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastNotifiedAt)

	disp.fail = false
	n, err = NotifyDue(ctx, s, disp, 24*time.Hour, time.Hour, now, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGenerateRecurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	due := now.Add(-24 * time.Hour)
	parent, err := s.CreateTask(ctx, model.Task{
		Title:          "Rotate water filters",
		Category:       "plumbing",
		Priority:       model.PriorityMedium,
		RecurrenceRule: "weekly",
		DueAt:          &due,
		MeshNotify:     true,
	})
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, parent.ID, now)
	require.NoError(t, err)

	n, err := GenerateRecurrences(ctx, s, now, time.UTC, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := model.TaskPending
	children, err := s.QueryTasks(ctx, store.TaskFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, parent.Title, child.Title)
	assert.Equal(t, parent.Category, child.Category)
	assert.Equal(t, "weekly", child.RecurrenceRule)
	assert.True(t, child.MeshNotify)
	require.NotNil(t, child.RecurParentID)
	assert.Equal(t, parent.ID, *child.RecurParentID)
	require.NotNil(t, child.DueAt)
	assert.True(t, child.DueAt.After(now))

	// Re-running the job spawns nothing: the successor back-reference is the guard.
	n, err = GenerateRecurrences(ctx, s, now, time.UTC, logx.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGenerateRecurrencesSkipsBadRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	bad, err := s.CreateTask(ctx, model.Task{Title: "bad rule", RecurrenceRule: "whenever"})
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, bad.ID, now)
	require.NoError(t, err)

	good, err := s.CreateTask(ctx, model.Task{Title: "good rule", RecurrenceRule: "daily"})
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, good.ID, now)
	require.NoError(t, err)

	n, err := GenerateRecurrences(ctx, s, now, time.UTC, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "bad rule skipped, good rule spawned")
}

func TestDailySpec(t *testing.T) {
	assert.Equal(t, "30 4 * * *", dailySpec("04:30"))
	assert.Equal(t, "0 0 * * *", dailySpec("00:00"))
	assert.Equal(t, "0 0 * * *", dailySpec("garbage"))
}
