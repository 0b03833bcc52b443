package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshward/internal/model"
	"meshward/internal/store"
	"meshward/internal/transport"
	logx "meshward/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRouter(t *testing.T, s *store.Store, at time.Time) *Router {
	t.Helper()
	r := New(s, time.UTC, logx.Nop())
	r.now = func() time.Time { return at }
	return r
}

func clock(v int) *model.ClockTime {
	c := model.ClockTime(v)
	return &c
}

func mustPref(t *testing.T, s *store.Store, p model.NotificationPreference) model.NotificationPreference {
	t.Helper()
	created, err := s.CreatePreference(context.Background(), p)
	require.NoError(t, err)
	return created
}

func TestInQuietHours(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}
	window := func(start, end int) model.NotificationPreference {
		return model.NotificationPreference{QuietHoursStart: clock(start), QuietHoursEnd: clock(end)}
	}

	// Plain window 09:00-17:00.
	day := window(9*60, 17*60)
	assert.False(t, inQuietHours(day, at(8, 59)))
	assert.True(t, inQuietHours(day, at(9, 0)), "start is inclusive")
	assert.True(t, inQuietHours(day, at(16, 59)))
	assert.False(t, inQuietHours(day, at(17, 0)), "end is exclusive")

	// Midnight wrap 22:00-07:00.
	night := window(22*60, 7*60)
	assert.True(t, inQuietHours(night, at(23, 30)))
	assert.True(t, inQuietHours(night, at(3, 0)))
	assert.True(t, inQuietHours(night, at(6, 59)))
	assert.False(t, inQuietHours(night, at(7, 0)))
	assert.False(t, inQuietHours(night, at(12, 0)))

	// Degenerate and absent windows never suppress.
	assert.False(t, inQuietHours(window(10*60, 10*60), at(10, 0)))
	assert.False(t, inQuietHours(model.NotificationPreference{}, at(3, 0)))
}

func TestSkipReason(t *testing.T) {
	r := newTestRouter(t, nil, time.Now())
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base := model.NotificationPreference{
		Channel:     model.ChannelEmail,
		MinPriority: model.PriorityMedium,
	}
	ev := model.AlertEvent{Priority: model.PriorityHigh, Category: "power"}

	assert.Empty(t, r.skipReason(base, ev, noon))

	low := ev
	low.Priority = model.PriorityLow
	assert.NotEmpty(t, r.skipReason(base, low, noon))

	scoped := base
	scoped.Categories = []string{"plumbing"}
	assert.NotEmpty(t, r.skipReason(scoped, ev, noon))
	scoped.Categories = []string{"Power"}
	assert.Empty(t, r.skipReason(scoped, ev, noon), "category match is case-insensitive")

	quiet := base
	quiet.QuietHoursStart = clock(11 * 60)
	quiet.QuietHoursEnd = clock(13 * 60)
	assert.NotEmpty(t, r.skipReason(quiet, ev, noon))

	critical := ev
	critical.Priority = model.PriorityCritical
	assert.Empty(t, r.skipReason(quiet, critical, noon), "critical bypasses quiet hours")
}

func TestRender(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := Render(model.AlertEvent{Message: "Task due: Fix pump", Priority: model.PriorityCritical}, now)
	assert.Equal(t, "[CRITICAL] Task due: Fix pump", p.Body)

	p = Render(model.AlertEvent{Message: "x", Priority: model.PriorityLow}, now)
	assert.Equal(t, "x", p.Body, "low priority carries no prefix")

	past := now.Add(-2 * time.Hour)
	p = Render(model.AlertEvent{Message: "Task overdue: Fix pump", Priority: model.PriorityHigh, DueAt: &past}, now)
	assert.Contains(t, p.Body, "[HIGH]")
	assert.Contains(t, p.Body, "OVERDUE")

	future := now.Add(2 * time.Hour)
	p = Render(model.AlertEvent{Message: "Task due: Fix pump", Priority: model.PriorityMedium, DueAt: &future}, now)
	assert.Contains(t, p.Body, "[MEDIUM]")
	assert.Contains(t, p.Body, "(due ")
	assert.NotContains(t, p.Body, "OVERDUE")
}

func TestDispatchFanOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	mustPref(t, s, model.NotificationPreference{
		Channel:     model.ChannelEmail,
		Enabled:     true,
		MinPriority: model.PriorityLow,
		Config:      map[string]string{"email": "ops@example.com"},
	})
	mustPref(t, s, model.NotificationPreference{
		Channel:     model.ChannelWebhook,
		Enabled:     true,
		MinPriority: model.PriorityCritical, // filtered out
		Config:      map[string]string{"webhook_url": "https://hooks.example.com/x"},
	})
	mustPref(t, s, model.NotificationPreference{ // disabled
		Channel:     model.ChannelMesh,
		MinPriority: model.PriorityLow,
	})

	n, err := r.Dispatch(ctx, model.AlertEvent{
		Message:  "Task due: Service generator",
		Priority: model.PriorityHigh,
		Category: "power",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelEmail, due[0].Channel)
	assert.Equal(t, "ops@example.com", due[0].Destination)
	assert.NotEmpty(t, due[0].EventID)
	require.NotNil(t, due[0].AlertLogID)

	alerts, err := s.QueryAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.OutcomePending, alerts[0].Outcome)
	assert.Contains(t, alerts[0].Message, "[HIGH]")
}

func TestDispatchOfflinePriorityForcesMesh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	// No preferences at all: the offline flag still produces a mesh intent.
	n, err := r.Dispatch(ctx, model.AlertEvent{
		Message:         "Grid power lost",
		Priority:        model.PriorityCritical,
		Category:        "power",
		OfflinePriority: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelMesh, due[0].Channel)
	assert.Empty(t, due[0].Destination, "broadcast")
}

func TestDispatchMeshFallbackFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	mustPref(t, s, model.NotificationPreference{
		Channel:     model.ChannelEmail,
		Enabled:     true,
		MinPriority: model.PriorityLow,
		Config:      map[string]string{"email": "ops@example.com"},
	})

	_, err := r.Dispatch(ctx, model.AlertEvent{
		Message:      "Water tank low",
		Priority:     model.PriorityHigh,
		Category:     "water",
		MeshFallback: true,
	})
	require.NoError(t, err)

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	payload, err := transport.DecodePayload(due[0].Payload)
	require.NoError(t, err)
	assert.True(t, payload.MeshFallback, "broadband intents carry the fallback flag")
}

func TestTestSendBypassesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Deep inside quiet hours, disabled, critical-only: TestSend ignores all of it.
	r := newTestRouter(t, s, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))

	pref := mustPref(t, s, model.NotificationPreference{
		Channel:         model.ChannelWebhook,
		Enabled:         false,
		MinPriority:     model.PriorityCritical,
		Categories:      []string{"nothing"},
		QuietHoursStart: clock(0),
		QuietHoursEnd:   clock(23*60 + 59),
		Config:          map[string]string{"webhook_url": "https://hooks.example.com/x", "format": "slack"},
	})

	require.NoError(t, r.TestSend(ctx, pref.ID))

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelWebhook, due[0].Channel)

	payload, err := transport.DecodePayload(due[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "slack", payload.Format)
	assert.Contains(t, payload.Body, "Test notification")

	assert.Error(t, r.TestSend(ctx, "missing"))
}

func TestHandleTerminalFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	payload, err := transport.EncodePayload(transport.Payload{
		Body:         "[HIGH] Water tank low",
		Format:       "slack",
		MeshFallback: true,
	})
	require.NoError(t, err)

	r.HandleTerminalFailure(ctx, model.QueuedMessage{
		ID:      "dead-1",
		Channel: model.ChannelWebhook,
		Payload: payload,
		Status:  model.MessageFailedPermanent,
	})

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelMesh, due[0].Channel)

	decoded, err := transport.DecodePayload(due[0].Payload)
	require.NoError(t, err)
	assert.False(t, decoded.MeshFallback, "fallback must not chain")
	assert.Empty(t, decoded.Format)
	assert.Equal(t, "[HIGH] Water tank low", decoded.Body)
}

func TestHandleTerminalFailureWaitsForSiblings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	flagged, err := transport.EncodePayload(transport.Payload{Body: "tank low", MeshFallback: true})
	require.NoError(t, err)

	const eventID = "ev-1"
	email, err := s.Enqueue(ctx, model.QueuedMessage{
		EventID: eventID, Channel: model.ChannelEmail, Payload: flagged,
	})
	require.NoError(t, err)
	webhook, err := s.Enqueue(ctx, model.QueuedMessage{
		EventID: eventID, Channel: model.ChannelWebhook, Payload: flagged,
	})
	require.NoError(t, err)

	fail := func(m model.QueuedMessage) model.QueuedMessage {
		t.Helper()
		ok, err := s.Claim(ctx, m.ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.MarkFailedPermanent(ctx, m.ID, 1, "down"))
		m.Status = model.MessageFailedPermanent
		return m
	}

	// First broadband failure: the webhook sibling is still pending, so the
	// fallback is deferred.
	r.HandleTerminalFailure(ctx, fail(email))
	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelWebhook, due[0].Channel)

	// Last broadband failure: exactly one mesh fallback appears.
	r.HandleTerminalFailure(ctx, fail(webhook))
	due, err = s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelMesh, due[0].Channel)
	assert.Equal(t, eventID, due[0].EventID)

	// Replay of the hook is idempotent.
	wm, err := s.GetMessage(ctx, webhook.ID)
	require.NoError(t, err)
	r.HandleTerminalFailure(ctx, *wm)
	due, err = s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestHandleTerminalFailureSkipsWhenSiblingDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	flagged, err := transport.EncodePayload(transport.Payload{Body: "x", MeshFallback: true})
	require.NoError(t, err)

	const eventID = "ev-2"
	email, err := s.Enqueue(ctx, model.QueuedMessage{
		EventID: eventID, Channel: model.ChannelEmail, Payload: flagged,
	})
	require.NoError(t, err)
	webhook, err := s.Enqueue(ctx, model.QueuedMessage{
		EventID: eventID, Channel: model.ChannelWebhook, Payload: flagged,
	})
	require.NoError(t, err)

	ok, err := s.Claim(ctx, webhook.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkDelivered(ctx, webhook.ID))

	ok, err = s.Claim(ctx, email.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkFailedPermanent(ctx, email.ID, 1, "down"))
	email.Status = model.MessageFailedPermanent
	r.HandleTerminalFailure(ctx, email)

	// The alert got through on webhook; no mesh fallback.
	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestHandleTerminalFailureIgnoresMeshAndUnflagged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestRouter(t, s, time.Now())

	flagged, err := transport.EncodePayload(transport.Payload{Body: "x", MeshFallback: true})
	require.NoError(t, err)
	plain, err := transport.EncodePayload(transport.Payload{Body: "x"})
	require.NoError(t, err)

	// Mesh failures never re-fallback to mesh.
	r.HandleTerminalFailure(ctx, model.QueuedMessage{Channel: model.ChannelMesh, Payload: flagged})
	// Unflagged broadband failures just die.
	r.HandleTerminalFailure(ctx, model.QueuedMessage{Channel: model.ChannelEmail, Payload: plain})

	due, err := s.PendingDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}
