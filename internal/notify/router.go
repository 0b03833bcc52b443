// Package notify fans alert events out to the operator's configured channels.
//
// The router itself never talks to a network: it evaluates preferences,
// renders the channel payloads and hands durable send intents to the queue.
// Everything after that (retries, backoff, pacing) is the queue's problem.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshward/internal/model"
	"meshward/internal/store"
	"meshward/internal/transport"
	logx "meshward/pkg/logx"
)

type Router struct {
	store *store.Store
	log   logx.Logger

	mu  sync.RWMutex
	loc *time.Location

	// now is swappable for deterministic quiet-hours evaluation in tests.
	now func() time.Time
}

func New(st *store.Store, loc *time.Location, log logx.Logger) *Router {
	if loc == nil {
		loc = time.Local
	}
	return &Router{
		store: st,
		log:   log.With(logx.String("svc", "notify")),
		loc:   loc,
		now:   time.Now,
	}
}

// Apply swaps the timezone used for quiet-hours evaluation.
func (r *Router) Apply(loc *time.Location) {
	if loc == nil {
		return
	}
	r.mu.Lock()
	r.loc = loc
	r.mu.Unlock()
}

func (r *Router) location() *time.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loc
}

// Dispatch evaluates every enabled preference against the event and enqueues
// one send intent per match. Returns the number of intents enqueued. A store
// failure on one preference does not abort the rest of the fan-out.
func (r *Router) Dispatch(ctx context.Context, ev model.AlertEvent) (int, error) {
	prefs, err := r.store.ListPreferences(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("loading preferences: %w", err)
	}

	localNow := r.now().In(r.location())
	payload := Render(ev, r.now().UTC())
	eventID := uuid.New().String()

	enqueued := 0
	meshCovered := false
	var firstErr error
	for _, p := range prefs {
		if reason := r.skipReason(p, ev, localNow); reason != "" {
			r.log.Debug("preference skipped",
				logx.String("pref", p.ID),
				logx.String("channel", string(p.Channel)),
				logx.String("reason", reason),
			)
			continue
		}
		if err := r.enqueueIntent(ctx, eventID, ev, p.Channel, p.Destination(), withFormat(payload, p)); err != nil {
			r.log.Warn("send intent failed",
				logx.String("pref", p.ID),
				logx.String("channel", string(p.Channel)),
				logx.Err(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
		if p.Channel == model.ChannelMesh {
			meshCovered = true
		}
	}

	// Offline-priority events reach the mesh even when no preference says so:
	// the mesh link is the one channel that works when broadband is down.
	if ev.OfflinePriority && !meshCovered {
		if err := r.enqueueIntent(ctx, eventID, ev, model.ChannelMesh, "", payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			enqueued++
		}
	}

	return enqueued, firstErr
}

// TestSend delivers a probe through one preference, bypassing every filter
// (priority, categories, quiet hours, even the enabled flag). It exercises
// the full queue and adapter path so the operator sees real delivery.
func (r *Router) TestSend(ctx context.Context, prefID string) error {
	p, err := r.store.GetPreference(ctx, prefID)
	if err != nil {
		return err
	}
	ev := model.AlertEvent{
		Message:  fmt.Sprintf("Test notification (%s channel)", p.Channel),
		Priority: model.PriorityLow,
		Category: "test",
		At:       r.now().UTC(),
	}
	return r.enqueueIntent(ctx, uuid.New().String(), ev, p.Channel, p.Destination(), withFormat(Render(ev, ev.At), *p))
}

// HandleTerminalFailure is the queue's hook for permanently failed messages.
// When every broadband intent of a fallback-flagged fan-out has failed
// permanently, one fresh mesh intent is issued so the alert still reaches the
// operator over the radio.
func (r *Router) HandleTerminalFailure(ctx context.Context, m model.QueuedMessage) {
	if m.Channel == model.ChannelMesh {
		return
	}
	p, err := transport.DecodePayload(m.Payload)
	if err != nil || !p.MeshFallback {
		return
	}

	if m.EventID != "" {
		// Wait for sibling intents: a sibling that delivered (or may yet
		// deliver) means the alert is not lost; an existing mesh message
		// means the fallback already fired.
		viable, err := r.store.BroadbandViableForEvent(ctx, m.EventID, m.ID)
		if err != nil {
			r.log.Warn("mesh fallback sibling check failed", logx.Err(err))
			return
		}
		if viable > 0 {
			return
		}
		exists, err := r.store.MeshExistsForEvent(ctx, m.EventID)
		if err != nil || exists {
			return
		}
	}

	p.MeshFallback = false
	p.Format = ""
	raw, err := transport.EncodePayload(p)
	if err != nil {
		return
	}

	entry, err := r.store.AppendAlert(ctx, model.AlertLogEntry{
		Channel: model.ChannelMesh,
		Message: p.Body,
	})
	if err != nil {
		r.log.Warn("mesh fallback alert log failed", logx.Err(err))
		return
	}
	_, err = r.store.Enqueue(ctx, model.QueuedMessage{
		EventID:    m.EventID,
		Channel:    model.ChannelMesh,
		Payload:    raw,
		AlertLogID: &entry.ID,
	})
	if err != nil {
		r.log.Warn("mesh fallback enqueue failed", logx.Err(err))
		return
	}
	r.log.Info("mesh fallback issued",
		logx.String("failed_channel", string(m.Channel)),
		logx.String("failed_message", m.ID),
	)
}

// skipReason returns a non-empty reason when the preference must not receive
// this event, empty when it matches.
func (r *Router) skipReason(p model.NotificationPreference, ev model.AlertEvent, localNow time.Time) string {
	if !ev.Priority.AtLeast(p.MinPriority) {
		return "below min priority"
	}
	if len(p.Categories) > 0 && !containsFold(p.Categories, ev.Category) {
		return "category not allowed"
	}
	// Critical alerts cut through quiet hours.
	if ev.Priority != model.PriorityCritical && inQuietHours(p, localNow) {
		return "quiet hours"
	}
	return ""
}

// inQuietHours evaluates the [start, end) suppression window against local
// wall-clock time. End before start wraps past midnight.
func inQuietHours(p model.NotificationPreference, localNow time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, end := int(*p.QuietHoursStart), int(*p.QuietHoursEnd)
	if start == end {
		return false
	}
	m := localNow.Hour()*60 + localNow.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func (r *Router) enqueueIntent(ctx context.Context, eventID string, ev model.AlertEvent, ch model.Channel, dest string, payload transport.Payload) error {
	payload.MeshFallback = ev.MeshFallback && ch != model.ChannelMesh

	raw, err := transport.EncodePayload(payload)
	if err != nil {
		return err
	}
	var taskID *string
	if ev.TaskID != "" {
		taskID = &ev.TaskID
	}
	entry, err := r.store.AppendAlert(ctx, model.AlertLogEntry{
		TaskID:  taskID,
		Channel: ch,
		Message: payload.Body,
	})
	if err != nil {
		return fmt.Errorf("appending alert log: %w", err)
	}
	if _, err := r.store.Enqueue(ctx, model.QueuedMessage{
		EventID:     eventID,
		Channel:     ch,
		Destination: dest,
		Payload:     raw,
		AlertLogID:  &entry.ID,
	}); err != nil {
		return fmt.Errorf("enqueuing intent: %w", err)
	}
	return nil
}

func withFormat(p transport.Payload, pref model.NotificationPreference) transport.Payload {
	if pref.Channel == model.ChannelWebhook {
		p.Format = pref.Config["format"]
	}
	return p
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
