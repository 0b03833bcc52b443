// Package queue drains the durable outbound message queue.
//
// Delivery order is FIFO per destination and concurrent across destinations.
// Every state transition goes through the store, so a crash at any point
// leaves messages either pending (retried) or in_flight (recovered by the
// stale sweep) but never lost.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meshward/internal/config"
	"meshward/internal/model"
	"meshward/internal/store"
	"meshward/internal/transport"
	logx "meshward/pkg/logx"
)

// Service owns the drain loop. It is safe for concurrent use.
type Service struct {
	store    *store.Store
	registry *transport.Registry
	log      logx.Logger

	mu          sync.Mutex
	cfg         config.QueueConfig
	meshLimiter *rate.Limiter

	// OnTerminalFailure is invoked after a message reaches failed_permanent.
	// Set before Start; the router uses it to issue mesh fallbacks.
	OnTerminalFailure func(ctx context.Context, m model.QueuedMessage)

	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	stopDone  chan struct{}
	wake      chan struct{}
}

func New(cfg config.QueueConfig, st *store.Store, reg *transport.Registry, log logx.Logger) *Service {
	s := &Service{
		store:    st,
		registry: reg,
		log:      log.With(logx.String("svc", "queue")),
		wake:     make(chan struct{}, 1),
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps in new queue settings; the next drain cycle picks them up.
func (s *Service) Apply(cfg config.QueueConfig) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg config.QueueConfig) {
	s.cfg = cfg
	perSec := rate.Limit(float64(cfg.MeshRate()) / 60.0)
	if s.meshLimiter == nil {
		s.meshLimiter = rate.NewLimiter(perSec, 1)
	} else {
		s.meshLimiter.SetLimit(perSec)
	}
}

// Start recovers stale in-flight messages, then runs the drain loop until
// Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.stopDone = make(chan struct{})
	runCtx := s.runCtx
	done := s.stopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in queue drain loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		s.run(runCtx)
	}()
}

// Stop halts the drain loop, waiting for the in-progress cycle until ctx
// expires. Pending messages stay durable for the next start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	done := s.stopDone
	s.runCancel = nil
	s.runCtx = nil
	s.stopDone = nil
	s.mu.Unlock()

	cancel()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Kick requests an immediate drain cycle without waiting for the interval.
// The router calls it after enqueuing intents.
func (s *Service) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run(ctx context.Context) {
	s.sweepStale(ctx)

	s.mu.Lock()
	interval := s.cfg.DrainEvery()
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		s.drainOnce(ctx)

		s.mu.Lock()
		next := s.cfg.DrainEvery()
		stale := s.cfg.InFlightStale()
		s.mu.Unlock()
		if next != interval {
			interval = next
			ticker.Reset(interval)
		}
		if time.Since(lastSweep) >= stale {
			s.sweepStale(ctx)
			lastSweep = time.Now()
		}
	}
}

func (s *Service) sweepStale(ctx context.Context) {
	s.mu.Lock()
	stale := s.cfg.InFlightStale()
	s.mu.Unlock()

	n, err := s.store.SweepStaleInFlight(ctx, time.Now().Add(-stale))
	if err != nil {
		s.log.Warn("stale in-flight sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("recovered stale in-flight messages", logx.Int("count", n))
	}
}

// drainOnce delivers every message currently due. Messages sharing a
// destination are attempted in enqueue order on one goroutine; distinct
// destinations proceed in parallel.
func (s *Service) drainOnce(ctx context.Context) {
	due, err := s.store.PendingDue(ctx, time.Now())
	if err != nil {
		s.log.Warn("querying due messages failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}

	groups := make(map[string][]model.QueuedMessage)
	var order []string
	for _, m := range due {
		key := string(m.Channel) + "|" + m.Destination
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		batch := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in queue worker",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			for _, m := range batch {
				if ctx.Err() != nil {
					return
				}
				s.attempt(ctx, m)
			}
		}()
	}
	wg.Wait()
}

func (s *Service) attempt(ctx context.Context, m model.QueuedMessage) {
	claimed, err := s.store.Claim(ctx, m.ID, time.Now())
	if err != nil {
		s.log.Warn("claim failed", logx.String("msg", m.ID), logx.Err(err))
		return
	}
	if !claimed {
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.meshLimiter
	s.mu.Unlock()

	adapter, ok := s.registry.Lookup(m.Channel)
	if !ok {
		s.settlePermanent(ctx, m, m.AttemptCount+1, fmt.Sprintf("no adapter for channel %q", m.Channel))
		return
	}

	payload, err := transport.DecodePayload(m.Payload)
	if err != nil {
		s.settlePermanent(ctx, m, m.AttemptCount+1, fmt.Sprintf("undecodable payload: %v", err))
		return
	}

	// The mesh link has a duty cycle; pace it even when the queue is deep.
	if m.Channel == model.ChannelMesh {
		if err := lim.Wait(ctx); err != nil {
			s.release(ctx, m, "shutdown during mesh pacing")
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.PerSend())
	outcome := adapter.Send(sendCtx, m.Destination, payload)
	cancel()

	attempts := m.AttemptCount + 1
	switch {
	case outcome.Delivered:
		if err := s.store.MarkDelivered(ctx, m.ID); err != nil {
			s.log.Warn("marking delivered failed", logx.String("msg", m.ID), logx.Err(err))
			return
		}
		s.resolveAlert(ctx, m, model.OutcomeDelivered, "")
		s.log.Info("message delivered",
			logx.String("msg", m.ID),
			logx.String("channel", string(m.Channel)),
			logx.Int("attempts", attempts),
		)

	case outcome.Permanent:
		s.settlePermanent(ctx, m, attempts, outcome.Reason)

	default:
		if attempts >= cfg.Attempts() {
			s.settlePermanent(ctx, m, attempts, "attempt limit reached: "+outcome.Reason)
			return
		}
		delay := Backoff(cfg.Base(), cfg.Max(), attempts)
		if err := s.store.Reschedule(ctx, m.ID, attempts, time.Now().Add(delay), outcome.Reason); err != nil {
			s.log.Warn("reschedule failed", logx.String("msg", m.ID), logx.Err(err))
			return
		}
		s.log.Debug("message rescheduled",
			logx.String("msg", m.ID),
			logx.String("channel", string(m.Channel)),
			logx.Int("attempts", attempts),
			logx.Duration("delay", delay),
			logx.String("reason", outcome.Reason),
		)
	}
}

// release returns a claimed message to pending without consuming an attempt.
func (s *Service) release(ctx context.Context, m model.QueuedMessage, note string) {
	if err := s.store.Reschedule(ctx, m.ID, m.AttemptCount, time.Now(), note); err != nil {
		s.log.Warn("release failed", logx.String("msg", m.ID), logx.Err(err))
	}
}

func (s *Service) settlePermanent(ctx context.Context, m model.QueuedMessage, attempts int, reason string) {
	if err := s.store.MarkFailedPermanent(ctx, m.ID, attempts, reason); err != nil {
		s.log.Warn("marking failed_permanent failed", logx.String("msg", m.ID), logx.Err(err))
		return
	}
	s.resolveAlert(ctx, m, model.OutcomeFailed, reason)
	s.log.Warn("message failed permanently",
		logx.String("msg", m.ID),
		logx.String("channel", string(m.Channel)),
		logx.Int("attempts", attempts),
		logx.String("reason", reason),
	)

	s.mu.Lock()
	hook := s.OnTerminalFailure
	s.mu.Unlock()
	if hook != nil {
		m.AttemptCount = attempts
		m.Status = model.MessageFailedPermanent
		hook(ctx, m)
	}
}

func (s *Service) resolveAlert(ctx context.Context, m model.QueuedMessage, outcome model.DeliveryOutcome, reason string) {
	if m.AlertLogID == nil {
		return
	}
	if err := s.store.ResolveAlert(ctx, *m.AlertLogID, outcome, reason); err != nil {
		s.log.Warn("resolving alert log failed",
			logx.String("alert", *m.AlertLogID),
			logx.Err(err),
		)
	}
}
