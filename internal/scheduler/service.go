// Package scheduler runs the three periodic maintenance jobs: snooze expiry,
// due-task notification and recurrence generation. Each job is a pure
// function over the store; this service only owns the clockwork.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meshward/internal/config"
	"meshward/internal/model"
	"meshward/internal/store"
	logx "meshward/pkg/logx"
)

const (
	JobSnoozeExpiry = "snooze_expiry"
	JobDueCheck     = "due_check"
	JobRecurrence   = "recurrence"

	historyCap = 200
)

// JobResult is one history entry for introspection and tests.
type JobResult struct {
	Name  string
	At    time.Time
	Took  time.Duration
	Count int
	Err   string
}

type Service struct {
	store *store.Store
	disp  Dispatcher
	log   logx.Logger

	mu      sync.Mutex
	cfg     config.SchedulerConfig
	loc     *time.Location
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool

	hmu     sync.Mutex
	history []JobResult
}

func New(cfg config.SchedulerConfig, st *store.Store, disp Dispatcher, log logx.Logger) *Service {
	return &Service{
		store: st,
		disp:  disp,
		log:   log.With(logx.String("svc", "scheduler")),
		cfg:   cfg,
		loc:   loadLocation(cfg.Timezone),
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// SetDispatcher wires in the alert router. Must be called before Start; the
// router is constructed second because it needs this service's location.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.disp = d
}

// Location returns the zone used for quiet hours and the daily recurrence run.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps in new settings. A change to any schedule-shaping field
// restarts the cron instance; job bodies pick up the rest on their next run.
func (s *Service) Apply(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.running &&
		(cfg.SnoozeCheckEvery() != s.cfg.SnoozeCheckEvery() ||
			cfg.DueCheckEvery() != s.cfg.DueCheckEvery() ||
			cfg.RecurrenceTime() != s.cfg.RecurrenceTime() ||
			strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone))

	s.cfg = cfg
	s.loc = loadLocation(cfg.Timezone)

	if restart {
		s.c.Stop()
		if err := s.startCronLocked(); err != nil {
			s.log.Error("cron restart failed", logx.Err(err))
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	if err := s.startCronLocked(); err != nil {
		s.running = false
		s.cancel()
		return err
	}
	s.log.Info("scheduler started",
		logx.Duration("snooze_every", s.cfg.SnoozeCheckEvery()),
		logx.Duration("due_every", s.cfg.DueCheckEvery()),
		logx.String("recurrence_at", s.cfg.RecurrenceTime()),
		logx.String("tz", s.loc.String()),
	)
	return nil
}

func (s *Service) startCronLocked() error {
	s.c = cron.New(cron.WithLocation(s.loc))

	entries := []struct {
		name string
		spec string
	}{
		{JobSnoozeExpiry, "@every " + s.cfg.SnoozeCheckEvery().String()},
		{JobDueCheck, "@every " + s.cfg.DueCheckEvery().String()},
		{JobRecurrence, dailySpec(s.cfg.RecurrenceTime())},
	}
	for _, e := range entries {
		name := e.name
		if _, err := s.c.AddFunc(e.spec, func() { s.runJob(name) }); err != nil {
			return fmt.Errorf("registering %s (%q): %w", e.name, e.spec, err)
		}
	}
	s.c.Start()
	return nil
}

// dailySpec converts "HH:MM" to a 5-field cron expression.
func dailySpec(at string) string {
	ct, err := model.ParseClockTime(at)
	if err != nil {
		ct = 0
	}
	return fmt.Sprintf("%d %d * * *", int(ct)%60, int(ct)/60)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.c
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	// cron.Stop's context resolves when in-flight jobs finish.
	jobsDone := c.Stop()
	select {
	case <-jobsDone.Done():
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped")
}

// RunJob triggers one job by name outside its schedule. Ops surface for
// forcing a cycle after a config change or during diagnosis.
func (s *Service) RunJob(ctx context.Context, name string) (JobResult, error) {
	switch name {
	case JobSnoozeExpiry, JobDueCheck, JobRecurrence:
	default:
		return JobResult{}, fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, name), nil
}

func (s *Service) runJob(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduler job",
				logx.String("job", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.execute(ctx, name)
}

func (s *Service) execute(ctx context.Context, name string) JobResult {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	start := time.Now()
	now := start.UTC()

	var (
		count int
		err   error
	)
	switch name {
	case JobSnoozeExpiry:
		count, err = ReleaseExpiredSnoozes(jobCtx, s.store, now, s.log)
	case JobDueCheck:
		count, err = NotifyDue(jobCtx, s.store, s.disp, cfg.Warning(), cfg.Dedup(), now, s.log)
	case JobRecurrence:
		count, err = GenerateRecurrences(jobCtx, s.store, now, loc, s.log)
	}

	res := JobResult{Name: name, At: start, Took: time.Since(start), Count: count}
	if err != nil {
		res.Err = err.Error()
		s.log.Warn("job failed",
			logx.String("job", name),
			logx.Duration("took", res.Took),
			logx.Err(err),
		)
	} else if count > 0 {
		s.log.Info("job done",
			logx.String("job", name),
			logx.Duration("took", res.Took),
			logx.Int("affected", count),
		)
	}
	s.appendHistory(res)
	return res
}

func (s *Service) appendHistory(r JobResult) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

// History returns a copy of recent job results, oldest first.
func (s *Service) History() []JobResult {
	s.hmu.Lock()
	out := append([]JobResult(nil), s.history...)
	s.hmu.Unlock()
	return out
}
