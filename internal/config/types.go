package config

import (
	"fmt"
	"strings"
	"time"

	"meshward/internal/model"
)

// Config is the full on-disk configuration.
//
// All duration fields are Go duration strings (e.g. "45s", "5m", "24h").
// Unknown keys anywhere are load errors (strict decode).
type Config struct {
	Log       LogConfig       `json:"log"`
	DB        DBConfig        `json:"db"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	Channels  ChannelsConfig  `json:"channels"`
}

type LogConfig struct {
	Level   string  `json:"level"`
	Console bool    `json:"console"`
	File    LogFile `json:"file"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DBConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the three maintenance jobs.
type SchedulerConfig struct {
	// Timezone is an IANA TZ name; empty means the host's local zone.
	// Quiet hours and the daily recurrence run are evaluated in this zone.
	Timezone string `json:"timezone,omitempty"`

	SnoozeCheckInterval string `json:"snooze_check_interval,omitempty"`
	DueCheckInterval    string `json:"due_check_interval,omitempty"`

	// WarningWindow is how far ahead of due_at the due-check starts alerting.
	WarningWindow string `json:"warning_window,omitempty"`
	// DedupMargin widens the re-notification guard around the warning window.
	DedupMargin string `json:"dedup_margin,omitempty"`

	// RecurrenceAt is the local wall-clock time (HH:MM) of the daily
	// recurrence-generation run.
	RecurrenceAt string `json:"recurrence_at,omitempty"`

	JobTimeout string `json:"job_timeout,omitempty"`
}

// QueueConfig controls the outbound retry queue.
type QueueConfig struct {
	DrainInterval string `json:"drain_interval,omitempty"`
	BaseDelay     string `json:"base_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`

	// InFlightTimeout bounds how long a message may sit in_flight before the
	// startup/periodic sweep returns it to pending.
	InFlightTimeout string `json:"in_flight_timeout,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`

	// MeshRatePerMin paces the low-bandwidth mesh link.
	MeshRatePerMin int `json:"mesh_rate_per_min,omitempty"`
}

type ChannelsConfig struct {
	Email   EmailConfig   `json:"email,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
	Mesh    MeshConfig    `json:"mesh,omitempty"`
}

type EmailConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	StartTLS bool   `json:"starttls,omitempty"`
}

type WebhookConfig struct {
	// DefaultURL is used when a preference carries no webhook_url of its own.
	DefaultURL string `json:"default_url,omitempty"`
}

type MeshConfig struct {
	BridgeURL string `json:"bridge_url,omitempty"`
}

// ---- Resolved accessors (defaults applied at point of use) ----

func (s SchedulerConfig) SnoozeCheckEvery() time.Duration {
	return durationOr(s.SnoozeCheckInterval, 5*time.Minute)
}
func (s SchedulerConfig) DueCheckEvery() time.Duration {
	return durationOr(s.DueCheckInterval, time.Hour)
}
func (s SchedulerConfig) Warning() time.Duration {
	return durationOr(s.WarningWindow, 24*time.Hour)
}
func (s SchedulerConfig) Dedup() time.Duration {
	return durationOr(s.DedupMargin, time.Hour)
}
func (s SchedulerConfig) Timeout() time.Duration {
	return durationOr(s.JobTimeout, 2*time.Minute)
}
func (s SchedulerConfig) RecurrenceTime() string {
	if strings.TrimSpace(s.RecurrenceAt) == "" {
		return "00:00"
	}
	return strings.TrimSpace(s.RecurrenceAt)
}

func (q QueueConfig) DrainEvery() time.Duration {
	return durationOr(q.DrainInterval, 45*time.Second)
}
func (q QueueConfig) Base() time.Duration {
	return durationOr(q.BaseDelay, 30*time.Second)
}
func (q QueueConfig) Max() time.Duration {
	return durationOr(q.MaxDelay, 30*time.Minute)
}
func (q QueueConfig) Attempts() int {
	if q.MaxAttempts <= 0 {
		return 5
	}
	return q.MaxAttempts
}
func (q QueueConfig) InFlightStale() time.Duration {
	return durationOr(q.InFlightTimeout, 10*time.Minute)
}
func (q QueueConfig) PerSend() time.Duration {
	return durationOr(q.SendTimeout, 20*time.Second)
}
func (q QueueConfig) MeshRate() int {
	if q.MeshRatePerMin <= 0 {
		return 12
	}
	return q.MeshRatePerMin
}

func (d DBConfig) ResolvedPath() string {
	if strings.TrimSpace(d.Path) == "" {
		return "./meshward.db"
	}
	return d.Path
}
func (d DBConfig) Busy() time.Duration {
	return durationOr(d.BusyTimeout, 5*time.Second)
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate rejects configs that would fail at point of use. Called by the
// manager before commit/publish so a bad edit never reaches running services.
func (c *Config) Validate() error {
	fields := []struct{ path, raw string }{
		{"db.busy_timeout", c.DB.BusyTimeout},
		{"scheduler.snooze_check_interval", c.Scheduler.SnoozeCheckInterval},
		{"scheduler.due_check_interval", c.Scheduler.DueCheckInterval},
		{"scheduler.warning_window", c.Scheduler.WarningWindow},
		{"scheduler.dedup_margin", c.Scheduler.DedupMargin},
		{"scheduler.job_timeout", c.Scheduler.JobTimeout},
		{"queue.drain_interval", c.Queue.DrainInterval},
		{"queue.base_delay", c.Queue.BaseDelay},
		{"queue.max_delay", c.Queue.MaxDelay},
		{"queue.in_flight_timeout", c.Queue.InFlightTimeout},
		{"queue.send_timeout", c.Queue.SendTimeout},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if _, err := model.ParseClockTime(c.Scheduler.RecurrenceTime()); err != nil {
		return fmt.Errorf("scheduler.recurrence_at: %w", err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
