package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"log": {"level": "debug", "console": true},
		"db": {"path": "/tmp/meshward-test.db"},
		"scheduler": {"due_check_interval": "30m", "warning_window": "48h"},
		"queue": {"max_attempts": 3, "base_delay": "10s"}
	}`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if got := cfg.Scheduler.DueCheckEvery(); got != 30*time.Minute {
		t.Errorf("due interval = %v", got)
	}
	if got := cfg.Scheduler.Warning(); got != 48*time.Hour {
		t.Errorf("warning window = %v", got)
	}
	if got := cfg.Queue.Attempts(); got != 3 {
		t.Errorf("attempts = %d", got)
	}
	if got := cfg.Queue.Base(); got != 10*time.Second {
		t.Errorf("base delay = %v", got)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log:
  level: info
db:
  path: /tmp/meshward-test.db
scheduler:
  timezone: America/Chicago
  recurrence_at: "04:30"
queue:
  mesh_rate_per_min: 6
channels:
  email:
    host: smtp.example.com
    port: 465
    from: meshward@example.com
`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Scheduler.Timezone != "America/Chicago" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Scheduler.RecurrenceTime() != "04:30" {
		t.Errorf("recurrence_at = %q", cfg.Scheduler.RecurrenceTime())
	}
	if cfg.Queue.MeshRate() != 6 {
		t.Errorf("mesh rate = %d", cfg.Queue.MeshRate())
	}
	if cfg.Channels.Email.Port != 465 {
		t.Errorf("email port = %d", cfg.Channels.Email.Port)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.json", `{"scheduler": {"snooze_interval": "5m"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-key rejection")
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := []struct{ name, body string }{
		{"bad duration", `{"queue": {"base_delay": "soon"}}`},
		{"negative duration", `{"queue": {"base_delay": "-5s"}}`},
		{"bad recurrence time", `{"scheduler": {"recurrence_at": "25:00"}}`},
		{"bad timezone", `{"scheduler": {"timezone": "Mars/Olympus"}}`},
		{"trailing data", `{} {}`},
	}
	for _, c := range cases {
		path := writeConfig(t, "config.json", c.body)
		if _, err := NewManager(path).Parse(); err == nil {
			t.Errorf("%s: expected parse error", c.name)
		}
	}
}

func TestDefaultsApply(t *testing.T) {
	var cfg Config
	if got := cfg.Scheduler.SnoozeCheckEvery(); got != 5*time.Minute {
		t.Errorf("snooze interval default = %v", got)
	}
	if got := cfg.Scheduler.DueCheckEvery(); got != time.Hour {
		t.Errorf("due interval default = %v", got)
	}
	if got := cfg.Scheduler.Warning(); got != 24*time.Hour {
		t.Errorf("warning default = %v", got)
	}
	if got := cfg.Scheduler.RecurrenceTime(); got != "00:00" {
		t.Errorf("recurrence_at default = %q", got)
	}
	if got := cfg.Queue.DrainEvery(); got != 45*time.Second {
		t.Errorf("drain default = %v", got)
	}
	if got := cfg.Queue.Max(); got != 30*time.Minute {
		t.Errorf("max delay default = %v", got)
	}
	if got := cfg.Queue.Attempts(); got != 5 {
		t.Errorf("attempts default = %d", got)
	}
	if got := cfg.Queue.InFlightStale(); got != 10*time.Minute {
		t.Errorf("in-flight timeout default = %v", got)
	}
	if got := cfg.DB.ResolvedPath(); got != "./meshward.db" {
		t.Errorf("db path default = %q", got)
	}
}

func TestCommitAndGet(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log": {"level": "warn"}}`)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Error("Get did not return committed config")
	}
}

func TestSubscribePublish(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Error("received wrong config")
		}
	default:
		t.Fatal("no config published")
	}

	// A full buffer drops the oldest update, never blocks.
	m.publish(&Config{})
	newest := &Config{}
	m.publish(newest)
	select {
	case got := <-ch:
		if got != newest {
			t.Error("expected newest config after drop-oldest")
		}
	default:
		t.Fatal("no config after overflow")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Errorf("empty = (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Errorf("90s = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Error("expected error for junk duration")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Errorf("default = (%v, %v)", d, err)
	}
}
