package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelMesh    Channel = "mesh"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelMesh, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// ClockTime is a local time of day (minutes since midnight), parsed from "HH:MM".
type ClockTime int

func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// NotificationPreference is a per-channel delivery rule owned by the operator.
//
// Config is a channel-tagged bag of settings interpreted only by the matching
// transport adapter (e.g. email address, webhook URL + format, mesh node).
// It is validated once at save time, not on every send.
type NotificationPreference struct {
	ID          string   `db:"id"`
	Channel     Channel  `db:"channel"`
	Enabled     bool     `db:"enabled"`
	MinPriority Priority `db:"min_priority"`

	// Categories is an allow-list; empty means match all categories.
	Categories []string `db:"-"`

	// QuietHoursStart/End delimit a local [start, end) suppression window.
	// Both nil means no quiet hours. End < Start wraps midnight.
	QuietHoursStart *ClockTime `db:"-"`
	QuietHoursEnd   *ClockTime `db:"-"`

	Config map[string]string `db:"-"`
}

// Destination returns the adapter-facing destination string for this
// preference, drawn from its channel config.
func (p NotificationPreference) Destination() string {
	switch p.Channel {
	case ChannelEmail:
		return p.Config["email"]
	case ChannelWebhook:
		return p.Config["webhook_url"]
	case ChannelMesh:
		// Empty destination broadcasts on the bridge's primary channel.
		return p.Config["node"]
	}
	return ""
}

// Validate checks the invariants enforced at preference-save time.
func (p NotificationPreference) Validate() error {
	if !p.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", p.Channel)
	}
	if !p.MinPriority.Valid() {
		return fmt.Errorf("unknown min_priority %q", p.MinPriority)
	}
	if (p.QuietHoursStart == nil) != (p.QuietHoursEnd == nil) {
		return fmt.Errorf("quiet hours require both start and end")
	}
	switch p.Channel {
	case ChannelEmail:
		if strings.TrimSpace(p.Config["email"]) == "" {
			return fmt.Errorf("email preference requires config key %q", "email")
		}
	case ChannelWebhook:
		if strings.TrimSpace(p.Config["webhook_url"]) == "" {
			return fmt.Errorf("webhook preference requires config key %q", "webhook_url")
		}
	}
	return nil
}
