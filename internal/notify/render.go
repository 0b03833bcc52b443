package notify

import (
	"fmt"
	"time"

	"meshward/internal/model"
	"meshward/internal/transport"
)

// Render produces the channel-neutral payload for one alert event. Adapters
// reshape it per channel; the text itself is the same everywhere so the
// operator reads one story regardless of where it lands.
func Render(ev model.AlertEvent, now time.Time) transport.Payload {
	body := priorityPrefix(ev.Priority) + ev.Message
	if ev.DueAt != nil {
		due := ev.DueAt.UTC()
		if due.Before(now) {
			body += fmt.Sprintf(" (OVERDUE since %s)", due.Format("Jan 2 15:04"))
		} else {
			body += fmt.Sprintf(" (due %s)", due.Format("Jan 2 15:04"))
		}
	}
	return transport.Payload{
		Subject: subjectFor(ev),
		Body:    body,
	}
}

func subjectFor(ev model.AlertEvent) string {
	if ev.DueAt != nil {
		return priorityPrefix(ev.Priority) + "Maintenance reminder"
	}
	return priorityPrefix(ev.Priority) + "Homestead alert"
}

func priorityPrefix(p model.Priority) string {
	switch p {
	case model.PriorityCritical:
		return "[CRITICAL] "
	case model.PriorityHigh:
		return "[HIGH] "
	case model.PriorityMedium:
		return "[MEDIUM] "
	default:
		return ""
	}
}
