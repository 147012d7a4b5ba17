package booking

import (
	"fmt"
	"strings"
	"time"
)

// FormatConfirmation builds the assistant message announcing a confirmed
// booking. Missing fields are left out rather than rendered blank.
func FormatConfirmation(s State) string {
	var b strings.Builder
	b.WriteString("Your appointment is confirmed! 🎉")

	var details []string
	if s.AppointmentType != "" {
		details = append(details, fmt.Sprintf("📋 %s", s.AppointmentType))
	}
	if when := describeWhen(s.Date, s.Time); when != "" {
		details = append(details, fmt.Sprintf("📅 %s", when))
	}
	if s.ConfirmationCode != "" {
		details = append(details, fmt.Sprintf("🔖 Confirmation code: %s", s.ConfirmationCode))
	}
	if len(details) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(details, "\n"))
	}
	if s.CancelURL != "" || s.RescheduleURL != "" {
		b.WriteString("\n\nNeed to make a change?")
		if s.RescheduleURL != "" {
			b.WriteString(" Reschedule: " + s.RescheduleURL)
		}
		if s.CancelURL != "" {
			b.WriteString(" Cancel: " + s.CancelURL)
		}
	}
	return b.String()
}

func describeWhen(date, clock string) string {
	dateLabel := date
	if d, err := time.Parse("2006-01-02", date); err == nil {
		dateLabel = d.Format("Monday, January 2, 2006")
	}
	switch {
	case dateLabel != "" && clock != "":
		return dateLabel + " at " + clock
	case dateLabel != "":
		return dateLabel
	default:
		return clock
	}
}
