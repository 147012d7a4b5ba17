// Package slots turns the loosely formatted availability the agent returns
// into canonical, display-ready time slots.
package slots

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultDurationMinutes is used when the response carries no duration.
const DefaultDurationMinutes = 30

// sentinelHour is used when a time token contains no numeral at all.
const sentinelHour = 0

var (
	canonicalTime = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	firstNumeral  = regexp.MustCompile(`\d{1,2}`)
)

// Raw is one slot as the agent sends it.
type Raw struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	RawTime   string `json:"raw_time,omitempty"`
	Date      string `json:"date,omitempty"`
	StartISO  string `json:"start_datetime_iso,omitempty"`
	// Available is nil when the backend omitted the flag; that counts as
	// available.
	Available *bool `json:"available,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var rawKeys = []string{"start_time", "end_time", "raw_time", "date", "start_datetime_iso", "available"}

// UnmarshalJSON decodes the known slot keys and keeps the rest in Extra.
func (r *Raw) UnmarshalJSON(data []byte) error {
	type plain Raw
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("slots: decode slot: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("slots: decode slot: %w", err)
	}
	for _, key := range rawKeys {
		delete(all, key)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*r = Raw(p)
	return nil
}

// IsAvailable applies the missing-flag default.
func (r Raw) IsAvailable() bool {
	return r.Available == nil || *r.Available
}

// token is the time string parsed for the slot.
func (r Raw) token() string {
	if t := strings.TrimSpace(r.RawTime); t != "" {
		return t
	}
	return strings.TrimSpace(r.StartTime)
}

// TimeSlot is a normalized slot ready for selection and display.
type TimeSlot struct {
	Date       string `json:"date"`      // YYYY-MM-DD
	FullDate   string `json:"full_date"` // e.g. "Monday, January 15, 2024"
	StartLabel string `json:"start_label"`
	EndLabel   string `json:"end_label"`
	Time       string `json:"time"` // canonical HH:MM, 24-hour
	Label      string `json:"label"`
	Available  bool   `json:"available"`
}

// Options control normalization.
type Options struct {
	DurationMinutes int
	Locale          string
	Location        *time.Location
}

// Normalize converts raw slots for date into TimeSlots. Unavailable slots are
// dropped; the remaining slots keep their input order.
func Normalize(date time.Time, raw []Raw, opts Options) []TimeSlot {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	duration := opts.DurationMinutes
	if duration <= 0 {
		duration = DefaultDurationMinutes
	}
	format := formatFor(opts.Locale)

	out := make([]TimeSlot, 0, len(raw))
	for _, r := range raw {
		if !r.IsAvailable() {
			continue
		}
		day, fromISO := slotDate(r, date, loc)
		var hour, minute int
		if token := r.token(); token == "" && fromISO {
			hour, minute = day.Hour(), day.Minute()
		} else {
			hour, minute = ParseClock(token)
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		end := start.Add(time.Duration(duration) * time.Minute)

		slot := TimeSlot{
			Date:       start.Format("2006-01-02"),
			FullDate:   start.Format(format.fullDate),
			StartLabel: start.Format(format.clock),
			EndLabel:   end.Format(format.clock),
			Time:       fmt.Sprintf("%02d:%02d", hour, minute),
			Available:  true,
		}
		slot.Label = fmt.Sprintf("%s, %s – %s", start.Format(format.shortDate), slot.StartLabel, slot.EndLabel)
		out = append(out, slot)
	}
	return out
}

// ParseClock reads a canonical HH:MM token, or falls back to the first one or
// two digit numeral as the hour with minute 0. Hours past 23 wrap to the
// sentinel hour.
func ParseClock(token string) (hour, minute int) {
	token = strings.TrimSpace(token)
	if m := canonicalTime.FindStringSubmatch(token); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return hour, minute
	}
	if n := firstNumeral.FindString(token); n != "" {
		hour, _ = strconv.Atoi(n)
		if hour > 23 {
			hour = sentinelHour
		}
		return hour, 0
	}
	return sentinelHour, 0
}

// slotDate prefers a date carried on the slot itself over the query date. The
// second result reports whether the date came from a full ISO timestamp.
func slotDate(r Raw, fallback time.Time, loc *time.Location) (time.Time, bool) {
	if iso := strings.TrimSpace(r.StartISO); iso != "" {
		if t, err := time.Parse(time.RFC3339, iso); err == nil {
			return t.In(loc), true
		}
	}
	if d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(r.Date), loc); err == nil {
		return d, false
	}
	return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, loc), false
}

type localeFormat struct {
	clock     string
	fullDate  string
	shortDate string
}

// formatFor picks display layouts for a BCP 47 locale tag. Only the clock
// convention and day/month order differ; month and weekday names are English.
func formatFor(locale string) localeFormat {
	tag := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	switch {
	case tag == "" || tag == "en" || tag == "en-us" || tag == "en-ca" || tag == "en-ph":
		return localeFormat{clock: "3:04 PM", fullDate: "Monday, January 2, 2006", shortDate: "Mon, Jan 2"}
	case strings.HasPrefix(tag, "en-"):
		return localeFormat{clock: "15:04", fullDate: "Monday 2 January 2006", shortDate: "Mon 2 Jan"}
	default:
		return localeFormat{clock: "15:04", fullDate: "Monday, 2 January 2006", shortDate: "Mon 2 Jan"}
	}
}
