// Package booking models the widget's view of a single appointment booking:
// its identity, schedule, external hand-off links and lifecycle status.
package booking

import (
	"encoding/json"
	"strings"
)

// ProvisionalPrefix marks a booking_id the scheduling backend issued before
// the patient finished booking on the external page.
const ProvisionalPrefix = "TEMP-"

// Status is the lifecycle status reported for a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus normalizes a wire status. Missing or unrecognized values map to
// StatusPending so the booking keeps being checked.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ready":
		return StatusReady
	case "confirmed":
		return StatusConfirmed
	case "cancelled", "canceled", "no_show", "no-show":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Ref identifies a booking. Provisional is derived from the wire ID once, at
// the payload boundary, so nothing downstream inspects string prefixes.
type Ref struct {
	ID          string
	Provisional bool
}

// ParseRef builds a Ref from a raw booking_id.
func ParseRef(raw string) Ref {
	id := strings.TrimSpace(raw)
	return Ref{ID: id, Provisional: strings.HasPrefix(id, ProvisionalPrefix)}
}

// IsZero reports whether the ref carries no identifier.
func (r Ref) IsZero() bool { return r.ID == "" }

// State is the widget's booking state.
type State struct {
	Ref              Ref
	ConfirmationCode string
	Status           Status

	Date            string
	Time            string
	AppointmentType string
	DurationMinutes int

	SchedulingLink string
	CancelURL      string
	RescheduleURL  string

	PatientName  string
	PatientEmail string
	PatientPhone string

	// Extra holds payload keys this package does not recognize.
	Extra map[string]json.RawMessage
}

// EffectivelyPending is the only pending classification in the widget: the
// status says pending/ready, or the identifier is still provisional.
func (s State) EffectivelyPending() bool {
	return s.Status == StatusPending || s.Status == StatusReady || s.Ref.Provisional
}

// Confirmed reports a booking the provider has finalized under a real ID.
func (s State) Confirmed() bool {
	return s.Status == StatusConfirmed && !s.Ref.Provisional
}

// Cancelled reports a booking the provider has cancelled under a real ID.
func (s State) Cancelled() bool {
	return s.Status == StatusCancelled && !s.Ref.Provisional
}

// WithFallback fills fields missing from s with the values known in prev.
// Identity and status are never taken from prev.
func (s State) WithFallback(prev State) State {
	if s.ConfirmationCode == "" {
		s.ConfirmationCode = prev.ConfirmationCode
	}
	if s.Date == "" {
		s.Date = prev.Date
	}
	if s.Time == "" {
		s.Time = prev.Time
	}
	if s.AppointmentType == "" {
		s.AppointmentType = prev.AppointmentType
	}
	if s.DurationMinutes <= 0 {
		s.DurationMinutes = prev.DurationMinutes
	}
	if s.SchedulingLink == "" {
		s.SchedulingLink = prev.SchedulingLink
	}
	if s.CancelURL == "" {
		s.CancelURL = prev.CancelURL
	}
	if s.RescheduleURL == "" {
		s.RescheduleURL = prev.RescheduleURL
	}
	if s.PatientName == "" {
		s.PatientName = prev.PatientName
	}
	if s.PatientEmail == "" {
		s.PatientEmail = prev.PatientEmail
	}
	if s.PatientPhone == "" {
		s.PatientPhone = prev.PatientPhone
	}
	if len(s.Extra) == 0 {
		s.Extra = prev.Extra
	}
	return s
}

// Equal compares the typed fields of two states. Extra is ignored: unknown
// keys never count as a material change.
func (s State) Equal(other State) bool {
	a, b := s, other
	a.Extra, b.Extra = nil, nil
	return a.Ref == b.Ref &&
		a.ConfirmationCode == b.ConfirmationCode &&
		a.Status == b.Status &&
		a.Date == b.Date &&
		a.Time == b.Time &&
		a.AppointmentType == b.AppointmentType &&
		a.DurationMinutes == b.DurationMinutes &&
		a.SchedulingLink == b.SchedulingLink &&
		a.CancelURL == b.CancelURL &&
		a.RescheduleURL == b.RescheduleURL &&
		a.PatientName == b.PatientName &&
		a.PatientEmail == b.PatientEmail &&
		a.PatientPhone == b.PatientPhone
}

// Clone returns a deep copy so callers can hand the state out without
// sharing the Extra map.
func (s State) Clone() State {
	if s.Extra != nil {
		extra := make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			extra[k] = append(json.RawMessage(nil), v...)
		}
		s.Extra = extra
	}
	return s
}
