package booking

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the booking object exchanged with the scheduling backend, both in
// chat responses (appointment_details) and in status query responses.
type Payload struct {
	BookingID        string `json:"booking_id,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	Status           string `json:"status,omitempty"`
	Date             string `json:"date,omitempty"`
	Time             string `json:"time,omitempty"`
	AppointmentType  string `json:"appointment_type,omitempty"`
	Duration         int    `json:"duration,omitempty"`
	SchedulingLink   string `json:"scheduling_link,omitempty"`
	CancelURL        string `json:"cancel_url,omitempty"`
	RescheduleURL    string `json:"reschedule_url,omitempty"`
	PatientName      string `json:"patient_name,omitempty"`
	PatientEmail     string `json:"patient_email,omitempty"`
	PatientPhone     string `json:"patient_phone,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// aliases maps alternate wire keys onto the canonical key. The backend emits
// "id" from its bookings API and "booking_id" from the chat agent.
var aliases = map[string]string{
	"id":               "booking_id",
	"start_time":       "time",
	"scheduling_url":   "scheduling_link",
	"duration_minutes": "duration",
	"name":             "patient_name",
	"email":            "patient_email",
	"phone":            "patient_phone",
}

// UnmarshalJSON decodes known keys (and their aliases) into typed fields and
// keeps everything else in Extra.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("booking: decode payload: %w", err)
	}

	*p = Payload{}
	known := map[string]*string{
		"booking_id":        &p.BookingID,
		"confirmation_code": &p.ConfirmationCode,
		"status":            &p.Status,
		"date":              &p.Date,
		"time":              &p.Time,
		"appointment_type":  &p.AppointmentType,
		"scheduling_link":   &p.SchedulingLink,
		"cancel_url":        &p.CancelURL,
		"reschedule_url":    &p.RescheduleURL,
		"patient_name":      &p.PatientName,
		"patient_email":     &p.PatientEmail,
		"patient_phone":     &p.PatientPhone,
	}

	// Canonical keys win over aliases, so resolve them first.
	resolved := make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		if _, isAlias := aliases[key]; !isAlias {
			resolved[key] = value
		}
	}
	for key, value := range raw {
		canonical, isAlias := aliases[key]
		if !isAlias {
			continue
		}
		if _, exists := resolved[canonical]; exists {
			continue
		}
		resolved[canonical] = value
	}

	for key, value := range resolved {
		if key == "duration" {
			p.Duration = decodeInt(value)
			continue
		}
		if target, ok := known[key]; ok {
			*target = decodeString(value)
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[key] = value
	}
	return nil
}

// MarshalJSON writes typed fields plus the Extra bucket.
func (p Payload) MarshalJSON() ([]byte, error) {
	type plain Payload
	base, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(p.Extra)+8)
	for k, v := range p.Extra {
		merged[k] = v
	}
	var typed map[string]json.RawMessage
	if err := json.Unmarshal(base, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// State converts the wire payload into the typed booking state.
func (p Payload) State() State {
	return State{
		Ref:              ParseRef(p.BookingID),
		ConfirmationCode: strings.TrimSpace(p.ConfirmationCode),
		Status:           ParseStatus(p.Status),
		Date:             strings.TrimSpace(p.Date),
		Time:             strings.TrimSpace(p.Time),
		AppointmentType:  strings.TrimSpace(p.AppointmentType),
		DurationMinutes:  p.Duration,
		SchedulingLink:   strings.TrimSpace(p.SchedulingLink),
		CancelURL:        strings.TrimSpace(p.CancelURL),
		RescheduleURL:    strings.TrimSpace(p.RescheduleURL),
		PatientName:      strings.TrimSpace(p.PatientName),
		PatientEmail:     strings.TrimSpace(p.PatientEmail),
		PatientPhone:     strings.TrimSpace(p.PatientPhone),
		Extra:            p.Extra,
	}
}

// decodeString accepts strings and numbers; anything else becomes "".
func decodeString(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeInt accepts numbers and numeric strings; anything else becomes 0.
func decodeInt(value json.RawMessage) int {
	var n float64
	if err := json.Unmarshal(value, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return 0
}
