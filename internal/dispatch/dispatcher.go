// Package dispatch runs the chat request/response cycle of a widget session:
// one user utterance in, one assistant turn out, with slot suggestions and
// booking updates applied from the agent's reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/clinic-booking-widget/internal/agent"
	"github.com/wolfman30/clinic-booking-widget/internal/booking"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/internal/slots"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

var (
	// ErrEmptyMessage is returned for blank submissions; nothing is sent.
	ErrEmptyMessage = errors.New("dispatch: message is empty")
	// ErrDispatchInFlight is returned when a submission arrives while the
	// previous one is still waiting on the agent. The new message is dropped.
	ErrDispatchInFlight = errors.New("dispatch: a message is already being processed")
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeDropped = "dropped"
)

// emptyReplyText stands in for a successful agent reply with no message.
const emptyReplyText = "Sorry, I don't have an answer for that. Could you rephrase?"

// AgentClient sends one utterance to the scheduling assistant.
type AgentClient interface {
	SendMessage(ctx context.Context, req agent.ChatRequest) (*agent.ChatResponse, error)
}

// BookingTracker is the part of the reconciliation engine the dispatcher
// drives.
type BookingTracker interface {
	Supersede(next *booking.State)
	Refresh(next booking.State)
	Tracks(id string) bool
	Booking() *booking.State
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimezone sets the IANA timezone reported to the agent and used to
// resolve slot dates.
func WithTimezone(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.location = loc
		}
	}
}

// WithLocale sets the locale used for slot labels.
func WithLocale(locale string) Option {
	return func(d *Dispatcher) {
		if locale != "" {
			d.locale = locale
		}
	}
}

// WithDefaultDuration sets the slot length used when neither the reply nor
// the booking names one.
func WithDefaultDuration(minutes int) Option {
	return func(d *Dispatcher) {
		if minutes > 0 {
			d.defaultDuration = minutes
		}
	}
}

// WithMetrics records dispatch outcomes and latency.
func WithMetrics(m *metrics.WidgetMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSlotsListener is called after every replacement of the offered slots.
func WithSlotsListener(fn func([]slots.TimeSlot)) Option {
	return func(d *Dispatcher) { d.onSlots = fn }
}

// WithNow overrides the clock used to pick today's date for slots.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is single-flight: at most one agent call per session is
// outstanding at any time.
type Dispatcher struct {
	agent     AgentClient
	turns     transcript.Store
	tracker   BookingTracker
	logger    *logging.Logger
	metrics   *metrics.WidgetMetrics
	sessionID string

	location        *time.Location
	locale          string
	defaultDuration int
	now             func() time.Time
	onSlots         func([]slots.TimeSlot)

	inFlight atomic.Bool

	mu    sync.RWMutex
	slots []slots.TimeSlot
}

// NewDispatcher wires a dispatcher for one session.
func NewDispatcher(client AgentClient, turns transcript.Store, tracker BookingTracker, sessionID string, logger *logging.Logger, opts ...Option) *Dispatcher {
	if client == nil {
		panic("dispatch: agent client required")
	}
	if turns == nil {
		panic("dispatch: transcript required")
	}
	if tracker == nil {
		panic("dispatch: booking tracker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		agent:           client,
		turns:           turns,
		tracker:         tracker,
		logger:          logger.Component("dispatch").With("session_id", sessionID),
		sessionID:       sessionID,
		location:        time.UTC,
		locale:          "en-US",
		defaultDuration: slots.DefaultDurationMinutes,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit sends text to the agent and applies the reply. A failed agent call
// is reported in the transcript and Submit returns nil; the returned error is
// non-nil only for dropped submissions and transcript failures.
func (d *Dispatcher) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		d.metrics.ObserveDispatch(outcomeDropped)
		d.logger.Debug("submission dropped while dispatch in flight")
		return ErrDispatchInFlight
	}
	defer d.inFlight.Store(false)

	if _, err := d.turns.Append(ctx, transcript.Turn{
		Role:    transcript.RoleUser,
		Content: text,
		Source:  transcript.SourceUser,
	}); err != nil {
		return fmt.Errorf("dispatch: append user turn: %w", err)
	}

	started := time.Now()
	resp, err := d.agent.SendMessage(ctx, agent.ChatRequest{
		Message:   text,
		SessionID: d.sessionID,
		Timezone:  d.location.String(),
	})
	d.metrics.ObserveDispatchLatency(time.Since(started).Seconds())

	// Replies are recorded even if the caller gave up waiting.
	appendCtx := context.WithoutCancel(ctx)

	if err != nil {
		d.metrics.ObserveDispatch(outcomeFailure)
		d.logger.Warn("agent call failed", "error", err)
		if _, appendErr := d.turns.Append(appendCtx, transcript.Turn{
			Role:    transcript.RoleAssistant,
			Content: fmt.Sprintf("Sorry, I couldn't process your message: %s. Please try again.", err.Error()),
			Source:  transcript.SourceDispatchError,
		}); appendErr != nil {
			return fmt.Errorf("dispatch: append error turn: %w", appendErr)
		}
		return nil
	}

	content := resp.Message
	if strings.TrimSpace(content) == "" {
		d.logger.Warn("agent reply carried no message")
		content = emptyReplyText
	}
	if _, err := d.turns.Append(appendCtx, transcript.Turn{
		Role:    transcript.RoleAssistant,
		Content: content,
		Source:  transcript.SourceAgent,
	}); err != nil {
		return fmt.Errorf("dispatch: append assistant turn: %w", err)
	}

	d.replaceSlots(d.normalizeSlots(resp))
	d.applyBooking(resp.AppointmentDetails)
	d.metrics.ObserveDispatch(outcomeSuccess)
	return nil
}

// Busy reports whether a dispatch is in flight.
func (d *Dispatcher) Busy() bool { return d.inFlight.Load() }

// SessionID is the identifier sent with every agent call.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// Slots returns the currently offered slots.
func (d *Dispatcher) Slots() []slots.TimeSlot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]slots.TimeSlot(nil), d.slots...)
}

// ClearSlots drops the offered slots, used on session reset.
func (d *Dispatcher) ClearSlots() { d.replaceSlots(nil) }

func (d *Dispatcher) replaceSlots(next []slots.TimeSlot) {
	d.mu.Lock()
	d.slots = next
	d.mu.Unlock()
	if d.onSlots != nil {
		d.onSlots(append([]slots.TimeSlot(nil), next...))
	}
}

// applyBooking hands the reply's booking to the engine. A reply without
// appointment details leaves the current booking alone.
func (d *Dispatcher) applyBooking(p *booking.Payload) {
	if p == nil {
		return
	}
	next := p.State()
	switch {
	case next.Ref.IsZero() && d.tracker.Booking() == nil:
		d.logger.Warn("appointment details without booking reference ignored")
	case next.Ref.IsZero() || d.tracker.Tracks(next.Ref.ID):
		d.tracker.Refresh(next)
	default:
		d.logger.Info("new booking reference", "booking_id", next.Ref.ID, "pending", next.EffectivelyPending())
		d.tracker.Supersede(&next)
	}
}

func (d *Dispatcher) normalizeSlots(resp *agent.ChatResponse) []slots.TimeSlot {
	if len(resp.AvailableSlots) == 0 {
		return nil
	}
	var appt booking.State
	if resp.AppointmentDetails != nil {
		appt = resp.AppointmentDetails.State()
	}

	date := d.queryDate(resp.Date, appt.Date)
	duration := resp.DurationMinutes
	if duration <= 0 {
		duration = appt.DurationMinutes
	}
	if duration <= 0 {
		duration = d.defaultDuration
	}
	return slots.Normalize(date, resp.AvailableSlots, slots.Options{
		DurationMinutes: duration,
		Locale:          d.locale,
		Location:        d.location,
	})
}

// queryDate picks the date the availability refers to: the reply's own
// date, then the appointment's, then today in the session timezone.
func (d *Dispatcher) queryDate(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := time.ParseInLocation("2006-01-02", c, d.location); err == nil {
			return t
		}
		d.logger.Debug("ignoring unparseable slot date", "date", c)
	}
	now := d.now().In(d.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.location)
}
