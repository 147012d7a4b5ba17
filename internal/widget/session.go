// Package widget assembles one embedded chat widget instance: its transcript,
// dispatcher, booking reconciler and window shell, behind a read-only View for
// whatever renders it.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-widget/internal/clock"
	"github.com/wolfman30/clinic-booking-widget/internal/dispatch"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/internal/reconcile"
	"github.com/wolfman30/clinic-booking-widget/internal/slots"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("widget: session closed")

// EventKind names what changed.
type EventKind string

const (
	EventTurn    EventKind = "turn"
	EventSlots   EventKind = "slots"
	EventBooking EventKind = "booking"
	EventShell   EventKind = "shell"
)

// Event describes one change. Exactly one payload field is set, matching Kind;
// a booking event with a nil Booking means the booking was cleared.
type Event struct {
	Kind    EventKind
	Turn    *transcript.Turn
	Slots   []slots.TimeSlot
	Booking *BookingView
	Shell   *ShellView
}

// BookingView is the renderer's read-only view of the booking.
type BookingView struct {
	ID               string `json:"booking_id"`
	Status           string `json:"status"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	Date             string `json:"date,omitempty"`
	Time             string `json:"time,omitempty"`
	AppointmentType  string `json:"appointment_type,omitempty"`
	DurationMinutes  int    `json:"duration,omitempty"`
	SchedulingLink   string `json:"scheduling_link,omitempty"`
	CancelURL        string `json:"cancel_url,omitempty"`
	RescheduleURL    string `json:"reschedule_url,omitempty"`
	Pending          bool   `json:"pending"`
	Phase            string `json:"phase"`
	AwaitingExternal bool   `json:"awaiting_external"`
}

// View is a point-in-time snapshot of the session.
type View struct {
	SessionID        string            `json:"session_id"`
	Turns            []transcript.Turn `json:"turns"`
	Slots            []slots.TimeSlot  `json:"slots"`
	Booking          *BookingView      `json:"booking,omitempty"`
	Shell            ShellView         `json:"shell"`
	AwaitingExternal bool              `json:"awaiting_external"`
	Busy             bool              `json:"busy"`
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Agent   dispatch.AgentClient
	Status  reconcile.StatusQuerier
	Clock   clock.Clock
	Cadence reconcile.Cadence
	Metrics *metrics.WidgetMetrics
	Logger  *logging.Logger
	// NewTranscript builds the store for a session. Nil means in memory.
	NewTranscript func(sessionID string) transcript.Store
}

// Settings are per-session preferences reported by the embedding page.
type Settings struct {
	Location               *time.Location
	Locale                 string
	DefaultDurationMinutes int
}

// Session is one widget instance. It is safe for concurrent use; listeners
// may be invoked from timer goroutines.
type Session struct {
	id         string
	logger     *logging.Logger
	metrics    *metrics.WidgetMetrics
	turns      transcript.Store
	engine     *reconcile.Engine
	dispatcher *dispatch.Dispatcher
	shell      *Shell

	mu        sync.RWMutex
	listeners []func(Event)
	closed    bool
}

// NewSession creates a session with a fresh identifier.
func NewSession(deps Deps, settings Settings) (*Session, error) {
	if deps.Agent == nil || deps.Status == nil {
		return nil, errors.New("widget: agent and status clients required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	id := uuid.NewString()

	var store transcript.Store
	if deps.NewTranscript != nil {
		store = deps.NewTranscript(id)
	}
	if store == nil {
		store = transcript.NewMemoryStore()
	}

	s := &Session{
		id:      id,
		logger:  logger.Component("widget").With("session_id", id),
		metrics: deps.Metrics,
		shell:   NewShell(),
	}
	s.turns = &observedStore{Store: store, session: s}

	engineOpts := []reconcile.Option{
		reconcile.WithCadence(deps.Cadence),
		reconcile.WithMetrics(deps.Metrics),
		reconcile.WithListener(s.onEngineChange),
	}
	if deps.Clock != nil {
		engineOpts = append(engineOpts, reconcile.WithClock(deps.Clock))
	}
	s.engine = reconcile.NewEngine(deps.Status, s.turns, logger.With("session_id", id), engineOpts...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithTimezone(settings.Location),
		dispatch.WithLocale(settings.Locale),
		dispatch.WithDefaultDuration(settings.DefaultDurationMinutes),
		dispatch.WithMetrics(deps.Metrics),
		dispatch.WithSlotsListener(func(ts []slots.TimeSlot) {
			s.emit(Event{Kind: EventSlots, Slots: ts})
		}),
	}
	if deps.Clock != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithNow(deps.Clock.Now))
	}
	s.dispatcher = dispatch.NewDispatcher(deps.Agent, s.turns, s.engine, id, logger, dispatchOpts...)

	s.metrics.SessionOpened()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// OnChange registers a listener for session events.
func (s *Session) OnChange(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Submit sends one user utterance. See dispatch.Dispatcher.Submit.
func (s *Session) Submit(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.dispatcher.Submit(ctx, text)
}

// NotifyExternalHandoffOpened records that the patient opened the booking's
// scheduling link.
func (s *Session) NotifyExternalHandoffOpened() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.metrics.ObserveHandoffOpened()
	s.engine.MarkAwaitingExternal()
	return nil
}

// Shell applies a window gesture.
func (s *Session) Shell(action ShellAction) (ShellView, error) {
	if s.isClosed() {
		return ShellView{}, ErrSessionClosed
	}
	v, err := s.shell.Apply(action)
	if err != nil {
		return v, err
	}
	s.emit(Event{Kind: EventShell, Shell: &v})
	return v, nil
}

// Reset starts the conversation over: the booking, its polling, the offered
// slots and the transcript are cleared.
func (s *Session) Reset(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.engine.Reset()
	s.dispatcher.ClearSlots()
	if err := s.turns.Clear(ctx); err != nil {
		return fmt.Errorf("widget: clear transcript: %w", err)
	}
	s.shell.ClearUnread()
	v := s.shell.View()
	s.emit(Event{Kind: EventShell, Shell: &v})
	s.logger.Info("session reset")
	return nil
}

// Close tears the session down, cancels all of its timers and drops the
// transcript.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()

	s.engine.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.turns.Clear(ctx); err != nil {
		s.logger.Warn("failed to drop transcript", "error", err)
	}
	s.metrics.SessionClosed()
	s.logger.Info("session closed")
}

// View returns the current snapshot.
func (s *Session) View(ctx context.Context) (View, error) {
	turns, err := s.turns.List(ctx)
	if err != nil {
		return View{}, fmt.Errorf("widget: list transcript: %w", err)
	}
	snap := s.engine.Snapshot()
	return View{
		SessionID:        s.id,
		Turns:            turns,
		Slots:            s.dispatcher.Slots(),
		Booking:          newBookingView(snap),
		Shell:            s.shell.View(),
		AwaitingExternal: snap.AwaitingExternal,
		Busy:             s.dispatcher.Busy(),
	}, nil
}

func (s *Session) onEngineChange(snap reconcile.Snapshot) {
	s.emit(Event{Kind: EventBooking, Booking: newBookingView(snap)})
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) emit(ev Event) {
	s.mu.RLock()
	listeners := append(([]func(Event))(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func newBookingView(snap reconcile.Snapshot) *BookingView {
	b := snap.Booking
	if b == nil {
		return nil
	}
	return &BookingView{
		ID:               b.Ref.ID,
		Status:           string(b.Status),
		ConfirmationCode: b.ConfirmationCode,
		Date:             b.Date,
		Time:             b.Time,
		AppointmentType:  b.AppointmentType,
		DurationMinutes:  b.DurationMinutes,
		SchedulingLink:   b.SchedulingLink,
		CancelURL:        b.CancelURL,
		RescheduleURL:    b.RescheduleURL,
		Pending:          b.EffectivelyPending(),
		Phase:            string(snap.Phase),
		AwaitingExternal: snap.AwaitingExternal,
	}
}

// observedStore publishes every appended turn to the session's listeners and
// counts assistant turns against the shell's unread badge.
type observedStore struct {
	transcript.Store
	session *Session
}

func (o *observedStore) Append(ctx context.Context, turn transcript.Turn) (transcript.Turn, error) {
	stored, err := o.Store.Append(ctx, turn)
	if err != nil {
		return stored, err
	}
	o.session.emit(Event{Kind: EventTurn, Turn: &stored})
	if stored.Role == transcript.RoleAssistant && o.session.shell.NoteAssistantTurn() {
		v := o.session.shell.View()
		o.session.emit(Event{Kind: EventShell, Shell: &v})
	}
	return stored, nil
}
