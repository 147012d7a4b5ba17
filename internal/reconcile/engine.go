// Package reconcile tracks a booking the patient is completing on an external
// scheduling page. The widget has no callback from that page, so the engine
// polls the booking status until the provider confirms it, then announces the
// confirmation in the chat transcript exactly once.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-widget/internal/booking"
	"github.com/wolfman30/clinic-booking-widget/internal/clock"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// Phase is the engine's lifecycle state.
type Phase string

const (
	PhaseNoBooking Phase = "no_booking"
	PhasePending   Phase = "pending"
	PhaseConfirmed Phase = "confirmed"
	// PhaseClosed is reached when the provider reports the booking cancelled.
	PhaseClosed Phase = "closed"
)

// Poll outcomes, used as metric labels and log fields.
const (
	outcomeUnchanged = "unchanged"
	outcomeUpdated   = "updated"
	outcomeConfirmed = "confirmed"
	outcomeCancelled = "cancelled"
	outcomeAbsent    = "absent"
	outcomeFailed    = "failed"
)

// StatusQuerier looks up the current state of a booking. A booking the
// backend does not know is reported as (nil, nil).
type StatusQuerier interface {
	GetStatus(ctx context.Context, bookingID string) (*booking.Payload, error)
}

// TurnAppender receives the synthesized confirmation message.
type TurnAppender interface {
	Append(ctx context.Context, turn transcript.Turn) (transcript.Turn, error)
}

// Cadence holds the polling timings.
type Cadence struct {
	InitialDelay         time.Duration
	AwaitingInitialDelay time.Duration
	Interval             time.Duration
	AwaitingInterval     time.Duration
	PollTimeout          time.Duration
}

// DefaultCadence returns the stock polling timings.
func DefaultCadence() Cadence {
	return Cadence{
		InitialDelay:         2 * time.Second,
		AwaitingInitialDelay: time.Second,
		Interval:             5 * time.Second,
		AwaitingInterval:     3 * time.Second,
		PollTimeout:          10 * time.Second,
	}
}

func (c Cadence) withDefaults() Cadence {
	d := DefaultCadence()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.AwaitingInitialDelay <= 0 {
		c.AwaitingInitialDelay = d.AwaitingInitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.AwaitingInterval <= 0 {
		c.AwaitingInterval = d.AwaitingInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	return c
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Phase            Phase
	Booking          *booking.State
	AwaitingExternal bool
	Polling          bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithCadence overrides the polling timings; zero fields keep their defaults.
func WithCadence(c Cadence) Option {
	return func(e *Engine) { e.cadence = c.withDefaults() }
}

// WithMetrics records poll outcomes.
func WithMetrics(m *metrics.WidgetMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithListener is called, outside the engine lock, after every change to the
// tracked booking, phase or hand-off flag.
func WithListener(fn func(Snapshot)) Option {
	return func(e *Engine) { e.listener = fn }
}

// Engine reconciles one widget session's booking. It owns every timer it
// arms; all of them are cancelled on confirmation, supersession, reset and
// Close.
type Engine struct {
	status     StatusQuerier
	transcript TurnAppender
	clock      clock.Clock
	cadence    Cadence
	logger     *logging.Logger
	metrics    *metrics.WidgetMetrics
	tracer     trace.Tracer
	listener   func(Snapshot)

	mu       sync.Mutex
	phase    Phase
	current  *booking.State
	aliases  map[string]struct{}
	awaiting bool
	run      *pollRun
	runSeq   uint64
	closed   bool
}

// pollRun is one polling lifetime for one booking reference.
type pollRun struct {
	seq      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	timer    clock.Timer
	gen      uint64 // bumped by every armLocked; older callbacks are stale
	inFlight bool
}

// NewEngine creates an idle engine.
func NewEngine(status StatusQuerier, turns TurnAppender, logger *logging.Logger, opts ...Option) *Engine {
	if status == nil {
		panic("reconcile: status querier required")
	}
	if turns == nil {
		panic("reconcile: transcript required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		status:     status,
		transcript: turns,
		clock:      clock.Real{},
		cadence:    DefaultCadence(),
		logger:     logger.Component("reconcile"),
		tracer:     otel.Tracer("widget.internal.reconcile"),
		phase:      PhaseNoBooking,
		aliases:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supersede replaces the tracked booking with next (nil clears it). Polling
// for the previous reference is cancelled before anything else happens, so no
// poll for the old reference can run or be applied afterwards.
func (e *Engine) Supersede(next *booking.State) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopLocked("superseded")
	e.aliases = make(map[string]struct{})
	e.awaiting = false

	if next == nil {
		e.current = nil
		e.phase = PhaseNoBooking
	} else {
		s := next.Clone()
		e.current = &s
		e.addAliasLocked(s.Ref.ID)
		e.enterLocked()
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("booking tracked", "booking_id", bookingID(snap.Booking), "phase", snap.Phase)
	e.notify(snap)
}

// Refresh applies an updated payload for the booking already being tracked.
// Fields missing from next keep their known values. An active polling run is
// left as is; an idle engine starts polling if the booking is pending. A
// confirmed booking keeps its identity and status.
func (e *Engine) Refresh(next booking.State) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.current == nil {
		e.mu.Unlock()
		e.Supersede(&next)
		return
	}

	merged := next.Clone().WithFallback(*e.current)
	if merged.Ref.IsZero() {
		merged.Ref = e.current.Ref
	}
	if e.phase == PhaseConfirmed {
		merged.Ref = e.current.Ref
		merged.Status = e.current.Status
		merged.ConfirmationCode = e.current.ConfirmationCode
	}
	changed := !merged.Equal(*e.current)
	e.current = &merged
	e.addAliasLocked(merged.Ref.ID)

	wasPolling := e.run != nil
	e.enterLocked()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if changed || wasPolling != snap.Polling {
		e.logger.Debug("booking refreshed", "booking_id", merged.Ref.ID, "phase", snap.Phase)
		e.notify(snap)
	}
}

// Tracks reports whether id names the live booking, including identifiers
// it carried earlier (a provisional ID the provider has since replaced).
func (e *Engine) Tracks(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || id == "" {
		return false
	}
	_, ok := e.aliases[id]
	return ok
}

// MarkAwaitingExternal records that the patient opened the external
// scheduling page. It tightens the cadence and, when a check is merely
// waiting on its timer, re-arms it with the shorter initial delay.
func (e *Engine) MarkAwaitingExternal() {
	e.mu.Lock()
	if e.closed || e.phase != PhasePending {
		e.mu.Unlock()
		e.logger.Debug("hand-off opened without a pending booking")
		return
	}
	e.awaiting = true
	if r := e.run; r != nil && !r.inFlight && r.timer != nil {
		r.timer.Stop()
		e.armLocked(r, e.cadence.AwaitingInitialDelay)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("awaiting external completion", "booking_id", bookingID(snap.Booking))
	e.notify(snap)
}

// Reset returns the engine to NoBooking, cancelling every timer.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopLocked("reset")
	e.current = nil
	e.aliases = make(map[string]struct{})
	e.awaiting = false
	e.phase = PhaseNoBooking
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
}

// Close tears the engine down. Timers are cancelled and every later call is
// a no-op.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.stopLocked("closed")
	e.closed = true
}

// Snapshot returns the current view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Phase() Phase { return e.Snapshot().Phase }

// Booking returns a copy of the tracked booking, or nil.
func (e *Engine) Booking() *booking.State { return e.Snapshot().Booking }

func (e *Engine) AwaitingExternal() bool { return e.Snapshot().AwaitingExternal }

// Polling reports whether a polling run is active.
func (e *Engine) Polling() bool { return e.Snapshot().Polling }

// enterLocked derives the phase from the current booking and starts or stops
// polling to match.
func (e *Engine) enterLocked() {
	s := e.current
	switch {
	case s.Confirmed():
		e.stopLocked("confirmed")
		e.phase = PhaseConfirmed
		e.awaiting = false
	case s.Cancelled():
		e.stopLocked("cancelled")
		e.phase = PhaseClosed
	default:
		e.phase = PhasePending
		if e.run == nil {
			e.startLocked()
		}
	}
}

func (e *Engine) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	e.runSeq++
	r := &pollRun{seq: e.runSeq, ctx: ctx, cancel: cancel}
	e.run = r

	delay := e.cadence.InitialDelay
	if e.awaiting {
		delay = e.cadence.AwaitingInitialDelay
	}
	e.armLocked(r, delay)
	e.metrics.PollStarted()
	e.logger.Debug("polling started", "booking_id", e.current.Ref.ID, "run", r.seq, "initial_delay", delay.String())
}

func (e *Engine) stopLocked(reason string) {
	r := e.run
	if r == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
	e.run = nil
	e.metrics.PollStopped()
	e.logger.Debug("polling stopped", "run", r.seq, "reason", reason)
}

func (e *Engine) armLocked(r *pollRun, d time.Duration) {
	r.gen++
	gen := r.gen
	r.timer = e.clock.AfterFunc(d, func() { e.poll(r, gen) })
}

func (e *Engine) intervalLocked() time.Duration {
	if e.awaiting {
		return e.cadence.AwaitingInterval
	}
	return e.cadence.Interval
}

// poll runs one status check for run r, fired by the timer armed as gen. The
// status call happens outside the lock; its result is discarded if r is no
// longer the active run.
func (e *Engine) poll(r *pollRun, gen uint64) {
	e.mu.Lock()
	if e.run != r || r.gen != gen || r.inFlight || e.current == nil || e.phase != PhasePending {
		e.mu.Unlock()
		return
	}
	r.inFlight = true
	r.timer = nil
	id := e.current.Ref.ID
	awaiting := e.awaiting
	ctx, cancel := context.WithTimeout(r.ctx, e.cadence.PollTimeout)
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "reconcile.poll")
	span.SetAttributes(
		attribute.String("widget.booking_id", id),
		attribute.Bool("widget.awaiting_external", awaiting),
	)
	payload, err := e.status.GetStatus(ctx, id)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	cancel()

	e.mu.Lock()
	if e.run != r {
		e.mu.Unlock()
		e.logger.Debug("discarding poll result for cancelled run", "booking_id", id, "run", r.seq)
		return
	}
	r.inFlight = false

	outcome, confirmation, changed := e.applyLocked(r, payload, err)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.metrics.ObservePoll(outcome)
	switch outcome {
	case outcomeFailed:
		e.logger.Warn("booking status poll failed", "booking_id", id, "error", err)
	case outcomeConfirmed:
		e.metrics.ObserveConfirmation()
		e.logger.Info("booking confirmed", "booking_id", bookingID(snap.Booking), "previous_id", id)
	default:
		e.logger.Debug("booking status polled", "booking_id", id, "outcome", outcome, "awaiting_external", awaiting)
	}

	if confirmation != nil {
		if _, err := e.transcript.Append(context.Background(), *confirmation); err != nil {
			e.logger.Error("failed to append confirmation message", "error", err, "booking_id", bookingID(snap.Booking))
		}
	}
	if changed {
		e.notify(snap)
	}
}

// applyLocked folds one poll result into the engine state. It returns the
// outcome label, the confirmation turn to append (if any) and whether the
// snapshot changed.
func (e *Engine) applyLocked(r *pollRun, payload *booking.Payload, err error) (string, *transcript.Turn, bool) {
	if err != nil {
		e.armLocked(r, e.intervalLocked())
		return outcomeFailed, nil, false
	}
	if payload == nil {
		e.armLocked(r, e.intervalLocked())
		return outcomeAbsent, nil, false
	}

	prev := *e.current
	polled := payload.State().WithFallback(prev)
	if polled.Ref.IsZero() {
		polled.Ref = prev.Ref
	}

	switch {
	case polled.Confirmed():
		e.current = &polled
		e.addAliasLocked(polled.Ref.ID)
		e.phase = PhaseConfirmed
		e.awaiting = false
		e.stopLocked("confirmed")
		turn := transcript.Turn{
			Role:    transcript.RoleAssistant,
			Content: booking.FormatConfirmation(polled),
			Source:  transcript.SourceReconciler,
		}
		return outcomeConfirmed, &turn, true

	case polled.Cancelled():
		e.current = &polled
		e.addAliasLocked(polled.Ref.ID)
		e.phase = PhaseClosed
		e.stopLocked("cancelled")
		return outcomeCancelled, nil, true

	default:
		e.armLocked(r, e.intervalLocked())
		if polled.Equal(prev) {
			return outcomeUnchanged, nil, false
		}
		e.current = &polled
		e.addAliasLocked(polled.Ref.ID)
		return outcomeUpdated, nil, true
	}
}

func (e *Engine) addAliasLocked(id string) {
	if id != "" {
		e.aliases[id] = struct{}{}
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:            e.phase,
		AwaitingExternal: e.awaiting,
		Polling:          e.run != nil,
	}
	if e.current != nil {
		b := e.current.Clone()
		snap.Booking = &b
	}
	return snap
}

func (e *Engine) notify(snap Snapshot) {
	if e.listener != nil {
		e.listener(snap)
	}
}

func bookingID(s *booking.State) string {
	if s == nil {
		return ""
	}
	return s.Ref.ID
}
