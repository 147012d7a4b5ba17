package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-widget/internal/booking"
	"github.com/wolfman30/clinic-booking-widget/internal/clock"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

type stubStatus struct {
	mu    sync.Mutex
	calls []string
	fn    func(id string) (*booking.Payload, error)
}

func (s *stubStatus) GetStatus(_ context.Context, id string) (*booking.Payload, error) {
	s.mu.Lock()
	s.calls = append(s.calls, id)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &booking.Payload{BookingID: id, Status: "pending"}, nil
	}
	return fn(id)
}

func (s *stubStatus) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubStatus) set(fn func(id string) (*booking.Payload, error)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

type harness struct {
	engine    *Engine
	clock     *clock.Manual
	status    *stubStatus
	turns     *transcript.MemoryStore
	snapshots []Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewManual(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)),
		status: &stubStatus{},
		turns:  transcript.NewMemoryStore(),
	}
	h.engine = NewEngine(h.status, h.turns, logging.Discard(),
		WithClock(h.clock),
		WithListener(func(s Snapshot) { h.snapshots = append(h.snapshots, s) }),
	)
	t.Cleanup(h.engine.Close)
	return h
}

func pendingTemp(id string) *booking.State {
	return &booking.State{
		Ref:            booking.ParseRef(id),
		Status:         booking.StatusPending,
		Date:           "2024-01-15",
		Time:           "10:00",
		SchedulingLink: "https://book.example.com/abc",
	}
}

func confirmedPayload(id string) *booking.Payload {
	return &booking.Payload{
		BookingID:        id,
		Status:           "confirmed",
		ConfirmationCode: "ABC123",
		AppointmentType:  "Botox Consultation",
	}
}

func TestSupersedeNilStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(nil)

	assert.Equal(t, PhaseNoBooking, h.engine.Phase())
	assert.False(t, h.engine.Polling())
	assert.Zero(t, h.clock.Pending())
}

func TestPendingBookingConfirmsOnce(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	require.Equal(t, PhasePending, h.engine.Phase())
	require.True(t, h.engine.Polling())

	wait, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"TEMP-1"}, h.status.Calls())
	assert.Equal(t, PhasePending, h.engine.Phase())
	assert.Zero(t, h.turns.Len())

	h.status.set(func(string) (*booking.Payload, error) { return confirmedPayload("BK-42"), nil })
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.False(t, h.engine.Polling())
	assert.Zero(t, h.clock.Pending())

	b := h.engine.Booking()
	require.NotNil(t, b)
	assert.Equal(t, "BK-42", b.Ref.ID)
	assert.False(t, b.Ref.Provisional)
	assert.Equal(t, "10:00", b.Time, "fields missing from the poll keep their known values")

	turns, err := h.turns.List(context.Background())
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, transcript.RoleAssistant, turns[0].Role)
	assert.Equal(t, transcript.SourceReconciler, turns[0].Source)
	assert.Contains(t, turns[0].Content, "Your appointment is confirmed!")
	assert.Contains(t, turns[0].Content, "ABC123")

	h.clock.Advance(time.Minute)
	assert.Len(t, h.status.Calls(), 2, "no polling after confirmation")
	assert.Equal(t, 1, h.turns.Len())

	assert.True(t, h.engine.Tracks("TEMP-1"))
	assert.True(t, h.engine.Tracks("BK-42"))
	assert.False(t, h.engine.Tracks("BK-43"))
}

func TestConfirmedStatusUnderProvisionalIDKeepsPolling(t *testing.T) {
	h := newHarness(t)
	h.status.set(func(id string) (*booking.Payload, error) { return confirmedPayload(id), nil })
	h.engine.Supersede(pendingTemp("TEMP-1"))

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, PhasePending, h.engine.Phase())
	assert.True(t, h.engine.Polling())
	assert.Zero(t, h.turns.Len())
}

func TestAwaitingExternalTightensCadence(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))

	h.engine.MarkAwaitingExternal()
	assert.True(t, h.engine.AwaitingExternal())
	wait, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, time.Second, wait)

	h.clock.Advance(time.Second)
	assert.Len(t, h.status.Calls(), 1)
	wait, _ = h.clock.NextDeadline()
	assert.Equal(t, 3*time.Second, wait)

	h.clock.Advance(3 * time.Second)
	assert.Len(t, h.status.Calls(), 2)
	assert.True(t, h.engine.AwaitingExternal(), "flag stays set while pending")

	h.status.set(func(string) (*booking.Payload, error) { return confirmedPayload("BK-7"), nil })
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.False(t, h.engine.AwaitingExternal())
}

func TestMarkAwaitingExternalWithoutBookingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.engine.MarkAwaitingExternal()
	assert.False(t, h.engine.AwaitingExternal())
	assert.Zero(t, h.clock.Pending())
}

func TestPollFailuresAreSwallowed(t *testing.T) {
	h := newHarness(t)
	h.status.set(func(string) (*booking.Payload, error) { return nil, errors.New("connection refused") })
	h.engine.Supersede(pendingTemp("TEMP-1"))

	h.clock.Advance(2 * time.Second)
	h.clock.Advance(5 * time.Second)
	h.clock.Advance(5 * time.Second)

	assert.Len(t, h.status.Calls(), 3)
	assert.Equal(t, PhasePending, h.engine.Phase())
	assert.True(t, h.engine.Polling())
	assert.Zero(t, h.turns.Len(), "failures never reach the transcript")

	h.status.set(func(string) (*booking.Payload, error) { return nil, nil })
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, PhasePending, h.engine.Phase())

	h.status.set(func(string) (*booking.Payload, error) { return confirmedPayload("BK-9"), nil })
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.Equal(t, 1, h.turns.Len())
}

func TestAwaitingPollFailureKeepsTightCadence(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.engine.MarkAwaitingExternal()
	h.status.set(func(string) (*booking.Payload, error) { return nil, errors.New("timeout") })

	h.clock.Advance(time.Second)
	require.Len(t, h.status.Calls(), 1)
	assert.Zero(t, h.turns.Len())
	assert.True(t, h.engine.AwaitingExternal())
	assert.Equal(t, PhasePending, h.engine.Phase())

	wait, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)
}

func TestUnrecognizedPollStatusKeepsPolling(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.status.set(func(string) (*booking.Payload, error) {
		return &booking.Payload{BookingID: "BK-42", Status: "processing"}, nil
	})

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, PhasePending, h.engine.Phase())
	assert.True(t, h.engine.Polling())
	assert.Equal(t, "BK-42", h.engine.Booking().Ref.ID)

	h.status.set(func(string) (*booking.Payload, error) { return confirmedPayload("BK-42"), nil })
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.Len(t, h.status.Calls(), 2)
	assert.Equal(t, 1, h.turns.Len())
}

func TestRefreshCannotReopenConfirmedBooking(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-99"))
	h.status.set(func(string) (*booking.Payload, error) { return confirmedPayload("BK-42"), nil })
	h.clock.Advance(2 * time.Second)
	require.Equal(t, PhaseConfirmed, h.engine.Phase())

	stale := *pendingTemp("TEMP-99")
	stale.AppointmentType = "Lip Filler"
	require.True(t, h.engine.Tracks("TEMP-99"))
	h.engine.Refresh(stale)

	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.False(t, h.engine.Polling())
	assert.Zero(t, h.clock.Pending())
	b := h.engine.Booking()
	require.NotNil(t, b)
	assert.Equal(t, "BK-42", b.Ref.ID)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, "ABC123", b.ConfirmationCode)
	assert.Equal(t, "Lip Filler", b.AppointmentType)

	h.clock.Advance(time.Minute)
	assert.Len(t, h.status.Calls(), 1)
	assert.Equal(t, 1, h.turns.Len())
}

// heldClock records callbacks without running them. Its timers report that
// they already fired, as when a callback is blocked waiting on the engine.
type heldClock struct {
	mu        sync.Mutex
	callbacks []func()
}

func (c *heldClock) Now() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }

func (c *heldClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, f)
	return firedTimer{}
}

func (c *heldClock) fire(i int) {
	c.mu.Lock()
	f := c.callbacks[i]
	c.mu.Unlock()
	f()
}

func (c *heldClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func TestRearmedTimerSupersedesFiredCallback(t *testing.T) {
	clk := &heldClock{}
	status := &stubStatus{}
	engine := NewEngine(status, transcript.NewMemoryStore(), logging.Discard(), WithClock(clk))
	t.Cleanup(engine.Close)

	engine.Supersede(pendingTemp("TEMP-1"))
	engine.MarkAwaitingExternal()
	require.Equal(t, 2, clk.armed())

	clk.fire(0)
	assert.Empty(t, status.Calls(), "callback replaced by the awaiting re-arm")

	clk.fire(1)
	assert.Len(t, status.Calls(), 1)
	require.Equal(t, 3, clk.armed())

	clk.fire(1)
	assert.Len(t, status.Calls(), 1, "each armed callback polls at most once")

	clk.fire(2)
	assert.Len(t, status.Calls(), 2)
	assert.Equal(t, 4, clk.armed())
}

func TestSupersedeStopsPreviousReference(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-A"))
	h.clock.Advance(2 * time.Second)

	h.engine.Supersede(pendingTemp("TEMP-B"))
	assert.Equal(t, 1, h.clock.Pending())
	assert.False(t, h.engine.Tracks("TEMP-A"))
	assert.True(t, h.engine.Tracks("TEMP-B"))

	h.clock.Advance(time.Minute)
	for _, id := range h.status.Calls()[1:] {
		assert.Equal(t, "TEMP-B", id)
	}
}

func TestStaleResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-A"))

	h.status.set(func(id string) (*booking.Payload, error) {
		if id == "TEMP-A" {
			// The patient starts over while this check is in flight.
			h.engine.Supersede(pendingTemp("TEMP-B"))
			return confirmedPayload("BK-A"), nil
		}
		return &booking.Payload{BookingID: id, Status: "pending"}, nil
	})
	h.clock.Advance(2 * time.Second)

	assert.Equal(t, PhasePending, h.engine.Phase())
	assert.Equal(t, "TEMP-B", h.engine.Booking().Ref.ID)
	assert.Zero(t, h.turns.Len())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestRefreshKeepsActiveRun(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.clock.Advance(time.Second)

	next := *pendingTemp("TEMP-1")
	next.Time = ""
	next.AppointmentType = "Filler"
	h.engine.Refresh(next)

	wait, _ := h.clock.NextDeadline()
	assert.Equal(t, time.Second, wait, "refresh does not restart the timer")
	assert.Equal(t, 1, h.clock.Pending())

	b := h.engine.Booking()
	assert.Equal(t, "Filler", b.AppointmentType)
	assert.Equal(t, "10:00", b.Time)
}

func TestRefreshToConfirmedStopsPolling(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("BK-1"))

	next := *pendingTemp("BK-1")
	next.Status = booking.StatusConfirmed
	h.engine.Refresh(next)

	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.turns.Len())
}

func TestSupersedeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.engine.Supersede(pendingTemp("TEMP-1"))

	assert.Equal(t, 1, h.clock.Pending())
	h.clock.Advance(2 * time.Second)
	assert.Len(t, h.status.Calls(), 1)
}

func TestConfirmedBookingNeverPolls(t *testing.T) {
	h := newHarness(t)
	s := pendingTemp("BK-5")
	s.Status = booking.StatusConfirmed
	h.engine.Supersede(s)

	assert.Equal(t, PhaseConfirmed, h.engine.Phase())
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.turns.Len())
}

func TestCancelledPollClosesQuietly(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("BK-3"))
	h.status.set(func(id string) (*booking.Payload, error) {
		return &booking.Payload{BookingID: id, Status: "canceled"}, nil
	})

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, PhaseClosed, h.engine.Phase())
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.turns.Len())
}

func TestPendingUpdateNotifies(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	before := len(h.snapshots)

	h.status.set(func(string) (*booking.Payload, error) {
		return &booking.Payload{BookingID: "TEMP-1", Status: "ready"}, nil
	})
	h.clock.Advance(2 * time.Second)
	require.Len(t, h.snapshots, before+1)
	assert.Equal(t, booking.StatusReady, h.snapshots[len(h.snapshots)-1].Booking.Status)

	h.clock.Advance(5 * time.Second)
	assert.Len(t, h.snapshots, before+1, "unchanged polls are silent")
}

func TestResetAndCloseCancelTimers(t *testing.T) {
	h := newHarness(t)
	h.engine.Supersede(pendingTemp("TEMP-1"))
	h.engine.MarkAwaitingExternal()

	h.engine.Reset()
	assert.Equal(t, PhaseNoBooking, h.engine.Phase())
	assert.Nil(t, h.engine.Booking())
	assert.False(t, h.engine.AwaitingExternal())
	assert.Zero(t, h.clock.Pending())

	h.engine.Supersede(pendingTemp("TEMP-2"))
	h.engine.Close()
	assert.Zero(t, h.clock.Pending())

	h.engine.Supersede(pendingTemp("TEMP-3"))
	assert.Zero(t, h.clock.Pending(), "closed engine ignores new bookings")
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.status.Calls())
}

func TestCadenceDefaults(t *testing.T) {
	c := Cadence{Interval: 7 * time.Second}.withDefaults()
	assert.Equal(t, 7*time.Second, c.Interval)
	assert.Equal(t, 2*time.Second, c.InitialDelay)
	assert.Equal(t, time.Second, c.AwaitingInitialDelay)
	assert.Equal(t, 3*time.Second, c.AwaitingInterval)
	assert.Equal(t, 10*time.Second, c.PollTimeout)
}
