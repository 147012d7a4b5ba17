package widget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-widget/internal/agent"
	"github.com/wolfman30/clinic-booking-widget/internal/booking"
	"github.com/wolfman30/clinic-booking-widget/internal/clock"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/internal/reconcile"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

type fakeBackend struct {
	mu     sync.Mutex
	reply  *agent.ChatResponse
	status func(id string) *booking.Payload
	polls  []string
}

func (b *fakeBackend) SendMessage(_ context.Context, _ agent.ChatRequest) (*agent.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reply, nil
}

func (b *fakeBackend) GetStatus(_ context.Context, id string) (*booking.Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls = append(b.polls, id)
	if b.status == nil {
		return &booking.Payload{BookingID: id, Status: "pending"}, nil
	}
	return b.status(id), nil
}

func (b *fakeBackend) setReply(r *agent.ChatResponse) {
	b.mu.Lock()
	b.reply = r
	b.mu.Unlock()
}

func (b *fakeBackend) setStatus(fn func(id string) *booking.Payload) {
	b.mu.Lock()
	b.status = fn
	b.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeBackend, *clock.Manual) {
	t.Helper()
	backend := &fakeBackend{reply: &agent.ChatResponse{Message: "Hello!"}}
	clk := clock.NewManual(time.Date(2024, 1, 14, 15, 0, 0, 0, time.UTC))
	s, err := NewSession(Deps{
		Agent:   backend,
		Status:  backend,
		Clock:   clk,
		Metrics: metrics.NewWidgetMetrics(prometheus.NewRegistry()),
		Logger:  logging.Discard(),
	}, Settings{Locale: "en-US"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, backend, clk
}

func TestNewSessionRequiresClients(t *testing.T) {
	_, err := NewSession(Deps{}, Settings{})
	assert.Error(t, err)
}

func TestSessionConversationToConfirmation(t *testing.T) {
	s, backend, clk := newTestSession(t)
	rec := &recorder{}
	s.OnChange(rec.record)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, "I need an appointment"))
	view, err := s.View(ctx)
	require.NoError(t, err)
	assert.Len(t, view.Turns, 2)
	assert.Nil(t, view.Booking)
	assert.Equal(t, 1, view.Shell.Unread, "assistant reply arrived while closed")

	backend.setReply(&agent.ChatResponse{
		Message:            "Finish booking here.",
		AppointmentDetails: &booking.Payload{BookingID: "TEMP-99", Status: "pending", SchedulingLink: "https://x"},
	})
	require.NoError(t, s.Submit(ctx, "book 10am"))
	require.NoError(t, s.NotifyExternalHandoffOpened())

	view, err = s.View(ctx)
	require.NoError(t, err)
	require.NotNil(t, view.Booking)
	assert.True(t, view.Booking.Pending)
	assert.True(t, view.AwaitingExternal)
	assert.Equal(t, "pending", view.Booking.Phase)

	backend.setStatus(func(string) *booking.Payload {
		return &booking.Payload{BookingID: "BK-42", Status: "confirmed", Date: "2024-01-15", Time: "10:00", ConfirmationCode: "ABC123"}
	})
	clk.Advance(time.Second)

	view, err = s.View(ctx)
	require.NoError(t, err)
	require.Len(t, view.Turns, 5)
	assert.Contains(t, view.Turns[4].Content, "ABC123")
	assert.Equal(t, transcript.SourceReconciler, view.Turns[4].Source)
	assert.False(t, view.Booking.Pending)
	assert.Equal(t, "confirmed", view.Booking.Phase)
	assert.False(t, view.AwaitingExternal)

	kinds := rec.kinds()
	assert.Contains(t, kinds, EventTurn)
	assert.Contains(t, kinds, EventSlots)
	assert.Contains(t, kinds, EventBooking)
	assert.Contains(t, kinds, EventShell)
}

func TestEffectivelyPendingAgreesAcrossConsumers(t *testing.T) {
	s, backend, clk := newTestSession(t)
	backend.setReply(&agent.ChatResponse{
		Message:            "Booked!",
		AppointmentDetails: &booking.Payload{BookingID: "TEMP-3", Status: "confirmed"},
	})
	backend.setStatus(func(id string) *booking.Payload {
		return &booking.Payload{BookingID: id, Status: "confirmed"}
	})
	require.NoError(t, s.Submit(context.Background(), "book"))
	clk.Advance(2 * time.Second)

	view, err := s.View(context.Background())
	require.NoError(t, err)
	require.NotNil(t, view.Booking)
	assert.True(t, view.Booking.Pending, "renderer")
	assert.Equal(t, string(reconcile.PhasePending), view.Booking.Phase, "engine")
	assert.Len(t, view.Turns, 2, "no confirmation for a provisional id")
	assert.Len(t, backend.polls, 1)
}

func TestSessionShellResetsUnread(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Submit(context.Background(), "hi"))

	v, err := s.Shell(ActionOpen)
	require.NoError(t, err)
	assert.Equal(t, ShellOpen, v.State)
	assert.Zero(t, v.Unread)

	require.NoError(t, s.Submit(context.Background(), "still there?"))
	view, err := s.View(context.Background())
	require.NoError(t, err)
	assert.Zero(t, view.Shell.Unread)

	_, err = s.Shell("bogus")
	assert.ErrorIs(t, err, ErrUnknownShellAction)
}

func TestSessionReset(t *testing.T) {
	s, backend, clk := newTestSession(t)
	backend.setReply(&agent.ChatResponse{
		Message:            "Link sent.",
		AppointmentDetails: &booking.Payload{BookingID: "TEMP-1", Status: "pending"},
	})
	require.NoError(t, s.Submit(context.Background(), "book"))
	require.Equal(t, 1, clk.Pending())

	require.NoError(t, s.Reset(context.Background()))
	view, err := s.View(context.Background())
	require.NoError(t, err)
	assert.Empty(t, view.Turns)
	assert.Empty(t, view.Slots)
	assert.Nil(t, view.Booking)
	assert.Zero(t, view.Shell.Unread)
	assert.Zero(t, clk.Pending())
}

func TestSessionCloseCancelsTimers(t *testing.T) {
	s, backend, clk := newTestSession(t)
	backend.setReply(&agent.ChatResponse{
		Message:            "Link sent.",
		AppointmentDetails: &booking.Payload{BookingID: "TEMP-1", Status: "pending"},
	})
	require.NoError(t, s.Submit(context.Background(), "book"))
	require.NoError(t, s.NotifyExternalHandoffOpened())

	s.Close()
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Empty(t, backend.polls)

	assert.ErrorIs(t, s.Submit(context.Background(), "hello"), ErrSessionClosed)
	assert.ErrorIs(t, s.NotifyExternalHandoffOpened(), ErrSessionClosed)
	assert.ErrorIs(t, s.Reset(context.Background()), ErrSessionClosed)
}
