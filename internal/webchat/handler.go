// Package webchat serves the booking widget over WebSocket. Every connection
// hosts one widget session; the session lives exactly as long as the socket.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/wolfman30/clinic-booking-widget/internal/dispatch"
	"github.com/wolfman30/clinic-booking-widget/internal/slots"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/internal/widget"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// SessionFactory creates a widget session for a new connection.
type SessionFactory func(settings widget.Settings) (*widget.Session, error)

// Options configure the handler.
type Options struct {
	Location               *time.Location
	Locale                 string
	DefaultDurationMinutes int
	SubmitRatePerSecond    float64
	SubmitBurst            int
}

// Handler manages widget connections.
type Handler struct {
	newSession SessionFactory
	logger     *logging.Logger
	opts       Options

	mu       sync.RWMutex
	sessions map[string]*wsConn // session ID -> active connection
}

type wsConn struct {
	conn    *websocket.Conn
	session *widget.Session
	limiter *rate.Limiter

	sendMu sync.Mutex
}

// InboundMessage is what the widget sends.
type InboundMessage struct {
	Type   string `json:"type"` // "message", "ping", "handoff_opened", "shell", "reset"
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
}

// OutboundMessage is what we send to the widget.
type OutboundMessage struct {
	Type      string              `json:"type"` // "session", "turn", "slots", "booking", "shell", "pong", "error"
	SessionID string              `json:"session_id,omitempty"`
	Text      string              `json:"text,omitempty"`
	View      *widget.View        `json:"view,omitempty"`
	Turn      *transcript.Turn    `json:"turn,omitempty"`
	Slots     []slots.TimeSlot    `json:"slots,omitempty"`
	Booking   *widget.BookingView `json:"booking,omitempty"`
	Shell     *widget.ShellView   `json:"shell,omitempty"`
}

// NewHandler creates a widget handler.
func NewHandler(factory SessionFactory, opts Options, logger *logging.Logger) *Handler {
	if factory == nil {
		panic("webchat: session factory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SubmitRatePerSecond <= 0 {
		opts.SubmitRatePerSecond = 1
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 3
	}
	return &Handler{
		newSession: factory,
		logger:     logger.Component("webchat"),
		opts:       opts,
		sessions:   make(map[string]*wsConn),
	}
}

// HandleWebSocket upgrades to WebSocket and runs one widget session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	settings := h.settingsFor(r)
	session, err := h.newSession(settings)
	if err != nil {
		h.logger.Error("webchat: failed to create session", "error", err)
		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "error", Text: "Chat is unavailable right now. Please try again later."})
		return
	}

	wsc := &wsConn{
		conn:    conn,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(h.opts.SubmitRatePerSecond), h.opts.SubmitBurst),
	}
	id := session.ID()

	h.mu.Lock()
	h.sessions[id] = wsc
	h.mu.Unlock()

	var inflight sync.WaitGroup
	defer func() {
		h.mu.Lock()
		if h.sessions[id] == wsc {
			delete(h.sessions, id)
		}
		h.mu.Unlock()
		cancel()
		inflight.Wait()
		session.Close()
	}()

	session.OnChange(func(ev widget.Event) { wsc.send(outboundFor(ev)) })

	view, err := session.View(ctx)
	if err != nil {
		h.logger.Warn("webchat: failed to load initial view", "error", err, "session_id", id)
	}
	wsc.send(OutboundMessage{Type: "session", SessionID: id, View: &view})

	h.logger.Info("webchat: connection opened", "session_id", id, "timezone", settings.Location.String(), "locale", settings.Locale)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "session_id", id, "error", err)
			return
		}

		switch msg.Type {
		case "ping":
			wsc.send(OutboundMessage{Type: "pong"})
		case "message":
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			if !wsc.limiter.Allow() {
				wsc.send(OutboundMessage{Type: "error", Text: "You're sending messages too quickly. Please wait a moment."})
				continue
			}
			inflight.Add(1)
			go func(text string) {
				defer inflight.Done()
				h.submit(ctx, wsc, text)
			}(msg.Text)
		case "handoff_opened":
			if err := session.NotifyExternalHandoffOpened(); err != nil {
				h.logger.Debug("webchat: hand-off notice ignored", "session_id", id, "error", err)
			}
		case "shell":
			if _, err := session.Shell(widget.ShellAction(msg.Action)); err != nil {
				wsc.send(OutboundMessage{Type: "error", Text: "unknown shell action"})
			}
		case "reset":
			if err := session.Reset(ctx); err != nil {
				h.logger.Error("webchat: reset failed", "session_id", id, "error", err)
				wsc.send(OutboundMessage{Type: "error", Text: "Sorry, something went wrong. Please try again."})
			}
		default:
			wsc.send(OutboundMessage{Type: "error", Text: "unsupported message type"})
		}
	}
}

func (h *Handler) submit(ctx context.Context, wsc *wsConn, text string) {
	err := wsc.session.Submit(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrDispatchInFlight):
		wsc.send(OutboundMessage{Type: "error", Text: "Please wait for a reply before sending another message."})
	case errors.Is(err, dispatch.ErrEmptyMessage), errors.Is(err, widget.ErrSessionClosed):
	default:
		h.logger.Error("webchat: submit failed", "session_id", wsc.session.ID(), "error", err)
		wsc.send(OutboundMessage{Type: "error", Text: "Sorry, something went wrong. Please try again."})
	}
}

// settingsFor reads the caller's timezone and locale from the query string,
// falling back to the configured defaults.
func (h *Handler) settingsFor(r *http.Request) widget.Settings {
	settings := widget.Settings{
		Location:               h.opts.Location,
		Locale:                 h.opts.Locale,
		DefaultDurationMinutes: h.opts.DefaultDurationMinutes,
	}
	if tz := strings.TrimSpace(r.URL.Query().Get("tz")); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			settings.Location = loc
		} else {
			h.logger.Debug("webchat: unknown timezone", "tz", tz)
		}
	}
	if locale := strings.TrimSpace(r.URL.Query().Get("locale")); locale != "" {
		settings.Locale = locale
	}
	return settings
}

func (c *wsConn) send(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = websocket.JSON.Send(c.conn, msg)
}

func outboundFor(ev widget.Event) OutboundMessage {
	switch ev.Kind {
	case widget.EventTurn:
		return OutboundMessage{Type: "turn", Turn: ev.Turn}
	case widget.EventSlots:
		return OutboundMessage{Type: "slots", Slots: ev.Slots}
	case widget.EventBooking:
		return OutboundMessage{Type: "booking", Booking: ev.Booking}
	default:
		return OutboundMessage{Type: "shell", Shell: ev.Shell}
	}
}

// HandleView returns the current view of a live session.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.RLock()
	wsc, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	view, err := wsc.session.View(r.Context())
	if err != nil {
		h.logger.Error("webchat: failed to load view", "error", err, "session_id", id)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// ActiveSessions returns the number of open connections.
func (h *Handler) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
