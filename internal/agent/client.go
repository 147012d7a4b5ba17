// Package agent is an HTTP client for the scheduling assistant backend: the
// chat endpoint that produces assistant replies and the booking status
// endpoint the reconciler polls.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-widget/internal/booking"
	"github.com/wolfman30/clinic-booking-widget/internal/slots"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// ChatRequest is the body sent for one user utterance.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Timezone  string `json:"timezone,omitempty"`
}

// ChatResponse is the assistant's reply to one utterance.
type ChatResponse struct {
	Message            string           `json:"message"`
	Context            string           `json:"context,omitempty"`
	Suggestions        []string         `json:"suggestions,omitempty"`
	AppointmentDetails *booking.Payload `json:"appointment_details,omitempty"`
	AvailableSlots     []slots.Raw      `json:"available_slots,omitempty"`
	// Date and DurationMinutes describe the availability query behind
	// AvailableSlots when the backend reports them.
	Date            string `json:"date,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// Client talks to the agent backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client for the backend rooted at baseURL.
func NewClient(baseURL string, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		tracer:     otel.Tracer("widget.internal.agent"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage forwards one utterance to the agent. Errors carry a
// human-readable message suitable for the chat transcript.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "agent.send_message")
	defer span.End()
	span.SetAttributes(attribute.String("widget.session_id", req.SessionID))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("agent: chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp)
		span.RecordError(err)
		return nil, err
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("agent: decode chat response: %w", err)
	}
	return &out, nil
}

// GetStatus fetches the current state of a booking. A booking the backend
// does not know yields (nil, nil).
func (c *Client) GetStatus(ctx context.Context, bookingID string) (*booking.Payload, error) {
	ctx, span := c.tracer.Start(ctx, "agent.get_status")
	defer span.End()
	span.SetAttributes(attribute.String("widget.booking_id", bookingID))

	if strings.TrimSpace(bookingID) == "" {
		return nil, errors.New("agent: booking id required")
	}
	endpoint := c.baseURL + "/api/bookings/" + url.PathEscape(bookingID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: build status request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("agent: status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("agent: booking not found", "booking_id", bookingID)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp)
		span.RecordError(err)
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agent: read status response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var out booking.Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("agent: decode status response: %w", err)
	}
	return &out, nil
}

// statusError turns a non-2xx response into an error, preferring the
// backend's "detail" message when it sends one.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if detail, ok := body.Detail.(string); ok && detail != "" {
			return fmt.Errorf("agent: %s (HTTP %d)", detail, resp.StatusCode)
		}
	}
	return fmt.Errorf("agent: unexpected HTTP status %d", resp.StatusCode)
}
