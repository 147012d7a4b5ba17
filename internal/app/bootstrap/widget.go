package bootstrap

import (
	"errors"
	"time"

	appconfig "github.com/wolfman30/clinic-booking-widget/internal/config"
	"github.com/wolfman30/clinic-booking-widget/internal/dispatch"
	"github.com/wolfman30/clinic-booking-widget/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-widget/internal/reconcile"
	"github.com/wolfman30/clinic-booking-widget/internal/transcript"
	"github.com/wolfman30/clinic-booking-widget/internal/webchat"
	"github.com/wolfman30/clinic-booking-widget/internal/widget"
	"github.com/wolfman30/clinic-booking-widget/pkg/logging"
)

// Backend is the agent API as the widget uses it: chat plus booking status.
type Backend interface {
	dispatch.AgentClient
	reconcile.StatusQuerier
}

// Cadence converts the polling settings.
func Cadence(cfg *appconfig.Config) reconcile.Cadence {
	return reconcile.Cadence{
		InitialDelay:         cfg.PollInitialDelay,
		AwaitingInitialDelay: cfg.PollAwaitingInitialDelay,
		Interval:             cfg.PollInterval,
		AwaitingInterval:     cfg.PollAwaitingInterval,
		PollTimeout:          cfg.PollTimeout,
	}
}

// BuildWidgetHandler wires the WebSocket handler and the session factory it
// uses for each connection.
func BuildWidgetHandler(cfg *appconfig.Config, backend Backend, newTranscript func(string) transcript.Store, m *metrics.WidgetMetrics, logger *logging.Logger) (*webchat.Handler, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if backend == nil {
		return nil, errors.New("bootstrap: agent backend is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	loc, err := time.LoadLocation(cfg.WidgetTimezone)
	if err != nil {
		logger.Warn("invalid WIDGET_TIMEZONE; using UTC", "timezone", cfg.WidgetTimezone, "error", err)
		loc = time.UTC
	}

	deps := widget.Deps{
		Agent:         backend,
		Status:        backend,
		Cadence:       Cadence(cfg),
		Metrics:       m,
		Logger:        logger,
		NewTranscript: newTranscript,
	}
	factory := func(settings widget.Settings) (*widget.Session, error) {
		return widget.NewSession(deps, settings)
	}
	return webchat.NewHandler(factory, webchat.Options{
		Location:               loc,
		Locale:                 cfg.WidgetLocale,
		DefaultDurationMinutes: cfg.DefaultAppointmentMinutes,
		SubmitRatePerSecond:    cfg.SubmitRatePerSecond,
		SubmitBurst:            cfg.SubmitBurst,
	}, logger), nil
}
