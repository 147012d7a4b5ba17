package metrics

import "github.com/prometheus/client_golang/prometheus"

// WidgetMetrics exposes counters/histograms for chat dispatch and booking
// status reconciliation.
type WidgetMetrics struct {
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	pollTotal       *prometheus.CounterVec
	activePolls     prometheus.Gauge
	confirmations   prometheus.Counter
	sessionsActive  prometheus.Gauge
	handoffsOpened  prometheus.Counter
}

func NewWidgetMetrics(reg prometheus.Registerer) *WidgetMetrics {
	m := &WidgetMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widget",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Chat submissions by outcome (success, failure, dropped)",
		}, []string{"outcome"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "widget",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of agent chat calls",
			Buckets:   prometheus.DefBuckets,
		}),
		pollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widget",
			Subsystem: "reconcile",
			Name:      "poll_total",
			Help:      "Booking status polls by outcome",
		}, []string{"outcome"}),
		activePolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "widget",
			Subsystem: "reconcile",
			Name:      "active_polls",
			Help:      "Bookings currently being polled",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "widget",
			Subsystem: "reconcile",
			Name:      "confirmations_total",
			Help:      "Bookings observed transitioning to confirmed",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "widget",
			Subsystem: "session",
			Name:      "active",
			Help:      "Open widget sessions",
		}),
		handoffsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "widget",
			Subsystem: "session",
			Name:      "handoffs_opened_total",
			Help:      "External scheduling pages opened from the widget",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.dispatchTotal, m.dispatchLatency,
		m.pollTotal, m.activePolls, m.confirmations,
		m.sessionsActive, m.handoffsOpened,
	)
	return m
}

func (m *WidgetMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *WidgetMetrics) ObserveDispatchLatency(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(seconds)
}

func (m *WidgetMetrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.pollTotal.WithLabelValues(outcome).Inc()
}

// PollStarted and PollStopped bracket one polling run.
func (m *WidgetMetrics) PollStarted() {
	if m == nil {
		return
	}
	m.activePolls.Inc()
}

func (m *WidgetMetrics) PollStopped() {
	if m == nil {
		return
	}
	m.activePolls.Dec()
}

func (m *WidgetMetrics) ObserveConfirmation() {
	if m == nil {
		return
	}
	m.confirmations.Inc()
}

func (m *WidgetMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *WidgetMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *WidgetMetrics) ObserveHandoffOpened() {
	if m == nil {
		return
	}
	m.handoffsOpened.Inc()
}
