package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the campaign engine
type Metrics struct {
	// Dispatch
	MessagesTotal          *prometheus.CounterVec
	SendDurationSeconds    prometheus.Histogram
	DispatchActive         prometheus.Gauge
	CampaignsFinishedTotal *prometheus.CounterVec

	// Sessions
	SessionsActive       prometheus.Gauge
	SessionEventsTotal   *prometheus.CounterVec
	QRQuotaExceededTotal prometheus.Counter

	// Realtime
	BroadcastEventsTotal  *prometheus.CounterVec
	BroadcastDroppedTotal *prometheus.CounterVec
	Subscribers           prometheus.Gauge

	// Recovery
	RecoveryPausedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_messages_total",
				Help: "Total number of send attempts by outcome",
			},
			[]string{"outcome"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campaign_send_duration_seconds",
				Help:    "Duration of a single send attempt in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		DispatchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_dispatch_active",
				Help: "Number of running dispatch loops",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_dispatch_finished_total",
				Help: "Total number of dispatch loops that ended, by resulting status",
			},
			[]string{"status"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_sessions_active",
				Help: "Number of live messaging sessions",
			},
		),
		SessionEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_session_events_total",
				Help: "Total number of adapter events handled by the session registry",
			},
			[]string{"type"},
		),
		QRQuotaExceededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_qr_quota_exceeded_total",
				Help: "Total number of QR requests rejected by the per-owner quota",
			},
		),

		BroadcastEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_broadcast_events_total",
				Help: "Total number of realtime events published",
			},
			[]string{"type"},
		),
		BroadcastDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_broadcast_dropped_total",
				Help: "Total number of realtime events dropped for slow subscribers",
			},
			[]string{"type"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_broadcast_subscribers",
				Help: "Number of connected realtime subscribers",
			},
		),

		RecoveryPausedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_recovery_paused_total",
				Help: "Total number of RUNNING campaigns paused by startup recovery",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaign_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.SendDurationSeconds,
		m.DispatchActive,
		m.CampaignsFinishedTotal,
		m.SessionsActive,
		m.SessionEventsTotal,
		m.QRQuotaExceededTotal,
		m.BroadcastEventsTotal,
		m.BroadcastDroppedTotal,
		m.Subscribers,
		m.RecoveryPausedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveSend records one send attempt with its outcome (sent, failed, timeout, aborted)
func ObserveSend(outcome string, seconds float64) {
	m := Global()
	if m != nil {
		m.MessagesTotal.WithLabelValues(outcome).Inc()
		m.SendDurationSeconds.Observe(seconds)
	}
}

// IncDelivered counts delivery confirmations
func IncDelivered(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.MessagesTotal.WithLabelValues("delivered").Add(float64(n))
	}
}

// DispatchStarted increments the running loop gauge
func DispatchStarted() {
	m := Global()
	if m != nil {
		m.DispatchActive.Inc()
	}
}

// DispatchFinished decrements the running loop gauge and counts the end status
func DispatchFinished(status string) {
	m := Global()
	if m != nil {
		m.DispatchActive.Dec()
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// SetSessionsActive sets the live session gauge
func SetSessionsActive(n int) {
	m := Global()
	if m != nil {
		m.SessionsActive.Set(float64(n))
	}
}

// IncSessionEvent counts an adapter event handled by the registry
func IncSessionEvent(eventType string) {
	m := Global()
	if m != nil {
		m.SessionEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncQRQuotaExceeded counts a rejected QR request
func IncQRQuotaExceeded() {
	m := Global()
	if m != nil {
		m.QRQuotaExceededTotal.Inc()
	}
}

// IncBroadcast counts a published realtime event
func IncBroadcast(eventType string) {
	m := Global()
	if m != nil {
		m.BroadcastEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncBroadcastDropped counts an event a subscriber missed
func IncBroadcastDropped(eventType string) {
	m := Global()
	if m != nil {
		m.BroadcastDroppedTotal.WithLabelValues(eventType).Inc()
	}
}

// AddSubscribers adjusts the subscriber gauge by delta
func AddSubscribers(delta int) {
	m := Global()
	if m != nil {
		m.Subscribers.Add(float64(delta))
	}
}

// AddRecoveryPaused counts campaigns demoted at startup
func AddRecoveryPaused(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.RecoveryPausedTotal.Add(float64(n))
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
