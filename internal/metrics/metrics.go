package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Envelope metrics
	EnvelopesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_envelopes_submitted_total",
		Help: "Total number of envelopes submitted to the relay",
	})

	EnvelopesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_envelopes_delivered_total",
		Help: "Total number of envelopes delivered successfully",
	})

	EnvelopesTempfailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_envelopes_tempfailed_total",
		Help: "Total number of envelopes tempfailed back to the queue",
	})

	EnvelopesPermfailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mta_envelopes_permfailed_total",
		Help: "Total number of envelopes permanently failed, by reason",
	}, []string{"reason"})

	EnvelopesLooped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_envelopes_looped_total",
		Help: "Total number of envelopes rejected for a detected mail loop",
	})

	// Delivery/session metrics
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mta_delivery_duration_seconds",
		Help:    "Time taken to deliver an envelope over one session",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_sessions_started_total",
		Help: "Total number of outbound SMTP sessions started",
	})

	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mta_session_failures_total",
		Help: "Total number of outbound session failures by kind",
	}, []string{"kind"})

	// Relay/route/connector gauges, sampled from Scheduler.ShowRoutes et al.
	RelayActiveRoutes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mta_relay_active_routes",
		Help: "Current number of routes with at least one live connection",
	})

	RelaySuspendedRoutes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mta_relay_suspended_routes",
		Help: "Current number of routes disabled by penalty or SMTP/network error",
	})

	RelayHoststatEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mta_relay_hoststat_entries",
		Help: "Current number of cached per-host error entries",
	})

	RelayDrainTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mta_relay_drain_total",
		Help: "Total number of per-relay drain cycles executed",
	})

	// Query/collaborator metrics
	MXQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mta_mx_queries_total",
		Help: "Total MX queries issued, by outcome",
	}, []string{"status"})

	// Queue metrics
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mta_queue_depth",
		Help: "Current number of envelopes awaiting delivery in the queue",
	})

	// System metrics
	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mta_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	// Error metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mta_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordDelivery records a delivery attempt with its duration.
func RecordDelivery(success bool, durationSeconds float64) {
	DeliveryDuration.Observe(durationSeconds)
	if success {
		EnvelopesDelivered.Inc()
	}
}

// RecordPermfail records a permanent failure with reason.
func RecordPermfail(reason string) {
	EnvelopesPermfailed.WithLabelValues(reason).Inc()
}

// RecordSessionFailure records a failed outbound session by kind
// (connect, starttls, ehlo, auth, data).
func RecordSessionFailure(kind string) {
	SessionFailures.WithLabelValues(kind).Inc()
}

// RecordMXQuery records the outcome of an MX lookup.
func RecordMXQuery(status string) {
	MXQueries.WithLabelValues(status).Inc()
}

// RecordError records an error.
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
