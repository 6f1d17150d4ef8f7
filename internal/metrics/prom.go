package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpbridge_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)

	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_sessions_total",
			Help: "Sessions opened, by outcome",
		},
		[]string{"outcome"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbridge_sessions_active",
			Help: "Sessions currently open",
		},
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_sessions_closed_total",
			Help: "Sessions closed, by reason",
		},
		[]string{"reason"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_messages_total",
			Help: "Envelopes seen by the broker",
		},
		[]string{"direction", "outcome"},
	)

	filterRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_filter_runs_total",
			Help: "Filter invocations, by filter and outcome",
		},
		[]string{"filter", "outcome"},
	)

	redactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpbridge_redactions_total",
			Help: "Secret occurrences replaced by the redaction filter",
		},
	)

	childStderrLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpbridge_child_stderr_lines_total",
			Help: "Diagnostic lines drained from child processes",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsOpened, sessionsActive, sessionsClosed, messages, filterRuns, redactions, childStderrLines)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// RecordSessionOpened counts a session open attempt.
func RecordSessionOpened(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	} else {
		sessionsActive.Inc()
	}
	sessionsOpened.WithLabelValues(outcome).Inc()
}

// RecordSessionClosed counts a session teardown.
func RecordSessionClosed(reason string) {
	sessionsActive.Dec()
	sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordMessage counts an envelope with its routing outcome
// ("forwarded", "dropped", "rejected", "error").
func RecordMessage(direction, outcome string) {
	messages.WithLabelValues(direction, outcome).Inc()
}

// RecordFilterRun counts one filter invocation.
func RecordFilterRun(filter, outcome string) {
	filterRuns.WithLabelValues(filter, outcome).Inc()
}

// AddRedactions adds n redacted occurrences.
func AddRedactions(n int) {
	redactions.Add(float64(n))
}

// RecordChildStderrLine counts one drained diagnostic line.
func RecordChildStderrLine() {
	childStderrLines.Inc()
}
