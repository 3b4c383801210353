package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	PipelineTurns  *prometheus.CounterVec
	StepOutcomes   *prometheus.CounterVec
	ThrottledTotal *prometheus.CounterVec
	TurnLatency    prometheus.Histogram
	MemoryDegraded prometheus.Gauge

	stageWindow *pipelineStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		PipelineTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_turns_total",
			Help:      "Processed turns by intent and outcome.",
		}, []string{"intent", "outcome"}),
		StepOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_step_outcomes_total",
			Help:      "Executed plan steps by service and status.",
		}, []string{"service", "status"}),
		ThrottledTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Requests rejected by a rate budget.",
		}, []string{"budget"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end utterance to reply latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 3500, 5000, 10000},
		}),
		MemoryDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_long_term_degraded",
			Help:      "1 when the long-term memory index is unavailable.",
		}),
		stageWindow: newPipelineStageWindow(256),
	}
}

// ObservePipelineStage records one stage latency in both the rolling window
// and, for the whole turn, the Prometheus histogram.
func (m *Metrics) ObservePipelineStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.stageWindow.Observe(stage, ms)
	if stage == "turn_total" {
		m.TurnLatency.Observe(ms)
	}
}

// ObserveIndicator bumps a named counter in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stageWindow.ObserveIndicator(name)
}

// SnapshotPipelineStages returns the rolling latency window for the perf
// endpoint.
func (m *Metrics) SnapshotPipelineStages() PipelineStageSnapshot {
	return m.stageWindow.Snapshot()
}

// ResetPipelineStages clears the rolling window.
func (m *Metrics) ResetPipelineStages() {
	m.stageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
