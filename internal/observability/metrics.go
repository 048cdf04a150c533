package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	cachedSessions       prometheus.Gauge
	sessionBuildTotal    *prometheus.CounterVec
	sessionBuildDuration prometheus.Histogram
	sessionEvictions     *prometheus.CounterVec

	toolServerSpawnTotal *prometheus.CounterVec
	handshakeDuration    *prometheus.HistogramVec
	toolCallTotal        *prometheus.CounterVec
	toolCallDuration     *prometheus.HistogramVec

	credentialResolveTotal *prometheus.CounterVec
	streamEventsTotal      *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			cachedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cached_sessions",
					Help: "Current number of cached per-user agent sessions.",
				},
			),
			sessionBuildTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_build_total",
					Help: "Total session builds by status.",
				},
				[]string{"status"},
			),
			sessionBuildDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_build_duration_seconds",
					Help:    "Session build duration in seconds, including tool server spawn.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_evictions_total",
					Help: "Total session evictions by reason.",
				},
				[]string{"reason"},
			),
			toolServerSpawnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolserver_spawn_total",
					Help: "Total tool server spawns by domain and status.",
				},
				[]string{"domain", "status"},
			),
			handshakeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "toolserver_handshake_duration_seconds",
					Help:    "Tool server handshake duration in seconds by domain.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"domain"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			credentialResolveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credential_resolve_total",
					Help: "Total credential resolutions by source.",
				},
				[]string{"source"},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Total stream events emitted by type.",
				},
				[]string{"type"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.cachedSessions,
			m.sessionBuildTotal,
			m.sessionBuildDuration,
			m.sessionEvictions,
			m.toolServerSpawnTotal,
			m.handshakeDuration,
			m.toolCallTotal,
			m.toolCallDuration,
			m.credentialResolveTotal,
			m.streamEventsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetCachedSessions(count int) {
	getMetrics().cachedSessions.Set(float64(count))
}

func RecordSessionBuild(duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionBuildTotal.WithLabelValues(statusLabel(success)).Inc()
	m.sessionBuildDuration.Observe(duration.Seconds())
}

// RecordSessionEviction counts a removal; reason is "idle", "invalidated" or "shutdown".
func RecordSessionEviction(reason string) {
	getMetrics().sessionEvictions.WithLabelValues(reason).Inc()
}

func RecordToolServerSpawn(domain string, handshake time.Duration, success bool) {
	m := getMetrics()
	m.toolServerSpawnTotal.WithLabelValues(domain, statusLabel(success)).Inc()
	m.handshakeDuration.WithLabelValues(domain).Observe(handshake.Seconds())
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordCredentialResolve(source string) {
	getMetrics().credentialResolveTotal.WithLabelValues(source).Inc()
}

func RecordStreamEvent(eventType string) {
	getMetrics().streamEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
