package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	activeRuns       prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokensTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	retryAttemptsTotal *prometheus.CounterVec
	streamChunksTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
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
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total terminal agent errors by provider and error code.",
				},
				[]string{"provider", "code"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_active_runs",
					Help: "Current number of in-flight agent runs.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model invocation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			modelTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_tokens_total",
					Help: "Total tokens consumed by provider and kind (prompt, completion).",
				},
				[]string{"provider", "kind"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution failures by tool.",
				},
				[]string{"tool"},
			),
			retryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_attempts_total",
					Help: "Total retry attempts by operation.",
				},
				[]string{"operation"},
			),
			streamChunksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_chunks_total",
					Help: "Total streamed chunks relayed by provider.",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.activeRuns,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelTokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.retryAttemptsTotal,
			m.streamChunksTotal,
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

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAgentError(provider, code string) {
	getMetrics().agentErrorsTotal.WithLabelValues(provider, code).Inc()
}

func IncActiveRuns() {
	getMetrics().activeRuns.Inc()
}

func DecActiveRuns() {
	getMetrics().activeRuns.Dec()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func AddTokenUsage(provider string, promptTokens, completionTokens int) {
	m := getMetrics()
	m.modelTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.modelTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordRetry(operation string) {
	getMetrics().retryAttemptsTotal.WithLabelValues(operation).Inc()
}

func RecordStreamChunk(provider string) {
	getMetrics().streamChunksTotal.WithLabelValues(provider).Inc()
}
