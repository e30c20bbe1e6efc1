// Package metrics is the observability shim for the gateway.
//
// Core components record through the Recorder interface; the Prometheus
// implementation is wired in main and exposed on /metrics. Tests use Nop.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the thin interface the core records through.
type Recorder interface {
	ToolCall(serverID, tool string, duration time.Duration, failed bool)
	ServerStart(serverID string, ok bool)
	ServerStop(serverID string)
	Restart(serverID string)
	LLMRequest(modelID string, backend string, duration time.Duration, failed bool)
	LogWrite(ok bool)
	LogRetry()
	HTTPRequest(method, path string, status int, duration time.Duration)
}

// Prometheus implements Recorder on a prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	serverStarts  *prometheus.CounterVec
	serverStops   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	llmRequests   *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	logWrites     *prometheus.CounterVec
	logRetries    prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewPrometheus creates a Recorder backed by a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_tool_calls_total",
			Help: "Tool calls proxied to MCP children.",
		}, []string{"server_id", "tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluidmcp_tool_call_duration_seconds",
			Help:    "Tool call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server_id"}),
		serverStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_server_starts_total",
			Help: "Child start attempts.",
		}, []string{"server_id", "outcome"}),
		serverStops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_server_stops_total",
			Help: "Child stops.",
		}, []string{"server_id"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_server_restarts_total",
			Help: "Automatic restarts scheduled by the policy engine.",
		}, []string{"server_id"}),
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_llm_requests_total",
			Help: "LLM dispatches by model and backend.",
		}, []string{"model_id", "backend", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluidmcp_llm_request_duration_seconds",
			Help:    "LLM backend latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend"}),
		logWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_log_writes_total",
			Help: "Child log persistence attempts.",
		}, []string{"outcome"}),
		logRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fluidmcp_log_write_retries_total",
			Help: "Buffered log writes retried after a persistence failure.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fluidmcp_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "path", "status"}),
		httpDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluidmcp_http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}

func (p *Prometheus) ToolCall(serverID, tool string, d time.Duration, failed bool) {
	p.toolCalls.WithLabelValues(serverID, tool, outcome(failed)).Inc()
	p.toolDuration.WithLabelValues(serverID).Observe(d.Seconds())
}

func (p *Prometheus) ServerStart(serverID string, ok bool) {
	p.serverStarts.WithLabelValues(serverID, outcome(!ok)).Inc()
}

func (p *Prometheus) ServerStop(serverID string) {
	p.serverStops.WithLabelValues(serverID).Inc()
}

func (p *Prometheus) Restart(serverID string) {
	p.restarts.WithLabelValues(serverID).Inc()
}

func (p *Prometheus) LLMRequest(modelID, backend string, d time.Duration, failed bool) {
	p.llmRequests.WithLabelValues(modelID, backend, outcome(failed)).Inc()
	p.llmDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (p *Prometheus) LogWrite(ok bool) {
	p.logWrites.WithLabelValues(outcome(!ok)).Inc()
}

func (p *Prometheus) LogRetry() {
	p.logRetries.Inc()
}

func (p *Prometheus) HTTPRequest(method, path string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.httpDurations.WithLabelValues(method, path).Observe(d.Seconds())
}

// Nop discards all observations. Used in tests and as a default.
type Nop struct{}

func (Nop) ToolCall(string, string, time.Duration, bool)       {}
func (Nop) ServerStart(string, bool)                           {}
func (Nop) ServerStop(string)                                  {}
func (Nop) Restart(string)                                     {}
func (Nop) LLMRequest(string, string, time.Duration, bool)     {}
func (Nop) LogWrite(bool)                                      {}
func (Nop) LogRetry()                                          {}
func (Nop) HTTPRequest(string, string, int, time.Duration)     {}

var _ Recorder = (*Prometheus)(nil)
var _ Recorder = Nop{}
