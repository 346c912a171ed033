// Package metrics exposes Prometheus metrics for the HTTP boundary and for
// command outcomes, whichever entry point produced them.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"LLM-Orchestra/internal/orchestrator"
)

const namespace = "orchestra"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics 持有独立的 Prometheus 注册表，多个实例互不干扰。
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	commands *prometheus.CounterVec
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"handler", "method"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled, by outcome status and how they were understood.",
		}, []string{"kind", "status", "source"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Workflow steps, by service, action and final status.",
		}, []string{"service", "action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent handling one command.",
			Buckets:   latencyBuckets,
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.requests, m.latency, m.commands, m.steps, m.duration)
	return m
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}

// ObserveOutcome 记录一条命令及其每个步骤的结果。kind 为 command 或 undo。
func (m *Metrics) ObserveOutcome(kind string, out *orchestrator.CommandOutcome, elapsed time.Duration) {
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if out == nil {
		m.commands.WithLabelValues(kind, "error", "").Inc()
		return
	}
	m.commands.WithLabelValues(kind, string(out.Status), string(out.Source)).Inc()
	for _, step := range out.Steps {
		m.steps.WithLabelValues(string(step.Service), step.Action, string(step.Status)).Inc()
	}
}

// Middleware 包装单个路由，handler 标签使用路由模式而不是原始路径。
func (m *Metrics) Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Orchestrator 在编排器之上记录命令指标，同时满足 API 与任务处理器的依赖。
type Orchestrator struct {
	*orchestrator.Orchestrator
	metrics *Metrics
}

// Instrument 返回带指标记录的编排器。
func Instrument(o *orchestrator.Orchestrator, m *Metrics) *Orchestrator {
	return &Orchestrator{Orchestrator: o, metrics: m}
}

// HandleCommand 执行命令并记录结果。
func (o *Orchestrator) HandleCommand(ctx context.Context, text, sessionID string, opts orchestrator.Options) (*orchestrator.CommandOutcome, error) {
	start := time.Now()
	out, err := o.Orchestrator.HandleCommand(ctx, text, sessionID, opts)
	o.metrics.ObserveOutcome("command", out, time.Since(start))
	return out, err
}

// Undo 撤销动作并记录结果。
func (o *Orchestrator) Undo(ctx context.Context, sessionID, actionID string, opts orchestrator.Options) (*orchestrator.CommandOutcome, error) {
	start := time.Now()
	out, err := o.Orchestrator.Undo(ctx, sessionID, actionID, opts)
	o.metrics.ObserveOutcome("undo", out, time.Since(start))
	return out, err
}
