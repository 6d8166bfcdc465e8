package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// AI broker metrics
	AIRequestsTotal   *prometheus.CounterVec
	AIRequestDuration *prometheus.HistogramVec
	AITokensUsed      *prometheus.CounterVec
	AICostTotal       prometheus.Counter

	// Budget gate metrics
	BudgetChecksTotal  *prometheus.CounterVec
	BudgetDenialsTotal *prometheus.CounterVec
	UsageRecordedTotal prometheus.Counter

	// Task bus metrics
	TasksEnqueuedTotal  *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	LongPollDuration    prometheus.Histogram
	TaskQueueDepth      *prometheus.GaugeVec
	AgentsConnected     prometheus.Gauge

	// Crawl session metrics
	SessionsTotal   *prometheus.CounterVec
	FormsFoundTotal prometheus.Counter
	PagesCrawled    prometheus.Histogram
}

// NewMetrics creates and registers all metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "formscout"
	}

	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		AIRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_requests_total",
				Help:      "Total AI provider calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		AIRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ai_request_duration_seconds",
				Help:      "AI provider call duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		AITokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_tokens_used_total",
				Help:      "Total tokens consumed by direction",
			},
			[]string{"direction"},
		),
		AICostTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_cost_dollars_total",
				Help:      "Cumulative AI spend in dollars",
			},
		),
		BudgetChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_checks_total",
				Help:      "Budget admission checks by access model",
			},
			[]string{"model"},
		),
		BudgetDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_denials_total",
				Help:      "Budget admission denials by error code",
			},
			[]string{"code"},
		),
		UsageRecordedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_records_total",
				Help:      "Usage accounting rows written",
			},
		),
		TasksEnqueuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Agent tasks enqueued by type",
			},
			[]string{"task_type"},
		),
		TasksCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Agent tasks finished by terminal status",
			},
			[]string{"task_type", "status"},
		),
		LongPollDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "long_poll_duration_seconds",
				Help:      "Time agents spent blocked waiting for a task",
				Buckets:   []float64{.01, .1, 1, 5, 10, 20, 30},
			},
		),
		TaskQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Tasks waiting in a user's queue",
			},
			[]string{"user_id"},
		),
		AgentsConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_connected",
				Help:      "Agents with a heartbeat inside the timeout window",
			},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_sessions_total",
				Help:      "Crawl sessions by terminal status",
			},
			[]string{"status"},
		),
		FormsFoundTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forms_found_total",
				Help:      "Form page routes persisted",
			},
		),
		PagesCrawled: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pages_crawled_per_session",
				Help:      "Pages explored per crawl session",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
	}
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveAICall records one AI provider call
func (m *Metrics) ObserveAICall(operation, outcome string, inputTokens, outputTokens int, cost float64, duration time.Duration) {
	m.AIRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.AIRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.AITokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	m.AITokensUsed.WithLabelValues("output").Add(float64(outputTokens))
	m.AICostTotal.Add(cost)
}
