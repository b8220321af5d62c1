package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all the Prometheus metrics for the application
type PrometheusMetrics struct {
	// Task runtime metrics
	tasksSubmitted  *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	stuckTasks      *prometheus.CounterVec
	scheduleTicks   *prometheus.CounterVec

	// Scan pipeline metrics
	feedFetchTotal    *prometheus.CounterVec
	feedFetchDuration *prometheus.HistogramVec
	feedFetchErrors   *prometheus.CounterVec
	articlesProcessed *prometheus.CounterVec
	newArticlesFound  *prometheus.CounterVec
	scanDiagnoses     *prometheus.CounterVec

	// Generation provider metrics
	providerRequests  *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	providerErrors    *prometheus.CounterVec
	providerCooldowns *prometheus.CounterVec

	// ML service metrics
	mlRequests *prometheus.CounterVec
	mlLatency  *prometheus.HistogramVec

	// Webhook metrics
	webhookLatency *prometheus.HistogramVec
	webhookTotal   *prometheus.CounterVec
	webhookErrors  *prometheus.CounterVec

	// HTTP API metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// System metrics
	dbConnections      *prometheus.GaugeVec
	articlesInDatabase prometheus.Gauge

	// Circuit breaker metrics
	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	metrics := &PrometheusMetrics{
		// Task runtime metrics
		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_submitted_total",
				Help: "Total number of tasks accepted by the runtime",
			},
			[]string{"task", "queue"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_completed_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"task", "queue", "state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Time spent executing tasks",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
			},
			[]string{"task", "queue", "state"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_retries_total",
				Help: "Total number of task reschedules by failure kind",
			},
			[]string{"task", "kind"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_dead_letters_total",
				Help: "Total number of submissions routed to the dead-letter queue",
			},
			[]string{"task"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "task_queue_depth",
				Help: "Current number of tasks per queue class and state",
			},
			[]string{"queue", "state"},
		),
		stuckTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_stuck_total",
				Help: "Total number of tasks observed running past the visibility timeout",
			},
			[]string{"task"},
		),
		scheduleTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedule_ticks_total",
				Help: "Total number of periodic schedule ticks by outcome",
			},
			[]string{"schedule", "status"},
		),

		// Scan pipeline metrics
		feedFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_fetch_total",
				Help: "Total number of feed fetch attempts",
			},
			[]string{"feed_url", "status"},
		),
		feedFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feed_fetch_duration_seconds",
				Help:    "Time spent fetching feeds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"feed_url", "status"},
		),
		feedFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_fetch_errors_total",
				Help: "Total number of feed fetch errors",
			},
			[]string{"feed_url", "error_type"},
		),
		articlesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "articles_processed_total",
				Help: "Total number of articles processed",
			},
			[]string{"feed_url", "status"},
		),
		newArticlesFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "new_articles_found_total",
				Help: "Total number of new articles found",
			},
			[]string{"feed_url"},
		),
		scanDiagnoses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_diagnoses_total",
				Help: "Total number of scan failure diagnoses emitted",
			},
			[]string{"feed_url", "diagnosis"},
		),

		// Generation provider metrics
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total number of text generation requests",
			},
			[]string{"provider", "model", "status"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Time spent calling text generation providers",
				Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 90.0, 120.0},
			},
			[]string{"provider", "model", "status"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total number of text generation errors",
			},
			[]string{"provider", "error_type"},
		),
		providerCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_cooldowns_total",
				Help: "Total number of provider cooling transitions",
			},
			[]string{"provider"},
		),

		// ML service metrics
		mlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ml_requests_total",
				Help: "Total number of ML service requests",
			},
			[]string{"endpoint", "status"},
		),
		mlLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ml_request_duration_seconds",
				Help:    "Time spent calling the ML service",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
			},
			[]string{"endpoint", "status"},
		),

		// Webhook metrics
		webhookLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_duration_seconds",
				Help:    "Time spent sending notification webhooks",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"status"},
		),
		webhookTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_requests_total",
				Help: "Total number of notification webhook requests",
			},
			[]string{"status"},
		),
		webhookErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_errors_total",
				Help: "Total number of notification webhook errors",
			},
			[]string{"error_type"},
		),

		// HTTP API metrics
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Time spent processing HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		// System metrics
		dbConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Current number of database connections",
			},
			[]string{"state"},
		),
		articlesInDatabase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "articles_in_database",
				Help: "Current number of articles stored",
			},
		),

		// Circuit breaker metrics
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of circuit breakers (0=closed, 1=half_open, 2=open)",
			},
			[]string{"name", "state"},
		),
		circuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_trips_total",
				Help: "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		metrics.tasksSubmitted,
		metrics.tasksCompleted,
		metrics.taskDuration,
		metrics.taskRetries,
		metrics.deadLetters,
		metrics.queueDepth,
		metrics.stuckTasks,
		metrics.scheduleTicks,
		metrics.feedFetchTotal,
		metrics.feedFetchDuration,
		metrics.feedFetchErrors,
		metrics.articlesProcessed,
		metrics.newArticlesFound,
		metrics.scanDiagnoses,
		metrics.providerRequests,
		metrics.providerLatency,
		metrics.providerErrors,
		metrics.providerCooldowns,
		metrics.mlRequests,
		metrics.mlLatency,
		metrics.webhookLatency,
		metrics.webhookTotal,
		metrics.webhookErrors,
		metrics.httpRequestDuration,
		metrics.httpRequestsTotal,
		metrics.dbConnections,
		metrics.articlesInDatabase,
		metrics.circuitBreakerState,
		metrics.circuitBreakerTrips,
	)

	return metrics
}

// RecordTaskSubmitted records a task accepted into a queue
func (m *PrometheusMetrics) RecordTaskSubmitted(task, queue string) {
	m.tasksSubmitted.WithLabelValues(task, queue).Inc()
}

// RecordTaskCompleted records a task reaching a terminal state
func (m *PrometheusMetrics) RecordTaskCompleted(task, queue, state string, duration time.Duration) {
	m.tasksCompleted.WithLabelValues(task, queue, state).Inc()
	m.taskDuration.WithLabelValues(task, queue, state).Observe(duration.Seconds())
}

// RecordTaskRetry records a task reschedule
func (m *PrometheusMetrics) RecordTaskRetry(task, kind string) {
	m.taskRetries.WithLabelValues(task, kind).Inc()
}

// RecordDeadLetter records a submission routed to the dead-letter queue
func (m *PrometheusMetrics) RecordDeadLetter(task string) {
	m.deadLetters.WithLabelValues(task).Inc()
}

// UpdateQueueDepth updates the per-class queue depth gauges
func (m *PrometheusMetrics) UpdateQueueDepth(queue string, ready, delayed, running int) {
	m.queueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	m.queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues(queue, "running").Set(float64(running))
}

// RecordStuckTask records a task running past the visibility timeout
func (m *PrometheusMetrics) RecordStuckTask(task string) {
	m.stuckTasks.WithLabelValues(task).Inc()
}

// RecordScheduleTick records the outcome of one periodic schedule tick
func (m *PrometheusMetrics) RecordScheduleTick(schedule, status string) {
	m.scheduleTicks.WithLabelValues(schedule, status).Inc()
}

// RecordFeedFetch records feed fetch metrics
func (m *PrometheusMetrics) RecordFeedFetch(feedURL, status string, duration time.Duration) {
	m.feedFetchTotal.WithLabelValues(feedURL, status).Inc()
	m.feedFetchDuration.WithLabelValues(feedURL, status).Observe(duration.Seconds())
}

// RecordFeedFetchError records feed fetch error metrics
func (m *PrometheusMetrics) RecordFeedFetchError(feedURL, errorType string) {
	m.feedFetchErrors.WithLabelValues(feedURL, errorType).Inc()
}

// RecordArticleProcessed records article processing metrics
func (m *PrometheusMetrics) RecordArticleProcessed(feedURL, status string) {
	m.articlesProcessed.WithLabelValues(feedURL, status).Inc()
}

// RecordNewArticles records new articles found metrics
func (m *PrometheusMetrics) RecordNewArticles(feedURL string, count int) {
	m.newArticlesFound.WithLabelValues(feedURL).Add(float64(count))
}

// RecordScanDiagnosis records a failure-pattern diagnosis for a feed
func (m *PrometheusMetrics) RecordScanDiagnosis(feedURL, diagnosis string) {
	m.scanDiagnoses.WithLabelValues(feedURL, diagnosis).Inc()
}

// RecordProviderRequest records text generation request metrics
func (m *PrometheusMetrics) RecordProviderRequest(provider, model, status string, duration time.Duration) {
	m.providerRequests.WithLabelValues(provider, model, status).Inc()
	m.providerLatency.WithLabelValues(provider, model, status).Observe(duration.Seconds())
}

// RecordProviderError records text generation error metrics
func (m *PrometheusMetrics) RecordProviderError(provider, errorType string) {
	m.providerErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordProviderCooldown records a provider entering the cooling state
func (m *PrometheusMetrics) RecordProviderCooldown(provider string) {
	m.providerCooldowns.WithLabelValues(provider).Inc()
}

// RecordMLRequest records ML service request metrics
func (m *PrometheusMetrics) RecordMLRequest(endpoint, status string, duration time.Duration) {
	m.mlRequests.WithLabelValues(endpoint, status).Inc()
	m.mlLatency.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// RecordWebhook records notification webhook metrics
func (m *PrometheusMetrics) RecordWebhook(status string, duration time.Duration) {
	m.webhookTotal.WithLabelValues(status).Inc()
	m.webhookLatency.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordWebhookError records notification webhook error metrics
func (m *PrometheusMetrics) RecordWebhookError(errorType string) {
	m.webhookErrors.WithLabelValues(errorType).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *PrometheusMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(duration.Seconds())
}

// UpdateDBConnections updates database connection metrics
func (m *PrometheusMetrics) UpdateDBConnections(open, inUse, idle int) {
	m.dbConnections.WithLabelValues("open").Set(float64(open))
	m.dbConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(idle))
}

// UpdateArticlesInDatabase updates the stored article count gauge
func (m *PrometheusMetrics) UpdateArticlesInDatabase(count int64) {
	m.articlesInDatabase.Set(float64(count))
}

// HTTPMetricsMiddleware creates a middleware for recording HTTP metrics
func (m *PrometheusMetrics) HTTPMetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer that captures the status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Call the next handler
		next(rw, r)

		// Record metrics
		duration := time.Since(start)
		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(rw.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// UpdateCircuitBreakerState updates circuit breaker state metrics
func (m *PrometheusMetrics) UpdateCircuitBreakerState(name string, state CircuitBreakerState) {
	// Reset all state gauges for this circuit breaker
	m.circuitBreakerState.WithLabelValues(name, "closed").Set(0)
	m.circuitBreakerState.WithLabelValues(name, "half_open").Set(0)
	m.circuitBreakerState.WithLabelValues(name, "open").Set(0)

	// Set the current state to 1
	m.circuitBreakerState.WithLabelValues(name, string(state)).Set(1)
}

// RecordCircuitBreakerTrip records when a circuit breaker trips to open state
func (m *PrometheusMetrics) RecordCircuitBreakerTrip(name string) {
	m.circuitBreakerTrips.WithLabelValues(name).Inc()
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
