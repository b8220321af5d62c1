package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"topicstream/config"
)

// APIServer provides the HTTP control surface: task submission and
// inspection, queue stats, scan triggers and the topic read endpoints
type APIServer struct {
	db              *sql.DB
	store           *PostgresStore
	taskRuntime     *TaskRuntime
	metrics         *PrometheusMetrics
	config          *config.Config
	circuitBreakers *CircuitBreakerManager
}

// NewAPIServer creates a new API server instance
func NewAPIServer(db *sql.DB, store *PostgresStore, taskRuntime *TaskRuntime, metrics *PrometheusMetrics, cfg *config.Config, circuitBreakers *CircuitBreakerManager) *APIServer {
	return &APIServer{
		db:              db,
		store:           store,
		taskRuntime:     taskRuntime,
		metrics:         metrics,
		config:          cfg,
		circuitBreakers: circuitBreakers,
	}
}

// Start starts the HTTP server
func (s *APIServer) Start() {
	mux := http.NewServeMux()

	// Add CORS middleware
	corsHandler := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", s.config.Security.CORSAllowedOrigins)
			w.Header().Set("Access-Control-Allow-Methods", s.config.Security.CORSAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", s.config.Security.CORSAllowedHeaders)

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	// Routes with metrics middleware
	mux.HandleFunc("/tasks/submit", corsHandler(s.metrics.HTTPMetricsMiddleware(s.submitTask, "/tasks/submit")))
	mux.HandleFunc("/tasks/", corsHandler(s.metrics.HTTPMetricsMiddleware(s.taskByID, "/tasks/{id}")))
	mux.HandleFunc("/queues/stats", corsHandler(s.metrics.HTTPMetricsMiddleware(s.queueStats, "/queues/stats")))
	mux.HandleFunc("/scan/trigger", corsHandler(s.metrics.HTTPMetricsMiddleware(s.triggerScan, "/scan/trigger")))
	mux.HandleFunc("/sources", corsHandler(s.metrics.HTTPMetricsMiddleware(s.sources, "/sources")))
	mux.HandleFunc("/topics/daily", corsHandler(s.metrics.HTTPMetricsMiddleware(s.dailyTopics, "/topics/daily")))
	mux.HandleFunc("/health", corsHandler(s.metrics.HTTPMetricsMiddleware(s.healthCheck, "/health")))

	// Prometheus metrics endpoint
	mux.Handle(s.config.Prometheus.MetricsPath, MetricsHandler())

	addr := fmt.Sprintf(":%d", s.config.App.Port)
	log.Printf("Starting API server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.config.Performance.HTTPReadTimeout,
		WriteTimeout: s.config.Performance.HTTPWriteTimeout,
		IdleTimeout:  s.config.Performance.HTTPIdleTimeout,
	}

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("API server failed: %v", err)
	}
}

type submitTaskRequest struct {
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
	Queue         string          `json:"queue,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	WaitForResult bool            `json:"wait_for_result,omitempty"`
	TimeoutSecs   int             `json:"timeout_seconds,omitempty"`
}

// submitTask accepts an external task submission by name
func (s *APIServer) submitTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Task name is required", http.StatusBadRequest)
		return
	}

	var opts []SubmitOption
	if req.Queue != "" {
		opts = append(opts, WithQueue(QueueClass(req.Queue)))
	}
	if req.Priority != 0 {
		opts = append(opts, WithPriority(req.Priority))
	}

	id, err := s.taskRuntime.SubmitRaw(req.Name, req.Args, opts...)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownTask):
			http.Error(w, fmt.Sprintf("Unknown task name: %s", req.Name), http.StatusBadRequest)
		case errors.Is(err, ErrAlreadyQueued):
			http.Error(w, fmt.Sprintf("Task %s already has an instance in flight", req.Name), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	if req.WaitForResult {
		s.respondAfterWait(w, r, id, req.TimeoutSecs)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": id})
}

// taskByID routes GET /tasks/{id} and POST /tasks/{id}/cancel
func (s *APIServer) taskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "" {
		http.Error(w, "Task id is required", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(rest, "/cancel") {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSuffix(rest, "/cancel")
		if err := s.taskRuntime.Cancel(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "cancelled": true})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot, ok := s.taskRuntime.Status(rest)
	if !ok {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// queueStats reports per-class depths and the dead-letter backlog
func (s *APIServer) queueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues":       s.taskRuntime.QueueStatsAll(),
		"dead_letters": len(s.taskRuntime.DeadLetters()),
	})
}

type triggerScanRequest struct {
	SourceID      int64 `json:"source_id"`
	WaitForResult bool  `json:"wait_for_result,omitempty"`
	TimeoutSecs   int   `json:"timeout_seconds,omitempty"`
}

// triggerScan submits a user-initiated refresh of one source on the high
// queue; with wait_for_result the response carries the scan outcome
func (s *APIServer) triggerScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceID == 0 {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	src, err := s.store.GetSource(r.Context(), req.SourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Source not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	id, err := s.taskRuntime.Submit(RefreshSourceArgs{SourceID: src.ID, FeedURL: src.URL})
	if err != nil {
		if errors.Is(err, ErrAlreadyQueued) {
			http.Error(w, "A refresh for this source is already in flight", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.WaitForResult {
		s.respondAfterWait(w, r, id, req.TimeoutSecs)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": id})
}

// respondAfterWait blocks on the task's terminal state and writes the
// outcome; on waiter timeout the task keeps running and the response says so
func (s *APIServer) respondAfterWait(w http.ResponseWriter, r *http.Request, id string, timeoutSecs int) {
	timeout := 30 * time.Second
	if timeoutSecs > 0 {
		timeout = time.Duration(timeoutSecs) * time.Second
	}

	result, err := s.taskRuntime.WaitForResult(r.Context(), id, timeout)
	if err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"task_id": id,
				"status":  "still_running",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": id,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"result":  result,
	})
}

// sources lists configured sources on GET and registers one on POST
func (s *APIServer) sources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListSources(r.Context())
		if err != nil {
			log.Printf("Failed to list sources: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sources": list, "count": len(list)})

	case http.MethodPost:
		var req struct {
			URL  string `json:"url"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			req.Name = hostOf(req.URL)
		}
		src, err := s.store.CreateSource(r.Context(), req.URL, req.Name)
		if err != nil {
			log.Printf("Failed to create source: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, src)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// dailyTopics returns the current daily topic snapshot
func (s *APIServer) dailyTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	topics, err := s.store.ListDailyTopics(r.Context())
	if err != nil {
		log.Printf("Failed to list daily topics: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if limit > 0 && len(topics) > limit {
		topics = topics[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"topics": topics, "count": len(topics)})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status          string                          `json:"status"`
	Timestamp       string                          `json:"timestamp"`
	Database        DatabaseHealth                  `json:"database"`
	Queues          map[string]QueueStats           `json:"queues"`
	CircuitBreakers map[string]CircuitBreakerStatus `json:"circuit_breakers"`
	SystemMetrics   SystemMetrics                   `json:"system_metrics"`
}

// DatabaseHealth represents database health information
type DatabaseHealth struct {
	Status      string `json:"status"`
	Connections struct {
		Open  int `json:"open"`
		InUse int `json:"in_use"`
		Idle  int `json:"idle"`
	} `json:"connections"`
	LastError string `json:"last_error,omitempty"`
}

// SystemMetrics represents basic system metrics
type SystemMetrics struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	GoRoutines    int   `json:"goroutines"`
}

var startTime = time.Now()

// healthCheck returns the comprehensive health status of the service
func (s *APIServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Timestamp:       time.Now().Format(time.RFC3339),
		Queues:          s.taskRuntime.QueueStatsAll(),
		CircuitBreakers: s.circuitBreakers.GetStatus(),
	}

	// Check database health
	dbHealth := DatabaseHealth{
		Status: "healthy",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		dbHealth.Status = "unhealthy"
		dbHealth.LastError = err.Error()
		health.Status = "degraded"
	}

	// Get database connection stats
	stats := s.db.Stats()
	dbHealth.Connections.Open = stats.OpenConnections
	dbHealth.Connections.InUse = stats.InUse
	dbHealth.Connections.Idle = stats.Idle
	health.Database = dbHealth

	// Check circuit breaker states
	overallHealthy := true
	for _, cb := range health.CircuitBreakers {
		if cb.State == StateOpen {
			overallHealthy = false
			break
		}
	}

	health.SystemMetrics = SystemMetrics{
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		GoRoutines:    runtime.NumGoroutine(),
	}

	if health.Status == "" {
		if overallHealthy && dbHealth.Status == "healthy" {
			health.Status = "healthy"
		} else {
			health.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
