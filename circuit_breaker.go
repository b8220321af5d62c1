package main

import (
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is the current position of a breaker
type CircuitBreakerState string

const (
	// StateClosed - calls pass through
	StateClosed CircuitBreakerState = "closed"
	// StateOpen - calls are rejected until the cool-down elapses
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen - probing; a run of successes closes the breaker again
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitBreakerOpen is returned without invoking the protected call
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes one breaker. Scans use a tighter profile than
// the defaults since a feed that fails three times in a row rarely recovers
// within the same sweep.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes required to close
	Timeout          time.Duration // open -> half-open cool-down
	ResetTimeout     time.Duration // closed-state failure count expiry
}

// DefaultConfig is used when a caller passes no config
var DefaultConfig = CircuitBreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          time.Minute * 2,
	ResetTimeout:     time.Minute * 5,
}

// CircuitBreaker guards one upstream (a feed endpoint, keyed by URL) so a
// persistently failing host stops consuming scan attempts
type CircuitBreaker struct {
	name        string
	config      CircuitBreakerConfig
	state       CircuitBreakerState
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
	mu          sync.RWMutex
}

// Execute runs fn under the breaker. An open breaker rejects the call with
// ErrCircuitBreakerOpen; fn's own error is passed through unchanged.
func (cb *CircuitBreaker) Execute(fn func() error, metrics *PrometheusMetrics) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	if err := fn(); err != nil {
		cb.onFailure(metrics)
		return err
	}
	cb.onSuccess(metrics)
	return nil
}

// allow decides whether a call may proceed, advancing open -> half-open
// when the cool-down has elapsed
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateClosed:
		// stale failures no longer count toward the threshold
		if !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.config.ResetTimeout {
			cb.failures = 0
		}
		return true
	case StateOpen:
		if now.Sub(cb.lastFailure) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	}
	return false
}

func (cb *CircuitBreaker) onFailure(metrics *PrometheusMetrics) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	prev := cb.state
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			if metrics != nil {
				metrics.RecordCircuitBreakerTrip(cb.name)
			}
		}
	case StateHalfOpen:
		// a failed probe reopens immediately
		cb.state = StateOpen
		cb.successes = 0
		if metrics != nil {
			metrics.RecordCircuitBreakerTrip(cb.name)
		}
	}

	if metrics != nil && prev != cb.state {
		metrics.UpdateCircuitBreakerState(cb.name, cb.state)
	}
}

func (cb *CircuitBreaker) onSuccess(metrics *PrometheusMetrics) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastSuccess = time.Now()
	prev := cb.state

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}

	if metrics != nil && prev != cb.state {
		metrics.UpdateCircuitBreakerState(cb.name, cb.state)
	}
}

// IsHealthy reports whether the breaker currently admits calls
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state != StateOpen
}

// CircuitBreakerStatus is the health-endpoint view of one breaker
type CircuitBreakerStatus struct {
	Name            string               `json:"name"`
	State           CircuitBreakerState  `json:"state"`
	FailureCount    int                  `json:"failure_count"`
	SuccessCount    int                  `json:"success_count"`
	LastFailureTime *time.Time           `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time           `json:"last_success_time,omitempty"`
	Config          CircuitBreakerConfig `json:"config"`
}

// GetStatus returns a point-in-time snapshot of the breaker
func (cb *CircuitBreaker) GetStatus() CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	status := CircuitBreakerStatus{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failures,
		SuccessCount: cb.successes,
		Config:       cb.config,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		status.LastFailureTime = &t
	}
	if !cb.lastSuccess.IsZero() {
		t := cb.lastSuccess
		status.LastSuccessTime = &t
	}
	return status
}

// CircuitBreakerManager holds the per-upstream breakers, created lazily as
// sources are scanned
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	metrics  *PrometheusMetrics
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates an empty manager
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// SetMetrics attaches the metrics sink used for state-change reporting
func (cbm *CircuitBreakerManager) SetMetrics(metrics *PrometheusMetrics) {
	cbm.metrics = metrics
}

// GetOrCreateBreaker returns the breaker for name, creating it on first use.
// A nil config selects DefaultConfig.
func (cbm *CircuitBreakerManager) GetOrCreateBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, ok := cbm.breakers[name]; ok {
		return breaker
	}
	if config == nil {
		config = &DefaultConfig
	}
	breaker := &CircuitBreaker{
		name:   name,
		config: *config,
		state:  StateClosed,
	}
	cbm.breakers[name] = breaker
	return breaker
}

// GetStatus snapshots every breaker for the health endpoint
func (cbm *CircuitBreakerManager) GetStatus() map[string]CircuitBreakerStatus {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	status := make(map[string]CircuitBreakerStatus, len(cbm.breakers))
	for name, breaker := range cbm.breakers {
		status[name] = breaker.GetStatus()
	}
	return status
}
