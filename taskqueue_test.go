package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"topicstream/config"
)

var (
	testMetricsOnce sync.Once
	testMetricsInst *PrometheusMetrics
)

// testMetrics returns a process-wide metrics instance; Prometheus
// registration is global, so tests must share one
func testMetrics() *PrometheusMetrics {
	testMetricsOnce.Do(func() {
		testMetricsInst = NewPrometheusMetrics()
	})
	return testMetricsInst
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Queue.Workers = 1
	cfg.Queue.MaxTasksPerChild = 50
	cfg.Queue.ResultTTL = time.Hour
	cfg.Queue.VisibilityTimeout = time.Minute
	cfg.Queue.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

// probePayload carries an arbitrary task name so tests can register
// definitions without touching the production names
type probePayload struct {
	Name   string `json:"-"`
	Marker string `json:"marker"`
}

func (p probePayload) TaskName() string { return p.Name }

func newTestRuntime(t *testing.T, defs ...*TaskDefinition) (*TaskRuntime, func()) {
	t.Helper()
	registry := NewTaskRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			t.Fatalf("Register(%s) failed: %v", def.Name, err)
		}
	}
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return rt, func() {
		cancel()
		rt.Stop()
	}
}

func TestDispatchOrder(t *testing.T) {
	order := make(chan string, 8)
	handler := func(ctx context.Context, task *Task) (TaskResult, error) {
		order <- task.Payload.(*probePayload).Marker
		return TaskResult{"ok": true}, nil
	}

	registry := NewTaskRegistry()
	if err := registry.Register(&TaskDefinition{
		Name: "probe", Queue: QueueNormal, Priority: 5, Handler: handler,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)

	// enqueue everything before the workers start so the draining order is
	// fully determined by queue class, priority and submission sequence
	submissions := []struct {
		marker   string
		queue    QueueClass
		priority int
	}{
		{"low10", QueueLow, 10},
		{"normal10", QueueNormal, 10},
		{"high5", QueueHigh, 5},
		{"high5b", QueueHigh, 5},
		{"normal4", QueueNormal, 4},
	}
	for _, s := range submissions {
		if _, err := rt.Submit(&probePayload{Name: "probe", Marker: s.marker},
			WithQueue(s.queue), WithPriority(s.priority)); err != nil {
			t.Fatalf("Submit(%s) failed: %v", s.marker, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		rt.Stop()
	}()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []string{"high5", "high5b", "normal10", "normal4", "low10"}
	for i, expected := range want {
		select {
		case got := <-order:
			if got != expected {
				t.Errorf("execution %d = %s, want %s", i, got, expected)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for execution %d (%s)", i, expected)
		}
	}
}

func TestRateLimitedFailureDoesNotConsumeRetries(t *testing.T) {
	var attempts int32
	handler := func(ctx context.Context, task *Task) (TaskResult, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, RateLimitedError(10*time.Millisecond, "provider busy")
		}
		return TaskResult{"ok": true}, nil
	}

	// zero retries: only rate-limit rescheduling can explain a third attempt
	rt, stop := newTestRuntime(t, &TaskDefinition{
		Name: "rate-limited-probe", Queue: QueueNormal, Priority: 5,
		Retry:   RetryPolicy{MaxRetries: 0},
		Handler: handler,
	})
	defer stop()

	id, err := rt.Submit(&probePayload{Name: "rate-limited-probe"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := rt.WaitForResult(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForResult failed: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("unexpected result: %v", result)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	snap, ok := rt.Status(id)
	if !ok {
		t.Fatal("Status returned no snapshot")
	}
	if snap.State != StateSucceeded {
		t.Errorf("state = %s, want %s", snap.State, StateSucceeded)
	}
	if snap.Attempt != 3 {
		t.Errorf("snapshot attempt = %d, want 3", snap.Attempt)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: 120 * time.Second, Multiplier: 2}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}

	flat := RetryPolicy{MaxRetries: 2, InitialDelay: 30 * time.Second, Multiplier: 1}
	for _, retry := range []int{1, 2} {
		if got := flat.Delay(retry); got != 30*time.Second {
			t.Errorf("flat Delay(%d) = %v, want 30s", retry, got)
		}
	}
}

func TestUpstreamFailureExhaustsRetries(t *testing.T) {
	var attempts int32
	handler := func(ctx context.Context, task *Task) (TaskResult, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, UpstreamError(nil, "upstream down")
	}

	rt, stop := newTestRuntime(t, &TaskDefinition{
		Name: "failing-probe", Queue: QueueNormal, Priority: 5,
		Retry:   RetryPolicy{MaxRetries: 1, InitialDelay: 10 * time.Millisecond, Multiplier: 1},
		Handler: handler,
	})
	defer stop()

	id, err := rt.Submit(&probePayload{Name: "failing-probe"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := rt.WaitForResult(context.Background(), id, 5*time.Second); err == nil {
		t.Fatal("expected failure, got success")
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2 (initial + one retry)", got)
	}
	snap, _ := rt.Status(id)
	if snap.State != StateFailed {
		t.Errorf("state = %s, want %s", snap.State, StateFailed)
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	var attempts int32
	handler := func(ctx context.Context, task *Task) (TaskResult, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, ValidationError("bad input")
	}

	rt, stop := newTestRuntime(t, &TaskDefinition{
		Name: "invalid-probe", Queue: QueueNormal, Priority: 5,
		Retry:   RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 1},
		Handler: handler,
	})
	defer stop()

	id, err := rt.Submit(&probePayload{Name: "invalid-probe"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := rt.WaitForResult(context.Background(), id, 5*time.Second); err == nil {
		t.Fatal("expected failure, got success")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (validation errors must not retry)", got)
	}
}

func TestUnknownTaskIsDeadLettered(t *testing.T) {
	registry := NewTaskRegistry()
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)

	_, err := rt.SubmitRaw("no-such-task", nil)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("SubmitRaw error = %v, want ErrUnknownTask", err)
	}

	letters := rt.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Name != "no-such-task" {
		t.Errorf("dead letter name = %s, want no-such-task", letters[0].Name)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	registry := NewTaskRegistry()
	if err := registry.Register(&TaskDefinition{
		Name: "cancel-probe", Queue: QueueNormal, Priority: 5,
		Handler: func(ctx context.Context, task *Task) (TaskResult, error) {
			return TaskResult{}, nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// runtime intentionally not started: the task stays queued
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)
	id, err := rt.Submit(&probePayload{Name: "cancel-probe"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := rt.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	snap, _ := rt.Status(id)
	if snap.State != StateCancelled {
		t.Errorf("state = %s, want %s", snap.State, StateCancelled)
	}
	if _, err := rt.WaitForResult(context.Background(), id, time.Second); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("WaitForResult error = %v, want ErrTaskCancelled", err)
	}
	if err := rt.Cancel(id); err == nil {
		t.Error("cancelling a terminal task should fail")
	}
}

func TestWaitForResultTimeout(t *testing.T) {
	rt, stop := newTestRuntime(t, &TaskDefinition{
		Name: "slow-probe", Queue: QueueNormal, Priority: 5,
		Handler: func(ctx context.Context, task *Task) (TaskResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return TaskResult{}, nil
			}
		},
	})
	defer stop()

	id, err := rt.Submit(&probePayload{Name: "slow-probe"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := rt.WaitForResult(context.Background(), id, 50*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("WaitForResult error = %v, want ErrWaitTimeout", err)
	}
	// the task itself must keep running after a waiter timeout
	snap, ok := rt.Status(id)
	if !ok || snap.State.Terminal() {
		t.Errorf("task should still be live after waiter timeout, state = %s", snap.State)
	}
}

func TestSingletonInstanceGuard(t *testing.T) {
	registry := NewTaskRegistry()
	if err := registry.Register(&TaskDefinition{
		Name: "singleton-probe", Queue: QueueLow, Priority: 2, MaxInstances: 1,
		Handler: func(ctx context.Context, task *Task) (TaskResult, error) {
			return TaskResult{}, nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)

	if _, err := rt.Submit(&probePayload{Name: "singleton-probe"}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := rt.Submit(&probePayload{Name: "singleton-probe"}); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("second Submit error = %v, want ErrAlreadyQueued", err)
	}
}

func TestDelayedSubmissionBacklog(t *testing.T) {
	registry := NewTaskRegistry()
	if err := registry.Register(&TaskDefinition{
		Name: "delayed-probe", Queue: QueueLow, Priority: 3,
		Handler: func(ctx context.Context, task *Task) (TaskResult, error) {
			return TaskResult{}, nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)

	if _, err := rt.Submit(&probePayload{Name: "delayed-probe"},
		WithNotBefore(time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	stats := rt.QueueStatsAll()[string(QueueLow)]
	if stats.Delayed != 1 || stats.Ready != 0 {
		t.Errorf("low queue stats = %+v, want 1 delayed / 0 ready", stats)
	}
	if got := rt.Backlog(QueueLow); got != 1 {
		t.Errorf("Backlog(low) = %d, want 1", got)
	}
}

func TestRegisterRejectsBadPriority(t *testing.T) {
	registry := NewTaskRegistry()
	err := registry.Register(&TaskDefinition{
		Name: "bad-priority", Queue: QueueNormal, Priority: 11,
		Handler: func(ctx context.Context, task *Task) (TaskResult, error) { return nil, nil },
	})
	if err == nil {
		t.Error("priority 11 should be rejected")
	}
}
