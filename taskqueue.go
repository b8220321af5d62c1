package main

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"topicstream/config"

	"github.com/google/uuid"
)

// QueueClass routes a task to one of the three broker queues
type QueueClass string

const (
	// QueueHigh - user-initiated actions and urgent rebuilds
	QueueHigh QueueClass = "high"
	// QueueNormal - per-source scans and per-article analyses
	QueueNormal QueueClass = "normal"
	// QueueLow - periodic triggers, backlog sweeps, weekly maintenance
	QueueLow QueueClass = "low"
)

// queueOrder is the draining order: high before normal before low
var queueOrder = []QueueClass{QueueHigh, QueueNormal, QueueLow}

// TaskState is the lifecycle state of a submitted task
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateRetrying  TaskState = "retrying"
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions may occur
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// TaskResult is the JSON-serializable mapping returned by task bodies
type TaskResult map[string]interface{}

// RetryPolicy declares per-task retry behavior
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// Delay returns the backoff before retry number n (1-based):
// initial * multiplier^(n-1)
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	m := p.Multiplier
	if m <= 0 {
		m = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(m, float64(n-1)))
}

// TaskHandler is a task body. It must be blocking from the runtime's view;
// concurrency inside the body is the body's concern.
type TaskHandler func(ctx context.Context, task *Task) (TaskResult, error)

// TaskDefinition binds a task name to its handler, routing defaults and
// retry policy
type TaskDefinition struct {
	Name         string
	Queue        QueueClass
	Priority     int
	Retry        RetryPolicy
	MaxInstances int // 0 = unlimited; 1 = singleton per name
	Handler      TaskHandler
}

// TaskRegistry is the static name -> definition mapping populated at
// process start
type TaskRegistry struct {
	mu   sync.RWMutex
	defs map[string]*TaskDefinition
}

// NewTaskRegistry creates an empty registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{defs: make(map[string]*TaskDefinition)}
}

// Register adds a task definition; duplicate names are a programming error
func (reg *TaskRegistry) Register(def *TaskDefinition) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.defs[def.Name]; exists {
		return fmt.Errorf("task %s already registered", def.Name)
	}
	if def.Priority < 1 || def.Priority > 10 {
		return fmt.Errorf("task %s priority %d outside 1-10", def.Name, def.Priority)
	}
	reg.defs[def.Name] = def
	return nil
}

// Lookup resolves a task name; returns nil when unknown
func (reg *TaskRegistry) Lookup(name string) *TaskDefinition {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.defs[name]
}

// Task is one submitted job and its full lifecycle record
type Task struct {
	ID          string
	Name        string
	Queue       QueueClass
	Priority    int
	Payload     TaskPayload
	State       TaskState
	Attempt     int // executions started
	Retries     int // failures counted against the retry policy
	LastError   string
	NotBefore   time.Time
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      TaskResult

	seq             uint64
	index           int
	cancelRequested bool
	cancelFn        context.CancelFunc
}

// TaskSnapshot is the externally visible view of a task
type TaskSnapshot struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Queue       QueueClass  `json:"queue"`
	Priority    int         `json:"priority"`
	State       TaskState   `json:"state"`
	Attempt     int         `json:"attempt"`
	LastError   string      `json:"last_error,omitempty"`
	NotBefore   *time.Time  `json:"not_before,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      TaskResult  `json:"result,omitempty"`
}

func (t *Task) snapshotLocked() TaskSnapshot {
	snap := TaskSnapshot{
		ID:          t.ID,
		Name:        t.Name,
		Queue:       t.Queue,
		Priority:    t.Priority,
		State:       t.State,
		Attempt:     t.Attempt,
		LastError:   t.LastError,
		SubmittedAt: t.SubmittedAt,
		Result:      t.Result,
	}
	if !t.NotBefore.IsZero() {
		nb := t.NotBefore
		snap.NotBefore = &nb
	}
	if !t.CompletedAt.IsZero() {
		ca := t.CompletedAt
		snap.CompletedAt = &ca
	}
	return snap
}

// taskHeap orders ready tasks: higher numeric priority first, FIFO by
// submission sequence within a priority
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// delayedHeap orders not-yet-due tasks by earliest NotBefore
type delayedHeap []*Task

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// DeadLetter records a submission whose name had no registered variant
type DeadLetter struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Reason     string          `json:"reason"`
	ReceivedAt time.Time       `json:"received_at"`
}

// QueueStats reports backlog depth for one queue class
type QueueStats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Running int `json:"running"`
}

var (
	// ErrWaitTimeout - waiter gave up; the task itself keeps running
	ErrWaitTimeout = errors.New("timed out waiting for task result")
	// ErrTaskCancelled - task reached the cancelled terminal state
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrAlreadyQueued - singleton task already has an instance in flight
	ErrAlreadyQueued = errors.New("task instance already queued or running")
)

// SubmitOption tweaks routing for one submission
type SubmitOption func(*submitOptions)

type submitOptions struct {
	queue     QueueClass
	priority  int
	notBefore time.Time
}

// WithQueue overrides the definition's queue class
func WithQueue(q QueueClass) SubmitOption {
	return func(o *submitOptions) { o.queue = q }
}

// WithPriority overrides the definition's priority (1-10, higher wins)
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithNotBefore delays dispatch until the given time
func WithNotBefore(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.notBefore = t }
}

// TaskRuntime is the priority-class dispatcher: it accepts submissions,
// routes them by queue class, hands them to a fixed worker pool one at a
// time, enforces the retry policy and keeps the result store.
type TaskRuntime struct {
	registry *TaskRegistry
	cfg      *config.Config
	metrics  *PrometheusMetrics
	store    TaskStore

	mu          sync.Mutex
	ready       map[QueueClass]*taskHeap
	delayed     delayedHeap
	tasks       map[string]*Task
	instances   map[string]int
	runningByQ  map[QueueClass]int
	deadLetters []DeadLetter
	waiters     map[string][]chan struct{}
	seq         uint64
	isRunning   bool

	dispatchCh chan *Task
	wake       chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewTaskRuntime creates a stopped runtime. The store may be nil (tests).
func NewTaskRuntime(registry *TaskRegistry, cfg *config.Config, metrics *PrometheusMetrics, store TaskStore) *TaskRuntime {
	ready := make(map[QueueClass]*taskHeap, len(queueOrder))
	runningByQ := make(map[QueueClass]int, len(queueOrder))
	for _, q := range queueOrder {
		h := make(taskHeap, 0)
		ready[q] = &h
		runningByQ[q] = 0
	}
	return &TaskRuntime{
		registry:   registry,
		cfg:        cfg,
		metrics:    metrics,
		store:      store,
		ready:      ready,
		tasks:      make(map[string]*Task),
		instances:  make(map[string]int),
		runningByQ: runningByQ,
		waiters:    make(map[string][]chan struct{}),
		dispatchCh: make(chan *Task),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the dispatcher, the worker pool and the janitor
func (r *TaskRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("task runtime is already running")
	}
	r.isRunning = true
	r.baseCtx, r.baseCancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log.Printf("Starting task runtime with %d workers", r.cfg.Queue.Workers)

	r.wg.Add(1)
	go r.dispatcher()
	for i := 0; i < r.cfg.Queue.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(i)
	}
	r.wg.Add(1)
	go r.janitor()

	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	return nil
}

// Stop shuts the runtime down, waiting up to the configured grace period
func (r *TaskRuntime) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("task runtime is not running")
	}
	r.mu.Unlock()

	log.Println("Stopping task runtime...")
	r.baseCancel()

	select {
	case <-r.done:
		log.Println("Task runtime stopped gracefully")
	case <-time.After(r.cfg.Queue.ShutdownGrace):
		log.Println("Task runtime shutdown timeout")
	}

	r.mu.Lock()
	r.isRunning = false
	r.mu.Unlock()
	return nil
}

// Submit enqueues a typed payload and returns the task id immediately
func (r *TaskRuntime) Submit(payload TaskPayload, opts ...SubmitOption) (string, error) {
	def := r.registry.Lookup(payload.TaskName())
	if def == nil {
		r.recordDeadLetter(payload.TaskName(), nil, "no registered handler")
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, payload.TaskName())
	}

	options := submitOptions{queue: def.Queue, priority: def.Priority}
	for _, opt := range opts {
		opt(&options)
	}

	r.mu.Lock()
	if def.MaxInstances > 0 && r.instances[def.Name] >= def.MaxInstances {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyQueued, def.Name)
	}

	r.seq++
	task := &Task{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Queue:       options.queue,
		Priority:    options.priority,
		Payload:     payload,
		State:       StateQueued,
		NotBefore:   options.notBefore,
		SubmittedAt: time.Now().UTC(),
		seq:         r.seq,
		index:       -1,
	}
	r.tasks[task.ID] = task
	r.instances[def.Name]++

	if !task.NotBefore.IsZero() && task.NotBefore.After(time.Now()) {
		heap.Push(&r.delayed, task)
	} else {
		heap.Push(r.ready[task.Queue], task)
	}
	r.mu.Unlock()

	r.metrics.RecordTaskSubmitted(task.Name, string(task.Queue))
	r.updateDepthMetrics()
	r.persist(task)
	r.signalWake()
	return task.ID, nil
}

// SubmitRaw decodes an external (name, args) submission into its typed
// variant; unknown names go to the dead-letter queue
func (r *TaskRuntime) SubmitRaw(name string, args json.RawMessage, opts ...SubmitOption) (string, error) {
	payload, err := decodeTaskPayload(name, args)
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			r.recordDeadLetter(name, args, "unknown task name")
		}
		return "", err
	}
	return r.Submit(payload, opts...)
}

// WaitForResult blocks until the task reaches a terminal state or the
// timeout passes. The task is not cancelled on waiter timeout.
func (r *TaskRuntime) WaitForResult(ctx context.Context, id string, timeout time.Duration) (TaskResult, error) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown task id %s", id)
	}
	if task.State.Terminal() {
		defer r.mu.Unlock()
		return resultForTerminal(task)
	}
	ch := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		r.mu.Lock()
		defer r.mu.Unlock()
		return resultForTerminal(task)
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resultForTerminal(task *Task) (TaskResult, error) {
	switch task.State {
	case StateSucceeded:
		return task.Result, nil
	case StateCancelled:
		return nil, ErrTaskCancelled
	default:
		return nil, fmt.Errorf("task %s failed: %s", task.Name, task.LastError)
	}
}

// Cancel marks a task cancelled. Queued tasks terminate immediately;
// running bodies are asked to stop at their next cooperative point.
func (r *TaskRuntime) Cancel(id string) error {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown task id %s", id)
	}
	if task.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("task %s already %s", id, task.State)
	}
	if task.State == StateRunning {
		task.cancelRequested = true
		if task.cancelFn != nil {
			task.cancelFn()
		}
		r.mu.Unlock()
		log.Printf("Cancellation requested for running task %s (%s)", id, task.Name)
		return nil
	}
	// queued or retrying: terminal right away
	r.finalizeLocked(task, StateCancelled, nil, "cancelled before dispatch")
	r.mu.Unlock()
	r.afterFinalize(task)
	return nil
}

// Status returns the externally visible snapshot of a task
func (r *TaskRuntime) Status(id string) (TaskSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return TaskSnapshot{}, false
	}
	return task.snapshotLocked(), true
}

// QueueStatsAll reports backlog depth per queue class
func (r *TaskRuntime) QueueStatsAll() map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make(map[string]QueueStats, len(queueOrder))
	delayedByQ := make(map[QueueClass]int)
	for _, t := range r.delayed {
		delayedByQ[t.Queue]++
	}
	for _, q := range queueOrder {
		stats[string(q)] = QueueStats{
			Ready:   r.ready[q].Len(),
			Delayed: delayedByQ[q],
			Running: r.runningByQ[q],
		}
	}
	return stats
}

// Backlog returns ready+delayed depth for one class; the fan-out job reads
// this before submitting to widen the stagger under pressure
func (r *TaskRuntime) Backlog(q QueueClass) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.ready[q].Len()
	for _, t := range r.delayed {
		if t.Queue == q {
			n++
		}
	}
	return n
}

// DeadLetters returns a copy of the dead-letter queue
func (r *TaskRuntime) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadLetter, len(r.deadLetters))
	copy(out, r.deadLetters)
	return out
}

func (r *TaskRuntime) recordDeadLetter(name string, args json.RawMessage, reason string) {
	r.mu.Lock()
	r.deadLetters = append(r.deadLetters, DeadLetter{
		Name:       name,
		Args:       args,
		Reason:     reason,
		ReceivedAt: time.Now().UTC(),
	})
	r.mu.Unlock()
	r.metrics.RecordDeadLetter(name)
	log.Printf("Dead-lettered submission for task %q: %s", name, reason)
}

func (r *TaskRuntime) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dispatcher moves due delayed tasks into their ready heaps and hands one
// task at a time to whichever worker is free
func (r *TaskRuntime) dispatcher() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		r.promoteDueLocked(time.Now())
		task := r.popReadyLocked()
		var idle time.Duration = -1
		if task == nil && len(r.delayed) > 0 {
			idle = time.Until(r.delayed[0].NotBefore)
			if idle < 0 {
				idle = 0
			}
		}
		r.mu.Unlock()

		if task != nil {
			select {
			case r.dispatchCh <- task:
			case <-r.baseCtx.Done():
				r.requeue(task)
				return
			}
			continue
		}

		if idle >= 0 {
			timer := time.NewTimer(idle)
			select {
			case <-r.wake:
				timer.Stop()
			case <-timer.C:
			case <-r.baseCtx.Done():
				timer.Stop()
				return
			}
		} else {
			select {
			case <-r.wake:
			case <-r.baseCtx.Done():
				return
			}
		}
	}
}

func (r *TaskRuntime) promoteDueLocked(now time.Time) {
	for len(r.delayed) > 0 && !r.delayed[0].NotBefore.After(now) {
		task := heap.Pop(&r.delayed).(*Task)
		if task.State.Terminal() {
			continue
		}
		task.State = StateQueued
		heap.Push(r.ready[task.Queue], task)
	}
}

func (r *TaskRuntime) popReadyLocked() *Task {
	for _, q := range queueOrder {
		h := r.ready[q]
		for h.Len() > 0 {
			task := heap.Pop(h).(*Task)
			if task.State.Terminal() {
				// cancelled while queued; already finalized
				continue
			}
			return task
		}
	}
	return nil
}

func (r *TaskRuntime) requeue(task *Task) {
	r.mu.Lock()
	if !task.State.Terminal() {
		heap.Push(r.ready[task.Queue], task)
	}
	r.mu.Unlock()
}

// workerLoop executes one task at a time. After MaxTasksPerChild
// completions the goroutine exits and a fresh one takes its place,
// bounding memory growth the same way worker recycling does.
func (r *TaskRuntime) workerLoop(id int) {
	defer r.wg.Done()
	completions := 0
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case task := <-r.dispatchCh:
			r.execute(task)
			completions++
			if r.cfg.Queue.MaxTasksPerChild > 0 && completions >= r.cfg.Queue.MaxTasksPerChild {
				log.Printf("Worker %d recycling after %d tasks", id, completions)
				r.wg.Add(1)
				go r.workerLoop(id)
				return
			}
		}
	}
}

func (r *TaskRuntime) execute(task *Task) {
	r.mu.Lock()
	if task.State.Terminal() {
		r.mu.Unlock()
		return
	}
	def := r.registry.Lookup(task.Name)
	task.State = StateRunning
	task.Attempt++
	task.StartedAt = time.Now()
	ctx, cancel := context.WithCancel(r.baseCtx)
	task.cancelFn = cancel
	r.runningByQ[task.Queue]++
	r.mu.Unlock()

	r.updateDepthMetrics()
	r.persist(task)

	result, err := r.invoke(ctx, def, task)
	cancel()

	r.mu.Lock()
	r.runningByQ[task.Queue]--
	cancelled := task.cancelRequested
	r.mu.Unlock()

	if err == nil {
		r.finalize(task, StateSucceeded, result, "")
		return
	}

	te := AsTaskError(err)
	switch {
	case cancelled:
		r.finalize(task, StateCancelled, nil, te.Error())
	case te.Kind == FailureRateLimited:
		// provider-supplied delay bypasses the normal backoff and does
		// not count against max_retries
		delay := te.RetryAfter
		if delay <= 0 {
			delay = time.Minute
		}
		r.reschedule(task, delay, te)
	case te.Terminal():
		r.finalize(task, StateFailed, nil, te.Error())
	default:
		r.mu.Lock()
		task.Retries++
		retries := task.Retries
		r.mu.Unlock()
		if def != nil && retries <= def.Retry.MaxRetries {
			r.reschedule(task, def.Retry.Delay(retries), te)
		} else {
			r.finalize(task, StateFailed, nil, te.Error())
		}
	}
}

// invoke runs the handler, converting panics into internal failures
func (r *TaskRuntime) invoke(ctx context.Context, def *TaskDefinition, task *Task) (result TaskResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Task %s (%s) panicked: %v", task.ID, task.Name, rec)
			err = InternalError(fmt.Errorf("panic: %v", rec))
		}
	}()
	if def == nil {
		return nil, InternalError(fmt.Errorf("no definition for task %s", task.Name))
	}
	return def.Handler(ctx, task)
}

func (r *TaskRuntime) reschedule(task *Task, delay time.Duration, cause *TaskError) {
	r.mu.Lock()
	task.State = StateRetrying
	task.LastError = cause.Error()
	task.NotBefore = time.Now().Add(delay)
	heap.Push(&r.delayed, task)
	r.mu.Unlock()

	r.metrics.RecordTaskRetry(task.Name, string(cause.Kind))
	r.updateDepthMetrics()
	r.persist(task)
	r.signalWake()
	log.Printf("Task %s (%s) rescheduled in %v after %s failure (attempt %d)",
		task.ID, task.Name, delay, cause.Kind, task.Attempt)
}

func (r *TaskRuntime) finalize(task *Task, state TaskState, result TaskResult, lastError string) {
	r.mu.Lock()
	r.finalizeLocked(task, state, result, lastError)
	r.mu.Unlock()
	r.afterFinalize(task)
}

func (r *TaskRuntime) finalizeLocked(task *Task, state TaskState, result TaskResult, lastError string) {
	if task.State.Terminal() {
		return
	}
	task.State = state
	task.Result = result
	if lastError != "" {
		task.LastError = lastError
	}
	task.CompletedAt = time.Now().UTC()
	if n := r.instances[task.Name]; n > 0 {
		r.instances[task.Name] = n - 1
	}
	for _, ch := range r.waiters[task.ID] {
		close(ch)
	}
	delete(r.waiters, task.ID)
}

func (r *TaskRuntime) afterFinalize(task *Task) {
	duration := time.Duration(0)
	if !task.StartedAt.IsZero() {
		duration = task.CompletedAt.Sub(task.StartedAt)
	}
	r.metrics.RecordTaskCompleted(task.Name, string(task.Queue), string(task.State), duration)
	r.updateDepthMetrics()
	r.persist(task)
	r.signalWake()
	if task.State == StateFailed {
		log.Printf("Task %s (%s) failed after %d attempts: %s", task.ID, task.Name, task.Attempt, task.LastError)
	}
}

// janitor expires terminal records past the result TTL and flags tasks
// running longer than the visibility timeout
func (r *TaskRuntime) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for id, task := range r.tasks {
				if task.State.Terminal() && now.Sub(task.CompletedAt) > r.cfg.Queue.ResultTTL {
					delete(r.tasks, id)
					continue
				}
				if task.State == StateRunning && now.Sub(task.StartedAt) > r.cfg.Queue.VisibilityTimeout {
					log.Printf("Task %s (%s) running past visibility timeout (%v)",
						id, task.Name, now.Sub(task.StartedAt))
					r.metrics.RecordStuckTask(task.Name)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *TaskRuntime) updateDepthMetrics() {
	for q, s := range r.QueueStatsAll() {
		r.metrics.UpdateQueueDepth(q, s.Ready, s.Delayed, s.Running)
	}
}

// persist mirrors the task record to the tasks table, best effort
func (r *TaskRuntime) persist(task *Task) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	rec := taskRecordLocked(task)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveTaskRecord(ctx, rec); err != nil {
		log.Printf("Failed to persist task record %s: %v", task.ID, err)
	}
}

func taskRecordLocked(task *Task) *TaskRecord {
	args, _ := json.Marshal(task.Payload)
	rec := &TaskRecord{
		ID:          task.ID,
		Name:        task.Name,
		Queue:       string(task.Queue),
		Priority:    task.Priority,
		State:       string(task.State),
		Args:        args,
		LastError:   task.LastError,
		Attempt:     task.Attempt,
		NotBefore:   task.NotBefore,
		SubmittedAt: task.SubmittedAt,
	}
	if task.Result != nil {
		if encoded, err := json.Marshal(task.Result); err == nil {
			rec.Result = encoded
		}
	}
	if !task.CompletedAt.IsZero() {
		ca := task.CompletedAt
		rec.CompletedAt = &ca
	}
	return rec
}
