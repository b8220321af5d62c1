package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ScheduleEntry is one fixed periodic job. Next computes the following fire
// time from the current one; Build produces the payload to submit.
type ScheduleEntry struct {
	Name     string
	Queue    QueueClass
	Priority int
	Next     func(now time.Time) time.Time
	Build    func() TaskPayload
}

// PeriodicScheduler is the singleton tick process: it emits the fixed
// schedule by submitting jobs to the task runtime. The runtime's per-name
// instance guard keeps at most one instance in flight per schedule name.
type PeriodicScheduler struct {
	runtime *TaskRuntime
	metrics *PrometheusMetrics
	entries []ScheduleEntry

	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
}

// NewPeriodicScheduler creates the scheduler with the standard schedule:
// hourly scan trigger, half-hourly summary backlog sweep, hourly daily
// topics rebuild and the Sunday 02:00 UTC weekly topic pipeline.
func NewPeriodicScheduler(runtime *TaskRuntime, metrics *PrometheusMetrics) *PeriodicScheduler {
	return &PeriodicScheduler{
		runtime: runtime,
		metrics: metrics,
		entries: []ScheduleEntry{
			{
				Name:     "scheduled-scan-trigger",
				Queue:    QueueLow,
				Priority: 3,
				Next:     nextHourTop,
				Build:    func() TaskPayload { return ScanAllSourcesArgs{} },
			},
			{
				Name:     "summary-backlog-sweep",
				Queue:    QueueLow,
				Priority: 2,
				Next:     nextHalfHour,
				Build:    func() TaskPayload { return SummaryBacklogSweepArgs{} },
			},
			{
				Name:     "daily-topics-rebuild",
				Queue:    QueueLow,
				Priority: 2,
				Next:     nextHourTop,
				Build:    func() TaskPayload { return DailyTopicsArgs{} },
			},
			{
				Name:     "weekly-topic-pipeline",
				Queue:    QueueLow,
				Priority: 1,
				Next:     nextSundayAt(2),
				Build:    func() TaskPayload { return WeeklyTopicPipelineArgs{} },
			},
		},
		done: make(chan struct{}),
	}
}

// Start launches one timer goroutine per schedule entry
func (s *PeriodicScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("periodic scheduler is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	log.Printf("Starting periodic scheduler with %d entries", len(s.entries))

	var wg sync.WaitGroup
	for _, entry := range s.entries {
		wg.Add(1)
		go func(e ScheduleEntry) {
			defer wg.Done()
			s.runEntry(ctx, e)
		}(entry)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

func (s *PeriodicScheduler) runEntry(ctx context.Context, entry ScheduleEntry) {
	for {
		next := entry.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(entry)
		}
	}
}

func (s *PeriodicScheduler) fire(entry ScheduleEntry) {
	id, err := s.runtime.Submit(entry.Build(), WithQueue(entry.Queue), WithPriority(entry.Priority))
	switch {
	case errors.Is(err, ErrAlreadyQueued):
		// previous instance still in flight; skip this tick
		log.Printf("Schedule %s skipped: instance already in flight", entry.Name)
		s.metrics.RecordScheduleTick(entry.Name, "skipped")
	case err != nil:
		log.Printf("Schedule %s submission failed: %v", entry.Name, err)
		s.metrics.RecordScheduleTick(entry.Name, "error")
	default:
		log.Printf("Schedule %s fired as task %s", entry.Name, id)
		s.metrics.RecordScheduleTick(entry.Name, "fired")
	}
}

// nextHourTop returns the next :00 boundary strictly after now
func nextHourTop(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

// nextHalfHour returns the next :00 or :30 boundary strictly after now
func nextHalfHour(now time.Time) time.Time {
	return now.Truncate(30 * time.Minute).Add(30 * time.Minute)
}

// nextSundayAt returns a schedule function firing weekly on Sunday at the
// given UTC hour
func nextSundayAt(hour int) func(now time.Time) time.Time {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		for next.Weekday() != time.Sunday || !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}
