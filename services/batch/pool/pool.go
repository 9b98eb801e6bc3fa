// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides a bounded, priority-ordered worker pool.
//
// # Description
//
// Tasks are queued by priority (higher first, ties in arrival order) and run
// on at most MaxConcurrent goroutines. Each task runs under a watchdog: a task
// exceeding its timeout resolves as failed with a *TimeoutError instead of
// hanging the caller. Cancellation is cooperative. The task's context is
// checked before start and passed into the task; a task cancelled while
// running resolves as cancelled at once even if its body keeps going. Every
// TaskResult carries a Settled channel that closes once the body has returned
// or its grace period ran out, so callers that must not overlap with a
// lingering body can wait for it.
//
// The queue is bounded. Submit fails fast with ErrQueueFull instead of
// growing without limit.
//
// The pool knows nothing about files or operations. It runs opaque functions
// and reports their outcome.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

// Default configuration values.
const (
	DefaultQueueCapacity = 1024
	DefaultWorkerTimeout = 30 * time.Second
	DefaultGracePeriod   = time.Second
)

// Config configures a Pool.
type Config struct {
	// Name labels metrics and logs. Default: "default".
	Name string

	// MaxConcurrent bounds the number of in-flight tasks.
	// Default: runtime.NumCPU().
	MaxConcurrent int

	// QueueCapacity bounds the number of pending tasks. Default: 1024.
	QueueCapacity int

	// WorkerTimeout is the watchdog limit for tasks that do not set their
	// own. Default: 30s.
	WorkerTimeout time.Duration

	// GracePeriod is how long a timed-out or cancelled task may keep its
	// worker slot while it winds down. Default: 1s.
	GracePeriod time.Duration

	// DispatchRate limits task starts per second. Zero disables the limit.
	DispatchRate float64

	// DispatchBurst is the limiter burst size. Default: MaxConcurrent.
	DispatchBurst int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = runtime.NumCPU()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = c.MaxConcurrent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Task is an opaque unit of work.
type Task struct {
	// ID identifies the task in results and logs.
	ID string

	// Priority orders the queue; higher runs first.
	Priority int

	// Timeout overrides Config.WorkerTimeout when positive.
	Timeout time.Duration

	// Run does the work. It must observe ctx to stop promptly on
	// cancellation or timeout.
	Run func(ctx context.Context) (any, error)
}

// TaskResult is the resolved outcome of one task.
type TaskResult struct {
	TaskID    string
	Status    operation.Status
	Value     any
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	QueueWait time.Duration

	// Settled is closed when the task body has returned or its grace period
	// ended. For a result delivered on timeout or cancellation it may still
	// be open when the result arrives.
	Settled <-chan struct{}
}

var settledChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queued        int
	Running       int
	PeakRunning   int
	Submitted     uint64
	Completed     uint64
	Rejected      uint64
	MaxConcurrent int
}

// Pool is a bounded priority worker pool.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     taskQueue
	seq       uint64
	running   int
	peak      int
	completed uint64
	rejected  uint64
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Pool. Workers are started on demand; an idle pool holds no
// goroutines.
func New(cfg Config) *Pool {
	cfg.ApplyDefaults()

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pool", "pool", cfg.Name),
	}
	if cfg.DispatchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}
	heap.Init(&p.queue)
	return p
}

// MaxConcurrent returns the in-flight task bound.
func (p *Pool) MaxConcurrent() int {
	return p.cfg.MaxConcurrent
}

// Submit enqueues a task.
//
// # Description
//
// The task starts as soon as a worker slot is free and no higher-priority
// task is waiting. The returned channel receives exactly one TaskResult and
// is never closed.
//
// # Inputs
//
//   - ctx: Cancels the task whether it is queued or running.
//   - task: The work. Run must not be nil.
//
// # Outputs
//
//   - <-chan TaskResult: Receives the outcome.
//   - error: ErrQueueFull, ErrPoolClosed or ErrNilTask. Nothing is queued
//     when an error is returned.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan TaskResult, error) {
	if task.Run == nil {
		return nil, ErrNilTask
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.enqueueLocked(ctx, task)
	if err != nil {
		return nil, err
	}
	p.dispatchLocked()
	return ch, nil
}

// SubmitAll enqueues tasks as one unit before any of them is dispatched, so
// free slots go to the highest priorities in the set rather than to the
// first tasks in the slice.
//
// The returned slices are parallel to tasks. A task that could not be queued
// has a nil channel and a non-nil error; the others are queued regardless.
func (p *Pool) SubmitAll(ctx context.Context, tasks []Task) ([]<-chan TaskResult, []error) {
	chans := make([]<-chan TaskResult, len(tasks))
	errs := make([]error, len(tasks))

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, task := range tasks {
		if task.Run == nil {
			errs[i] = ErrNilTask
			continue
		}
		chans[i], errs[i] = p.enqueueLocked(ctx, task)
	}
	p.dispatchLocked()
	return chans, errs
}

// enqueueLocked pushes one task. Caller holds p.mu.
func (p *Pool) enqueueLocked(ctx context.Context, task Task) (<-chan TaskResult, error) {
	if p.closed {
		p.rejected++
		rejectedTotal.WithLabelValues(p.cfg.Name, "closed").Inc()
		return nil, ErrPoolClosed
	}
	if len(p.queue) >= p.cfg.QueueCapacity {
		p.rejected++
		rejectedTotal.WithLabelValues(p.cfg.Name, "queue_full").Inc()
		return nil, fmt.Errorf("%w: capacity %d", ErrQueueFull, p.cfg.QueueCapacity)
	}

	qt := &queuedTask{
		task:     task,
		ctx:      ctx,
		seq:      p.seq,
		enqueued: time.Now(),
		result:   make(chan TaskResult, 1),
	}
	p.seq++
	heap.Push(&p.queue, qt)
	queueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
	return qt.result, nil
}

// Execute submits a task and waits for its result.
//
// Submission errors are reported as a failed result so callers always get a
// TaskResult back.
func (p *Pool) Execute(ctx context.Context, task Task) TaskResult {
	ch, err := p.Submit(ctx, task)
	if err != nil {
		now := time.Now()
		return TaskResult{
			TaskID:    task.ID,
			Status:    operation.StatusFailed,
			Err:       err,
			StartTime: now,
			EndTime:   now,
			Settled:   settledChan,
		}
	}
	return <-ch
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:        len(p.queue),
		Running:       p.running,
		PeakRunning:   p.peak,
		Submitted:     p.seq,
		Completed:     p.completed,
		Rejected:      p.rejected,
		MaxConcurrent: p.cfg.MaxConcurrent,
	}
}

// Close stops accepting tasks and waits for queued and running tasks to
// resolve. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// dispatchLocked starts queued tasks while slots are free. Caller holds p.mu.
func (p *Pool) dispatchLocked() {
	for p.running < p.cfg.MaxConcurrent && len(p.queue) > 0 {
		qt := heap.Pop(&p.queue).(*queuedTask)
		p.running++
		if p.running > p.peak {
			p.peak = p.running
		}
		p.wg.Add(1)
		go p.work(qt)
	}
	inFlight.WithLabelValues(p.cfg.Name).Set(float64(p.running))
	queueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
}

// release frees a worker slot and hands it to the next queued task.
func (p *Pool) release() {
	p.mu.Lock()
	p.running--
	p.completed++
	p.dispatchLocked()
	p.mu.Unlock()
	p.wg.Done()
}

type outcome struct {
	value any
	err   error
}

// work runs one task under the watchdog and delivers its result.
func (p *Pool) work(qt *queuedTask) {
	defer p.release()
	settled := make(chan struct{})
	defer close(settled)

	start := time.Now()
	res := TaskResult{
		TaskID:    qt.task.ID,
		StartTime: start,
		QueueWait: start.Sub(qt.enqueued),
		Settled:   settled,
	}
	queueWait.WithLabelValues(p.cfg.Name).Observe(res.QueueWait.Seconds())

	if err := qt.ctx.Err(); err != nil {
		p.deliver(qt, res, operation.StatusCancelled, nil, err)
		return
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(qt.ctx); err != nil {
			p.deliver(qt, res, operation.StatusCancelled, nil, err)
			return
		}
	}

	timeout := qt.task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.WorkerTimeout
	}

	taskCtx, cancel := context.WithCancel(qt.ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrTaskPanic, r)}
			}
		}()
		v, err := qt.task.Run(taskCtx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			p.deliver(qt, res, operation.StatusSuccess, out.value, nil)
		case qt.ctx.Err() != nil && errors.Is(out.err, qt.ctx.Err()):
			p.deliver(qt, res, operation.StatusCancelled, out.value, out.err)
		default:
			p.deliver(qt, res, operation.StatusFailed, out.value, out.err)
		}

	case <-timer.C:
		cancel()
		timeoutsTotal.WithLabelValues(p.cfg.Name).Inc()
		p.logger.Warn("task timeout",
			slog.String("task_id", qt.task.ID),
			slog.Duration("timeout", timeout))
		p.deliver(qt, res, operation.StatusFailed, nil, &TimeoutError{TaskID: qt.task.ID, Timeout: timeout})
		p.awaitGrace(qt.task.ID, done)

	case <-qt.ctx.Done():
		cancel()
		p.deliver(qt, res, operation.StatusCancelled, nil, qt.ctx.Err())
		p.awaitGrace(qt.task.ID, done)
	}
}

// awaitGrace holds the worker slot until the task body returns or the grace
// period ends. A body that ignores its context past the grace period keeps
// running unowned; its result is discarded.
func (p *Pool) awaitGrace(taskID string, done <-chan outcome) {
	grace := time.NewTimer(p.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		p.logger.Warn("task ignored cancellation past grace period",
			slog.String("task_id", taskID),
			slog.Duration("grace", p.cfg.GracePeriod))
	}
}

func (p *Pool) deliver(qt *queuedTask, res TaskResult, status operation.Status, value any, err error) {
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	res.Status = status
	res.Value = value
	res.Err = err

	tasksTotal.WithLabelValues(p.cfg.Name, string(status)).Inc()
	taskDuration.WithLabelValues(p.cfg.Name).Observe(res.Duration.Seconds())

	qt.result <- res
}
