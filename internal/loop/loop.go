// Package loop runs blocking work on a single dedicated worker goroutine.
//
// A Loop is constructed explicitly and injected into the components that
// need it; there is no process-wide instance. Work is enqueued on a bounded
// queue and completed through a Future, so synchronous callers can wait
// with a timeout while the loop serializes every call it executes.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned when work is submitted to a stopped loop.
	ErrNotRunning = errors.New("loop: not running")
	// ErrQueueFull is returned when the bounded queue has no free slot.
	ErrQueueFull = errors.New("loop: queue full")
	// ErrTimeout is returned when a caller stops waiting for a task. The
	// task itself may still complete; its outcome is unknown to the caller.
	ErrTimeout = errors.New("loop: timed out waiting for result")
	// ErrStopped fails tasks that were queued but never started before Stop.
	ErrStopped = errors.New("loop: stopped before task started")
	// ErrStartTimeout is returned when the worker does not report readiness
	// within the startup timeout.
	ErrStartTimeout = errors.New("loop: worker did not start in time")
	// ErrReentrant is returned when a task running on the loop tries to
	// submit work to the same loop and wait for it.
	ErrReentrant = errors.New("loop: reentrant call from loop goroutine")
)

// Task is a unit of work executed on the loop goroutine. The context is
// cancelled when the loop stops or the submitting context is done.
type Task func(ctx context.Context) (any, error)

// Config sizes the loop.
type Config struct {
	QueueSize      int
	StartupTimeout time.Duration
	StopTimeout    time.Duration
}

// Future is the pending result of a submitted Task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(v any, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the task has finished or been abandoned by Stop.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes or the timeout elapses. A
// non-positive timeout waits indefinitely.
func (f *Future) Wait(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		<-f.done
		return f.value, f.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

type markerKey struct{}

// Loop owns one worker goroutine and a bounded task queue.
type Loop struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	queue   chan *job
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped loop. Call Start before submitting work.
func New(cfg Config, logger *zap.Logger) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, logger: logger.Named("loop")}
}

// Start launches the worker goroutine and waits until it is ready. It
// returns false without error if the loop is already running.
func (l *Loop) Start(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return false, nil
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	workerCtx = context.WithValue(workerCtx, markerKey{}, l)
	queue := make(chan *job, l.cfg.QueueSize)
	ready := make(chan struct{})
	done := make(chan struct{})

	go l.run(workerCtx, queue, ready, done)

	timer := time.NewTimer(l.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		cancel()
		return false, ErrStartTimeout
	}

	l.queue, l.cancel, l.done = queue, cancel, done
	l.running = true
	l.logger.Info("loop started", zap.Int("queue_size", l.cfg.QueueSize))
	return true, nil
}

// Running reports whether the loop accepts work.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop cancels the worker context, fails queued tasks with ErrStopped and
// waits up to timeout for the worker to exit. A non-positive timeout uses
// the configured StopTimeout. A worker that does not exit in time is logged
// and abandoned. Stop on a stopped loop is a no-op.
func (l *Loop) Stop(timeout time.Duration) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	queue, cancel, done := l.queue, l.cancel, l.done
	l.queue, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if timeout <= 0 {
		timeout = l.cfg.StopTimeout
	}

	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		l.logger.Info("loop stopped")
	case <-timer.C:
		l.logger.Error("loop worker did not exit before stop timeout",
			zap.Duration("timeout", timeout))
	}
	drain(queue)
}

// Submit enqueues task and returns its Future.
func (l *Loop) Submit(ctx context.Context, task Task) (*Future, error) {
	if OnLoop(ctx, l) {
		return nil, ErrReentrant
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil, ErrNotRunning
	}

	j := &job{ctx: ctx, task: task, future: newFuture()}
	select {
	case l.queue <- j:
		return j.future, nil
	default:
		return nil, ErrQueueFull
	}
}

// Call submits fn to the loop and waits up to timeout for its typed result.
// Timing out returns ErrTimeout; the call may still complete on the loop.
// Cancellation of ctx returns ctx.Err() with the same caveat.
func Call[T any](ctx context.Context, l *Loop, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	f, err := l.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-f.Done():
	case <-timeoutC:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	if f.err != nil {
		return zero, f.err
	}
	if f.value == nil {
		return zero, nil
	}
	v, ok := f.value.(T)
	if !ok {
		return zero, fmt.Errorf("loop: unexpected result type %T", f.value)
	}
	return v, nil
}

// OnLoop reports whether ctx belongs to a task running on l.
func OnLoop(ctx context.Context, l *Loop) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(markerKey{}).(*Loop)
	return owner == l
}

func (l *Loop) run(ctx context.Context, queue chan *job, ready, done chan struct{}) {
	defer close(done)
	close(ready)

	for {
		select {
		case <-ctx.Done():
			drain(queue)
			return
		case j := <-queue:
			if ctx.Err() != nil {
				j.future.complete(nil, ErrStopped)
				continue
			}
			l.execute(ctx, j)
		}
	}
}

func (l *Loop) execute(workerCtx context.Context, j *job) {
	taskCtx, cancel := context.WithCancel(workerCtx)
	defer cancel()
	if j.ctx != nil {
		stop := context.AfterFunc(j.ctx, cancel)
		defer stop()
	}

	var (
		v   any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("loop: task panicked: %v", r)
				l.logger.Error("task panicked", zap.Any("panic", r))
			}
		}()
		v, err = j.task(taskCtx)
	}()
	j.future.complete(v, err)
}

func drain(queue chan *job) {
	for {
		select {
		case j := <-queue:
			j.future.complete(nil, ErrStopped)
		default:
			return
		}
	}
}
