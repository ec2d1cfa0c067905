package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned for units submitted to, or still queued in, a closed executor.
var ErrClosed = errors.New("worker: executor closed")

// Executor runs submitted units one at a time, in submission order, on a
// single goroutine. The backlog is unbounded.
type Executor struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []unit
	closed  bool
	running bool
	wake    chan struct{}

	startOnce sync.Once
	stopped   chan struct{}
	cancel    context.CancelFunc

	meter     metric.Meter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
	waited    metric.Float64Histogram
}

type unit struct {
	run      func(ctx context.Context)
	fail     func(err error)
	enqueued time.Time
}

// New creates an executor. Units are not run until Start is called.
func New(name string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		name:    name,
		logger:  logger.With(slog.String("component", "worker"), slog.String("executor", name)),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		meter:   otel.Meter("github.com/C25Ronaldo/voice-pick-bot/internal/worker"),
	}
	if err := e.initMetrics(); err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

// Start launches the worker goroutine. Units receive a context derived from
// ctx; cancelling ctx stops the executor the same way Close does.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		go e.loop(runCtx)
	})
}

// Submit enqueues fn and returns its future. It never blocks.
func Submit[T any](e *Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	fut := newFuture[T]()
	u := unit{
		run: func(ctx context.Context) {
			value, err := fn(ctx)
			fut.settle(Result[T]{Value: value, Err: err})
		},
		fail: func(err error) {
			fut.settle(Result[T]{Err: err})
		},
		enqueued: time.Now(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fut.settle(Result[T]{Err: ErrClosed})
		return fut
	}
	e.queue = append(e.queue, u)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return fut
}

// Pending reports the number of queued units, excluding the running one.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops accepting work, fails every queued unit with ErrClosed and
// waits for the running unit to return. If ctx expires first, the running
// unit's context is cancelled and Close returns ctx.Err() without waiting
// further; a unit that ignores cancellation is abandoned.
func (e *Executor) Close(ctx context.Context) error {
	dropped := e.shutdown()
	for _, u := range dropped {
		u.fail(ErrClosed)
	}
	if len(dropped) > 0 {
		e.logger.Info("dropped queued units", slog.Int("count", len(dropped)))
	}

	// a never-started executor cannot be started after Close
	e.startOnce.Do(func() { close(e.stopped) })
	if e.cancel == nil {
		return nil
	}

	select {
	case <-e.stopped:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		select {
		case <-e.stopped:
		default:
			e.logger.Warn("abandoning running unit", slog.String("error", ctx.Err().Error()))
		}
		return ctx.Err()
	}
}

func (e *Executor) shutdown() []unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	dropped := e.queue
	e.queue = nil
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.stopped)
	for {
		u, ok := e.next(ctx)
		if !ok {
			return
		}
		e.execute(ctx, u)
	}
}

func (e *Executor) next(ctx context.Context) (unit, bool) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return unit{}, false
		}
		if len(e.queue) > 0 {
			u := e.queue[0]
			e.queue[0] = unit{}
			e.queue = e.queue[1:]
			e.running = true
			e.mu.Unlock()
			return u, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-ctx.Done():
			for _, u := range e.shutdown() {
				u.fail(ErrClosed)
			}
			return unit{}, false
		}
	}
}

func (e *Executor) execute(ctx context.Context, u unit) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			e.logger.Error("unit panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			u.fail(fmt.Errorf("worker: unit panicked: %v", r))
		}
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.record(ctx, outcome, start, u.enqueued)
	}()
	u.run(ctx)
}

func (e *Executor) initMetrics() error {
	depth, err := e.meter.Int64ObservableGauge("voicepick.worker.queue_depth",
		metric.WithDescription("Units waiting for the inference worker"))
	if err != nil {
		return err
	}
	_, err = e.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		e.mu.Lock()
		n := int64(len(e.queue))
		if e.running {
			n++
		}
		e.mu.Unlock()
		obs.ObserveInt64(depth, n, metric.WithAttributes(attribute.String("executor", e.name)))
		return nil
	}, depth)
	if err != nil {
		return err
	}
	if e.completed, err = e.meter.Int64Counter("voicepick.worker.units_completed",
		metric.WithDescription("Units run by the worker")); err != nil {
		return err
	}
	if e.duration, err = e.meter.Float64Histogram("voicepick.worker.unit_duration",
		metric.WithDescription("Time spent running a unit"), metric.WithUnit("s")); err != nil {
		return err
	}
	if e.waited, err = e.meter.Float64Histogram("voicepick.worker.queue_wait",
		metric.WithDescription("Time a unit spent queued"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

func (e *Executor) record(ctx context.Context, outcome string, start, enqueued time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("executor", e.name),
		attribute.String("outcome", outcome),
	)
	if e.completed != nil {
		e.completed.Add(ctx, 1, attrs)
	}
	if e.duration != nil {
		e.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if e.waited != nil {
		e.waited.Record(ctx, start.Sub(enqueued).Seconds(), metric.WithAttributes(attribute.String("executor", e.name)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
