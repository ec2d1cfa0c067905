package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/C25Ronaldo/voice-pick-bot/internal/worker"
)

// Loop is a single-goroutine Dispatcher: posted closures run one at a time
// in posting order.
type Loop struct {
	exec   *worker.Executor
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		exec:   worker.New("caller", logger),
		logger: logger.With(slog.String("component", "caller-loop")),
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.exec.Start(ctx)
}

// Post queues fn. After Close it returns worker.ErrClosed and fn never runs.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return worker.ErrClosed
	}
	l.pending.Add(1)
	l.mu.Unlock()

	fut := worker.Submit(l.exec, func(context.Context) (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	fut.OnComplete(func(res worker.Result[struct{}]) {
		defer l.pending.Done()
		if res.Err == nil {
			return
		}
		if errors.Is(res.Err, worker.ErrClosed) {
			l.logger.Warn("dropped callback after close")
			return
		}
		l.logger.Error("callback failed", slogError(res.Err))
	})
	return nil
}

// Close refuses further posts, runs every closure already posted and then
// stops the loop. Closures still queued when ctx expires are dropped.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
	return l.exec.Close(ctx)
}
