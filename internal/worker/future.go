package worker

import (
	"context"
	"sync"
)

// Result is the outcome of a unit of work: either Value or Err.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Future is the handle to a unit's eventual Result. It settles exactly once.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	result    Result[T]
	callbacks []func(Result[T])
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result blocks until the unit has finished.
func (f *Future[T]) Result() Result[T] {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Wait is Result bounded by ctx; on expiry it returns ctx.Err() without
// affecting the unit itself.
func (f *Future[T]) Wait(ctx context.Context) Result[T] {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return Result[T]{Err: ctx.Err()}
	}
}

// OnComplete registers fn to receive the result. fn runs on the goroutine
// that settles the future, or immediately when it has already settled.
func (f *Future[T]) OnComplete(fn func(Result[T])) {
	f.mu.Lock()
	select {
	case <-f.done:
		res := f.result
		f.mu.Unlock()
		fn(res)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *Future[T]) settle(res Result[T]) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.result = res
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(res)
	}
}
