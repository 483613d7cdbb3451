package fiber

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Future is a value that becomes available later, typically the result of a
// backend operation running on another goroutine.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v, err)
	return f
}

// Async runs fn on its own goroutine and completes the returned future with
// its result. A panic in fn completes the future with an error.
func Async[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.Complete(zero, fmt.Errorf("fiber: async panic: %v\n%s", r, debug.Stack()))
			}
		}()
		f.Complete(fn())
	}()
	return f
}

// Complete sets the future's result. Only the first call has an effect; it
// reports whether this call was the one that completed the future.
func (f *Future[T]) Complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Ready reports whether the result is available. It never blocks.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await returns the future's result. Called from a task body it suspends the
// task, round after round, until the result is available; the scheduler keeps
// resuming other tasks in the meantime. Called outside a task it blocks.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	if t := Current(ctx); t != nil {
		for !f.Ready() {
			if err := t.suspend(); err != nil {
				var zero T
				return zero, err
			}
		}
		return f.value, f.err
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
