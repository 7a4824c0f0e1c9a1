package ping

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Future is a single-value completion channel: it is completed once, with a value or an
// error, and every Await after that sees the same result.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete sets the result. Only the first call has an effect; it reports whether this
// call was it.
func (f *Future[T]) Complete(val T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx ends. Giving up on ctx does not
// affect the future; a later Await can still collect the result.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Annotate(ctx.Err(), "awaiting result")
	}
}
