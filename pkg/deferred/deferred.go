// Package deferred provides a result that is settled exactly once, from outside
// the code that created it, and observed by any number of waiters.
package deferred

import (
	"context"
	"sync"
)

// Deferred holds a pending value of type T.
// The zero value is not usable; create one with New.
type Deferred[T any] struct {
	mutex sync.Mutex
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles d with v. It reports false, and changes nothing,
// if d was already settled.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(v, nil)
}

// Reject settles d with err. A nil err is treated like a zero-value Resolve.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(v T, err error) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	select {
	case <-d.done:
		return false
	default:
	}

	d.value = v
	d.err = err
	close(d.done)
	return true
}

// Done is closed once d is settled
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until d is settled or ctx is done
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking.
// settled is false while d is still pending.
func (d *Deferred[T]) Result() (value T, settled bool, err error) {
	select {
	case <-d.done:
		return d.value, true, d.err
	default:
		var zero T
		return zero, false, nil
	}
}
