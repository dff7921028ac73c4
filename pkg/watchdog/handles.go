package watchdog

import (
	"context"
)

// Check is a shutdown condition. Two checks are the same check only if they
// are the same handle; wrapping one function twice yields two checks.
type Check struct {
	name string
	fn   func(ctx context.Context) (bool, error)
}

func NewCheck(name string, fn func(ctx context.Context) (bool, error)) *Check {
	return &Check{name: name, fn: fn}
}

// NewSyncCheck wraps a predicate that answers immediately
func NewSyncCheck(name string, fn func() bool) *Check {
	return NewCheck(name, func(ctx context.Context) (bool, error) {
		return fn(), nil
	})
}

func (c *Check) Name() string {
	return c.name
}

func (c *Check) Evaluate(ctx context.Context) (bool, error) {
	return c.fn(ctx)
}

// Cleanup is a teardown action run when the watchdog shuts down
type Cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCleanup(name string, fn func(ctx context.Context) error) *Cleanup {
	return &Cleanup{name: name, fn: fn}
}

func NewSyncCleanup(name string, fn func()) *Cleanup {
	return NewCleanup(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

func (c *Cleanup) Name() string {
	return c.name
}

func (c *Cleanup) Run(ctx context.Context) error {
	return c.fn(ctx)
}

// orderedSet keeps insertion order. Adding a present item keeps its position.
type orderedSet[T comparable] struct {
	items []T
	index map[T]struct{}
}

func newOrderedSet[T comparable]() *orderedSet[T] {
	return &orderedSet[T]{index: make(map[T]struct{})}
}

func (s *orderedSet[T]) add(item T) bool {
	if _, exists := s.index[item]; exists {
		return false
	}
	s.index[item] = struct{}{}
	s.items = append(s.items, item)
	return true
}

func (s *orderedSet[T]) remove(item T) bool {
	if _, exists := s.index[item]; !exists {
		return false
	}
	delete(s.index, item)
	for i, existing := range s.items {
		if existing == item {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

func (s *orderedSet[T]) contains(item T) bool {
	_, exists := s.index[item]
	return exists
}

func (s *orderedSet[T]) len() int {
	return len(s.items)
}

func (s *orderedSet[T]) snapshot() []T {
	return append([]T(nil), s.items...)
}
