// Package sequence composes shutdown checks and cleanups.
//
// AllPass evaluates predicates in order and stops at the first one that is not
// satisfied. RunReverse executes actions last-registered-first, one at a time.
// Both treat a panic in user code as an error of that step.
package sequence

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

// Predicate is a single shutdown condition.
// Evaluate may block; AllPass stops waiting for it once ctx is done.
type Predicate interface {
	Name() string
	Evaluate(ctx context.Context) (bool, error)
}

// Action is a single teardown step
type Action interface {
	Name() string
	Run(ctx context.Context) error
}

// FailurePolicy decides what RunReverse does when an action fails
type FailurePolicy string

const (
	// HaltOnError stops the sequence at the first failing action
	HaltOnError FailurePolicy = "halt"

	// ContinueOnError runs every action and reports all failures together
	ContinueOnError FailurePolicy = "continue"
)

// PredicateFunc adapts a plain function to Predicate
type PredicateFunc func(ctx context.Context) (bool, error)

func (f PredicateFunc) Name() string { return "func" }

func (f PredicateFunc) Evaluate(ctx context.Context) (bool, error) { return f(ctx) }

// ActionFunc adapts a plain function to Action
type ActionFunc func(ctx context.Context) error

func (f ActionFunc) Name() string { return "func" }

func (f ActionFunc) Run(ctx context.Context) error { return f(ctx) }

// AllPass reports whether every predicate is satisfied.
// Predicates are invoked lazily, left to right; the first false result, error,
// or predicate still pending when ctx is done ends the evaluation. An empty
// list passes.
func AllPass(ctx context.Context, predicates []Predicate) (bool, error) {
	for i, p := range predicates {
		if err := ctx.Err(); err != nil {
			return false, errors.NewCancelledError("check evaluation cancelled", err).
				WithContext("index", i)
		}

		ok, err := evaluate(ctx, p)
		if err != nil {
			return false, errors.NewCheckError("check failed", err).
				WithContext("check", p.Name()).
				WithContext("index", i)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// RunReverse executes actions from the last to the first.
// Each action returns before the next one starts.
func RunReverse(ctx context.Context, actions []Action, policy FailurePolicy) error {
	collection := errors.NewErrorCollection()

	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := run(ctx, a); err != nil {
			cleanupErr := errors.NewCleanupError("cleanup failed", err).
				WithContext("cleanup", a.Name()).
				WithContext("index", i)
			if policy != ContinueOnError {
				return cleanupErr
			}
			collection.Add(cleanupErr)
		}
	}

	return collection.ToError()
}

type evaluation struct {
	ok  bool
	err error
}

// evaluate returns once p settles or ctx is done, whichever comes first.
// A predicate that ignores ctx keeps running in the background; its late
// result is dropped.
func evaluate(ctx context.Context, p Predicate) (bool, error) {
	result := make(chan evaluation, 1)
	go func() {
		var r evaluation
		defer func() {
			if v := recover(); v != nil {
				r = evaluation{err: fmt.Errorf("check panicked: %v", v)}
			}
			result <- r
		}()
		r.ok, r.err = p.Evaluate(ctx)
	}()

	select {
	case r := <-result:
		return r.ok, r.err
	case <-ctx.Done():
		return false, errors.NewCancelledError("check still pending at deadline", ctx.Err())
	}
}

func run(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return a.Run(ctx)
}
