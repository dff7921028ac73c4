package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

type callLog struct {
	mutex sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) get() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.calls...)
}

func syncPredicate(log *callLog, name string, result bool) Predicate {
	return namedPredicate{name: name, fn: func(ctx context.Context) (bool, error) {
		log.add(name)
		return result, nil
	}}
}

// asyncPredicate settles on another goroutine, like a check that waits on I/O
func asyncPredicate(log *callLog, name string, result bool, delay time.Duration) Predicate {
	return namedPredicate{name: name, fn: func(ctx context.Context) (bool, error) {
		log.add(name)
		done := make(chan bool, 1)
		go func() {
			time.Sleep(delay)
			done <- result
		}()
		select {
		case v := <-done:
			return v, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}}
}

type namedPredicate struct {
	name string
	fn   PredicateFunc
}

func (p namedPredicate) Name() string { return p.name }

func (p namedPredicate) Evaluate(ctx context.Context) (bool, error) { return p.fn(ctx) }

type namedAction struct {
	name string
	fn   ActionFunc
}

func (a namedAction) Name() string { return a.name }

func (a namedAction) Run(ctx context.Context) error { return a.fn(ctx) }

func TestAllPass(t *testing.T) {
	tests := []struct {
		name          string
		build         func(log *callLog) []Predicate
		expected      bool
		expectedCalls []string
	}{
		{
			name:          "empty passes",
			build:         func(log *callLog) []Predicate { return nil },
			expected:      true,
			expectedCalls: nil,
		},
		{
			name: "all sync true",
			build: func(log *callLog) []Predicate {
				return []Predicate{syncPredicate(log, "a", true), syncPredicate(log, "b", true)}
			},
			expected:      true,
			expectedCalls: []string{"a", "b"},
		},
		{
			name: "sync false short-circuits",
			build: func(log *callLog) []Predicate {
				return []Predicate{
					syncPredicate(log, "a", true),
					syncPredicate(log, "b", false),
					syncPredicate(log, "c", true),
				}
			},
			expected:      false,
			expectedCalls: []string{"a", "b"},
		},
		{
			name: "async false short-circuits",
			build: func(log *callLog) []Predicate {
				return []Predicate{
					asyncPredicate(log, "a", false, 10*time.Millisecond),
					syncPredicate(log, "b", true),
				}
			},
			expected:      false,
			expectedCalls: []string{"a"},
		},
		{
			name: "mixed sync and async pass",
			build: func(log *callLog) []Predicate {
				return []Predicate{
					syncPredicate(log, "a", true),
					asyncPredicate(log, "b", true, 5*time.Millisecond),
					syncPredicate(log, "c", true),
				}
			},
			expected:      true,
			expectedCalls: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			ok, err := AllPass(context.Background(), tt.build(log))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			assert.Equal(t, tt.expectedCalls, log.get())
		})
	}
}

func TestAllPass_LazyEvaluation(t *testing.T) {
	// the second predicate must not start before the first one has settled
	var firstSettled bool
	var mutex sync.Mutex

	predicates := []Predicate{
		PredicateFunc(func(ctx context.Context) (bool, error) {
			time.Sleep(20 * time.Millisecond)
			mutex.Lock()
			firstSettled = true
			mutex.Unlock()
			return true, nil
		}),
		PredicateFunc(func(ctx context.Context) (bool, error) {
			mutex.Lock()
			defer mutex.Unlock()
			return firstSettled, nil
		}),
	}

	ok, err := AllPass(context.Background(), predicates)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllPass_ErrorPropagates(t *testing.T) {
	log := &callLog{}
	cause := errors.New("connection count unavailable")
	predicates := []Predicate{
		namedPredicate{name: "connections", fn: func(ctx context.Context) (bool, error) {
			return false, cause
		}},
		syncPredicate(log, "never", true),
	}

	ok, err := AllPass(context.Background(), predicates)
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, domainerrors.IsCheckError(err))
	assert.Empty(t, log.get())
}

func TestAllPass_PanicBecomesError(t *testing.T) {
	predicates := []Predicate{
		PredicateFunc(func(ctx context.Context) (bool, error) {
			panic("nil resource")
		}),
	}

	ok, err := AllPass(context.Background(), predicates)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, domainerrors.IsCheckError(err))
	assert.Contains(t, err.Error(), "nil resource")
}

func TestAllPass_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log := &callLog{}
	ok, err := AllPass(ctx, []Predicate{syncPredicate(log, "a", true)})
	assert.False(t, ok)
	assert.True(t, domainerrors.IsCancelledError(err))
	assert.Empty(t, log.get())
}

func TestAllPass_PendingPastDeadline(t *testing.T) {
	log := &callLog{}
	never := make(chan struct{})
	t.Cleanup(func() { close(never) })

	predicates := []Predicate{
		namedPredicate{name: "stuck", fn: func(context.Context) (bool, error) {
			<-never
			return true, nil
		}},
		syncPredicate(log, "after", true),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok, err := AllPass(ctx, predicates)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, domainerrors.IsCheckError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, log.get())
}

func TestRunReverse_Order(t *testing.T) {
	log := &callLog{}
	var running sync.Mutex

	action := func(name string, delay time.Duration) Action {
		return namedAction{name: name, fn: func(ctx context.Context) error {
			// TryLock fails if two actions ever overlap
			if !running.TryLock() {
				return errors.New("actions overlapped")
			}
			defer running.Unlock()
			time.Sleep(delay)
			log.add(name)
			return nil
		}}
	}

	actions := []Action{
		action("A", 5*time.Millisecond),
		action("B", 15*time.Millisecond),
		action("C", 0),
	}

	err := RunReverse(context.Background(), actions, HaltOnError)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, log.get())
}

func TestRunReverse_HaltOnError(t *testing.T) {
	log := &callLog{}
	actions := []Action{
		namedAction{name: "A", fn: func(ctx context.Context) error { log.add("A"); return nil }},
		namedAction{name: "B", fn: func(ctx context.Context) error { log.add("B"); return errors.New("close failed") }},
		namedAction{name: "C", fn: func(ctx context.Context) error { log.add("C"); return nil }},
	}

	err := RunReverse(context.Background(), actions, HaltOnError)
	require.Error(t, err)
	assert.True(t, domainerrors.IsCleanupError(err))
	assert.Equal(t, []string{"C", "B"}, log.get())
}

func TestRunReverse_ContinueOnError(t *testing.T) {
	log := &callLog{}
	actions := []Action{
		namedAction{name: "A", fn: func(ctx context.Context) error { log.add("A"); return errors.New("a failed") }},
		namedAction{name: "B", fn: func(ctx context.Context) error { log.add("B"); panic("b exploded") }},
		namedAction{name: "C", fn: func(ctx context.Context) error { log.add("C"); return nil }},
	}

	err := RunReverse(context.Background(), actions, ContinueOnError)
	require.Error(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, log.get())

	var collection *domainerrors.ErrorCollection
	require.ErrorAs(t, err, &collection)
	assert.Len(t, collection.Errors, 2)
	assert.Contains(t, err.Error(), "b exploded")
}

func TestRunReverse_Empty(t *testing.T) {
	assert.NoError(t, RunReverse(context.Background(), nil, HaltOnError))
}
