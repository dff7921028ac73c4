package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/sequence"
)

const testTimeout = 100 * time.Millisecond

// exitRecorder stands in for os.Exit and remembers when it was called
type exitRecorder struct {
	start  time.Time
	once   sync.Once
	exited chan struct{}
	at     time.Duration
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{start: time.Now(), exited: make(chan struct{})}
}

func (r *exitRecorder) exit() {
	r.once.Do(func() {
		r.at = time.Since(r.start)
		close(r.exited)
	})
}

func (r *exitRecorder) waitExit(t *testing.T, within time.Duration) time.Duration {
	t.Helper()
	select {
	case <-r.exited:
		return r.at
	case <-time.After(within):
		t.Fatalf("watchdog did not exit within %v", within)
		return 0
	}
}

func (r *exitRecorder) assertNoExit(t *testing.T, during time.Duration) {
	t.Helper()
	select {
	case <-r.exited:
		t.Fatalf("watchdog exited unexpectedly after %v", r.at)
	case <-time.After(during):
	}
}

func newTestWatchdog(t *testing.T, recorder *exitRecorder, modify func(*Options)) *Watchdog {
	t.Helper()
	options := Options{
		Timeout: testTimeout,
		Exit:    recorder.exit,
	}
	if modify != nil {
		modify(&options)
	}
	w, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })
	return w
}

func assertElapsed(t *testing.T, elapsed, min, max time.Duration) {
	t.Helper()
	assert.GreaterOrEqual(t, elapsed, min, "exited too early")
	assert.Less(t, elapsed, max, "exited too late")
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		options Options
	}{
		{"zero timeout", Options{}},
		{"negative timeout", Options{Timeout: -time.Second}},
		{"unknown policy", Options{Timeout: time.Second, CleanupFailure: "retry"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.options)
			require.Error(t, err)
			assert.True(t, domainerrors.IsValidationError(err))
		})
	}
}

func TestWatchdog_ExitsWhenIdle(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, nil)

	assert.Equal(t, StateArmed, w.State())
	assertElapsed(t, recorder.waitExit(t, time.Second), 100*time.Millisecond, 300*time.Millisecond)

	<-w.Done()
	assert.Equal(t, StateTerminated, w.State())
	assert.NoError(t, w.Err())
}

func TestWatchdog_ResetPostponesExit(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, nil)

	for _, at := range []time.Duration{50, 150, 250} {
		time.AfterFunc(at*time.Millisecond, w.ResetTimer)
	}

	assertElapsed(t, recorder.waitExit(t, 2*time.Second), 300*time.Millisecond, 500*time.Millisecond)
}

func TestWatchdog_RescheduleClearsActivity(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) { o.Timeout = 60 * time.Millisecond })

	w.ResetTimer()
	w.ResetTimer()
	w.ResetTimer()
	assert.Equal(t, 4, w.Activity())

	require.Eventually(t, func() bool {
		return w.State() == StateArmed && w.Activity() == 0
	}, 500*time.Millisecond, 2*time.Millisecond)

	recorder.waitExit(t, time.Second)
}

func TestWatchdog_RemovedActivityCheckIgnoresResets(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, nil)
	w.RemoveCheck(w.ActivityCheck())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.ResetTimer()
			case <-stop:
				return
			}
		}
	}()

	assertElapsed(t, recorder.waitExit(t, time.Second), 95*time.Millisecond, 300*time.Millisecond)
}

func TestWatchdog_StopThenStart(t *testing.T) {
	tests := []struct {
		name  string
		stops int
	}{
		{"single stop", 1},
		{"double stop", 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			recorder := newExitRecorder()
			w := newTestWatchdog(t, recorder, nil)

			for i := 0; i < tt.stops; i++ {
				w.Stop()
			}
			assert.Equal(t, StateDisarmed, w.State())

			time.AfterFunc(200*time.Millisecond, w.Start)

			assertElapsed(t, recorder.waitExit(t, time.Second), 300*time.Millisecond, 500*time.Millisecond)
		})
	}
}

func TestWatchdog_DetachUnknownResource(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, nil)

	type server struct{ name string }
	assert.NotPanics(t, func() { w.Detach(&server{name: "never attached"}) })
	assert.NotPanics(t, func() { w.Detach(nil) })

	assertElapsed(t, recorder.waitExit(t, time.Second), 100*time.Millisecond, 300*time.Millisecond)
}

func TestWatchdog_CheckPassesLater(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	begin := time.Now()

	newTestWatchdog(t, recorder, func(o *Options) {
		o.Checks = []*Check{NewCheck("warm-up", func(ctx context.Context) (bool, error) {
			result := make(chan bool, 1)
			go func() { result <- time.Since(begin) > 300*time.Millisecond }()
			select {
			case ok := <-result:
				return ok, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		})}
	})

	assertElapsed(t, recorder.waitExit(t, time.Second), 300*time.Millisecond, 500*time.Millisecond)
}

func TestWatchdog_CheckErrorMeansNotReady(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()

	var mutex sync.Mutex
	calls := 0
	newTestWatchdog(t, recorder, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.Checks = []*Check{NewCheck("flaky", func(ctx context.Context) (bool, error) {
			mutex.Lock()
			defer mutex.Unlock()
			calls++
			if calls < 3 {
				return false, errors.New("metrics endpoint unavailable")
			}
			return true, nil
		})}
	})

	recorder.waitExit(t, time.Second)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 3, calls)
}

func TestWatchdog_CleanupOrder(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()

	var mutex sync.Mutex
	var order []string
	record := func(name string) {
		mutex.Lock()
		defer mutex.Unlock()
		order = append(order, name)
	}

	early := NewCleanup("early", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		record("early")
		return nil
	})
	w := newTestWatchdog(t, recorder, func(o *Options) {
		o.Cleanups = []*Cleanup{early}
		o.Exit = func() {
			record("exit")
			recorder.exit()
		}
	})

	w.AddCleanup(NewCleanup("late-async", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			time.Sleep(30 * time.Millisecond)
			close(done)
		}()
		<-done
		record("late-async")
		return nil
	}))
	w.AddCleanup(NewSyncCleanup("latest", func() { record("latest") }))

	<-w.Done()
	require.NoError(t, w.Err())

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{"latest", "late-async", "exit", "early"}, order)
}

func TestWatchdog_CleanupFailureHalts(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, nil)
	w.AddCleanup(NewCleanup("close listener", func(ctx context.Context) error {
		return errors.New("listener already closed")
	}))

	<-w.Done()
	assert.True(t, domainerrors.IsCleanupError(w.Err()))
	recorder.assertNoExit(t, 100*time.Millisecond)
}

func TestWatchdog_CleanupFailureContinues(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) {
		o.CleanupFailure = sequence.ContinueOnError
	})
	w.AddCleanup(NewCleanup("close listener", func(ctx context.Context) error {
		return errors.New("listener already closed")
	}))

	recorder.waitExit(t, time.Second)
	<-w.Done()
	assert.Error(t, w.Err())
}

func TestWatchdog_ForceExitAfterFailedShutdown(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) {
		o.ForceExitAfter = 50 * time.Millisecond
	})
	w.AddCleanup(NewCleanup("flush", func(ctx context.Context) error {
		return errors.New("disk full")
	}))

	<-w.Done()
	require.Error(t, w.Err())
	recorder.waitExit(t, time.Second)
}

func TestWatchdog_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) { o.Timeout = time.Hour })

	var mutex sync.Mutex
	runs := 0
	w.AddCleanup(NewCleanup("count", func(ctx context.Context) error {
		mutex.Lock()
		runs++
		mutex.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 1, runs)
	assert.Equal(t, StateTerminated, w.State())

	// a terminated watchdog ignores the rest of its API
	w.Start()
	w.ResetTimer()
	assert.Equal(t, StateTerminated, w.State())
}

// blockingCheck passes or fails once released, reporting when it is entered
func blockingCheck(result bool) (check *Check, entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	check = NewCheck("blocking", func(ctx context.Context) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return result, nil
	})
	return check, entered, release
}

func TestWatchdog_StopDuringEvaluation(t *testing.T) {
	t.Run("passing result still shuts down", func(t *testing.T) {
		t.Parallel()
		recorder := newExitRecorder()
		check, entered, release := blockingCheck(true)
		w := newTestWatchdog(t, recorder, func(o *Options) {
			o.Timeout = 50 * time.Millisecond
			o.Checks = []*Check{check}
		})
		w.RemoveCheck(w.ActivityCheck())

		<-entered
		assert.Equal(t, StateEvaluating, w.State())
		w.Stop()
		w.Stop()
		close(release)

		recorder.waitExit(t, 300*time.Millisecond)
		assert.Equal(t, StateTerminated, w.State())
	})

	t.Run("failing result disarms", func(t *testing.T) {
		t.Parallel()
		recorder := newExitRecorder()
		check, entered, release := blockingCheck(false)
		w := newTestWatchdog(t, recorder, func(o *Options) {
			o.Timeout = 50 * time.Millisecond
			o.Checks = []*Check{check}
		})

		<-entered
		w.ResetTimer()
		w.Stop()
		close(release)

		require.Eventually(t, func() bool { return w.State() == StateDisarmed }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, w.Activity())
		recorder.assertNoExit(t, 200*time.Millisecond)
		assert.Equal(t, StateDisarmed, w.State())
	})

	t.Run("start replaces the cycle", func(t *testing.T) {
		t.Parallel()
		recorder := newExitRecorder()
		check, entered, release := blockingCheck(false)
		w := newTestWatchdog(t, recorder, func(o *Options) {
			o.Timeout = 50 * time.Millisecond
			o.Checks = []*Check{check}
		})

		<-entered
		w.Stop()
		w.Start()
		assert.Equal(t, StateArmed, w.State())
		close(release)

		// the stale evaluation must not disarm the new cycle
		time.Sleep(20 * time.Millisecond)
		assert.NotEqual(t, StateDisarmed, w.State())
	})
}

func TestWatchdog_CheckIgnoringContextIsRetried(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()

	never := make(chan struct{})
	t.Cleanup(func() { close(never) })

	var mutex sync.Mutex
	calls := 0
	w := newTestWatchdog(t, recorder, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.Checks = []*Check{NewCheck("stuck once", func(context.Context) (bool, error) {
			mutex.Lock()
			calls++
			first := calls == 1
			mutex.Unlock()
			if first {
				<-never
			}
			return true, nil
		})}
	})
	w.RemoveCheck(w.ActivityCheck())

	recorder.waitExit(t, time.Second)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 2, calls)
}

func TestWatchdog_CleanupCallingShutdown(t *testing.T) {
	t.Parallel()
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) { o.Timeout = time.Hour })

	nested := make(chan error, 1)
	w.AddCleanup(NewCleanup("nested", func(ctx context.Context) error {
		nested <- w.Shutdown(ctx)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	assert.NoError(t, <-nested)
	recorder.waitExit(t, time.Second)
}

func TestWatchdog_AddRemoveAreIdempotent(t *testing.T) {
	recorder := newExitRecorder()
	w := newTestWatchdog(t, recorder, func(o *Options) { o.Timeout = time.Hour })

	check := NewSyncCheck("never", func() bool { return false })
	w.AddCheck(check).AddCheck(check)
	w.RemoveCheck(check).RemoveCheck(check)
	w.RemoveCheck(NewSyncCheck("unknown", func() bool { return true }))

	cleanup := NewSyncCleanup("noop", func() {})
	w.AddCleanup(cleanup).AddCleanup(cleanup)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	assert.Equal(t, []*Check{w.activityCheck}, w.checks.snapshot())
	assert.Equal(t, []*Cleanup{w.exitCleanup, cleanup}, w.cleanups.snapshot())
}
