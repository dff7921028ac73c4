// Package watchdog terminates an idle process.
//
// A Watchdog counts activity reported through ResetTimer. Every Timeout it
// evaluates its checks in order; the built-in activity check passes only when
// nothing happened since the previous evaluation. When all checks pass the
// cleanups run, newest first, and the default exit cleanup ends the process.
// Otherwise the activity counter is cleared and the timer is armed again.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
	"github.com/core-tools/hsu-autoshutdown/pkg/sequence"
)

type State int

const (
	StateDisarmed State = iota
	StateArmed
	StateEvaluating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisarmed:
		return "disarmed"
	case StateArmed:
		return "armed"
	case StateEvaluating:
		return "evaluating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	// Timeout is the idle period between evaluations
	Timeout time.Duration

	Checks   []*Check
	Cleanups []*Cleanup

	// Exit is run by the built-in exit cleanup; defaults to os.Exit(0)
	Exit func()

	// CleanupFailure is sequence.HaltOnError when empty
	CleanupFailure sequence.FailurePolicy

	// ForceExitAfter, when positive, calls Exit if shutdown has not
	// completed successfully within this period.
	ForceExitAfter time.Duration

	Logger logging.Logger
}

type Watchdog struct {
	timeout        time.Duration
	exit           func()
	cleanupFailure sequence.FailurePolicy
	forceExitAfter time.Duration
	logger         logging.Logger

	activityCheck *Check
	exitCleanup   *Cleanup

	mutex       sync.Mutex
	state       State
	activity    int
	generation  uint64
	timer       *time.Timer
	checks      *orderedSet[*Check]
	cleanups    *orderedSet[*Cleanup]
	attachments map[any]*attachment

	// set by Stop during an evaluation; a failing result then disarms
	disarmAfterEvaluation bool

	done chan struct{}
	err  error
}

// New creates an armed watchdog
func New(options Options) (*Watchdog, error) {
	if options.Timeout <= 0 {
		return nil, errors.NewValidationError("timeout must be positive", nil).
			WithContext("timeout", options.Timeout)
	}

	policy := options.CleanupFailure
	if policy == "" {
		policy = sequence.HaltOnError
	}
	if policy != sequence.HaltOnError && policy != sequence.ContinueOnError {
		return nil, errors.NewValidationError("unknown cleanup failure policy", nil).
			WithContext("policy", string(policy))
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	exit := options.Exit
	if exit == nil {
		exit = func() { os.Exit(0) }
	}

	w := &Watchdog{
		timeout:        options.Timeout,
		exit:           exit,
		cleanupFailure: policy,
		forceExitAfter: options.ForceExitAfter,
		logger:         logger,
		state:          StateDisarmed,
		checks:         newOrderedSet[*Check](),
		cleanups:       newOrderedSet[*Cleanup](),
		attachments:    make(map[any]*attachment),
		done:           make(chan struct{}),
	}

	w.activityCheck = NewSyncCheck("activity", func() bool {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		return w.activity == 0
	})
	w.exitCleanup = NewSyncCleanup("exit", func() {
		w.logger.Infof("Idle shutdown complete, exiting")
		w.exit()
	})

	w.checks.add(w.activityCheck)
	for _, check := range options.Checks {
		if check != nil {
			w.checks.add(check)
		}
	}
	for _, cleanup := range options.Cleanups {
		if cleanup != nil {
			w.cleanups.add(cleanup)
		}
	}
	w.cleanups.add(w.exitCleanup)

	w.Start()

	return w, nil
}

// ActivityCheck returns the built-in check, so that it can be removed
func (w *Watchdog) ActivityCheck() *Check {
	return w.activityCheck
}

// ExitCleanup returns the built-in cleanup that ends the process
func (w *Watchdog) ExitCleanup() *Cleanup {
	return w.exitCleanup
}

// ResetTimer records activity. The pending evaluation sees it and re-arms.
func (w *Watchdog) ResetTimer() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state == StateTerminated {
		return
	}
	w.activity++
}

// Stop cancels a pending fire. An evaluation already in progress is not
// aborted: if its checks pass the watchdog still shuts down, otherwise it
// disarms instead of rescheduling.
func (w *Watchdog) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	switch w.state {
	case StateArmed:
		w.cancelTimerLocked()
		w.state = StateDisarmed
		w.logger.Debugf("Watchdog disarmed")
	case StateEvaluating:
		w.disarmAfterEvaluation = true
		w.logger.Debugf("Watchdog will disarm after the current evaluation")
	}
}

// Start counts as activity and arms the timer
func (w *Watchdog) Start() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state == StateTerminated {
		return
	}

	w.activity = 1
	w.armLocked()
	w.logger.Debugf("Watchdog armed, timeout: %v", w.timeout)
}

func (w *Watchdog) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Watchdog) Activity() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.activity
}

func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Done is closed when the cleanup sequence has finished
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Err returns the cleanup sequence result once Done is closed
func (w *Watchdog) Err() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.err
}

func (w *Watchdog) AddCheck(check *Check) *Watchdog {
	if check == nil {
		return w
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.checks.add(check)
	return w
}

func (w *Watchdog) RemoveCheck(check *Check) *Watchdog {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.checks.remove(check)
	return w
}

func (w *Watchdog) AddCleanup(cleanup *Cleanup) *Watchdog {
	if cleanup == nil {
		return w
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.cleanups.add(cleanup)
	return w
}

func (w *Watchdog) RemoveCleanup(cleanup *Cleanup) *Watchdog {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.cleanups.remove(cleanup)
	return w
}

type cleanupRunKey struct{}

// Shutdown runs every cleanup, newest first. Only the first call runs them;
// later calls wait for that run and return its result.
//
// A cleanup calling Shutdown with the context it was given returns nil at
// once. With any other context it waits for its own run to finish, so it only
// returns when that context ends.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	if running, _ := ctx.Value(cleanupRunKey{}).(*Watchdog); running == w {
		return nil
	}

	w.mutex.Lock()
	cleanups, first := w.terminateLocked()
	w.mutex.Unlock()

	if first {
		w.runCleanups(ctx, cleanups)
	}

	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return errors.NewCancelledError("waiting for shutdown", ctx.Err())
	}
}

func (w *Watchdog) armLocked() {
	w.cancelTimerLocked()
	w.disarmAfterEvaluation = false

	generation := w.generation
	w.state = StateArmed
	w.timer = time.AfterFunc(w.timeout, func() {
		w.fire(generation)
	})
}

// cancelTimerLocked also invalidates any evaluation in flight, so that a
// Start during evaluation replaces that cycle
func (w *Watchdog) cancelTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
}

func (w *Watchdog) terminateLocked() ([]*Cleanup, bool) {
	if w.state == StateTerminated {
		return nil, false
	}
	w.cancelTimerLocked()
	w.state = StateTerminated
	return w.cleanups.snapshot(), true
}

func (w *Watchdog) fire(generation uint64) {
	w.mutex.Lock()
	if generation != w.generation || w.state != StateArmed {
		w.mutex.Unlock()
		return
	}
	w.timer = nil
	w.state = StateEvaluating
	checks := w.checks.snapshot()
	w.mutex.Unlock()

	predicates := make([]sequence.Predicate, len(checks))
	for i, check := range checks {
		predicates[i] = check
	}

	// a check still pending when the next cycle is due counts as not ready
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	ready, err := sequence.AllPass(ctx, predicates)
	cancel()

	w.mutex.Lock()
	if generation != w.generation || w.state != StateEvaluating {
		w.mutex.Unlock()
		w.logger.Debugf("Evaluation result discarded, watchdog was restarted or shut down")
		return
	}

	if err != nil || !ready {
		if err != nil {
			w.logger.Warnf("Shutdown check failed, treating as not ready: %v", err)
		} else {
			w.logger.Debugf("Not idle yet, activity: %d", w.activity)
		}
		w.activity = 0
		if w.disarmAfterEvaluation {
			w.disarmAfterEvaluation = false
			w.state = StateDisarmed
			w.logger.Debugf("Watchdog disarmed")
		} else {
			w.armLocked()
		}
		w.mutex.Unlock()
		return
	}

	cleanups, first := w.terminateLocked()
	w.mutex.Unlock()

	if first {
		w.logger.Infof("Idle for %v, shutting down", w.timeout)
		w.runCleanups(context.Background(), cleanups)
	}
}

func (w *Watchdog) runCleanups(ctx context.Context, cleanups []*Cleanup) {
	ctx = context.WithValue(ctx, cleanupRunKey{}, w)

	var forceExit *time.Timer
	if w.forceExitAfter > 0 {
		forceExit = time.AfterFunc(w.forceExitAfter, func() {
			w.logger.Errorf("Shutdown did not complete within %v, forcing exit", w.forceExitAfter)
			w.exit()
		})
	}

	actions := make([]sequence.Action, len(cleanups))
	for i, cleanup := range cleanups {
		actions[i] = cleanup
	}

	err := sequence.RunReverse(ctx, actions, w.cleanupFailure)
	if err != nil {
		w.logger.Errorf("Shutdown cleanup failed: %v", err)
	} else if forceExit != nil {
		forceExit.Stop()
	}

	w.mutex.Lock()
	w.err = err
	w.mutex.Unlock()
	close(w.done)
}
