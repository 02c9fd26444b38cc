// Package task provides a persistent handle for background units of work:
// the handle can be started and stopped repeatedly without rebuilding its
// wiring, and stopping joins the worker so no callback outlives the stop.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlukasch/balance-link/internal/logging"
)

// ErrAlreadyRunning is returned by Start while a worker is active.
var ErrAlreadyRunning = errors.New("task already running")

// Hooks observe units of work. They run on the worker goroutine; Stop
// guarantees no hook fires after it returns.
type Hooks struct {
	// OnResult is called with the unit's result after each successful run.
	OnResult func(any)
	// OnError is called when a unit returns an error. If nil the error is
	// logged so it cannot vanish inside the worker.
	OnError func(error)
}

// Task runs a unit of work on its own goroutine. A repeating task re-invokes
// the unit at the configured interval; interval zero means back-to-back
// (poll loop), in which case the unit itself should avoid busy-blocking.
// A single-shot task runs the unit once and winds down on its own.
type Task struct {
	mu       sync.Mutex
	work     func() (any, error)
	hooks    Hooks
	interval time.Duration
	repeat   bool

	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	running atomic.Bool
}

// New returns a single-shot task handle.
func New(work func() (any, error), hooks Hooks) *Task {
	return &Task{work: work, hooks: hooks}
}

// NewRepeating returns a repeating task handle.
func NewRepeating(work func() (any, error), hooks Hooks, interval time.Duration) *Task {
	return &Task{work: work, hooks: hooks, interval: interval, repeat: true}
}

// Start launches the worker. It fails with ErrAlreadyRunning while a previous
// start is still active.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running.Load() {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	t.cancel, t.wg = cancel, wg
	t.running.Store(true)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer t.running.Store(false)
		t.loop(ctx)
	}()
	return nil
}

// Stop cancels the worker and blocks the calling thread until it has fully
// exited its current unit of work. Cancellation only takes effect between
// units; a unit in progress always completes. Idempotent.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, wg := t.cancel, t.wg
	t.cancel, t.wg = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
}

// Active reports whether a worker is currently running.
func (t *Task) Active() bool { return t.running.Load() }

func (t *Task) loop(ctx context.Context) {
	var tickC <-chan time.Time
	if t.repeat && t.interval > 0 {
		tick := time.NewTicker(t.interval)
		defer tick.Stop()
		tickC = tick.C
	}
	for {
		if ctx.Err() != nil {
			return
		}
		t.runOnce()
		if !t.repeat {
			return
		}
		if tickC == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-tickC:
		}
	}
}

func (t *Task) runOnce() {
	res, err := t.work()
	if err != nil {
		if t.hooks.OnError != nil {
			t.hooks.OnError(err)
			return
		}
		logging.L().Error("task_work_failed", "error", err)
		return
	}
	if t.hooks.OnResult != nil {
		t.hooks.OnResult(res)
	}
}
