// Package worker provides the background-worker harness shared by the
// Deployer, Mesher and data-index rollover loops: a single long-lived
// goroutine that calls Job on a period, jitters its sleep to de-synchronize
// replicas, and exits cleanly on cancellation.
//
// This is an explicitly constructed value owned by whichever server/client
// object needs it, rather than a process-global singleton, so multiple
// independent schedules (deployer, mesher, rollover) can run side by side
// without sharing state.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Job is one iteration of background work. It returns true if it did
// meaningful work, which triggers the optional AfterJob hook.
type Job func(ctx context.Context) (didWork bool, err error)

// Options configures a Worker.
type Options struct {
	// Period between iterations, before jitter.
	Period time.Duration
	// AfterJob is invoked synchronously after a Job call that reported
	// didWork=true. It must not block.
	AfterJob func()
	Logger   log.Logger
	Name     string
}

// Worker runs Job on a jittered period until Stop is called. The zero value
// is not usable; construct with New.
type Worker struct {
	job      Job
	period   time.Duration
	afterJob func()
	logger   log.Logger
	name     string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New constructs a Worker. Call Start to begin the loop.
func New(job Job, opts Options) *Worker {
	if opts.Period <= 0 {
		opts.Period = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Worker{
		job:      job,
		period:   opts.Period,
		afterJob: opts.AfterJob,
		logger:   log.With(logger, "worker", opts.Name),
		name:     opts.Name,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the background loop. It is idempotent: calling Start twice
// on an already-running Worker is a no-op and returns false.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx)
	return true
}

// ForceUpdate coalesces a "wake now" signal: the next iteration starts
// immediately instead of waiting out the period. Multiple pending wakes
// collapse into one: a second call while one is already pending is a
// no-op, never blocks.
func (w *Worker) ForceUpdate() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop signals cancellation and waits for the in-flight iteration to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork, err := w.runJob(ctx)
		if err != nil {
			level.Error(w.logger).Log("msg", "job failed", "err", err)
		} else if didWork && w.afterJob != nil {
			w.afterJob()
		}

		if !w.sleep(ctx) {
			return
		}
	}
}

func (w *Worker) runJob(ctx context.Context) (didWork bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return w.job(ctx)
}

// sleep waits up to the jittered period, returning early (true) on
// ForceUpdate, or false if the context was cancelled.
func (w *Worker) sleep(ctx context.Context) bool {
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	timer := time.NewTimer(w.period + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return "panic in job: " + errAny(p.v)
}

func errAny(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return toString(v)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic value"
}
