// Package reactor runs the single goroutine that owns all protocol
// endpoint state. Callers on other goroutines hand work to it with
// Enqueue or Call; endpoint mutators verify they are on the loop with
// AssertOnLoop.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/streamhub-io/streamhub-go/completion"
)

var (
	ErrStopped = errors.New("reactor stopped")

	// ErrWrongGoroutine reports a mutation attempted off the reactor
	// loop. It signals an integration bug, never a transient condition.
	ErrWrongGoroutine = errors.New("not on reactor goroutine")
)

type Reactor struct {
	mu      sync.Mutex
	c       *sync.Cond
	jobs    []func()
	stopped bool

	gid  atomic.Uint64
	done chan struct{}

	panicHook func(error)
	l         *slog.Logger
}

func New(opts ...Option) *Reactor {
	r := &Reactor{
		done: make(chan struct{}),
		l:    slog.Default(),
	}
	r.c = sync.NewCond(&r.mu)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start runs the loop on a fresh goroutine.
func (r *Reactor) Start() {
	go r.Run()
}

// Run owns the calling goroutine until Stop. Jobs execute in enqueue
// order; a job that panics is recovered and reported, the loop keeps
// going.
func (r *Reactor) Run() {
	defer close(r.done)

	r.gid.Store(currentGID())
	defer r.gid.Store(0)

	for {
		r.mu.Lock()
		for len(r.jobs) == 0 && !r.stopped {
			r.c.Wait()
		}
		if r.stopped && len(r.jobs) == 0 {
			r.mu.Unlock()
			return
		}

		jobs := r.jobs
		r.jobs = nil
		r.mu.Unlock()

		for _, job := range jobs {
			r.dispatch(job)
		}
	}
}

func (r *Reactor) dispatch(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("reactor: job panic: %v", rec)
			r.l.Error("job panicked", "err", err)
			if r.panicHook != nil {
				r.panicHook(err)
			}
		}
	}()

	job()
}

// Enqueue hands a job to the loop. FIFO, unbounded: two jobs enqueued
// in order run in that order, and a job accepted here is never dropped.
// After Stop it returns ErrStopped instead of accepting.
func (r *Reactor) Enqueue(job func()) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()

	r.c.Signal()
	return nil
}

// Stop drains: jobs enqueued before Stop still run.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.c.Signal()
}

// Done is closed once the loop has drained and exited.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// OnLoop reports whether the caller is the reactor goroutine.
func (r *Reactor) OnLoop() bool {
	gid := r.gid.Load()
	return gid != 0 && gid == currentGID()
}

// AssertOnLoop is the affinity guard: it returns ErrWrongGoroutine if
// the caller is not the loop goroutine. It is a bug detector, not a
// lock; callers must return the error without touching guarded state.
func (r *Reactor) AssertOnLoop() error {
	if !r.OnLoop() {
		return ErrWrongGoroutine
	}
	return nil
}

// Call marshals fn onto the reactor and waits for its result. The
// reactor-side work is not cancelled when ctx expires; the late result
// is discarded.
func Call[T any](ctx context.Context, r *Reactor, fn func() (T, error)) (T, error) {
	out := completion.NewOutcome[T]()

	if err := r.Enqueue(func() {
		v, err := fn()
		if err != nil {
			_ = out.Fail(err)
			return
		}
		_ = out.Complete(v)
	}); err != nil {
		var zero T
		return zero, err
	}

	return out.Wait(ctx)
}

// Do marshals fn onto the reactor and waits for it to run.
func (r *Reactor) Do(ctx context.Context, fn func()) error {
	_, err := Call(ctx, r, func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	return err
}
