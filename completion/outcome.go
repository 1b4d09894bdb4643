// Package completion provides the one-shot result delivery between the
// reactor goroutine and callers awaiting an operation elsewhere.
package completion

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("await timeout")

	// ErrAlreadyCompleted reports a second Complete/Fail on the same
	// outcome. The first value stands; the duplicate is never seen by
	// the waiter.
	ErrAlreadyCompleted = errors.New("outcome already completed")
)

// Outcome is a write-once container for one operation's result. The
// reactor writes it exactly once; the issuing caller awaits it.
type Outcome[T any] struct {
	mu   sync.Mutex
	set  bool
	val  T
	err  error
	done chan struct{}
}

func NewOutcome[T any]() *Outcome[T] {
	return &Outcome[T]{
		done: make(chan struct{}),
	}
}

// Complete delivers the success value. A second delivery attempt
// returns ErrAlreadyCompleted and changes nothing.
func (o *Outcome[T]) Complete(v T) error {
	o.mu.Lock()
	if o.set {
		o.mu.Unlock()
		return ErrAlreadyCompleted
	}
	o.val = v
	o.set = true
	o.mu.Unlock()

	close(o.done)
	return nil
}

// Fail delivers the failure. Same write-once contract as Complete.
func (o *Outcome[T]) Fail(err error) error {
	o.mu.Lock()
	if o.set {
		o.mu.Unlock()
		return ErrAlreadyCompleted
	}
	o.err = err
	o.set = true
	o.mu.Unlock()

	close(o.done)
	return nil
}

// Done is closed once the outcome has been delivered.
func (o *Outcome[T]) Done() <-chan struct{} {
	return o.done
}

// Result returns the delivered value, if any. ok is false until the
// outcome is completed.
func (o *Outcome[T]) Result() (v T, err error, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.val, o.err, o.set
}

// Wait blocks until the outcome is delivered or ctx expires. Expiry
// resolves locally with ctx's error; it does not retract the eventual
// delivery, which lands in the container and is discarded.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		v, err, _ := o.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout is Wait bounded by a duration, resolving with ErrTimeout.
func (o *Outcome[T]) WaitTimeout(d time.Duration) (T, error) {
	select {
	case <-o.done:
		v, err, _ := o.Result()
		return v, err
	case <-time.After(d):
		var zero T
		return zero, ErrTimeout
	}
}
