package completion

import (
	"log/slog"
	"sync"
)

// Correlator maps in-flight request ids to their outcomes. Duplicate
// deliveries for an id are logged and dropped, never forwarded.
type Correlator[T any] struct {
	n  uint32
	m  map[uint32]*Outcome[T]
	mu sync.Mutex
	l  *slog.Logger
}

func NewCorrelator[T any](l *slog.Logger) *Correlator[T] {
	if l == nil {
		l = slog.Default()
	}
	return &Correlator[T]{
		m: make(map[uint32]*Outcome[T]),
		l: l,
	}
}

// Next registers an outcome and returns its correlation id.
func (c *Correlator[T]) Next(o *Outcome[T]) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.m[c.n] = o
	return c.n
}

// Complete resolves the outcome registered under id, if any.
func (c *Correlator[T]) Complete(id uint32, v T) {
	c.mu.Lock()
	o, ok := c.m[id]
	delete(c.m, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := o.Complete(v); err != nil {
		c.l.Error("duplicate completion", "id", id, "err", err)
	}
}

// Fail resolves the outcome registered under id with err, if any.
func (c *Correlator[T]) Fail(id uint32, err error) {
	c.mu.Lock()
	o, ok := c.m[id]
	delete(c.m, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if ferr := o.Fail(err); ferr != nil {
		c.l.Error("duplicate completion", "id", id, "err", ferr)
	}
}

// Delete removes a correlation by id without resolving it. Used by
// callers that gave up waiting.
func (c *Correlator[T]) Delete(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

// Pending reports how many correlations are awaiting delivery.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// FailAll resolves every pending outcome with err and clears the map.
// Called when the owning endpoint goes down.
func (c *Correlator[T]) FailAll(err error) {
	c.mu.Lock()
	m := c.m
	c.m = make(map[uint32]*Outcome[T])
	c.mu.Unlock()

	for id, o := range m {
		if ferr := o.Fail(err); ferr != nil {
			c.l.Error("duplicate completion", "id", id, "err", ferr)
		}
	}
}
