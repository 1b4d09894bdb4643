// Package pump runs the per-partition receive loop: it snapshots its
// configuration at start, pulls batches from a receiver and hands them
// to the processing handler on a worker pool.
package pump

import "time"

// Offset is where a partition's receive should start: either a broker
// offset token or a point in time.
type Offset interface {
	offset()
}

// TokenOffset is a broker-issued offset token.
type TokenOffset string

func (TokenOffset) offset() {}

// TimeOffset starts at the first event enqueued at or after the
// timestamp.
type TimeOffset time.Time

func (TimeOffset) offset() {}

// StartOfStream is the offset token addressing the oldest retained
// event.
const StartOfStream = TokenOffset("-1")
