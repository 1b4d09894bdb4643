package streamhub

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/streamhub-io/streamhub-go/streamhub/pool"
)

const maxFlushVector = 256

// Outbound batches frames into a write vector drained by a single
// WriteLoop goroutine, so frame enqueue order is frame wire order.
type Outbound struct {
	sync.Mutex
	v      net.Buffers
	pb     int64 // pending bytes
	c      *sync.Cond
	wdl    time.Duration
	str    *quic.Stream
	closed atomic.Bool
	l      *slog.Logger
}

func NewOutbound(str *quic.Stream, wdl time.Duration, l *slog.Logger) *Outbound {
	o := &Outbound{
		str: str,
		wdl: wdl,
		l:   l,
	}
	o.c = sync.NewCond(&o.Mutex)

	return o
}

// EnqueueFrame copies the frame into the write vector and signals the
// loop. Frames enqueued after Close are dropped; the endpoint is gone.
func (o *Outbound) EnqueueFrame(frame []byte) {
	if o.closed.Load() {
		return
	}

	o.Lock()
	o.pb += int64(len(frame))
	buf := pool.Get(len(frame))
	buf = append(buf, frame...)
	o.v = append(o.v, buf)
	o.Unlock()

	o.c.Signal()
}

func (o *Outbound) WriteLoop() {
	for {
		o.Lock()
		for o.pb == 0 && !o.closed.Load() {
			o.c.Wait()
		}

		if o.closed.Load() {
			for i := range o.v {
				pool.Put(o.v[i])
			}
			o.v, o.pb = nil, 0
			o.Unlock()
			return
		}

		wv := o.v
		o.v, o.pb = nil, 0
		o.Unlock()

		o.flush(wv)
	}
}

func (o *Outbound) flush(wv net.Buffers) {
	orig := wv

	for len(wv) > 0 {
		chunk := wv
		if len(chunk) > maxFlushVector {
			chunk = chunk[:maxFlushVector]
		}
		consumed := len(chunk)

		_ = o.str.SetWriteDeadline(time.Now().Add(o.wdl))
		_, err := chunk.WriteTo(o.str)
		_ = o.str.SetWriteDeadline(time.Time{})

		wv = wv[consumed-len(chunk):]
		if err != nil {
			o.l.Error("write frames", "err", err)
			break
		}
	}

	for i := range orig {
		pool.Put(orig[i])
	}
}

func (o *Outbound) Close() {
	o.closed.Store(true)
	o.c.Signal()
}

func (o *Outbound) IsClosed() bool {
	return o.closed.Load()
}
