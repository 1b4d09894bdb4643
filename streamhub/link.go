package streamhub

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/streamhub-io/streamhub-go/completion"
	"github.com/streamhub-io/streamhub-go/lifecycle"
	"github.com/streamhub-io/streamhub-go/streamhub/pool"
)

const DefaultPrefetch = 300

// Link is a sender or receiver endpoint attached to a session. Sends
// resolve through completion outcomes acknowledged by the broker;
// received transfers queue up to the prefetch window.
type Link struct {
	sess  *Session
	id    byte
	topic string
	role  Role

	machine *lifecycle.Machine
	msgs    chan Message
	closedC chan struct{}
	closed  atomic.Bool

	l *slog.Logger
}

type LinkOption func(l *Link)

// WithPrefetch sets the receive window: how many transfers may queue
// before the read loop blocks.
func WithPrefetch(n int) LinkOption {
	return func(l *Link) {
		if n > 0 {
			l.msgs = make(chan Message, n)
		}
	}
}

// OpenLink attaches a link for topic in the given role and waits for
// the broker's acknowledgement. While the session itself is still
// opening, the attach is deferred and flows out once it opens.
func (s *Session) OpenLink(ctx context.Context, topic string, role Role, opts ...LinkOption) (*Link, error) {
	if s == nil || s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if !role.valid() {
		return nil, ErrInvalidRole
	}

	lnk := &Link{
		sess:    s,
		topic:   topic,
		role:    role,
		msgs:    make(chan Message, DefaultPrefetch),
		closedC: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lnk)
	}

	id, err := s.links.add(lnk)
	if err != nil {
		return nil, err
	}
	lnk.l = s.l.With("link_id", id, "topic", topic, "role", role.String())
	lnk.machine = lifecycle.NewMachine(s.conn.r,
		lifecycle.WithLogger(lnk.l),
		lifecycle.OnClosed(func() { close(lnk.closedC) }),
	)

	oc := completion.NewOutcome[struct{}]()
	cid := s.acks.Next(oc)

	frame := pool.Get(1 + uint32Len + 1 + 1 + uint32Len + len(topic))
	frame = append(frame, opAttach)
	frame = binary.BigEndian.AppendUint32(frame, cid)
	frame = append(frame, id, byte(role))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(topic)))
	frame = append(frame, topic...)

	if err := s.conn.r.Enqueue(func() {
		aerr := s.machine.AddPending(
			func() {
				oerr := lnk.machine.RequestOpen(func() {
					s.out.EnqueueFrame(frame)
					pool.Put(frame)
				})
				if oerr != nil {
					pool.Put(frame)
					s.acks.Fail(cid, oerr)
					return
				}
				s.attaching[cid] = lnk
			},
			func(err error) {
				pool.Put(frame)
				s.acks.Fail(cid, err)
			},
		)
		if aerr != nil {
			pool.Put(frame)
			s.acks.Fail(cid, aerr)
		}
	}); err != nil {
		s.acks.Delete(cid)
		s.links.delete(id)
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.conn.timeout)
	defer cancel()

	if _, err := oc.Wait(wctx); err != nil {
		s.acks.Delete(cid)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	return lnk, nil
}

// ID is the link's wire id, unique within its session.
func (l *Link) ID() byte {
	return l.id
}

func (l *Link) Topic() string {
	return l.topic
}

func (l *Link) Role() Role {
	return l.role
}

// State reports the link's lifecycle state as of one reactor turn.
func (l *Link) State(ctx context.Context) (lifecycle.State, error) {
	return l.machine.StateSnapshot(ctx)
}

// SendAsync enqueues a transfer and returns the outcome the broker's
// acknowledgement will resolve. The write happens on the reactor in
// issue order; sends before the link finishes attaching are deferred
// and flushed, still in order, once it opens.
func (l *Link) SendAsync(payload []byte) (*completion.Outcome[struct{}], error) {
	oc, _, err := l.sendAsync(payload)
	return oc, err
}

func (l *Link) sendAsync(payload []byte) (*completion.Outcome[struct{}], uint32, error) {
	if l == nil || l.closed.Load() {
		return nil, 0, ErrLinkClosed
	}
	if l.role != RoleSender {
		return nil, 0, ErrNotSender
	}

	s := l.sess
	oc := completion.NewOutcome[struct{}]()
	cid := s.acks.Next(oc)

	frame := pool.Get(1 + uint32Len + 1 + uint32Len + len(payload))
	frame = append(frame, opTransfer)
	frame = binary.BigEndian.AppendUint32(frame, cid)
	frame = append(frame, l.id)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if err := s.conn.r.Enqueue(func() {
		aerr := l.machine.AddPending(
			func() {
				s.out.EnqueueFrame(frame)
				pool.Put(frame)
			},
			func(err error) {
				pool.Put(frame)
				s.acks.Fail(cid, err)
			},
		)
		if aerr != nil {
			pool.Put(frame)
			s.acks.Fail(cid, aerr)
		}
	}); err != nil {
		s.acks.Delete(cid)
		return nil, 0, err
	}

	return oc, cid, nil
}

// Send is SendAsync plus the wait, bounded by the conn timeout.
func (l *Link) Send(ctx context.Context, payload []byte) error {
	oc, cid, err := l.sendAsync(payload)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, l.sess.conn.timeout)
	defer cancel()

	if _, err := oc.Wait(wctx); err != nil {
		l.sess.acks.Delete(cid)
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

// AddCredit grants the broker permission to deliver n more transfers
// on a receiver link.
func (l *Link) AddCredit(ctx context.Context, n uint32) error {
	if l == nil || l.closed.Load() {
		return ErrLinkClosed
	}
	if l.role != RoleReceiver {
		return ErrNotReceiver
	}

	s := l.sess
	oc := completion.NewOutcome[struct{}]()
	cid := s.acks.Next(oc)

	frame := pool.Get(1 + uint32Len + 1 + uint32Len)
	frame = append(frame, opFlow)
	frame = binary.BigEndian.AppendUint32(frame, cid)
	frame = append(frame, l.id)
	frame = binary.BigEndian.AppendUint32(frame, n)

	if err := s.conn.r.Enqueue(func() {
		aerr := l.machine.AddPending(
			func() {
				s.out.EnqueueFrame(frame)
				pool.Put(frame)
			},
			func(err error) {
				pool.Put(frame)
				s.acks.Fail(cid, err)
			},
		)
		if aerr != nil {
			pool.Put(frame)
			s.acks.Fail(cid, aerr)
		}
	}); err != nil {
		s.acks.Delete(cid)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.conn.timeout)
	defer cancel()

	if _, err := oc.Wait(wctx); err != nil {
		s.acks.Delete(cid)
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

// Receive returns up to max queued transfers, waiting for the first
// one until ctx expires.
func (l *Link) Receive(ctx context.Context, max int) ([]Message, error) {
	if l == nil || l.closed.Load() {
		return nil, ErrLinkClosed
	}
	if l.role != RoleReceiver {
		return nil, ErrNotReceiver
	}
	if max <= 0 {
		max = 1
	}

	msgs := make([]Message, 0, max)

	select {
	case m := <-l.msgs:
		msgs = append(msgs, m)
	case <-l.closedC:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(msgs) < max {
		select {
		case m := <-l.msgs:
			msgs = append(msgs, m)
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

// Close detaches the link and waits for the broker's acknowledgement,
// forcing the terminal transition on timeout. Second call is a no-op.
func (l *Link) Close() error {
	if l == nil || l.closed.Swap(true) {
		return nil
	}

	s := l.sess
	oc := completion.NewOutcome[struct{}]()
	cid := s.acks.Next(oc)

	frame := pool.Get(1 + uint32Len + 1)
	frame = append(frame, opDetach)
	frame = binary.BigEndian.AppendUint32(frame, cid)
	frame = append(frame, l.id)

	if err := s.conn.r.Enqueue(func() {
		sent := false
		cerr := l.machine.RequestClose(func() {
			sent = true
			s.detaching[cid] = l
			s.out.EnqueueFrame(frame)
			pool.Put(frame)
		})
		if cerr != nil {
			pool.Put(frame)
			s.acks.Fail(cid, cerr)
			return
		}
		if !sent {
			// Teardown already ran elsewhere; nothing went out.
			pool.Put(frame)
			s.acks.Delete(cid)
		}
	}); err != nil {
		s.acks.Delete(cid)
		return err
	}

	select {
	case <-l.closedC:
	case <-time.After(s.conn.timeout):
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.timeout)
		_ = s.conn.r.Do(ctx, func() {
			if cerr := l.machine.OnTransportClosed(); cerr != nil {
				l.l.Error("link force close", "err", cerr)
			}
			s.links.delete(l.id)
		})
		cancel()
	}

	s.acks.Delete(cid)
	return nil
}
