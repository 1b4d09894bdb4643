package streamhub

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/streamhub-io/streamhub-go/completion"
	"github.com/streamhub-io/streamhub-go/lifecycle"
	"github.com/streamhub-io/streamhub-go/streamhub/pool"
)

// Session is one logical channel on a Conn. It owns the framing read
// loop and the outbound write loop for its QUIC stream; links attach
// to it. Its lifecycle machine lives on the conn's reactor.
type Session struct {
	conn *Conn
	id   string

	machine *lifecycle.Machine
	out     *Outbound
	str     *quic.Stream

	links *linkMap
	acks  *completion.Correlator[struct{}]

	// reactor-confined: links awaiting attach/detach acknowledgement,
	// keyed by correlation id.
	attaching map[uint32]*Link
	detaching map[uint32]*Link

	openOc  *completion.Outcome[struct{}]
	closedC chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	l *slog.Logger
}

// OpenSession opens a stream, sends the session handshake and waits
// for the broker to confirm. The session is usable once this returns.
func (c *Conn) OpenSession(ctx context.Context, id string) (*Session, error) {
	if c == nil || c.closed.Load() {
		return nil, ErrConnClosed
	}
	if id == "" {
		id = uuid.NewString()
	}

	str, err := c.qconn.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	l := c.l.With("session_id", id, "quic_stream_id", str.StreamID())

	s := &Session{
		conn:      c,
		id:        id,
		out:       NewOutbound(str, c.wdl, l),
		str:       str,
		links:     newLinkMap(),
		acks:      completion.NewCorrelator[struct{}](l),
		attaching: make(map[uint32]*Link),
		detaching: make(map[uint32]*Link),
		openOc:    completion.NewOutcome[struct{}](),
		closedC:   make(chan struct{}),
		l:         l,
	}
	s.machine = lifecycle.NewMachine(c.r,
		lifecycle.WithLogger(l),
		lifecycle.OnClosing(s.closing),
		lifecycle.OnClosed(func() { close(s.closedC) }),
	)

	c.addSession(s)

	if err := c.r.Enqueue(func() {
		oerr := s.machine.RequestOpen(func() {
			frame := pool.Get(1 + uint32Len + len(id))
			frame = append(frame, opSessionOpen)
			frame = binary.BigEndian.AppendUint32(frame, uint32(len(id)))
			frame = append(frame, id...)
			s.out.EnqueueFrame(frame)
			pool.Put(frame)
		})
		if oerr != nil {
			_ = s.openOc.Fail(oerr)
		}
	}); err != nil {
		c.removeSession(s)
		str.Close()
		return nil, fmt.Errorf("enqueue open: %w", err)
	}

	s.wg.Add(2)
	go s.readLoop()
	go func() {
		defer s.wg.Done()
		s.out.WriteLoop()
	}()

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := s.openOc.Wait(wctx); err != nil {
		s.shutdown()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("open session: %w", err)
	}

	return s, nil
}

// ID is the opaque handle identifying this session.
func (s *Session) ID() string {
	return s.id
}

// State reports the session's lifecycle state as of one reactor turn.
func (s *Session) State(ctx context.Context) (lifecycle.State, error) {
	return s.machine.StateSnapshot(ctx)
}

// closing runs on the reactor when the session enters Closing: every
// in-flight acknowledgement and every attached link fails with the
// same error.
func (s *Session) closing(err error) {
	failWith := err
	if failWith == nil {
		failWith = ErrSessionClosed
	}

	_ = s.openOc.Fail(failWith)
	s.acks.FailAll(failWith)
	for id := range s.attaching {
		delete(s.attaching, id)
	}
	for id := range s.detaching {
		delete(s.detaching, id)
	}

	for _, lnk := range s.links.all() {
		if terr := lnk.machine.TransportError(failWith); terr != nil {
			s.l.Error("link teardown", "link_id", lnk.id, "err", terr)
		}
		if cerr := lnk.machine.OnTransportClosed(); cerr != nil {
			s.l.Error("link teardown", "link_id", lnk.id, "err", cerr)
		}
		s.links.delete(lnk.id)
	}
}

// Close sends the session close frame and waits for the broker's
// acknowledgement, forcing the terminal transition on timeout. Safe to
// call twice; the second call is a no-op.
func (s *Session) Close() error {
	if s == nil || s.closed.Swap(true) {
		return nil
	}

	err := s.conn.r.Enqueue(func() {
		cerr := s.machine.RequestClose(func() {
			frame := pool.Get(1)
			frame = append(frame, opSessionClose)
			s.out.EnqueueFrame(frame)
			pool.Put(frame)
		})
		if cerr != nil {
			s.l.Error("session close", "err", cerr)
		}
	})
	if err == nil {
		select {
		case <-s.closedC:
		case <-time.After(s.conn.timeout):
			ctx, cancel := context.WithTimeout(context.Background(), s.conn.timeout)
			_ = s.conn.r.Do(ctx, func() {
				if cerr := s.machine.OnTransportClosed(); cerr != nil {
					s.l.Error("session force close", "err", cerr)
				}
			})
			cancel()
		}
	}

	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.closed.Store(true)
	s.conn.removeSession(s)
	s.out.Close()
	s.str.CancelRead(0)
	s.str.Close()
	s.wg.Wait()
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	br := bufio.NewReaderSize(s.str, ReadBufferSize)

	for {
		err := s.readFrame(br)
		if err == nil {
			continue
		}

		if errors.Is(err, errSessionDone) {
			return
		}

		if !s.closed.Load() {
			s.l.Error("read loop", "err", err)
		}

		// Drive the machine through Closing before Closed so pending
		// operations fail before the handle is released.
		ferr := err
		if eerr := s.conn.r.Enqueue(func() {
			if terr := s.machine.TransportError(ferr); terr != nil {
				s.l.Error("transport error", "err", terr)
			}
			if cerr := s.machine.OnTransportClosed(); cerr != nil {
				s.l.Error("transport closed", "err", cerr)
			}
		}); eerr != nil {
			// Stopped reactor: conn teardown already drove this
			// session's machine to Closed before stopping the loop.
			s.l.Debug("teardown enqueue", "err", eerr)
		}
		return
	}
}

// errSessionDone ends the read loop after an orderly close handshake.
var errSessionDone = errors.New("session done")

func (s *Session) readFrame(br *bufio.Reader) error {
	op, err := br.ReadByte()
	if err != nil {
		return err
	}

	switch op {
	case respSessionOpen:
		respErr, err := readErrResult(br)
		if err != nil {
			return err
		}
		return s.conn.r.Enqueue(func() {
			if respErr != nil {
				if terr := s.machine.TransportError(respErr); terr != nil {
					s.l.Error("session open error", "err", terr)
				}
				_ = s.openOc.Fail(respErr)
				return
			}
			if rerr := s.machine.OnTransportReady(); rerr != nil {
				s.l.Error("session ready", "err", rerr)
				_ = s.openOc.Fail(rerr)
				return
			}
			_ = s.openOc.Complete(struct{}{})
		})

	case respAck:
		var cid uint32
		if cid, err = readUint32(br); err != nil {
			return err
		}
		respErr, err := readErrResult(br)
		if err != nil {
			return err
		}
		return s.conn.r.Enqueue(func() {
			s.handleAck(cid, respErr)
		})

	case respTransfer:
		return s.readTransfer(br)

	case respSessionClose:
		_ = s.conn.r.Enqueue(func() {
			if cerr := s.machine.OnTransportClosed(); cerr != nil {
				s.l.Error("session closed", "err", cerr)
			}
		})
		return errSessionDone

	case respPong:
		return nil

	default:
		return fmt.Errorf("%w: opcode 0x%02x", ErrParseProto, op)
	}
}

// handleAck runs on the reactor: attach and detach acks drive the
// link's machine before the caller's outcome resolves.
func (s *Session) handleAck(cid uint32, respErr error) {
	if lnk, ok := s.attaching[cid]; ok {
		delete(s.attaching, cid)
		if respErr != nil {
			if terr := lnk.machine.TransportError(respErr); terr != nil {
				s.l.Error("link attach error", "err", terr)
			}
			if cerr := lnk.machine.OnTransportClosed(); cerr != nil {
				s.l.Error("link attach error", "err", cerr)
			}
			s.links.delete(lnk.id)
		} else if rerr := lnk.machine.OnTransportReady(); rerr != nil {
			s.l.Error("link attach", "err", rerr)
		}
	}

	if lnk, ok := s.detaching[cid]; ok {
		delete(s.detaching, cid)
		if cerr := lnk.machine.OnTransportClosed(); cerr != nil {
			s.l.Error("link detach", "err", cerr)
		}
		s.links.delete(lnk.id)
	}

	if respErr != nil {
		s.acks.Fail(cid, respErr)
		return
	}
	s.acks.Complete(cid, struct{}{})
}

func (s *Session) readTransfer(br *bufio.Reader) error {
	linkID, err := br.ReadByte()
	if err != nil {
		return err
	}

	var seq uint64
	if seq, err = readUint64(br); err != nil {
		return err
	}

	offset, err := readBytes(br)
	if err != nil {
		return err
	}
	payload, err := readBytes(br)
	if err != nil {
		return err
	}

	lnk, ok := s.links.get(linkID)
	if !ok || lnk.role != RoleReceiver {
		s.l.Warn("transfer for unknown link", "link_id", linkID)
		return nil
	}

	msg := Message{
		Topic:          lnk.topic,
		Payload:        payload,
		SequenceNumber: seq,
		Offset:         string(offset),
	}

	select {
	case lnk.msgs <- msg:
	case <-lnk.closedC:
	}
	return nil
}

func readUint32(br *bufio.Reader) (uint32, error) {
	var buf [uint32Len]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(br *bufio.Reader) (uint64, error) {
	var buf [uint64Len]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readBytes(br *bufio.Reader) ([]byte, error) {
	n, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readErrResult decodes the error-flag tail shared by handshake and
// ack responses.
func readErrResult(br *bufio.Reader) (error, error) {
	flag, err := br.ReadByte()
	if err != nil {
		return nil, err
	}

	switch flag {
	case errFlagNo:
		return nil, nil
	case errFlagYes:
		msg, err := readBytes(br)
		if err != nil {
			return nil, err
		}
		if len(msg) == 0 {
			return nil, ErrParseProto
		}
		return errors.New(string(msg)), nil
	default:
		return nil, fmt.Errorf("%w: err flag 0x%02x", ErrParseProto, flag)
	}
}
