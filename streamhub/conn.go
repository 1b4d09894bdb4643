// Package streamhub is the client for the streamhub broker. A Conn
// multiplexes sessions over one QUIC connection; each session carries
// sender and receiver links. Every endpoint's state lives on the
// conn's reactor goroutine, and operations issued elsewhere resolve
// through one-shot completion outcomes.
package streamhub

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/streamhub-io/streamhub-go/lifecycle"
	"github.com/streamhub-io/streamhub-go/reactor"
)

const alpnProto = "streamhub/1"

var ReadBufferSize = 512

type Conn struct {
	id    string
	qconn *quic.Conn

	r       *reactor.Reactor
	machine *lifecycle.Machine

	timeout time.Duration
	wdl     time.Duration
	closed  atomic.Bool

	smu      sync.Mutex
	sessions map[*Session]struct{}

	exceptionHook func(error)

	l *slog.Logger
}

func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config, opts ...Option) (*Conn, error) {
	if tlsConf != nil {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{alpnProto}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic: dial addr: %w", err)
	}

	c := &Conn{
		id:       uuid.NewString(),
		qconn:    conn,
		timeout:  10 * time.Second,
		wdl:      5 * time.Second,
		sessions: make(map[*Session]struct{}),
		l:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.l = c.l.With("conn_id", c.id)
	c.r = reactor.New(
		reactor.WithLogger(c.l),
		reactor.WithPanicHook(c.exceptionHook),
	)
	c.r.Start()
	c.machine = lifecycle.NewMachine(c.r, lifecycle.WithLogger(c.l))

	// The QUIC handshake already completed, so establishment and
	// transport readiness collapse into one reactor turn.
	if err := c.r.Do(ctx, func() {
		if oerr := c.machine.RequestOpen(nil); oerr != nil {
			c.l.Error("conn open", "err", oerr)
		}
		if oerr := c.machine.OnTransportReady(); oerr != nil {
			c.l.Error("conn ready", "err", oerr)
		}
	}); err != nil {
		c.r.Stop()
		_ = conn.CloseWithError(0x0, "")
		return nil, fmt.Errorf("open conn: %w", err)
	}

	go c.pingLoop(ctx)

	return c, nil
}

// ID is the opaque handle identifying this connection.
func (c *Conn) ID() string {
	return c.id
}

// State reports the conn's lifecycle state as of one reactor turn.
func (c *Conn) State(ctx context.Context) (lifecycle.State, error) {
	return c.machine.StateSnapshot(ctx)
}

func (c *Conn) pingLoop(ctx context.Context) {
	var pingBuf [1]byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if c.closed.Load() {
				return
			}
			str, err := c.qconn.AcceptStream(ctx)
			if err != nil {
				if c.closed.Load() || ctx.Err() != nil {
					return
				}
				c.l.Error("ping: accept stream", "err", err)
				continue
			}

			if err := handlePing(str, pingBuf[:]); err != nil {
				c.l.Error("ping: handle ping", "err", err)
				continue
			}
		}
	}
}

func (c *Conn) addSession(s *Session) {
	c.smu.Lock()
	c.sessions[s] = struct{}{}
	c.smu.Unlock()
}

func (c *Conn) removeSession(s *Session) {
	c.smu.Lock()
	delete(c.sessions, s)
	c.smu.Unlock()
}

func (c *Conn) openSessions() []*Session {
	c.smu.Lock()
	defer c.smu.Unlock()

	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// Children go down first: every session still up is driven through
	// Closing on the reactor, so its pending outcomes and links fail
	// before the loop stops accepting work.
	sessions := c.openSessions()
	_ = c.r.Do(ctx, func() {
		for _, s := range sessions {
			if terr := s.machine.TransportError(ErrConnClosed); terr != nil {
				c.l.Error("session teardown", "session_id", s.id, "err", terr)
			}
			if cerr := s.machine.OnTransportClosed(); cerr != nil {
				c.l.Error("session teardown", "session_id", s.id, "err", cerr)
			}
		}
		if err := c.machine.RequestClose(nil); err != nil {
			c.l.Error("conn close", "err", err)
		}
	})

	qerr := c.qconn.CloseWithError(0x0, "")

	_ = c.r.Do(ctx, func() {
		if err := c.machine.OnTransportClosed(); err != nil {
			c.l.Error("conn closed", "err", err)
		}
	})
	c.r.Stop()

	for _, s := range sessions {
		s.shutdown()
	}

	if qerr != nil {
		return fmt.Errorf("quic: close: %w", qerr)
	}
	return nil
}

func handlePing(str *quic.Stream, buf []byte) error {
	defer str.Close()

	if _, err := io.ReadFull(str, buf); err != nil {
		return fmt.Errorf("ping: read: %w", err)
	}
	if buf[0] != opPing {
		return fmt.Errorf("%w: opcode 0x%02x", ErrParseProto, buf[0])
	}

	buf[0] = respPong
	if _, err := str.Write(buf); err != nil {
		return fmt.Errorf("ping: write pong: %w", err)
	}
	return nil
}
