package streamhub_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhub-io/streamhub-go/lifecycle"
	"github.com/streamhub-io/streamhub-go/streamhub"
)

func dialTestConn(t *testing.T, addr string) *streamhub.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := streamhub.Dial(ctx, addr, generateTLSConfig(), nil,
		streamhub.WithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestSession(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("open and close", func(t *testing.T) {
		sess, err := conn.OpenSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", sess.ID())

		st, err := sess.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateOpened, st)

		require.NoError(t, sess.Close())
		require.NoError(t, sess.Close())
	})

	t.Run("generated id", func(t *testing.T) {
		sess, err := conn.OpenSession(ctx, "")
		require.NoError(t, err)
		defer sess.Close()

		assert.NotEmpty(t, sess.ID())
	})
}

func TestLinkRoundTrip(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-rt")
	require.NoError(t, err)
	defer sess.Close()

	recv, err := sess.OpenLink(ctx, "orders", streamhub.RoleReceiver)
	require.NoError(t, err)
	assert.Equal(t, streamhub.RoleReceiver, recv.Role())
	assert.Equal(t, "orders", recv.Topic())

	send, err := sess.OpenLink(ctx, "orders", streamhub.RoleSender)
	require.NoError(t, err)

	st, err := send.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateOpened, st)

	require.NoError(t, recv.AddCredit(ctx, 10))

	for i := 0; i < 5; i++ {
		require.NoError(t, send.Send(ctx, []byte(fmt.Sprintf("msg-%d", i))))
	}

	var got []streamhub.Message
	for len(got) < 5 {
		msgs, err := recv.Receive(ctx, 10)
		require.NoError(t, err)
		got = append(got, msgs...)
	}

	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(m.Payload))
		assert.Equal(t, "orders", m.Topic)
		assert.NotZero(t, m.SequenceNumber)
		assert.NotEmpty(t, m.Offset)
	}

	// Deliveries carry the broker's ordering.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].SequenceNumber, got[i-1].SequenceNumber)
	}
}

func TestSendAsyncOutcome(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-async")
	require.NoError(t, err)
	defer sess.Close()

	send, err := sess.OpenLink(ctx, "events", streamhub.RoleSender)
	require.NoError(t, err)

	oc, err := send.SendAsync([]byte("payload"))
	require.NoError(t, err)

	_, werr := oc.Wait(ctx)
	assert.NoError(t, werr)
}

func TestOpenLinkValidation(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-val")
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.OpenLink(ctx, "", streamhub.RoleSender)
	assert.ErrorIs(t, err, streamhub.ErrEmptyTopic)

	_, err = sess.OpenLink(ctx, "topic", streamhub.Role(0x7f))
	assert.ErrorIs(t, err, streamhub.ErrInvalidRole)
}

func TestAttachRejected(t *testing.T) {
	addr := runTestServer(t, "unauthorized")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-rej")
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.OpenLink(ctx, "secret", streamhub.RoleSender)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestRoleChecks(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-roles")
	require.NoError(t, err)
	defer sess.Close()

	send, err := sess.OpenLink(ctx, "t", streamhub.RoleSender)
	require.NoError(t, err)
	recv, err := sess.OpenLink(ctx, "t", streamhub.RoleReceiver)
	require.NoError(t, err)

	_, err = send.Receive(ctx, 1)
	assert.ErrorIs(t, err, streamhub.ErrNotReceiver)
	assert.ErrorIs(t, send.AddCredit(ctx, 1), streamhub.ErrNotReceiver)

	assert.ErrorIs(t, recv.Send(ctx, []byte("x")), streamhub.ErrNotSender)
	_, err = recv.SendAsync([]byte("x"))
	assert.ErrorIs(t, err, streamhub.ErrNotSender)
}

func TestLinkClose(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-lc")
	require.NoError(t, err)
	defer sess.Close()

	lnk, err := sess.OpenLink(ctx, "t", streamhub.RoleSender)
	require.NoError(t, err)

	require.NoError(t, lnk.Close())
	require.NoError(t, lnk.Close())

	st, err := lnk.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClosed, st)

	assert.ErrorIs(t, lnk.Send(ctx, []byte("x")), streamhub.ErrLinkClosed)
}

func TestSessionCloseFailsLinks(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-cascade")
	require.NoError(t, err)

	recv, err := sess.OpenLink(ctx, "t", streamhub.RoleReceiver)
	require.NoError(t, err)

	// A receive blocked on an empty link must unblock when the
	// session tears the link down.
	errCh := make(chan error, 1)
	go func() {
		_, rerr := recv.Receive(ctx, 1)
		errCh <- rerr
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sess.Close())

	select {
	case rerr := <-errCh:
		assert.ErrorIs(t, rerr, streamhub.ErrLinkClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not unblock on session close")
	}

	st, err := recv.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClosed, st)
}

func TestConnCloseTearsDownBackpressuredSession(t *testing.T) {
	addr := runTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := streamhub.Dial(ctx, addr, generateTLSConfig(), nil,
		streamhub.WithTimeout(5*time.Second))
	require.NoError(t, err)

	sess, err := conn.OpenSession(ctx, "sess-bp")
	require.NoError(t, err)

	recv, err := sess.OpenLink(ctx, "t", streamhub.RoleReceiver,
		streamhub.WithPrefetch(1))
	require.NoError(t, err)
	send, err := sess.OpenLink(ctx, "t", streamhub.RoleSender)
	require.NoError(t, err)

	require.NoError(t, recv.AddCredit(ctx, 10))

	// Two transfers against a window of one park the session's read
	// loop delivering the second.
	require.NoError(t, send.Send(ctx, []byte("one")))
	require.NoError(t, send.Send(ctx, []byte("two")))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, conn.Close())

	// Closing the conn under a parked read loop must still tear the
	// session's links down: draining ends with ErrLinkClosed, never a
	// hang.
	drained := 0
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("link never closed after conn close")
		default:
		}

		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		msgs, rerr := recv.Receive(rctx, 10)
		rcancel()
		if rerr != nil {
			require.ErrorIs(t, rerr, streamhub.ErrLinkClosed)
			break
		}
		drained += len(msgs)
	}
	assert.LessOrEqual(t, drained, 2)
}

func TestLinkCloseAfterSessionClose(t *testing.T) {
	addr := runTestServer(t, "")
	conn := dialTestConn(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := conn.OpenSession(ctx, "sess-lac")
	require.NoError(t, err)

	lnk, err := sess.OpenLink(ctx, "t", streamhub.RoleSender)
	require.NoError(t, err)

	require.NoError(t, sess.Close())

	// The session already tore the link down; its close must resolve
	// immediately instead of waiting out the detach timeout.
	start := time.Now()
	require.NoError(t, lnk.Close())
	assert.Less(t, time.Since(start), 3*time.Second)

	st, err := lnk.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClosed, st)
}

func TestTransportLossDrivesClose(t *testing.T) {
	addr := runTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := streamhub.Dial(ctx, addr, generateTLSConfig(), nil,
		streamhub.WithTimeout(5*time.Second))
	require.NoError(t, err)

	sess, err := conn.OpenSession(ctx, "sess-loss")
	require.NoError(t, err)

	// Killing the connection under the session must still drive its
	// machine through Closing to Closed.
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		st, serr := sess.State(sctx)
		return serr != nil || st == lifecycle.StateClosed
	}, 10*time.Second, 50*time.Millisecond)
}
