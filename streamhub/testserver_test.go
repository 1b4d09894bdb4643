package streamhub_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"

	"github.com/quic-go/quic-go"
)

// Frame opcodes mirrored from the client. The stub broker below
// accepts handshakes, acknowledges operations and loops transfers
// back to receiver links on the same topic.
const (
	tsOpSessionOpen  byte = 0x01
	tsOpSessionClose byte = 0x02
	tsOpAttach       byte = 0x03
	tsOpDetach       byte = 0x04
	tsOpTransfer     byte = 0x05
	tsOpFlow         byte = 0x06

	tsRespSessionOpen  byte = 0x81
	tsRespSessionClose byte = 0x82
	tsRespAck          byte = 0x83
	tsRespTransfer     byte = 0x84
)

type testServer struct {
	ln *quic.Listener

	// attachErr, when set, rejects every attach with this message.
	attachErr string

	mu        sync.Mutex
	seq       uint64
	receivers map[string][]*tsLink
}

type tsSession struct {
	srv *testServer
	str *quic.Stream
	wmu sync.Mutex

	links map[byte]tsLinkInfo
}

type tsLinkInfo struct {
	role  byte
	topic string
}

type tsLink struct {
	sess *tsSession
	id   byte
}

func runTestServer(t *testing.T, attachErr string) string {
	t.Helper()

	ln, err := quic.ListenAddr("127.0.0.1:0", generateTLSConfig(), nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testServer{
		ln:        ln,
		attachErr: attachErr,
		receivers: make(map[string][]*tsLink),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go srv.acceptLoop(ctx)

	return ln.Addr().String()
}

func (srv *testServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := srv.ln.Accept(ctx)
		if err != nil {
			return
		}
		go srv.serveConn(ctx, conn)
	}
}

func (srv *testServer) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		sess := &tsSession{
			srv:   srv,
			str:   str,
			links: make(map[byte]tsLinkInfo),
		}
		go sess.serve()
	}
}

func (s *tsSession) serve() {
	br := bufio.NewReader(s.str)

	for {
		op, err := br.ReadByte()
		if err != nil {
			return
		}

		switch op {
		case tsOpSessionOpen:
			if _, err := readBuf(br); err != nil {
				return
			}
			s.write([]byte{tsRespSessionOpen, 0x00})

		case tsOpSessionClose:
			s.write([]byte{tsRespSessionClose})
			s.str.Close()
			return

		case tsOpAttach:
			if err := s.handleAttach(br); err != nil {
				return
			}

		case tsOpDetach:
			cid, err := readU32(br)
			if err != nil {
				return
			}
			linkID, err := br.ReadByte()
			if err != nil {
				return
			}
			s.srv.removeReceiver(s, linkID)
			delete(s.links, linkID)
			s.ack(cid, "")

		case tsOpTransfer:
			if err := s.handleTransfer(br); err != nil {
				return
			}

		case tsOpFlow:
			cid, err := readU32(br)
			if err != nil {
				return
			}
			if _, err := br.ReadByte(); err != nil {
				return
			}
			if _, err := readU32(br); err != nil {
				return
			}
			s.ack(cid, "")

		default:
			return
		}
	}
}

func (s *tsSession) handleAttach(br *bufio.Reader) error {
	cid, err := readU32(br)
	if err != nil {
		return err
	}
	linkID, err := br.ReadByte()
	if err != nil {
		return err
	}
	role, err := br.ReadByte()
	if err != nil {
		return err
	}
	topic, err := readBuf(br)
	if err != nil {
		return err
	}

	if s.srv.attachErr != "" {
		s.ack(cid, s.srv.attachErr)
		return nil
	}

	s.links[linkID] = tsLinkInfo{role: role, topic: string(topic)}
	if role == 0x02 { // receiver
		s.srv.mu.Lock()
		s.srv.receivers[string(topic)] = append(s.srv.receivers[string(topic)],
			&tsLink{sess: s, id: linkID})
		s.srv.mu.Unlock()
	}

	s.ack(cid, "")
	return nil
}

func (s *tsSession) handleTransfer(br *bufio.Reader) error {
	cid, err := readU32(br)
	if err != nil {
		return err
	}
	linkID, err := br.ReadByte()
	if err != nil {
		return err
	}
	payload, err := readBuf(br)
	if err != nil {
		return err
	}

	info, ok := s.links[linkID]
	if !ok || info.role != 0x01 {
		s.ack(cid, "no such sender link")
		return nil
	}

	s.ack(cid, "")

	s.srv.mu.Lock()
	s.srv.seq++
	seq := s.srv.seq
	targets := append([]*tsLink(nil), s.srv.receivers[info.topic]...)
	s.srv.mu.Unlock()

	offset := fmt.Sprintf("%d", seq*100)
	for _, target := range targets {
		frame := []byte{tsRespTransfer, target.id}
		frame = binary.BigEndian.AppendUint64(frame, seq)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(offset)))
		frame = append(frame, offset...)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
		frame = append(frame, payload...)
		target.sess.write(frame)
	}
	return nil
}

func (srv *testServer) removeReceiver(sess *tsSession, linkID byte) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for topic, links := range srv.receivers {
		kept := links[:0]
		for _, l := range links {
			if l.sess != sess || l.id != linkID {
				kept = append(kept, l)
			}
		}
		srv.receivers[topic] = kept
	}
}

func (s *tsSession) ack(cid uint32, errMsg string) {
	frame := []byte{tsRespAck}
	frame = binary.BigEndian.AppendUint32(frame, cid)
	if errMsg == "" {
		frame = append(frame, 0x00)
	} else {
		frame = append(frame, 0x01)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(errMsg)))
		frame = append(frame, errMsg...)
	}
	s.write(frame)
}

func (s *tsSession) write(frame []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, _ = s.str.Write(frame)
}

func readU32(br *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readBuf(br *bufio.Reader) ([]byte, error) {
	n, err := readU32(br)
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

func generateTLSConfig() *tls.Config {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	cert, _ := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"streamhub/1"},
	}
}
