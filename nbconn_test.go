package msgnet

import (
	"bytes"
	"io"
	"syscall"
	"testing"

	"github.com/pkg/errors"
)

// fakeStream is an in-memory Stream whose readiness is controlled by the test.
type fakeStream struct {
	in  []byte // bytes the peer has sent and not yet read
	eof bool   // peer closed once in is drained

	out         bytes.Buffer
	writeBudget int // bytes accepted before ErrWouldBlock; negative means unlimited
	maxWrite    int // bytes accepted per call; 0 means unlimited
	maxRead     int // bytes returned per call; 0 means unlimited
	writeErr    error

	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{writeBudget: -1}
}

func (s *fakeStream) feed(p []byte) {
	s.in = append(s.in, p...)
}

func (s *fakeStream) Read(b []byte) (int, error) {
	if len(s.in) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := min(len(b), len(s.in))
	if s.maxRead > 0 {
		n = min(n, s.maxRead)
	}
	copy(b, s.in[:n])
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeStream) Write(b []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writeBudget == 0 {
		return 0, ErrWouldBlock
	}
	n := len(b)
	if s.maxWrite > 0 {
		n = min(n, s.maxWrite)
	}
	if s.writeBudget > 0 {
		n = min(n, s.writeBudget)
		s.writeBudget -= n
	}
	return s.out.Write(b[:n])
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func frames(t *testing.T, msgs ...string) []byte {
	t.Helper()
	var b []byte
	for _, m := range msgs {
		var err error
		if b, err = AppendFrame(b, Message(m), DefaultMaxMessageSize); err != nil {
			t.Fatalf("AppendFrame failed: %v", err)
		}
	}
	return b
}

func TestNonblockingConn_ReceivePartial(t *testing.T) {
	s := newFakeStream()
	conn, err := NewNonblockingConn(s)
	if err != nil {
		t.Fatalf("NewNonblockingConn failed: %v", err)
	}

	if _, err = conn.Receive(); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on empty stream, got %v", err)
	}

	frame := frames(t, "ping")
	for i := 0; i < len(frame)-1; i++ {
		s.feed(frame[i : i+1])
		if _, err = conn.Receive(); err != ErrWouldBlock {
			t.Fatalf("byte %d: expected ErrWouldBlock, got %v", i, err)
		}
	}

	s.feed(frame[len(frame)-1:])
	msg, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(msg) != "ping" {
		t.Errorf("message = %q, want %q", msg, "ping")
	}
}

func TestNonblockingConn_ReceiveBuffered(t *testing.T) {
	s := newFakeStream()
	s.feed(frames(t, "a", "bb", ""))
	conn, _ := NewNonblockingConn(s)

	for _, want := range []string{"a", "bb", ""} {
		msg, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(msg) != want {
			t.Errorf("message = %q, want %q", msg, want)
		}
	}
	if _, err := conn.Receive(); err != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock, got %v", err)
	}
}

func TestNonblockingConn_ReceiveEOF(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		cause error
	}{
		{"between frames", frames(t, "x")[:0], io.EOF},
		{"inside header", frames(t, "x")[:2], io.ErrUnexpectedEOF},
		{"inside payload", frames(t, "xyz")[:5], io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStream()
			s.feed(tt.input)
			s.eof = true
			conn, _ := NewNonblockingConn(s)

			_, err := conn.Receive()
			if !errors.Is(err, ErrConnectionClosed) || !errors.Is(err, tt.cause) {
				t.Errorf("expected ErrConnectionClosed wrapping %v, got %v", tt.cause, err)
			}
		})
	}
}

func TestNonblockingConn_ProtocolViolation(t *testing.T) {
	s := newFakeStream()
	s.feed([]byte{0x00, 0x01, 0x00, 0x00})
	conn, _ := NewNonblockingConn(s, MessageMaxSize(1024))

	if _, err := conn.Receive(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestNonblockingConn_SendPartial(t *testing.T) {
	s := newFakeStream()
	s.writeBudget = 3
	conn, _ := NewNonblockingConn(s)

	want := frames(t, "ping")
	pending, err := conn.Send(Message("ping"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if pending != len(want)-3 {
		t.Errorf("pending = %d, want %d", pending, len(want)-3)
	}

	// Flushing while still blocked keeps the remainder.
	if pending, err = conn.Flush(); err != nil || pending != len(want)-3 {
		t.Errorf("Flush = %d, %v", pending, err)
	}

	s.writeBudget = -1
	s.maxWrite = 1
	if pending, err = conn.Flush(); err != nil || pending != 0 {
		t.Fatalf("Flush = %d, %v", pending, err)
	}
	if !bytes.Equal(s.out.Bytes(), want) {
		t.Errorf("wire = % x, want % x", s.out.Bytes(), want)
	}
}

func TestNonblockingConn_QueueKeepsOrder(t *testing.T) {
	s := newFakeStream()
	s.writeBudget = 5
	conn, _ := NewNonblockingConn(s)

	if _, err := conn.Send(Message("first")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := conn.Queue(Message("second")); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	s.writeBudget = -1
	if pending, err := conn.Flush(); err != nil || pending != 0 {
		t.Fatalf("Flush = %d, %v", pending, err)
	}
	if want := frames(t, "first", "second"); !bytes.Equal(s.out.Bytes(), want) {
		t.Errorf("wire = % x, want % x", s.out.Bytes(), want)
	}
}

func TestNonblockingConn_QueueTooLong(t *testing.T) {
	conn, _ := NewNonblockingConn(newFakeStream(), MessageMaxSize(2))

	if err := conn.Queue(Message("abc")); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
	if conn.Pending() != 0 {
		t.Errorf("pending = %d after rejected message", conn.Pending())
	}
}

func TestNonblockingConn_WriteError(t *testing.T) {
	s := newFakeStream()
	s.writeErr = syscall.EPIPE
	conn, _ := NewNonblockingConn(s)

	_, err := conn.Send(Message("x"))
	if !errors.Is(err, ErrConnectionClosed) || !errors.Is(err, syscall.EPIPE) {
		t.Errorf("expected ErrConnectionClosed wrapping EPIPE, got %v", err)
	}
}

func TestNonblockingConn_Close(t *testing.T) {
	s := newFakeStream()
	conn, _ := NewNonblockingConn(s)
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !s.closed {
		t.Error("stream not closed")
	}
}
