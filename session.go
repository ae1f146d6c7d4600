package msgnet

import (
	"io"

	"github.com/pkg/errors"
)

// State is the position of a Reactor connection in its lifecycle.
type State int

const (
	// StateReading waits for a complete request frame.
	StateReading State = iota
	// StateProcessing holds a complete request for the handler.
	StateProcessing
	// StateWriting flushes the reply; read interest is paused meanwhile.
	StateWriting
	// StateClosing is terminal: the connection is torn down.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// interest is the readiness a session waits for before it can advance.
type interest uint8

const (
	wantRead interest = 1 << iota
	wantWrite

	wantNone interest = 0
)

// session is the explicit state machine of one non-blocking connection.
// It owns the connection's transport and therefore its buffers.
type session struct {
	conn    *NonblockingConn
	handler Handler

	state   State
	request Message
	err     error // why the session reached StateClosing; nil on clean close
}

func newSession(conn *NonblockingConn, h Handler) *session {
	return &session{conn: conn, handler: h, state: StateReading}
}

// advance runs the state machine as far as the stream allows and returns the
// readiness it must wait for next. It returns wantNone once the session is
// closing. advance never blocks other than inside the handler.
//
// In StateReading it keeps receiving until the transport reports
// ErrWouldBlock, so buffered and pipelined requests are all served before the
// connection waits on an edge-triggered event again.
func (s *session) advance() interest {
	for {
		switch s.state {
		case StateReading:
			msg, err := s.conn.Receive()
			if errors.Is(err, ErrWouldBlock) {
				return wantRead
			}
			if err != nil {
				s.fail(err)
				continue
			}
			s.request = msg
			s.state = StateProcessing

		case StateProcessing:
			reply := s.handler.Handle(s.request)
			s.request = nil
			if err := s.conn.Queue(reply); err != nil {
				s.fail(err)
				continue
			}
			s.state = StateWriting

		case StateWriting:
			pending, err := s.conn.Flush()
			if err != nil {
				s.fail(err)
				continue
			}
			if pending > 0 {
				return wantWrite
			}
			s.state = StateReading

		default:
			return wantNone
		}
	}
}

// fail moves the session to StateClosing.
func (s *session) fail(err error) {
	s.state = StateClosing
	s.request = nil
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.err = err
}
