package msgnet

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by transports and servers.
var (
	// ErrWouldBlock is returned by non-blocking operations that cannot make
	// progress until the stream becomes ready again. It is never fatal.
	ErrWouldBlock = errors.New("operation would block")
	// ErrConnectionClosed is returned when the peer closed the connection or
	// the connection was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocolViolation is returned when the peer sends a frame that cannot
	// be accepted, such as a declared length above the configured maximum.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidMessage is returned when a message to be sent exceeds the
	// configured maximum size.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidOption is returned when an option value is out of range.
	ErrInvalidOption = errors.New("invalid option")
	// ErrInvalidHandler is returned when a server is started without a handler.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrServerClosed is returned by Serve after Close has been called.
	ErrServerClosed = errors.New("server closed")
	// ErrUnsupported is returned when the non-blocking server is not available
	// on the current platform.
	ErrUnsupported = errors.New("not supported on this platform")
)

// closedCause reports whether err means the peer (or the local side) is gone.
func closedCause(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// classify attaches the operation name to an I/O error. Errors that mean the
// connection is gone also match ErrConnectionClosed while keeping their cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrConnectionClosed) {
		return err
	}
	if closedCause(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionClosed, err)
	}
	return errors.Wrap(err, op)
}

// readFailure converts the error that ended reading. End of stream inside a
// frame becomes io.ErrUnexpectedEOF.
func readFailure(err error, midFrame bool) error {
	if errors.Is(err, io.EOF) && midFrame {
		err = io.ErrUnexpectedEOF
	}
	return classify("read", err)
}
