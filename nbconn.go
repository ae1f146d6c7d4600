package msgnet

import (
	"github.com/pkg/errors"
)

// NonblockingConn is the framed transport in non-blocking mode.
//
// Every call makes as much progress as the stream allows right now and then
// returns. Partially received frames and unflushed reply bytes stay inside the
// NonblockingConn between calls, so the owner can resume exactly where it left
// off when the stream becomes ready again.
type NonblockingConn struct {
	s    Stream
	opts options

	dec  *decoder
	rerr error

	out  []byte // encoded frames not yet fully written
	sent int    // bytes of out already written
}

// NewNonblockingConn wraps s in a non-blocking framed transport.
func NewNonblockingConn(s Stream, opt ...Option) (*NonblockingConn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}
	return newNonblockingConnWithOptions(s, opts), nil
}

func newNonblockingConnWithOptions(s Stream, opts options) *NonblockingConn {
	return &NonblockingConn{
		s:    s,
		opts: opts,
		dec:  newDecoder(opts.maxMessageSize, opts.bufferSize),
	}
}

// Receive returns the next complete message, or ErrWouldBlock when the bytes
// available so far do not complete a frame.
//
// Frames already buffered are returned before the stream is read again, and
// the stream is read until it reports ErrWouldBlock or a frame completes.
// Callers driven by edge-triggered readiness must call Receive until it
// returns ErrWouldBlock.
func (c *NonblockingConn) Receive() (Message, error) {
	for {
		msg, ok, err := c.dec.next()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		if c.rerr != nil {
			return nil, readFailure(c.rerr, c.dec.midFrame())
		}

		n, err := c.dec.fill(c.s.Read)
		switch {
		case errors.Is(err, ErrWouldBlock):
			return nil, ErrWouldBlock
		case err != nil:
			c.rerr = err
		case n == 0:
			return nil, ErrWouldBlock
		}
	}
}

// Queue encodes msg behind any bytes still waiting to be flushed.
// It fails with ErrInvalidMessage when msg exceeds the maximum size.
func (c *NonblockingConn) Queue(msg Message) error {
	if c.sent > 0 {
		n := copy(c.out, c.out[c.sent:])
		c.out = c.out[:n]
		c.sent = 0
	}

	out, err := AppendFrame(c.out, msg, c.opts.maxMessageSize)
	if err != nil {
		return err
	}
	c.out = out
	return nil
}

// Flush writes as many queued bytes as the stream accepts and returns the
// number of bytes still pending. A zero count with a nil error means every
// queued frame has been written.
func (c *NonblockingConn) Flush() (int, error) {
	for c.sent < len(c.out) {
		n, err := c.s.Write(c.out[c.sent:])
		c.sent += n
		if errors.Is(err, ErrWouldBlock) {
			return c.Pending(), nil
		}
		if err != nil {
			return c.Pending(), classify("write", err)
		}
		if n == 0 {
			return c.Pending(), nil
		}
	}

	c.sent = 0
	if cap(c.out) > 4*c.opts.bufferSize {
		c.out = nil
	} else {
		c.out = c.out[:0]
	}
	return 0, nil
}

// Send queues msg and flushes. It returns the number of bytes left pending;
// the caller retries with Flush once the stream is writable again.
func (c *NonblockingConn) Send(msg Message) (int, error) {
	if err := c.Queue(msg); err != nil {
		return c.Pending(), err
	}
	return c.Flush()
}

// Pending returns the number of queued bytes not yet written.
func (c *NonblockingConn) Pending() int {
	return len(c.out) - c.sent
}

// Close closes the underlying stream.
func (c *NonblockingConn) Close() error {
	return c.s.Close()
}
