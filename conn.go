// Package msgnet provides a message-oriented transport over stream sockets.
// Messages travel as length-prefixed frames; two server engines exchange them
// with clients: a blocking Server with one goroutine per connection and a
// non-blocking Reactor multiplexing every connection over one event loop.
package msgnet

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
)

// maxEmptyReads bounds consecutive reads returning no data and no error.
const maxEmptyReads = 100

// Conn is the blocking framed transport over one byte stream.
//
// Receive and Send may run concurrently with each other (the read and write
// sides share no state) but each must only be called by one goroutine at a time.
type Conn struct {
	rw     io.ReadWriteCloser
	logger Logger
	opts   options

	dec  *decoder
	rerr error // sticky read error, reported once buffered frames are drained
	wbuf []byte

	closed atomic.Bool
}

// NewConn wraps rw in a blocking framed transport.
// Any reliable, ordered byte stream works: TCP, Unix sockets, TLS, pipes.
func NewConn(rw io.ReadWriteCloser, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(rw, opts), nil
}

// newConnWithOptions creates a new Conn with already validated options.
func newConnWithOptions(rw io.ReadWriteCloser, opts options) *Conn {
	return &Conn{
		rw:     rw,
		logger: opts.logger,
		opts:   opts,
		dec:    newDecoder(opts.maxMessageSize, opts.bufferSize),
	}
}

// Receive blocks until a complete frame has arrived and returns its payload.
//
// Frames already buffered are returned before the stream is read again.
// A peer that closes between frames yields ErrConnectionClosed wrapping
// io.EOF; a peer that closes inside a frame yields ErrConnectionClosed
// wrapping io.ErrUnexpectedEOF. A declared length above the maximum yields
// ErrProtocolViolation without allocating the payload.
func (c *Conn) Receive() (Message, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	empty := 0
	for {
		msg, ok, err := c.dec.next()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		if c.rerr != nil {
			return nil, c.readError()
		}

		n, err := c.dec.fill(c.rw.Read)
		if err != nil {
			// Parse whatever arrived together with the error first.
			c.rerr = err
			continue
		}
		if n > 0 {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyReads {
			return nil, errors.Wrap(io.ErrNoProgress, "read")
		}
	}
}

func (c *Conn) readError() error {
	return readFailure(c.rerr, c.dec.midFrame())
}

// Send encodes msg as a frame and writes all of it before returning.
// It fails with ErrInvalidMessage when msg exceeds the maximum size, in which
// case nothing is written.
func (c *Conn) Send(msg Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	buf, err := AppendFrame(c.wbuf[:0], msg, c.opts.maxMessageSize)
	if err != nil {
		return err
	}

	err = writeFull(c.rw, buf)
	if cap(buf) <= 4*c.opts.bufferSize {
		c.wbuf = buf
	}
	return classify("write", err)
}

// writeFull writes all of p, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// Run serves the connection until the peer closes it, an error occurs or ctx
// is canceled: it receives a message, passes it to h and sends the reply.
// Replies leave in the order requests arrived.
//
// Run returns nil when the peer closed the connection between frames.
// The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	for {
		msg, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err = c.Send(h.Handle(msg)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// CloseWrite shuts down the write side of the stream when it supports
// half-close, letting the peer observe end of stream while replies can still
// be received.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.rw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// Close closes the underlying stream. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rw.Close()
}

// IsClosed returns true if the connection has been closed locally.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address when the stream has one, nil otherwise.
func (c *Conn) Addr() net.Addr {
	if ra, ok := c.rw.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr()
	}
	return nil
}
