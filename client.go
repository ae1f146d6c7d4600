package msgnet

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// benchWindow bounds how many requests may be in flight during Bench.
const benchWindow = 4096

// Client exchanges messages with a server over one framed connection.
// Replies are paired with requests purely by order.
type Client struct {
	conn   *Conn
	logger Logger
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string, opt ...Option) (*Client, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	opts.logger.Debug("connected", "addr", nc.RemoteAddr())
	return &Client{conn: newConnWithOptions(nc, opts), logger: opts.logger}, nil
}

// NewClient creates a Client over an established byte stream.
func NewClient(rw io.ReadWriteCloser, opt ...Option) (*Client, error) {
	conn, err := NewConn(rw, opt...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, logger: conn.logger}, nil
}

// Call sends msg and blocks until the reply arrives.
func (c *Client) Call(msg Message) (Message, error) {
	if err := c.conn.Send(msg); err != nil {
		return nil, err
	}
	return c.conn.Receive()
}

// Interactive sends every line read from in, with surrounding white space
// trimmed, and writes each reply to out as "reply: <payload>". When prompt is
// set a "> " prompt is written before each line is read.
// It returns nil at the end of in.
func (c *Client) Interactive(in io.Reader, out io.Writer, prompt bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), c.conn.opts.maxMessageSize+1)

	for {
		if prompt {
			if _, err := io.WriteString(out, "> "); err != nil {
				return err
			}
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		reply, err := c.Call(Message(strings.TrimSpace(scanner.Text())))
		if err != nil {
			return err
		}
		if _, err = fmt.Fprintf(out, "reply: %s\n", reply); err != nil {
			return err
		}
	}
}

// BenchOptions configures a benchmark run.
type BenchOptions struct {
	// Count is the number of requests to send.
	Count int
	// Size is the payload size of generated requests. Ignored when Payload
	// is set.
	Size int
	// Payload, when set, is sent as every request.
	Payload Message
	// Verify checks that reply i equals request i, as an echo server does.
	Verify bool
	// Rate paces requests to this many per second. Zero means no pacing.
	Rate rate.Limit
	// Burst is the pacing burst size. Defaults to 1.
	Burst int
}

func (o BenchOptions) request(i int) Message {
	if o.Payload != nil {
		return o.Payload
	}
	return benchPayload(i, o.Size)
}

// benchPayload fills a payload of the given size with the request sequence
// number so that a misordered echo fails verification.
func benchPayload(i, size int) Message {
	msg := make(Message, size)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(i))
	for off := 0; off < size; off += len(seq) {
		// A short chunk takes the low-order bytes, which differ between
		// neighbouring requests.
		copy(msg[off:], seq[max(0, len(seq)-(size-off)):])
	}
	return msg
}

// Bench sends Count requests back to back without waiting for replies and
// receives all of them, pairing reply i with request i. It records the
// latency of every request and the elapsed time until the last reply.
//
// A failed or canceled Bench closes the connection.
func (c *Client) Bench(ctx context.Context, opts BenchOptions) (*BenchResult, error) {
	if opts.Count < 0 || opts.Size < 0 {
		return nil, errors.Wrap(ErrInvalidOption, "negative benchmark count or size")
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.Rate, burst)
	}

	window := min(opts.Count, benchWindow)
	stamps := make(chan time.Time, max(window, 1))
	result := &BenchResult{Count: opts.Count, Latencies: make([]time.Duration, 0, opts.Count)}

	// bctx is canceled only on failure or when ctx ends, never by a
	// successful Wait, so the connection stays usable afterwards.
	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(bctx, func() { _ = c.conn.Close() })
	defer stop()

	var g errgroup.Group
	run := func(f func() error) {
		g.Go(func() error {
			err := f()
			if err != nil {
				cancel(err)
			}
			return err
		})
	}

	start := time.Now()

	run(func() error {
		for i := 0; i < opts.Count; i++ {
			if limiter != nil {
				if err := limiter.Wait(bctx); err != nil {
					return err
				}
			}
			req := opts.request(i)
			select {
			case stamps <- time.Now():
			case <-bctx.Done():
				return context.Cause(bctx)
			}
			if err := c.conn.Send(req); err != nil {
				return errors.Wrapf(err, "send request %d", i)
			}
			result.Bytes += int64(req.Len())
		}
		return nil
	})

	run(func() error {
		for i := 0; i < opts.Count; i++ {
			reply, err := c.conn.Receive()
			if err != nil {
				return errors.Wrapf(err, "receive reply %d", i)
			}
			sentAt := <-stamps
			result.Latencies = append(result.Latencies, time.Since(sentAt))

			if opts.Verify && !bytes.Equal(reply, opts.request(i)) {
				return errors.Wrapf(ErrInvalidMessage, "reply %d does not match its request", i)
			}
		}
		return nil
	})

	err := g.Wait()
	// Stop before returning so a late cancel cannot close the connection
	// under the caller.
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	result.Elapsed = time.Since(start)

	c.logger.Debug("benchmark finished", "count", result.Count, "elapsed", result.Elapsed)
	return result, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
