package msgnet

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Server is the blocking server: it accepts TCP connections and serves each
// one on its own goroutine with a Conn, so a slow handler only stalls its own
// connection.
type Server struct {
	listener *net.TCPListener
	logger   Logger
	opts     serverOptions
	connOpts options

	wg    sync.WaitGroup
	conns atomic.Int64

	mu       sync.Mutex
	serving  bool
	shutdown bool
	quit     chan struct{} // closed by Close, bypasses the shutdown timeout
	quitOnce sync.Once
}

// New creates a new blocking server bound to the specified address.
// Returns an error if the options are invalid or the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	var so serverOptions
	for _, opt := range opts {
		opt(&so)
	}
	if err := checkServerOptions(&so); err != nil {
		return nil, err
	}
	connOpts, err := buildOptions(so.connOpts)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		logger:   so.logger,
		opts:     so,
		connOpts: connOpts,
		quit:     make(chan struct{}),
	}, nil
}

// Serve accepts connections and serves each one with handler on a dedicated
// goroutine. It blocks until the context is canceled or Close is called and
// returns ctx.Err() or ErrServerClosed respectively.
//
// After cancellation no new connection is accepted. Workers get up to the
// shutdown timeout to finish on their own, then their connections are closed.
// Serve returns once every worker has exited.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	s.mu.Lock()
	if s.shutdown || s.serving {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving = true
	s.mu.Unlock()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		case <-stopped:
			return
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	s.logger.Info("server started", "addr", s.listener.Addr())

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.drain(cancelWorkers)
				_ = s.listener.Close()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrServerClosed
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			cancelWorkers()
			s.wg.Wait()
			return err
		}

		remote := conn.RemoteAddr().String()
		if limit := s.opts.maxConns; limit > 0 && s.conns.Load() >= int64(limit) {
			s.logger.Warn("connection limit reached", "remote_addr", remote, "max_connections", limit)
			_ = conn.Close()
			continue
		}

		_ = conn.SetNoDelay(true)
		info := ConnInfo{ID: uuid.New(), RemoteAddr: remote}
		s.logger.Debug("accepted connection", "conn_id", info.ID, "remote_addr", remote)

		s.conns.Add(1)
		s.wg.Add(1)
		go s.serveConn(workerCtx, conn, info, handler)
	}
}

// serveConn is the worker of one connection.
func (s *Server) serveConn(ctx context.Context, tc *net.TCPConn, info ConnInfo, handler Handler) {
	defer s.wg.Done()
	defer s.conns.Add(-1)

	s.opts.onConnect(info)

	conn := newConnWithOptions(tc, s.connOpts)
	err := conn.Run(ctx, handler)
	if errors.Is(err, context.Canceled) {
		err = ErrServerClosed
	}

	if err != nil {
		s.logger.Debug("connection closed with error", "conn_id", info.ID, "remote_addr", info.RemoteAddr, "error", err)
	} else {
		s.logger.Debug("connection closed", "conn_id", info.ID, "remote_addr", info.RemoteAddr)
	}
	s.opts.onClose(info, err)
}

// drain waits for workers, up to the shutdown timeout unless Close was
// called, then closes the connections still open.
func (s *Server) drain(cancelWorkers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if s.opts.shutdownTimeout > 0 && s.conns.Load() > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout, "connections", s.conns.Load())
		select {
		case <-done:
			return
		case <-time.After(s.opts.shutdownTimeout):
		case <-s.quit:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	cancelWorkers()
	<-done
}

// Close stops the server. A running Serve closes every connection without
// waiting for the shutdown timeout and returns ErrServerClosed.
// Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Conns returns the number of live connections.
func (s *Server) Conns() int {
	return int(s.conns.Load())
}
