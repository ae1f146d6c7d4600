package msgnet

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// eventBatch is the number of readiness events collected per wait.
const eventBatch = 256

// connRecord is the Reactor's entry for one accepted socket.
type connRecord struct {
	fd       int
	info     ConnInfo
	session  *session
	interest interest
}

// Reactor is the non-blocking server. One goroutine runs the whole event
// loop: it waits on an edge-triggered epoll instance, accepts connections and
// advances every connection's state machine. Connections are kept in a
// registry keyed by socket descriptor which is touched only by that loop.
type Reactor struct {
	opts     serverOptions
	connOpts options
	logger   Logger

	lfd    int
	addr   *net.TCPAddr
	poller *poller

	registry map[int]*connRecord
	conns    atomic.Int64

	// acceptPaused is set when accept ran out of descriptors. The listener
	// is edge-triggered, so it is re-armed on the next close.
	acceptPaused bool

	mu      sync.Mutex
	serving bool
	closed  atomic.Bool
}

// NewReactor creates a non-blocking server bound to the specified address.
// Returns an error if the options are invalid or the address cannot be bound.
func NewReactor(addr *net.TCPAddr, opts ...ServerOption) (*Reactor, error) {
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

	lfd, bound, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}

	p, err := newPoller(eventBatch)
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}

	return &Reactor{
		opts:     so,
		connOpts: connOpts,
		logger:   so.logger,
		lfd:      lfd,
		addr:     bound,
		poller:   p,
		registry: make(map[int]*connRecord),
	}, nil
}

// Serve runs the event loop until the context is canceled or Close is called.
// It returns ctx.Err() after cancellation and ErrServerClosed after Close.
// Every live connection is closed before Serve returns.
//
// The handler runs on the loop goroutine and must not block.
func (r *Reactor) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	r.mu.Lock()
	if r.closed.Load() || r.serving {
		r.mu.Unlock()
		return ErrServerClosed
	}
	r.serving = true
	r.mu.Unlock()

	defer r.shutdown()

	stop := context.AfterFunc(ctx, r.interrupt)
	defer stop()

	if err := r.poller.add(r.lfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		return err
	}

	r.logger.Info("reactor started", "addr", r.addr)

	for {
		events, err := r.poller.wait()
		if err != nil {
			r.logger.Error("poll error", "error", err)
			return err
		}

		for _, ev := range events {
			switch fd := int(ev.Fd); fd {
			case r.poller.wakefd:
				r.poller.drainWake()
			case r.lfd:
				r.accept(handler)
			default:
				r.dispatch(fd)
			}
		}

		if ctx.Err() != nil {
			r.logger.Info("reactor stopped", "addr", r.addr)
			return ctx.Err()
		}
		if r.closed.Load() {
			r.logger.Info("reactor stopped", "addr", r.addr)
			return ErrServerClosed
		}
	}
}

// accept drains the listen backlog until it would block.
func (r *Reactor) accept(handler Handler) {
	for {
		fd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				r.logger.Warn("accept paused: out of file descriptors", "error", err, "connections", len(r.registry))
				r.acceptPaused = true
			default:
				r.logger.Error("accept error", "error", err)
			}
			return
		}

		remote := fromSockaddr(sa).String()
		if r.opts.maxConns > 0 && len(r.registry) >= r.opts.maxConns {
			r.logger.Warn("connection limit reached", "remote_addr", remote, "max_connections", r.opts.maxConns)
			_ = unix.Close(fd)
			continue
		}

		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		conn := newNonblockingConnWithOptions(fdStream(fd), r.connOpts)
		rec := &connRecord{
			fd:       fd,
			info:     ConnInfo{ID: uuid.New(), RemoteAddr: remote},
			session:  newSession(conn, handler),
			interest: wantRead,
		}

		if err = r.poller.add(fd, epollEvents(wantRead)); err != nil {
			r.logger.Error("register connection", "remote_addr", remote, "error", err)
			_ = unix.Close(fd)
			continue
		}

		r.registry[fd] = rec
		r.conns.Store(int64(len(r.registry)))
		r.logger.Debug("accepted connection", "conn_id", rec.info.ID, "fd", fd, "remote_addr", remote)
		r.opts.onConnect(rec.info)
	}
}

// dispatch advances the state machine of the connection behind fd and
// updates its registered interest.
func (r *Reactor) dispatch(fd int) {
	rec, ok := r.registry[fd]
	if !ok {
		return
	}

	want := rec.session.advance()
	if rec.session.state == StateClosing {
		r.closeConn(rec, rec.session.err)
		return
	}

	if want != rec.interest {
		if err := r.poller.modify(fd, epollEvents(want)); err != nil {
			r.closeConn(rec, err)
			return
		}
		rec.interest = want
	}
}

// closeConn deregisters the socket, removes it from the registry and closes it.
func (r *Reactor) closeConn(rec *connRecord, cause error) {
	_ = r.poller.remove(rec.fd)
	delete(r.registry, rec.fd)
	r.conns.Store(int64(len(r.registry)))
	_ = rec.session.conn.Close()

	if cause != nil {
		r.logger.Debug("connection closed with error", "conn_id", rec.info.ID, "remote_addr", rec.info.RemoteAddr, "error", cause)
	} else {
		r.logger.Debug("connection closed", "conn_id", rec.info.ID, "remote_addr", rec.info.RemoteAddr)
	}
	r.opts.onClose(rec.info, cause)

	if r.acceptPaused {
		r.resumeAccept()
	}
}

// resumeAccept re-arms the listener. EPOLL_CTL_MOD reports the pending
// backlog again even though no new connection has arrived.
func (r *Reactor) resumeAccept() {
	if err := r.poller.modify(r.lfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		r.logger.Error("re-arm listener", "error", err)
		return
	}
	r.acceptPaused = false
	r.logger.Info("accept resumed", "connections", len(r.registry))
}

// shutdown closes every connection and releases the loop's descriptors.
func (r *Reactor) shutdown() {
	for _, rec := range r.registry {
		r.closeConn(rec, ErrServerClosed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed.Store(true)
	r.serving = false
	r.release()
}

func (r *Reactor) release() {
	r.poller.close()
	_ = unix.Close(r.lfd)
}

// interrupt wakes a running event loop.
func (r *Reactor) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serving {
		_ = r.poller.wake()
	}
}

// Close stops the reactor. A running Serve closes all connections and
// returns ErrServerClosed. Safe to call multiple times.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Swap(true) {
		return nil
	}
	if r.serving {
		return r.poller.wake()
	}
	r.release()
	return nil
}

// Addr returns the listener's network address.
func (r *Reactor) Addr() net.Addr {
	return r.addr
}

// Conns returns the number of live connections.
func (r *Reactor) Conns() int {
	return int(r.conns.Load())
}
