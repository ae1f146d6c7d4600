package msgnet

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Default configuration values.
const (
	// DefaultMaxMessageSize is the default maximum payload size (32KB).
	DefaultMaxMessageSize = 32 * 1024
	// DefaultBufferSize is the default size of a single read from the stream.
	DefaultBufferSize = 4 * 1024
)

// options holds the configuration of a framed transport.
type options struct {
	logger Logger

	maxMessageSize int // maximum payload size in either direction
	bufferSize     int // bytes requested from the stream per read
}

// Option is a function that configures transport options.
type Option func(*options)

// MessageMaxSize returns an Option that sets the maximum payload size.
// Incoming frames declaring a larger length are a protocol violation and
// outgoing messages above it are rejected with ErrInvalidMessage.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// BufferSizeOption returns an Option that sets how many bytes are requested
// from the stream per read.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions validates and sets default values for transport options.
func checkOptions(opts *options) error {
	if opts.maxMessageSize < 0 || uint64(opts.maxMessageSize) > MaxFrameLength {
		return errors.Wrapf(ErrInvalidOption, "max message size %d out of range", opts.maxMessageSize)
	}
	if opts.maxMessageSize == 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}

	if opts.bufferSize < 0 {
		return errors.Wrapf(ErrInvalidOption, "buffer size %d out of range", opts.bufferSize)
	}
	if opts.bufferSize == 0 {
		opts.bufferSize = DefaultBufferSize
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	err := checkOptions(&opts)
	return opts, err
}

// ConnInfo identifies a server-side connection in hooks and logs.
type ConnInfo struct {
	ID         uuid.UUID
	RemoteAddr string
}

// serverOptions holds the configuration shared by Server and Reactor.
type serverOptions struct {
	logger          Logger
	shutdownTimeout time.Duration
	maxConns        int
	connOpts        []Option

	onConnect func(ConnInfo)
	onClose   func(ConnInfo, error)
}

// ServerOption configures a Server or a Reactor.
type ServerOption func(*serverOptions)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *serverOptions) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets how long a blocking Server waits for its
// workers to finish after the context is canceled before it closes their
// connections. Default is 0 (close immediately).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *serverOptions) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxConnectionsOption limits the number of live connections.
// Connections accepted above the limit are closed right away. 0 means no limit.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *serverOptions) {
		s.maxConns = n
	}
}

// ServerConnOptions sets the transport options applied to every accepted
// connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *serverOptions) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerOnConnectOption sets a callback invoked once per accepted connection.
func ServerOnConnectOption(cb func(ConnInfo)) ServerOption {
	return func(s *serverOptions) {
		s.onConnect = cb
	}
}

// ServerOnCloseOption sets a callback invoked once per closed connection with
// the error that ended it (nil when the peer closed cleanly).
func ServerOnCloseOption(cb func(ConnInfo, error)) ServerOption {
	return func(s *serverOptions) {
		s.onClose = cb
	}
}

// checkServerOptions validates server options and the transport options they
// carry, so configuration errors surface before the listener is bound.
func checkServerOptions(s *serverOptions) error {
	if s.maxConns < 0 {
		return errors.Wrapf(ErrInvalidOption, "max connections %d out of range", s.maxConns)
	}
	if s.shutdownTimeout < 0 {
		return errors.Wrapf(ErrInvalidOption, "shutdown timeout %v out of range", s.shutdownTimeout)
	}
	if s.logger == nil {
		s.logger = defaultLogger()
	}
	if s.onConnect == nil {
		s.onConnect = func(ConnInfo) {}
	}
	if s.onClose == nil {
		s.onClose = func(ConnInfo, error) {}
	}

	// Connections log through the server logger unless told otherwise.
	s.connOpts = append([]Option{LoggerOption(s.logger)}, s.connOpts...)
	_, err := buildOptions(s.connOpts)
	return err
}
