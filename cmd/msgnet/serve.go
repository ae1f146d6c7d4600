package main

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/internal/config"
)

// server is satisfied by both msgnet.Server and msgnet.Reactor.
type server interface {
	Serve(ctx context.Context, handler msgnet.Handler) error
	Close() error
	Addr() net.Addr
}

func serveCmd() *cobra.Command {
	var (
		mode            string
		maxConns        int
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long: `Run an echo server. The blocking mode serves each connection on its own
goroutine; the nonblocking mode runs every connection on one epoll event loop
(Linux only).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(cfg *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("mode") {
					cfg.Server.Mode = mode
				}
				if flags.Changed("max-conns") {
					cfg.Server.MaxConnections = maxConns
				}
				if flags.Changed("shutdown-timeout") {
					cfg.Server.ShutdownTimeout.Duration = shutdownTimeout
				}
			})
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Log)

			addr, err := net.ResolveTCPAddr("tcp", cfg.Server.Addr)
			if err != nil {
				return errors.Wrapf(err, "resolving %s", cfg.Server.Addr)
			}

			opts := []msgnet.ServerOption{
				msgnet.ServerLoggerOption(logger),
				msgnet.ServerMaxConnectionsOption(cfg.Server.MaxConnections),
				msgnet.ServerShutdownTimeoutOption(cfg.Server.ShutdownTimeout.Duration),
				msgnet.ServerConnOptions(
					msgnet.MessageMaxSize(cfg.Server.MaxMessageSize),
					msgnet.BufferSizeOption(cfg.Server.ReadBufferSize),
				),
				msgnet.ServerOnConnectOption(func(info msgnet.ConnInfo) {
					logger.Info("client connected", "conn_id", info.ID, "remote_addr", info.RemoteAddr)
				}),
				msgnet.ServerOnCloseOption(func(info msgnet.ConnInfo, err error) {
					if err != nil {
						logger.Warn("client disconnected", "conn_id", info.ID, "error", err)
						return
					}
					logger.Info("client disconnected", "conn_id", info.ID)
				}),
			}

			var srv server
			switch cfg.Server.Mode {
			case config.ModeNonblocking:
				srv, err = msgnet.NewReactor(addr, opts...)
			default:
				srv, err = msgnet.New(addr, opts...)
			}
			if err != nil {
				return errors.Wrapf(err, "starting %s server", cfg.Server.Mode)
			}
			defer srv.Close()

			ctx, cancel := signalContext(logger)
			defer cancel()

			logger.Info("serving", "addr", srv.Addr(), "mode", cfg.Server.Mode, "max_message_size", cfg.Server.MaxMessageSize)
			handler := msgnet.LoggingMiddleware(logger)(msgnet.Echo)
			err = srv.Serve(ctx, handler)
			if errors.Is(err, context.Canceled) || errors.Is(err, msgnet.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", config.ModeBlocking, "Server engine: blocking or nonblocking")
	cmd.Flags().IntVar(&maxConns, "max-conns", config.DefaultMaxConnections, "Maximum live connections (0 = unlimited)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 0, "Grace period for connections on shutdown (blocking mode)")
	return cmd
}
