package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/msgnet"
)

// counter tracks how many clients are connected.
type counter struct {
	live atomic.Int64
}

func (c *counter) connected(info msgnet.ConnInfo) {
	n := c.live.Add(1)
	slog.Info("add new conn", "conn_id", info.ID, "addr", info.RemoteAddr, "live", n)
}

func (c *counter) closed(info msgnet.ConnInfo, err error) {
	n := c.live.Add(-1)
	slog.Info("conn closed", "conn_id", info.ID, "live", n, "error", err)
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:10000")
	if err != nil {
		panic(err)
	}

	var c counter
	server, err := msgnet.New(addr,
		msgnet.ServerOnConnectOption(c.connected),
		msgnet.ServerOnCloseOption(c.closed),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx, msgnet.Echo); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
