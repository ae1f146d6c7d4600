//go:build !linux

package msgnet

import (
	"context"
	"net"
)

// Reactor is the non-blocking server. It needs epoll and is only available
// on Linux; elsewhere NewReactor returns ErrUnsupported.
type Reactor struct{}

// NewReactor returns ErrUnsupported on this platform.
func NewReactor(addr *net.TCPAddr, opts ...ServerOption) (*Reactor, error) {
	return nil, ErrUnsupported
}

// Serve returns ErrUnsupported.
func (r *Reactor) Serve(ctx context.Context, handler Handler) error {
	return ErrUnsupported
}

// Close does nothing.
func (r *Reactor) Close() error {
	return nil
}

// Addr returns nil.
func (r *Reactor) Addr() net.Addr {
	return nil
}

// Conns returns 0.
func (r *Reactor) Conns() int {
	return 0
}
