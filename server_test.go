package msgnet

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// engine is what both servers have in common.
type engine interface {
	Serve(ctx context.Context, handler Handler) error
	Close() error
	Addr() net.Addr
	Conns() int
}

type engineFactory func(addr *net.TCPAddr, opts ...ServerOption) (engine, error)

func blockingEngine(addr *net.TCPAddr, opts ...ServerOption) (engine, error) {
	return New(addr, opts...)
}

var loopback = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}

func newEngine(t *testing.T, factory engineFactory, opts ...ServerOption) engine {
	t.Helper()
	opts = append([]ServerOption{ServerLoggerOption(NopLogger())}, opts...)
	srv, err := factory(loopback, opts...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

// startServing runs Serve in a goroutine. The returned function cancels the
// context and returns what Serve returned.
func startServing(t *testing.T, srv engine, h Handler) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, h)
	}()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				result = errors.New("timeout waiting for Serve to return")
			}
		})
		return result
	}
	t.Cleanup(func() {
		_ = stop()
		_ = srv.Close()
	})
	return stop
}

func dialTest(t *testing.T, addr net.Addr) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr.String(), LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testEngineEcho(t *testing.T, factory engineFactory) {
	srv := newEngine(t, factory)
	startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	for _, msg := range []Message{Message("ping"), {}, benchPayload(9, DefaultMaxMessageSize)} {
		reply, err := c.Call(msg)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if !bytes.Equal(reply, msg) {
			t.Errorf("reply of %d bytes does not match request", msg.Len())
		}
	}
}

// testEngineIsolation checks that concurrent clients only see their own replies.
func testEngineIsolation(t *testing.T, factory engineFactory) {
	srv := newEngine(t, factory)
	startServing(t, srv, Echo)

	const numClients = 5
	clients := make([]*Client, numClients)
	for i := range clients {
		clients[i] = dialTest(t, srv.Addr())
	}

	var wg sync.WaitGroup
	errs := make(chan error, numClients)
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				want := fmt.Sprintf("client-%d-msg-%d", i, j)
				reply, err := c.Call(Message(want))
				if err != nil {
					errs <- err
					return
				}
				if string(reply) != want {
					errs <- errors.Errorf("client %d got %q, want %q", i, reply, want)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func testEnginePipelined(t *testing.T, factory engineFactory) {
	srv := newEngine(t, factory)
	startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	res, err := c.Bench(context.Background(), BenchOptions{Count: 1000, Size: 64, Verify: true})
	if err != nil {
		t.Fatalf("Bench failed: %v", err)
	}
	if res.Count != 1000 || len(res.Latencies) != 1000 {
		t.Errorf("got %d replies, want 1000", len(res.Latencies))
	}
}

func testEngineContextCanceled(t *testing.T, factory engineFactory) {
	closed := make(chan error, 1)
	srv := newEngine(t, factory, ServerOnCloseOption(func(_ ConnInfo, err error) {
		closed <- err
	}))
	stop := startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	if _, err := c.Call(Message("ping")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if err := stop(); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	select {
	case err := <-closed:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed on shutdown")
	}

	if _, err := c.Call(Message("ping")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if srv.Conns() != 0 {
		t.Errorf("Conns = %d after shutdown", srv.Conns())
	}
}

func testEngineClose(t *testing.T, factory engineFactory) {
	srv := newEngine(t, factory)

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(context.Background(), Echo)
	}()

	c := dialTest(t, srv.Addr())
	if _, err := c.Call(Message("ping")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case err := <-done:
		if err != ErrServerClosed {
			t.Errorf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := srv.Serve(context.Background(), Echo); err != ErrServerClosed {
		t.Errorf("Serve after Close: expected ErrServerClosed, got %v", err)
	}
}

func testEngineMaxConnections(t *testing.T, factory engineFactory) {
	logger := newMockLogger()
	srv := newEngine(t, factory, ServerMaxConnectionsOption(1), ServerLoggerOption(logger))
	startServing(t, srv, Echo)

	first := dialTest(t, srv.Addr())
	if _, err := first.Call(Message("first")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	second := dialTest(t, srv.Addr())
	if _, err := second.Call(Message("second")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed above the limit, got %v", err)
	}
	if !logger.logged("warn", "connection limit reached") {
		t.Error("limit not logged")
	}

	// The admitted connection is unaffected.
	if _, err := first.Call(Message("again")); err != nil {
		t.Errorf("Call failed: %v", err)
	}
	if srv.Conns() != 1 {
		t.Errorf("Conns = %d, want 1", srv.Conns())
	}
}

func testEngineHooks(t *testing.T, factory engineFactory) {
	connected := make(chan ConnInfo, 1)
	closed := make(chan ConnInfo, 1)
	closeErr := make(chan error, 1)

	srv := newEngine(t, factory,
		ServerOnConnectOption(func(info ConnInfo) { connected <- info }),
		ServerOnCloseOption(func(info ConnInfo, err error) {
			closed <- info
			closeErr <- err
		}),
	)
	startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	if _, err := c.Call(Message("hello")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	_ = c.Close()

	var in, out ConnInfo
	select {
	case in = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect not called")
	}
	select {
	case out = <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}

	if in.ID != out.ID {
		t.Errorf("OnConnect id %s differs from OnClose id %s", in.ID, out.ID)
	}
	if in.RemoteAddr == "" {
		t.Error("empty remote address")
	}
	if err := <-closeErr; err != nil {
		t.Errorf("clean close reported %v", err)
	}
	waitFor(t, "connection count to drop", func() bool { return srv.Conns() == 0 })
}

func testEngineProtocolViolation(t *testing.T, factory engineFactory) {
	srv := newEngine(t, factory, ServerConnOptions(MessageMaxSize(16)))
	startServing(t, srv, Echo)

	bad, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer bad.Close()
	if _, err = bad.Write([]byte{0x00, 0x00, 0x10, 0x00}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The offending connection is torn down without a reply.
	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := bad.Read(buf); n != 0 || err == nil {
		t.Errorf("expected connection close, got %d bytes, %v", n, err)
	}

	// Other connections keep working.
	c := dialTest(t, srv.Addr())
	if _, err = c.Call(Message("ok")); err != nil {
		t.Errorf("Call failed: %v", err)
	}
}

func TestNew(t *testing.T) {
	server, err := New(loopback)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1, err := New(loopback)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.Addr().(*net.TCPAddr)
	_, err = New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(loopback, ServerConnOptions(MessageMaxSize(-1)))
	if !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption, got %v", err)
	}
}

func TestServer_Addr(t *testing.T) {
	server, err := New(loopback)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
}

func TestServer_Serve_NilHandler(t *testing.T) {
	server, err := New(loopback)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if err = server.Serve(context.Background(), nil); err != ErrInvalidHandler {
		t.Errorf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestServer_Serve_Echo(t *testing.T) { testEngineEcho(t, blockingEngine) }
func TestServer_Serve_Isolation(t *testing.T) { testEngineIsolation(t, blockingEngine) }
func TestServer_Serve_Pipelined(t *testing.T) { testEnginePipelined(t, blockingEngine) }
func TestServer_Serve_ContextCanceled(t *testing.T) { testEngineContextCanceled(t, blockingEngine) }
func TestServer_Close(t *testing.T) { testEngineClose(t, blockingEngine) }
func TestServer_MaxConnections(t *testing.T) { testEngineMaxConnections(t, blockingEngine) }
func TestServer_Hooks(t *testing.T) { testEngineHooks(t, blockingEngine) }
func TestServer_ProtocolViolation(t *testing.T) { testEngineProtocolViolation(t, blockingEngine) }

// TestServer_BlockingHandlerIsolated checks that a stalled handler on one
// connection does not delay another connection.
func TestServer_BlockingHandlerIsolated(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := newEngine(t, blockingEngine)
	startServing(t, srv, HandlerFunc(func(msg Message) Message {
		if string(msg) == "stall" {
			<-release
		}
		return msg
	}))

	stalled := dialTest(t, srv.Addr())
	if err := stalled.conn.Send(Message("stall")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c := dialTest(t, srv.Addr())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(Message("quick"))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Call failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second connection blocked by the first")
	}
}

func TestServer_ShutdownTimeout(t *testing.T) {
	srv := newEngine(t, blockingEngine, ServerShutdownTimeoutOption(10*time.Second))
	stop := startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	if _, err := c.Call(Message("ping")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	// During the grace period the live connection is still served.
	time.Sleep(50 * time.Millisecond)
	if reply, err := c.Call(Message("still here")); err != nil || string(reply) != "still here" {
		t.Fatalf("Call during grace period = %q, %v", reply, err)
	}

	// The worker exits as soon as its peer leaves.
	start := time.Now()
	_ = c.Close()
	select {
	case err := <-stopped:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown waited %v for a finished worker", elapsed)
	}
}

func TestServer_CloseBypassesShutdownTimeout(t *testing.T) {
	srv := newEngine(t, blockingEngine, ServerShutdownTimeoutOption(time.Minute))
	stop := startServing(t, srv, Echo)

	c := dialTest(t, srv.Addr())
	if _, err := c.Call(Message("ping")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(50 * time.Millisecond)

	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case err := <-stopped:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}
