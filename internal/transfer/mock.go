package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

// pipeAddr names the in-memory endpoints.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// MockConn is an in-memory Conn for tests. The dialing side opens streams
// that the listening side accepts; every stream is a net.Pipe so read
// deadlines work.
type MockConn struct {
	name    string
	streams chan net.Conn
	dialer  bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Conn = (*MockConn)(nil)

// NewMockPair returns a connected (dialer, listener) pair.
func NewMockPair() (*MockConn, *MockConn) {
	ch := make(chan net.Conn, 64)
	dialer := &MockConn{name: "mock-client", streams: ch, dialer: true, done: make(chan struct{})}
	listener := &MockConn{name: "mock-server", streams: ch, done: make(chan struct{})}
	return dialer, listener
}

// OpenStream creates a pipe and queues the far end for the listener.
func (c *MockConn) OpenStream(ctx context.Context) (Stream, error) {
	if !c.dialer {
		return nil, ErrUnsupported
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, io.ErrClosedPipe
	}

	local, remote := net.Pipe()
	select {
	case c.streams <- remote:
		return local, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// AcceptStream returns the next stream opened by the dialer.
func (c *MockConn) AcceptStream(ctx context.Context) (Stream, error) {
	if c.dialer {
		return nil, ErrUnsupported
	}
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MockConn) RemoteAddr() net.Addr {
	return pipeAddr(c.name)
}

// Close stops this side. Streams already handed out stay open.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
