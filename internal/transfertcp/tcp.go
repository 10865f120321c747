// Package transfertcp carries link lanes over plain TCP, one socket per
// lane.
package transfertcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/internal/transfer"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

var (
	_ transfer.Conn          = (*Dialer)(nil)
	_ transfer.Conn          = (*Listener)(nil)
	_ transfer.ReadDeadliner = (*net.TCPConn)(nil)
)

// Dialer opens every stream as a new TCP connection to one address.
type Dialer struct {
	addr   string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	remote net.Addr
}

// NewDialer returns a dialer for addr. Nothing is dialed until OpenStream.
func NewDialer(addr string, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{addr: addr, logger: logger}
}

// OpenStream dials a new connection.
func (d *Dialer) OpenStream(ctx context.Context) (transfer.Stream, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, io.ErrClosedPipe
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	d.mu.Lock()
	d.remote = conn.RemoteAddr()
	d.mu.Unlock()
	d.logger.Debug("tcp lane dialed", zap.Stringer("local", conn.LocalAddr()), zap.String("remote", d.addr))
	return conn, nil
}

// AcceptStream is not supported on the dialing side.
func (d *Dialer) AcceptStream(context.Context) (transfer.Stream, error) {
	return nil, transfer.ErrUnsupported
}

// RemoteAddr returns the resolved server address once a stream is open.
func (d *Dialer) RemoteAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remote != nil {
		return d.remote
	}
	return addrString(d.addr)
}

// Close stops further dials. Open streams belong to their link.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Listener hands out every accepted TCP connection as a stream.
type Listener struct {
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr.
func Listen(addr string, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// OpenStream is not supported on the accepting side.
func (l *Listener) OpenStream(context.Context) (transfer.Stream, error) {
	return nil, transfer.ErrUnsupported
}

// AcceptStream waits for the next connection. Cancelling ctx closes the
// listener, as a blocked Accept cannot be interrupted otherwise.
func (l *Listener) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := acceptWithContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	l.logger.Debug("tcp lane accepted", zap.Stringer("remote", conn.RemoteAddr()))
	return conn, nil
}

func (l *Listener) RemoteAddr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }
