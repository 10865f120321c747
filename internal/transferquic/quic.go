// Package transferquic adapts quic-go connections and streams to the
// transfer package's Conn and Stream.
package transferquic

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/chunkline/internal/quictransport"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"go.uber.org/zap"
)

var (
	_ transfer.Conn          = (*Conn)(nil)
	_ transfer.Conn          = (*Listener)(nil)
	_ transfer.Stream        = (*Stream)(nil)
	_ transfer.ReadDeadliner = (*Stream)(nil)
	_ transfer.StreamIDer    = (*Stream)(nil)
)

// Conn wraps one QUIC connection.
type Conn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *zap.Logger
	closed bool
}

// NewConn wraps conn.
func NewConn(conn *quic.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{conn: conn, logger: logger}
}

// Dial connects to a listener at addr.
func Dial(ctx context.Context, addr string, chunks int, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := quictransport.Dial(ctx, addr, chunks, logger)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, logger), nil
}

func (c *Conn) get() (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	return c.conn, nil
}

// OpenStream opens a new bidirectional stream to the remote peer.
func (c *Conn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.get()
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	c.logger.Debug("quic stream opened", zap.Int64("stream_id", int64(stream.StreamID())))
	return &Stream{stream: stream, remote: conn.RemoteAddr()}, nil
}

// AcceptStream waits for the next stream opened by the remote peer.
func (c *Conn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.get()
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	c.logger.Debug("quic stream accepted", zap.Int64("stream_id", int64(stream.StreamID())))
	return &Stream{stream: stream, remote: conn.RemoteAddr()}, nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection and all of its streams.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

// Stream wraps one QUIC stream.
type Stream struct {
	mu     sync.Mutex
	stream *quic.Stream
	remote net.Addr
	closed bool
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return s.stream.Write(p)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// RemoteAddr returns the address of the connection the stream belongs to.
func (s *Stream) RemoteAddr() net.Addr {
	return s.remote
}

// StreamID returns the QUIC stream ID.
func (s *Stream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Close finishes the send side and abandons the receive side.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.CancelRead(0)
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close QUIC stream: %w", err)
	}
	return nil
}

// Listener accepts QUIC connections and merges all their streams, so a
// link assembler sees one stream source.
type Listener struct {
	ln     *quic.Listener
	fan    *transfer.FanIn
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Listen starts a QUIC listener on addr and begins accepting connections.
func Listen(addr string, chunks int, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := quictransport.Listen(addr, chunks, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ln:     ln,
		fan:    transfer.NewFanIn(ln.Addr()),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.fan.Fail(fmt.Errorf("failed to accept QUIC connection: %w", err))
			}
			return
		}
		l.logger.Debug("quic connection accepted", zap.Stringer("remote", conn.RemoteAddr()))
		l.fan.Add(NewConn(conn, l.logger))
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// OpenStream is not supported on a listener.
func (l *Listener) OpenStream(ctx context.Context) (transfer.Stream, error) {
	return nil, transfer.ErrUnsupported
}

// AcceptStream returns the next stream of any accepted connection.
func (l *Listener) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	return l.fan.AcceptStream(ctx)
}

func (l *Listener) RemoteAddr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and closes every accepted connection.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	<-l.done
	l.fan.Close()
	return err
}
