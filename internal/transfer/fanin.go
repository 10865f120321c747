package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

type acceptResult struct {
	stream Stream
	err    error
}

// FanIn merges the incoming streams of many connections into one Conn.
// Listeners add each accepted connection; AcceptStream then returns streams
// from whichever connection produced one first.
type FanIn struct {
	addr     net.Addr
	acceptCh chan acceptResult

	mu        sync.Mutex
	conns     map[Conn]struct{}
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*FanIn)(nil)

// NewFanIn returns an empty fan-in reporting addr as its address.
func NewFanIn(addr net.Addr) *FanIn {
	return &FanIn{
		addr:     addr,
		acceptCh: make(chan acceptResult, 64),
		conns:    make(map[Conn]struct{}),
		closeCh:  make(chan struct{}),
	}
}

// Add starts accepting streams from conn. The connection is closed with
// the fan-in, or earlier if it fails.
func (f *FanIn) Add(conn Conn) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.conns[conn] = struct{}{}
	f.mu.Unlock()
	go f.acceptLoop(conn)
}

func (f *FanIn) acceptLoop(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer f.remove(conn)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		select {
		case f.acceptCh <- acceptResult{stream: stream}:
		case <-f.closeCh:
			stream.Close()
			return
		}
	}
}

func (f *FanIn) remove(conn Conn) {
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
	conn.Close()
}

// OpenStream is not supported on the accepting side.
func (f *FanIn) OpenStream(context.Context) (Stream, error) {
	return nil, ErrUnsupported
}

// AcceptStream returns the next stream from any added connection.
func (f *FanIn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closeCh:
		return nil, io.ErrClosedPipe
	case res := <-f.acceptCh:
		return res.stream, res.err
	}
}

// Fail delivers err to the next AcceptStream call, for listeners whose own
// accept loop died.
func (f *FanIn) Fail(err error) {
	select {
	case f.acceptCh <- acceptResult{err: err}:
	case <-f.closeCh:
	}
}

func (f *FanIn) RemoteAddr() net.Addr {
	return f.addr
}

// Close stops all accept loops and closes every added connection.
func (f *FanIn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		conns := make([]Conn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
		f.mu.Unlock()
		close(f.closeCh)
		for _, c := range conns {
			c.Close()
		}
	})
	return nil
}
