package rudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/internal/bufpool"
	"github.com/sheerbytes/chunkline/internal/transport"
	"go.uber.org/zap"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

var datagramBuffers = bufpool.New(maxDatagram)

// Endpoint sends and receives whole datagrams to one remote address.
type Endpoint interface {
	Send(b []byte) error
	// Recv waits up to timeout for the next datagram and returns a copy of
	// it. It returns ErrTimeout when nothing arrived.
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
	RemoteAddr() net.Addr
	Close() error
}

// udpEndpoint is a connected UDP socket owned by one exchange.
type udpEndpoint struct {
	conn *net.UDPConn
}

// DialEndpoint opens a UDP socket connected to addr.
func DialEndpoint(ctx context.Context, addr string, logger *zap.Logger) (Endpoint, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	conn := c.(*net.UDPConn)
	res := transport.ApplyUDPBeyondBestEffort(conn, transport.DefaultUDPBuffer, transport.DefaultUDPBuffer)
	if logger != nil {
		logger.Debug("udp socket tuned", zap.String("remote", addr), zap.Stringer("tune", res))
	}
	return &udpEndpoint{conn: conn}, nil
}

func (e *udpEndpoint) Send(b []byte) error {
	_, err := e.conn.Write(b)
	return err
}

func (e *udpEndpoint) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	buf := datagramBuffers.Get()
	defer datagramBuffers.Put(buf)

	n, err := e.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (e *udpEndpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

func (e *udpEndpoint) Close() error {
	return e.conn.Close()
}

// peerEndpoint is one remote address on a shared mux socket. The mux read
// loop fills its inbox.
type peerEndpoint struct {
	mux   *Mux
	addr  net.Addr
	inbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

const peerInboxSize = 256

func newPeerEndpoint(m *Mux, addr net.Addr) *peerEndpoint {
	return &peerEndpoint{
		mux:    m,
		addr:   addr,
		inbox:  make(chan []byte, peerInboxSize),
		closed: make(chan struct{}),
	}
}

// deliver queues b, dropping it when the inbox is full like a kernel
// buffer would.
func (e *peerEndpoint) deliver(b []byte) {
	select {
	case e.inbox <- b:
	default:
	}
}

func (e *peerEndpoint) Send(b []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	_, err := e.mux.conn.WriteTo(b, e.addr)
	return err
}

func (e *peerEndpoint) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-e.inbox:
		return b, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-e.closed:
		return nil, ErrClosed
	case <-e.mux.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *peerEndpoint) RemoteAddr() net.Addr {
	return e.addr
}

// Close retires the address on the mux.
func (e *peerEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mux.retire(e.addr.String())
	})
	return nil
}
