package rudp

import (
	"context"
	"net"
	"sync"
	"time"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// fault rewrites an outgoing datagram into zero or more delivered ones.
type fault func(b []byte) [][]byte

// memEndpoint is one side of an in-memory datagram link with optional
// loss, corruption or duplication on its outgoing direction.
type memEndpoint struct {
	name string
	in   chan []byte
	peer *memEndpoint

	mu    sync.Mutex
	fault fault
	sent  [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func memPair() (*memEndpoint, *memEndpoint) {
	a := &memEndpoint{name: "a", in: make(chan []byte, 1024), closed: make(chan struct{})}
	b := &memEndpoint{name: "b", in: make(chan []byte, 1024), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (e *memEndpoint) setFault(f fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = f
}

// sentFrames returns a copy of everything this side tried to send.
func (e *memEndpoint) sentFrames() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.sent...)
}

func (e *memEndpoint) Send(b []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	frame := append([]byte(nil), b...)
	e.mu.Lock()
	e.sent = append(e.sent, frame)
	f := e.fault
	e.mu.Unlock()

	out := [][]byte{frame}
	if f != nil {
		out = f(append([]byte(nil), frame...))
	}
	for _, d := range out {
		select {
		case e.peer.in <- d:
		default:
		}
	}
	return nil
}

func (e *memEndpoint) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-e.in:
		return b, nil
	case <-t.C:
		return nil, ErrTimeout
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *memEndpoint) RemoteAddr() net.Addr { return memAddr(e.peer.name) }

func (e *memEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func drop(b []byte) [][]byte { return nil }

// dropEvery loses every nth datagram.
func dropEvery(n int) fault {
	var mu sync.Mutex
	count := 0
	return func(b []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count%n == 0 {
			return nil
		}
		return [][]byte{b}
	}
}

func duplicate(b []byte) [][]byte {
	return [][]byte{b, append([]byte(nil), b...)}
}

// corruptOnce flips the last byte of the first datagram match accepts.
func corruptOnce(match func(b []byte) bool) fault {
	var once sync.Once
	return func(b []byte) [][]byte {
		if match(b) {
			hit := false
			once.Do(func() { hit = true })
			if hit {
				b[len(b)-1] ^= 0xff
			}
		}
		return [][]byte{b}
	}
}

var fastOptions = Options{Timeout: 20 * time.Millisecond, MaxTries: 50, PacketSize: 612, Linger: 40 * time.Millisecond}

// openPair returns two channels over an in-memory link, both past the
// handshake.
func openPair() (sender, receiver *Channel, sendEP, recvEP *memEndpoint) {
	a, b := memPair()
	sender = NewChannel(a, fastOptions, nil)
	receiver = NewChannel(b, fastOptions, nil)
	sender.accepted()
	receiver.accepted()
	return sender, receiver, a, b
}
