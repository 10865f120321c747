package rudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/internal/transport"
	"go.uber.org/zap"
)

const (
	muxPollInterval = 250 * time.Millisecond
	retiredTTL      = 30 * time.Second
	acceptQueueSize = 64
)

// Mux serves many exchanges on one UDP socket, keyed by remote address.
// An address is handshaked once; after its channel closes it is retired and
// ignored until the retirement expires.
type Mux struct {
	conn   net.PacketConn
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	peers   map[string]*peerEndpoint
	retired map[string]time.Time
	allowIP string
	now     func() time.Time

	accept    chan *Channel
	done      chan struct{}
	closeOnce sync.Once
}

// Listen binds a UDP socket on addr and returns a mux for it. Call Serve to
// start reading.
func Listen(addr string, opts Options, logger *zap.Logger) (*Mux, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m := NewMux(conn, opts, logger)
	res := transport.ApplyUDPBeyondBestEffort(conn, transport.DefaultUDPBuffer, transport.DefaultUDPBuffer)
	m.logger.Debug("udp socket tuned", zap.Stringer("tune", res))
	return m, nil
}

// NewMux wraps an already bound socket.
func NewMux(conn net.PacketConn, opts Options, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{
		conn:    conn,
		opts:    opts.withDefaults(),
		logger:  logger,
		peers:   make(map[string]*peerEndpoint),
		retired: make(map[string]time.Time),
		now:     time.Now,
		accept:  make(chan *Channel, acceptQueueSize),
		done:    make(chan struct{}),
	}
}

// Addr returns the bound address.
func (m *Mux) Addr() net.Addr {
	return m.conn.LocalAddr()
}

// Serve reads datagrams until ctx ends or the socket fails.
func (m *Mux) Serve(ctx context.Context) error {
	buf := datagramBuffers.Get()
	defer datagramBuffers.Put(buf)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		select {
		case <-m.done:
			return nil
		default:
		}
		_ = m.conn.SetReadDeadline(m.now().Add(muxPollInterval))
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				m.prune()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read failed: %w", err)
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		m.dispatch(addr, b)
	}
}

func (m *Mux) dispatch(addr net.Addr, b []byte) {
	key := addr.String()
	m.mu.Lock()
	if p := m.peers[key]; p != nil {
		m.mu.Unlock()
		p.deliver(b)
		return
	}
	if _, ok := m.retired[key]; ok {
		m.mu.Unlock()
		return
	}
	hello, ok := ParseHello(b)
	if !ok {
		m.mu.Unlock()
		m.reply(addr, ackNOK)
		return
	}
	if m.allowIP != "" && hostOf(addr) != m.allowIP {
		m.mu.Unlock()
		m.logger.Debug("refusing handshake while busy", zap.String("from", key))
		m.reply(addr, ackNOK)
		return
	}

	ep := newPeerEndpoint(m, addr)
	ch := NewChannel(ep, m.opts, m.logger)
	ch.hello = hello
	ch.accepted()
	select {
	case m.accept <- ch:
		m.peers[key] = ep
		m.mu.Unlock()
		m.logger.Debug("handshake accepted", zap.String("from", key))
		m.reply(addr, ackOK)
	default:
		m.mu.Unlock()
		m.reply(addr, ackNOK)
	}
}

func (m *Mux) reply(addr net.Addr, msg string) {
	if _, err := m.conn.WriteTo([]byte(msg), addr); err != nil {
		m.logger.Debug("reply failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

// Accept returns the next handshaked channel.
func (m *Mux) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-m.accept:
		return ch, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Restrict admits new handshakes only from ip.
func (m *Mux) Restrict(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowIP = ip
}

// Unrestrict admits handshakes from anyone again. Chunk channels and bare
// handshakes from the restricted host that were never accepted are closed;
// tagged control channels and channels from other hosts stay queued.
func (m *Mux) Unrestrict() {
	m.mu.Lock()
	ip := m.allowIP
	m.allowIP = ""
	m.mu.Unlock()

	var keep []*Channel
drain:
	for {
		select {
		case ch := <-m.accept:
			if leftover(ch, ip) {
				ch.Close()
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}
	for _, ch := range keep {
		select {
		case m.accept <- ch:
		default:
			ch.Close()
		}
	}
}

// leftover reports whether a queued channel belonged to the exchange that
// restricted the mux to ip.
func leftover(ch *Channel, ip string) bool {
	h := ch.Hello()
	if h.Chunk {
		return true
	}
	if h.Session != "" {
		return false
	}
	return ip == "" || hostOf(ch.Session().Addr) == ip
}

func (m *Mux) retire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, key)
	m.retired[key] = m.now()
}

func (m *Mux) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-retiredTTL)
	for key, at := range m.retired {
		if at.Before(cutoff) {
			delete(m.retired, key)
		}
	}
}

// Close stops Serve, fails every open channel and closes the socket.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.conn.Close()
	})
	return err
}

// HostOf returns the IP of a remote address.
func HostOf(addr net.Addr) string {
	return hostOf(addr)
}

func hostOf(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
