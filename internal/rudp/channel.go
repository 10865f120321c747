// Package rudp is a stop-and-wait reliability layer over UDP. A Channel
// handshakes with its peer, exchanges acknowledged control messages, and
// streams the payload of one chunk as checksummed, sequenced packets.
package rudp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/chunkline/internal/checksum"
	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"go.uber.org/zap"
)

const (
	DefaultTimeout    = 200 * time.Millisecond
	DefaultMaxTries   = 100
	DefaultPacketSize = 8192
	minPacketSize     = 512
)

// Options bound every wait and retry of a channel.
type Options struct {
	// Timeout is how long one attempt waits for an answer.
	Timeout time.Duration
	// MaxTries bounds attempts per unit and consecutive silent waits.
	MaxTries int
	// PacketSize is the datagram size; payloads get PacketSize-100 bytes.
	PacketSize int
	// Linger is how long a finished receiver keeps re-acking duplicates.
	Linger time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxTries <= 0 {
		o.MaxTries = DefaultMaxTries
	}
	if o.PacketSize <= 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.PacketSize < minPacketSize {
		o.PacketSize = minPacketSize
	}
	if o.PacketSize > maxDatagram {
		o.PacketSize = maxDatagram
	}
	if o.Linger <= 0 {
		o.Linger = 3 * o.Timeout
	}
	return o
}

// DataSize is the payload carried by one packet.
func (o Options) DataSize() int {
	return o.withDefaults().PacketSize - headerRoom
}

// State is the lifecycle of a channel.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateTransferring
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Claimer binds a receiver to the chunk named by the first packet. It
// returns the chunk size and a progress callback taking the running byte
// count.
type Claimer func(chunkID int) (size int64, report func(received int64), err error)

// Channel is one reliable exchange with a single remote address. It is not
// safe for concurrent use.
type Channel struct {
	ep      Endpoint
	opts    Options
	logger  *zap.Logger
	session *PeerSession
	hello   Hello
	state   atomic.Int32

	// pending holds frames that arrived early and are replayed first.
	pending [][]byte
	// lastControl is the digest of the last control frame delivered to the
	// caller; a retransmission of it is re-acknowledged, not delivered.
	lastControl checksum.Digest

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps ep. The channel starts idle.
func NewChannel(ep Endpoint, opts Options, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		ep:      ep,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.Stringer("peer", ep.RemoteAddr())),
		session: NewPeerSession(ep.RemoteAddr()),
	}
}

// Dial opens a socket to addr and completes the handshake with the bare
// token.
func Dial(ctx context.Context, addr string, opts Options, logger *zap.Logger) (*Channel, error) {
	return DialAs(ctx, addr, Hello{}, opts, logger)
}

// DialAs opens a socket to addr and handshakes with hello.
func DialAs(ctx context.Context, addr string, hello Hello, opts Options, logger *zap.Logger) (*Channel, error) {
	ep, err := DialEndpoint(ctx, addr, logger)
	if err != nil {
		return nil, err
	}
	c := NewChannel(ep, opts, logger)
	c.hello = hello
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

// Session returns the peer state of this exchange.
func (c *Channel) Session() *PeerSession {
	return c.session
}

// Hello returns what the channel handshaked with.
func (c *Channel) Hello() Hello {
	return c.hello
}

// Options returns the effective options.
func (c *Channel) Options() Options {
	return c.opts
}

func (c *Channel) fail(err error) error {
	c.setState(StateFailed)
	return err
}

// next returns a queued frame or waits up to timeout for a new one.
func (c *Channel) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if len(c.pending) > 0 {
		b := c.pending[0]
		c.pending = c.pending[1:]
		return b, nil
	}
	return c.ep.Recv(ctx, timeout)
}

// Handshake sends the token until the peer answers OK, or until any valid
// frame shows the peer already considers the exchange open.
func (c *Channel) Handshake(ctx context.Context) error {
	c.setState(StateHandshaking)
	token := c.hello.Marshal()
	for try := 1; try <= c.opts.MaxTries; try++ {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		if err := c.ep.Send(token); err != nil {
			return c.fail(fmt.Errorf("%w: send: %w", ErrHandshake, err))
		}
		b, err := c.ep.Recv(ctx, c.opts.Timeout)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return c.fail(ctx.Err())
			}
			return c.fail(fmt.Errorf("%w: %w", ErrHandshake, err))
		}

		switch classify(b) {
		case kindOK:
			c.setState(StateTransferring)
			return nil
		case kindNOK:
			c.logger.Debug("handshake refused", zap.Int("try", try))
			if err := sleep(ctx, c.opts.Timeout); err != nil {
				return c.fail(err)
			}
		case kindControl:
			if _, _, err := ParseControl(b); err == nil {
				c.pending = append(c.pending, b)
				c.setState(StateTransferring)
				return nil
			}
		case kindData:
			if _, err := ParsePacket(b); err == nil {
				c.pending = append(c.pending, b)
				c.setState(StateTransferring)
				return nil
			}
		}
	}
	return c.fail(fmt.Errorf("%w: %w: no answer after %d tries", transfer.ErrTransferFailed, ErrHandshake, c.opts.MaxTries))
}

// accepted marks a channel whose handshake the mux already answered.
func (c *Channel) accepted() {
	c.setState(StateTransferring)
}

// SendControl delivers body and waits for the peer's OK.
func (c *Channel) SendControl(ctx context.Context, body string) error {
	frame := EncodeControl(body)
	for try := 1; try <= c.opts.MaxTries; try++ {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		if err := c.ep.Send(frame); err != nil {
			return c.fail(fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err))
		}
		acked, err := c.awaitControlAck(ctx)
		if err != nil {
			return c.fail(err)
		}
		if acked {
			c.lastControl = ""
			return nil
		}
		c.logger.Debug("resending control", zap.Int("try", try))
	}
	return c.fail(fmt.Errorf("%w: %w: control message unacknowledged after %d tries", transfer.ErrTransferFailed, ErrTimeout, c.opts.MaxTries))
}

// awaitControlAck waits one attempt's worth for OK. It returns false when
// the frame should be resent.
func (c *Channel) awaitControlAck(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		b, err := c.ep.Recv(ctx, remaining)
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err)
		}
		switch classify(b) {
		case kindOK:
			return true, nil
		case kindNOK:
			return false, nil
		case kindControl:
			_, digest, err := ParseControl(b)
			if err != nil {
				continue
			}
			if digest == c.lastControl {
				// Our OK for their last message was lost.
				_ = c.ep.Send([]byte(ackOK))
				continue
			}
			// The peer moved on, so our message arrived.
			c.pending = append(c.pending, b)
			return true, nil
		}
	}
}

// Attend re-acknowledges retransmissions of the last delivered control
// message until ctx ends. A new control message ends it early and is kept
// for the next RecvControl. Run it while the peer may still be waiting for
// an OK that was lost and nothing else reads the channel.
func (c *Channel) Attend(ctx context.Context) {
	for {
		b, err := c.ep.Recv(ctx, c.opts.Timeout)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}
		if classify(b) != kindControl {
			continue
		}
		_, digest, err := ParseControl(b)
		if err != nil {
			continue
		}
		if digest == c.lastControl {
			_ = c.ep.Send([]byte(ackOK))
			continue
		}
		c.pending = append(c.pending, b)
		return
	}
}

// RecvControl returns the next control message, acknowledging it. It waits
// until one arrives or ctx ends.
func (c *Channel) RecvControl(ctx context.Context) (string, error) {
	for {
		b, err := c.next(ctx, c.opts.Timeout)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", c.fail(fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err))
		}
		if classify(b) != kindControl {
			continue
		}
		body, digest, err := ParseControl(b)
		if err != nil {
			c.logger.Debug("bad control frame", zap.Error(err))
			_ = c.ep.Send([]byte(ackNOK))
			continue
		}
		if err := c.ep.Send([]byte(ackOK)); err != nil {
			return "", c.fail(fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err))
		}
		if digest == c.lastControl {
			continue
		}
		c.lastControl = digest
		return body, nil
	}
}

// SendChunk streams chunk d of the file at path, one acknowledged packet
// at a time. report receives the running byte count.
func (c *Channel) SendChunk(ctx context.Context, path string, d chunk.Descriptor, report func(sent int64)) error {
	if d.Empty() {
		return nil
	}
	c.setState(StateTransferring)
	f, err := os.Open(path)
	if err != nil {
		return c.fail(fmt.Errorf("%w: failed to open source: %w", transfer.ErrIO, err))
	}
	defer f.Close()
	if _, err := f.Seek(int64(d.Start), io.SeekStart); err != nil {
		return c.fail(fmt.Errorf("%w: failed to seek: %w", transfer.ErrIO, err))
	}

	buf := make([]byte, c.opts.DataSize())
	var sent uint64
	var seq uint32
	for sent < d.Size {
		n := uint64(len(buf))
		if rest := d.Size - sent; rest < n {
			n = rest
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return c.fail(fmt.Errorf("%w: short read at offset %d: %w", transfer.ErrIO, d.Start+sent, err))
		}
		frame := NewPacket(seq, uint32(d.Index), buf[:n]).Marshal()
		if err := c.sendUnit(ctx, frame, seq); err != nil {
			return c.fail(fmt.Errorf("chunk %d packet %d: %w", d.Index, seq, err))
		}
		sent += n
		seq++
		if report != nil {
			report(int64(sent))
		}
	}
	c.setState(StateComplete)
	return nil
}

// sendUnit sends frame until seq is acknowledged.
func (c *Channel) sendUnit(ctx context.Context, frame []byte, seq uint32) error {
	for try := 1; try <= c.opts.MaxTries; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ep.Send(frame); err != nil {
			return fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err)
		}
		acked, err := c.awaitAck(ctx, seq)
		if err != nil {
			return err
		}
		if acked {
			c.session.Acked(seq)
			return nil
		}
	}
	return fmt.Errorf("%w: %w: no ack after %d tries", transfer.ErrTransferFailed, ErrTimeout, c.opts.MaxTries)
}

// awaitAck waits one attempt's worth for the ack of seq. Any other ack is
// a re-ack of an earlier packet, so it is counted as stray and triggers a
// resend.
func (c *Channel) awaitAck(ctx context.Context, seq uint32) (bool, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		b, err := c.ep.Recv(ctx, remaining)
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err)
		}
		ack, ok := ParseAck(b)
		if !ok {
			continue
		}
		if ack == int64(seq) {
			return true, nil
		}
		c.session.RecordStray()
		c.logger.Debug("stray ack", zap.Int64("ack", ack), zap.Uint32("seq", seq))
		return false, nil
	}
}

// RecvChunk receives one chunk. The first in-order packet names the chunk,
// which claim binds to a size. Every valid in-order packet is acked with
// its sequence; anything else re-acks the last accepted one.
func (c *Channel) RecvChunk(ctx context.Context, claim Claimer) (int, []byte, error) {
	c.setState(StateTransferring)
	var (
		chunkID = -1
		size    int64
		data    []byte
		report  func(int64)
		misses  int
	)
	for chunkID < 0 || int64(len(data)) < size {
		b, err := c.next(ctx, c.opts.Timeout)
		if errors.Is(err, ErrTimeout) {
			misses++
			if misses >= c.opts.MaxTries {
				return chunkID, nil, c.fail(fmt.Errorf("%w: %w: peer silent for %d waits", transfer.ErrTransferFailed, ErrTimeout, misses))
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return chunkID, nil, c.fail(ctx.Err())
			}
			return chunkID, nil, c.fail(fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err))
		}
		misses = 0

		if classify(b) == kindPing {
			continue
		}
		expected := c.session.Expect()
		pkt, err := ParsePacket(b)
		if err != nil {
			c.logger.Debug("rejecting frame", zap.Error(err), zap.Uint32("expected", expected))
			c.reack(expected)
			continue
		}
		if chunkID < 0 {
			if pkt.Seq != 0 {
				c.reack(expected)
				continue
			}
			size, report, err = claim(int(pkt.ChunkID))
			if err != nil {
				return int(pkt.ChunkID), nil, c.fail(err)
			}
			chunkID = int(pkt.ChunkID)
			data = make([]byte, 0, size)
		}
		if int(pkt.ChunkID) != chunkID || pkt.Seq != expected {
			c.reack(expected)
			continue
		}

		payload := pkt.Payload
		if room := size - int64(len(data)); int64(len(payload)) > room {
			payload = payload[:room]
		}
		data = append(data, payload...)
		c.session.Advance(pkt.Seq)
		if err := c.ep.Send(EncodeAck(int64(pkt.Seq))); err != nil {
			return chunkID, nil, c.fail(fmt.Errorf("%w: %w", transfer.ErrConnectionLost, err))
		}
		if report != nil {
			report(int64(len(data)))
		}
	}
	c.setState(StateComplete)
	return chunkID, data, nil
}

// reack acknowledges the last accepted sequence, expected-1.
func (c *Channel) reack(expected uint32) {
	_ = c.ep.Send(EncodeAck(int64(expected) - 1))
}

// Linger re-acks retransmissions of the final packet until the sender
// stops or Linger elapses, so a lost last ack does not fail the sender.
func (c *Channel) Linger(ctx context.Context) {
	deadline := time.Now().Add(c.opts.Linger)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		b, err := c.ep.Recv(ctx, remaining)
		if err != nil {
			return
		}
		if classify(b) == kindData {
			c.reack(c.session.Expect())
		}
	}
}

// Close releases the endpoint.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ep.Close()
	})
	return c.closeErr
}

// CloseAfterLinger lingers in the background and then closes the channel.
func (c *Channel) CloseAfterLinger(ctx context.Context) {
	go func() {
		c.Linger(ctx)
		c.Close()
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
