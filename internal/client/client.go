// Package client fetches files from a chunkline server: it reads the
// listing, requests files by name and reassembles their chunks locally.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/chunkline/internal/catalog"
	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/rudp"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"github.com/sheerbytes/chunkline/pkg/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Get when the server does not have the file.
	ErrNotFound = errors.New("file not found on server")
	// ErrProtocol indicates a reply the client did not expect.
	ErrProtocol = errors.New("unexpected server reply")
	// ErrBroken is returned once a failed transfer left the session unusable.
	ErrBroken = errors.New("session broken by an earlier failure")
)

// Control carries the text messages of the session.
type Control interface {
	Send(ctx context.Context, body string) error
	Recv(ctx context.Context) (string, error)
}

// attender is a Control that has to keep answering the server while the
// chunks of a file move on other connections.
type attender interface {
	Attend(ctx context.Context)
}

// receivers builds the chunk workers for one file.
type receivers func(s *transfer.Session) []transfer.ReceiveFunc

// Options configure a Client.
type Options struct {
	Chunks  int
	Binding string
	OutDir  string
}

// Client is a connected session with a server. Concurrent Get calls are
// served one at a time.
type Client struct {
	opts    Options
	logger  *zap.Logger
	sink    events.Sink
	coord   *transfer.Coordinator
	ctl     Control
	workers receivers
	peer    string
	closeFn func() error

	listing []catalog.Entry

	getMu  sync.Mutex
	mu     sync.Mutex
	broken bool
	closed bool
}

func newClient(opts Options, logger *zap.Logger, sink events.Sink) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	sink = events.OrDiscard(sink)
	return &Client{
		opts:   opts,
		logger: logger,
		sink:   sink,
		coord:  transfer.NewCoordinator(logger, sink),
	}
}

// DialStream opens a link with opts.Chunks data lanes on conn and reads the
// listing. conn is closed when this fails.
func DialStream(ctx context.Context, conn transfer.Conn, opts Options, logger *zap.Logger, sink events.Sink) (*Client, error) {
	c := newClient(opts, logger, sink)
	link, err := transfer.OpenLink(ctx, conn, opts.Chunks)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ctl = link
	c.peer = conn.RemoteAddr().String()
	c.closeFn = func() error {
		return errors.Join(link.Close(), conn.Close())
	}
	c.workers = func(s *transfer.Session) []transfer.ReceiveFunc {
		return streamReceivers(link, s)
	}
	if err := c.readListing(ctx); err != nil {
		c.closeFn()
		return nil, err
	}
	return c, nil
}

// DialDatagram handshakes a control channel with addr and reads the
// listing. Chunk channels are dialed per file and carry the session tag of
// the control channel, so the server never mistakes another client on the
// same host for one of ours.
func DialDatagram(ctx context.Context, addr string, opts Options, dopts rudp.Options, logger *zap.Logger, sink events.Sink) (*Client, error) {
	c := newClient(opts, logger, sink)
	hello := rudp.Hello{Session: uuid.NewString()}
	ctrl, err := rudp.DialAs(ctx, addr, hello, dopts, c.logger)
	if err != nil {
		return nil, err
	}
	c.ctl = datagramControl{ch: ctrl}
	c.peer = ctrl.Session().Addr.String()
	c.closeFn = ctrl.Close
	c.workers = func(s *transfer.Session) []transfer.ReceiveFunc {
		return datagramReceivers(addr, hello.Session, dopts, c.logger, s)
	}
	if err := c.readListing(ctx); err != nil {
		ctrl.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readListing(ctx context.Context) error {
	body, err := c.ctl.Recv(ctx)
	if err != nil {
		return fmt.Errorf("failed to read listing: %w", err)
	}
	entries, err := catalog.ParseListing(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	c.listing = entries
	events.Logf(c.sink, "%s", body)
	return nil
}

// Listing returns the files the server announced on connect.
func (c *Client) Listing() []catalog.Entry {
	return append([]catalog.Entry(nil), c.listing...)
}

// Names returns the announced file names.
func (c *Client) Names() []string {
	names := make([]string, len(c.listing))
	for i, e := range c.listing {
		names[i] = e.Name
	}
	return names
}

// Peer returns the server address.
func (c *Client) Peer() string {
	return c.peer
}

// Get fetches name into the output directory and returns the written path.
func (c *Client) Get(ctx context.Context, name string) (string, error) {
	c.getMu.Lock()
	defer c.getMu.Unlock()
	c.mu.Lock()
	broken, closed := c.broken, c.closed
	c.mu.Unlock()
	if closed {
		return "", rudp.ErrClosed
	}
	if broken {
		return "", ErrBroken
	}
	if err := catalog.ValidateName(name); err != nil {
		return "", err
	}

	path, err := c.get(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.mu.Lock()
		c.broken = true
		c.mu.Unlock()
	}
	return path, err
}

func (c *Client) get(ctx context.Context, name string) (string, error) {
	if err := c.ctl.Send(ctx, protocol.Get(name)); err != nil {
		return "", fmt.Errorf("failed to request %s: %w", name, err)
	}
	reply, err := c.ctl.Recv(ctx)
	if err != nil {
		return "", err
	}
	if protocol.IsNotFound(reply) {
		events.Logf(c.sink, "[FROM] server: %s", reply)
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	size, err := protocol.ParseSize(reply)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	reply, err = c.ctl.Recv(ctx)
	if err != nil {
		return "", err
	}
	if !protocol.IsDownloading(reply, name) {
		return "", fmt.Errorf("%w: %q", ErrProtocol, reply)
	}
	events.Logf(c.sink, "[FROM] server: %s", reply)

	session, err := transfer.NewSession(name, size, c.opts.Chunks)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(c.opts.OutDir, filepath.Base(name))
	tr := events.Transfer{
		File:      name,
		Size:      size,
		Chunks:    c.opts.Chunks,
		Binding:   c.opts.Binding,
		Peer:      c.peer,
		Direction: "receive",
	}
	events.Started(c.sink, tr)
	start := time.Now()
	stopAttend := c.attend(ctx)
	err = c.coord.Receive(ctx, session, c.workers(session), dst)
	stopAttend()
	events.Finished(c.sink, tr, time.Since(start), err)
	if err != nil {
		return "", err
	}

	reply, err = c.ctl.Recv(ctx)
	if err != nil {
		return "", err
	}
	if reply != protocol.ServerDone(name) {
		return "", fmt.Errorf("%w: %q", ErrProtocol, reply)
	}
	events.Logf(c.sink, "[FROM] server: %s", reply)
	if err := c.ctl.Send(ctx, protocol.ClientDone(name)); err != nil {
		return "", err
	}
	c.logger.Info("file received", zap.String("file", name), zap.String("dst", dst), zap.Int64("size", size))
	return dst, nil
}

// attend keeps the control connection answering until the returned stop
// is called.
func (c *Client) attend(ctx context.Context) (stop func()) {
	a, ok := c.ctl.(attender)
	if !ok {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Attend(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close ends the session with EXIT and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	broken := c.broken
	c.mu.Unlock()

	if !broken {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.ctl.Send(ctx, protocol.CmdExit); err != nil {
			c.logger.Debug("failed to send EXIT", zap.Error(err))
		}
		cancel()
	}
	return c.closeFn()
}

type datagramControl struct {
	ch *rudp.Channel
}

func (c datagramControl) Send(ctx context.Context, body string) error {
	return c.ch.SendControl(ctx, body)
}

func (c datagramControl) Recv(ctx context.Context) (string, error) {
	return c.ch.RecvControl(ctx)
}

func (c datagramControl) Attend(ctx context.Context) {
	c.ch.Attend(ctx)
}

// streamReceivers reads each non-empty chunk from its own lane. A failed
// lane cancels the others; closing the link unblocks their reads.
func streamReceivers(link *transfer.Link, s *transfer.Session) []transfer.ReceiveFunc {
	var out []transfer.ReceiveFunc
	for _, d := range chunk.NonEmpty(s.Plan) {
		out = append(out, func(ctx context.Context, s *transfer.Session) error {
			if d.Index >= len(link.Data) {
				return fmt.Errorf("%w: no lane for chunk %d", transfer.ErrUnknownChunk, d.Index)
			}
			if _, err := s.Claim(d.Index); err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() { link.Close() })
			defer stop()
			data, err := transfer.RecvExact(ctx, link.Data[d.Index], int64(d.Size), s.Reporter(d.Index))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", d.Index, err)
			}
			return s.Complete(d.Index, data)
		})
	}
	return out
}

// datagramReceivers dials one channel per non-empty chunk. Each learns its
// chunk from the first packet the server sends on it.
func datagramReceivers(addr, session string, opts rudp.Options, logger *zap.Logger, s *transfer.Session) []transfer.ReceiveFunc {
	hello := rudp.Hello{Session: session, Chunk: true}
	var out []transfer.ReceiveFunc
	for range chunk.NonEmpty(s.Plan) {
		out = append(out, func(ctx context.Context, s *transfer.Session) error {
			ch, err := rudp.DialAs(ctx, addr, hello, opts, logger)
			if err != nil {
				return err
			}
			defer ch.CloseAfterLinger(context.Background())
			id, data, err := ch.RecvChunk(ctx, func(chunkID int) (int64, func(int64), error) {
				d, err := s.Claim(chunkID)
				if err != nil {
					return 0, nil, err
				}
				return int64(d.Size), s.Reporter(chunkID), nil
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", id, err)
			}
			return s.Complete(id, data)
		})
	}
	return out
}
