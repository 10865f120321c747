// Package server serves the files of one directory to chunkline clients
// over the stream bindings (tcp, quic) or the datagram binding (udp).
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sheerbytes/chunkline/internal/catalog"
	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"github.com/sheerbytes/chunkline/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultIdleTimeout ends a client session that sends nothing for this long.
const DefaultIdleTimeout = 10 * time.Minute

// Control carries the text messages of one client session.
type Control interface {
	Send(ctx context.Context, body string) error
	Recv(ctx context.Context) (string, error)
}

// Options configure a Server.
type Options struct {
	Chunks      int
	Binding     string
	IdleTimeout time.Duration
}

// Server answers listing and GET requests for the files of a catalog.
type Server struct {
	catalog *catalog.Catalog
	opts    Options
	logger  *zap.Logger
	sink    events.Sink
	coord   *transfer.Coordinator
}

// New returns a server for cat. Nil logger or sink discard output.
func New(cat *catalog.Catalog, opts Options, logger *zap.Logger, sink events.Sink) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Chunks < 1 {
		opts.Chunks = 4
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	sink = events.OrDiscard(sink)
	return &Server{
		catalog: cat,
		opts:    opts,
		logger:  logger,
		sink:    sink,
		coord:   transfer.NewCoordinator(logger, sink),
	}
}

// Chunks returns the number of chunks each file is split into.
func (s *Server) Chunks() int {
	return s.opts.Chunks
}

// sendChunks moves the chunks of one file once the client was told the
// size. chunks is the lane count the session uses.
type sendChunks func(ctx context.Context, name, path string, plan []chunk.Descriptor) error

// session runs the request loop of one client until EXIT, an error, or the
// client going idle.
func (s *Server) session(ctx context.Context, ctl Control, peer string, chunks int, send sendChunks) error {
	logger := s.logger.With(zap.String("peer", peer), zap.String("binding", s.opts.Binding))
	events.Logf(s.sink, "[NOTIFICATION] Connected to client %s", peer)
	defer events.Logf(s.sink, "[NOTIFICATION] Client %s disconnected", peer)

	entries, err := s.catalog.List()
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	if err := ctl.Send(ctx, catalog.FormatListing(entries)); err != nil {
		return fmt.Errorf("failed to send listing: %w", err)
	}
	logger.Debug("listing sent", zap.Int("files", len(entries)))

	for {
		body, err := s.recv(ctx, ctl)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				logger.Info("client idle, closing session")
				return nil
			}
			return err
		}
		events.Logf(s.sink, "[FROM] %s: %s", peer, body)

		cmd, name := protocol.ParseCommand(body)
		switch cmd {
		case protocol.CmdExit:
			return nil
		case protocol.CmdGet:
			if err := s.serveGet(ctx, ctl, peer, name, chunks, send); err != nil {
				return err
			}
		default:
			logger.Debug("ignoring unknown command", zap.String("body", body))
		}
	}
}

func (s *Server) recv(ctx context.Context, ctl Control) (string, error) {
	idleCtx, cancel := context.WithTimeout(ctx, s.opts.IdleTimeout)
	defer cancel()
	return ctl.Recv(idleCtx)
}

func (s *Server) serveGet(ctx context.Context, ctl Control, peer, name string, chunks int, send sendChunks) error {
	entry, path, err := s.catalog.Lookup(name)
	if err != nil {
		s.logger.Debug("request refused", zap.String("file", name), zap.Error(err))
		events.Logf(s.sink, "[TO] %s: %s", peer, protocol.NotFound(name))
		return ctl.Send(ctx, protocol.NotFound(name))
	}
	if err := ctl.Send(ctx, protocol.Size(entry.Size)); err != nil {
		return err
	}
	if err := ctl.Send(ctx, protocol.Downloading(entry.Name)); err != nil {
		return err
	}
	events.Logf(s.sink, "[TO] %s: Downloading %s!", peer, entry.Name)

	plan, err := chunk.Plan(uint64(entry.Size), uint32(chunks))
	if err != nil {
		return err
	}
	tr := events.Transfer{
		File:      entry.Name,
		Size:      entry.Size,
		Chunks:    chunks,
		Binding:   s.opts.Binding,
		Peer:      peer,
		Direction: "send",
	}
	events.Started(s.sink, tr)
	start := time.Now()
	err = send(ctx, entry.Name, path, plan)
	events.Finished(s.sink, tr, time.Since(start), err)
	if err != nil {
		return err
	}

	if err := ctl.Send(ctx, protocol.ServerDone(entry.Name)); err != nil {
		return err
	}
	events.Logf(s.sink, "[TO] %s: %s", peer, protocol.ServerDone(entry.Name))
	reply, err := s.recv(ctx, ctl)
	if err != nil {
		return err
	}
	if reply != protocol.ClientDone(entry.Name) {
		s.logger.Warn("unexpected confirmation", zap.String("file", entry.Name), zap.String("reply", reply))
	}
	events.Logf(s.sink, "[FROM] %s: %s", peer, reply)
	return nil
}
