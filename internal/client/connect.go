package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sheerbytes/chunkline/internal/config"
	"github.com/sheerbytes/chunkline/internal/discovery"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/rudp"
	"github.com/sheerbytes/chunkline/internal/transferquic"
	"github.com/sheerbytes/chunkline/internal/transfertcp"
	"go.uber.org/zap"
)

// discoveryTimeout bounds the mDNS lookup of Connect.
const discoveryTimeout = 5 * time.Second

// Connect dials the configured server with the configured binding. With
// Discover set the server is looked up over mDNS first and its advertised
// chunk count replaces cfg.Chunks.
func Connect(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, sink events.Sink) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := cfg.Server
	if cfg.Discover {
		findCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		svc, err := discovery.Find(findCtx, cfg.Transport, logger)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to discover a %s server: %w", cfg.Transport, err)
		}
		addr = svc.Addr()
		if svc.Chunks > 0 && svc.Chunks != cfg.Chunks {
			logger.Info("using advertised chunk count", zap.Int("chunks", svc.Chunks))
			cfg.Chunks = svc.Chunks
		}
		events.Logf(sink, "[NOTIFICATION] Found server %s at %s", svc.Instance, addr)
	}

	opts := Options{Chunks: cfg.Chunks, Binding: cfg.Transport, OutDir: cfg.OutDir}
	var (
		c   *Client
		err error
	)
	switch cfg.Transport {
	case config.TransportTCP:
		c, err = DialStream(ctx, transfertcp.NewDialer(addr, logger), opts, logger, sink)
	case config.TransportQUIC:
		var conn *transferquic.Conn
		conn, err = transferquic.Dial(ctx, addr, cfg.Chunks, logger)
		if err != nil {
			return nil, err
		}
		c, err = DialStream(ctx, conn, opts, logger, sink)
	case config.TransportUDP:
		dopts := rudp.Options{Timeout: cfg.Timeout, MaxTries: cfg.MaxTries, PacketSize: cfg.PacketSize}
		c, err = DialDatagram(ctx, addr, opts, dopts, logger, sink)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	events.Logf(sink, "[NOTIFICATION] Connected to server %s (%s)", addr, cfg.Transport)
	return c, nil
}
