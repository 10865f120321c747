package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sheerbytes/chunkline/internal/catalog"
	"github.com/sheerbytes/chunkline/internal/config"
	"github.com/sheerbytes/chunkline/internal/discovery"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/rudp"
	"github.com/sheerbytes/chunkline/internal/transferquic"
	"github.com/sheerbytes/chunkline/internal/transfertcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DatagramOptions maps the shared settings onto channel options.
func DatagramOptions(cfg config.TransferConfig) rudp.Options {
	return rudp.Options{
		Timeout:    cfg.Timeout,
		MaxTries:   cfg.MaxTries,
		PacketSize: cfg.PacketSize,
	}
}

// Run serves cfg.Dir on cfg.Addr with the configured binding until ctx
// ends.
func Run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger, sink events.Sink) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cat, err := catalog.New(cfg.Dir)
	if err != nil {
		return err
	}
	srv := New(cat, Options{Chunks: cfg.Chunks, Binding: cfg.Transport}, logger, sink)

	var (
		addr    net.Addr
		serve   func(ctx context.Context) error
		closeFn func() error
	)
	switch cfg.Transport {
	case config.TransportTCP:
		ln, err := transfertcp.Listen(cfg.Addr, logger)
		if err != nil {
			return err
		}
		addr, closeFn = ln.Addr(), ln.Close
		serve = func(ctx context.Context) error { return srv.ServeStream(ctx, ln) }
	case config.TransportQUIC:
		ln, err := transferquic.Listen(cfg.Addr, cfg.Chunks, logger)
		if err != nil {
			return err
		}
		addr, closeFn = ln.Addr(), ln.Close
		serve = func(ctx context.Context) error { return srv.ServeStream(ctx, ln) }
	case config.TransportUDP:
		mux, err := rudp.Listen(cfg.Addr, DatagramOptions(cfg.TransferConfig), logger)
		if err != nil {
			return err
		}
		addr, closeFn = mux.Addr(), mux.Close
		serve = func(ctx context.Context) error { return srv.ServeDatagram(ctx, mux) }
	default:
		return fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
	defer func() {
		err = multierr.Append(err, closeFn())
	}()

	if cfg.Advertise {
		adv, err := discovery.Advertise("", cfg.Transport, portOf(addr), cfg.Chunks, logger)
		if err != nil {
			logger.Warn("mDNS advertising unavailable", zap.Error(err))
		} else {
			defer adv.Stop()
		}
	}

	logger.Info("server listening",
		zap.Stringer("addr", addr),
		zap.String("transport", cfg.Transport),
		zap.Int("chunks", cfg.Chunks),
		zap.String("dir", cat.Dir()),
	)
	events.Logf(sink, "Server started on %s (%s)", addr, cfg.Transport)
	events.Logf(sink, "Waiting for clients...")
	return serve(ctx)
}

func portOf(addr net.Addr) int {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
