// Package app wires the ambient pieces both binaries share: the logger, the
// console and log sinks, the optional websocket event feed and the optional
// transfer history.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sheerbytes/chunkline/internal/config"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/history"
	"github.com/sheerbytes/chunkline/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime holds what a command needs to run and release afterwards.
type Runtime struct {
	Logger  *zap.Logger
	Sink    events.Sink
	History *history.Store
	Hub     *events.Hub

	cancel   context.CancelFunc
	feedDone chan error
}

// Start builds the runtime for app. console receives human output; role
// names this side in the event feed hello.
func Start(ctx context.Context, app, role string, cfg config.TransferConfig, console io.Writer) (*Runtime, error) {
	logger := logging.New(app, cfg.LogLevel)
	rt := &Runtime{Logger: logger}
	sinks := []events.Sink{events.NewConsoleSink(console)}
	// Console lines already reach the terminal; the log copy is for debugging.
	if strings.EqualFold(cfg.LogLevel, "debug") {
		sinks = append(sinks, events.NewLogSink(logger.Named("events")))
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB, logger)
		if err != nil {
			return nil, err
		}
		rt.History = store
		sinks = append(sinks, store)
	}

	if cfg.EventsAddr != "" {
		ln, err := net.Listen("tcp", cfg.EventsAddr)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to listen for the event feed on %s: %w", cfg.EventsAddr, err)
		}
		rt.Hub = events.NewHub(app)
		feedCtx, cancel := context.WithCancel(ctx)
		rt.cancel = cancel
		rt.feedDone = make(chan error, 1)
		go func() {
			rt.feedDone <- events.ServeListener(feedCtx, ln, rt.Hub, role, logger)
		}()
		sinks = append(sinks, rt.Hub)
	}

	rt.Sink = events.Multi(sinks...)
	return rt, nil
}

// Close stops the event feed, closes the history and flushes the logger.
func (r *Runtime) Close() error {
	var err error
	if r.cancel != nil {
		r.cancel()
		err = multierr.Append(err, <-r.feedDone)
		r.cancel = nil
	}
	if r.History != nil {
		err = multierr.Append(err, r.History.Close())
		r.History = nil
	}
	_ = r.Logger.Sync()
	return err
}
