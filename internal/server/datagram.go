package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/rudp"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"go.uber.org/zap"
)

// datagramControl adapts a handshaked channel to Control. A reply that is
// never acknowledged is logged and the session carries on: the client
// either got it and moves on, or the next receive fails.
type datagramControl struct {
	ch     *rudp.Channel
	logger *zap.Logger
}

func (c datagramControl) Send(ctx context.Context, body string) error {
	err := c.ch.SendControl(ctx, body)
	if errors.Is(err, rudp.ErrTimeout) && ctx.Err() == nil {
		c.logger.Warn("can't send message to client", zap.String("body", firstLine(body)), zap.Error(err))
		return nil
	}
	return err
}

func (c datagramControl) Recv(ctx context.Context) (string, error) {
	return c.ch.RecvControl(ctx)
}

// datagramServer serves one client at a time on a mux. Control channels of
// other clients that show up meanwhile wait in the backlog and are served
// in turn.
type datagramServer struct {
	*Server
	mux *rudp.Mux

	mu      sync.Mutex
	backlog []*rudp.Channel
}

// ServeDatagram reads from mux and serves clients one after another until
// ctx ends.
func (s *Server) ServeDatagram(ctx context.Context, mux *rudp.Mux) error {
	ds := &datagramServer{Server: s, mux: mux}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- mux.Serve(ctx)
	}()
	defer ds.dropBacklog()

	for {
		ctrl, err := ds.next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rudp.ErrClosed) {
				break
			}
			return err
		}
		ds.serveClient(ctx, ctrl)
	}
	mux.Close()
	return <-serveErr
}

func (ds *datagramServer) next(ctx context.Context) (*rudp.Channel, error) {
	ds.mu.Lock()
	if len(ds.backlog) > 0 {
		ch := ds.backlog[0]
		ds.backlog = ds.backlog[1:]
		ds.mu.Unlock()
		return ch, nil
	}
	ds.mu.Unlock()
	for {
		ch, err := ds.mux.Accept(ctx)
		if err != nil {
			return nil, err
		}
		if !ch.Hello().Chunk {
			return ch, nil
		}
		ds.logger.Debug("closing chunk channel outside a transfer", zap.Stringer("from", ch.Session().Addr))
		ch.Close()
	}
}

func (ds *datagramServer) dropBacklog() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, ch := range ds.backlog {
		ch.Close()
	}
	ds.backlog = nil
}

func (ds *datagramServer) serveClient(ctx context.Context, ctrl *rudp.Channel) {
	defer ctrl.Close()
	peer := ctrl.Session().Addr.String()
	ip := rudp.HostOf(ctrl.Session().Addr)
	ds.mux.Restrict(ip)
	defer ds.mux.Unrestrict()

	logger := ds.logger.With(zap.String("peer", peer))
	err := ds.session(ctx, datagramControl{ch: ctrl, logger: logger}, peer, ds.opts.Chunks,
		func(ctx context.Context, name, path string, plan []chunk.Descriptor) error {
			return ds.coord.Send(ctx, name, path, plan, func(ctx context.Context, src string, d chunk.Descriptor, report func(int64)) error {
				ch, err := ds.acceptFor(ctx, ctrl)
				if err != nil {
					return err
				}
				defer ch.Close()
				return ch.SendChunk(ctx, src, d, report)
			})
		})
	if err != nil && ctx.Err() == nil {
		ds.logger.Warn("session ended with error", zap.String("peer", peer), zap.Error(err))
	}
}

// acceptFor returns the next chunk channel of the client behind ctrl. A
// tagged control channel only takes chunk channels carrying its session; a
// bare one takes any bare channel from its host. Other control channels go
// to the backlog and chunk channels of other sessions are closed. It gives
// up when the client opens nothing for as long as a channel waits for a
// silent peer.
func (ds *datagramServer) acceptFor(ctx context.Context, ctrl *rudp.Channel) (*rudp.Channel, error) {
	opts := ctrl.Options()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(opts.MaxTries)*opts.Timeout)
	defer cancel()

	want := ctrl.Hello()
	ip := rudp.HostOf(ctrl.Session().Addr)
	for {
		ch, err := ds.mux.Accept(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no chunk channel from %s", transfer.ErrTransferFailed, ip)
		}
		if err != nil {
			return nil, err
		}
		h := ch.Hello()
		switch {
		case want.Session != "" && h.Chunk && h.Session == want.Session:
			return ch, nil
		case want.Session == "" && h.Session == "" && rudp.HostOf(ch.Session().Addr) == ip:
			return ch, nil
		case h.Chunk:
			ds.logger.Debug("closing chunk channel of another session", zap.Stringer("from", ch.Session().Addr))
			ch.Close()
		default:
			ds.mu.Lock()
			ds.backlog = append(ds.backlog, ch)
			ds.mu.Unlock()
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
