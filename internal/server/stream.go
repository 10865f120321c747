package server

import (
	"context"
	"sync"

	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/transfer"
	"go.uber.org/zap"
)

// ServeStream assembles links from conn and serves each on its own
// goroutine until ctx ends.
func (s *Server) ServeStream(ctx context.Context, conn transfer.Conn) error {
	asm := transfer.NewAssembler(s.logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- asm.Serve(ctx, conn)
	}()

	var wg sync.WaitGroup
	for link := range asm.Links() {
		wg.Add(1)
		go func(link *transfer.Link) {
			defer wg.Done()
			if err := s.ServeLink(ctx, link); err != nil && ctx.Err() == nil {
				s.logger.Warn("session ended with error", zap.String("link", link.ID), zap.Error(err))
			}
		}(link)
	}
	wg.Wait()
	return <-errCh
}

// ServeLink runs one client session over an assembled link and closes it.
func (s *Server) ServeLink(ctx context.Context, link *transfer.Link) error {
	defer link.Close()
	stop := context.AfterFunc(ctx, func() { link.Close() })
	defer stop()

	return s.session(ctx, link, link.RemoteAddr(), link.Chunks(),
		func(ctx context.Context, name, path string, plan []chunk.Descriptor) error {
			return s.coord.Send(ctx, name, path, plan, func(ctx context.Context, src string, d chunk.Descriptor, report func(int64)) error {
				// A failed lane cancels the others; closing the link
				// unblocks their writes.
				stop := context.AfterFunc(ctx, func() { link.Close() })
				defer stop()
				return transfer.SendRange(ctx, link.Data[d.Index], src, int64(d.Start), int64(d.Size), report)
			})
		})
}
