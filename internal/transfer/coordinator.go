package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/sheerbytes/chunkline/internal/progress"
	"go.uber.org/zap"
)

const defaultReportInterval = 250 * time.Millisecond

// ReceiveFunc fills at least one chunk of s. Stream receivers are bound to
// a fixed chunk; datagram receivers claim theirs from the first packet.
type ReceiveFunc func(ctx context.Context, s *Session) error

// SendFunc sends chunk d of src. report takes the running byte count.
type SendFunc func(ctx context.Context, src string, d chunk.Descriptor, report func(sent int64)) error

// Coordinator runs one worker per chunk and reports progress to a sink.
type Coordinator struct {
	logger   *zap.Logger
	sink     events.Sink
	interval time.Duration
}

// NewCoordinator returns a coordinator. Nil logger or sink discard output.
func NewCoordinator(logger *zap.Logger, sink events.Sink) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:   logger,
		sink:     events.OrDiscard(sink),
		interval: defaultReportInterval,
	}
}

// SetReportInterval changes how often progress is pushed to the sink.
func (c *Coordinator) SetReportInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Receive runs every worker in parallel and, once all chunks are done,
// merges them into dst. Any worker failure fails the whole transfer and
// leaves dst untouched.
func (c *Coordinator) Receive(ctx context.Context, s *Session, workers []ReceiveFunc, dst string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopReport := c.report(ctx, s.Name, s.Progress, s.Meter)

	err := runWorkers(ctx, cancel, len(workers), func(ctx context.Context, i int) error {
		return workers[i](ctx, s)
	})
	if err == nil && !s.Progress.AllDone() {
		err = errors.New("workers finished with chunks outstanding")
	}
	stopReport(err == nil)

	if err != nil {
		c.logger.Warn("receive failed", zap.String("file", s.Name), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, s.Name, err)
	}
	if err := s.Commit(dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, s.Name, err)
	}
	c.logger.Debug("file merged", zap.String("file", s.Name), zap.String("dst", dst), zap.Int64("size", s.Size))
	return nil
}

// Send transfers every non-empty chunk of plan with one worker each.
func (c *Coordinator) Send(ctx context.Context, name, src string, plan []chunk.Descriptor, send SendFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := progress.NewTracker(name, len(plan))
	var total int64
	for _, d := range plan {
		total += int64(d.Size)
		if d.Empty() {
			tracker.MarkDone(d.Index)
		}
	}
	meter := progress.NewMeter(total)
	work := chunk.NonEmpty(plan)

	stopReport := c.report(ctx, name, tracker, meter)

	err := runWorkers(ctx, cancel, len(work), func(ctx context.Context, i int) error {
		d := work[i]
		var last int64
		report := func(sent int64) {
			meter.Add(sent - last)
			last = sent
			tracker.Update(d.Index, sent, int64(d.Size))
		}
		if err := send(ctx, src, d, report); err != nil {
			return fmt.Errorf("chunk %d: %w", d.Index, err)
		}
		tracker.MarkDone(d.Index)
		return nil
	})
	stopReport(err == nil)

	if err != nil {
		c.logger.Warn("send failed", zap.String("file", name), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, name, err)
	}
	return nil
}

// runWorkers starts n workers and waits for all of them. The first error
// cancels the others and is returned in preference to the cancellations it
// caused.
func runWorkers(ctx context.Context, cancel context.CancelFunc, n int, fn func(ctx context.Context, i int) error) error {
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := fn(ctx, i); err != nil {
				errCh <- err
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil || (isCancel(first) && !isCancel(err)) {
			first = err
		}
	}
	return first
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// report pushes snapshots to the sink until the returned stop is called.
func (c *Coordinator) report(ctx context.Context, name string, tracker *progress.Tracker, meter *progress.Meter) (stop func(ok bool)) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sink.Progress(events.Progress{File: name, Chunks: tracker.Snapshot(), Stats: meter.Snapshot()})
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func(ok bool) {
		once.Do(func() {
			close(done)
			wg.Wait()
			c.sink.Progress(events.Progress{
				File:   name,
				Chunks: tracker.Snapshot(),
				Stats:  meter.Snapshot(),
				Done:   ok && tracker.AllDone(),
			})
		})
	}
}
