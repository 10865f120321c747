package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/progress"
)

// Session is the receiving side's state for one file. Each buffer is
// written once by the worker that claimed its chunk.
type Session struct {
	Name     string
	Size     int64
	Plan     []chunk.Descriptor
	Progress *progress.Tracker
	Meter    *progress.Meter

	buffers [][]byte
	claimed []atomic.Bool
}

// NewSession plans name into n chunks. Empty chunks start claimed and done.
func NewSession(name string, size int64, n int) (*Session, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", chunk.ErrInvalidArgument, size)
	}
	if n < 0 {
		n = 0
	}
	plan, err := chunk.Plan(uint64(size), uint32(n))
	if err != nil {
		return nil, err
	}
	s := &Session{
		Name:     name,
		Size:     size,
		Plan:     plan,
		Progress: progress.NewTracker(name, len(plan)),
		Meter:    progress.NewMeter(size),
		buffers:  make([][]byte, len(plan)),
		claimed:  make([]atomic.Bool, len(plan)),
	}
	for _, d := range plan {
		if d.Empty() {
			s.claimed[d.Index].Store(true)
			s.buffers[d.Index] = []byte{}
			s.Progress.MarkDone(d.Index)
		}
	}
	return s, nil
}

// Claim reserves chunk i for the caller. It fails for empty, out of range
// or already claimed chunks.
func (s *Session) Claim(i int) (chunk.Descriptor, error) {
	if i < 0 || i >= len(s.Plan) {
		return chunk.Descriptor{}, fmt.Errorf("%w: index %d out of range", ErrUnknownChunk, i)
	}
	if !s.claimed[i].CompareAndSwap(false, true) {
		return chunk.Descriptor{}, fmt.Errorf("%w: chunk %d already claimed", ErrUnknownChunk, i)
	}
	return s.Plan[i], nil
}

// Reporter returns a progress callback for chunk i that takes the running
// byte count of that chunk.
func (s *Session) Reporter(i int) func(received int64) {
	total := int64(s.Plan[i].Size)
	var last int64
	return func(received int64) {
		if delta := received - last; delta > 0 {
			s.Meter.Add(delta)
			last = received
		}
		s.Progress.Update(i, received, total)
	}
}

// Complete stores the bytes of chunk i and marks it done. Extra trailing
// bytes are dropped; fewer bytes than planned are rejected.
func (s *Session) Complete(i int, data []byte) error {
	if i < 0 || i >= len(s.Plan) {
		return fmt.Errorf("%w: index %d out of range", ErrUnknownChunk, i)
	}
	want := s.Plan[i].Size
	if uint64(len(data)) < want {
		return fmt.Errorf("%w: chunk %d has %d of %d bytes", ErrTruncatedTransfer, i, len(data), want)
	}
	s.buffers[i] = data[:want]
	s.Progress.MarkDone(i)
	return nil
}

// Commit writes the chunks in index order to dst. The data lands in a
// temporary file in the same directory first, so dst never holds a partial
// file.
func (s *Session) Commit(dst string) (err error) {
	if !s.Progress.AllDone() {
		return fmt.Errorf("%w: %s has unfinished chunks", ErrTransferFailed, s.Name)
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	for i, buf := range s.buffers {
		if buf == nil {
			return fmt.Errorf("%w: chunk %d missing at merge", ErrTransferFailed, i)
		}
		if _, err := tmp.Write(buf); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
