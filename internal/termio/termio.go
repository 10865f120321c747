// Package termio serializes console output. Writes are queued to a single
// goroutine per stream so progress redraws from several workers never
// interleave mid-line.
package termio

import (
	"context"
	"io"
	"os"
	"sync"
)

type item struct {
	buf   []byte
	flush chan struct{}
}

type writer struct {
	file *os.File
	ch   chan item
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- item{buf: buf}
	return len(p), nil
}

// File returns the underlying file so callers can check for a terminal.
func (w *writer) File() *os.File {
	return w.file
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

// Init starts the writers. It is safe to call more than once.
func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan item, 1024),
	}
	go func() {
		for it := range w.ch {
			if it.flush != nil {
				close(it.flush)
				continue
			}
			_, _ = w.file.Write(it.buf)
		}
	}()
	return w
}

// Stdout returns the queued stdout writer.
func Stdout() io.Writer {
	Init()
	return global.stdout
}

// Stderr returns the queued stderr writer.
func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush waits until output queued before the call has been written or ctx
// is done.
func Flush(ctx context.Context) error {
	Init()
	for _, w := range []*writer{global.stdout, global.stderr} {
		mark := make(chan struct{})
		select {
		case w.ch <- item{flush: mark}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-mark:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// IsTTY reports whether w is a character device. Queued writers report on
// the file behind them.
func IsTTY(w io.Writer) bool {
	if fw, ok := w.(interface{ File() *os.File }); ok {
		w = fw.File()
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
