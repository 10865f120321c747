package termio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsTTYRegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if IsTTY(f) {
		t.Fatalf("regular file reported as tty")
	}
	if IsTTY(&bytes.Buffer{}) {
		t.Fatalf("buffer reported as tty")
	}
}

func TestQueuedWriterFlush(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := newWriter(f)
	if IsTTY(w) {
		t.Fatalf("queued writer over a file reported as tty")
	}
	for i := 0; i < 100; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	mark := make(chan struct{})
	w.ch <- item{flush: mark}
	select {
	case <-mark:
	case <-time.After(2 * time.Second):
		t.Fatalf("flush marker not reached")
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := bytes.Count(data, []byte("line\n")); got != 100 {
		t.Fatalf("expected 100 lines, got %d", got)
	}
}

func TestFlushHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
