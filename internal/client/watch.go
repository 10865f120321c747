package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// InputScanInterval is how often the request file is checked for new lines.
const InputScanInterval = 5 * time.Second

// Watcher reads file names appended to a request file. Only complete lines
// are consumed; a trailing line without a newline waits for the next scan.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *zap.Logger
	offset   int64
}

// NewWatcher watches path. A non-positive interval means InputScanInterval.
func NewWatcher(path string, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = InputScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, interval: interval, logger: logger}
}

// Scan returns the non-empty lines added since the previous scan. A missing
// file yields nothing; a file shorter than the last offset is read again
// from the start.
func (w *Watcher) Scan() ([]string, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < w.offset {
		w.logger.Info("request file truncated, rescanning", zap.String("path", w.path))
		w.offset = 0
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	w.offset += int64(end + 1)

	var names []string
	for _, line := range strings.Split(string(data[:end]), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Run scans immediately and then every interval, calling fetch for each new
// name in order. Names the server does not have are skipped; any other fetch
// error stops the watcher.
func (w *Watcher) Run(ctx context.Context, fetch func(ctx context.Context, name string) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		names, err := w.Scan()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", w.path, err)
		}
		for _, name := range names {
			if err := fetch(ctx, name); err != nil {
				if errors.Is(err, ErrNotFound) {
					w.logger.Warn("requested file not served", zap.String("file", name))
					continue
				}
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
