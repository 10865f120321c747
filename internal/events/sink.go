// Package events carries log lines and progress snapshots from the transfer
// core to whatever presents them: a terminal, a log file or a websocket feed.
package events

import (
	"fmt"
	"time"

	"github.com/sheerbytes/chunkline/internal/progress"
	"go.uber.org/zap"
)

// Progress is one progress report for a file.
type Progress struct {
	File   string                 `json:"file"`
	Chunks []progress.ChunkStatus `json:"chunks"`
	Stats  progress.Stats         `json:"stats"`
	Done   bool                   `json:"done"`
}

// Sink receives human-readable log lines and progress reports. Methods may
// be called from several goroutines.
type Sink interface {
	Log(line string)
	Progress(p Progress)
}

// Transfer describes one file transfer for lifecycle events.
type Transfer struct {
	File      string
	Size      int64
	Chunks    int
	Binding   string // tcp, quic or udp
	Peer      string
	Direction string // send or receive
}

// Lifecycle is implemented by sinks that also want to know when a transfer
// starts and ends. err is nil on success.
type Lifecycle interface {
	Started(t Transfer)
	Finished(t Transfer, elapsed time.Duration, err error)
}

// Started notifies s if it implements Lifecycle.
func Started(s Sink, t Transfer) {
	if l, ok := s.(Lifecycle); ok {
		l.Started(t)
	}
}

// Finished notifies s if it implements Lifecycle.
func Finished(s Sink, t Transfer, elapsed time.Duration, err error) {
	if l, ok := s.(Lifecycle); ok {
		l.Finished(t, elapsed, err)
	}
}

// Logf formats a line and sends it to s.
func Logf(s Sink, format string, args ...any) {
	if s == nil {
		return
	}
	s.Log(fmt.Sprintf(format, args...))
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(string)        {}
func (discard) Progress(Progress) {}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Multi fans every event out to all sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Log(line string) {
	for _, s := range m {
		s.Log(line)
	}
}

func (m multi) Progress(p Progress) {
	for _, s := range m {
		s.Progress(p)
	}
}

func (m multi) Started(t Transfer) {
	for _, s := range m {
		Started(s, t)
	}
}

func (m multi) Finished(t Transfer, elapsed time.Duration, err error) {
	for _, s := range m {
		Finished(s, t, elapsed, err)
	}
}

// LogSink writes events to a zap logger. Progress is logged at debug level
// except for the final report.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink backed by logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(line string) {
	s.logger.Info(line)
}

func (s *LogSink) Progress(p Progress) {
	fields := []zap.Field{
		zap.String("file", p.File),
		zap.Int64("bytes", p.Stats.BytesDone),
		zap.Int64("total", p.Stats.Total),
		zap.Float64("rate_bps", p.Stats.RateBps),
	}
	if p.Done {
		s.logger.Info("transfer progress complete", fields...)
		return
	}
	s.logger.Debug("transfer progress", fields...)
}

func (s *LogSink) Started(t Transfer) {
	s.logger.Info("transfer started",
		zap.String("file", t.File),
		zap.Int64("size", t.Size),
		zap.Int("chunks", t.Chunks),
		zap.String("binding", t.Binding),
		zap.String("peer", t.Peer),
		zap.String("direction", t.Direction),
	)
}

func (s *LogSink) Finished(t Transfer, elapsed time.Duration, err error) {
	if err != nil {
		s.logger.Warn("transfer failed", zap.String("file", t.File), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	s.logger.Info("transfer finished", zap.String("file", t.File), zap.Int64("size", t.Size), zap.Duration("elapsed", elapsed))
}
