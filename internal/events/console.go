package events

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sheerbytes/chunkline/internal/progress"
	"github.com/sheerbytes/chunkline/internal/termio"
	"github.com/sheerbytes/chunkline/internal/transport"
)

const textInterval = 1 * time.Second

// NewConsoleSink returns a progress bar sink when w is a terminal and a
// plain text sink otherwise.
func NewConsoleSink(w io.Writer) Sink {
	if termio.IsTTY(w) {
		return NewBarSink(w)
	}
	return NewTextSink(w)
}

// BarSink draws one progress bar per file in flight.
type BarSink struct {
	w    io.Writer
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

// NewBarSink returns a sink drawing to w.
func NewBarSink(w io.Writer) *BarSink {
	return &BarSink{w: w, bars: make(map[string]*progressbar.ProgressBar)}
}

func (s *BarSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bar := range s.bars {
		_ = bar.Clear()
	}
	fmt.Fprintln(s.w, line)
}

func (s *BarSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bar, ok := s.bars[p.File]
	if !ok {
		if p.Done && p.Stats.Total == 0 {
			return
		}
		bar = progressbar.NewOptions64(p.Stats.Total,
			progressbar.OptionSetWriter(s.w),
			progressbar.OptionSetDescription(p.File),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(s.w)
			}),
		)
		s.bars[p.File] = bar
	}
	_ = bar.Set64(p.Stats.BytesDone)
	if p.Done {
		_ = bar.Finish()
		delete(s.bars, p.File)
	}
}

func (s *BarSink) Started(Transfer) {}

func (s *BarSink) Finished(t Transfer, _ time.Duration, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bar, ok := s.bars[t.File]; ok {
		_ = bar.Exit()
		delete(s.bars, t.File)
		fmt.Fprintln(s.w)
	}
}

// TextSink prints per-chunk progress lines, at most once per second per
// file, plus the final state.
type TextSink struct {
	w    io.Writer
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewTextSink returns a sink writing plain lines to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w, last: make(map[string]time.Time), now: time.Now}
}

func (s *TextSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func (s *TextSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !p.Done {
		if t, ok := s.last[p.File]; ok && now.Sub(t) < textInterval {
			return
		}
		s.last[p.File] = now
	} else {
		delete(s.last, p.File)
	}
	if len(p.Chunks) > 0 {
		fmt.Fprintln(s.w, progress.Format(p.File, p.Chunks))
	}
	if p.Done {
		fmt.Fprintf(s.w, "%s: %s in %s\n", p.File, transport.FormatBytes(p.Stats.Total), p.Stats.Elapsed.Round(time.Millisecond))
	}
}
