package progress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTrackerUpdateClamps(t *testing.T) {
	tr := NewTracker("a.bin", 2)
	tr.Update(0, 50, 200)
	tr.Update(1, 500, 200)

	snap := tr.Snapshot()
	if snap[0].Percent != 25 {
		t.Fatalf("expected 25%%, got %.2f", snap[0].Percent)
	}
	if snap[1].Percent != 100 {
		t.Fatalf("expected clamp to 100%%, got %.2f", snap[1].Percent)
	}
	if snap[1].Done {
		t.Fatalf("update must not mark a chunk done")
	}
}

func TestTrackerZeroTotalIsFull(t *testing.T) {
	tr := NewTracker("a.bin", 1)
	tr.Update(0, 0, 0)
	if got := tr.Snapshot()[0].Percent; got != 100 {
		t.Fatalf("expected 100%% for empty chunk, got %.2f", got)
	}
}

func TestTrackerIgnoresOutOfRange(t *testing.T) {
	tr := NewTracker("a.bin", 1)
	tr.Update(5, 1, 2)
	tr.MarkDone(-1)
	if tr.AllDone() {
		t.Fatalf("out of range calls must not complete the tracker")
	}
}

func TestTrackerMarkDoneIdempotent(t *testing.T) {
	tr := NewTracker("a.bin", 2)
	tr.MarkDone(0)
	tr.MarkDone(0)
	if tr.AllDone() {
		t.Fatalf("expected one chunk outstanding")
	}
	tr.MarkDone(1)
	if !tr.AllDone() {
		t.Fatalf("expected all done")
	}
	for _, s := range tr.Snapshot() {
		if !s.Done || s.Percent != 100 {
			t.Fatalf("expected done at 100%%, got %+v", s)
		}
	}
}

func TestTrackerEmptyIsDone(t *testing.T) {
	tr := NewTracker("a.bin", 0)
	if !tr.AllDone() {
		t.Fatalf("tracker without chunks should be done")
	}
	if tr.Overall() != 100 {
		t.Fatalf("expected overall 100, got %.2f", tr.Overall())
	}
}

func TestTrackerWaitUnblocks(t *testing.T) {
	tr := NewTracker("a.bin", 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			tr.MarkDone(i)
		}
	}()

	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestTrackerWaitHonorsContext(t *testing.T) {
	tr := NewTracker("a.bin", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestTrackerMonotonicUnderConcurrency(t *testing.T) {
	const chunks = 4
	const steps = 500
	tr := NewTracker("a.bin", chunks)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	// Reader checks no slot ever goes down.
	go func() {
		last := make([]float64, chunks)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, s := range tr.Snapshot() {
				if s.Percent < last[s.Index] {
					select {
					case violations <- "slot went backwards":
					default:
					}
				}
				last[s.Index] = s.Percent
			}
		}
	}()

	for c := 0; c < chunks; c++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(c, w int) {
				defer wg.Done()
				for i := w; i <= steps; i += 2 {
					tr.Update(c, int64(i), steps)
				}
			}(c, w)
		}
	}
	wg.Wait()
	close(stop)

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
	for _, s := range tr.Snapshot() {
		if s.Percent != 100 {
			t.Fatalf("expected slot %d at 100%%, got %.2f", s.Index, s.Percent)
		}
	}
}

func TestTrackerString(t *testing.T) {
	tr := NewTracker("movie.mp4", 2)
	tr.Update(0, 1, 4)
	tr.MarkDone(1)

	out := tr.String()
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if lines[0] != "Downloading movie.mp4 part 1: 25.00%" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[1] != "movie.mp4 part 2 downloaded successfully" {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}
