package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkline/internal/progress"
	"github.com/sheerbytes/chunkline/pkg/protocol"
)

type collector struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) send(env protocol.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []protocol.Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.envs...)
}

func TestHub_AddRemove(t *testing.T) {
	hub := NewHub("server")
	c := newCollector()

	remove := hub.Add(c.send)
	if hub.Len() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", hub.Len())
	}
	remove()
	remove()
	if hub.Len() != 0 {
		t.Fatalf("Expected 0 subscribers after remove, got %d", hub.Len())
	}

	// Broadcasting with no subscribers must not block or panic.
	hub.Log("nobody listening")
}

func TestHub_BroadcastReachesAll(t *testing.T) {
	hub := NewHub("server")
	a, b := newCollector(), newCollector()
	defer hub.Add(a.send)()
	defer hub.Add(b.send)()

	hub.Log("hello")

	for _, c := range []*collector{a, b} {
		envs := c.wait(t, 1)
		if envs[0].Type != protocol.TypeLog {
			t.Fatalf("Type = %s, want %s", envs[0].Type, protocol.TypeLog)
		}
		if envs[0].From != "server" {
			t.Errorf("From = %s, want server", envs[0].From)
		}
		var l protocol.Log
		if err := envs[0].DecodePayload(&l); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if l.Line != "hello" {
			t.Errorf("Line = %q, want hello", l.Line)
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub("server")
	release := make(chan struct{})
	remove := hub.Add(func(protocol.Envelope) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueue*2; i++ {
			hub.Log("spam")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
	close(release)
	remove()
}

func TestHub_FailingSubscriberStops(t *testing.T) {
	hub := NewHub("server")
	calls := make(chan struct{}, 16)
	remove := hub.Add(func(protocol.Envelope) error {
		calls <- struct{}{}
		return errors.New("gone")
	})
	defer remove()

	hub.Log("one")
	hub.Log("two")
	<-calls
	time.Sleep(50 * time.Millisecond)
	if n := len(calls); n != 0 {
		t.Fatalf("send called again after failing")
	}
}

func TestHub_LifecycleEvents(t *testing.T) {
	hub := NewHub("client")
	c := newCollector()
	defer hub.Add(c.send)()

	tr := Transfer{File: "a.bin", Size: 43, Chunks: 4, Binding: "tcp", Peer: "127.0.0.1:9000"}
	var sink Sink = hub
	Started(sink, tr)
	sink.Progress(Progress{
		File:   "a.bin",
		Chunks: []progress.ChunkStatus{{Index: 0, Percent: 50}},
		Stats:  progress.Stats{BytesDone: 5, Total: 43},
	})
	Finished(sink, tr, 1500*time.Millisecond, nil)
	Finished(sink, tr, time.Second, errors.New("boom"))

	envs := c.wait(t, 4)
	want := []string{protocol.TypeTransferStart, protocol.TypeProgress, protocol.TypeTransferDone, protocol.TypeTransferFailed}
	for i, env := range envs {
		if env.Type != want[i] {
			t.Fatalf("envelope %d type = %s, want %s", i, env.Type, want[i])
		}
	}

	var start protocol.TransferStart
	if err := envs[0].DecodePayload(&start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if start.Chunks != 4 || start.Binding != "tcp" {
		t.Errorf("start = %+v", start)
	}
	var p protocol.Progress
	if err := envs[1].DecodePayload(&p); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if p.BytesDone != 5 || p.Total != 43 || len(p.Chunks) != 1 || p.Chunks[0].Percent != 50 {
		t.Errorf("progress = %+v", p)
	}
	var done protocol.TransferDone
	if err := envs[2].DecodePayload(&done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", done.DurationMS)
	}
	var failed protocol.TransferFailed
	if err := envs[3].DecodePayload(&failed); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if failed.Error != "boom" {
		t.Errorf("Error = %q, want boom", failed.Error)
	}
}

func TestMultiForwardsLifecycle(t *testing.T) {
	hub := NewHub("server")
	c := newCollector()
	defer hub.Add(c.send)()

	sink := Multi(Discard, nil, hub)
	Started(sink, Transfer{File: "x"})
	envs := c.wait(t, 1)
	if envs[0].Type != protocol.TypeTransferStart {
		t.Fatalf("Type = %s, want %s", envs[0].Type, protocol.TypeTransferStart)
	}
}
