package events

import (
	"sync"
	"time"

	"github.com/sheerbytes/chunkline/pkg/protocol"
)

const subscriberQueue = 256

type subscriber struct {
	send chan protocol.Envelope
}

// Hub fans envelopes out to feed subscribers. A slow subscriber misses
// events instead of blocking the transfer that produced them.
type Hub struct {
	from string

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64
}

// NewHub returns a hub that stamps outgoing envelopes with from.
func NewHub(from string) *Hub {
	return &Hub{
		from: from,
		subs: make(map[uint64]*subscriber),
	}
}

// Add registers a subscriber and returns a remove function. send is called
// from a dedicated goroutine, one envelope at a time.
func (h *Hub) Add(send func(env protocol.Envelope) error) (remove func()) {
	sub := &subscriber{send: make(chan protocol.Envelope, subscriberQueue)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range sub.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()

			close(sub.send)
			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues env for every subscriber without blocking.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	// Sends happen under the read lock so remove cannot close a channel
	// mid-send.
	for _, s := range subs {
		select {
		case s.send <- env:
		default:
		}
	}
	h.mu.RUnlock()
}

// Publish wraps payload in an envelope of msgType and broadcasts it.
func (h *Hub) Publish(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.From = h.from
	h.Broadcast(env)
	return nil
}

// Hello is the greeting sent to a new subscriber.
func (h *Hub) Hello(role string) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		App:     "chunkline",
		Role:    role,
		Version: protocol.ProtocolVersion,
	})
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.From = h.from
	return env, nil
}

func (h *Hub) Log(line string) {
	_ = h.Publish(protocol.TypeLog, protocol.Log{Line: line})
}

func (h *Hub) Progress(p Progress) {
	_ = h.Publish(protocol.TypeProgress, ToProtocol(p))
}

func (h *Hub) Started(t Transfer) {
	_ = h.Publish(protocol.TypeTransferStart, protocol.TransferStart{
		File:    t.File,
		Size:    t.Size,
		Chunks:  t.Chunks,
		Binding: t.Binding,
		Peer:    t.Peer,
	})
}

func (h *Hub) Finished(t Transfer, elapsed time.Duration, err error) {
	if err != nil {
		_ = h.Publish(protocol.TypeTransferFailed, protocol.TransferFailed{File: t.File, Error: err.Error()})
		return
	}
	_ = h.Publish(protocol.TypeTransferDone, protocol.TransferDone{
		File:       t.File,
		Size:       t.Size,
		DurationMS: elapsed.Milliseconds(),
	})
}

// ToProtocol converts a progress report to its feed payload.
func ToProtocol(p Progress) protocol.Progress {
	chunks := make([]protocol.ChunkState, len(p.Chunks))
	for i, c := range p.Chunks {
		chunks[i] = protocol.ChunkState{Index: c.Index, Percent: c.Percent, Done: c.Done}
	}
	return protocol.Progress{
		File:      p.File,
		Chunks:    chunks,
		BytesDone: p.Stats.BytesDone,
		Total:     p.Stats.Total,
		RateBps:   p.Stats.RateBps,
		ETAMillis: p.Stats.ETA.Milliseconds(),
		Done:      p.Done,
	}
}
