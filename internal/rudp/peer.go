package rudp

import (
	"net"
	"sync"
)

// PeerSession is the per-exchange state kept for one remote address.
type PeerSession struct {
	Addr net.Addr

	mu           sync.Mutex
	nextExpected uint32
	lastAcked    int64
	strays       int
}

// NewPeerSession returns a session with nothing acknowledged yet.
func NewPeerSession(addr net.Addr) *PeerSession {
	return &PeerSession{Addr: addr, lastAcked: -1}
}

// Acked records that seq was acknowledged by the peer.
func (p *PeerSession) Acked(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int64(seq) > p.lastAcked {
		p.lastAcked = int64(seq)
	}
}

// LastAcked returns the highest acknowledged sequence, or -1.
func (p *PeerSession) LastAcked() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAcked
}

// RecordStray counts an acknowledgment that did not match the unit in
// flight. A receiver only acks the packet it accepted or re-acks the one
// before it, so a stray never acknowledges anything ahead.
func (p *PeerSession) RecordStray() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strays++
}

// Strays returns how many stray acknowledgments were seen.
func (p *PeerSession) Strays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strays
}

// Expect returns the next sequence the receiving side will accept.
func (p *PeerSession) Expect() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextExpected
}

// Advance moves the receiving side past seq.
func (p *PeerSession) Advance(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq+1 > p.nextExpected {
		p.nextExpected = seq + 1
	}
}
