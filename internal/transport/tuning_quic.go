package transport

import (
	"time"

	"github.com/quic-go/quic-go"
)

// Flow control bounds for QUIC connections.
const (
	laneWindow        = 8 << 20
	initialConnWindow = 2 << 20

	minConnWindow   = 1 << 20
	maxConnWindow   = 1 << 30
	minStreamWindow = 1 << 20
	maxStreamWindow = 256 << 20
	maxStreams      = 2048

	quicKeepAlive   = 10 * time.Second
	quicIdleTimeout = 60 * time.Second
)

// QuicTuneResult records the windows a config ended up with.
type QuicTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
	Err        string
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

// BuildQuicConfig returns a copy of base with the receive windows and the
// incoming stream limit set, each clamped to its bounds. base is not
// modified.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, streams int) (*quic.Config, QuicTuneResult) {
	var cfg quic.Config
	if base != nil {
		cfg = *base
	}
	res := QuicTuneResult{
		ConnWin:    clamp(connWin, minConnWindow, maxConnWindow),
		StreamWin:  clamp(streamWin, minStreamWindow, maxStreamWindow),
		MaxStreams: clamp(streams, 1, maxStreams),
		Status:     StatusOK,
	}
	cfg.InitialConnectionReceiveWindow = uint64(min(initialConnWindow, res.ConnWin))
	cfg.MaxConnectionReceiveWindow = uint64(res.ConnWin)
	cfg.InitialStreamReceiveWindow = uint64(res.StreamWin)
	cfg.MaxStreamReceiveWindow = uint64(res.StreamWin)
	cfg.MaxIncomingStreams = int64(res.MaxStreams)
	return &cfg, res
}

// LinkQuicConfig sizes a connection for links of chunks data lanes plus the
// control lane. Every lane can fill its own window at once, and the stream
// limit leaves room for a second link while the first drains.
func LinkQuicConfig(chunks int) (*quic.Config, QuicTuneResult) {
	lanes := chunks + 1
	base := &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
	return BuildQuicConfig(base, laneWindow*lanes, laneWindow, 2*lanes)
}
