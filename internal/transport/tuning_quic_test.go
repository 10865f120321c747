package transport

import (
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestBuildQuicConfigClamps(t *testing.T) {
	tests := []struct {
		name                          string
		conn, stream, streams         int
		wantConn, wantStream, wantMax int
	}{
		{"above bounds", maxConnWindow + 1, maxStreamWindow + 1, maxStreams + 1, maxConnWindow, maxStreamWindow, maxStreams},
		{"below bounds", 0, 0, 0, minConnWindow, minStreamWindow, 1},
		{"inside bounds", 4 << 20, 2 << 20, 12, 4 << 20, 2 << 20, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, res := BuildQuicConfig(nil, tt.conn, tt.stream, tt.streams)
			if res.ConnWin != tt.wantConn || res.StreamWin != tt.wantStream || res.MaxStreams != tt.wantMax {
				t.Fatalf("result %+v", res)
			}
			if cfg.MaxConnectionReceiveWindow != uint64(tt.wantConn) || cfg.MaxStreamReceiveWindow != uint64(tt.wantStream) {
				t.Fatalf("config windows %d/%d", cfg.MaxConnectionReceiveWindow, cfg.MaxStreamReceiveWindow)
			}
			if cfg.MaxIncomingStreams != int64(tt.wantMax) {
				t.Fatalf("config streams %d", cfg.MaxIncomingStreams)
			}
			if cfg.InitialConnectionReceiveWindow > cfg.MaxConnectionReceiveWindow {
				t.Fatalf("initial window %d above max %d", cfg.InitialConnectionReceiveWindow, cfg.MaxConnectionReceiveWindow)
			}
		})
	}
}

func TestBuildQuicConfigLeavesBase(t *testing.T) {
	base := &quic.Config{KeepAlivePeriod: 30 * time.Second}
	cfg, _ := BuildQuicConfig(base, 4<<20, 4<<20, 8)
	if cfg.KeepAlivePeriod != base.KeepAlivePeriod {
		t.Fatalf("keepalive not carried over")
	}
	if base.MaxConnectionReceiveWindow != 0 || cfg == base {
		t.Fatalf("base config modified")
	}
}

func TestLinkQuicConfig(t *testing.T) {
	cfg, res := LinkQuicConfig(4)
	if res.MaxStreams != 10 {
		t.Fatalf("expected room for two links of 5 lanes, got %d", res.MaxStreams)
	}
	if cfg.MaxConnectionReceiveWindow != uint64(5*laneWindow) {
		t.Fatalf("unexpected conn window %d", cfg.MaxConnectionReceiveWindow)
	}
	if cfg.KeepAlivePeriod != quicKeepAlive || cfg.MaxIdleTimeout != quicIdleTimeout {
		t.Fatalf("keepalive %v idle %v", cfg.KeepAlivePeriod, cfg.MaxIdleTimeout)
	}
}
