package transport

import (
	"errors"
	"net"
	"strings"
	"testing"
)

type refusingConn struct {
	net.PacketConn
}

func (refusingConn) SetReadBuffer(int) error  { return errors.New("no") }
func (refusingConn) SetWriteBuffer(int) error { return nil }

func TestApplyUDPUnavailable(t *testing.T) {
	res := ApplyUDPBeyondBestEffort(nil, -1, maxUDPBuffer+1)
	if res.Status != StatusNA {
		t.Fatalf("expected n/a status, got %s", res.Status)
	}
	if res.RequestedR != minUDPBuffer || res.RequestedW != maxUDPBuffer {
		t.Fatalf("expected clamped requests, got %d/%d", res.RequestedR, res.RequestedW)
	}
}

func TestApplyUDPDenied(t *testing.T) {
	res := ApplyUDPBeyondBestEffort(refusingConn{}, DefaultUDPBuffer, DefaultUDPBuffer)
	if res.Status != StatusDenied || !strings.HasPrefix(res.Err, "read: ") {
		t.Fatalf("unexpected result %s", res)
	}
}

func TestApplyUDPLoopback(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	res := ApplyUDPBeyondBestEffort(conn, DefaultUDPBuffer, DefaultUDPBuffer)
	if res.Status == StatusNA {
		t.Fatalf("expected a UDPConn to be tunable, got %s", res)
	}
	if !strings.Contains(res.String(), "4MiB") {
		t.Fatalf("unexpected summary %q", res.String())
	}
}
