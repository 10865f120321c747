package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceType(t *testing.T) {
	assert.Equal(t, "_chunkline._udp", ServiceType("udp"))
	assert.Equal(t, "_chunkline._tcp", ServiceType("tcp"))
	assert.Equal(t, "_chunkline._tcp", ServiceType("quic"))
}

func TestTextRoundTrip(t *testing.T) {
	var svc Service
	parseText(append(Text("quic", 8), "junk", "chunks=zero"), &svc)
	assert.Equal(t, "quic", svc.Transport)
	assert.Equal(t, 8, svc.Chunks)
}

func TestFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("box", ServiceType("tcp"), Domain)
	entry.HostName = "box.local."
	entry.Port = 9000
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = Text("tcp", 4)

	svc, ok := fromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "box", svc.Instance)
	assert.Equal(t, "box.local", svc.Host)
	assert.Equal(t, "192.168.1.20:9000", svc.Addr())
	assert.Equal(t, 4, svc.Chunks)

	_, ok = fromEntry(zeroconf.NewServiceEntry("empty", ServiceType("tcp"), Domain))
	assert.False(t, ok)
	_, ok = fromEntry(nil)
	assert.False(t, ok)
}

func TestAddrFallsBackToHost(t *testing.T) {
	svc := Service{Host: "box.local", Port: 7}
	assert.Equal(t, "box.local:7", svc.Addr())
	svc.IPs = []string{"fe80::1"}
	assert.Equal(t, "[fe80::1]:7", svc.Addr())
}

func TestFindTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// Without multicast the resolver itself fails; either way nothing is found.
	_, err := Find(ctx, "udp-nobody-serves-this", nil)
	require.Error(t, err)
}
