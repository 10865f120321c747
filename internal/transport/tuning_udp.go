package transport

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
)

const (
	minUDPBuffer = 256 << 10
	maxUDPBuffer = 64 << 20

	// DefaultUDPBuffer is requested for both directions of a datagram socket.
	DefaultUDPBuffer = 4 << 20
)

// bufferSetter is implemented by *net.UDPConn.
type bufferSetter interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// UDPTuneResult reports the buffer sizes asked of the kernel and the outcome.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

func (r UDPTuneResult) String() string {
	s := fmt.Sprintf("udp buffers r=%s w=%s status=%s", FormatBytesMiB(r.RequestedR), FormatBytesMiB(r.RequestedW), r.Status)
	if r.Err != "" {
		s += " err=" + r.Err
	}
	return s
}

// ApplyUDPBeyondBestEffort enlarges the socket buffers of conn. Failures are
// reported in the result, never returned.
func ApplyUDPBeyondBestEffort(conn net.PacketConn, r, w int) UDPTuneResult {
	res := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     StatusNA,
	}
	bs, ok := conn.(bufferSetter)
	if !ok {
		res.Err = "socket buffers not adjustable"
		return res
	}
	err := multierr.Combine(
		wrapTune("read", bs.SetReadBuffer(res.RequestedR)),
		wrapTune("write", bs.SetWriteBuffer(res.RequestedW)),
	)
	if err != nil {
		res.Status, res.Err = StatusDenied, err.Error()
		return res
	}
	res.Status = StatusOK
	return res
}

func wrapTune(dir string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", dir, err)
}
