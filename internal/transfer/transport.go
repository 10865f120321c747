package transfer

import (
	"context"
	"io"
	"net"
	"time"
)

// Conn is a source or sink of ordered byte streams to one remote side.
// Dialing implementations open streams, listening ones accept them; the
// other direction returns ErrUnsupported.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote side.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the next incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteAddr returns the remote network address, or the local one for listeners.
	RemoteAddr() net.Addr

	// Close releases the connection. Streams already handed out stay open.
	Close() error
}

// Stream is a reliable ordered byte stream. It carries either one chunk
// lane or the control lane of a Link.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// ReadDeadliner is implemented by streams that support read deadlines.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// StreamIDer exposes a transport-specific stream ID when available.
type StreamIDer interface {
	StreamID() uint64
}

// RemoteAddrer is implemented by streams that know their remote address.
type RemoteAddrer interface {
	RemoteAddr() net.Addr
}
