// Package transport tunes the sockets and QUIC settings used by the
// datagram and QUIC bindings.
package transport

// Outcome of a tuning attempt.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)
