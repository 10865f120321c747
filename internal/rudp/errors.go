package rudp

import "errors"

var (
	// ErrChecksumMismatch marks a frame whose payload does not hash to its digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMalformedPacket marks a frame that does not parse.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrTimeout is returned by a receive that saw nothing before its deadline.
	ErrTimeout = errors.New("receive timed out")
	// ErrHandshake is returned when the peer rejects or never answers a handshake.
	ErrHandshake = errors.New("handshake failed")
	// ErrClosed is returned by operations on a closed endpoint or mux.
	ErrClosed = errors.New("endpoint closed")
)
