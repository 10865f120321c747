package transfer

import "errors"

var (
	// ErrTransferFailed is the aggregate error of a failed file transfer.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrTruncatedTransfer indicates a stream closed before a chunk was complete.
	ErrTruncatedTransfer = errors.New("truncated transfer")
	// ErrConnectionLost indicates a stream failed while reading a chunk.
	ErrConnectionLost = errors.New("connection lost")
	// ErrIO indicates a local file or write failure while sending a chunk.
	ErrIO = errors.New("i/o error")
	// ErrUnknownChunk indicates a chunk index that is out of range, empty or already claimed.
	ErrUnknownChunk = errors.New("unknown chunk")
	// ErrBadHello indicates a stream that did not open with a valid link hello.
	ErrBadHello = errors.New("bad link hello")
	// ErrMessageTooLarge indicates a control message over the frame limit.
	ErrMessageTooLarge = errors.New("control message too large")
	// ErrUnsupported is returned by one-directional Conn implementations.
	ErrUnsupported = errors.New("operation not supported")
)
