package rudp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/sheerbytes/chunkline/internal/checksum"
)

const (
	// HandshakeToken opens an exchange.
	HandshakeToken = "23120088"

	ackOK  = "OK"
	ackNOK = "NOK"

	// headerRoom is reserved in every datagram for the data packet header.
	headerRoom = 100
)

// Packet is one unit of chunk data.
type Packet struct {
	Seq      uint32
	Checksum checksum.Digest
	ChunkID  uint32
	Payload  []byte
}

// NewPacket builds a packet carrying the digest of payload.
func NewPacket(seq, chunkID uint32, payload []byte) Packet {
	return Packet{Seq: seq, Checksum: checksum.Sum(payload), ChunkID: chunkID, Payload: payload}
}

// Marshal renders seq|checksum|chunk_id|payload.
func (p Packet) Marshal() []byte {
	out := make([]byte, 0, len(p.Payload)+headerRoom)
	out = strconv.AppendUint(out, uint64(p.Seq), 10)
	out = append(out, '|')
	out = append(out, p.Checksum...)
	out = append(out, '|')
	out = strconv.AppendUint(out, uint64(p.ChunkID), 10)
	out = append(out, '|')
	return append(out, p.Payload...)
}

// ParsePacket parses a data frame. The payload may itself contain '|'.
func ParsePacket(b []byte) (Packet, error) {
	fields := bytes.SplitN(b, []byte{'|'}, 4)
	if len(fields) != 4 {
		return Packet{}, fmt.Errorf("%w: %d fields", ErrMalformedPacket, len(fields))
	}
	seq, err := strconv.ParseUint(string(fields[0]), 10, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: bad sequence", ErrMalformedPacket)
	}
	if !checksum.Valid(fields[1]) {
		return Packet{}, fmt.Errorf("%w: bad digest", ErrMalformedPacket)
	}
	id, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: bad chunk id", ErrMalformedPacket)
	}
	p := Packet{Seq: uint32(seq), Checksum: checksum.Digest(fields[1]), ChunkID: uint32(id), Payload: fields[3]}
	if !checksum.Verify(p.Payload, p.Checksum) {
		return Packet{}, fmt.Errorf("%w: packet %d", ErrChecksumMismatch, p.Seq)
	}
	return p, nil
}

// EncodeControl renders checksum|body.
func EncodeControl(body string) []byte {
	out := make([]byte, 0, checksum.Size+1+len(body))
	out = append(out, checksum.Sum([]byte(body))...)
	out = append(out, '|')
	return append(out, body...)
}

// ParseControl parses a control frame and returns its body and digest.
func ParseControl(b []byte) (string, checksum.Digest, error) {
	i := bytes.IndexByte(b, '|')
	if i < 0 || !checksum.Valid(b[:i]) {
		return "", "", ErrMalformedPacket
	}
	digest := checksum.Digest(b[:i])
	body := b[i+1:]
	if !checksum.Verify(body, digest) {
		return "", "", ErrChecksumMismatch
	}
	return string(body), digest, nil
}

// Hello is what a channel handshakes with. The zero Hello is the bare
// token. A tagged hello names the client session the channel belongs to
// and whether it carries a chunk or the session's control messages.
type Hello struct {
	Session string
	Chunk   bool
}

const (
	roleControl = "ctl"
	roleChunk   = "chunk"
)

// Marshal renders the token, followed by role and session when tagged.
func (h Hello) Marshal() []byte {
	if h.Session == "" {
		return []byte(HandshakeToken)
	}
	role := roleControl
	if h.Chunk {
		role = roleChunk
	}
	return []byte(HandshakeToken + " " + role + " " + h.Session)
}

// ParseHello parses a handshake frame.
func ParseHello(b []byte) (Hello, bool) {
	if string(b) == HandshakeToken {
		return Hello{}, true
	}
	fields := strings.Fields(string(b))
	if len(fields) != 3 || fields[0] != HandshakeToken {
		return Hello{}, false
	}
	switch fields[1] {
	case roleControl:
		return Hello{Session: fields[2]}, true
	case roleChunk:
		return Hello{Session: fields[2], Chunk: true}, true
	}
	return Hello{}, false
}

// EncodeAck renders a data acknowledgment.
func EncodeAck(seq int64) []byte {
	return strconv.AppendInt(nil, seq, 10)
}

// ParseAck parses a data acknowledgment.
func ParseAck(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}

type kind int

const (
	kindUnknown kind = iota
	kindPing
	kindOK
	kindNOK
	kindAck
	kindControl
	kindData
)

// classify guesses the frame type from its shape without verifying it.
func classify(b []byte) kind {
	switch string(b) {
	case HandshakeToken:
		return kindPing
	case ackOK:
		return kindOK
	case ackNOK:
		return kindNOK
	}
	i := bytes.IndexByte(b, '|')
	if i < 0 {
		if bytes.HasPrefix(b, []byte(HandshakeToken+" ")) {
			return kindPing
		}
		if _, ok := ParseAck(b); ok {
			return kindAck
		}
		return kindUnknown
	}
	if i == checksum.Size {
		return kindControl
	}
	return kindData
}
