package rudp

import (
	"errors"
	"testing"

	"github.com/sheerbytes/chunkline/internal/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	payload := []byte("a|b|c|d")
	p := NewPacket(7, 3, payload)
	wire := p.Marshal()
	assert.Equal(t, "7|"+string(checksum.Sum(payload))+"|3|a|b|c|d", string(wire))

	got, err := ParsePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Seq)
	assert.Equal(t, uint32(3), got.ChunkID)
	assert.Equal(t, payload, got.Payload)
}

func TestParsePacketEmptyPayload(t *testing.T) {
	got, err := ParsePacket(NewPacket(0, 0, nil).Marshal())
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}

func TestParsePacketRejects(t *testing.T) {
	good := NewPacket(1, 2, []byte("payload")).Marshal()
	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 1

	_, err := ParsePacket(corrupt)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	digest := string(checksum.Sum([]byte("x")))
	for name, frame := range map[string]string{
		"fields":   "1|" + digest,
		"seq":      "x|" + digest + "|0|x",
		"negative": "-1|" + digest + "|0|x",
		"digest":   "1|nothex|0|x",
		"chunk":    "1|" + digest + "|y|x",
	} {
		_, err := ParsePacket([]byte(frame))
		assert.True(t, errors.Is(err, ErrMalformedPacket), "%s: %v", name, err)
	}
}

func TestControlRoundTrip(t *testing.T) {
	body := "List of files:\na.txt - 43B"
	frame := EncodeControl(body)
	got, digest, err := ParseControl(frame)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, checksum.Sum([]byte(body)), digest)

	frame[len(frame)-1] ^= 1
	_, _, err = ParseControl(frame)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, _, err = ParseControl([]byte("GET a.txt"))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestAckRoundTrip(t *testing.T) {
	for _, seq := range []int64{-1, 0, 41, 1 << 31} {
		got, ok := ParseAck(EncodeAck(seq))
		require.True(t, ok)
		assert.Equal(t, seq, got)
	}
	_, ok := ParseAck([]byte("OK"))
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, kindPing, classify([]byte(HandshakeToken)))
	assert.Equal(t, kindOK, classify([]byte("OK")))
	assert.Equal(t, kindNOK, classify([]byte("NOK")))
	assert.Equal(t, kindAck, classify([]byte("-1")))
	assert.Equal(t, kindAck, classify([]byte("12")))
	assert.Equal(t, kindControl, classify(EncodeControl("EXIT")))
	assert.Equal(t, kindData, classify(NewPacket(3, 1, []byte("x")).Marshal()))
	assert.Equal(t, kindUnknown, classify([]byte("hello")))
	assert.Equal(t, kindPing, classify(Hello{Session: "s1", Chunk: true}.Marshal()))
}

func TestHelloRoundTrip(t *testing.T) {
	for _, h := range []Hello{{}, {Session: "s1"}, {Session: "s1", Chunk: true}} {
		got, ok := ParseHello(h.Marshal())
		require.True(t, ok)
		assert.Equal(t, h, got)
	}
	assert.Equal(t, HandshakeToken, string(Hello{}.Marshal()))
	assert.Equal(t, HandshakeToken+" chunk s1", string(Hello{Session: "s1", Chunk: true}.Marshal()))

	for _, frame := range []string{"23120089", HandshakeToken + " data s1", HandshakeToken + " ctl", HandshakeToken + " ctl a b"} {
		_, ok := ParseHello([]byte(frame))
		assert.False(t, ok, frame)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultTimeout, o.Timeout)
	assert.Equal(t, DefaultMaxTries, o.MaxTries)
	assert.Equal(t, DefaultPacketSize, o.PacketSize)
	assert.Equal(t, 3*DefaultTimeout, o.Linger)
	assert.Equal(t, DefaultPacketSize-100, Options{}.DataSize())

	assert.Equal(t, minPacketSize, Options{PacketSize: 10}.withDefaults().PacketSize)
	assert.Equal(t, maxDatagram, Options{PacketSize: 1 << 20}.withDefaults().PacketSize)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
