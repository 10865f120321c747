package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumKnownValues(t *testing.T) {
	assert.Equal(t, Digest("d41d8cd98f00b204e9800998ecf8427e"), Sum(nil))
	assert.Equal(t, Digest("5d41402abc4b2a76b9719d911017c592"), Sum([]byte("hello")))
	assert.Len(t, string(Sum([]byte("anything"))), Size)
}

func TestVerify(t *testing.T) {
	payload := []byte("chunk payload")
	d := Sum(payload)

	assert.True(t, Verify(payload, d))

	corrupted := append([]byte(nil), payload...)
	corrupted[3] ^= 0x01
	assert.False(t, Verify(corrupted, d))
	assert.False(t, Verify(payload, d[:10]))
	assert.False(t, Verify(payload, ""))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(Sum([]byte("x")))))
	assert.False(t, Valid([]byte("12345")))
	assert.False(t, Valid([]byte("D41D8CD98F00B204E9800998ECF8427E")))
	assert.False(t, Valid([]byte("zz1d8cd98f00b204e9800998ecf8427e")))
}
