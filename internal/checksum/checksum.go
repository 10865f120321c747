// Package checksum computes the integrity digest carried on the datagram wire.
package checksum

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
)

// Size is the length of a rendered digest.
const Size = md5.Size * 2

// Digest is a lowercase hex MD5 of a payload. It detects accidental
// corruption only.
type Digest string

// Sum returns the digest of payload.
func Sum(payload []byte) Digest {
	sum := md5.Sum(payload)
	return Digest(hex.EncodeToString(sum[:]))
}

// Verify reports whether payload hashes to d.
func Verify(payload []byte, d Digest) bool {
	if len(d) != Size {
		return false
	}
	want := Sum(payload)
	return subtle.ConstantTimeCompare([]byte(want), []byte(d)) == 1
}

// Valid reports whether s has the shape of a digest.
func Valid(s []byte) bool {
	if len(s) != Size {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
