// Package auth derives the forwarding credentials an engine auther checks
// against: an account's password is a digest of its key, so the key itself
// never leaves the control plane.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"github.com/zeebo/xxh3"

	"forwardctl/internal/config"
)

func Password(key string, algo config.AuthAlgorithm) string {
	if algo == config.AuthPlain {
		return key
	}
	return hex.EncodeToString(xxh128Bytes(key))
}

// Verify compares a presented password with the one derived from key in
// constant time. An empty key never verifies.
func Verify(presented, key string, algo config.AuthAlgorithm) bool {
	if key == "" || presented == "" {
		return false
	}
	want := Password(key, algo)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

// ClientID is the identity the engine carries from the auther to the limiter.
func ClientID(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}

func ParseClientID(id string) (int64, bool) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func xxh128Bytes(seed string) []byte {
	// Big-endian Hi then Lo, the canonical xxh128 digest layout.
	h := xxh3.Hash128([]byte(seed))
	return []byte{
		byte(h.Hi >> 56),
		byte(h.Hi >> 48),
		byte(h.Hi >> 40),
		byte(h.Hi >> 32),
		byte(h.Hi >> 24),
		byte(h.Hi >> 16),
		byte(h.Hi >> 8),
		byte(h.Hi),
		byte(h.Lo >> 56),
		byte(h.Lo >> 48),
		byte(h.Lo >> 40),
		byte(h.Lo >> 32),
		byte(h.Lo >> 24),
		byte(h.Lo >> 16),
		byte(h.Lo >> 8),
		byte(h.Lo),
	}
}
