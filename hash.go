// Package drivecache holds the content digest shared by the cache engines.
package drivecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// DigestPrefix is the algorithm prefix used in digest strings.
const DigestPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest of a cached file's raw bytes.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Digest returns the canonical "blake3:<hex>" form persisted with each entry.
func (h Hash) Digest() string {
	return DigestPrefix + h.String()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// ParseDigest parses a digest in the "blake3:<hex>" form.
// The algorithm prefix is case-insensitive.
func ParseDigest(s string) (Hash, error) {
	if len(s) < len(DigestPrefix) || !strings.EqualFold(s[:len(DigestPrefix)], DigestPrefix) {
		return Hash{}, fmt.Errorf("unsupported digest %q: expected %s prefix", s, DigestPrefix)
	}
	h, err := ParseHash(strings.ToLower(s[len(DigestPrefix):]))
	if err != nil {
		return Hash{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
