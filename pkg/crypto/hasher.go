package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashLength is the byte width of every protocol digest.
const HashLength = 32

// Hash is a fixed-width Keccak-256 digest.
type Hash [HashLength]byte

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		_, _ = h.Write(b)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// ParseHash decodes a 0x-prefixed (or bare) 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeHex(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("invalid hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns a copy of the digest bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// Hex returns the 0x-prefixed lower-case encoding.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether every byte is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less orders digests bytewise.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher provides deterministic hashing of structured values.
type Hasher interface {
	Hash(v interface{}) (Hash, error)
}

// CanonicalHasher hashes the RFC 8785 (JCS) form of a value with Keccak-256.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (Hash, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("canonical serialization failed: %w", err)
	}
	return Keccak256(b), nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
