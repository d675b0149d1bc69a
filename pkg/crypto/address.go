package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddressLength is the byte width of an agent identity.
const AddressLength = 20

// Address identifies an agent or controller account.
type Address [AddressLength]byte

// ZeroAddress is the "no signer" sentinel.
var ZeroAddress Address

// AddressFromPublicKey derives the account address of a secp256k1 key:
// the last 20 bytes of Keccak-256 over the uncompressed point without its prefix byte.
func AddressFromPublicKey(pub *secp256k1.PublicKey) Address {
	var a Address
	if pub == nil {
		return a
	}
	h := Keccak256(pub.SerializeUncompressed()[1:])
	copy(a[:], h[HashLength-AddressLength:])
	return a
}

// ParseAddress decodes a 0x-prefixed 40 character hex address. Mixed-case input
// must carry a valid checksum.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	b, err := decodeHex(s)
	if err != nil {
		return a, fmt.Errorf("invalid address: %w", err)
	}
	if len(b) != AddressLength {
		return a, fmt.Errorf("invalid address length: %d", len(b))
	}
	copy(a[:], b)

	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if a.Hex() != "0x"+body {
			return Address{}, fmt.Errorf("invalid address checksum: %s", s)
		}
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// Hex returns the mixed-case checksummed encoding (EIP-55).
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	sum := Keccak256([]byte(lower))

	out := make([]byte, len(lower))
	for i := range lower {
		c := lower[i]
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether a is the "no signer" sentinel.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
