// Package typeddata implements structured-data hashing with a versioned
// domain separator, following the EIP-712 encoding rules.
//
// A signature over Digest(domain.Separator(), structHash) is bound to one
// protocol name, version, chain and verifying deployment, so it cannot be
// replayed against another instance of the protocol.
package typeddata

import (
	"encoding/binary"
	"math/big"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// DomainType is the canonical domain separator type string.
const DomainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

// Domain scopes signatures to one protocol deployment.
type Domain struct {
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version" yaml:"version"`
	ChainID           uint64         `json:"chain_id" yaml:"chain_id"`
	VerifyingContract crypto.Address `json:"verifying_contract" yaml:"verifying_contract"`
}

// Separator returns hashStruct(EIP712Domain).
func (d Domain) Separator() crypto.Hash {
	return crypto.Keccak256(
		TypeHash(DomainType).Bytes(),
		EncodeString(d.Name),
		EncodeString(d.Version),
		EncodeUint64(d.ChainID),
		EncodeAddress(d.VerifyingContract),
	)
}

// TypeHash is keccak256 of the encoded type string.
func TypeHash(encodedType string) crypto.Hash {
	return crypto.Keccak256([]byte(encodedType))
}

// Digest is the value that gets signed: keccak256(0x19 ‖ 0x01 ‖ domainSeparator ‖ structHash).
func Digest(domainSeparator, structHash crypto.Hash) crypto.Hash {
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator[:], structHash[:])
}

// EncodeString encodes a dynamic string as its keccak256 hash.
func EncodeString(s string) []byte {
	h := crypto.Keccak256([]byte(s))
	return h[:]
}

// EncodeBytes32 encodes a fixed 32-byte value as itself.
func EncodeBytes32(h crypto.Hash) []byte {
	return h.Bytes()
}

// EncodeAddress left-pads an address to one 32-byte word.
func EncodeAddress(a crypto.Address) []byte {
	word := make([]byte, 32)
	copy(word[32-crypto.AddressLength:], a[:])
	return word
}

// EncodeUint64 encodes v as a big-endian uint256 word.
func EncodeUint64(v uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], v)
	return word
}

// EncodeUint256 encodes a non-negative integer below 2^256 as one word.
// Values outside that range are reduced modulo 2^256.
func EncodeUint256(v *big.Int) []byte {
	word := make([]byte, 32)
	if v == nil {
		return word
	}
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(word[32-len(b):], b)
	return word
}
