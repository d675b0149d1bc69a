package crypto

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrInvalidSignature covers every signature that does not recover to a real signer.
var ErrInvalidSignature = errors.New("invalid signature")

// Recover returns the address that produced sig over digest.
//
// Degenerate encodings are rejected instead of being mapped to ZeroAddress:
// wrong length, unknown V, zero or out-of-range R/S, high-S (malleable) values,
// and any recovery that lands on the zero address.
func Recover(digest Hash, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return ZeroAddress, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return ZeroAddress, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return ZeroAddress, fmt.Errorf("%w: r out of range", ErrInvalidSignature)
	}
	if overflow := s.SetByteSlice(sig[32:64]); overflow || s.IsZero() {
		return ZeroAddress, fmt.Errorf("%w: s out of range", ErrInvalidSignature)
	}
	if s.IsOverHalfOrder() {
		return ZeroAddress, fmt.Errorf("%w: malleable high-s value", ErrInvalidSignature)
	}

	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return ZeroAddress, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	addr := AddressFromPublicKey(pub)
	if addr.IsZero() {
		return ZeroAddress, fmt.Errorf("%w: recovered no signer", ErrInvalidSignature)
	}
	return addr, nil
}
