package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLength is the byte width of a recoverable signature: R ‖ S ‖ V.
const SignatureLength = 65

// Signer produces recoverable signatures over 32-byte digests.
type Signer interface {
	Address() Address
	SignDigest(digest Hash) ([]byte, error)
}

// Secp256k1Signer signs with a local secp256k1 private key.
type Secp256k1Signer struct {
	privKey *secp256k1.PrivateKey
	address Address
}

func NewSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewSecp256k1SignerFromKey(priv), nil
}

func NewSecp256k1SignerFromKey(priv *secp256k1.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{
		privKey: priv,
		address: AddressFromPublicKey(priv.PubKey()),
	}
}

// NewSecp256k1SignerFromHex loads a 32-byte private key scalar.
func NewSecp256k1SignerFromHex(keyHex string) (*Secp256k1Signer, error) {
	b, err := decodeHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid private key size: %d", len(b))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("private key out of range")
	}
	return NewSecp256k1SignerFromKey(secp256k1.NewPrivateKey(&scalar)), nil
}

func (s *Secp256k1Signer) Address() Address {
	return s.address
}

// PrivateKeyHex exports the key scalar for the local key file.
func (s *Secp256k1Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.privKey.Serialize())
}

// SignDigest returns a low-S R ‖ S ‖ V signature with V in {0, 1}.
func (s *Secp256k1Signer) SignDigest(digest Hash) ([]byte, error) {
	compact := ecdsa.SignCompact(s.privKey, digest[:], false)
	if len(compact) != SignatureLength {
		return nil, fmt.Errorf("unexpected compact signature size: %d", len(compact))
	}
	// compact layout is [27+recid] ‖ R ‖ S
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return sig, nil
}
