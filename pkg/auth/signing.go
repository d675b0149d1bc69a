package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// SigningMethodES256KR signs keccak256(signingString) with a recoverable
// secp256k1 signature. The verification key is the expected address.
var SigningMethodES256KR = &signingMethodES256KR{}

type signingMethodES256KR struct{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodES256KR.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256KR
	})
}

func (m *signingMethodES256KR) Alg() string {
	return "ES256K-R"
}

// Sign expects a crypto.Signer.
func (m *signingMethodES256KR) Sign(signingString string, key interface{}) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return signer.SignDigest(crypto.Keccak256([]byte(signingString)))
}

// Verify expects a crypto.Address.
func (m *signingMethodES256KR) Verify(signingString string, sig []byte, key interface{}) error {
	want, ok := key.(crypto.Address)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	got, err := crypto.Recover(crypto.Keccak256([]byte(signingString)), sig)
	if err != nil {
		return errors.Join(jwt.ErrSignatureInvalid, err)
	}
	if got != want {
		return jwt.ErrSignatureInvalid
	}
	return nil
}
