package crosschain

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
)

// Leaf is H(uint256(domainID) ‖ nonce), the value committed in the trusted tree.
func Leaf(domainID uint64, n nonce.Nonce) crypto.Hash {
	var d [32]byte
	binary.BigEndian.PutUint64(d[24:], domainID)
	return crypto.Keccak256(d[:], n[:])
}

// ParseDomainID accepts decimal or 0x-prefixed hex.
func ParseDomainID(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid domain id %q: %w", s, err)
	}
	return v, nil
}
