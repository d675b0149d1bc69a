package merkle

import (
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	Leaf     crypto.Hash   `json:"leaf"`
	Siblings []crypto.Hash `json:"siblings"`

	// RootVersion optionally records which published root the proof was built
	// against. It is informational only and never affects verification.
	RootVersion uint64 `json:"root_version,omitempty"`
}

// ComputeRoot folds the sibling path into a root.
func ComputeRoot(leaf crypto.Hash, siblings []crypto.Hash) crypto.Hash {
	current := leaf
	for _, s := range siblings {
		current = HashPair(current, s)
	}
	return current
}

// Verify reports whether proof.Leaf is a member of the tree with the given root.
func Verify(proof Proof, root crypto.Hash) bool {
	if root.IsZero() {
		return false
	}
	return ComputeRoot(proof.Leaf, proof.Siblings) == root
}
