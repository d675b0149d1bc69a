package merkle

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// ErrEmptyTree is returned when building a tree without leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// Tree is a binary hash tree over sorted sibling pairs.
//
// Levels[0] holds the leaves in insertion order and the last level holds the root.
// A node without a sibling is promoted unchanged to the next level.
type Tree struct {
	Levels [][]crypto.Hash
}

// Build constructs the tree bottom-up.
func Build(leaves []crypto.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]crypto.Hash, len(leaves))
	copy(level, leaves)

	tree := &Tree{Levels: [][]crypto.Hash{level}}
	for len(level) > 1 {
		level = buildNextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}
	return tree, nil
}

// Root returns the top node.
func (t *Tree) Root() crypto.Hash {
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// Leaves returns the leaf level.
func (t *Tree) Leaves() []crypto.Hash {
	return t.Levels[0]
}

// Proof returns the sibling path for the leaf at index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= len(t.Levels[0]) {
		return Proof{}, fmt.Errorf("merkle: leaf index %d out of range", index)
	}

	proof := Proof{Leaf: t.Levels[0][index]}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof.Siblings = append(proof.Siblings, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// IndexOf finds the first position of leaf, or -1.
func (t *Tree) IndexOf(leaf crypto.Hash) int {
	for i, l := range t.Levels[0] {
		if l == leaf {
			return i
		}
	}
	return -1
}

func buildNextLevel(hashes []crypto.Hash) []crypto.Hash {
	next := make([]crypto.Hash, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		if i+1 == len(hashes) {
			next = append(next, hashes[i])
			continue
		}
		next = append(next, HashPair(hashes[i], hashes[i+1]))
	}
	return next
}

// HashPair hashes two nodes with the smaller operand first, so the result
// does not depend on which side a node sits on.
func HashPair(a, b crypto.Hash) crypto.Hash {
	if b.Less(a) {
		a, b = b, a
	}
	return crypto.Keccak256(a[:], b[:])
}
