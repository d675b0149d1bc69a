package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

func leaves(n int) []crypto.Hash {
	out := make([]crypto.Hash, n)
	for i := range out {
		out[i] = crypto.Keccak256([]byte{byte(i)})
	}
	return out
}

func TestBuild_ThreeLeaves(t *testing.T) {
	l := leaves(3)
	tree, err := Build(l)
	require.NoError(t, err)

	//       Root
	//      /    \
	//     N1     L3 (promoted)
	//    /  \
	//   L1  L2
	n1 := HashPair(l[0], l[1])
	assert.Equal(t, HashPair(n1, l[2]), tree.Root())

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	assert.Equal(t, []crypto.Hash{n1}, proof.Siblings)
	assert.True(t, Verify(proof, tree.Root()))
}

func TestHashPair_OrderIndependent(t *testing.T) {
	a, b := crypto.Keccak256([]byte("a")), crypto.Keccak256([]byte("b"))
	assert.Equal(t, HashPair(a, b), HashPair(b, a))
}

func TestProof_AllLeavesVerify(t *testing.T) {
	for n := 1; n <= 17; n++ {
		tree, err := Build(leaves(n))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			assert.True(t, Verify(proof, tree.Root()), "n=%d i=%d", n, i)
		}
	}
}

func TestVerify_RejectsWrongLeafAndRoot(t *testing.T) {
	tree, err := Build(leaves(8))
	require.NoError(t, err)
	proof, err := tree.Proof(3)
	require.NoError(t, err)

	bad := proof
	bad.Leaf = crypto.Keccak256([]byte("not a member"))
	assert.False(t, Verify(bad, tree.Root()))

	other, err := Build(leaves(9))
	require.NoError(t, err)
	assert.False(t, Verify(proof, other.Root()))

	assert.False(t, Verify(proof, crypto.Hash{}), "zero root never admits a proof")
}

func TestVerify_RootVersionIsInformational(t *testing.T) {
	tree, err := Build(leaves(4))
	require.NoError(t, err)
	proof, err := tree.Proof(1)
	require.NoError(t, err)
	proof.RootVersion = 99
	assert.True(t, Verify(proof, tree.Root()))
}

func TestBuild_Empty(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestProof_OutOfRange(t *testing.T) {
	tree, err := Build(leaves(2))
	require.NoError(t, err)
	_, err = tree.Proof(2)
	assert.Error(t, err)
	assert.Equal(t, 1, tree.IndexOf(tree.Leaves()[1]))
	assert.Equal(t, -1, tree.IndexOf(crypto.Hash{9}))
}
