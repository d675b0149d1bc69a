package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

func TestParse_LeftPads(t *testing.T) {
	n, err := Parse("0x01")
	require.NoError(t, err)
	assert.Equal(t, byte(1), n[31])
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000001", n.Hex())

	odd, err := Parse("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xbc}, odd[30:])

	_, err = Parse("")
	assert.Error(t, err)
	_, err = Parse("0xzz")
	assert.Error(t, err)
	_, err = Parse("0x" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff00")
	assert.Error(t, err, "33 bytes")
}

func TestDigest_BindsIdentity(t *testing.T) {
	n, _ := Parse("0x01")
	a := crypto.Address{0xaa}
	b := crypto.Address{0xbb}

	assert.Equal(t, crypto.Keccak256(n[:], a[:]), Digest(n, a))
	assert.NotEqual(t, Digest(n, a), Digest(n, b), "same nonce, different committer")
}

func TestMemoryStore_SingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := crypto.Keccak256([]byte("d"))

	st, err := s.Status(ctx, d)
	require.NoError(t, err)
	assert.False(t, st.Consumed)

	require.NoError(t, s.Consume(ctx, d, ViaSignedUpdate))
	st, _ = s.Status(ctx, d)
	assert.True(t, st.Consumed)
	assert.False(t, st.Revealed)

	assert.ErrorIs(t, s.Consume(ctx, d, ViaReveal), ErrAlreadyConsumed)
	st, _ = s.Status(ctx, d)
	assert.False(t, st.Revealed, "failed reveal must not flip revealed")
}

func TestMemoryStore_RevealSetsBothFlags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := crypto.Keccak256([]byte("r"))
	require.NoError(t, s.Consume(ctx, d, ViaReveal))
	st, _ := s.Status(ctx, d)
	assert.True(t, st.Consumed)
	assert.True(t, st.Revealed)
}

func TestMemoryStore_ConcurrentConsumeHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := crypto.Keccak256([]byte("race"))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			via := ViaSignedUpdate
			if i%2 == 0 {
				via = ViaReveal
			}
			if s.Consume(ctx, d, via) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
