package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

func TestSignProducesVerifiableSignature(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	s, err := NewLocal(seed)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("signing payload"))
	sig, err := s.Sign(context.Background(), digest[:])
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, ed25519.Verify(s.PublicKey(), digest[:], sig))
}

func TestNewLocalRejectsBadSeed(t *testing.T) {
	_, err := NewLocal([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = NewLocalFromHex("zz")
	require.Error(t, err)

	_, err = NewLocalFromHex(hex.EncodeToString(make([]byte, 16)))
	require.Error(t, err)
}

func TestSignHonorsCancelledContext(t *testing.T) {
	s, err := NewLocal(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Sign(ctx, []byte("digest"))
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindSigning))
}
