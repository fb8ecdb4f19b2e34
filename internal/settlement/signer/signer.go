// Package signer holds the hot wallet key and signs message digests.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// Local signs with an in-process ed25519 key. Production deployments load
// the seed from the environment at startup; it never touches config files.
type Local struct {
	key ed25519.PrivateKey
}

// NewLocal derives the signing key from a 32-byte seed.
func NewLocal(seed []byte) (*Local, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Local{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewLocalFromHex parses a hex-encoded 32-byte seed.
func NewLocalFromHex(seedHex string) (*Local, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return NewLocal(seed)
}

// PublicKey returns the wallet's ed25519 public key.
func (s *Local) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign implements interfaces.Signer.
func (s *Local) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, interfaces.E(interfaces.KindSigning, err)
	}
	return ed25519.Sign(s.key, digest), nil
}
