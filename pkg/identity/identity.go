// Package identity derives a node's peer keypair from a seed and generates
// fresh seeds and network keys using bare 32-byte Ed25519 keys.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"syncmesh/pkg/syncerr"
	"syncmesh/pkg/types"
)

// SeedSize is the length in bytes of the per-node seed that deterministically
// derives the Ed25519 keypair.
const SeedSize = ed25519.SeedSize // 32

// NetworkKeySize is the length in bytes of the shared discovery-topic secret.
const NetworkKeySize = 32

// KeyPair is a peer's derived Ed25519 identity.
type KeyPair struct {
	Seed       []byte
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// ID returns the lowercase-hex peer id derived from the public key.
func (k KeyPair) ID() types.PeerID {
	return types.PeerID(hex.EncodeToString(k.PublicKey))
}

// NewSeed generates a fresh random seed suitable for DeriveKeyPair.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "generate seed", err)
	}
	return seed, nil
}

// DeriveKeyPair deterministically derives a KeyPair from seed. The same
// seed always yields the same peer id, so a node's identity survives
// restarts as long as save-data's Seed is preserved.
func DeriveKeyPair(seed []byte) (KeyPair, error) {
	if len(seed) != SeedSize {
		return KeyPair{}, syncerr.New(syncerr.IOError, fmt.Sprintf("seed must be %d bytes, got %d", SeedSize, len(seed)))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		Seed:       seed,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// NewNetworkKey generates a fresh random 32-byte discovery-topic secret.
func NewNetworkKey() (types.NetworkKey, error) {
	buf := make([]byte, NetworkKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", syncerr.Wrap(syncerr.IOError, "generate network key", err)
	}
	return types.NetworkKey(hex.EncodeToString(buf)), nil
}
