// Package identity holds a router's two long-term keypairs: an Ed25519
// signing keypair (the RouterID / identity) and an X25519 keypair (the
// "onion key" used to derive per-hop path secrets). This mirrors the
// combined identity that the teacher's pkg/identity/identity.go builds,
// generalized from Reticulum's single combined identity to the two
// separately-purposed keys this spec's RouterContact requires.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeyFileSize is the on-disk size of a persisted identity: a 32-byte
	// X25519 scalar followed by a 32-byte Ed25519 seed.
	KeyFileSize = 64
)

// Identity is a router's long-term keypairs.
type Identity struct {
	onionPriv []byte // 32 bytes, X25519 scalar
	onionPub  []byte // 32 bytes

	signPriv ed25519.PrivateKey // 64 bytes
	signPub  ed25519.PublicKey  // 32 bytes
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	onionPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, onionPriv); err != nil {
		return nil, fmt.Errorf("identity: generate onion key: %w", err)
	}
	onionPub, err := curve25519.X25519(onionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive onion pubkey: %w", err)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	return &Identity{
		onionPriv: onionPriv,
		onionPub:  onionPub,
		signPriv:  signPriv,
		signPub:   signPub,
	}, nil
}

// EnsureKeys loads the identity at path, generating and persisting a new
// one if none exists yet.
func EnsureKeys(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return FromBytes(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("identity: persist %s: %w", path, err)
	}
	return id, nil
}

// FromBytes reconstructs an Identity from the on-disk key encoding.
func FromBytes(data []byte) (*Identity, error) {
	if len(data) != KeyFileSize {
		return nil, fmt.Errorf("identity: expected %d bytes, got %d", KeyFileSize, len(data))
	}
	onionPriv := append([]byte(nil), data[:32]...)
	seed := append([]byte(nil), data[32:64]...)

	onionPub, err := curve25519.X25519(onionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive onion pubkey: %w", err)
	}

	signPriv := ed25519.NewKeyFromSeed(seed)
	signPub := append(ed25519.PublicKey(nil), signPriv[32:]...)

	return &Identity{
		onionPriv: onionPriv,
		onionPub:  onionPub,
		signPriv:  signPriv,
		signPub:   signPub,
	}, nil
}

// Bytes returns the on-disk key encoding: onion scalar || ed25519 seed.
func (id *Identity) Bytes() []byte {
	out := make([]byte, 0, KeyFileSize)
	out = append(out, id.onionPriv...)
	out = append(out, id.signPriv.Seed()...)
	return out
}

// RouterID returns the 32-byte Ed25519 public signing key — this
// router's identity/DHT key.
func (id *Identity) RouterID() []byte { return append([]byte(nil), id.signPub...) }

// OnionPublicKey returns the 32-byte X25519 public key used for path
// session-secret derivation.
func (id *Identity) OnionPublicKey() []byte { return append([]byte(nil), id.onionPub...) }

// OnionPrivateKey returns the 32-byte X25519 private scalar backing
// OnionPublicKey, for deriving shared secrets against a peer's
// ephemeral key on the relay side of a path build.
func (id *Identity) OnionPrivateKey() []byte { return append([]byte(nil), id.onionPriv...) }

// Sign signs data with the identity's Ed25519 key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signPriv, data)
}

// Verify checks an Ed25519 signature against a RouterID.
func Verify(routerID, data, signature []byte) bool {
	if len(routerID) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(routerID), data, signature)
}

// DeriveSessionSecret performs an X25519 exchange between this
// identity's onion private key and a peer's onion public key, producing
// the raw shared secret a path hop's HKDF expansion is derived from.
func (id *Identity) DeriveSessionSecret(peerOnionPub []byte) ([]byte, error) {
	if len(peerOnionPub) != curve25519.PointSize {
		return nil, errors.New("identity: bad peer onion key length")
	}
	return curve25519.X25519(id.onionPriv, peerOnionPub)
}

// EphemeralKeypair generates a fresh one-off X25519 keypair, used by the
// path builder to derive a per-hop session secret that isn't tied to the
// router's own long-term onion key.
func EphemeralKeypair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// DeriveSharedSecret performs an X25519 exchange given an arbitrary
// ephemeral private key against a peer's onion public key.
func DeriveSharedSecret(ephemeralPriv, peerOnionPub []byte) ([]byte, error) {
	if len(peerOnionPub) != curve25519.PointSize {
		return nil, errors.New("identity: bad peer onion key length")
	}
	return curve25519.X25519(ephemeralPriv, peerOnionPub)
}
