package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateProducesDistinctIdentities(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if bytes.Equal(a.RouterID(), b.RouterID()) {
		t.Fatal("two generated identities share a RouterID")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("hello router")
	sig := id.Sign(msg)
	if !Verify(id.RouterID(), msg, sig) {
		t.Fatal("signature failed to verify")
	}
	if Verify(id.RouterID(), []byte("tampered"), sig) {
		t.Fatal("signature verified against tampered message")
	}
}

func TestEnsureKeysPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	id1, err := EnsureKeys(path)
	if err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected key file to be written: %v", err)
	}

	id2, err := EnsureKeys(path)
	if err != nil {
		t.Fatalf("EnsureKeys (reload): %v", err)
	}
	if !bytes.Equal(id1.RouterID(), id2.RouterID()) {
		t.Fatal("reloaded identity has a different RouterID")
	}
	if !bytes.Equal(id1.OnionPublicKey(), id2.OnionPublicKey()) {
		t.Fatal("reloaded identity has a different onion key")
	}
}

func TestDeriveSessionSecretAgrees(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()

	s1, err := alice.DeriveSessionSecret(bob.OnionPublicKey())
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	s2, err := bob.DeriveSessionSecret(alice.OnionPublicKey())
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("X25519 exchange did not agree")
	}
}
