package path

import (
	"testing"
	"time"

	"github.com/llarp-go/llarp-go/pkg/identity"
)

func TestBuildLRCMPadsToFrameCount(t *testing.T) {
	hopIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	_, ephPub, err := identity.EphemeralKeypair()
	if err != nil {
		t.Fatalf("EphemeralKeypair: %v", err)
	}
	shared, err := identity.DeriveSharedSecret(hopIdentity.OnionPrivateKey(), ephPub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}

	txID, _ := NewID()
	rxID, _ := NewID()
	hops := []HopConfig{{
		TxID:           txID,
		RxID:           rxID,
		RouterIdentity: hopIdentity.RouterID(),
		Lifetime:       DefaultLifetime,
		sharedSecret:   shared,
	}}
	onionKeys := [][]byte{hopIdentity.OnionPublicKey()}

	frames, err := BuildLRCM(hops, onionKeys)
	if err != nil {
		t.Fatalf("BuildLRCM: %v", err)
	}
	if len(frames) != FrameCount {
		t.Fatalf("got %d frames, want %d", len(frames), FrameCount)
	}
}

func TestBuildLRCMThenOpenFrameRecoversHopConfig(t *testing.T) {
	relayIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	ownerEphPriv, ownerEphPub, err := identity.EphemeralKeypair()
	if err != nil {
		t.Fatalf("EphemeralKeypair: %v", err)
	}
	shared, err := identity.DeriveSharedSecret(ownerEphPriv, relayIdentity.OnionPublicKey())
	if err != nil {
		t.Fatalf("DeriveSharedSecret (owner side): %v", err)
	}

	txID, _ := NewID()
	rxID, _ := NewID()
	nextHop := []byte("next-hop-router-id-placeholder..")
	hop := HopConfig{
		TxID:           txID,
		RxID:           rxID,
		RouterIdentity: relayIdentity.RouterID(),
		Upstream:       nextHop,
		EphemeralPubKey: ownerEphPub,
		Lifetime:       5 * time.Minute,
		sharedSecret:   shared,
	}

	frames, err := BuildLRCM([]HopConfig{hop}, [][]byte{relayIdentity.OnionPublicKey()})
	if err != nil {
		t.Fatalf("BuildLRCM: %v", err)
	}

	info, crypto, lifetime, err := OpenFrame(frames[0], relayIdentity, ownerEphPub, []byte("us"))
	if err != nil {
		t.Fatalf("OpenFrame: %v", err)
	}

	if info.TxID != txID || info.RxID != rxID {
		t.Fatal("OpenFrame did not recover the original txID/rxID")
	}
	if string(info.Upstream) != string(nextHop) {
		t.Fatal("OpenFrame did not recover the next-hop router ID")
	}
	if lifetime != 5*time.Minute {
		t.Fatalf("lifetime = %v, want 5m", lifetime)
	}

	relayShared, err := identity.DeriveSharedSecret(relayIdentity.OnionPrivateKey(), ownerEphPub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret (relay side): %v", err)
	}
	wantCrypto, err := DeriveHopCrypto(relayShared, "llarp-path-hop")
	if err != nil {
		t.Fatalf("DeriveHopCrypto: %v", err)
	}
	if crypto.SessionKey != wantCrypto.SessionKey || crypto.NonceXOR != wantCrypto.NonceXOR {
		t.Fatal("OpenFrame derived different HopCrypto than the owner's own derivation")
	}
}

func TestOpenFrameRejectsWrongEphemeralKey(t *testing.T) {
	relayIdentity, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	ownerEphPriv, _, err := identity.EphemeralKeypair()
	if err != nil {
		t.Fatalf("EphemeralKeypair: %v", err)
	}
	shared, err := identity.DeriveSharedSecret(ownerEphPriv, relayIdentity.OnionPublicKey())
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}

	txID, _ := NewID()
	rxID, _ := NewID()
	hop := HopConfig{TxID: txID, RxID: rxID, RouterIdentity: relayIdentity.RouterID(), Lifetime: DefaultLifetime, sharedSecret: shared}
	frames, err := BuildLRCM([]HopConfig{hop}, [][]byte{relayIdentity.OnionPublicKey()})
	if err != nil {
		t.Fatalf("BuildLRCM: %v", err)
	}

	_, wrongEphPub, err := identity.EphemeralKeypair()
	if err != nil {
		t.Fatalf("EphemeralKeypair: %v", err)
	}
	info, _, _, err := OpenFrame(frames[0], relayIdentity, wrongEphPub, []byte("us"))
	if err == nil && info.TxID == txID {
		t.Fatal("expected OpenFrame with the wrong ephemeral key to fail or return garbage, not the original txID")
	}
}
