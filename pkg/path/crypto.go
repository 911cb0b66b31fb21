package path

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the width of the per-hop tunnel nonce — 24 bytes, so the
// layered cipher below runs XChaCha20 (the variant x/crypto/chacha20
// selects automatically for a 24-byte nonce).
const NonceSize = 24

// Nonce is the mutating per-path nonce threaded through every hop's
// layer of encryption.
type Nonce [NonceSize]byte

// XOR returns n XORed with mask, the "Y ^= hop[i].nonceXOR" step of
// spec.md §4.4.3.
func (n Nonce) XOR(mask Nonce) Nonce {
	var out Nonce
	for i := range out {
		out[i] = n[i] ^ mask[i]
	}
	return out
}

// RandomNonce generates a fresh nonce for starting a new upstream send.
func RandomNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// HopCrypto is the per-hop key material derived once at build time from
// an X25519 shared secret: a 32-byte stream-cipher key and a 24-byte
// nonce-XOR mask, per spec.md §4.4.1's PathHopConfig{sessionKey,
// nonceXOR}.
type HopCrypto struct {
	SessionKey [32]byte
	NonceXOR   Nonce
}

// DeriveHopCrypto expands an X25519 shared secret into a HopCrypto via
// HKDF-SHA256, matching the key-expansion pattern the teacher and the
// rest of the pack use for session keys (golang.org/x/crypto/hkdf),
// generalized here to the two independent values a path hop needs.
func DeriveHopCrypto(sharedSecret []byte, info string) (HopCrypto, error) {
	var hc HopCrypto
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))
	if _, err := io.ReadFull(r, hc.SessionKey[:]); err != nil {
		return hc, err
	}
	if _, err := io.ReadFull(r, hc.NonceXOR[:]); err != nil {
		return hc, err
	}
	return hc, nil
}

// ApplyLayer runs one hop's XChaCha20 keystream over data in place and
// returns the result — encryption and decryption are the same
// operation for a stream cipher, which is what lets Path's upstream
// send and a relay's downstream peel share this one primitive.
func ApplyLayer(hc HopCrypto, nonce Nonce, data []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(hc.SessionKey[:], nonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.XORKeyStream(out, data)
	return out, nil
}

// EncryptUpstream applies every hop's layer in path order and advances
// the nonce after each, per spec.md §4.4.3's "Upstream send": encrypt
// under Y, then Y ^= hop[i].nonceXOR.
func EncryptUpstream(hops []HopCrypto, y Nonce, payload []byte) ([]byte, Nonce, error) {
	out := payload
	for _, h := range hops {
		var err error
		out, err = ApplyLayer(h, y, out)
		if err != nil {
			return nil, y, err
		}
		y = y.XOR(h.NonceXOR)
	}
	return out, y, nil
}

// DecryptDownstream reverses a layered send in the owner's own hop
// order, per spec.md §4.4.3's "Downstream receive": Y ^= hop[i].nonceXOR
// first, then decrypt under the new Y.
func DecryptDownstream(hops []HopCrypto, y Nonce, payload []byte) ([]byte, Nonce, error) {
	out := payload
	for _, h := range hops {
		y = y.XOR(h.NonceXOR)
		var err error
		out, err = ApplyLayer(h, y, out)
		if err != nil {
			return nil, y, err
		}
	}
	return out, y, nil
}

// PeelUpstream is what one relay's TransitHop does to traffic flowing
// toward the network: strip its own layer, advance the nonce, and
// return what to forward upstream.
func PeelUpstream(hc HopCrypto, y Nonce, payload []byte) ([]byte, Nonce, error) {
	out, err := ApplyLayer(hc, y, payload)
	if err != nil {
		return nil, y, err
	}
	return out, y.XOR(hc.NonceXOR), nil
}

// AddDownstream is what one relay's TransitHop does to traffic flowing
// toward the path owner: advance the nonce, then add its own layer —
// the symmetric counterpart to PeelUpstream.
func AddDownstream(hc HopCrypto, y Nonce, payload []byte) ([]byte, Nonce, error) {
	y = y.XOR(hc.NonceXOR)
	out, err := ApplyLayer(hc, y, payload)
	if err != nil {
		return nil, y, err
	}
	return out, y, nil
}

