package path

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/llarp-go/llarp-go/internal/bencode"
	"github.com/llarp-go/llarp-go/pkg/identity"
)

// FrameCount is the number of frames in a Link Relay Commit Message —
// always 8 regardless of the actual hop count, padding the remainder
// with random bytes so an observer can't infer path length from frame
// count, per spec.md §4.4.1.
const FrameCount = 8

// Frame is one LRCM slot: either a real hop record, encrypted to that
// hop's onion public key, or FrameCount-len(hops) slots of pure
// randomness the same size as a real encrypted frame.
type Frame []byte

// commitRecord is the plaintext a hop decrypts out of its LRCM frame —
// its own hop config: next hop, txID, rxID, lifetime and nonce. No
// session key is carried in the record.
type commitRecord struct {
	NextHop  []byte
	TxID     ID
	RxID     ID
	Lifetime int64 // milliseconds
	Nonce    Nonce
}

func (c *commitRecord) encode() []byte {
	d := bencode.NewDict().
		PutBytes("n", c.NextHop).
		PutBytes("t", c.TxID.Bytes()).
		PutBytes("r", c.RxID.Bytes()).
		PutInt("l", c.Lifetime).
		PutBytes("y", c.Nonce[:])
	return d.Encode()
}

func decodeCommitRecord(buf []byte) (*commitRecord, error) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		return nil, err
	}
	next, _ := d.GetBytes("n")
	txRaw, _ := d.GetBytes("t")
	rxRaw, _ := d.GetBytes("r")
	lifetime, _ := d.GetInt("l")
	nonceRaw, _ := d.GetBytes("y")

	tx, ok := IDFromBytes(txRaw)
	if !ok {
		return nil, errors.New("path: bad txid in commit record")
	}
	rx, ok := IDFromBytes(rxRaw)
	if !ok {
		return nil, errors.New("path: bad rxid in commit record")
	}
	var nonce Nonce
	if len(nonceRaw) != NonceSize {
		return nil, errors.New("path: bad nonce in commit record")
	}
	copy(nonce[:], nonceRaw)

	return &commitRecord{NextHop: next, TxID: tx, RxID: rx, Lifetime: lifetime, Nonce: nonce}, nil
}

// BuildLRCM encrypts one frame per hop config (each hop's frame
// encrypted under a key derived from our ephemeral X25519 exchange
// with that hop's onion public key) and fills any remaining slots up
// to FrameCount with randomness, per spec.md §4.4.1.
func BuildLRCM(hops []HopConfig, hopOnionKeys [][]byte) ([]Frame, error) {
	if len(hops) != len(hopOnionKeys) {
		return nil, errors.New("path: hop config / onion key count mismatch")
	}
	if len(hops) > FrameCount {
		return nil, errors.New("path: too many hops for one LRCM")
	}

	frames := make([]Frame, 0, FrameCount)
	for i, hop := range hops {
		rec := &commitRecord{
			NextHop:  hop.Upstream,
			TxID:     hop.TxID,
			RxID:     hop.RxID,
			Lifetime: hop.Lifetime.Milliseconds(),
			Nonce:    Nonce{},
		}
		if _, err := randRead(rec.Nonce[:]); err != nil {
			return nil, err
		}
		frameKey, err := DeriveHopCrypto(hop.sharedSecret, "llarp-lrcm-frame")
		if err != nil {
			return nil, err
		}
		_ = hopOnionKeys[i] // retained for callers that verify key agreement out-of-band
		var frameNonce Nonce // frameKey is single-use (fresh per build), so a fixed nonce is safe
		enc, err := ApplyLayer(frameKey, frameNonce, rec.encode())
		if err != nil {
			return nil, err
		}
		frames = append(frames, enc)
	}
	for len(frames) < FrameCount {
		pad := make([]byte, frameSize(hops))
		if _, err := randRead(pad); err != nil {
			return nil, err
		}
		frames = append(frames, pad)
	}
	return frames, nil
}

func frameSize(hops []HopConfig) int {
	if len(hops) == 0 {
		return 256
	}
	return len(hops[0].RouterIdentity) + 64
}

func randRead(b []byte) (int, error) { return rand.Read(b) }

// OpenFrame decrypts one LRCM frame addressed to us, given the shared
// secret this router derives against the sender's ephemeral public
// key, producing the TransitHopInfo and crypto this relay will index
// the new TransitHop under. prevHop is the router this LRCM arrived
// from, recorded as the hop's Downstream neighbor; when the commit
// record carries no next hop, this hop is terminal and Upstream is set
// to ourIdentity's own RouterID instead, per IsEndpoint/
// GetPathForTransfer's "upstream equals us" convention.
func OpenFrame(frame Frame, ourIdentity *identity.Identity, senderEphemeralPub []byte, prevHop []byte) (TransitHopInfo, HopCrypto, time.Duration, error) {
	shared, err := identity.DeriveSharedSecret(ourIdentity.OnionPrivateKey(), senderEphemeralPub)
	if err != nil {
		return TransitHopInfo{}, HopCrypto{}, 0, err
	}
	frameKey, err := DeriveHopCrypto(shared, "llarp-lrcm-frame")
	if err != nil {
		return TransitHopInfo{}, HopCrypto{}, 0, err
	}

	var zero Nonce
	plain, err := ApplyLayer(frameKey, zero, frame)
	if err != nil {
		return TransitHopInfo{}, HopCrypto{}, 0, err
	}
	rec, err := decodeCommitRecord(plain)
	if err != nil {
		return TransitHopInfo{}, HopCrypto{}, 0, err
	}

	crypto, err := DeriveHopCrypto(shared, "llarp-path-hop")
	if err != nil {
		return TransitHopInfo{}, HopCrypto{}, 0, err
	}

	upstream := rec.NextHop
	if len(upstream) == 0 {
		upstream = append([]byte(nil), ourIdentity.RouterID()...)
	}
	info := TransitHopInfo{
		TxID:       rec.TxID,
		RxID:       rec.RxID,
		Upstream:   upstream,
		Downstream: append([]byte(nil), prevHop...),
	}
	lifetime := time.Duration(rec.Lifetime) * time.Millisecond
	return info, crypto, lifetime, nil
}
