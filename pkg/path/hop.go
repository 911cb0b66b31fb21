package path

import (
	"sync"
	"time"
)

// DefaultLifetime is a path's default lifetime once established,
// matching the original's DEFAULT_PATH_LIFETIME (10 minutes).
const DefaultLifetime = 10 * time.Minute

// HopConfig is the per-hop build-time configuration a Builder produces
// for one hop of a path under construction, per spec.md §4.4.1's
// PathHopConfig.
type HopConfig struct {
	TxID, RxID      ID
	RouterIdentity  []byte // hop's RouterID
	Upstream        []byte // next hop's RouterID (zero for the last hop)
	Crypto          HopCrypto
	EphemeralPubKey []byte // our ephemeral X25519 pubkey sent to this hop
	Lifetime        time.Duration

	// sharedSecret is the raw X25519 output Crypto and the frame
	// encryption key were both derived from; kept only transiently, for
	// BuildLRCM to use, and never persisted onto TransitHop or Path.
	sharedSecret []byte
}

// TransitHopInfo identifies one relay-side hop: its two path IDs and
// the routers immediately upstream/downstream of it, per
// original_source/llarp/path.hpp's TransitHopInfo.
type TransitHopInfo struct {
	TxID, RxID ID
	Upstream   []byte
	Downstream []byte
}

// TransitHop is one hop of someone else's path, as seen by the relay
// carrying it: an LRCM frame decrypted into forwarding state. Grounded
// on original_source/llarp/path.hpp's TransitHop plus path.cpp's
// HandleUpstream/HandleDownstream.
type TransitHop struct {
	mu sync.Mutex

	Info     TransitHopInfo
	Crypto   HopCrypto
	Started  time.Time
	Lifetime time.Duration

	lastActivity time.Time
}

// NewTransitHop constructs a TransitHop from a decrypted LRCM frame.
func NewTransitHop(info TransitHopInfo, crypto HopCrypto, lifetime time.Duration, now time.Time) *TransitHop {
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	return &TransitHop{
		Info:         info,
		Crypto:       crypto,
		Started:      now,
		Lifetime:     lifetime,
		lastActivity: now,
	}
}

// IsEndpoint reports whether this hop is the terminal hop of the
// circuit from the perspective of router us — its upstream is us.
func (h *TransitHop) IsEndpoint(us []byte) bool {
	return bytesEqual(h.Info.Upstream, us)
}

// ExpireTime returns when this hop's lifetime elapses.
func (h *TransitHop) ExpireTime() time.Time { return h.Started.Add(h.Lifetime) }

// Expired reports whether now is past ExpireTime.
func (h *TransitHop) Expired(now time.Time) bool { return now.After(h.ExpireTime()) }

// MarkActive records inbound traffic, used by ExpirePaths-adjacent
// liveness checks.
func (h *TransitHop) MarkActive(now time.Time) {
	h.mu.Lock()
	h.lastActivity = now
	h.mu.Unlock()
}

// LastActivity returns the last time traffic was observed on this hop.
func (h *TransitHop) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// HandleUpstream strips this hop's layer from traffic flowing toward
// the network and returns the result to forward on to Info.Upstream.
func (h *TransitHop) HandleUpstream(payload []byte, y Nonce) ([]byte, Nonce, error) {
	h.MarkActive(timeNow())
	return PeelUpstream(h.Crypto, y, payload)
}

// HandleDownstream adds this hop's layer to traffic flowing toward the
// path owner and returns the result to forward on to Info.Downstream.
func (h *TransitHop) HandleDownstream(payload []byte, y Nonce) ([]byte, Nonce, error) {
	h.MarkActive(timeNow())
	return AddDownstream(h.Crypto, y, payload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func timeNow() time.Time { return time.Now() }
