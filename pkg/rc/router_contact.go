// Package rc implements the RouterContact (RC): the signed, expiring
// descriptor of a peer described in spec.md §3. Encoding follows
// original_source/llarp/router_contact.cpp's bencode key letters so the
// canonical byte form — the thing the signature actually covers — is
// unambiguous.
package rc

import (
	"bytes"
	"errors"
	"time"

	"github.com/llarp-go/llarp-go/internal/bencode"
	"github.com/llarp-go/llarp-go/pkg/identity"
)

const (
	// Lifetime is how long an RC remains valid after LastUpdated.
	Lifetime = 24 * time.Hour

	// NickMaxLen bounds the optional nickname.
	NickMaxLen = 32

	// MaxSize bounds a bencoded RC read from disk or the wire.
	MaxSize = 4096
)

// ExitInfo advertises that this router offers exit egress. Carried
// per SPEC_FULL.md's resolution of spec.md §9 Open Question (a): a
// router only ever appears here when it is configured as both service
// node and exit.
type ExitInfo struct {
	PubKey []byte // exit endpoint key, 32 bytes
}

// RouterContact is the signed peer descriptor of spec.md §3.
type RouterContact struct {
	IdentityKey []byte // 32-byte Ed25519 public signing key (RouterID)
	OnionKey    []byte // 32-byte X25519 public encryption key
	Addrs       []AddressInfo
	Exits       []ExitInfo
	Nickname    string
	NetID       string // network-ID tag, e.g. "llarp"
	Version     int64
	LastUpdated int64 // ms since epoch
	Signature   []byte
}

// New builds an unsigned RC for the given identity; call Sign before use.
func New(id *identity.Identity, addrs []AddressInfo, netID string, nickname string) *RouterContact {
	return &RouterContact{
		IdentityKey: id.RouterID(),
		OnionKey:    id.OnionPublicKey(),
		Addrs:       addrs,
		NetID:       netID,
		Nickname:    truncateNick(nickname),
		Version:     0,
		LastUpdated: nowMillis(),
	}
}

func truncateNick(n string) string {
	if len(n) > NickMaxLen {
		return n[:NickMaxLen]
	}
	return n
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// canonicalBytes returns the bencoded form used both for signing and for
// storage/wire transfer. When forSigning is true the "z" (signature)
// entry is omitted entirely, matching the original's "z zeroed" scheme
// adapted to bencode (there is no fixed-size field to zero, so the
// canonical form simply omits it pre-signature).
func (r *RouterContact) canonicalBytes(forSigning bool) []byte {
	d := bencode.NewDict().
		PutBytes("k", r.IdentityKey).
		PutBytes("p", r.OnionKey).
		PutString("i", r.NetID).
		PutInt("t", r.LastUpdated).
		PutInt("v", r.Version)

	if r.Nickname != "" {
		d.PutString("n", r.Nickname)
	}

	addrList := make([]interface{}, len(r.Addrs))
	for i, a := range r.Addrs {
		addrList[i] = a.encode()
	}
	d.PutList("a", addrList)

	exitList := make([]interface{}, len(r.Exits))
	for i, e := range r.Exits {
		exitList[i] = bencode.NewDict().PutBytes("k", e.PubKey)
	}
	d.PutList("x", exitList)

	if !forSigning {
		d.PutBytes("z", r.Signature)
	}
	return d.Encode()
}

// Sign computes the RC's signature over its canonical encoding and
// stores it.
func (r *RouterContact) Sign(id *identity.Identity) {
	r.Signature = id.Sign(r.canonicalBytes(true))
}

// Verify checks the RC's signature, last_updated bound, and network-ID
// against expectations. now is ms since epoch.
func (r *RouterContact) Verify(expectedNetID string, now int64) error {
	if len(r.IdentityKey) != 32 {
		return errors.New("rc: bad identity key length")
	}
	if len(r.Signature) == 0 {
		return errors.New("rc: missing signature")
	}
	if !identity.Verify(r.IdentityKey, r.canonicalBytes(true), r.Signature) {
		return errors.New("rc: signature verification failed")
	}
	if r.LastUpdated > now {
		return errors.New("rc: last_updated is in the future")
	}
	if r.NetID != expectedNetID {
		return errors.New("rc: network-ID mismatch")
	}
	return nil
}

// IsPublicRouter reports whether this RC carries at least one address.
func (r *RouterContact) IsPublicRouter() bool { return len(r.Addrs) > 0 }

// IsExit reports whether this router advertises exit egress.
func (r *RouterContact) IsExit() bool { return len(r.Exits) > 0 }

// IsExpired reports whether the RC's lifetime has elapsed as of now.
func (r *RouterContact) IsExpired(now time.Time) bool {
	expiry := time.UnixMilli(r.LastUpdated).Add(Lifetime)
	return !now.Before(expiry)
}

// ExpiresSoon reports whether the RC expires within `within` of now,
// jittered by the caller (spec.md §3: "parameterised by a jitter").
func (r *RouterContact) ExpiresSoon(now time.Time, within time.Duration) bool {
	expiry := time.UnixMilli(r.LastUpdated).Add(Lifetime)
	return expiry.Sub(now) <= within
}

// OtherIsNewer reports whether other has a later LastUpdated.
func (r *RouterContact) OtherIsNewer(other *RouterContact) bool {
	return r.LastUpdated < other.LastUpdated
}

// HasNick reports whether a nickname is set.
func (r *RouterContact) HasNick() bool { return r.Nickname != "" }

// AddressFor returns the AddressInfo whose per-address key matches
// transportKey, used by the link session manager to authenticate an
// inbound handshake against the advertising RC.
func (r *RouterContact) AddressFor(transportKey []byte) (AddressInfo, bool) {
	for _, a := range r.Addrs {
		if bytes.Equal(a.PubKey, transportKey) {
			return a, true
		}
	}
	return AddressInfo{}, false
}

// Encode serializes the signed RC for disk/wire storage.
func (r *RouterContact) Encode() []byte { return r.canonicalBytes(false) }

// Decode parses a signed RC from its canonical bencoded form. It does
// not verify the signature; call Verify separately (the async
// verification pipeline in pkg/router does this on a crypto worker).
func Decode(buf []byte) (*RouterContact, error) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		return nil, err
	}
	r := &RouterContact{}

	r.IdentityKey, _ = d.GetBytes("k")
	r.OnionKey, _ = d.GetBytes("p")
	if netID, ok := d.GetBytes("i"); ok {
		r.NetID = string(netID)
	}
	if t, ok := d.GetInt("t"); ok {
		r.LastUpdated = t
	}
	if v, ok := d.GetInt("v"); ok {
		r.Version = v
	}
	if n, ok := d.GetBytes("n"); ok {
		r.Nickname = string(n)
	}
	if sig, ok := d.GetBytes("z"); ok {
		r.Signature = sig
	}

	if addrs, ok := d.GetList("a"); ok {
		for _, av := range addrs {
			a, err := decodeAddressInfo(av)
			if err != nil {
				return nil, err
			}
			r.Addrs = append(r.Addrs, a)
		}
	}
	if exits, ok := d.GetList("x"); ok {
		for _, ev := range exits {
			ed, ok := ev.(*bencode.Dict)
			if !ok {
				return nil, errors.New("rc: exit entry is not a dict")
			}
			k, _ := ed.GetBytes("k")
			r.Exits = append(r.Exits, ExitInfo{PubKey: append([]byte(nil), k...)})
		}
	}

	if len(r.IdentityKey) != 32 || len(r.OnionKey) != 32 {
		return nil, errors.New("rc: malformed key fields")
	}
	return r, nil
}
