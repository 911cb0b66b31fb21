package linksession

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/llarp-go/llarp-go/internal/bencode"
	"github.com/llarp-go/llarp-go/pkg/identity"
	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

// RCLookup resolves a RouterID to its RC, used during handshake
// authentication to find the AddressInfo matching the transport key a
// RawLink authenticated with.
type RCLookup func(routerID []byte) (*rc.RouterContact, bool)

// LinkManager is the Link Session Manager (C2). It owns one outbound
// link (this node's active connector) and zero or more inbound links
// (listeners on configured interfaces).
type LinkManager struct {
	mu  sync.RWMutex
	log *logging.Logger

	self         *identity.Identity
	transportKey []byte // this router's per-address static transport key

	dialer    Dialer
	listeners []Listener

	// sessions is a RouterID-hex -> session multimap, to tolerate
	// transient duplicates during renegotiation.
	sessions map[string][]*Session

	lookupRC      RCLookup
	onEstablished func(*rc.RouterContact)
	onClosed      func(routerID []byte)
	onMessage     func(routerID []byte, buf []byte)

	stopping bool
}

// New constructs a LinkManager. dialer may be nil if this node never
// originates outbound links (not expected in practice, but kept
// optional for test doubles).
func New(self *identity.Identity, transportKey []byte, dialer Dialer, lookupRC RCLookup, log *logging.Logger) *LinkManager {
	return &LinkManager{
		log:          log,
		self:         self,
		transportKey: transportKey,
		dialer:       dialer,
		sessions:     make(map[string][]*Session),
		lookupRC:     lookupRC,
	}
}

// EnsureKeys loads or generates this router's per-address transport
// keypair, returning the public key to advertise in AddressInfo
// entries. This is distinct from the long-term identity.Identity: the
// transport key authenticates the RawLink endpoint, not the RouterID.
func EnsureKeys(path string) (pub []byte, priv []byte, err error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		priv = data
		pub, err = curve25519.X25519(priv, curve25519.Basepoint)
		return pub, priv, err
	}
	priv = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	if werr := os.WriteFile(path, priv, 0o600); werr != nil {
		return nil, nil, werr
	}
	return pub, priv, nil
}

// SetCallbacks wires the orchestrator notifications: SessionEstablished
// and SessionClosed.
func (lm *LinkManager) SetCallbacks(onEstablished func(*rc.RouterContact), onClosed func(routerID []byte)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.onEstablished = onEstablished
	lm.onClosed = onClosed
}

// SetMessageHandler wires the per-session payload callback: every
// buffer received on an Authed session (anything past the hello
// handshake) is handed to fn along with the sender's RouterID, per
// spec.md §4.5.5's HandleRecvLinkMessageBuffer entry point.
func (lm *LinkManager) SetMessageHandler(fn func(routerID []byte, buf []byte)) {
	lm.mu.Lock()
	lm.onMessage = fn
	lm.mu.Unlock()
}

// AddInboundLink registers an already-bound Listener and starts
// accepting sessions on it.
func (lm *LinkManager) AddInboundLink(l Listener) {
	lm.mu.Lock()
	lm.listeners = append(lm.listeners, l)
	lm.mu.Unlock()
	go lm.acceptLoop(l)
}

// IsServiceNode reports whether this router has any inbound link —
// spec.md §4.2's service-node predicate.
func (lm *LinkManager) IsServiceNode() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.listeners) > 0
}

func (lm *LinkManager) acceptLoop(l Listener) {
	for {
		link, err := l.Accept()
		if err != nil {
			return
		}
		sess := newSession(link, true)
		go lm.serve(sess)
	}
}

// TryEstablishTo dials rc's first usable address and performs the
// handshake. Returns immediately with an error if dialing fails; the
// handshake itself completes asynchronously and fires onEstablished.
func (lm *LinkManager) TryEstablishTo(contact *rc.RouterContact) error {
	if lm.dialer == nil {
		return errors.New("linksession: no outbound dialer configured")
	}
	if len(contact.Addrs) == 0 {
		return errors.New("linksession: RC has no addresses")
	}
	addr := contact.Addrs[0]
	link, err := lm.dialer.Dial(addrString(addr), lm.transportKey)
	if err != nil {
		return err
	}
	sess := newSession(link, false)
	go lm.serve(sess)
	return lm.sendHello(sess)
}

func addrString(a rc.AddressInfo) string {
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}

type helloMsg struct {
	routerID  []byte
	nonce     []byte
	signature []byte
}

func (lm *LinkManager) sendHello(sess *Session) error {
	nonce := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sig := lm.self.Sign(nonce)
	d := bencode.NewDict().
		PutString("a", "hello").
		PutBytes("r", lm.self.RouterID()).
		PutBytes("n", nonce).
		PutBytes("s", sig)
	return sess.send(d.Encode())
}

func decodeHello(buf []byte) (*helloMsg, error) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		return nil, err
	}
	a, _ := d.GetBytes("a")
	if string(a) != "hello" {
		return nil, errors.New("linksession: not a hello message")
	}
	r, ok := d.GetBytes("r")
	if !ok || len(r) != 32 {
		return nil, errors.New("linksession: hello missing router id")
	}
	n, ok := d.GetBytes("n")
	if !ok {
		return nil, errors.New("linksession: hello missing nonce")
	}
	s, ok := d.GetBytes("s")
	if !ok {
		return nil, errors.New("linksession: hello missing signature")
	}
	return &helloMsg{routerID: r, nonce: n, signature: s}, nil
}

// serve drives one session's lifecycle: wait for a hello, authenticate
// it, register the session, then pump Recv until the link closes.
func (lm *LinkManager) serve(sess *Session) {
	buf, err := sess.link.Recv()
	if err != nil {
		sess.close()
		return
	}
	hello, err := decodeHello(buf)
	if err != nil {
		if lm.log != nil {
			lm.log.Warnf("linksession: bad hello", "err", err)
		}
		sess.close()
		return
	}

	// Per spec.md §9 Open Question (b): verify the signature before
	// trusting anything else about the claimed identity.
	if !identity.Verify(hello.routerID, hello.nonce, hello.signature) {
		if lm.log != nil {
			lm.log.Warnf("linksession: hello signature failed", "router_id", hex.EncodeToString(hello.routerID))
		}
		sess.close()
		return
	}

	contact, ok := lm.lookupRC(hello.routerID)
	if !ok {
		if lm.log != nil {
			lm.log.Warnf("linksession: hello from unknown router", "router_id", hex.EncodeToString(hello.routerID))
		}
		sess.close()
		return
	}
	if _, found := contact.AddressFor(sess.link.RemoteTransportKey()); !found {
		if lm.log != nil {
			lm.log.Warnf("linksession: transport key does not match RC address", "router_id", hex.EncodeToString(hello.routerID))
		}
		sess.close()
		return
	}

	if sess.inbound {
		if err := lm.sendHello(sess); err != nil {
			sess.close()
			return
		}
	}

	sess.markAuthed(hello.routerID)
	lm.register(sess)
	if lm.onEstablished != nil {
		lm.onEstablished(contact)
	}

	for {
		buf, err := sess.link.Recv()
		if err != nil {
			lm.unregister(sess)
			return
		}
		sess.touch()

		lm.mu.RLock()
		handler := lm.onMessage
		lm.mu.RUnlock()
		if handler != nil {
			handler(sess.RouterID(), buf)
		}
	}
}

func (lm *LinkManager) register(sess *Session) {
	key := hex.EncodeToString(sess.RouterID())
	lm.mu.Lock()
	lm.sessions[key] = append(lm.sessions[key], sess)
	lm.mu.Unlock()
}

func (lm *LinkManager) unregister(sess *Session) {
	id := sess.RouterID()
	key := hex.EncodeToString(id)
	lm.mu.Lock()
	list := lm.sessions[key]
	for i, s := range list {
		if s == sess {
			lm.sessions[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(lm.sessions[key]) == 0 {
		delete(lm.sessions, key)
	}
	lm.mu.Unlock()
	if lm.onClosed != nil && len(id) > 0 {
		lm.onClosed(id)
	}
}

// HasSessionTo reports whether an Authed session exists to pubkey.
func (lm *LinkManager) HasSessionTo(pubkey []byte) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, s := range lm.sessions[hex.EncodeToString(pubkey)] {
		if s.State() == Authed {
			return true
		}
	}
	return false
}

// CloseSessionTo closes all sessions to pubkey.
func (lm *LinkManager) CloseSessionTo(pubkey []byte) {
	lm.mu.RLock()
	list := append([]*Session(nil), lm.sessions[hex.EncodeToString(pubkey)]...)
	lm.mu.RUnlock()
	for _, s := range list {
		s.close()
		lm.unregister(s)
	}
}

// authedSessionTo picks the Authed session to pubkey to use, preferring
// an inbound link over an outbound one per spec.md §4.5.4's "1. If any
// inbound link has a session to the peer, send on it. 2. Else if the
// outbound link has a session, send on it." When pathBound is true, a
// missing inbound session does not fall back to an outbound one, per
// spec.md §9 Open Question (c). Caller must hold lm.mu for reading.
func (lm *LinkManager) authedSessionTo(pubkey []byte, pathBound bool) *Session {
	var inbound, outbound *Session
	for _, s := range lm.sessions[hex.EncodeToString(pubkey)] {
		if s.State() != Authed {
			continue
		}
		if s.Inbound() {
			if inbound == nil {
				inbound = s
			}
		} else if outbound == nil {
			outbound = s
		}
	}
	if inbound != nil {
		return inbound
	}
	if pathBound {
		return nil
	}
	return outbound
}

// KeepAliveSessionTo sends a no-op keepalive frame on an existing
// session to pubkey, if one exists.
func (lm *LinkManager) KeepAliveSessionTo(pubkey []byte) bool {
	lm.mu.RLock()
	target := lm.authedSessionTo(pubkey, false)
	lm.mu.RUnlock()
	if target == nil {
		return false
	}
	ping := bencode.NewDict().PutString("a", "ping").Encode()
	return target.send(ping) == nil
}

// SendTo sends buf on an existing Authed session to pubkey, preferring
// an inbound link over an outbound one and, when pathBound is true,
// refusing to fall back from one kind to the other, per spec.md
// §4.5.4 and §9 Open Question (c). Returns false if no eligible session
// exists, or the transport refused the send.
func (lm *LinkManager) SendTo(pubkey []byte, buf []byte, pathBound bool) bool {
	lm.mu.RLock()
	target := lm.authedSessionTo(pubkey, pathBound)
	lm.mu.RUnlock()
	if target == nil {
		return false
	}
	return target.send(buf) == nil
}

// ForEachSession calls fn for every session across all links.
func (lm *LinkManager) ForEachSession(fn func(*Session)) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, list := range lm.sessions {
		for _, s := range list {
			fn(s)
		}
	}
}

// Stop closes every link and every session, and stops accepting new
// inbound connections. Incoming sessions during stopping are dropped
// (spec.md §5 "Graceful shutdown").
func (lm *LinkManager) Stop() {
	lm.mu.Lock()
	lm.stopping = true
	listeners := append([]Listener(nil), lm.listeners...)
	lm.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	lm.ForEachSession(func(s *Session) { s.close() })
}
