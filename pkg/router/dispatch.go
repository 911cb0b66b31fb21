package router

import (
	"crypto/rand"
	"time"

	"github.com/llarp-go/llarp-go/internal/bencode"
	"github.com/llarp-go/llarp-go/pkg/dht"
	"github.com/llarp-go/llarp-go/pkg/path"
)

func randRead(b []byte) (int, error) { return rand.Read(b) }

// Link-layer envelope tags, per spec.md §6: every message a session
// carries past the hello handshake is one bencoded dict with a
// single-letter "T" tag naming which of the four link-layer message
// kinds follows.
const (
	envelopeDHT      = "D"
	envelopeLRCM     = "L"
	envelopeUpstream = "U"
	envelopeDownstream = "B"
)

func encodeDHTEnvelope(msg []byte) []byte {
	return bencode.NewDict().
		PutString("T", envelopeDHT).
		PutBytes("M", msg).
		Encode()
}

func encodeLRCMEnvelope(frames []path.Frame, ephemeralKeys [][]byte) []byte {
	fl := make([]interface{}, 0, len(frames))
	for _, f := range frames {
		fl = append(fl, append([]byte(nil), f...))
	}
	kl := make([]interface{}, 0, len(ephemeralKeys))
	for _, k := range ephemeralKeys {
		kl = append(kl, append([]byte(nil), k...))
	}
	return bencode.NewDict().
		PutString("T", envelopeLRCM).
		PutList("F", fl).
		PutList("E", kl).
		Encode()
}

func encodeRelayMessage(tag string, pathID path.ID, y path.Nonce, ciphertext []byte) []byte {
	return bencode.NewDict().
		PutString("T", tag).
		PutBytes("P", pathID.Bytes()).
		PutBytes("Y", y[:]).
		PutBytes("X", ciphertext).
		Encode()
}

type relayEnvelope struct {
	PathID path.ID
	Y      path.Nonce
	X      []byte
}

func decodeRelayEnvelope(d *bencode.Dict) (relayEnvelope, error) {
	var re relayEnvelope
	pidRaw, _ := d.GetBytes("P")
	pid, ok := path.IDFromBytes(pidRaw)
	if !ok {
		return re, bencode.ErrBadFormat
	}
	yRaw, _ := d.GetBytes("Y")
	if len(yRaw) != path.NonceSize {
		return re, bencode.ErrBadFormat
	}
	var y path.Nonce
	copy(y[:], yRaw)
	x, ok := d.GetBytes("X")
	if !ok {
		return re, bencode.ErrBadFormat
	}
	re.PathID, re.Y, re.X = pid, y, x
	return re, nil
}

// HandleRecvLinkMessageBuffer is the Router's single entry point for
// every payload delivered on an authenticated link session, per
// spec.md §4.5.5: decode the outer envelope, dispatch to the DHT, path
// build, or relay logic named by its tag, and swallow everything
// silently while stopping.
func (r *Router) HandleRecvLinkMessageBuffer(from []byte, buf []byte) {
	if r.isStopping() {
		return
	}
	r.logic.QueueJob(func() { r.handleRecvLinkMessageBuffer(from, buf) })
}

func (r *Router) handleRecvLinkMessageBuffer(from []byte, buf []byte) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("router: unparseable link message", "from", hexID(from), "err", err)
		}
		return
	}
	tag, ok := d.GetBytes("T")
	if !ok {
		return
	}
	switch string(tag) {
	case envelopeDHT:
		r.handleDHTEnvelope(from, d)
	case envelopeLRCM:
		r.handleLRCMEnvelope(from, d)
	case envelopeUpstream:
		r.handleRelayUpstream(from, d)
	case envelopeDownstream:
		r.handleRelayDownstream(from, d)
	default:
		if r.log != nil {
			r.log.Warnf("router: unknown link envelope tag", "tag", string(tag))
		}
	}
}

func (r *Router) handleDHTEnvelope(from []byte, d *bencode.Dict) {
	raw, ok := d.GetBytes("M")
	if !ok {
		return
	}
	msg, err := dht.DecodeMessage(raw)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("router: bad dht message", "from", hexID(from), "err", err)
		}
		return
	}
	switch m := msg.(type) {
	case *dht.FindRouterMessage:
		reply, err := r.dht.HandleFindRouter(from, m)
		if err != nil {
			if r.log != nil {
				r.log.Debugf("router: find-router not answered", "err", err)
			}
			return
		}
		if reply == nil {
			// Forwarded on (spec.md §4.3 step 3 / S6): the eventual
			// reply is delivered to "from" asynchronously by
			// HandleFindRouter itself, not here.
			return
		}
		_ = r.sendDHTMessage(from, reply.Encode())
	case *dht.GotRouterMessage:
		r.dht.HandleGotRouter(m)
		for _, contact := range m.Results {
			r.AsyncVerifyRC(contact)
		}
	}
}

// handleLRCMEnvelope implements the relay-side half of spec.md §4.4.1:
// peel the frame addressed to us, insert a TransitHop under it, and
// either answer with PathConfirm (terminal hop) or forward the rotated
// LRCM to the next hop.
func (r *Router) handleLRCMEnvelope(from []byte, d *bencode.Dict) {
	if !r.paths.AllowTransit() {
		if r.log != nil {
			r.log.Warnf("router: rejecting lrcm, transit disabled")
		}
		return
	}
	framesRaw, ok := d.GetList("F")
	if !ok || len(framesRaw) == 0 {
		return
	}
	keysRaw, ok := d.GetList("E")
	if !ok || len(keysRaw) != len(framesRaw) {
		return
	}
	frames := make([]path.Frame, 0, len(framesRaw))
	for _, item := range framesRaw {
		b, ok := item.([]byte)
		if !ok {
			return
		}
		frames = append(frames, path.Frame(b))
	}
	keys := make([][]byte, 0, len(keysRaw))
	for _, item := range keysRaw {
		b, ok := item.([]byte)
		if !ok {
			return
		}
		keys = append(keys, b)
	}

	info, crypto, lifetime, err := path.OpenFrame(frames[0], r.self, keys[0], from)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("router: failed to open lrcm frame", "err", err)
		}
		return
	}
	if r.paths.HasTransitHop(info.TxID) {
		if r.log != nil {
			r.log.Warnf("router: duplicate lrcm build, dropping", "txid", info.TxID.String())
		}
		return
	}

	now := time.Now()
	hop := path.NewTransitHop(info, crypto, lifetime, now)
	r.paths.PutTransitHop(hop)

	if hop.IsEndpoint(r.self.RouterID()) {
		r.sendPathConfirm(hop, now)
		return
	}

	restFrames := append([]path.Frame(nil), frames[1:]...)
	restKeys := append([][]byte(nil), keys[1:]...)
	pad, padKey, err := randomFrame(len(frames[0]))
	if err == nil {
		restFrames = append(restFrames, pad)
		restKeys = append(restKeys, padKey)
	}
	if !r.SendToOrQueue(info.Upstream, encodeLRCMEnvelope(restFrames, restKeys), false) {
		if r.log != nil {
			r.log.Warnf("router: failed to forward lrcm", "next_hop", hexID(info.Upstream))
		}
	}
}

func randomFrame(size int) (path.Frame, []byte, error) {
	f := make([]byte, size)
	if _, err := randRead(f); err != nil {
		return nil, nil, err
	}
	k := make([]byte, 32)
	if _, err := randRead(k); err != nil {
		return nil, nil, err
	}
	return path.Frame(f), k, nil
}

// sendPathConfirm answers a freshly-built terminal TransitHop with a
// PathConfirmMessage, encrypted with this hop's own downstream layer
// and routed back to its Downstream neighbor, per spec.md §4.4.1's
// "The terminal hop replies with a PathConfirm routed backwards using
// the accumulated rxIDs."
func (r *Router) sendPathConfirm(hop *path.TransitHop, now time.Time) {
	msg := &path.PathConfirmMessage{
		From:         hop.Info.RxID,
		PathLifetime: hop.Lifetime.Milliseconds(),
		PathCreated:  now.UnixMilli(),
	}
	payload := path.Pad(msg.Encode())
	y, err := path.RandomNonce()
	if err != nil {
		return
	}
	ciphertext, _, err := hop.HandleDownstream(payload, y)
	if err != nil {
		return
	}
	buf := encodeRelayMessage(envelopeDownstream, hop.Info.RxID, y, ciphertext)
	r.SendToOrQueue(hop.Info.Downstream, buf, true)
}

// handleRelayUpstream processes an incoming upstream-direction relay
// frame: strip this hop's layer and either forward it on toward the
// exit side, or — if this hop is the circuit's terminal hop — decode
// and dispatch the plaintext routing-layer message locally, per
// spec.md §4.4.3/§4.4.4.
func (r *Router) handleRelayUpstream(from []byte, d *bencode.Dict) {
	env, err := decodeRelayEnvelope(d)
	if err != nil {
		return
	}
	hop := r.paths.GetByDownstream(from, env.PathID)
	if hop == nil {
		return
	}
	payload, newY, err := hop.HandleUpstream(env.X, env.Y)
	if err != nil {
		if r.log != nil {
			r.log.Warnf("router: failed to peel upstream layer", "err", err)
		}
		return
	}
	if hop.IsEndpoint(r.self.RouterID()) {
		rm, err := path.DecodeRoutingMessage(payload)
		if err != nil {
			if r.log != nil {
				r.log.Warnf("router: unparseable routing message at transit endpoint", "err", err)
			}
			return
		}
		r.dispatchTransitRoutingMessage(hop, rm)
		return
	}
	buf := encodeRelayMessage(envelopeUpstream, hop.Info.TxID, newY, payload)
	r.SendToOrQueue(hop.Info.Upstream, buf, true)
}

// handleRelayDownstream processes an incoming downstream-direction
// relay frame: if it names one of our own paths, decrypt it fully and
// dispatch the routing-layer message to the owner; otherwise add this
// hop's layer and forward it on toward the path owner.
func (r *Router) handleRelayDownstream(from []byte, d *bencode.Dict) {
	env, err := decodeRelayEnvelope(d)
	if err != nil {
		return
	}
	p, hop := r.paths.GetByUpstream(from, env.PathID)
	switch {
	case p != nil:
		payload, _, err := p.DecryptDownstream(env.Y, env.X)
		if err != nil {
			if r.log != nil {
				r.log.Warnf("router: failed to decrypt downstream payload", "err", err)
			}
			return
		}
		rm, err := path.DecodeRoutingMessage(payload)
		if err != nil {
			if r.log != nil {
				r.log.Warnf("router: unparseable routing message on own path", "err", err)
			}
			return
		}
		p.MarkActive(time.Now())
		r.dispatchOwnPathRoutingMessage(p, rm)
	case hop != nil:
		payload, newY, err := hop.HandleDownstream(env.X, env.Y)
		if err != nil {
			if r.log != nil {
				r.log.Warnf("router: failed to add downstream layer", "err", err)
			}
			return
		}
		buf := encodeRelayMessage(envelopeDownstream, hop.Info.RxID, newY, payload)
		r.SendToOrQueue(hop.Info.Downstream, buf, true)
	}
}

// dispatchOwnPathRoutingMessage handles a routing-layer message
// decrypted off a path this router owns, per spec.md §4.4.4's table.
func (r *Router) dispatchOwnPathRoutingMessage(p *path.Path, rm path.RoutingMessage) {
	switch m := rm.(type) {
	case *path.PathConfirmMessage:
		if err := p.HandlePathConfirm(m, time.Now()); err == nil {
			r.sendLatencyProbe(p)
		}
	case *path.PathLatencyMessage:
		p.HandlePathLatency(m, time.Now())
	case *path.DataDiscardMessage:
		p.HandleDataDiscard(m)
	case *path.GrantExitMessage:
		p.HandleGrantExit(m)
	case *path.RejectExitMessage:
		p.HandleRejectExit(m)
	case *path.DHTRoutingMessage:
		if msg, err := dht.DecodeMessage(m.Payload); err == nil {
			if got, ok := msg.(*dht.GotRouterMessage); ok {
				r.dht.HandleGotRouter(got)
			}
		}
	default:
		if r.log != nil {
			r.log.Debugf("router: unhandled own-path routing message", "kind", rm.Kind())
		}
	}
}

// dispatchTransitRoutingMessage handles a routing-layer message that
// terminated at a TransitHop we relay — this router is the circuit's
// exit/service side for that hop, per spec.md §4.4.4's exit-protocol
// and DHT rows.
func (r *Router) dispatchTransitRoutingMessage(hop *path.TransitHop, rm path.RoutingMessage) {
	switch m := rm.(type) {
	case *path.ObtainExitMessage:
		if !m.Verify() {
			r.replyOnTransit(hop, &path.RejectExitMessage{From: hop.Info.RxID, TxID: m.TxID, Reason: "bad signature"})
			return
		}
		r.replyOnTransit(hop, &path.GrantExitMessage{From: hop.Info.RxID, TxID: m.TxID})
	case *path.CloseExitMessage:
		// role revocation is tracked by the exit context; nothing further
		// to do at the path layer.
	case *path.DHTRoutingMessage:
		msg, err := dht.DecodeMessage(m.Payload)
		if err != nil {
			return
		}
		if find, ok := msg.(*dht.FindRouterMessage); ok {
			relayed := &dht.RelayedFindRouterMessage{FindRouterMessage: *find, PathID: hop.Info.RxID.Bytes()}
			ourRC := r.OurRC()
			hasPath := func(pid []byte) bool { return r.paths.GetPathForTransfer(hop.Info.RxID) != nil }
			reply, err := r.dht.HandleRelayedFindRouter(relayed, ourRC, hasPath)
			if err == nil && reply != nil {
				r.replyOnTransit(hop, &path.DHTRoutingMessage{From: hop.Info.RxID, Payload: reply.Encode()})
			}
		}
	case *path.TransferTrafficMessage:
		if r.log != nil {
			r.log.Debugf("router: transfer traffic at exit hop", "counter", m.Counter, "bytes", len(m.Data))
		}
		if r.isExit {
			r.exitTraffic(hop.Info.RxID, m.Counter, m.Data)
		}
	case *path.HiddenServiceFrame:
		if r.log != nil {
			r.log.Debugf("router: hidden service frame at exit hop", "bytes", len(m.Data))
		}
		r.serviceEndpoint(hop.Info.RxID, m.Data)
	default:
		if r.log != nil {
			r.log.Debugf("router: unhandled transit routing message", "kind", rm.Kind())
		}
	}
}

// replyOnTransit sends a routing-layer reply back down a TransitHop
// toward its owner, applying this hop's own downstream crypto layer.
func (r *Router) replyOnTransit(hop *path.TransitHop, rm path.RoutingMessage) {
	payload := path.Pad(rm.Encode())
	y, err := path.RandomNonce()
	if err != nil {
		return
	}
	ciphertext, _, err := hop.HandleDownstream(payload, y)
	if err != nil {
		return
	}
	buf := encodeRelayMessage(envelopeDownstream, hop.Info.RxID, y, ciphertext)
	r.SendToOrQueue(hop.Info.Downstream, buf, true)
}

// sendLatencyProbe sends the freshly-established path's PathLatency
// probe, per spec.md §4.4.2's "a PathLatency probe is sent".
func (r *Router) sendLatencyProbe(p *path.Path) {
	txid := newLatencyTxID()
	msg := p.BeginLatencyProbe(txid, time.Now())
	payload := path.Pad(msg.Encode())
	y, err := path.RandomNonce()
	if err != nil {
		return
	}
	ciphertext, _, err := p.EncryptUpstream(y, payload)
	if err != nil {
		return
	}
	buf := encodeRelayMessage(envelopeUpstream, p.TXID(), y, ciphertext)
	r.SendToOrQueue(p.Upstream(), buf, true)
}

func newLatencyTxID() uint64 {
	var b [8]byte
	_, _ = randRead(b[:])
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func hexID(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
