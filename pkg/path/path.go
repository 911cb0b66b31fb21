package path

import (
	"errors"
	"sync"
	"time"
)

// Status is a Path's position in the Building→Established→(Timeout|Expired)
// state machine, per spec.md §4.4.2.
type Status int

const (
	Building Status = iota
	Established
	Timeout
	Expired
)

func (s Status) String() string {
	switch s {
	case Building:
		return "building"
	case Established:
		return "established"
	case Timeout:
		return "timeout"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Role is a bitmask of what a path may be used for.
type Role int

const (
	RoleTransitTraffic Role = 1 << iota
	RoleExit
	RoleServiceEndpoint
	RoleDHT
)

const (
	// BuildTimeout bounds how long a path may sit in Building before it
	// is surrendered as failed, per spec.md §4.4.2.
	BuildTimeout = 30 * time.Second
	// AliveTimeout bounds how long an Established path may go without
	// inbound traffic before it's considered dead.
	AliveTimeout = 60 * time.Second
	// FirstMessageGrace is how long a freshly-Established path is given
	// to receive its first message before the dead check applies.
	FirstMessageGrace = 10 * time.Second
)

// Intro is the rendezvous data a built path publishes once Established:
// which endpoint owns it, under what PathID, how fast it is, and when
// it expires.
type Intro struct {
	Endpoint  []byte
	PathID    ID
	Latency   time.Duration
	ExpiresAt time.Time
}

// BuildResultFunc is invoked once a Path transitions into Established.
type BuildResultFunc func(*Path)

// CheckForDeadFunc lets a PathSet override the default dead-path
// liveness check.
type CheckForDeadFunc func(*Path, time.Time) bool

// DropHandlerFunc handles a DataDiscardMessage: (path, pathID, seq).
type DropHandlerFunc func(*Path, ID, uint64) bool

// ObtainExitResultFunc reports the outcome of this path's outstanding
// ObtainExitMessage: granted true on GrantExit, false with reason set
// on RejectExit. Grounded on original_source/llarp/exit/session.cpp's
// BaseSession::HandleGotExit, the callback AddObtainExitHandler wires
// for the same purpose.
type ObtainExitResultFunc func(p *Path, granted bool, reason string)

// Path is a locally-owned outbound circuit: an ordered sequence of hop
// configs plus the bookkeeping spec.md §4.4.2's state machine needs.
// Grounded on original_source/llarp/path.hpp's Path, restructured as a
// plain mutex-guarded struct rather than a virtual-interface hierarchy,
// matching the teacher's pkg/link/link.go idiom for per-object state.
type Path struct {
	mu sync.Mutex

	Hops []HopConfig
	role Role

	buildStarted time.Time
	status       Status
	intro        Intro

	lastRecvMessage time.Time
	establishedAt   time.Time

	onBuilt       BuildResultFunc
	checkForDead  CheckForDeadFunc
	onDrop        DropHandlerFunc
	onObtainExit  ObtainExitResultFunc

	latencyTxID   uint64
	latencySentAt time.Time

	obtainExitTxID    uint64
	awaitingExitGrant bool
}

// NewPath constructs a path under construction for the given hop
// sequence, starting in Building. The introduction's Endpoint and
// PathID are fixed at construction time, per
// original_source/llarp/path.cpp's Path constructor.
func NewPath(hops []HopConfig, role Role, now time.Time) *Path {
	p := &Path{
		Hops:         hops,
		role:         role,
		buildStarted: now,
		status:       Building,
	}
	p.intro = Intro{
		Endpoint: p.Endpoint(),
		PathID:   hops[len(hops)-1].TxID,
	}
	return p
}

// SetBuildResultHook registers the callback fired on Building→Established.
func (p *Path) SetBuildResultHook(fn BuildResultFunc) {
	p.mu.Lock()
	p.onBuilt = fn
	p.mu.Unlock()
}

// SetDeadChecker overrides the default Established liveness predicate.
func (p *Path) SetDeadChecker(fn CheckForDeadFunc) {
	p.mu.Lock()
	p.checkForDead = fn
	p.mu.Unlock()
}

// SetDropHandler registers the DataDiscardMessage callback.
func (p *Path) SetDropHandler(fn DropHandlerFunc) {
	p.mu.Lock()
	p.onDrop = fn
	p.mu.Unlock()
}

// SetObtainExitHandler registers the callback fired once this path's
// outstanding ObtainExitMessage is settled by a GrantExit or
// RejectExit, mirroring AddObtainExitHandler in
// original_source/llarp/exit/session.cpp.
func (p *Path) SetObtainExitHandler(fn ObtainExitResultFunc) {
	p.mu.Lock()
	p.onObtainExit = fn
	p.mu.Unlock()
}

// BeginObtainExit records txid as this path's outstanding exit-obtain
// request, awaiting a matching GrantExit or RejectExit.
func (p *Path) BeginObtainExit(txid uint64) {
	p.mu.Lock()
	p.obtainExitTxID = txid
	p.awaitingExitGrant = true
	p.mu.Unlock()
}

// HandleGrantExit unlocks the Exit role on a successful TX match and
// fires the obtain-exit hook, per spec.md §4.4.4's GrantExit row.
func (p *Path) HandleGrantExit(msg *GrantExitMessage) {
	p.mu.Lock()
	matched := p.awaitingExitGrant && msg.TxID == p.obtainExitTxID
	if matched {
		p.awaitingExitGrant = false
		p.role |= RoleExit
	}
	fn := p.onObtainExit
	p.mu.Unlock()

	if matched && fn != nil {
		fn(p, true, "")
	}
}

// HandleRejectExit propagates a failed exit obtain to the outstanding
// obtain hook on a TX match, per spec.md §4.4.4's RejectExit row.
func (p *Path) HandleRejectExit(msg *RejectExitMessage) {
	p.mu.Lock()
	matched := p.awaitingExitGrant && msg.TxID == p.obtainExitTxID
	if matched {
		p.awaitingExitGrant = false
	}
	fn := p.onObtainExit
	p.mu.Unlock()

	if matched && fn != nil {
		fn(p, false, msg.Reason)
	}
}

// Status returns the path's current state.
func (p *Path) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SupportsAnyRole reports whether any of roles is supported.
func (p *Path) SupportsAnyRole(roles Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role&roles != 0
}

// TXID returns the outbound (hop 0) TXID used to address this path
// when sending toward the network.
func (p *Path) TXID() ID { return p.Hops[0].TxID }

// RXID returns the inbound RXID traffic for this path arrives under.
func (p *Path) RXID() ID { return p.Hops[0].RxID }

// Endpoint returns the terminal hop's RouterID.
func (p *Path) Endpoint() []byte { return p.Hops[len(p.Hops)-1].RouterIdentity }

// Upstream returns hop 0's RouterID — where outbound traffic for this
// path is sent.
func (p *Path) Upstream() []byte { return p.Hops[0].RouterIdentity }

// ExpireTime returns buildStarted + hop0's lifetime, per
// spec.md §4.4.2.
func (p *Path) ExpireTime() time.Time {
	return p.buildStarted.Add(p.Hops[0].Lifetime)
}

// MarkActive records inbound traffic on this path.
func (p *Path) MarkActive(now time.Time) {
	p.mu.Lock()
	if now.After(p.lastRecvMessage) {
		p.lastRecvMessage = now
	}
	p.mu.Unlock()
}

// HandlePathConfirm transitions Building→Established, records the
// intro, and invokes the build hook, per spec.md §4.4.2.
func (p *Path) HandlePathConfirm(msg *PathConfirmMessage, now time.Time) error {
	p.mu.Lock()
	if p.status != Building {
		p.mu.Unlock()
		return errors.New("path: PathConfirm received outside Building state")
	}
	p.status = Established
	p.establishedAt = now
	p.intro.ExpiresAt = p.ExpireTime()
	hook := p.onBuilt
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

// HandlePathLatency records a latency-probe reply's RTT. If this is
// the first successful probe, it also counts as the path's liveness
// proof within FirstMessageGrace.
func (p *Path) HandlePathLatency(msg *PathLatencyMessage, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.TxID != p.latencyTxID {
		return
	}
	p.intro.Latency = now.Sub(p.latencySentAt)
	p.lastRecvMessage = now
}

// BeginLatencyProbe returns the PathLatencyMessage to send and records
// the probe's send time so the reply's RTT can be computed.
func (p *Path) BeginLatencyProbe(txid uint64, now time.Time) *PathLatencyMessage {
	p.mu.Lock()
	p.latencyTxID = txid
	p.latencySentAt = now
	p.mu.Unlock()
	return &PathLatencyMessage{From: p.RXID(), TxID: txid}
}

// HandleDataDiscard invokes the registered drop handler, per
// spec.md §4.4.4.
func (p *Path) HandleDataDiscard(msg *DataDiscardMessage) bool {
	p.mu.Lock()
	fn := p.onDrop
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(p, msg.PathID, msg.Seq)
}

// Tick advances the state machine per spec.md §4.4.2: Building→Timeout
// after BuildTimeout; Established→Timeout after AliveTimeout with no
// traffic (or FirstMessageGrace if nothing was ever received);
// Established→Expired at ExpireTime.
func (p *Path) Tick(now time.Time) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.status {
	case Building:
		if now.Sub(p.buildStarted) >= BuildTimeout {
			p.status = Timeout
		}
	case Established:
		if !now.Before(p.ExpireTime()) {
			p.status = Expired
			break
		}
		dead := p.isDeadLocked(now)
		if dead {
			p.status = Timeout
		}
	}
	return p.status
}

// isDeadLocked ORs a custom liveness predicate with the unconditional
// "no message since Established" check — it never lets checkForDead
// short-circuit the grace-period check, per spec.md §4.4.2's "Also
// triggers if no message was received at all within 10s of entering
// Established" and original_source/llarp/path.cpp's independent
// dlt>=10000 branch.
func (p *Path) isDeadLocked(now time.Time) bool {
	if p.checkForDead != nil && p.checkForDead(p, now) {
		return true
	}
	if p.lastRecvMessage.IsZero() {
		return now.Sub(p.establishedAt) >= FirstMessageGrace
	}
	return now.Sub(p.lastRecvMessage) >= AliveTimeout
}

// EncryptUpstream layers this path's hop crypto over payload for
// sending toward hop 0, per spec.md §4.4.3.
func (p *Path) EncryptUpstream(y Nonce, payload []byte) ([]byte, Nonce, error) {
	hops := make([]HopCrypto, len(p.Hops))
	for i, h := range p.Hops {
		hops[i] = h.Crypto
	}
	return EncryptUpstream(hops, y, payload)
}

// DecryptDownstream reverses a layered send arriving on this path, per
// spec.md §4.4.3.
func (p *Path) DecryptDownstream(y Nonce, payload []byte) ([]byte, Nonce, error) {
	hops := make([]HopCrypto, len(p.Hops))
	for i, h := range p.Hops {
		hops[i] = h.Crypto
	}
	return DecryptDownstream(hops, y, payload)
}
