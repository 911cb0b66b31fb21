// Package router implements the Router Orchestrator (C5) of spec.md
// §4.5: the top-level tick loop, message dispatch, the asynchronous RC
// verification pipeline, connection attempts with retry, and the
// per-peer outbound queue. It is the glue that owns every other
// component (NodeDB, LinkManager, DHT Context, PathContext) and is
// responsible for their lifetimes. Grounded throughout on
// original_source/llarp/router.cpp's Router::Tick/try_connect/SendTo,
// restructured per spec.md §9's design notes: no global logger, no
// raw-pointer cycles, tagged completion values instead of virtual
// callback hierarchies.
package router

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/llarp-go/llarp-go/internal/worker"
	"github.com/llarp-go/llarp-go/pkg/dht"
	"github.com/llarp-go/llarp-go/pkg/identity"
	"github.com/llarp-go/llarp-go/pkg/linksession"
	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/nodedb"
	"github.com/llarp-go/llarp-go/pkg/path"
	"github.com/llarp-go/llarp-go/pkg/profiler"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

var errInsertFailed = errors.New("router: nodedb insert failed")

const (
	// TickInterval is how often the logic executor runs Tick, per
	// spec.md §4.5.1.
	TickInterval = 1000 * time.Millisecond
	// RCExpiryJitter bounds the random jitter added to "expires soon"
	// checks, per spec.md §4.5.1 step 1 and router.cpp's
	// "llarp::randint() % 10000".
	RCExpiryJitter = 10 * time.Second
	// DefaultMinRequiredRouters is how many NodeDB entries we want
	// before trusting our own view of the network, per spec.md §4.5.1
	// step 5.
	DefaultMinRequiredRouters = 6
	// DefaultMinConnectedRouters is the floor for live sessions before
	// ConnectToRandomRouters is triggered, per spec.md §4.5.1 step 7.
	DefaultMinConnectedRouters = 4
	// BootstrapConnectTries is how many attempts try_connect gets when
	// dialing a bootstrap RC, matching router.cpp's
	// "llarp_router_try_connect(this, rc, 4)".
	BootstrapConnectTries = 4
	// PeerConnectTries is the retry budget for an ordinary
	// SendToOrQueue-triggered connect, per spec.md §4.5.4.
	PeerConnectTries = 10
	// persistingSessionLifetime is how long a path-triggered keepalive
	// commitment to a peer is kept alive once registered.
	persistingSessionLifetime = 10 * time.Minute
)

// ExitTrafficHandlerFunc receives exit-bound/exit-sourced packets
// demultiplexed by a TransferTrafficMessage's Counter field, per
// spec.md §4.4.4's "If role permits, demux packets by 8-byte counter
// prefix and emit to exit handler." pathID names the TransitHop the
// packet arrived on; the handler itself (e.g. a tun device) is out of
// scope per spec.md §1.
type ExitTrafficHandlerFunc func(pathID path.ID, counter uint64, data []byte)

// ServiceEndpointHandlerFunc receives an opaque hidden-service frame
// forwarded from a TransitHop terminating at this router, per
// spec.md §4.4.4's "Forward to service-endpoint handler."
type ServiceEndpointHandlerFunc func(pathID path.ID, data []byte)

func noopExitTrafficHandler(path.ID, uint64, []byte) {}
func noopServiceEndpointHandler(path.ID, []byte)     {}

// Config bundles the orchestrator's construction-time parameters.
type Config struct {
	Self        *identity.Identity
	NetID       string
	Nickname    string
	ServiceNode bool
	IsExit      bool
	Addrs       []rc.AddressInfo

	NodeDBDir          string
	MinRequiredRouters int

	AllowTransit         bool
	MinConnectedRouters  int

	CryptoWorkers int64
	DiskWorkers   int64

	HopCount   int
	PathTarget int

	TransportKey []byte
	Dialer       linksession.Dialer

	Log *logging.Logger
}

// Router is the Router Orchestrator (C5): it owns the NodeDB, the
// LinkManager, the DHT context and the PathContext, and drives their
// lifetimes from a single tick loop running on the logic executor.
type Router struct {
	self     *identity.Identity
	netID    string
	nickname string

	rcMu sync.RWMutex
	ourRC *rc.RouterContact

	serviceNode bool
	isExit      bool
	addrs       []rc.AddressInfo

	nodedb   *nodedb.NodeDB
	links    *linksession.LinkManager
	dht      *dht.Context
	paths    *path.PathContext
	profiler *profiler.Profiler

	clientBuilder *path.Builder

	cryptoPool *worker.Pool
	diskPool   *worker.Pool
	logic      *worker.Executor

	jobs    *connectJobs
	pending *pendingVerify
	queues  *outboundQueues

	onVerified VerifyCompleteFunc

	exitTraffic     ExitTrafficHandlerFunc
	serviceEndpoint ServiceEndpointHandlerFunc

	minRequiredRouters  int
	minConnectedRouters int
	bootstrapRCs        []*rc.RouterContact

	persistMu  sync.Mutex
	persisting map[string]time.Time

	stopMu   sync.Mutex
	stopping bool
	ticker   *time.Ticker
	tickDone chan struct{}

	log *logging.Logger
}

// New constructs a Router from cfg, wiring the NodeDB, LinkManager, DHT
// context and PathContext together. The returned Router is not yet
// ticking; call Start.
func New(cfg Config) (*Router, error) {
	if cfg.MinRequiredRouters == 0 {
		cfg.MinRequiredRouters = DefaultMinRequiredRouters
	}
	if cfg.MinConnectedRouters == 0 {
		cfg.MinConnectedRouters = DefaultMinConnectedRouters
	}
	if cfg.CryptoWorkers == 0 {
		cfg.CryptoWorkers = 2
	}
	if cfg.DiskWorkers == 0 {
		cfg.DiskWorkers = 1
	}

	db := nodedb.New(cfg.NodeDBDir, cfg.Log)
	if cfg.NodeDBDir != "" {
		if err := db.EnsureDir(cfg.NodeDBDir); err != nil {
			return nil, err
		}
	}

	r := &Router{
		self:                cfg.Self,
		netID:               cfg.NetID,
		nickname:            cfg.Nickname,
		serviceNode:         cfg.ServiceNode,
		isExit:              cfg.IsExit,
		addrs:               cfg.Addrs,
		nodedb:              db,
		profiler:            profiler.New(""),
		cryptoPool:          worker.New(cfg.CryptoWorkers),
		diskPool:            worker.New(cfg.DiskWorkers),
		logic:               worker.NewExecutor(256),
		jobs:                newConnectJobs(),
		pending:             newPendingVerify(),
		minRequiredRouters:  cfg.MinRequiredRouters,
		minConnectedRouters: cfg.MinConnectedRouters,
		persisting:          make(map[string]time.Time),
		exitTraffic:         noopExitTrafficHandler,
		serviceEndpoint:     noopServiceEndpointHandler,
		log:                 cfg.Log,
	}
	r.queues = newOutboundQueues(cfg.Log)

	r.links = linksession.New(cfg.Self, cfg.TransportKey, cfg.Dialer, r.lookupRC, cfg.Log)
	r.links.SetCallbacks(r.onSessionEstablished, r.onSessionClosed)

	dhtCtx, err := dht.New(cfg.Self.RouterID(), db, r.sendDHTMessage, cfg.AllowTransit, cfg.Log)
	if err != nil {
		return nil, err
	}
	r.dht = dhtCtx

	r.paths = path.NewContext(cfg.Self.RouterID(), cfg.AllowTransit, cfg.Log)

	ourRC := rc.New(cfg.Self, cfg.Addrs, cfg.NetID, cfg.Nickname)
	if cfg.ServiceNode && cfg.IsExit {
		ourRC.Exits = []rc.ExitInfo{{PubKey: cfg.Self.OnionPublicKey()}}
	}
	ourRC.Sign(cfg.Self)
	r.ourRC = ourRC

	role := path.RoleTransitTraffic | path.RoleDHT
	if cfg.IsExit {
		role |= path.RoleExit
	}
	r.clientBuilder = path.NewBuilder(cfg.Self, db, r.profiler, r.forwardLRCM, cfg.HopCount, cfg.PathTarget, role, cfg.Log)
	r.paths.AddBuilder(r.clientBuilder)

	r.dht.SetPathReplyFunc(r.onRelayedDHTReply)
	r.links.SetMessageHandler(r.HandleRecvLinkMessageBuffer)

	return r, nil
}

// onRelayedDHTReply delivers the eventual result of a
// dht.LookupRouterForPath call back down the TransitHop that requested
// it, per spec.md §4.3's "RelayedFindRouterMessage" flow.
func (r *Router) onRelayedDHTReply(pathID []byte, txid uint64, reply *dht.GotRouterMessage) {
	id, ok := path.IDFromBytes(pathID)
	if !ok {
		return
	}
	hop := r.paths.TransitHopByRxID(id)
	if hop == nil {
		return
	}
	r.logic.QueueJob(func() {
		r.replyOnTransit(hop, &path.DHTRoutingMessage{From: hop.Info.RxID, Payload: reply.Encode()})
	})
}

// OurRC returns a snapshot of this router's current signed RC.
func (r *Router) OurRC() *rc.RouterContact {
	r.rcMu.RLock()
	defer r.rcMu.RUnlock()
	return r.ourRC
}

func (r *Router) lookupRC(routerID []byte) (*rc.RouterContact, bool) {
	return r.nodedb.Get(routerID)
}

// IsServiceNode reports whether this router relays transit traffic —
// spec.md §4.2's "inboundLinks.len() > 0" predicate, delegated to the
// LinkManager that actually owns the listener set.
func (r *Router) IsServiceNode() bool { return r.links.IsServiceNode() }

// AddBootstrapRC registers an RC used to seed connectivity when the
// NodeDB is underpopulated, per spec.md §4.5.1 step 5.
func (r *Router) AddBootstrapRC(contact *rc.RouterContact) {
	r.bootstrapRCs = append(r.bootstrapRCs, contact)
}

// SetExitTrafficHandler wires the collaborator that receives demuxed
// TransferTraffic packets, per spec.md §4.4.4. A nil fn restores the
// no-op default.
func (r *Router) SetExitTrafficHandler(fn ExitTrafficHandlerFunc) {
	if fn == nil {
		fn = noopExitTrafficHandler
	}
	r.exitTraffic = fn
}

// SetServiceEndpointHandler wires the collaborator that receives
// forwarded HiddenServiceFrame payloads, per spec.md §4.4.4. A nil fn
// restores the no-op default.
func (r *Router) SetServiceEndpointHandler(fn ServiceEndpointHandlerFunc) {
	if fn == nil {
		fn = noopServiceEndpointHandler
	}
	r.serviceEndpoint = fn
}

// AddInboundLink registers a listener, making this router a service
// node once it has accepted its first connection... in practice the
// predicate is "has a listener" per spec.md §4.2, so this takes effect
// immediately.
func (r *Router) AddInboundLink(l linksession.Listener) {
	r.links.AddInboundLink(l)
}

// NumberOfConnectedRouters counts distinct peers with a live session,
// per router.cpp's Router::NumberOfConnectedRouters.
func (r *Router) NumberOfConnectedRouters() int {
	seen := map[string]struct{}{}
	r.links.ForEachSession(func(s *linksession.Session) {
		if s.State() == linksession.Authed {
			seen[string(s.RouterID())] = struct{}{}
		}
	})
	return len(seen)
}

// Start begins the tick loop, queuing Tick onto the logic executor every
// TickInterval. Calling Start again while the loop runs does nothing.
func (r *Router) Start() {
	r.stopMu.Lock()
	if r.ticker != nil {
		r.stopMu.Unlock()
		return
	}
	r.ticker = time.NewTicker(TickInterval)
	r.tickDone = make(chan struct{})
	ticker := r.ticker
	done := r.tickDone
	r.stopMu.Unlock()

	go func() {
		for {
			select {
			case now := <-ticker.C:
				r.logic.QueueJob(func() { r.Tick(now) })
			case <-done:
				return
			}
		}
	}()
}

// Stop performs the graceful shutdown sequence of spec.md §5: mark
// stopping, stop the tick loop, close links, stop the worker pools'
// owning executor.
func (r *Router) Stop() {
	r.stopMu.Lock()
	if r.stopping {
		r.stopMu.Unlock()
		return
	}
	r.stopping = true
	if r.ticker != nil {
		r.ticker.Stop()
		close(r.tickDone)
	}
	r.stopMu.Unlock()

	r.links.Stop()
	r.logic.Stop()
}

func (r *Router) isStopping() bool {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	return r.stopping
}

// Tick runs one pass of the orchestrator's logic per spec.md §4.5.1.
// It always runs on the logic executor.
func (r *Router) Tick(now time.Time) {
	if r.isStopping() {
		return
	}

	r.maybeRegenerateRC(now)

	if r.IsServiceNode() {
		r.nodedb.Visit(func(contact *rc.RouterContact) {
			if contact.ExpiresSoon(now, jitter(RCExpiryJitter)) {
				r.lookupRouterWhenExpired(contact.IdentityKey)
			}
		})
	}

	r.paths.TickPaths(now)
	r.paths.ExpirePaths(now)

	r.tickPersistingSessions(now)

	if r.nodedb.NumLoaded() < r.minRequiredRouters {
		if len(r.bootstrapRCs) == 0 {
			if r.log != nil {
				r.log.Errorf("router: we have no bootstrap nodes specified")
			}
		} else {
			for _, b := range r.bootstrapRCs {
				r.tryConnect(b, BootstrapConnectTries)
				_ = r.dht.ExploreNetworkVia(context.Background(), b.IdentityKey)
			}
		}
	}

	if !r.IsServiceNode() {
		if r.clientBuilder.ShouldBuildMore(now) {
			if p, err := r.clientBuilder.BuildOne(now); err == nil {
				r.paths.AddOwnPath(p)
			} else if r.log != nil {
				r.log.Warnf("router: path build failed", "err", err)
			}
		}
	}

	if r.NumberOfConnectedRouters() < r.minConnectedRouters {
		r.connectToRandomRouters(r.minConnectedRouters)
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// maybeRegenerateRC implements spec.md §4.5.1 step 1: if our RC expires
// soon, sign a new one. The onion key is not rotated and no session is
// renegotiated here. Onion-key rotation requires a fresh
// identity, which in this implementation is supplied externally (the
// daemon owns key persistence) — Tick only re-signs with the current
// identity and timestamp, matching the common case where the identity
// itself is stable and only LastUpdated/Version need to advance.
func (r *Router) maybeRegenerateRC(now time.Time) {
	r.rcMu.RLock()
	expiringSoon := r.ourRC.ExpiresSoon(now, jitter(RCExpiryJitter))
	r.rcMu.RUnlock()
	if !expiringSoon {
		return
	}
	if r.log != nil {
		r.log.Infof("router: regenerating RC")
	}

	r.rcMu.Lock()
	newRC := rc.New(r.self, r.addrs, r.netID, r.nickname)
	newRC.Version = r.ourRC.Version + 1
	if r.serviceNode && r.isExit {
		newRC.Exits = []rc.ExitInfo{{PubKey: r.self.OnionPublicKey()}}
	}
	newRC.Sign(r.self)
	r.ourRC = newRC
	r.rcMu.Unlock()
}

func (r *Router) lookupRouterWhenExpired(routerID []byte) {
	go func() {
		contact, err := r.dht.LookupRouter(context.Background(), routerID)
		if err != nil || contact == nil {
			return
		}
		r.logic.QueueJob(func() {
			r.AsyncVerifyRC(contact)
		})
	}()
}

func (r *Router) tickPersistingSessions(now time.Time) {
	r.persistMu.Lock()
	expired := make([][]byte, 0)
	for key, expiresAt := range r.persisting {
		if now.After(expiresAt) {
			expired = append(expired, []byte(key))
			continue
		}
		if r.links.HasSessionTo([]byte(key)) {
			r.links.KeepAliveSessionTo([]byte(key))
		} else if contact, ok := r.nodedb.Get([]byte(key)); ok {
			r.tryConnect(contact, PeerConnectTries)
		}
	}
	for _, key := range expired {
		delete(r.persisting, string(key))
	}
	r.persistMu.Unlock()
}

// AddPersistingSession keeps alive a session to routerID until expiry,
// per spec.md §3's Persisting-session table.
func (r *Router) AddPersistingSession(routerID []byte, expiry time.Duration) {
	if expiry == 0 {
		expiry = persistingSessionLifetime
	}
	r.persistMu.Lock()
	r.persisting[string(routerID)] = time.Now().Add(expiry)
	r.persistMu.Unlock()
}

// connectToRandomRouters dials up to `want` additional random NodeDB
// entries we don't already hold a session to, per router.cpp's
// ConnectToRandomRouters.
func (r *Router) connectToRandomRouters(want int) {
	have := r.NumberOfConnectedRouters()
	need := want - have
	if need <= 0 {
		return
	}
	tried := 0
	var candidate *rc.RouterContact
	for tried < need*4 && tried < 64 {
		tried++
		c, ok := r.nodedb.SelectRandomHop(r.self.RouterID(), 0)
		if !ok {
			return
		}
		if r.links.HasSessionTo(c.IdentityKey) {
			continue
		}
		candidate = c
		r.tryConnect(candidate, PeerConnectTries)
		need--
		if need <= 0 {
			return
		}
	}
}

func (r *Router) onSessionEstablished(contact *rc.RouterContact) {
	r.logic.QueueJob(func() {
		r.connectSucceeded(contact)
		r.dht.PutRouter(contact)
	})
}

func (r *Router) onSessionClosed(routerID []byte) {
	r.logic.QueueJob(func() {
		if r.log != nil {
			r.log.Debugf("router: session closed", "router_id", routerID)
		}
	})
}

// sendDHTMessage is the dht.SendFunc this router's Context is wired
// with: it wraps the raw DHT message bytes in a link-layer envelope and
// routes it through SendToOrQueue.
func (r *Router) sendDHTMessage(peer []byte, msg []byte) error {
	if !r.SendToOrQueue(peer, encodeDHTEnvelope(msg), false) {
		return errors.New("router: failed to send dht message")
	}
	return nil
}

// forwardLRCM is the path.SendLRCMFunc the client path Builder is
// constructed with: it hands the LRCM's frames to the Connection
// Manager for delivery to hop0, per spec.md §4.4.6.
func (r *Router) forwardLRCM(hop0 []byte, frames []path.Frame, ephemeralKeys [][]byte) error {
	return path.ForwardLRCM(func(nextHop []byte, frames []path.Frame, ephemeralKeys [][]byte) error {
		if !r.SendToOrQueue(nextHop, encodeLRCMEnvelope(frames, ephemeralKeys), false) {
			return errors.New("router: failed to forward lrcm")
		}
		return nil
	}, hop0, frames, ephemeralKeys)
}

// SendToOrQueue implements spec.md §4.5.4: send immediately if a
// session exists (preferring an inbound link's session over an
// outbound one), otherwise queue (bounded, drop-newest-on-full) and
// trigger either a connect attempt (peer known to NodeDB) or a DHT
// lookup (peer unknown). pathBound records whether msg originated from
// traffic bound to a specific path; per spec.md §9 Open Question (c),
// a path-bound send that finds no inbound session is queued rather
// than falling back to an available outbound one.
func (r *Router) SendToOrQueue(peer []byte, msg []byte, pathBound bool) bool {
	if r.links.SendTo(peer, msg, pathBound) {
		return true
	}

	if !r.queues.push(peer, msg) {
		return false
	}

	if contact, ok := r.nodedb.Get(peer); ok {
		r.tryConnect(contact, PeerConnectTries)
		return true
	}

	go func() {
		contact, err := r.dht.LookupRouter(context.Background(), peer)
		r.logic.QueueJob(func() {
			r.handleDHTLookupForSendTo(peer, contact, err)
		})
	}()
	return true
}

func (r *Router) handleDHTLookupForSendTo(peer []byte, contact *rc.RouterContact, err error) {
	if err != nil || contact == nil {
		r.discardOutboundFor(peer)
		return
	}
	r.AsyncVerifyRC(contact)
	r.tryConnect(contact, PeerConnectTries)
}

// flushOutboundFor drains peer's queue over the now-established session,
// per spec.md §4.5.4's "On session up, the queue drains... and a single
// link send is observed" — per message, not batched into one frame.
func (r *Router) flushOutboundFor(peer []byte) {
	for _, msg := range r.queues.drain(peer) {
		r.links.SendTo(peer, msg, false)
	}
}

// discardOutboundFor empties peer's queue without sending, per
// spec.md §4.5.4's failure path.
func (r *Router) discardOutboundFor(peer []byte) {
	r.queues.discard(peer)
}

