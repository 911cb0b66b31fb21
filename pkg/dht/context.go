package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/nodedb"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

const (
	// Alpha is the iterative lookup's concurrency factor, matching the
	// original's exploration fan-out.
	Alpha = 3
	// BucketCapacity bounds how many nearest routers an exploratory
	// lookup reply carries.
	BucketCapacity = 8
	// LookupTimeout bounds how long a single iterative lookup waits for
	// outstanding replies before giving up.
	LookupTimeout = 5 * time.Second
)

var (
	ErrNotFound     = errors.New("dht: router not found")
	ErrNoPeers      = errors.New("dht: no peers known to route lookup through")
	ErrNoTransit    = errors.New("dht: transit lookups disallowed")
	ErrDuplicateReq = errors.New("dht: duplicate pending lookup")
)

// SendFunc delivers an encoded DHT message to peer. The caller
// (pkg/router, via pkg/path's routing-message delivery) supplies this;
// pkg/dht has no transport of its own.
type SendFunc func(peer []byte, msg []byte) error

// replayKey identifies one (sender, txid) pair for transit
// duplicate-suppression, per findrouter.cpp's pendingRouterLookups
// check.
type replayKey struct {
	from Key
	txid uint64
}

// pendingLookup tracks one outstanding iterative-lookup leg awaiting a
// GotRouterMessage.
type pendingLookup struct {
	replies chan *GotRouterMessage
}

// Context is the DHT routing context (C3): a single flat routing table
// over known routers, transit policy, and the iterative FindRouter/GotRouter
// lookup protocol. Grounded on
// original_source/llarp/dht/context.cpp's llarp_dht_context.
type Context struct {
	us     Key
	table  *bucket
	nodedb *nodedb.NodeDB
	send   SendFunc
	log    *logging.Logger

	allowTransit bool

	mu       sync.Mutex
	pending  map[uint64]*pendingLookup
	seen     map[replayKey]struct{}
	onRelayed PathReplyFunc
}

// PathReplyFunc delivers a relayed lookup's eventual result back down
// the local path it arrived on, keyed by the path's own txid — wired
// to pkg/path's routing-message dispatch once a path's upstream is
// known to PathContext.
type PathReplyFunc func(pathID []byte, txid uint64, reply *GotRouterMessage)

// SetPathReplyFunc wires the callback LookupRouterForPath uses to
// deliver a resolved relayed lookup back onto its originating path.
func (c *Context) SetPathReplyFunc(fn PathReplyFunc) {
	c.mu.Lock()
	c.onRelayed = fn
	c.mu.Unlock()
}

// New constructs a DHT context for router us, backed by db for local
// lookups and send for relaying messages to other routers.
func New(us []byte, db *nodedb.NodeDB, send SendFunc, allowTransit bool, log *logging.Logger) (*Context, error) {
	key, ok := KeyFromBytes(us)
	if !ok {
		return nil, errors.New("dht: router id must be 32 bytes")
	}
	return &Context{
		us:           key,
		table:        newBucket(key),
		nodedb:       db,
		send:         send,
		log:          log,
		allowTransit: allowTransit,
		pending:      make(map[uint64]*pendingLookup),
		seen:         make(map[replayKey]struct{}),
	}, nil
}

// OurKey returns this router's DHT key.
func (c *Context) OurKey() Key { return c.us }

// PutRouter inserts or refreshes a known router in the routing table,
// called whenever pkg/router learns of (or reconfirms) a peer's RC.
func (c *Context) PutRouter(contact *rc.RouterContact) {
	key, ok := KeyFromBytes(contact.IdentityKey)
	if !ok {
		return
	}
	c.table.put(Entry{ID: key, IdentityKey: contact.IdentityKey})
}

// RemoveRouter evicts a router from the routing table.
func (c *Context) RemoveRouter(identityKey []byte) {
	key, ok := KeyFromBytes(identityKey)
	if !ok {
		return
	}
	c.table.del(key)
}

// Size reports how many routers are in the table.
func (c *Context) Size() int { return c.table.size() }

func newTxID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// LookupRouter performs an iterative lookup for target, querying up to
// Alpha peers per round from our local table and NodeDB, stopping as
// soon as a GotRouterMessage carries a matching RC. It never touches
// the network for peers we already hold verified RCs for.
func (c *Context) LookupRouter(ctx context.Context, target []byte) (*rc.RouterContact, error) {
	if found, ok := c.nodedb.Get(target); ok {
		return found, nil
	}
	targetKey, ok := KeyFromBytes(target)
	if !ok {
		return nil, errors.New("dht: target must be 32 bytes")
	}

	tried := map[Key]struct{}{}
	for round := 0; round < 8; round++ {
		candidates := c.table.getManyNearExcluding(targetKey, Alpha, tried)
		if len(candidates) == 0 {
			return nil, ErrNoPeers
		}
		for _, cand := range candidates {
			tried[cand.ID] = struct{}{}
		}

		result, err := c.queryRound(ctx, targetKey, candidates)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, ErrNotFound
}

// queryRound sends a FindRouterMessage to each candidate concurrently
// and waits for the first GotRouterMessage carrying an RC whose key
// matches target. The RC's signature is not checked here.
func (c *Context) queryRound(ctx context.Context, target Key, candidates []Entry) (*rc.RouterContact, error) {
	type result struct {
		contact *rc.RouterContact
	}
	resultCh := make(chan result, len(candidates))

	for _, cand := range candidates {
		txid := newTxID()
		pl := &pendingLookup{replies: make(chan *GotRouterMessage, 1)}

		c.mu.Lock()
		c.pending[txid] = pl
		c.mu.Unlock()

		msg := (&FindRouterMessage{Key: target, TxID: txid, Iterative: true}).Encode()
		if err := c.send(cand.IdentityKey, msg); err != nil {
			c.mu.Lock()
			delete(c.pending, txid)
			c.mu.Unlock()
			continue
		}

		go func(pl *pendingLookup, txid uint64) {
			defer func() {
				c.mu.Lock()
				delete(c.pending, txid)
				c.mu.Unlock()
			}()
			select {
			case reply := <-pl.replies:
				for _, got := range reply.Results {
					if sameKey(got.IdentityKey, target) {
						resultCh <- result{contact: got}
						return
					}
					if k, ok := KeyFromBytes(got.IdentityKey); ok {
						c.table.put(Entry{ID: k, IdentityKey: got.IdentityKey})
					}
				}
				resultCh <- result{}
			case <-ctx.Done():
				resultCh <- result{}
			case <-time.After(LookupTimeout):
				resultCh <- result{}
			}
		}(pl, txid)
	}

	for range candidates {
		select {
		case r := <-resultCh:
			if r.contact != nil {
				return r.contact, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func sameKey(a []byte, b Key) bool {
	k, ok := KeyFromBytes(a)
	return ok && k == b
}

// HandleGotRouter delivers an inbound GotRouterMessage to the pending
// lookup leg awaiting its TxID, if any.
func (c *Context) HandleGotRouter(msg *GotRouterMessage) {
	c.mu.Lock()
	pl, ok := c.pending[msg.TxID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pl.replies <- msg:
	default:
	}
}

// HandleFindRouter answers an inbound FindRouterMessage from peer
// "from", mirroring FindRouterMessage::HandleMessage: transit lookups
// are rejected outright if allowTransit is false, then rejected again
// if (from, txid) was already seen this session (replay), then served
// locally from NodeDB, then — for exploratory lookups — delegated to
// HandleExploritoryRouterLookup, and otherwise forwarded toward the
// closest known peer per spec.md §4.3 Reply Policy step 3: a miss is
// never answered directly, it is relayed on (S6), the same way
// HandleRelayedFindRouter's own miss branch behaves.
func (c *Context) HandleFindRouter(from []byte, msg *FindRouterMessage) (*GotRouterMessage, error) {
	if !c.allowTransit {
		if c.log != nil {
			c.log.Warnf("dht: rejecting transit lookup, transit disabled")
		}
		return nil, ErrNoTransit
	}
	fromKey, ok := KeyFromBytes(from)
	if !ok {
		return nil, errors.New("dht: bad sender key")
	}
	rk := replayKey{from: fromKey, txid: msg.TxID}
	c.mu.Lock()
	if _, dup := c.seen[rk]; dup {
		c.mu.Unlock()
		if c.log != nil {
			c.log.Warnf("dht: duplicate find-router request", "txid", msg.TxID)
		}
		return nil, ErrDuplicateReq
	}
	c.seen[rk] = struct{}{}
	c.mu.Unlock()

	if msg.Key == c.us {
		// A direct (non-path-bound) FindRouter can never have "arrived
		// on a known local path" — that check only applies to
		// HandleRelayedFindRouter. Drop rather than confirm the key is
		// ours to an unauthenticated prober, per spec.md §4.3 step 1.
		return nil, ErrNotFound
	}
	if found, ok := c.nodedb.Get(msg.Key.Bytes()); ok {
		return &GotRouterMessage{Key: msg.Key, TxID: msg.TxID, Results: []*rc.RouterContact{found}}, nil
	}
	if msg.Exploritory {
		return c.HandleExploritoryRouterLookup(msg.Key, msg.TxID)
	}
	near, ok := c.table.findClosest(msg.Key)
	if !ok {
		return nil, ErrNotFound
	}
	return nil, c.forwardFindRouter(from, msg.Key, msg.TxID, near.IdentityKey)
}

// forwardFindRouter relays a FindRouter miss on to nextHop and, once
// the relayed lookup settles (or times out), delivers the result back
// to the original asker "from" over send — the direct-link analogue
// of LookupRouterForPath, which does the same for a path-bound
// lookup. Per spec.md §4.3 step 3 / scenario S6, the original asker
// gets no reply until this completes; HandleFindRouter itself returns
// nil so the caller sends nothing in the meantime.
func (c *Context) forwardFindRouter(from []byte, target Key, txid uint64, nextHop []byte) error {
	relayTxID := newTxID()
	pl := &pendingLookup{replies: make(chan *GotRouterMessage, 1)}
	c.mu.Lock()
	c.pending[relayTxID] = pl
	c.mu.Unlock()

	msg := (&FindRouterMessage{Key: target, TxID: relayTxID, Iterative: true}).Encode()
	if err := c.send(nextHop, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, relayTxID)
		c.mu.Unlock()
		return err
	}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, relayTxID)
			c.mu.Unlock()
		}()
		var reply *GotRouterMessage
		select {
		case reply = <-pl.replies:
		case <-time.After(LookupTimeout):
			reply = &GotRouterMessage{Key: target}
		}
		reply.TxID = txid
		if err := c.send(from, reply.Encode()); err != nil && c.log != nil {
			c.log.Warnf("dht: failed delivering forwarded find-router reply", "err", err)
		}
	}()
	return nil
}

// LookupRouterForPath is the relayed variant of LookupRouter used when
// a path client's FindRouter request can't be answered locally: the
// lookup continues via nextHop, and the eventual result is delivered
// through onRelayed rather than returned to the caller — mirroring
// RelayedFindRouterMessage::HandleMessage's
// "dht.LookupRouterForPath(K, txid, pathID, peer)" and S6's "does not
// directly reply to the originator".
func (c *Context) LookupRouterForPath(target Key, txid uint64, pathID []byte, nextHop []byte) error {
	relayTxID := newTxID()
	pl := &pendingLookup{replies: make(chan *GotRouterMessage, 1)}
	c.mu.Lock()
	c.pending[relayTxID] = pl
	c.mu.Unlock()

	msg := (&FindRouterMessage{Key: target, TxID: relayTxID, Iterative: true}).Encode()
	if err := c.send(nextHop, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, relayTxID)
		c.mu.Unlock()
		return err
	}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, relayTxID)
			c.mu.Unlock()
		}()
		select {
		case reply := <-pl.replies:
			c.mu.Lock()
			fn := c.onRelayed
			c.mu.Unlock()
			if fn != nil {
				reply.TxID = txid
				fn(pathID, txid, reply)
			}
		case <-time.After(LookupTimeout):
			c.mu.Lock()
			fn := c.onRelayed
			c.mu.Unlock()
			if fn != nil {
				fn(pathID, txid, &GotRouterMessage{Key: target, TxID: txid})
			}
		}
	}()
	return nil
}

// RelayedFindRouterMessage is a FindRouter request arriving bound to a
// local path rather than directly over a link session — the variant
// original_source/llarp/dht/messages/findrouter.cpp's
// RelayedFindRouterMessage answers.
type RelayedFindRouterMessage struct {
	FindRouterMessage
	PathID []byte
}

// HasPathFor reports whether a TransitHop or owned Path terminates
// upstream at remote with the given PathID — the check
// RelayedFindRouterMessage::HandleMessage makes before answering a
// self-targeted lookup with our own RC. Wired to pkg/path's
// PathContext.GetByUpstream by the caller.
type HasPathFor func(pathID []byte) bool

// HandleRelayedFindRouter answers a path-bound FindRouter request.
// When K is our own key, it only answers if hasPath confirms the
// requesting path actually terminates here (ourRC is supplied by the
// caller to avoid an import cycle with pkg/rc's RC owner). Otherwise
// it tries NodeDB, then falls back to LookupRouterForPath via the
// closest known peer — in which case the return value is nil and the
// result arrives later through onRelayed.
func (c *Context) HandleRelayedFindRouter(msg *RelayedFindRouterMessage, ourRC *rc.RouterContact, hasPath HasPathFor) (*GotRouterMessage, error) {
	if msg.Key == c.us {
		if hasPath(msg.PathID) {
			return &GotRouterMessage{Key: msg.Key, TxID: msg.TxID, Results: []*rc.RouterContact{ourRC}}, nil
		}
		return nil, ErrNotFound
	}
	if found, ok := c.nodedb.Get(msg.Key.Bytes()); ok {
		return &GotRouterMessage{Key: msg.Key, TxID: msg.TxID, Results: []*rc.RouterContact{found}}, nil
	}
	near, ok := c.table.findClosest(msg.Key)
	if !ok {
		return nil, ErrNoPeers
	}
	return nil, c.LookupRouterForPath(msg.Key, msg.TxID, msg.PathID, near.IdentityKey)
}

// HandleExploritoryRouterLookup answers an exploratory FindRouter with
// the RCs of up to BucketCapacity table entries nearest to target
// (entries NodeDB cannot resolve are skipped) rather than a definitive
// result, mirroring the original's exploration-seeding behaviour: it lets a
// new router bootstrap its table by asking any peer for "routers near
// K" instead of "router K exactly".
func (c *Context) HandleExploritoryRouterLookup(target Key, txid uint64) (*GotRouterMessage, error) {
	near := c.table.getManyNearExcluding(target, BucketCapacity, nil)
	results := make([]*rc.RouterContact, 0, len(near))
	for _, e := range near {
		if contact, ok := c.nodedb.Get(e.IdentityKey); ok {
			results = append(results, contact)
		}
	}
	return &GotRouterMessage{Key: target, TxID: txid, Results: results}, nil
}

// ExploreNetworkVia seeds the routing table by issuing an exploratory
// FindRouter through peer via, targeting a point in keyspace we likely
// know little about (our own key's complement), growing the table
// beyond the routers path-building already introduced us to.
func (c *Context) ExploreNetworkVia(ctx context.Context, via []byte) error {
	var target Key
	for i := range target {
		target[i] = ^c.us[i]
	}
	txid := newTxID()
	pl := &pendingLookup{replies: make(chan *GotRouterMessage, 1)}
	c.mu.Lock()
	c.pending[txid] = pl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, txid)
		c.mu.Unlock()
	}()

	msg := (&FindRouterMessage{Key: target, TxID: txid, Exploritory: true, Iterative: true}).Encode()
	if err := c.send(via, msg); err != nil {
		return err
	}
	select {
	case reply := <-pl.replies:
		for _, got := range reply.Results {
			if k, ok := KeyFromBytes(got.IdentityKey); ok {
				c.table.put(Entry{ID: k, IdentityKey: got.IdentityKey})
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(LookupTimeout):
		return nil
	}
}
