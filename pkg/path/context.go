package path

import (
	"sync"
	"time"

	"github.com/llarp-go/llarp-go/pkg/logging"
)

// PathContext is the router-local index of every path this router
// knows about — paths it owns and transit hops it relays for — per
// spec.md §4.4.5. Grounded on original_source/llarp/path.hpp's
// PathContext / path.cpp's PathContext methods, with the three maps
// it describes each guarded by their own mutex.
type PathContext struct {
	us []byte

	ourMu    sync.RWMutex
	ourPaths map[ID]*Path // keyed under both TXID and RXID

	transitMu sync.RWMutex
	transit   map[ID][]*TransitHop // keyed under both txID and rxID

	buildersMu sync.RWMutex
	builders   []*Builder

	allowTransit bool

	log *logging.Logger
}

// NewContext constructs an empty PathContext for router us.
func NewContext(us []byte, allowTransit bool, log *logging.Logger) *PathContext {
	return &PathContext{
		us:           append([]byte(nil), us...),
		ourPaths:     make(map[ID]*Path),
		transit:      make(map[ID][]*TransitHop),
		allowTransit: allowTransit,
		log:          log,
	}
}

// AllowTransit reports whether this router accepts transit hops for
// other routers' paths.
func (c *PathContext) AllowTransit() bool { return c.allowTransit }

// SetAllowTransit toggles transit-hop acceptance.
func (c *PathContext) SetAllowTransit(allow bool) { c.allowTransit = allow }

// AddBuilder registers a Builder with m_PathBuilders.
func (c *PathContext) AddBuilder(b *Builder) {
	c.buildersMu.Lock()
	c.builders = append(c.builders, b)
	c.buildersMu.Unlock()
}

// RemovePathBuilder unregisters a Builder.
func (c *PathContext) RemovePathBuilder(b *Builder) {
	c.buildersMu.Lock()
	defer c.buildersMu.Unlock()
	for i, existing := range c.builders {
		if existing == b {
			c.builders = append(c.builders[:i], c.builders[i+1:]...)
			return
		}
	}
}

// AddOwnPath indexes a locally-owned path under both its TXID and
// RXID, per spec.md §4.4.5's "the same PathSet is inserted under
// each".
func (c *PathContext) AddOwnPath(p *Path) {
	c.ourMu.Lock()
	c.ourPaths[p.TXID()] = p
	c.ourPaths[p.RXID()] = p
	c.ourMu.Unlock()
}

// RemovePathSet drops a locally-owned path from both its index slots.
func (c *PathContext) RemovePathSet(p *Path) {
	c.ourMu.Lock()
	delete(c.ourPaths, p.TXID())
	delete(c.ourPaths, p.RXID())
	c.ourMu.Unlock()
}

// PutTransitHop indexes a relay-side hop under both its txID and
// rxID, per spec.md §4.4.1's "inserts a TransitHop into the local
// index under (txID, rxID)".
func (c *PathContext) PutTransitHop(h *TransitHop) {
	c.transitMu.Lock()
	c.transit[h.Info.TxID] = append(c.transit[h.Info.TxID], h)
	if h.Info.RxID != h.Info.TxID {
		c.transit[h.Info.RxID] = append(c.transit[h.Info.RxID], h)
	}
	c.transitMu.Unlock()
}

// HasTransitHop reports whether a transit hop is indexed under id.
func (c *PathContext) HasTransitHop(id ID) bool {
	c.transitMu.RLock()
	defer c.transitMu.RUnlock()
	return len(c.transit[id]) > 0
}

func (c *PathContext) transitHopsFor(id ID) []*TransitHop {
	c.transitMu.RLock()
	defer c.transitMu.RUnlock()
	return append([]*TransitHop(nil), c.transit[id]...)
}

// GetByUpstream searches own paths first, then transit hops whose
// upstream matches remote, per spec.md §4.4.5. Exactly one of the two
// returned pointers is non-nil on a hit.
func (c *PathContext) GetByUpstream(remote []byte, pathID ID) (*Path, *TransitHop) {
	c.ourMu.RLock()
	p := c.ourPaths[pathID]
	c.ourMu.RUnlock()
	if p != nil {
		return p, nil
	}
	for _, h := range c.transitHopsFor(pathID) {
		if bytesEqual(h.Info.Upstream, remote) {
			return nil, h
		}
	}
	return nil, nil
}

// GetByDownstream searches transit hops whose downstream matches
// remote, per spec.md §4.4.5.
func (c *PathContext) GetByDownstream(remote []byte, pathID ID) *TransitHop {
	for _, h := range c.transitHopsFor(pathID) {
		if bytesEqual(h.Info.Downstream, remote) {
			return h
		}
	}
	return nil
}

// GetPathForTransfer returns the transit hop whose upstream equals
// our own RouterID — the end of a circuit as seen by this relay, per
// spec.md §4.4.5.
func (c *PathContext) GetPathForTransfer(pathID ID) *TransitHop {
	for _, h := range c.transitHopsFor(pathID) {
		if bytesEqual(h.Info.Upstream, c.us) {
			return h
		}
	}
	return nil
}

// TransitHopByRxID returns a transit hop indexed under id whose RxID
// matches exactly, used to route an asynchronous reply (e.g. a relayed
// DHT lookup's eventual result) back to the hop that originated it.
func (c *PathContext) TransitHopByRxID(id ID) *TransitHop {
	for _, h := range c.transitHopsFor(id) {
		if h.Info.RxID == id {
			return h
		}
	}
	return nil
}

// HopIsUs reports whether routerID names this router.
func (c *PathContext) HopIsUs(routerID []byte) bool { return bytesEqual(routerID, c.us) }

// ExpirePaths evicts expired transit hops and delegates to every
// registered Builder's Tick, per spec.md §4.4.5 / §4.5.1.
func (c *PathContext) ExpirePaths(now time.Time) {
	c.transitMu.Lock()
	for id, hops := range c.transit {
		kept := hops[:0]
		for _, h := range hops {
			if !h.Expired(now) {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(c.transit, id)
		} else {
			c.transit[id] = kept
		}
	}
	c.transitMu.Unlock()

	c.buildersMu.RLock()
	builders := append([]*Builder(nil), c.builders...)
	c.buildersMu.RUnlock()
	for _, b := range builders {
		b.Tick(now)
	}
}

// TickPaths advances every locally-owned path's state machine.
// Callers invoke ExpirePaths immediately after, per spec.md §4.5.1's
// "PathContext.TickPaths(now) then ExpirePaths(now)".
func (c *PathContext) TickPaths(now time.Time) {
	c.ourMu.RLock()
	seen := make(map[*Path]struct{}, len(c.ourPaths))
	paths := make([]*Path, 0, len(c.ourPaths))
	for _, p := range c.ourPaths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	c.ourMu.RUnlock()

	for _, p := range paths {
		switch p.Tick(now) {
		case Timeout, Expired:
			c.RemovePathSet(p)
		}
	}
}

// ForwardLRCMFunc hands a built LRCM's frames to the router's
// connection manager for delivery to nextHop, per spec.md §4.4.6.
type ForwardLRCMFunc func(nextHop []byte, frames []Frame, ephemeralKeys [][]byte) error

// ForwardLRCM is the PathContext-level hook a Builder's SendLRCMFunc
// is normally wired to: Router.SendToOrQueue(nextHop, LRCM{frames}),
// per spec.md §4.4.6.
func ForwardLRCM(fn ForwardLRCMFunc, nextHop []byte, frames []Frame, ephemeralKeys [][]byte) error {
	return fn(nextHop, frames, ephemeralKeys)
}
