package path

import (
	"errors"
	"sync"
	"time"

	"github.com/llarp-go/llarp-go/pkg/identity"
	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/nodedb"
	"github.com/llarp-go/llarp-go/pkg/profiler"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

// DefaultHopCount is the number of hops a newly built path uses, per
// spec.md §4.4.1.
const DefaultHopCount = 4

// DefaultTargetPaths is how many Established paths with unexpired
// intros a Builder tries to keep available.
const DefaultTargetPaths = 4

// SendLRCMFunc forwards a built LRCM's frames to hop0 via the
// Connection Manager, per spec.md §4.4.1's "forwarded to hop0 via the
// Connection Manager" and §4.4.6's ForwardLRCM. ephemeralKeys runs
// parallel to frames: ephemeralKeys[i] is the X25519 public key hop0
// needs to open frames[i] (chaff frames carry a key nobody will ever
// use it against).
type SendLRCMFunc func(hop0 []byte, frames []Frame, ephemeralKeys [][]byte) error

// Builder owns a set of paths under construction and established, and
// knows how to grow that set, per spec.md §4.4.1. Grounded on
// original_source/llarp/pathbuilder.cpp's Builder::BuildOne / TryBuild.
type Builder struct {
	mu    sync.Mutex
	paths []*Path

	db       *nodedb.NodeDB
	prof     *profiler.Profiler
	self     *identity.Identity
	hopCount int
	target   int
	role     Role
	send     SendLRCMFunc
	log      *logging.Logger
}

// NewBuilder constructs a Builder. hopCount/target fall back to their
// defaults when 0.
func NewBuilder(self *identity.Identity, db *nodedb.NodeDB, prof *profiler.Profiler, send SendLRCMFunc, hopCount, target int, role Role, log *logging.Logger) *Builder {
	if hopCount == 0 {
		hopCount = DefaultHopCount
	}
	if target == 0 {
		target = DefaultTargetPaths
	}
	return &Builder{
		db:       db,
		prof:     prof,
		self:     self,
		hopCount: hopCount,
		target:   target,
		role:     role,
		send:     send,
		log:      log,
	}
}

// ShouldBuildMore reports whether the number of Established paths with
// unexpired intros falls below target, per spec.md §4.4.1.
func (b *Builder) ShouldBuildMore(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := 0
	for _, p := range b.paths {
		if p.Status() == Established && now.Before(p.ExpireTime()) {
			live++
		}
	}
	return live < b.target
}

// Paths returns a snapshot of all paths this builder owns.
func (b *Builder) Paths() []*Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Path(nil), b.paths...)
}

// selectHops picks hopCount hops via repeated NodeDB.SelectRandomHop
// calls, skipping candidates the profiler considers bad, per spec.md
// §4.4.1. Each pick excludes only the previous hop (SelectRandomHop's
// prev argument); earlier hops are not checked, so the same router can
// appear more than once in one path.
func (b *Builder) selectHops() ([]*rc.RouterContact, error) {
	hops := make([]*rc.RouterContact, 0, b.hopCount)
	var prev []byte
	for n := 0; n < b.hopCount; n++ {
		var candidate *rc.RouterContact
		for tries := 0; tries < 5; tries++ {
			c, ok := b.db.SelectRandomHop(prev, n)
			if !ok {
				return nil, errors.New("path: not enough known routers to build a path")
			}
			if b.prof != nil && b.prof.IsBad(c.IdentityKey) {
				continue
			}
			candidate = c
			break
		}
		if candidate == nil {
			return nil, errors.New("path: could not find a non-bad hop candidate")
		}
		hops = append(hops, candidate)
		prev = candidate.IdentityKey
	}
	return hops, nil
}

// BuildOne selects a fresh hop sequence, derives per-hop crypto,
// constructs a new Building Path, encrypts its LRCM, and sends it to
// hop0, per spec.md §4.4.1.
func (b *Builder) BuildOne(now time.Time) (*Path, error) {
	candidates, err := b.selectHops()
	if err != nil {
		return nil, err
	}

	hopConfigs := make([]HopConfig, len(candidates))
	onionKeys := make([][]byte, len(candidates))
	for i, c := range candidates {
		txID, err := NewID()
		if err != nil {
			return nil, err
		}
		rxID, err := NewID()
		if err != nil {
			return nil, err
		}
		ephPriv, ephPub, err := identity.EphemeralKeypair()
		if err != nil {
			return nil, err
		}
		shared, err := identity.DeriveSharedSecret(ephPriv, c.OnionKey)
		if err != nil {
			return nil, err
		}
		crypto, err := DeriveHopCrypto(shared, "llarp-path-hop")
		if err != nil {
			return nil, err
		}

		hopConfigs[i] = HopConfig{
			TxID:            txID,
			RxID:            rxID,
			RouterIdentity:  c.IdentityKey,
			Crypto:          crypto,
			EphemeralPubKey: ephPub,
			Lifetime:        DefaultLifetime,
			sharedSecret:    shared,
		}
		onionKeys[i] = c.OnionKey
	}
	for i := 0; i < len(hopConfigs)-1; i++ {
		hopConfigs[i].Upstream = hopConfigs[i+1].RouterIdentity
		hopConfigs[i].TxID = hopConfigs[i+1].RxID
	}

	p := NewPath(hopConfigs, b.role, now)

	frames, err := BuildLRCM(hopConfigs, onionKeys)
	if err != nil {
		return nil, err
	}
	ephemeralKeys := make([][]byte, len(frames))
	for i := range frames {
		if i < len(onionKeys) {
			ephemeralKeys[i] = hopConfigs[i].EphemeralPubKey
			continue
		}
		chaff := make([]byte, 32)
		if _, err := randRead(chaff); err != nil {
			return nil, err
		}
		ephemeralKeys[i] = chaff
	}

	b.mu.Lock()
	b.paths = append(b.paths, p)
	b.mu.Unlock()

	if err := b.send(hopConfigs[0].RouterIdentity, frames, ephemeralKeys); err != nil {
		if b.prof != nil {
			for _, c := range candidates {
				b.prof.MarkPathBuildFailure(c.IdentityKey)
			}
		}
		return nil, err
	}
	return p, nil
}

// HandlePathBuildTimeout is called when a Path this builder owns times
// out while Building, per spec.md §4.4.2: it records a profiler
// failure for every hop and removes the path.
func (b *Builder) HandlePathBuildTimeout(p *Path) {
	for _, h := range p.Hops {
		if b.prof != nil {
			b.prof.MarkPathBuildFailure(h.RouterIdentity)
		}
	}
	b.removePath(p)
}

func (b *Builder) removePath(p *Path) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.paths {
		if existing == p {
			b.paths = append(b.paths[:i], b.paths[i+1:]...)
			return
		}
	}
}

// Tick advances every owned path's state machine, surrendering timed
// out Building paths to HandlePathBuildTimeout and dropping
// Timeout/Expired paths from the set, per spec.md §4.4.5's
// "ExpirePaths ... delegates to each Builder".
func (b *Builder) Tick(now time.Time) {
	for _, p := range b.Paths() {
		wasBuilding := p.Status() == Building
		switch p.Tick(now) {
		case Timeout:
			if wasBuilding {
				b.HandlePathBuildTimeout(p)
			} else {
				b.removePath(p)
			}
		case Expired:
			b.removePath(p)
		}
	}
}
