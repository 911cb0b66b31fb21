package dht

import (
	"math/rand"
	"sort"
	"sync"
)

// bucket holds known routers sorted by XOR distance to us, the way
// original_source/llarp/dht/bucket.hpp's Bucket<Val_t> does, but as a
// single flat bucket rather than split by common-prefix-length — this
// overlay is small enough in practice that one bucket per node, sized
// by BucketCapacity, is sufficient (a departure the teacher's own
// announce table makes too: it never shards its peer set either).
type bucket struct {
	mu    sync.RWMutex
	us    Key
	nodes map[Key]Entry
}

// Entry is one known router in the routing table: its DHT key plus
// enough of its RC to act on (addresses, exit flag) without a second
// NodeDB lookup.
type Entry struct {
	ID          Key
	IdentityKey []byte
}

func newBucket(us Key) *bucket {
	return &bucket{us: us, nodes: make(map[Key]Entry)}
}

func (b *bucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// put inserts or replaces an entry, mirroring Bucket::PutNode.
func (b *bucket) put(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[e.ID] = e
}

// del removes an entry, mirroring Bucket::DelNode.
func (b *bucket) del(id Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
}

func (b *bucket) get(id Key) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.nodes[id]
	return e, ok
}

// findClosest returns the single entry with minimal XOR distance to
// target, mirroring Bucket::FindClosest.
func (b *bucket) findClosest(target Key) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best Entry
	var bestDist Key
	found := false
	for i := range bestDist {
		bestDist[i] = 0xff
	}
	for _, e := range b.nodes {
		d := e.ID.XOR(target)
		if !found || d.Less(bestDist) {
			bestDist = d
			best = e
			found = true
		}
	}
	return best, found
}

// findCloseExcluding is findClosest with an exclusion set, mirroring
// Bucket::FindCloseExcluding.
func (b *bucket) findCloseExcluding(target Key, exclude map[Key]struct{}) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best Entry
	var bestDist Key
	found := false
	for i := range bestDist {
		bestDist[i] = 0xff
	}
	for id, e := range b.nodes {
		if _, skip := exclude[id]; skip {
			continue
		}
		d := id.XOR(target)
		if !found || d.Less(bestDist) {
			bestDist = d
			best = e
			found = true
		}
	}
	return best, found
}

// getManyNearExcluding returns up to n entries nearest to target,
// greedily excluding each pick from the next round, mirroring
// Bucket::GetManyNearExcluding — the candidate pool the iterative
// lookup's alpha concurrent probes are drawn from.
func (b *bucket) getManyNearExcluding(target Key, n int, exclude map[Key]struct{}) []Entry {
	excl := make(map[Key]struct{}, len(exclude)+n)
	for k := range exclude {
		excl[k] = struct{}{}
	}
	var out []Entry
	for i := 0; i < n; i++ {
		e, ok := b.findCloseExcluding(target, excl)
		if !ok {
			break
		}
		excl[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// getRandom returns a uniformly random entry excluding the given IDs,
// mirroring Bucket::GetRandomNodeExcluding.
func (b *bucket) getRandom(exclude map[Key]struct{}) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var candidates []Entry
	for id, e := range b.nodes {
		if _, skip := exclude[id]; skip {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// all returns every entry sorted by ID, for deterministic iteration in
// tests and ExploreNetworkVia.
func (b *bucket) all() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.nodes))
	for _, e := range b.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
