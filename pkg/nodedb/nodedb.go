// Package nodedb implements the Node Database (C1): the persistent
// store of signed RouterContacts described in spec.md §4.1. The
// on-disk layout (a 16-way hex "skiplist" of directories) and the
// atomic-write discipline are adapted from the teacher's
// internal/storage/storage.go, which persists msgpack blobs the same
// way; here the persisted blob is a canonically bencoded, signed RC.
// Random-selection retry/wrap behaviour is grounded on
// original_source/llarp/nodedb.cpp select_random_hop/select_random_exit.
package nodedb

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

const skiplistChars = "0123456789abcdef"

// minEntriesForSelection mirrors the original's "reject if total < 3".
const minEntriesForSelection = 3

// maxHopPickRetries mirrors the original's "retry up to 5 times".
const maxHopPickRetries = 5

// NodeDB is the in-memory+on-disk store of known RouterContacts. All
// operations are safe for concurrent use; reads never block on disk.
type NodeDB struct {
	mu      sync.RWMutex
	entries map[string]*rc.RouterContact // key: hex(RouterID)
	order   []string                     // insertion order, for SelectRandomExit's scan-from-index
	dir     string
	log     *logging.Logger
}

// New constructs an empty NodeDB rooted at dir. Call EnsureDir/LoadDir
// to prepare and populate the on-disk store.
func New(dir string, log *logging.Logger) *NodeDB {
	return &NodeDB{
		entries: make(map[string]*rc.RouterContact),
		dir:     dir,
		log:     log,
	}
}

// EnsureDir creates the 16 skiplist subdirectories if absent.
func (n *NodeDB) EnsureDir(dir string) error {
	for _, c := range skiplistChars {
		if err := os.MkdirAll(filepath.Join(dir, string(c)), 0o700); err != nil {
			return fmt.Errorf("nodedb: ensure dir %c: %w", c, err)
		}
	}
	return nil
}

func pathFor(dir, hexKey string) string {
	last := hexKey[len(hexKey)-1:]
	return filepath.Join(dir, last, hexKey+".signed")
}

// Insert adds or replaces rc in memory and writes it to disk. The
// in-memory entry is committed before/concurrently with the write; if
// the write fails, Insert returns false but the in-memory entry may
// still be present — callers that require durability use the async
// verify pipeline in pkg/router, which only calls Insert after a disk
// worker has already confirmed the write would succeed for this run.
func (n *NodeDB) Insert(contact *rc.RouterContact) bool {
	key := hex.EncodeToString(contact.IdentityKey)

	n.mu.Lock()
	if _, exists := n.entries[key]; !exists {
		n.order = append(n.order, key)
	}
	n.entries[key] = contact
	n.mu.Unlock()

	if n.dir == "" {
		return true
	}
	if err := n.writeToDisk(key, contact); err != nil {
		if n.log != nil {
			n.log.Warnf("nodedb: failed to persist RC", "router_id", key, "err", err)
		}
		return false
	}
	return true
}

func (n *NodeDB) writeToDisk(key string, contact *rc.RouterContact) error {
	final := pathFor(n.dir, key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, contact.Encode(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Remove deletes the entry for pubkey from memory and disk.
func (n *NodeDB) Remove(pubkey []byte) {
	key := hex.EncodeToString(pubkey)

	n.mu.Lock()
	delete(n.entries, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	n.mu.Unlock()

	if n.dir != "" {
		_ = os.Remove(pathFor(n.dir, key))
	}
}

// Get returns the RC for pubkey, if known.
func (n *NodeDB) Get(pubkey []byte) (*rc.RouterContact, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.entries[hex.EncodeToString(pubkey)]
	return c, ok
}

// Has reports whether pubkey is known.
func (n *NodeDB) Has(pubkey []byte) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.entries[hex.EncodeToString(pubkey)]
	return ok
}

// Clear removes all in-memory entries (disk is left untouched).
func (n *NodeDB) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = make(map[string]*rc.RouterContact)
	n.order = nil
}

// Visit calls fn for every known RC. fn must not call back into
// NodeDB's mutating methods.
func (n *NodeDB) Visit(fn func(*rc.RouterContact)) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, k := range n.order {
		if c, ok := n.entries[k]; ok {
			fn(c)
		}
	}
}

// NumLoaded returns the number of entries currently held in memory.
func (n *NodeDB) NumLoaded() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

// LoadDir iterates each of the 16 skiplist subdirectories under path,
// decoding and verifying every *.signed file, inserting successes and
// skipping failures with a warning. Idempotent.
func (n *NodeDB) LoadDir(path string, expectedNetID string, nowMillis int64) (int, error) {
	count := 0
	for _, c := range skiplistChars {
		sub := filepath.Join(path, string(c))
		files, err := os.ReadDir(sub)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return count, fmt.Errorf("nodedb: read dir %s: %w", sub, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			full := filepath.Join(sub, f.Name())
			data, err := os.ReadFile(full)
			if err != nil {
				if n.log != nil {
					n.log.Warnf("nodedb: failed to read RC file", "path", full, "err", err)
				}
				continue
			}
			contact, err := rc.Decode(data)
			if err != nil {
				if n.log != nil {
					n.log.Warnf("nodedb: failed to decode RC file", "path", full, "err", err)
				}
				continue
			}
			if err := contact.Verify(expectedNetID, nowMillis); err != nil {
				if n.log != nil {
					n.log.Warnf("nodedb: RC failed verification on load", "path", full, "err", err)
				}
				continue
			}
			key := hex.EncodeToString(contact.IdentityKey)
			n.mu.Lock()
			if _, exists := n.entries[key]; !exists {
				n.order = append(n.order, key)
			}
			n.entries[key] = contact
			n.mu.Unlock()
			count++
		}
	}
	n.dir = path
	return count, nil
}

// SelectRandomHop picks a random RC suitable for hop N of a path being
// built. N==0 (the entry/guard hop) returns any pick — the caller
// enforces guard policy. N>0 rejects a pick equal to prev or with no
// usable addresses, retrying up to 5 times.
func (n *NodeDB) SelectRandomHop(prev []byte, hopN int) (*rc.RouterContact, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	sz := len(n.order)
	if sz < minEntriesForSelection {
		return nil, false
	}

	if hopN == 0 {
		idx := rand.Intn(sz)
		return n.entries[n.order[idx]], true
	}

	tries := maxHopPickRetries
	for {
		idx := rand.Intn(sz)
		candidate := n.entries[n.order[idx]]
		if prevEquals(prev, candidate.IdentityKey) || len(candidate.Addrs) == 0 {
			if tries == 0 {
				return nil, false
			}
			tries--
			continue
		}
		return candidate, true
	}
}

func prevEquals(prev, candidate []byte) bool {
	if len(prev) == 0 || len(prev) != len(candidate) {
		return false
	}
	for i := range prev {
		if prev[i] != candidate[i] {
			return false
		}
	}
	return true
}

// SelectRandomExit scans from a random start index, wrapping once,
// returning the first RC whose IsExit() is true. Fails if fewer than 3
// entries are known.
func (n *NodeDB) SelectRandomExit() (*rc.RouterContact, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	sz := len(n.order)
	if sz < minEntriesForSelection {
		return nil, false
	}

	start := rand.Intn(sz)
	for i := start; i < sz; i++ {
		if c := n.entries[n.order[i]]; c.IsExit() {
			return c, true
		}
	}
	for i := 0; i < start; i++ {
		if c := n.entries[n.order[i]]; c.IsExit() {
			return c, true
		}
	}
	return nil, false
}
