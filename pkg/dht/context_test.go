package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/llarp-go/llarp-go/pkg/identity"
	"github.com/llarp-go/llarp-go/pkg/nodedb"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

// waitForCondition polls cond until it reports true or the deadline
// passes, for asserting on the asynchronous forward a miss triggers.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newContact(t *testing.T) *rc.RouterContact {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	c := rc.New(id, nil, "testnet", "")
	c.Sign(id)
	return c
}

// TestFindInNodeDBRepliesDirectly covers S5: a lookup for a router
// already present in NodeDB is answered with its RC and no forwarding.
func TestFindInNodeDBRepliesDirectly(t *testing.T) {
	db := nodedb.New("", nil)
	target := newContact(t)
	db.Insert(target)

	var sent [][]byte
	send := func(peer []byte, msg []byte) error {
		sent = append(sent, peer)
		return nil
	}
	c, err := New(newContact(t).IdentityKey, db, send, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key, _ := KeyFromBytes(target.IdentityKey)
	reply, err := c.HandleFindRouter(newContact(t).IdentityKey, &FindRouterMessage{Key: key, TxID: 42})
	if err != nil {
		t.Fatalf("HandleFindRouter: %v", err)
	}
	if len(reply.Results) != 1 || string(reply.Results[0].IdentityKey) != string(target.IdentityKey) {
		t.Fatalf("expected direct result for %x, got %+v", target.IdentityKey, reply)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no forwarding, but sent %d messages", len(sent))
	}
}

// TestFindNotInNodeDBForwardsToClosest covers S6: a lookup for an
// unknown router is forwarded to the closest known peer rather than
// answered directly — HandleFindRouter must return no reply of its
// own, and the forward must go out over send toward a peer we hold in
// our table.
func TestFindNotInNodeDBForwardsToClosest(t *testing.T) {
	db := nodedb.New("", nil)
	self := newContact(t)

	var mu sync.Mutex
	var sent [][]byte
	send := func(peer []byte, msg []byte) error {
		mu.Lock()
		sent = append(sent, append([]byte(nil), peer...))
		mu.Unlock()
		return nil
	}
	c, err := New(self.IdentityKey, db, send, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	known := map[string]struct{}{}
	for i := 0; i < 5; i++ {
		peer := newContact(t)
		c.PutRouter(peer)
		known[string(peer.IdentityKey)] = struct{}{}
	}

	target := newContact(t)
	key, _ := KeyFromBytes(target.IdentityKey)
	reply, err := c.HandleFindRouter(newContact(t).IdentityKey, &FindRouterMessage{Key: key, TxID: 7})
	if err != nil {
		t.Fatalf("HandleFindRouter: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no direct reply on a miss, got %+v", reply)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if _, ok := known[string(sent[0])]; !ok {
		t.Fatalf("expected the forward to go to a known peer, went to %x", sent[0])
	}
}

func TestHandleFindRouterRejectsWhenTransitDisabled(t *testing.T) {
	db := nodedb.New("", nil)
	self := newContact(t)
	c, err := New(self.IdentityKey, db, func([]byte, []byte) error { return nil }, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	target := newContact(t)
	key, _ := KeyFromBytes(target.IdentityKey)
	if _, err := c.HandleFindRouter(newContact(t).IdentityKey, &FindRouterMessage{Key: key, TxID: 1}); err != ErrNoTransit {
		t.Fatalf("expected ErrNoTransit, got %v", err)
	}
}

// TestHandleFindRouterSelfLookupDrops covers spec.md §4.3 step 1: a
// direct (non-path-bound) FindRouter for our own key can never have
// "arrived on a known local path", so it must be dropped rather than
// confirmed — unlike HandleRelayedFindRouter, which does have a path to
// check.
func TestHandleFindRouterSelfLookupDrops(t *testing.T) {
	db := nodedb.New("", nil)
	self := newContact(t)
	c, err := New(self.IdentityKey, db, func([]byte, []byte) error { return nil }, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key, _ := KeyFromBytes(self.IdentityKey)
	if _, err := c.HandleFindRouter(newContact(t).IdentityKey, &FindRouterMessage{Key: key, TxID: 5}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a self-lookup with no path, got %v", err)
	}
}

func TestHandleFindRouterRejectsReplay(t *testing.T) {
	db := nodedb.New("", nil)
	self := newContact(t)
	c, err := New(self.IdentityKey, db, func([]byte, []byte) error { return nil }, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := newContact(t)
	target := newContact(t)
	db.Insert(target)
	key, _ := KeyFromBytes(target.IdentityKey)
	msg := &FindRouterMessage{Key: key, TxID: 99}
	if _, err := c.HandleFindRouter(from.IdentityKey, msg); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := c.HandleFindRouter(from.IdentityKey, msg); err != ErrDuplicateReq {
		t.Fatalf("expected ErrDuplicateReq on replay, got %v", err)
	}
}

func TestLookupRouterReturnsLocalHitWithoutNetwork(t *testing.T) {
	db := nodedb.New("", nil)
	target := newContact(t)
	db.Insert(target)

	sendCalled := false
	send := func([]byte, []byte) error { sendCalled = true; return nil }
	c, err := New(newContact(t).IdentityKey, db, send, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.LookupRouter(context.Background(), target.IdentityKey)
	if err != nil {
		t.Fatalf("LookupRouter: %v", err)
	}
	if string(got.IdentityKey) != string(target.IdentityKey) {
		t.Fatal("wrong RC returned")
	}
	if sendCalled {
		t.Fatal("LookupRouter should not touch the network for a known local RC")
	}
}

func TestBucketFindClosest(t *testing.T) {
	self := newContact(t)
	b := newBucket(mustKey(t, self.IdentityKey))
	for i := 0; i < 4; i++ {
		c := newContact(t)
		b.put(Entry{ID: mustKey(t, c.IdentityKey), IdentityKey: c.IdentityKey})
	}
	target := newContact(t)
	_, ok := b.findClosest(mustKey(t, target.IdentityKey))
	if !ok {
		t.Fatal("expected a closest entry from a non-empty bucket")
	}
}

func mustKey(t *testing.T, b []byte) Key {
	t.Helper()
	k, ok := KeyFromBytes(b)
	if !ok {
		t.Fatalf("bad key length %d", len(b))
	}
	return k
}
