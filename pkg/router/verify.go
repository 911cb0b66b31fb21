package router

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/llarp-go/llarp-go/pkg/rc"
)

// pendingVerify gates the verification pipeline so a fixed pubkey is
// never enqueued twice concurrently, per spec.md §4.5.2's "at-most-once"
// rule and §8 testable property 7.
type pendingVerify struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newPendingVerify() *pendingVerify {
	return &pendingVerify{set: make(map[string]struct{})}
}

func (p *pendingVerify) start(pubkey []byte) bool {
	key := hex.EncodeToString(pubkey)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.set[key]; exists {
		return false
	}
	p.set[key] = struct{}{}
	return true
}

func (p *pendingVerify) finish(pubkey []byte) {
	p.mu.Lock()
	delete(p.set, hex.EncodeToString(pubkey))
	p.mu.Unlock()
}

// VerifyCompleteFunc is the logic-stage completion hook of spec.md
// §4.5.2 stage 3: invoked exactly once per verify run, with the final
// valid/invalid outcome.
type VerifyCompleteFunc func(contact *rc.RouterContact, valid bool)

// AsyncVerifyRC runs the three-stage verification pipeline for contact:
// a crypto-pool signature check, then — only if that passed and the RC
// is publicly reachable — a disk-pool NodeDB insert, then the logic-stage
// completion hook. Duplicate concurrent calls for the same pubkey are
// dropped silently, matching §4.5.2's "at-most-once" gate.
//
// Grounded on spec.md §5's three-stage callback-threaded pipeline design
// note: each stage crosses back onto the logic executor via QueueJob
// before the next stage's result is visible to core state.
func (r *Router) AsyncVerifyRC(contact *rc.RouterContact) {
	if !r.pending.start(contact.IdentityKey) {
		return
	}

	r.cryptoPool.Submit(func() error {
		return contact.Verify(r.netID, time.Now().UnixMilli())
	}, func(verifyErr error) {
		r.logic.QueueJob(func() {
			r.continueVerifyAfterCrypto(contact, verifyErr)
		})
	})
}

func (r *Router) continueVerifyAfterCrypto(contact *rc.RouterContact, verifyErr error) {
	valid := verifyErr == nil
	if !valid {
		r.pending.finish(contact.IdentityKey)
		r.completeVerify(contact, false)
		return
	}
	if !contact.IsPublicRouter() {
		r.pending.finish(contact.IdentityKey)
		r.completeVerify(contact, true)
		return
	}

	r.diskPool.Submit(func() error {
		if !r.nodedb.Insert(contact) {
			return errInsertFailed
		}
		return nil
	}, func(insertErr error) {
		r.logic.QueueJob(func() {
			r.pending.finish(contact.IdentityKey)
			r.completeVerify(contact, insertErr == nil)
		})
	})
}

// completeVerify is the logic-stage completion hook: updates the DHT
// table and profiler, fires the build-job success hook, and flushes the
// outbound queue, per spec.md §4.5.2 stage 3.
func (r *Router) completeVerify(contact *rc.RouterContact, valid bool) {
	if valid {
		if r.dht != nil {
			r.dht.PutRouter(contact)
		}
		if r.profiler != nil {
			r.profiler.MarkConnectSuccess(contact.IdentityKey)
		}
		r.flushOutboundFor(contact.IdentityKey)
	}
	if r.onVerified != nil {
		r.onVerified(contact, valid)
	}
}
