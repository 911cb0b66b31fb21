package router

import (
	"encoding/hex"
	"sync"

	"github.com/llarp-go/llarp-go/pkg/rc"
)

// connectJob is a TryConnectJob (spec.md §4.5.3): one in-flight attempt
// to establish a session to rc.IdentityKey, with a bounded number of
// retries.
type connectJob struct {
	contact   *rc.RouterContact
	triesLeft int
}

// connectJobs tracks the pending connect-attempt set, gating
// try_connect so at most one job exists per pubkey at a time (spec.md
// §8 testable property 8, "At-most-one connect job").
type connectJobs struct {
	mu   sync.Mutex
	jobs map[string]*connectJob
}

func newConnectJobs() *connectJobs {
	return &connectJobs{jobs: make(map[string]*connectJob)}
}

// hasPending reports whether a connect job is already outstanding for
// pubkey — HasPendingConnectJob in spec.md §8.
func (c *connectJobs) hasPending(pubkey []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[hex.EncodeToString(pubkey)]
	return ok
}

func (c *connectJobs) insert(contact *rc.RouterContact, tries int) bool {
	key := hex.EncodeToString(contact.IdentityKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.jobs[key]; exists {
		return false
	}
	c.jobs[key] = &connectJob{contact: contact, triesLeft: tries}
	return true
}

func (c *connectJobs) get(pubkey []byte) (*connectJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[hex.EncodeToString(pubkey)]
	return j, ok
}

func (c *connectJobs) erase(pubkey []byte) {
	c.mu.Lock()
	delete(c.jobs, hex.EncodeToString(pubkey))
	c.mu.Unlock()
}

// tryConnect implements llarp_router_try_connect (spec.md §4.5.3):
// insert a job if none is pending, then run the first Attempt
// synchronously on the logic executor's behalf (the caller is assumed
// to already be running on it).
func (r *Router) tryConnect(contact *rc.RouterContact, tries int) {
	if !r.jobs.insert(contact, tries) {
		return
	}
	r.attempt(contact.IdentityKey)
}

// attempt decrements the job's remaining tries and calls
// LinkManager.TryEstablishTo. A failure here is treated the same as a
// later AttemptTimedout — the link couldn't even be dialed.
func (r *Router) attempt(pubkey []byte) {
	job, ok := r.jobs.get(pubkey)
	if !ok {
		return
	}
	job.triesLeft--
	if err := r.links.TryEstablishTo(job.contact); err != nil {
		r.attemptTimedOut(pubkey)
		return
	}
}

// attemptTimedOut handles a connect attempt that neither succeeded nor
// was dialable: mark the profiler timeout, retry while tries remain,
// otherwise give up and — in client mode, if the profiler now considers
// the peer bad — evict it from NodeDB, per spec.md §4.5.3.
func (r *Router) attemptTimedOut(pubkey []byte) {
	job, ok := r.jobs.get(pubkey)
	if !ok {
		return
	}
	if r.profiler != nil {
		r.profiler.MarkConnectTimeout(pubkey)
	}
	if job.triesLeft > 0 {
		r.attempt(pubkey)
		return
	}
	if !r.links.IsServiceNode() && r.profiler != nil && r.profiler.IsBad(pubkey) {
		r.nodedb.Remove(pubkey)
	}
	r.jobs.erase(pubkey)
	r.discardOutboundFor(pubkey)
}

// connectSucceeded erases the pending job and records a profiler
// success, called from the LinkManager's onEstablished hook once a
// session actually authenticates.
func (r *Router) connectSucceeded(contact *rc.RouterContact) {
	if r.profiler != nil {
		r.profiler.MarkConnectSuccess(contact.IdentityKey)
	}
	r.jobs.erase(contact.IdentityKey)
	r.flushOutboundFor(contact.IdentityKey)
}
