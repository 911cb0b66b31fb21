package router

import (
	"encoding/hex"
	"sync"

	"github.com/llarp-go/llarp-go/pkg/logging"
)

// OutboundQueueCap bounds how many messages wait for a peer with no
// session, per spec.md §4.5.4.
const OutboundQueueCap = 8

// outboundQueues is a RouterID-hex -> bounded FIFO of encoded messages
// awaiting a session, per spec.md §4.5.4's "push into the per-peer
// queue (cap 8, drop-on-full with warning)".
type outboundQueues struct {
	mu   sync.Mutex
	byID map[string][][]byte
	log  *logging.Logger
}

func newOutboundQueues(log *logging.Logger) *outboundQueues {
	return &outboundQueues{byID: make(map[string][][]byte), log: log}
}

// push appends buf to peer's queue, dropping the newest message with a
// warning if the queue is already at OutboundQueueCap. Returns false
// when the message was dropped.
func (q *outboundQueues) push(peer []byte, buf []byte) bool {
	key := hex.EncodeToString(peer)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.byID[key]) >= OutboundQueueCap {
		if q.log != nil {
			q.log.Warnf("router: outbound queue full for peer, dropping message", "peer", key)
		}
		return false
	}
	q.byID[key] = append(q.byID[key], buf)
	return true
}

// size reports how many messages are queued for peer.
func (q *outboundQueues) size(peer []byte) int {
	key := hex.EncodeToString(peer)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID[key])
}

// drain removes and returns every queued message for peer, in FIFO
// order, clearing the queue.
func (q *outboundQueues) drain(peer []byte) [][]byte {
	key := hex.EncodeToString(peer)
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byID[key]
	delete(q.byID, key)
	return msgs
}

// discard empties peer's queue without returning the messages, per
// spec.md §4.5.4's "on failure, DiscardOutboundFor(peer) empties the
// queue".
func (q *outboundQueues) discard(peer []byte) {
	key := hex.EncodeToString(peer)
	q.mu.Lock()
	delete(q.byID, key)
	q.mu.Unlock()
}
