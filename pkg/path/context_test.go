package path

import (
	"testing"
	"time"

	"github.com/llarp-go/llarp-go/pkg/logging"
)

func newTestHopConfigs(t *testing.T) []HopConfig {
	t.Helper()
	hop0Rx, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	hop1Rx, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	hop1Tx, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	return []HopConfig{
		{TxID: hop1Rx, RxID: hop0Rx, RouterIdentity: []byte("hop0"), Upstream: []byte("hop1"), Lifetime: DefaultLifetime},
		{TxID: hop1Tx, RxID: hop1Rx, RouterIdentity: []byte("hop1"), Lifetime: DefaultLifetime},
	}
}

func TestAddOwnPathIndexesUnderBothIDs(t *testing.T) {
	ctx := NewContext([]byte("us"), true, logging.New(logging.Error))
	hops := newTestHopConfigs(t)
	p := NewPath(hops, RoleTransitTraffic, time.Now())

	ctx.AddOwnPath(p)

	byTx, _ := ctx.GetByUpstream(nil, p.TXID())
	byRx, _ := ctx.GetByUpstream(nil, p.RXID())
	if byTx != p || byRx != p {
		t.Fatal("path not resolvable under both TXID and RXID")
	}
}

func TestPutTransitHopIndexesUnderBothDirections(t *testing.T) {
	ctx := NewContext([]byte("us"), true, logging.New(logging.Error))

	info := TransitHopInfo{
		Upstream:   []byte("prev-hop"),
		Downstream: []byte("next-hop"),
	}
	tx, _ := NewID()
	rx, _ := NewID()
	info.TxID, info.RxID = tx, rx

	h := NewTransitHop(info, HopCrypto{}, DefaultLifetime, time.Now())
	ctx.PutTransitHop(h)

	_, got := ctx.GetByUpstream(info.Upstream, info.TxID)
	if got != h {
		t.Fatal("GetByUpstream did not find the transit hop by (upstream, txID)")
	}

	gotDown := ctx.GetByDownstream(info.Downstream, info.RxID)
	if gotDown != h {
		t.Fatal("GetByDownstream did not find the transit hop by (downstream, rxID)")
	}
}

func TestGetPathForTransferMatchesOurRouterID(t *testing.T) {
	us := []byte("our-router-id")
	ctx := NewContext(us, true, logging.New(logging.Error))

	info := TransitHopInfo{Upstream: us, Downstream: []byte("next-hop")}
	info.TxID, _ = NewID()
	info.RxID, _ = NewID()
	h := NewTransitHop(info, HopCrypto{}, DefaultLifetime, time.Now())
	ctx.PutTransitHop(h)

	got := ctx.GetPathForTransfer(info.TxID)
	if got != h {
		t.Fatal("GetPathForTransfer did not find the terminal transit hop")
	}

	other := TransitHopInfo{Upstream: []byte("someone-else"), Downstream: []byte("next-hop")}
	other.TxID, _ = NewID()
	other.RxID, _ = NewID()
	ctx.PutTransitHop(NewTransitHop(other, HopCrypto{}, DefaultLifetime, time.Now()))

	if ctx.GetPathForTransfer(other.TxID) != nil {
		t.Fatal("GetPathForTransfer matched a hop whose upstream is not us")
	}
}

// TestTickPathsEvictsTimedOutPath covers the maintainer-flagged
// stale-index leak: an Established path that transitions to Timeout
// must be dropped from ourPaths, not just from the Builder's own
// bookkeeping, since GetByUpstream/GetByDownstream resolve against
// ourPaths directly and never consult Status().
func TestTickPathsEvictsTimedOutPath(t *testing.T) {
	ctx := NewContext([]byte("us"), true, logging.New(logging.Error))
	hops := newTestHopConfigs(t)
	p := NewPath(hops, RoleTransitTraffic, time.Now())
	ctx.AddOwnPath(p)

	now := time.Now()
	if err := p.HandlePathConfirm(&PathConfirmMessage{}, now); err != nil {
		t.Fatalf("HandlePathConfirm: %v", err)
	}

	byTx, _ := ctx.GetByUpstream(nil, p.TXID())
	if byTx != p {
		t.Fatal("expected the established path to be resolvable before timeout")
	}

	ctx.TickPaths(now.Add(FirstMessageGrace + time.Second))

	byTx, _ = ctx.GetByUpstream(nil, p.TXID())
	byRx, _ := ctx.GetByUpstream(nil, p.RXID())
	if byTx != nil || byRx != nil {
		t.Fatal("a Timeout'd path must be evicted from ourPaths, not left routable")
	}
}

func TestExpirePathsEvictsExpiredTransitHops(t *testing.T) {
	ctx := NewContext([]byte("us"), true, logging.New(logging.Error))
	now := time.Now()

	info := TransitHopInfo{Upstream: []byte("prev"), Downstream: []byte("next")}
	info.TxID, _ = NewID()
	info.RxID, _ = NewID()
	h := NewTransitHop(info, HopCrypto{}, time.Minute, now)
	ctx.PutTransitHop(h)

	if !ctx.HasTransitHop(info.TxID) {
		t.Fatal("expected transit hop to be indexed before expiry")
	}

	ctx.ExpirePaths(now.Add(2 * time.Minute))

	if ctx.HasTransitHop(info.TxID) {
		t.Fatal("expected transit hop to be evicted after its lifetime elapsed")
	}
}

func TestExpirePathsDelegatesToBuilders(t *testing.T) {
	db := newPopulatedDB(t, 6)
	ctx := NewContext([]byte("us"), true, logging.New(logging.Error))
	b := NewBuilder(nil, db, nil, func([]byte, []Frame, [][]byte) error { return nil }, 4, 1, RoleTransitTraffic, logging.New(logging.Error))
	ctx.AddBuilder(b)

	now := time.Now()
	if _, err := b.BuildOne(now); err != nil {
		t.Fatalf("BuildOne: %v", err)
	}

	ctx.ExpirePaths(now.Add(BuildTimeout + time.Millisecond))

	if len(b.Paths()) != 0 {
		t.Fatal("expected ExpirePaths to surrender the builder's timed-out path")
	}
}
