package ownership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// router delivers envelopes between in-process coordinators the way a
// session transport would.
type router struct {
	mu    sync.Mutex
	peers map[PeerID]*Coordinator
}

func newRouter() *router {
	return &router{peers: make(map[PeerID]*Coordinator)}
}

func (r *router) attach(id PeerID, c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = c
}

type peerBus struct {
	router *router
	self   PeerID
}

func (b *peerBus) SendTo(peer PeerID, data []byte) error {
	b.router.mu.Lock()
	target := b.router.peers[peer]
	b.router.mu.Unlock()
	if target == nil {
		return errors.New("no such peer")
	}
	target.HandleMessage(data)
	return nil
}

func (b *peerBus) Broadcast(data []byte) error {
	b.router.mu.Lock()
	targets := make([]*Coordinator, 0, len(b.router.peers))
	for id, c := range b.router.peers {
		if id != b.self {
			targets = append(targets, c)
		}
	}
	b.router.mu.Unlock()
	for _, c := range targets {
		c.HandleMessage(data)
	}
	return nil
}

type transferCall struct {
	object ObjectID
	peer   PeerID
}

type fakeTransferrer struct {
	mu    sync.Mutex
	calls []transferCall
	fail  error
}

func (f *fakeTransferrer) TransferOwnership(object ObjectID, peer PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, transferCall{object: object, peer: peer})
	return nil
}

func (f *fakeTransferrer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type cluster struct {
	authority *Coordinator
	clients   map[PeerID]*Coordinator
	transfer  *fakeTransferrer
}

func startCluster(t *testing.T, clientIDs ...PeerID) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := newRouter()
	transfer := &fakeTransferrer{}
	logger := zerolog.Nop()

	auth := WithAuthority("host", &peerBus{router: r, self: "host"}, transfer, logger)
	r.attach("host", auth)
	go auth.Run(ctx)

	cl := &cluster{authority: auth, clients: make(map[PeerID]*Coordinator), transfer: transfer}
	for _, id := range clientIDs {
		c := New(id, "host", &peerBus{router: r, self: id}, transfer, logger)
		r.attach(id, c)
		go c.Run(ctx)
		cl.clients[id] = c
	}
	return cl
}

func waitResult(t *testing.T, ch <-chan HoldResult) HoldResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hold result")
		return HoldResult{}
	}
}

func TestRequestHoldGrantsFreeObject(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("crate", ObjectConfig{UnlockOnRelease: true})

	ch, err := cl.clients["p1"].RequestHold("crate")
	if err != nil {
		t.Fatalf("request hold: %v", err)
	}
	res := waitResult(t, ch)
	if !res.Granted || res.Holder != "p1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if holder, _ := cl.authority.HeldBy("crate"); holder != "p1" {
		t.Fatalf("authority records holder %q", holder)
	}
	if !cl.clients["p1"].CanInteract("crate") {
		t.Fatal("holder cannot interact")
	}
	if cl.clients["p2"].CanInteract("crate") {
		t.Fatal("non-holder can interact while object is held")
	}
	if cl.transfer.callCount() != 1 {
		t.Fatalf("expected 1 transport transfer, got %d", cl.transfer.callCount())
	}
}

func TestConcurrentRequestsExactlyOneWinner(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("lamp", ObjectConfig{UnlockOnRelease: true})

	ch1, err := cl.clients["p1"].RequestHold("lamp")
	if err != nil {
		t.Fatalf("p1 request: %v", err)
	}
	ch2, err := cl.clients["p2"].RequestHold("lamp")
	if err != nil {
		t.Fatalf("p2 request: %v", err)
	}

	res1 := waitResult(t, ch1)
	res2 := waitResult(t, ch2)
	if res1.Granted == res2.Granted {
		t.Fatalf("expected exactly one winner: %+v vs %+v", res1, res2)
	}
	winner, _ := cl.authority.HeldBy("lamp")
	// The loser observes the winner's id and no error.
	for _, res := range []HoldResult{res1, res2} {
		if res.Holder != winner {
			t.Fatalf("result holder %q, authority holder %q", res.Holder, winner)
		}
	}
}

func TestRequestAgainstHeldObjectIsSilentlyDropped(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("door", ObjectConfig{UnlockOnRelease: true})

	first, _ := cl.clients["p1"].RequestHold("door")
	waitResult(t, first)

	// Wait until p2's replica observes the grant.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if holder, ok := cl.clients["p2"].HeldBy("door"); ok && holder == "p1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("p2 never observed the grant")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// p2's request loses without an error; it just observes the winner.
	ch, err := cl.clients["p2"].RequestHold("door")
	if err != nil {
		t.Fatalf("p2 request: %v", err)
	}
	res := waitResult(t, ch)
	if res.Granted {
		t.Fatalf("drop must not grant: %+v", res)
	}
	if res.Holder != "p1" {
		t.Fatalf("loser should observe the winner, got %q", res.Holder)
	}
	if holder, _ := cl.authority.HeldBy("door"); holder != "p1" {
		t.Fatalf("authority holder changed to %q", holder)
	}
}

func TestReleaseSoftLockKeepsHolder(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("tablet", ObjectConfig{UnlockOnRelease: false})

	ch, _ := cl.clients["p1"].RequestHold("tablet")
	waitResult(t, ch)
	transfersAfterGrant := cl.transfer.callCount()

	if err := cl.clients["p1"].Release("tablet"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// The release still broadcasts state; wait for it to land on p2.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if holder, ok := cl.clients["p2"].HeldBy("tablet"); ok && holder == "p1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("p2 never observed the post-release state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if holder, _ := cl.authority.HeldBy("tablet"); holder != "p1" {
		t.Fatalf("soft lock released holder, got %q", holder)
	}
	if cl.clients["p2"].CanInteract("tablet") {
		t.Fatal("soft-locked object must stay reserved")
	}
	if cl.transfer.callCount() != transfersAfterGrant {
		t.Fatal("soft-lock release must not move transport ownership")
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("chair", ObjectConfig{UnlockOnRelease: true})

	ch, _ := cl.clients["p1"].RequestHold("chair")
	waitResult(t, ch)

	if err := cl.clients["p2"].Release("chair"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
}

func TestFailedTransferAbortsGrant(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1")
	cl.authority.Register("vase", ObjectConfig{UnlockOnRelease: true})
	cl.transfer.fail = errors.New("transport rejected transfer")

	ch, err := cl.clients["p1"].RequestHold("vase")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// The aborted grant must resolve the requester's future with the
	// object still free, not leave it blocked until teardown.
	select {
	case res := <-ch:
		if res.Granted || res.Holder != "" {
			t.Fatalf("unexpected hold result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hold future never resolved after aborted grant")
	}

	if holder, ok := cl.authority.HeldBy("vase"); ok {
		t.Fatalf("grant went through despite failed transfer: %q", holder)
	}
	if !cl.authority.CanInteract("vase") {
		t.Fatal("object should remain free")
	}
	if holder, ok := cl.clients["p1"].HeldBy("vase"); ok {
		t.Fatalf("requester replica marks holder %q", holder)
	}
}

func TestAuthorityCanHoldAndReleaseLocally(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1")
	cl.authority.Register("panel", ObjectConfig{UnlockOnRelease: true})

	ch, err := cl.authority.RequestHold("panel")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res := waitResult(t, ch)
	if !res.Granted {
		t.Fatalf("authority request not granted: %+v", res)
	}
	if err := cl.authority.Release("panel"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if holder, ok := cl.authority.HeldBy("panel"); ok {
		t.Fatalf("expected free object, holder %q", holder)
	}
}

func TestLateJoinerSyncsReplicatedState(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "late")
	cl.authority.Register("globe", ObjectConfig{UnlockOnRelease: true})

	ch, _ := cl.clients["p1"].RequestHold("globe")
	waitResult(t, ch)

	if err := cl.authority.SyncTo("late"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if holder, ok := cl.clients["late"].HeldBy("globe"); ok && holder == "p1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late joiner never converged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cl.clients["late"].CanInteract("globe") {
		t.Fatal("late joiner must see the object as held")
	}
}

func TestStateSyncFromNonAuthorityIgnored(t *testing.T) {
	t.Parallel()
	cl := startCluster(t, "p1", "p2")
	cl.authority.Register("statue", ObjectConfig{UnlockOnRelease: true})

	forged, err := MarshalEnvelope(Envelope{Type: MsgStateSync, Object: "statue", Sender: "p1", Holder: "p1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cl.clients["p2"].HandleMessage(forged)

	// p2 keeps treating the object as free.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if holder, ok := cl.clients["p2"].HeldBy("statue"); ok {
			t.Fatalf("forged sync applied: %q", holder)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnvelopeRejectsUnknownType(t *testing.T) {
	t.Parallel()
	if _, err := MarshalEnvelope(Envelope{Type: "steal", Object: "x", Sender: "p"}); !errors.Is(err, ErrInvalidMsgType) {
		t.Fatalf("expected ErrInvalidMsgType, got %v", err)
	}
	if _, err := UnmarshalEnvelope([]byte(`{"type":"steal","object":"x"}`)); !errors.Is(err, ErrInvalidMsgType) {
		t.Fatalf("expected ErrInvalidMsgType, got %v", err)
	}
}
