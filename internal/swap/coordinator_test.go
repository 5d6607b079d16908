package swap

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"
)

// fakeWatcher replays a fixed slice of ledger states onto its output
// channel, one per call to push, then blocks until ctx is cancelled.
type fakeWatcher struct {
	ch chan *LedgerState
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{ch: make(chan *LedgerState, 8)}
}

func (f *fakeWatcher) push(s *LedgerState) { f.ch <- s }

func (f *fakeWatcher) Run(ctx context.Context) <-chan *LedgerState {
	return f.ch
}

// fakeStore records every persisted call in memory for assertions.
type fakeStore struct {
	mu     sync.Mutex
	comms  []SwapCommunication
	ledger []struct {
		swapID, side string
		state        *LedgerState
	}
}

func (f *fakeStore) SaveSwapCommunicationState(swapID string, comm SwapCommunication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comms = append(f.comms, comm)
	return nil
}

func (f *fakeStore) SaveLedgerEvent(swapID string, ledger string, event *LedgerState, observedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledger = append(f.ledger, struct {
		swapID, side string
		state        *LedgerState
	}{swapID, ledger, event})
	return nil
}

func testCoordinatorSwap(id string, kind CommunicationKind, secretHash []byte) *Swap {
	if secretHash == nil {
		secretHash = bytesRepeat(0xcd, 32)
	}
	return &Swap{
		SwapId:      id,
		Role:        RoleBob,
		StartOfSwap: 1700000000,
		Communication: SwapCommunication{
			Kind: kind,
			Request: Request{
				SecretHash: secretHash,
			},
		},
		Alpha: LedgerState{Kind: NotDeployed},
		Beta:  LedgerState{Kind: NotDeployed},
	}
}

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func waitForDone(t *testing.T, c *Coordinator, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatal("coordinator did not finish in time")
	}
}

func TestCoordinatorDeclineStopsBeforeWatching(t *testing.T) {
	s := testCoordinatorSwap("swap-decline", Proposed, nil)
	store := &fakeStore{}

	factory := func(params HtlcParams, startOfSwap int64) (Watcher, error) {
		t.Fatal("watcher factory should not be invoked for a declined swap")
		return nil, nil
	}

	c := NewCoordinator(s, store, factory, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	reply := make(chan Snapshot, 1)
	c.Commands() <- Command{Decline: "no liquidity", Reply: reply}
	snap := <-reply
	if snap.Swap.Communication.Kind != Declined {
		t.Fatalf("Communication.Kind = %s, want declined", snap.Swap.Communication.Kind)
	}

	waitForDone(t, c, time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.comms) != 1 || store.comms[0].Kind != Declined {
		t.Fatalf("store.comms = %+v, want one Declined entry", store.comms)
	}
}

func TestCoordinatorAcceptThenWatchesToRedeemed(t *testing.T) {
	secret := bytesRepeat(0x11, 32)
	s := testCoordinatorSwap("swap-accept", Proposed, sha256Of(secret))
	store := &fakeStore{}

	alphaW := newFakeWatcher()
	betaW := newFakeWatcher()

	c := NewCoordinator(s, store,
		func(params HtlcParams, startOfSwap int64) (Watcher, error) { return alphaW, nil },
		func(params HtlcParams, startOfSwap int64) (Watcher, error) { return betaW, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	reply := make(chan Snapshot, 1)
	c.Commands() <- Command{Accept: &AcceptResponseBody{BetaLedgerRefundIdentity: "0xaa"}, Reply: reply}
	snap := <-reply
	if snap.Swap.Communication.Kind != Accepted {
		t.Fatalf("Communication.Kind = %s, want accepted", snap.Swap.Communication.Kind)
	}

	alphaW.push(&LedgerState{Kind: Deployed, DeployTx: "tx-a-deploy"})
	alphaW.push(&LedgerState{Kind: Funded, DeployTx: "tx-a-deploy", FundTx: "tx-a-fund"})
	betaW.push(&LedgerState{Kind: Deployed, DeployTx: "tx-b-deploy"})
	betaW.push(&LedgerState{Kind: Funded, DeployTx: "tx-b-deploy", FundTx: "tx-b-fund"})

	alphaW.push(&LedgerState{Kind: Redeemed, FundTx: "tx-a-fund", RedeemTx: "tx-a-redeem", Secret: secret})
	betaW.push(&LedgerState{Kind: Redeemed, FundTx: "tx-b-fund", RedeemTx: "tx-b-redeem", Secret: secret})

	waitForDone(t, c, time.Second)

	if s.Alpha.Kind != Redeemed || s.Beta.Kind != Redeemed {
		t.Fatalf("final state alpha=%s beta=%s, want both Redeemed", s.Alpha.Kind, s.Beta.Kind)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.ledger) != 6 {
		t.Fatalf("got %d persisted ledger events, want 6", len(store.ledger))
	}
}

func TestCoordinatorSnapshotReflectsPlan(t *testing.T) {
	s := testCoordinatorSwap("swap-snap", Accepted, nil)
	s.Role = RoleAlice
	store := &fakeStore{}

	alphaW := newFakeWatcher()
	betaW := newFakeWatcher()
	c := NewCoordinator(s, store,
		func(params HtlcParams, startOfSwap int64) (Watcher, error) { return alphaW, nil },
		func(params HtlcParams, startOfSwap int64) (Watcher, error) { return betaW, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	snap := c.Snapshot()
	if snap.Swap.SwapId != "swap-snap" {
		t.Fatalf("Snapshot swap id = %s, want swap-snap", snap.Swap.SwapId)
	}
	found := false
	for _, a := range snap.Actions {
		if a.Kind == ActionFundAlpha {
			found = true
		}
	}
	if !found {
		t.Fatalf("Actions = %+v, want ActionFundAlpha for an accepted alice swap not yet deployed", snap.Actions)
	}
}

func sha256Of(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
