package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/comit-network/cnd/internal/backend"
	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/swap"
)

// fakeBlockSource serves a fixed, hand-built chain keyed by hash, with
// LatestBlock returning whatever hash `tip` currently names. Tests mutate
// `tip`/`blocks` between Run-equivalent steps to simulate new blocks and
// reorgs without any real node.
type fakeBlockSource struct {
	blocks map[string]*backend.Block
	tip    string
}

func newFakeBlockSource() *fakeBlockSource {
	return &fakeBlockSource{blocks: map[string]*backend.Block{}}
}

func (f *fakeBlockSource) addBlock(b *backend.Block) {
	f.blocks[b.Hash] = b
	f.tip = b.Hash
}

func (f *fakeBlockSource) LatestBlock(ctx context.Context) (*backend.Block, error) {
	b, ok := f.blocks[f.tip]
	if !ok {
		return nil, backend.ErrBlockNotFound
	}
	return b, nil
}

func (f *fakeBlockSource) BlockByHash(ctx context.Context, hash string) (*backend.Block, error) {
	b, ok := f.blocks[hash]
	if !ok {
		return nil, backend.ErrBlockNotFound
	}
	return b, nil
}

func (f *fakeBlockSource) ReceiptByHash(ctx context.Context, txHash string) (*backend.Receipt, error) {
	return nil, fmt.Errorf("watcher: receipts not used in bitcoin tests")
}

func bitcoinTestParams(t *testing.T) (swap.HtlcParams, []byte) {
	t.Helper()
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	secret := bytesOf(0xaa, 32)
	hash := sha256.Sum256(secret)

	return swap.HtlcParams{
		Ledger:         chain.Ledger{Type: chain.TypeBitcoin, Network: chain.Regtest},
		Asset:          swap.Asset{Kind: swap.AssetBitcoin, Quantity: "100000"},
		RedeemIdentity: hex.EncodeToString(receiverPriv.PubKey().SerializeCompressed()),
		RefundIdentity: hex.EncodeToString(senderPriv.PubKey().SerializeCompressed()),
		Expiry:         144,
		SecretHash:     hash[:],
	}, secret
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func drain(t *testing.T, ch <-chan *swap.LedgerState, timeout time.Duration) []*swap.LedgerState {
	t.Helper()
	var out []*swap.LedgerState
	deadline := time.After(timeout)
	for {
		select {
		case ls, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ls)
		case <-deadline:
			return out
		}
	}
}

func TestBitcoinWatcherDeployAndFund(t *testing.T) {
	params, _ := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}

	data, err := params.ComputeBitcoinAddress()
	if err != nil {
		t.Fatalf("ComputeBitcoinAddress: %v", err)
	}

	source := newFakeBlockSource()
	genesis := &backend.Block{Hash: "h0", Height: 0, Timestamp: 800}
	source.addBlock(genesis)

	fundBlock := &backend.Block{
		Hash: "h1", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 100000, Vout: 0, Address: data.Address}},
		}},
	}
	source.addBlock(fundBlock)
	w.Source = source

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := w.Run(ctx)
	events := drain(t, out, 300*time.Millisecond)
	cancel()

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (Deployed, Funded): %+v", len(events), events)
	}
	if events[0].Kind != swap.Deployed {
		t.Errorf("events[0].Kind = %s, want Deployed", events[0].Kind)
	}
	if events[1].Kind != swap.Funded {
		t.Errorf("events[1].Kind = %s, want Funded", events[1].Kind)
	}
	if events[1].Location != data.Address {
		t.Errorf("events[1].Location = %s, want %s", events[1].Location, data.Address)
	}
}

func TestBitcoinWatcherIncorrectlyFunded(t *testing.T) {
	params, _ := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}
	data, _ := params.ComputeBitcoinAddress()

	source := newFakeBlockSource()
	source.addBlock(&backend.Block{Hash: "h0", Height: 0, Timestamp: 800})
	source.addBlock(&backend.Block{
		Hash: "h1", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 1, Vout: 0, Address: data.Address}},
		}},
	})
	w.Source = source

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events := drain(t, w.Run(ctx), 300*time.Millisecond)
	cancel()

	if len(events) != 2 || events[1].Kind != swap.IncorrectlyFunded {
		t.Fatalf("events = %+v, want [Deployed, IncorrectlyFunded]", events)
	}
	if events[1].ObservedAsset == nil || events[1].ObservedAsset.Quantity != "1" {
		t.Errorf("ObservedAsset = %+v, want quantity 1", events[1].ObservedAsset)
	}
}

func TestBitcoinWatcherRedeem(t *testing.T) {
	params, secret := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}
	data, _ := params.ComputeBitcoinAddress()

	source := newFakeBlockSource()
	source.addBlock(&backend.Block{Hash: "h0", Height: 0, Timestamp: 800})
	source.addBlock(&backend.Block{
		Hash: "h1", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 100000, Vout: 0, Address: data.Address}},
		}},
	})
	source.addBlock(&backend.Block{
		Hash: "h2", ParentHash: "h1", Height: 2, Timestamp: 1010,
		Transactions: []backend.Tx{{
			TxID: "redeemtx",
			Vin: []backend.TxIn{{
				PrevTxID: "fundtx", PrevVout: 0,
				Witness: [][]byte{{0x01}, secret, {0x01}, {0x02}},
			}},
		}},
	})
	w.Source = source

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events := drain(t, w.Run(ctx), 300*time.Millisecond)
	cancel()

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	last := events[2]
	if last.Kind != swap.Redeemed {
		t.Fatalf("last.Kind = %s, want Redeemed", last.Kind)
	}
	if hex.EncodeToString(last.Secret) != hex.EncodeToString(secret) {
		t.Errorf("Secret = %x, want %x", last.Secret, secret)
	}
}

func TestBitcoinWatcherRefund(t *testing.T) {
	params, _ := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}
	data, _ := params.ComputeBitcoinAddress()

	source := newFakeBlockSource()
	source.addBlock(&backend.Block{Hash: "h0", Height: 0, Timestamp: 800})
	source.addBlock(&backend.Block{
		Hash: "h1", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 100000, Vout: 0, Address: data.Address}},
		}},
	})
	source.addBlock(&backend.Block{
		Hash: "h2", ParentHash: "h1", Height: 2, Timestamp: 1010,
		Transactions: []backend.Tx{{
			TxID: "refundtx",
			Vin: []backend.TxIn{{
				PrevTxID: "fundtx", PrevVout: 0,
				Witness: [][]byte{{0x01}, {}, {0x02}},
			}},
		}},
	})
	w.Source = source

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events := drain(t, w.Run(ctx), 300*time.Millisecond)
	cancel()

	if len(events) != 3 || events[2].Kind != swap.Refunded {
		t.Fatalf("events = %+v, want [..., Refunded]", events)
	}
}

func TestBitcoinWatcherReorgRewindsDeployHeight(t *testing.T) {
	params, _ := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}

	source := newFakeBlockSource()
	source.addBlock(&backend.Block{Hash: "h0", Height: 0, Timestamp: 800})
	w.Source = source

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := w.Run(ctx)

	// Back-scan settles on h0 with nothing funded yet; forward-follow then
	// observes a fork: h1a is replaced by h1b before any deploy is seen, so
	// no event should ever fire for h1a.
	time.Sleep(30 * time.Millisecond)

	source.blocks["h1a"] = &backend.Block{Hash: "h1a", ParentHash: "h0", Height: 1, Timestamp: 1000}
	source.tip = "h1a"
	time.Sleep(30 * time.Millisecond)

	data, _ := params.ComputeBitcoinAddress()
	source.blocks["h1b"] = &backend.Block{
		Hash: "h1b", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 100000, Vout: 0, Address: data.Address}},
		}},
	}
	source.tip = "h1b"

	events := drain(t, out, 300*time.Millisecond)
	cancel()

	if len(events) != 2 || events[0].Kind != swap.Deployed || events[0].DeployTx != "fundtx" {
		t.Fatalf("events = %+v, want Deployed/Funded from h1b's fundtx", events)
	}
}

func TestBitcoinWatcherReorgRewindsFundedState(t *testing.T) {
	params, _ := bitcoinTestParams(t)
	w, err := NewBitcoinWatcher(params, 900, nil, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBitcoinWatcher: %v", err)
	}
	data, _ := params.ComputeBitcoinAddress()

	source := newFakeBlockSource()
	source.addBlock(&backend.Block{Hash: "h0", Height: 0, Timestamp: 800})
	source.addBlock(&backend.Block{
		Hash: "h1", ParentHash: "h0", Height: 1, Timestamp: 1000,
		Transactions: []backend.Tx{{
			TxID: "fundtx",
			Vout: []backend.TxOut{{Value: 100000, Vout: 0, Address: data.Address}},
		}},
	})
	w.Source = source

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := w.Run(ctx)

	// Back-scan observes Deployed+Funded at h1. A reorg then replaces h1
	// with an empty h1b, orphaning the funding transaction entirely.
	events := drain(t, out, 200*time.Millisecond)
	if len(events) != 2 || events[1].Kind != swap.Funded {
		t.Fatalf("events = %+v, want [Deployed, Funded] before reorg", events)
	}

	source.blocks["h1b"] = &backend.Block{Hash: "h1b", ParentHash: "h0", Height: 1, Timestamp: 1000}
	source.tip = "h1b"

	rewind := drain(t, out, 300*time.Millisecond)
	cancel()

	if len(rewind) != 1 {
		t.Fatalf("got %d rewind events, want 1: %+v", len(rewind), rewind)
	}
	if rewind[0].Kind != swap.NotDeployed {
		t.Errorf("rewind[0].Kind = %s, want NotDeployed", rewind[0].Kind)
	}
	if !rewind[0].Reorg {
		t.Errorf("rewind[0].Reorg = false, want true")
	}

	m := swap.NewMachine(&swap.Swap{Alpha: swap.LedgerState{Kind: swap.Funded}})
	if err := m.Apply(swap.Event{Side: swap.SideAlpha, Ledger: rewind[0]}); err != nil {
		t.Fatalf("Apply(reorg rewind) error = %v", err)
	}
	if m.Swap().Alpha.Kind != swap.NotDeployed {
		t.Errorf("machine accepted reorg rewind to %s, want NotDeployed", m.Swap().Alpha.Kind)
	}
}
