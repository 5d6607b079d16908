package node

import (
	"encoding/json"
	"testing"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/swap"
)

func TestDiscoveryAnnouncementRoundTrip(t *testing.T) {
	ann := DiscoveryAnnouncement{
		PeerID:    "12D3KooWtest",
		Ledgers:   []chain.Type{chain.TypeBitcoin, chain.TypeEVM},
		Assets:    []swap.AssetKind{swap.AssetBitcoin, swap.AssetEther},
		Timestamp: 1735689600,
	}

	data, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got DiscoveryAnnouncement
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.PeerID != ann.PeerID {
		t.Errorf("expected peer id %s, got %s", ann.PeerID, got.PeerID)
	}
	if len(got.Ledgers) != 2 || len(got.Assets) != 2 {
		t.Errorf("expected 2 ledgers and 2 assets, got %d/%d", len(got.Ledgers), len(got.Assets))
	}
	if got.Timestamp != ann.Timestamp {
		t.Errorf("expected timestamp %d, got %d", ann.Timestamp, got.Timestamp)
	}
}

func TestSortedLedgerTypesSkipsDisabled(t *testing.T) {
	m := map[chain.Type]bool{
		chain.TypeBitcoin: true,
		chain.TypeEVM:     false,
	}

	got := sortedLedgerTypes(m)
	if len(got) != 1 || got[0] != chain.TypeBitcoin {
		t.Errorf("expected only [TypeBitcoin], got %v", got)
	}
}

func TestSortedAssetKindsSkipsDisabled(t *testing.T) {
	m := map[swap.AssetKind]bool{
		swap.AssetBitcoin: true,
		swap.AssetERC20:   false,
		swap.AssetEther:   true,
	}

	got := sortedAssetKinds(m)
	if len(got) != 2 {
		t.Errorf("expected 2 enabled asset kinds, got %d", len(got))
	}
}
