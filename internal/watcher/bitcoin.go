package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/comit-network/cnd/internal/backend"
	"github.com/comit-network/cnd/internal/swap"
	"github.com/comit-network/cnd/pkg/logging"
)

var bitcoinLog = logging.Default().Component("watcher-bitcoin")

// BitcoinWatcher watches one Bitcoin-family HtlcParams for deploy/fund/
// redeem/refund against its P2WSH address.
type BitcoinWatcher struct {
	Params      swap.HtlcParams
	StartOfSwap int64
	Source      BlockSource

	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	scriptPubKey string // hex, matched against TxOut.ScriptPubKey
	address      string
}

// NewBitcoinWatcher precomputes the funding address/script from params.
func NewBitcoinWatcher(params swap.HtlcParams, startOfSwap int64, source BlockSource, pollInterval time.Duration) (*BitcoinWatcher, error) {
	data, err := params.ComputeBitcoinAddress()
	if err != nil {
		return nil, err
	}
	return &BitcoinWatcher{
		Params:       params,
		StartOfSwap:  startOfSwap,
		Source:       source,
		PollInterval: pollInterval,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   60 * time.Second,
		scriptPubKey: hex.EncodeToString(swap.BuildP2WSHScriptPubKey(data.Script)),
		address:      data.Address,
	}, nil
}

// chainState is the watcher's rewindable view of what it has found so far,
// each field tagged with the height it was observed at so a reorg can
// selectively roll it back (§4.3.5).
type chainState struct {
	deployTxID, deployAddr string
	deployVout             uint32
	deployHeight           int64

	fundedKind swap.LedgerStateKind // Funded or IncorrectlyFunded, zero until known
	fundHeight int64

	done       bool
	doneKind   swap.LedgerStateKind // Redeemed or Refunded
	doneTxID   string
	doneSecret []byte
	doneHeight int64
}

func (w *BitcoinWatcher) Run(ctx context.Context) <-chan *swap.LedgerState {
	out := make(chan *swap.LedgerState, 8)
	go w.run(ctx, out)
	return out
}

func (w *BitcoinWatcher) run(ctx context.Context, out chan<- *swap.LedgerState) {
	defer close(out)

	var st chainState
	var canonical []string // hashes oldest -> newest, processed so far
	heights := map[string]int64{}

	emit := func(ls *swap.LedgerState) bool {
		select {
		case out <- ls:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Back-scan: walk from tip backward by parent hash until the block
	// predates start_of_swap, collecting the chain oldest-first.
	tip, err := w.fetchWithRetry(ctx, func() (*backend.Block, error) { return w.Source.LatestBlock(ctx) })
	if err != nil {
		bitcoinLog.Error("back-scan: fetch tip failed", "err", err)
		return
	}

	var chain []*backend.Block
	cursor := tip
	for cursor != nil {
		chain = append(chain, cursor)
		if cursor.Timestamp < w.StartOfSwap || cursor.ParentHash == "" {
			break
		}
		if ctx.Err() != nil {
			return
		}
		parent, err := w.fetchWithRetry(ctx, func() (*backend.Block, error) { return w.Source.BlockByHash(ctx, cursor.ParentHash) })
		if err != nil {
			bitcoinLog.Error("back-scan: fetch parent failed", "err", err)
			return
		}
		cursor = parent
	}
	// reverse into oldest-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	for _, b := range chain {
		if !w.scanBlock(b, &st, emit) {
			return
		}
		canonical = append(canonical, b.Hash)
		heights[b.Hash] = b.Height
		if st.done {
			return
		}
	}

	bitcoinLog.Info("watcher: back-scan complete, forward-following", "address", w.address)

	// Forward-follow with reorg tolerance.
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	lastTip := tip
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if st.done {
			return
		}

		newTip, err := w.fetchWithRetry(ctx, func() (*backend.Block, error) { return w.Source.LatestBlock(ctx) })
		if err != nil {
			bitcoinLog.Warn("forward-follow: fetch tip failed", "err", err)
			continue
		}
		if newTip.Hash == lastTip.Hash {
			continue
		}

		// Collect ancestors of newTip back to the last common ancestor
		// with `canonical`.
		var fresh []*backend.Block
		c := newTip
		commonIdx := -1
		for c != nil {
			if idx := indexOf(canonical, c.Hash); idx >= 0 {
				commonIdx = idx
				break
			}
			fresh = append(fresh, c)
			if c.ParentHash == "" {
				break
			}
			p, err := w.fetchWithRetry(ctx, func() (*backend.Block, error) { return w.Source.BlockByHash(ctx, c.ParentHash) })
			if err != nil {
				bitcoinLog.Warn("forward-follow: fetch ancestor failed", "err", err)
				break
			}
			c = p
		}
		for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
			fresh[i], fresh[j] = fresh[j], fresh[i]
		}

		if commonIdx >= 0 && commonIdx < len(canonical)-1 {
			bitcoinLog.Info("watcher: reorg detected, rewinding", "common_ancestor", canonical[commonIdx])
			ancestorHeight := heights[canonical[commonIdx]]
			canonical = canonical[:commonIdx+1]

			var rewound *swap.LedgerState
			switch {
			case st.deployHeight > ancestorHeight:
				st = chainState{}
				rewound = &swap.LedgerState{Kind: swap.NotDeployed, Reorg: true, BlockHeight: ancestorHeight}
			case st.fundHeight > ancestorHeight:
				st.fundedKind = ""
				st.fundHeight = 0
				st.done, st.doneKind, st.doneTxID, st.doneSecret, st.doneHeight = false, "", "", nil, 0
				rewound = &swap.LedgerState{Kind: swap.Deployed, Reorg: true, Location: w.address, DeployTx: st.deployTxID, BlockHeight: ancestorHeight}
			case st.doneHeight > ancestorHeight:
				st.done, st.doneKind, st.doneTxID, st.doneSecret, st.doneHeight = false, "", "", nil, 0
				rewound = &swap.LedgerState{Kind: swap.Funded, Reorg: true, Location: w.address, DeployTx: st.deployTxID, FundTx: st.deployTxID, BlockHeight: ancestorHeight}
			}
			if rewound != nil && !emit(rewound) {
				return
			}
		}

		for _, b := range fresh {
			if !w.scanBlock(b, &st, emit) {
				return
			}
			canonical = append(canonical, b.Hash)
			heights[b.Hash] = b.Height
			if st.done {
				return
			}
		}
		lastTip = newTip
	}
}

// scanBlock applies the matching predicates to every transaction in b and
// emits any newly observed event, returning false if the caller cancelled.
func (w *BitcoinWatcher) scanBlock(b *backend.Block, st *chainState, emit func(*swap.LedgerState) bool) bool {
	if st.deployTxID == "" {
		for _, tx := range b.Transactions {
			for _, o := range tx.Vout {
				if o.ScriptPubKey == w.scriptPubKey || (w.address != "" && o.Address == w.address) {
					st.deployTxID = tx.TxID
					st.deployVout = o.Vout
					st.deployAddr = w.address
					st.deployHeight = b.Height

					ls := &swap.LedgerState{
						Kind:        swap.Deployed,
						Location:    w.address,
						DeployTx:    tx.TxID,
						BlockHeight: b.Height,
					}
					if !emit(ls) {
						return false
					}

					wantSats, err := strconv.ParseUint(w.Params.Asset.Quantity, 10, 64)
					if err != nil {
						bitcoinLog.Error("watcher: malformed asset quantity", "quantity", w.Params.Asset.Quantity)
						return true
					}
					if o.Value == wantSats {
						st.fundedKind = swap.Funded
						st.fundHeight = b.Height
						if !emit(&swap.LedgerState{Kind: swap.Funded, Location: w.address, DeployTx: tx.TxID, FundTx: tx.TxID, BlockHeight: b.Height}) {
							return false
						}
					} else {
						got := swap.Asset{Kind: swap.AssetBitcoin, Quantity: strconv.FormatUint(o.Value, 10)}
						bitcoinLog.Error((&ErrIncorrectlyFunded{Expected: w.Params.Asset, Got: got}).Error())
						st.fundedKind = swap.IncorrectlyFunded
						st.fundHeight = b.Height
						st.done = true
						expected := w.Params.Asset
						if !emit(&swap.LedgerState{
							Kind: swap.IncorrectlyFunded, Location: w.address, DeployTx: tx.TxID, FundTx: tx.TxID,
							ExpectedAsset: &expected, ObservedAsset: &got, BlockHeight: b.Height,
						}) {
							return false
						}
						return true
					}
					break
				}
			}
			if st.deployTxID != "" {
				break
			}
		}
		return true
	}

	if st.fundedKind != swap.Funded {
		return true
	}

	for _, tx := range b.Transactions {
		for _, in := range tx.Vin {
			if in.PrevTxID != st.deployTxID || in.PrevVout != st.deployVout {
				continue
			}
			wit := in.Witness
			switch {
			case len(wit) == 4 && len(wit[2]) > 0:
				st.done = true
				st.doneKind = swap.Redeemed
				st.doneTxID = tx.TxID
				st.doneSecret = wit[1]
				st.doneHeight = b.Height
				return emit(&swap.LedgerState{
					Kind: swap.Redeemed, Location: w.address, DeployTx: st.deployTxID, FundTx: st.deployTxID,
					RedeemTx: tx.TxID, Secret: wit[1], BlockHeight: b.Height,
				})
			case len(wit) == 3 && len(wit[1]) == 0:
				st.done = true
				st.doneKind = swap.Refunded
				st.doneTxID = tx.TxID
				st.doneHeight = b.Height
				return emit(&swap.LedgerState{
					Kind: swap.Refunded, Location: w.address, DeployTx: st.deployTxID, FundTx: st.deployTxID,
					RefundTx: tx.TxID, BlockHeight: b.Height,
				})
			}
		}
	}
	return true
}

func (w *BitcoinWatcher) fetchWithRetry(ctx context.Context, fn func() (*backend.Block, error)) (*backend.Block, error) {
	var transportErr *backend.TransportError
	for n := 0; ; n++ {
		b, err := fn()
		if err == nil {
			return b, nil
		}
		if !errors.As(err, &transportErr) {
			return nil, err
		}
		wait := time.Duration(backoffStep(n, int64(w.BaseBackoff), int64(w.MaxBackoff)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
