package watcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/comit-network/cnd/internal/backend"
	"github.com/comit-network/cnd/internal/contracts/htlc"
	"github.com/comit-network/cnd/internal/swap"
	"github.com/comit-network/cnd/pkg/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ethereumLog = logging.Default().Component("watcher-ethereum")

// htlcABI is parsed once; the same shared contract ABI backs every swap's
// matching predicates since the contract is deployed once per ledger, not
// once per swap (adapted from the donor's per-swap HTLC model to a shared
// contract identified by swapId — see DESIGN.md).
var htlcABI = func() *abi.ABI {
	parsed, err := htlc.KlingonHTLCMetaData.GetAbi()
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EthereumWatcher watches calls to the shared HTLC contract for the
// createSwapNative/createSwapERC20 (Deployed+Funded are atomic in this
// contract, §4.3 adapted), claim (Redeemed), and refund (Refunded) calls
// matching one negotiated HtlcParams.
type EthereumWatcher struct {
	Params          swap.HtlcParams
	StartOfSwap     int64
	Source          BlockSource
	ContractAddress common.Address

	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func NewEthereumWatcher(params swap.HtlcParams, startOfSwap int64, source BlockSource, contractAddress common.Address, pollInterval time.Duration) *EthereumWatcher {
	return &EthereumWatcher{
		Params:          params,
		StartOfSwap:     startOfSwap,
		Source:          source,
		ContractAddress: contractAddress,
		PollInterval:    pollInterval,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      60 * time.Second,
	}
}

type ethState struct {
	swapID       [32]byte
	haveSwapID   bool
	deployHeight int64
	done         bool
	doneHeight   int64
}

func (w *EthereumWatcher) Run(ctx context.Context) <-chan *swap.LedgerState {
	out := make(chan *swap.LedgerState, 8)
	go w.run(ctx, out)
	return out
}

func (w *EthereumWatcher) run(ctx context.Context, out chan<- *swap.LedgerState) {
	defer close(out)

	var st ethState
	var canonical []string
	heights := map[string]int64{}

	emit := func(ls *swap.LedgerState) bool {
		select {
		case out <- ls:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tip, err := w.fetchWithRetry(ctx, func() (*backend.Block, error) { return w.Source.LatestBlock(ctx) })
	if err != nil {
		ethereumLog.Error("back-scan: fetch tip failed", "err", err)
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
			ethereumLog.Error("back-scan: fetch parent failed", "err", err)
			return
		}
		cursor = parent
	}
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

	ethereumLog.Info("watcher: back-scan complete, forward-following", "contract", w.ContractAddress.Hex())

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
			ethereumLog.Warn("forward-follow: fetch tip failed", "err", err)
			continue
		}
		if newTip.Hash == lastTip.Hash {
			continue
		}

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
				ethereumLog.Warn("forward-follow: fetch ancestor failed", "err", err)
				break
			}
			c = p
		}
		for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
			fresh[i], fresh[j] = fresh[j], fresh[i]
		}

		if commonIdx >= 0 && commonIdx < len(canonical)-1 {
			ethereumLog.Info("watcher: reorg detected, rewinding", "common_ancestor", canonical[commonIdx])
			ancestorHeight := heights[canonical[commonIdx]]
			canonical = canonical[:commonIdx+1]

			var rewound *swap.LedgerState
			switch {
			case st.deployHeight > ancestorHeight:
				st = ethState{}
				rewound = &swap.LedgerState{Kind: swap.NotDeployed, Reorg: true, BlockHeight: ancestorHeight}
			case st.doneHeight > ancestorHeight:
				st.done, st.doneHeight = false, 0
				rewound = &swap.LedgerState{Kind: swap.Funded, Reorg: true, Location: w.ContractAddress.Hex(), BlockHeight: ancestorHeight}
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

func (w *EthereumWatcher) scanBlock(b *backend.Block, st *ethState, emit func(*swap.LedgerState) bool) bool {
	for _, tx := range b.Transactions {
		if !strings.EqualFold(tx.To, w.ContractAddress.Hex()) || len(tx.Data) < 4 {
			continue
		}

		method, err := htlcABI.MethodById(tx.Data[:4])
		if err != nil {
			continue
		}

		args, err := method.Inputs.Unpack(tx.Data[4:])
		if err != nil {
			ethereumLog.Error("watcher: malformed calldata", "method", method.Name, "err", err)
			continue
		}

		switch method.Name {
		case "createSwapNative", "createSwapERC20":
			if st.haveSwapID {
				continue
			}
			swapID := args[0].([32]byte)
			receiver := args[1].(common.Address)

			var secretHash [32]byte
			var amount *big.Int
			isERC20 := method.Name == "createSwapERC20"
			if isERC20 {
				amount = args[3].(*big.Int)
				secretHash = args[4].([32]byte)
			} else {
				secretHash = args[2].([32]byte)
			}
			timelock := args[len(args)-1].(*big.Int)

			if !strings.EqualFold(receiver.Hex(), w.Params.RedeemIdentity) {
				continue
			}
			if isERC20 != (w.Params.Asset.Kind == swap.AssetERC20) {
				continue
			}
			if secretHash != toHash32(w.Params.SecretHash) {
				continue
			}
			if timelock.Int64() != w.Params.Expiry {
				continue
			}

			st.swapID = swapID
			st.haveSwapID = true
			st.deployHeight = b.Height
			if !emit(&swap.LedgerState{Kind: swap.Deployed, Location: w.ContractAddress.Hex(), DeployTx: tx.TxID, BlockHeight: b.Height}) {
				return false
			}

			wantQty, ok := new(big.Int).SetString(w.Params.Asset.Quantity, 10)
			if !ok {
				ethereumLog.Error("watcher: malformed asset quantity", "quantity", w.Params.Asset.Quantity)
				return true
			}
			txValue, _ := new(big.Int).SetString(tx.Value, 10)
			fundedOK := (isERC20 && amount.Cmp(wantQty) == 0) || (!isERC20 && txValue != nil && txValue.Cmp(wantQty) == 0)
			if fundedOK {
				if !emit(&swap.LedgerState{Kind: swap.Funded, Location: w.ContractAddress.Hex(), DeployTx: tx.TxID, FundTx: tx.TxID, BlockHeight: b.Height}) {
					return false
				}
				continue
			}

			var gotQty *big.Int
			if isERC20 {
				gotQty = amount
			} else {
				gotQty = txValue
			}
			got := swap.Asset{Kind: w.Params.Asset.Kind, Quantity: amountString(gotQty)}
			ethereumLog.Error((&ErrIncorrectlyFunded{Expected: w.Params.Asset, Got: got}).Error())
			st.done = true
			st.doneHeight = b.Height
			expected := w.Params.Asset
			return emit(&swap.LedgerState{
				Kind: swap.IncorrectlyFunded, Location: w.ContractAddress.Hex(), DeployTx: tx.TxID, FundTx: tx.TxID,
				ExpectedAsset: &expected, ObservedAsset: &got, BlockHeight: b.Height,
			})

		case "claim":
			if !st.haveSwapID || args[0].([32]byte) != st.swapID {
				continue
			}
			secret := args[1].([32]byte)
			st.done, st.doneHeight = true, b.Height
			return emit(&swap.LedgerState{
				Kind: swap.Redeemed, Location: w.ContractAddress.Hex(), DeployTx: tx.TxID, FundTx: tx.TxID,
				RedeemTx: tx.TxID, Secret: secret[:], BlockHeight: b.Height,
			})

		case "refund":
			if !st.haveSwapID || args[0].([32]byte) != st.swapID {
				continue
			}
			st.done, st.doneHeight = true, b.Height
			return emit(&swap.LedgerState{
				Kind: swap.Refunded, Location: w.ContractAddress.Hex(), DeployTx: tx.TxID, FundTx: tx.TxID,
				RefundTx: tx.TxID, BlockHeight: b.Height,
			})
		}
	}
	return true
}

func toHash32(b []byte) [32]byte {
	var h [32]byte
	copy(h[32-len(b):], b)
	return h
}

func amountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func (w *EthereumWatcher) fetchWithRetry(ctx context.Context, fn func() (*backend.Block, error)) (*backend.Block, error) {
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
