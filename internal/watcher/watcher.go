// Package watcher implements the HTLC event watcher (back-scan, then
// forward-follow with reorg tolerance) for both ledger families. Two
// concrete implementations, BitcoinWatcher and EthereumWatcher, satisfy the
// common Watcher interface; the matching predicates differ (UTXO spend vs.
// shared-contract call), so no attempt is made to express them generically.
package watcher

import (
	"context"
	"fmt"

	"github.com/comit-network/cnd/internal/backend"
	"github.com/comit-network/cnd/internal/swap"
)

// BlockSource is the subset of backend.Connector the watcher needs. Declared
// separately so tests can supply a hand-rolled fake without importing the
// backend package's HTTP/RPC machinery.
type BlockSource interface {
	LatestBlock(ctx context.Context) (*backend.Block, error)
	BlockByHash(ctx context.Context, hash string) (*backend.Block, error)
	ReceiptByHash(ctx context.Context, txHash string) (*backend.Receipt, error)
}

// Watcher produces a lazy, single-pass sequence of LedgerState transitions
// for one side of one swap: Deployed -> Funded -> (Redeemed|Refunded), with
// IncorrectlyFunded replacing Funded as a terminal leaf. Run returns at once;
// the returned channel is closed when ctx is cancelled or the sequence
// reaches a terminal state.
type Watcher interface {
	Run(ctx context.Context) <-chan *swap.LedgerState
}

// ErrIncorrectlyFunded marks a Funded observation whose amount does not
// match the negotiated asset. It is never returned from a function; it is
// logged at the point an IncorrectlyFunded event is placed on the channel
// (§7, §10.3) since incorrect funding is a terminal *event*, not a call
// failure.
type ErrIncorrectlyFunded struct {
	Expected swap.Asset
	Got      swap.Asset
}

func (e *ErrIncorrectlyFunded) Error() string {
	return fmt.Sprintf("watcher: incorrect funding: expected %s %s, got %s %s",
		e.Expected.Quantity, e.Expected.Kind, e.Got.Quantity, e.Got.Kind)
}

// backoffStep returns the n-th exponential backoff duration capped at max, base
// doubling each step (§4.3.6's min(2^n * base, cap)).
func backoffStep(n int, base, max int64) int64 {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
