package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/pkg/logging"
)

var coordinatorLog = logging.Default().Component("coordinator")

// Watcher is the minimal surface the coordinator drives: a lazy sequence of
// ledger-state transitions for one side of one swap. watcher.BitcoinWatcher
// and watcher.EthereumWatcher both satisfy this (it is watcher.Watcher
// restated here to avoid an import cycle: watcher imports swap for
// LedgerState/HtlcParams, so swap cannot import watcher back).
type Watcher interface {
	Run(ctx context.Context) <-chan *LedgerState
}

// WatcherFactory builds the alpha/beta watchers for a swap once its
// HtlcParams are known, keyed by ledger type. The coordinator is agnostic to
// how a watcher fetches blocks; cmd/cnd wires the concrete
// watcher.NewBitcoinWatcher/NewEthereumWatcher constructors in here.
type WatcherFactory func(params HtlcParams, startOfSwap int64) (Watcher, error)

// Store is the subset of storage.Storage the coordinator needs, declared
// locally so this package does not import storage (storage imports swap for
// its record types, so the dependency only runs one way).
type Store interface {
	SaveSwapCommunicationState(swapID string, comm SwapCommunication) error
	SaveLedgerEvent(swapID string, ledger string, event *LedgerState, observedAt int64) error
}

// Command is one operator-issued instruction delivered to a running
// coordinator: accept/decline a still-Proposed swap, or force a refund
// attempt once its expiry has passed (§4.9's command channel).
type Command struct {
	Accept  *AcceptResponseBody
	Decline string

	// RefundSide asks the coordinator to re-emit the current Plan() so the
	// caller can re-read ActionRefundAlpha/ActionRefundBeta; the coordinator
	// does not broadcast transactions itself (§10.4: that stays operator- or
	// wallet-side), it only confirms the action is currently available.
	RefundSide Side

	// Reply, if non-nil, receives the snapshot taken immediately after the
	// command was applied.
	Reply chan<- Snapshot
}

// Snapshot is the coordinator's read-only view of one swap: its current
// aggregate state plus the actions the planner currently offers.
type Snapshot struct {
	Swap    Swap
	Actions []Action
}

// Coordinator owns one running swap (§4.9): it wires a Machine (C6), the
// planner (C7), and two Watchers (C3) together, consuming commands that
// originate from the negotiation protocol (C8) or an operator, and
// publishing every state transition through Store (C10). It holds no lock of
// its own — the owning goroutine is the only writer to its Swap — and
// exposes state to other goroutines only via Snapshot().
type Coordinator struct {
	machine *Machine
	store   Store
	clock   func() int64

	alphaWatcherFactory WatcherFactory
	betaWatcherFactory  WatcherFactory

	commands  chan Command
	snapshots chan chan<- Snapshot
	done      chan struct{}
}

// NewCoordinator wraps a freshly loaded (or freshly negotiated) swap
// aggregate. alphaFactory/betaFactory are invoked once Communication reaches
// Accepted, keyed by ledger type so the same Coordinator type drives any
// Bitcoin/Ethereum pairing (§4.9's "watchers are bound to per-ledger
// connectors").
func NewCoordinator(s *Swap, store Store, alphaFactory, betaFactory WatcherFactory) *Coordinator {
	return &Coordinator{
		machine:             NewMachine(s),
		store:               store,
		clock:               func() int64 { return time.Now().Unix() },
		alphaWatcherFactory: alphaFactory,
		betaWatcherFactory:  betaFactory,
		commands:            make(chan Command, 4),
		snapshots:           make(chan chan<- Snapshot, 4),
		done:                make(chan struct{}),
	}
}

// Commands returns the channel callers send accept/decline/refund-now
// instructions on.
func (c *Coordinator) Commands() chan<- Command { return c.commands }

// Snapshot blocks for the coordinator's current view, or returns the zero
// Snapshot if the coordinator has already stopped.
func (c *Coordinator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case c.snapshots <- reply:
	case <-c.done:
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return Snapshot{}
	}
}

// Done reports when the coordinator's goroutine has exited, either because
// the swap finished (§3's lifecycle clause) or because it was declined.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run drives the swap to completion: waiting on acceptance if still
// Proposed, then watching both ledgers until IsFinished, applying every
// event through the Machine and persisting it via Store. Run returns when
// ctx is cancelled or the swap reaches a terminal state.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	swapID := c.machine.Swap().SwapId
	coordinatorLog.Info("coordinator: starting", "swap_id", swapID, "role", c.machine.Swap().Role)

	if c.machine.Swap().Communication.Kind == Proposed {
		if !c.awaitDecision(ctx) {
			return
		}
	}
	if c.machine.Swap().Communication.Kind != Accepted {
		coordinatorLog.Info("coordinator: swap declined, stopping", "swap_id", swapID)
		return
	}

	alphaW, err := c.alphaWatcherFactory(c.machine.Swap().AlphaParams(), c.machine.Swap().StartOfSwap)
	if err != nil {
		coordinatorLog.Error("coordinator: build alpha watcher", "swap_id", swapID, "err", err)
		return
	}
	betaW, err := c.betaWatcherFactory(c.machine.Swap().BetaParams(), c.machine.Swap().StartOfSwap)
	if err != nil {
		coordinatorLog.Error("coordinator: build beta watcher", "swap_id", swapID, "err", err)
		return
	}

	alphaCh := alphaW.Run(ctx)
	betaCh := betaW.Run(ctx)

	for {
		if c.machine.Swap().IsFinished() {
			coordinatorLog.Info("coordinator: swap finished", "swap_id", swapID)
			return
		}

		select {
		case <-ctx.Done():
			return

		case ls, ok := <-alphaCh:
			if !ok {
				alphaCh = nil
				continue
			}
			c.applyLedger(SideAlpha, ls)

		case ls, ok := <-betaCh:
			if !ok {
				betaCh = nil
				continue
			}
			c.applyLedger(SideBeta, ls)

		case cmd := <-c.commands:
			c.handleCommand(cmd)

		case reply := <-c.snapshots:
			c.replySnapshot(reply)
		}
	}
}

// awaitDecision blocks until an accept/decline command arrives or ctx is
// cancelled, returning false on cancellation.
func (c *Coordinator) awaitDecision(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-c.commands:
			c.handleCommand(cmd)
			if c.machine.Swap().Communication.Kind != Proposed {
				return true
			}
		case reply := <-c.snapshots:
			c.replySnapshot(reply)
		}
	}
}

func (c *Coordinator) handleCommand(cmd Command) {
	swapID := c.machine.Swap().SwapId
	switch {
	case cmd.Accept != nil:
		if err := c.machine.Apply(Event{Accept: cmd.Accept}); err != nil {
			coordinatorLog.Error("coordinator: apply accept", "swap_id", swapID, "err", err)
			break
		}
		c.persistCommunication()
	case cmd.Decline != "":
		if err := c.machine.Apply(Event{Decline: cmd.Decline}); err != nil {
			coordinatorLog.Error("coordinator: apply decline", "swap_id", swapID, "err", err)
			break
		}
		c.persistCommunication()
	case cmd.RefundSide != "":
		coordinatorLog.Debug("coordinator: refund-now requested", "swap_id", swapID, "side", cmd.RefundSide)
	}
	if cmd.Reply != nil {
		c.replySnapshot(cmd.Reply)
	}
}

func (c *Coordinator) applyLedger(side Side, ls *LedgerState) {
	swapID := c.machine.Swap().SwapId
	if err := c.machine.Apply(Event{Side: side, Ledger: ls}); err != nil {
		coordinatorLog.Error("coordinator: apply ledger event", "swap_id", swapID, "side", side, "err", err)
		return
	}

	if c.store == nil {
		return
	}
	ledgerName := "alpha"
	if side == SideBeta {
		ledgerName = "beta"
	}
	if err := c.store.SaveLedgerEvent(swapID, ledgerName, ls, c.clock()); err != nil {
		coordinatorLog.Error("coordinator: persist ledger event", "swap_id", swapID, "err", err)
	}
}

func (c *Coordinator) persistCommunication() {
	if c.store == nil {
		return
	}
	s := c.machine.Swap()
	if err := c.store.SaveSwapCommunicationState(s.SwapId, s.Communication); err != nil {
		coordinatorLog.Error("coordinator: persist communication state", "swap_id", s.SwapId, "err", err)
	}
}

func (c *Coordinator) replySnapshot(reply chan<- Snapshot) {
	s := *c.machine.Swap()
	actions := Plan(&s, c.clock())
	select {
	case reply <- Snapshot{Swap: s, Actions: actions}:
	default:
	}
}

// WatcherFactoryFor selects alphaFactory or betaFactory based on a ledger's
// Type, so cmd/cnd can build one factory pair per chain pairing rather than
// one per swap. ledgers maps chain.Type to the factory that builds a watcher
// for it.
func WatcherFactoryFor(ledgers map[chain.Type]WatcherFactory) WatcherFactory {
	return func(params HtlcParams, startOfSwap int64) (Watcher, error) {
		factory, ok := ledgers[params.Ledger.Type]
		if !ok {
			return nil, fmt.Errorf("swap: no watcher factory registered for ledger type %s", params.Ledger.Type)
		}
		return factory(params, startOfSwap)
	}
}
