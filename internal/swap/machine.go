package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/comit-network/cnd/pkg/helpers"
	"github.com/comit-network/cnd/pkg/logging"
)

// Side names which of the swap's two ledgers an event applies to.
type Side string

const (
	SideAlpha Side = "alpha"
	SideBeta  Side = "beta"
)

// Event is one state-changing input to the machine: either a negotiation
// outcome or a ledger observation from a watcher (§4.6).
type Event struct {
	// Communication events (Side is empty).
	Accept  *AcceptResponseBody
	Decline string // reason; non-empty means Decline

	// Ledger events.
	Side  Side
	Ledger *LedgerState
}

var machineLog = logging.Default().Component("swap-machine")

// Machine applies events to a Swap aggregate, enforcing the transition
// table and invariants of §4.6. It holds no state of its own beyond a
// reference to the swap it is driving; callers own persistence and
// concurrency (the coordinator runs one Machine per swap, single-threaded).
type Machine struct {
	swap *Swap
}

// NewMachine wraps a swap aggregate for transition processing.
func NewMachine(swap *Swap) *Machine {
	return &Machine{swap: swap}
}

// Swap returns the (mutated in place) swap aggregate.
func (m *Machine) Swap() *Swap {
	return m.swap
}

// Apply processes one event, returning an error only for a protocol
// violation (I4 secret-hash mismatch) or a caller bug (unknown event shape).
// Non-monotone ledger transitions are not errors: they are logged and
// discarded, per §4.6's enforcement rules, since they arrive naturally
// during reorg replay and idempotent redelivery (P4).
func (m *Machine) Apply(ev Event) error {
	switch {
	case ev.Accept != nil:
		return m.applyAccept(ev.Accept)
	case ev.Decline != "":
		return m.applyDecline(ev.Decline)
	case ev.Ledger != nil:
		return m.applyLedger(ev.Side, ev.Ledger)
	default:
		return fmt.Errorf("swap machine: empty event")
	}
}

func (m *Machine) applyAccept(resp *AcceptResponseBody) error {
	if m.swap.Communication.Kind != Proposed {
		machineLog.Debug("discarding accept: communication not in Proposed", "swap_id", m.swap.SwapId, "kind", m.swap.Communication.Kind)
		return nil
	}
	m.swap.Communication.Kind = Accepted
	m.swap.Communication.Response = resp
	return nil
}

func (m *Machine) applyDecline(reason string) error {
	if m.swap.Communication.Kind != Proposed {
		machineLog.Debug("discarding decline: communication not in Proposed", "swap_id", m.swap.SwapId, "kind", m.swap.Communication.Kind)
		return nil
	}
	m.swap.Communication.Kind = Declined
	m.swap.Communication.Reason = reason
	return nil
}

func (m *Machine) applyLedger(side Side, next *LedgerState) error {
	cur := m.ledgerState(side)

	ok := validTransition(cur.Kind, next.Kind)
	if !ok && next.Reorg {
		ok = validReorgTransition(cur.Kind, next.Kind)
	}
	if !ok {
		machineLog.Debug("discarding non-monotone ledger transition",
			"swap_id", m.swap.SwapId, "side", side, "from", cur.Kind, "to", next.Kind, "reorg", next.Reorg)
		return nil
	}

	if next.Kind == Redeemed {
		secretHash := m.swap.Communication.Request.SecretHash
		got := sha256.Sum256(next.Secret)
		if !helpers.ConstantTimeCompare(got[:], secretHash) {
			return fmt.Errorf("swap machine: redeemed secret does not hash to secret_hash (I4 violation)")
		}
	}

	m.setLedgerState(side, next)
	return nil
}

func (m *Machine) ledgerState(side Side) LedgerState {
	if side == SideAlpha {
		return m.swap.Alpha
	}
	return m.swap.Beta
}

func (m *Machine) setLedgerState(side Side, s *LedgerState) {
	if side == SideAlpha {
		m.swap.Alpha = *s
		return
	}
	m.swap.Beta = *s
}

// validTransition reports whether moving from `from` to `to` is forward
// progress along one of the two branches in I3: NotDeployed → Deployed →
// Funded → (Redeemed | Refunded), with IncorrectlyFunded reachable only
// from Deployed and terminal. Replaying the same state (from == to) is
// valid: it is how idempotent redelivery and reorg re-application (P4)
// surface to the machine.
func validTransition(from, to LedgerStateKind) bool {
	if from == to {
		return true
	}
	switch from {
	case NotDeployed:
		return to == Deployed
	case Deployed:
		return to == Funded || to == IncorrectlyFunded
	case Funded:
		return to == Redeemed || to == Refunded
	default:
		// Redeemed, Refunded, IncorrectlyFunded are terminal.
		return false
	}
}

// validReorgTransition reports whether moving from `from` to `to` is a
// legal *backward* move: the mirror image of validTransition, reached only
// when a watcher rewinds past a common ancestor and re-observes an earlier
// state (§4.3.5). A terminal kind (Redeemed/Refunded/IncorrectlyFunded) can
// still be rewound: a reorg can undo a spend just as it can undo a deploy.
func validReorgTransition(from, to LedgerStateKind) bool {
	if from == to {
		return true
	}
	switch from {
	case Deployed:
		return to == NotDeployed
	case Funded, IncorrectlyFunded:
		return to == NotDeployed || to == Deployed
	case Redeemed, Refunded:
		return to == NotDeployed || to == Deployed || to == Funded
	default:
		return false
	}
}
