package swap

// ActionKind names the concrete next step the planner offers the operator
// for one swap (§4.7).
type ActionKind string

const (
	ActionAccept  ActionKind = "accept"
	ActionDecline ActionKind = "decline"
	ActionFundAlpha ActionKind = "fund_alpha"
	ActionFundBeta  ActionKind = "fund_beta"
	ActionRedeemBeta  ActionKind = "redeem_beta"  // Alice reveals the secret
	ActionRedeemAlpha ActionKind = "redeem_alpha" // Bob uses the revealed secret
	ActionRefundAlpha ActionKind = "refund_alpha"
	ActionRefundBeta  ActionKind = "refund_beta"
)

// Action fully describes one available next step: enough for the caller to
// build and sign a transaction without consulting anything but the swap's
// own state.
type Action struct {
	Kind ActionKind

	// Populated for Fund/Redeem/Refund actions.
	Ledger *HtlcParams
	Secret []byte // set for RedeemAlpha once Beta has been redeemed

	// MinTimestamp guards refund actions: the earliest wall-clock time the
	// transaction is valid to broadcast (the HTLC's absolute expiry).
	MinTimestamp int64
}

// Plan computes the set of operator-available actions for a swap, given the
// current wall-clock time (used only to decide whether an expiry has
// passed). Plan is a pure function of its arguments (P6): it reads no
// global state and has no side effects.
func Plan(swap *Swap, now int64) []Action {
	var actions []Action

	switch swap.Communication.Kind {
	case Proposed:
		if swap.Role == RoleBob {
			actions = append(actions, Action{Kind: ActionAccept}, Action{Kind: ActionDecline})
		}
		return actions // nothing else is possible before acceptance

	case Declined:
		return nil // terminal, no actions
	}

	// Communication == Accepted from here on.
	alpha := swap.AlphaParams()
	beta := swap.BetaParams()

	if swap.Role == RoleAlice && swap.Alpha.Kind == NotDeployed {
		actions = append(actions, Action{Kind: ActionFundAlpha, Ledger: &alpha})
	}

	if swap.Role == RoleBob && swap.Alpha.Kind == Funded && swap.Beta.Kind == NotDeployed {
		actions = append(actions, Action{Kind: ActionFundBeta, Ledger: &beta})
	}

	if swap.Role == RoleAlice && swap.Beta.Kind == Funded {
		actions = append(actions, Action{Kind: ActionRedeemBeta, Ledger: &beta})
	}

	if swap.Role == RoleBob && swap.Beta.Kind == Redeemed {
		actions = append(actions, Action{Kind: ActionRedeemAlpha, Ledger: &alpha, Secret: swap.Beta.Secret})
	}

	if swap.Role == RoleAlice && swap.Alpha.Kind == Funded && now >= alpha.Expiry {
		actions = append(actions, Action{Kind: ActionRefundAlpha, Ledger: &alpha, MinTimestamp: alpha.Expiry})
	}
	if swap.Role == RoleBob && swap.Beta.Kind == Funded && now >= beta.Expiry {
		actions = append(actions, Action{Kind: ActionRefundBeta, Ledger: &beta, MinTimestamp: beta.Expiry})
	}

	return actions
}
