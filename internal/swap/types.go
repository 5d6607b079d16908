// Package swap implements the RFC003-style atomic swap data model: the
// per-ledger HTLC script/address derivation (htlc_script.go, htlc_tx.go,
// htlcparams.go), the swap aggregate and its state machine (machine.go),
// the deterministic secret/key source (secretsource.go), and the pure
// action planner (planner.go).
package swap

import "github.com/comit-network/cnd/internal/chain"

// Method identifies which cryptographic scheme a ledger side of a swap uses
// to lock funds. Only HTLC is implemented; the type exists so a second
// method (e.g. a Lightning HTLC variant) can be added without reshaping
// callers.
type Method string

const MethodHTLC Method = "htlc"

// Role is which side of the negotiation a node played: Alice proposes and
// holds the secret, Bob accepts or declines (§3 of the data model).
type Role string

const (
	RoleAlice Role = "alice"
	RoleBob   Role = "bob"
)

// AssetKind distinguishes the three asset shapes HtlcParams.Asset can take.
type AssetKind string

const (
	AssetBitcoin AssetKind = "bitcoin"
	AssetEther   AssetKind = "ether"
	AssetERC20   AssetKind = "erc20"
)

// Asset describes one side's locked value: a quantity in the ledger's
// smallest unit, and for ERC-20 the token contract address.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	Quantity string    `json:"quantity"` // decimal string; sats, wei, or token units
	Token    string    `json:"token,omitempty"`
}

// HtlcParams fully describes one ledger side of a swap: enough to compute
// the HTLC address/bytecode, watch for it, and build redeem/refund
// transactions.
type HtlcParams struct {
	Ledger         chain.Ledger `json:"ledger"`
	Asset          Asset        `json:"asset"`
	RedeemIdentity string       `json:"redeem_identity"` // pubkey (Bitcoin) or address (Ethereum)
	RefundIdentity string       `json:"refund_identity"`
	Expiry         int64        `json:"expiry"` // unix seconds
	SecretHash     []byte       `json:"secret_hash"`
}

// Request is the off-the-wire proposal Alice sends to open a swap (§3, §6).
type Request struct {
	AlphaLedger               chain.Ledger `json:"alpha_ledger"`
	BetaLedger                chain.Ledger `json:"beta_ledger"`
	AlphaAsset                Asset        `json:"alpha_asset"`
	BetaAsset                 Asset        `json:"beta_asset"`
	HashFunction               string      `json:"hash_function"`
	AlphaLedgerRefundIdentity  string       `json:"alpha_ledger_refund_identity"`
	BetaLedgerRedeemIdentity   string       `json:"beta_ledger_redeem_identity"`
	AlphaExpiry                int64        `json:"alpha_expiry"`
	BetaExpiry                 int64        `json:"beta_expiry"`
	SecretHash                 []byte       `json:"secret_hash"`
}

// AcceptResponseBody is Bob's half of the identity exchange, carried in an
// OK20 response frame.
type AcceptResponseBody struct {
	BetaLedgerRefundIdentity  string `json:"beta_ledger_refund_identity"`
	AlphaLedgerRedeemIdentity string `json:"alpha_ledger_redeem_identity"`
}

// LedgerStateKind tags which variant of LedgerState is populated (§3, §4.6
// transition table). Go has no native sum type; the kind discriminates the
// struct's optional fields the way the donor's stored JSON blobs do.
type LedgerStateKind string

const (
	NotDeployed       LedgerStateKind = "not_deployed"
	Deployed          LedgerStateKind = "deployed"
	Funded            LedgerStateKind = "funded"
	Redeemed          LedgerStateKind = "redeemed"
	Refunded          LedgerStateKind = "refunded"
	IncorrectlyFunded LedgerStateKind = "incorrectly_funded"
)

// LedgerState is the tagged variant tracking one ledger side of one swap
// through its lifecycle (I3: monotone forward progression along one of two
// branches). Each accepted event replaces the whole struct, so its fields
// describe the most recent observation only; earlier values are not kept.
type LedgerState struct {
	Kind LedgerStateKind `json:"kind"`

	Location string `json:"location,omitempty"` // deploy output (Bitcoin) or contract address (Ethereum)
	DeployTx string `json:"deploy_tx,omitempty"`

	FundTx          string `json:"fund_tx,omitempty"`
	ExpectedAsset   *Asset `json:"expected_asset,omitempty"` // set on IncorrectlyFunded
	ObservedAsset   *Asset `json:"observed_asset,omitempty"`

	RedeemTx string `json:"redeem_tx,omitempty"`
	Secret   []byte `json:"secret,omitempty"`

	RefundTx string `json:"refund_tx,omitempty"`

	BlockHeight int64 `json:"block_height,omitempty"`

	// Reorg marks a state the watcher emitted while rewinding past a
	// common ancestor (§4.3.5): Kind here is a regression relative to
	// what was last observed for this side, not forward progress. The
	// machine's normal forward-only check (I3) would otherwise discard it.
	Reorg bool `json:"reorg,omitempty"`
}

// CommunicationKind tags which variant of SwapCommunication is populated.
type CommunicationKind string

const (
	Proposed CommunicationKind = "proposed"
	Accepted CommunicationKind = "accepted"
	Declined CommunicationKind = "declined"
)

// SwapCommunication is the negotiation half of a swap's state (I5: immutable
// once it leaves Proposed).
type SwapCommunication struct {
	Kind CommunicationKind `json:"kind"`

	Request  Request             `json:"request"`
	Response *AcceptResponseBody `json:"response,omitempty"` // set on Accepted
	Reason   string              `json:"reason,omitempty"`   // set on Declined
}

// Swap is the runtime aggregate: everything the coordinator, planner, and
// state machine need for one swap (§3's "Swap (runtime aggregate)").
type Swap struct {
	SwapId             string `json:"swap_id"`
	Role               Role   `json:"role"`
	CounterpartyPeerID string `json:"counterparty_peer_id"`
	StartOfSwap        int64  `json:"start_of_swap"`

	Communication SwapCommunication `json:"communication"`
	Alpha         LedgerState       `json:"alpha"`
	Beta          LedgerState       `json:"beta"`
}

// AlphaParams extracts the negotiated HtlcParams for the alpha ledger.
// RedeemIdentity (Bob's) is only populated once Communication is Accepted.
func (s *Swap) AlphaParams() HtlcParams {
	req := s.Communication.Request
	p := HtlcParams{
		Ledger:         req.AlphaLedger,
		Asset:          req.AlphaAsset,
		RefundIdentity: req.AlphaLedgerRefundIdentity, // Alice's, always present
		Expiry:         req.AlphaExpiry,
		SecretHash:     req.SecretHash,
	}
	if resp := s.Communication.Response; resp != nil {
		p.RedeemIdentity = resp.AlphaLedgerRedeemIdentity // Bob's
	}
	return p
}

// BetaParams extracts the negotiated HtlcParams for the beta ledger.
// RefundIdentity (Bob's) is only populated once Communication is Accepted.
func (s *Swap) BetaParams() HtlcParams {
	req := s.Communication.Request
	p := HtlcParams{
		Ledger:         req.BetaLedger,
		Asset:          req.BetaAsset,
		RedeemIdentity: req.BetaLedgerRedeemIdentity, // Alice's, always present
		Expiry:         req.BetaExpiry,
		SecretHash:     req.SecretHash,
	}
	if resp := s.Communication.Response; resp != nil {
		p.RefundIdentity = resp.BetaLedgerRefundIdentity // Bob's
	}
	return p
}

// IsFinished reports whether both ledger states have reached a terminal
// leaf, matching the lifecycle clause in §3.
func (s *Swap) IsFinished() bool {
	return isTerminal(s.Alpha.Kind) && isTerminal(s.Beta.Kind)
}

func isTerminal(k LedgerStateKind) bool {
	switch k {
	case Redeemed, Refunded, IncorrectlyFunded:
		return true
	default:
		return false
	}
}
