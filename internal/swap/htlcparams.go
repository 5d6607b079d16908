package swap

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/comit-network/cnd/internal/chain"
)

// ComputeBitcoinAddress derives the P2WSH funding address and script for this
// HtlcParams. RedeemIdentity/RefundIdentity are hex-encoded compressed
// secp256k1 public keys. Expiry is the same absolute unix-seconds timestamp
// used everywhere else HtlcParams is read (the planner, negotiation's I2
// check): the refund branch uses OP_CHECKLOCKTIMEVERIFY against it, not a
// relative CSV delta, so both parties derive the identical script/address
// from the negotiated value without needing a shared block-height estimate.
func (p HtlcParams) ComputeBitcoinAddress() (*HTLCScriptData, error) {
	if p.Ledger.Type != chain.TypeBitcoin {
		return nil, fmt.Errorf("swap: ComputeBitcoinAddress called for non-Bitcoin ledger %s", p.Ledger)
	}
	receiver, err := parsePubKeyHex(p.RedeemIdentity)
	if err != nil {
		return nil, fmt.Errorf("swap: redeem identity: %w", err)
	}
	sender, err := parsePubKeyHex(p.RefundIdentity)
	if err != nil {
		return nil, fmt.Errorf("swap: refund identity: %w", err)
	}
	if p.Expiry <= 0 {
		return nil, fmt.Errorf("swap: expiry must be positive, got %d", p.Expiry)
	}
	return BuildHTLCScriptData(p.SecretHash, receiver, sender, p.Expiry, "BTC", p.Ledger.Network)
}

func parsePubKeyHex(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return btcec.ParsePubKey(b)
}

// EthereumTimelock returns Expiry as the absolute unix-seconds value the
// shared HTLC contract stores in its `timelock` field.
func (p HtlcParams) EthereumTimelock() *big.Int {
	return big.NewInt(p.Expiry)
}
