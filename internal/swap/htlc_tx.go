// Package swap - HTLC claim/refund transaction construction for the Bitcoin
// side of a swap. Grounded on the donor's tx.go ("HTLC Transaction Building
// (P2WSH)" section): same sighash/witness construction, with the DAO-fee
// output dropped since this spec charges no protocol fee.
package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/comit-network/cnd/internal/chain"
)

// claimWitnessVSize/refundWitnessVSize approximate the virtual size added by
// a P2WSH HTLC spend's witness (sig + secret/empty + branch selector +
// script, discounted 4x) on top of a 10-vbyte base tx, a ~41-vbyte input,
// and a 43-vbyte single output. §7's fee-policy open question is left to
// operator configuration; this estimator is what both paths use until then.
const (
	claimWitnessVSize  = 10 + 41 + 43 + 52
	refundWitnessVSize = 10 + 41 + 43 + 44
)

// HTLCClaimTxParams describes a transaction redeeming a Bitcoin-family HTLC
// output with the secret.
type HTLCClaimTxParams struct {
	Symbol  string
	Network chain.Network

	FundingTxID   string
	FundingVout   uint32
	FundingAmount uint64

	HTLCScript []byte
	Secret     []byte

	DestAddress string
	FeeRate     uint64 // sat/vbyte

	PrivKey *btcec.PrivateKey // the receiver's key in the HTLC
}

// BuildHTLCClaimTx builds and signs the transaction spending an HTLC P2WSH
// output along the secret branch (§4.3's Redeemed predicate, in reverse:
// this is what produces the transaction a watcher elsewhere observes).
// Witness: [signature, secret, 0x01, htlc_script].
func BuildHTLCClaimTx(params *HTLCClaimTxParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, fmt.Errorf("private key required for claim")
	}
	if len(params.HTLCScript) == 0 {
		return nil, fmt.Errorf("HTLC script required")
	}
	if len(params.Secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(params.Secret))
	}

	chainParams, err := getHTLCChainParams(params.Symbol, params.Network)
	if err != nil {
		return nil, err
	}

	txHash, err := chainhash.NewHashFromStr(params.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction ID: %s", params.FundingTxID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, params.FundingVout), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	fee := uint64(claimWitnessVSize) * params.FeeRate
	if params.FundingAmount <= fee {
		return nil, fmt.Errorf("funding amount %d too small to cover fee %d", params.FundingAmount, fee)
	}
	destScript, err := htlcDestScript(params.DestAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.FundingAmount-fee), destScript))

	p2wsh := BuildP2WSHScriptPubKey(params.HTLCScript)
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p2wsh, int64(params.FundingAmount))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		params.HTLCScript, sigHashes, txscript.SigHashAll, tx, 0, int64(params.FundingAmount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(params.PrivKey, sighash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	tx.TxIn[0].Witness = BuildHTLCClaimWitness(sigBytes, params.Secret, params.HTLCScript)
	return tx, nil
}

// HTLCRefundTxParams describes a transaction reclaiming a Bitcoin-family
// HTLC output along the timeout branch.
type HTLCRefundTxParams struct {
	Symbol  string
	Network chain.Network

	FundingTxID   string
	FundingVout   uint32
	FundingAmount uint64

	HTLCScript []byte
	Expiry     int64 // absolute unix-seconds CLTV timelock, must match the script

	DestAddress string
	FeeRate     uint64

	PrivKey *btcec.PrivateKey // the sender's key in the HTLC
}

// BuildHTLCRefundTx builds and signs the transaction spending an HTLC P2WSH
// output along the timeout branch once the chain's time has passed Expiry.
// Witness: [signature, empty, htlc_script].
func BuildHTLCRefundTx(params *HTLCRefundTxParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, fmt.Errorf("private key required for refund")
	}
	if len(params.HTLCScript) == 0 {
		return nil, fmt.Errorf("HTLC script required")
	}
	if params.Expiry <= 0 {
		return nil, fmt.Errorf("expiry must be > 0")
	}

	chainParams, err := getHTLCChainParams(params.Symbol, params.Network)
	if err != nil {
		return nil, err
	}

	txHash, err := chainhash.NewHashFromStr(params.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction ID: %s", params.FundingTxID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(params.Expiry)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, params.FundingVout), nil, nil)
	// Any sequence below the final value leaves nLockTime enforceable (BIP 65).
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)

	fee := uint64(refundWitnessVSize) * params.FeeRate
	if params.FundingAmount <= fee {
		return nil, fmt.Errorf("funding amount %d too small to cover fee %d", params.FundingAmount, fee)
	}
	destScript, err := htlcDestScript(params.DestAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.FundingAmount-fee), destScript))

	p2wsh := BuildP2WSHScriptPubKey(params.HTLCScript)
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p2wsh, int64(params.FundingAmount))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		params.HTLCScript, sigHashes, txscript.SigHashAll, tx, 0, int64(params.FundingAmount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(params.PrivKey, sighash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	tx.TxIn[0].Witness = BuildHTLCRefundWitness(sigBytes, params.HTLCScript)
	return tx, nil
}

// htlcDestScript resolves a payout address to its scriptPubKey under the
// given chain params.
func htlcDestScript(address string, chainParams *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, chainParams)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
