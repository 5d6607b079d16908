package swap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/comit-network/cnd/internal/chain"
)

func TestBuildHTLCScript(t *testing.T) {
	// Generate test keys
	privKey1, _ := btcec.NewPrivateKey()
	privKey2, _ := btcec.NewPrivateKey()
	receiverPubKey := privKey1.PubKey().SerializeCompressed()
	senderPubKey := privKey2.PubKey().SerializeCompressed()

	// Generate test secret
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	secretHash := sha256.Sum256(secret)

	tests := []struct {
		name        string
		secretHash  []byte
		receiverKey []byte
		senderKey   []byte
		expiry      int64
		wantErr     bool
	}{
		{
			name:        "valid script",
			secretHash:  secretHash[:],
			receiverKey: receiverPubKey,
			senderKey:   senderPubKey,
			expiry:      1735689600,
			wantErr:     false,
		},
		{
			name:        "invalid secret hash length",
			secretHash:  []byte{1, 2, 3},
			receiverKey: receiverPubKey,
			senderKey:   senderPubKey,
			expiry:      1735689600,
			wantErr:     true,
		},
		{
			name:        "invalid receiver key length",
			secretHash:  secretHash[:],
			receiverKey: []byte{1, 2, 3},
			senderKey:   senderPubKey,
			expiry:      1735689600,
			wantErr:     true,
		},
		{
			name:        "zero expiry",
			secretHash:  secretHash[:],
			receiverKey: receiverPubKey,
			senderKey:   senderPubKey,
			expiry:      0,
			wantErr:     true,
		},
		{
			name:        "negative expiry",
			secretHash:  secretHash[:],
			receiverKey: receiverPubKey,
			senderKey:   senderPubKey,
			expiry:      -1,
			wantErr:     true,
		},
		{
			name:        "far future expiry",
			secretHash:  secretHash[:],
			receiverKey: receiverPubKey,
			senderKey:   senderPubKey,
			expiry:      4102444800,
			wantErr:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := BuildHTLCScript(tt.secretHash, tt.receiverKey, tt.senderKey, tt.expiry)
			if (err != nil) != tt.wantErr {
				t.Errorf("BuildHTLCScript() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(script) == 0 {
				t.Error("BuildHTLCScript() returned empty script")
			}
		})
	}
}

func TestParseHTLCScript(t *testing.T) {
	// Generate test keys
	privKey1, _ := btcec.NewPrivateKey()
	privKey2, _ := btcec.NewPrivateKey()
	receiverPubKey := privKey1.PubKey().SerializeCompressed()
	senderPubKey := privKey2.PubKey().SerializeCompressed()

	// Generate test secret
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	secretHash := sha256.Sum256(secret)

	// Build script
	script, err := BuildHTLCScript(secretHash[:], receiverPubKey, senderPubKey, 1735689600)
	if err != nil {
		t.Fatalf("BuildHTLCScript() failed: %v", err)
	}

	// Parse it back
	parsedHash, parsedReceiver, parsedSender, parsedExpiry, err := ParseHTLCScript(script)
	if err != nil {
		t.Fatalf("ParseHTLCScript() failed: %v", err)
	}

	if !bytes.Equal(parsedHash, secretHash[:]) {
		t.Errorf("secret hash mismatch: got %x, want %x", parsedHash, secretHash[:])
	}
	if !bytes.Equal(parsedReceiver, receiverPubKey) {
		t.Errorf("receiver key mismatch")
	}
	if !bytes.Equal(parsedSender, senderPubKey) {
		t.Errorf("sender key mismatch")
	}
	if parsedExpiry != 1735689600 {
		t.Errorf("expiry mismatch: got %d, want 1735689600", parsedExpiry)
	}
}

func TestHTLCScriptData(t *testing.T) {
	privKey1, _ := btcec.NewPrivateKey()
	privKey2, _ := btcec.NewPrivateKey()

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	secretHash := sha256.Sum256(secret)

	// Test BTC testnet
	htlcData, err := BuildHTLCScriptData(
		secretHash[:],
		privKey1.PubKey(),
		privKey2.PubKey(),
		1735689600,
		"BTC",
		chain.Testnet,
	)
	if err != nil {
		t.Fatalf("BuildHTLCScriptData() failed: %v", err)
	}

	// Address should start with tb1q (P2WSH on testnet)
	if len(htlcData.Address) == 0 {
		t.Error("address is empty")
	}
	if htlcData.Address[:4] != "tb1q" {
		t.Errorf("BTC testnet P2WSH address should start with tb1q, got %s", htlcData.Address[:4])
	}
}

func TestBuildHTLCClaimWitness(t *testing.T) {
	signature := make([]byte, 71) // DER signature
	secret := make([]byte, 32)
	script := make([]byte, 100)

	witness := BuildHTLCClaimWitness(signature, secret, script)

	if len(witness) != 4 {
		t.Fatalf("expected 4 witness elements, got %d", len(witness))
	}
	if !bytes.Equal(witness[0], signature) {
		t.Error("signature mismatch in witness")
	}
	if !bytes.Equal(witness[1], secret) {
		t.Error("secret mismatch in witness")
	}
	if len(witness[2]) != 1 || witness[2][0] != 0x01 {
		t.Error("branch selector should be 0x01 for claim")
	}
	if !bytes.Equal(witness[3], script) {
		t.Error("script mismatch in witness")
	}
}

func TestBuildHTLCRefundWitness(t *testing.T) {
	signature := make([]byte, 71)
	script := make([]byte, 100)

	witness := BuildHTLCRefundWitness(signature, script)

	if len(witness) != 3 {
		t.Fatalf("expected 3 witness elements, got %d", len(witness))
	}
	if !bytes.Equal(witness[0], signature) {
		t.Error("signature mismatch in witness")
	}
	if len(witness[1]) != 0 {
		t.Error("branch selector should be empty for refund")
	}
	if !bytes.Equal(witness[2], script) {
		t.Error("script mismatch in witness")
	}
}

func TestHTLCScriptExecution(t *testing.T) {
	// This test builds a script, logs its disassembly, and checks that it
	// carries the secret hash and both public keys; it does not run the
	// script through btcd's script engine.

	// Generate keys
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	receiverPub := receiverPriv.PubKey().SerializeCompressed()
	senderPub := senderPriv.PubKey().SerializeCompressed()

	// Generate secret
	_, hash, _ := GenerateSecret()

	// Build script
	script, err := BuildHTLCScript(hash, receiverPub, senderPub, 10)
	if err != nil {
		t.Fatalf("BuildHTLCScript() failed: %v", err)
	}

	// Disassemble for debugging
	disasm, err := txscript.DisasmString(script)
	if err != nil {
		t.Fatalf("DisasmString() failed: %v", err)
	}
	t.Logf("HTLC Script: %s", disasm)
	t.Logf("Script hex: %s", hex.EncodeToString(script))

	// The script structure should be:
	// OP_IF OP_SHA256 <hash> OP_EQUALVERIFY <receiverPub> OP_CHECKSIG
	// OP_ELSE <expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP <senderPub> OP_CHECKSIG
	// OP_ENDIF

	// Verify script contains expected opcodes
	if !bytes.Contains(script, hash) {
		t.Error("script should contain secret hash")
	}
	if !bytes.Contains(script, receiverPub) {
		t.Error("script should contain receiver pubkey")
	}
	if !bytes.Contains(script, senderPub) {
		t.Error("script should contain sender pubkey")
	}
}

// =============================================================================
// HTLC Transaction Building Tests
// =============================================================================

func TestBuildHTLCClaimTx(t *testing.T) {
	// Generate keys
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	receiverPub := receiverPriv.PubKey().SerializeCompressed()
	senderPub := senderPriv.PubKey().SerializeCompressed()

	// Generate secret
	secret, secretHash, _ := GenerateSecret()

	// Build HTLC script
	htlcScript, err := BuildHTLCScript(secretHash, receiverPub, senderPub, 1735689600)
	if err != nil {
		t.Fatalf("BuildHTLCScript() failed: %v", err)
	}

	// Test claim tx building
	params := &HTLCClaimTxParams{
		Symbol:        "BTC",
		Network:       chain.Testnet,
		FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		FundingVout:   0,
		FundingAmount: 100000,
		HTLCScript:    htlcScript,
		Secret:        secret,
		DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		FeeRate:       10,
		PrivKey:       receiverPriv,
	}

	tx, err := BuildHTLCClaimTx(params)
	if err != nil {
		t.Fatalf("BuildHTLCClaimTx() failed: %v", err)
	}

	// Verify transaction structure
	if len(tx.TxIn) != 1 {
		t.Errorf("expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxOut) != 1 {
		t.Errorf("expected 1 output, got %d", len(tx.TxOut))
	}

	// Verify witness structure
	if len(tx.TxIn[0].Witness) != 4 {
		t.Errorf("expected 4 witness elements for claim, got %d", len(tx.TxIn[0].Witness))
	}

	// Check witness contains secret
	if !bytes.Equal(tx.TxIn[0].Witness[1], secret) {
		t.Error("witness should contain secret")
	}

	// Check OP_TRUE for IF branch
	if len(tx.TxIn[0].Witness[2]) != 1 || tx.TxIn[0].Witness[2][0] != 0x01 {
		t.Error("witness should have OP_TRUE for claim branch")
	}

	// Check script is included
	if !bytes.Equal(tx.TxIn[0].Witness[3], htlcScript) {
		t.Error("witness should contain HTLC script")
	}
}

func TestBuildHTLCClaimTxValidation(t *testing.T) {
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	secret, secretHash, _ := GenerateSecret()

	htlcScript, _ := BuildHTLCScript(
		secretHash,
		receiverPriv.PubKey().SerializeCompressed(),
		senderPriv.PubKey().SerializeCompressed(),
		1735689600,
	)

	tests := []struct {
		name    string
		modify  func(*HTLCClaimTxParams)
		wantErr string
	}{
		{
			name:    "nil private key",
			modify:  func(p *HTLCClaimTxParams) { p.PrivKey = nil },
			wantErr: "private key required",
		},
		{
			name:    "empty script",
			modify:  func(p *HTLCClaimTxParams) { p.HTLCScript = nil },
			wantErr: "HTLC script required",
		},
		{
			name:    "short secret",
			modify:  func(p *HTLCClaimTxParams) { p.Secret = make([]byte, 16) },
			wantErr: "secret must be 32 bytes",
		},
		{
			name:    "invalid txid",
			modify:  func(p *HTLCClaimTxParams) { p.FundingTxID = "invalid" },
			wantErr: "invalid transaction ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := &HTLCClaimTxParams{
				Symbol:        "BTC",
				Network:       chain.Testnet,
				FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				FundingVout:   0,
				FundingAmount: 100000,
				HTLCScript:    htlcScript,
				Secret:        secret,
				DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
				FeeRate:       10,
				PrivKey:       receiverPriv,
			}
			tt.modify(params)

			_, err := BuildHTLCClaimTx(params)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !bytes.Contains([]byte(err.Error()), []byte(tt.wantErr)) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestBuildHTLCRefundTx(t *testing.T) {
	// Generate keys
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	receiverPub := receiverPriv.PubKey().SerializeCompressed()
	senderPub := senderPriv.PubKey().SerializeCompressed()

	// Generate secret
	_, secretHash, _ := GenerateSecret()

	// Build HTLC script
	expiry := int64(1735689600)
	htlcScript, err := BuildHTLCScript(secretHash, receiverPub, senderPub, expiry)
	if err != nil {
		t.Fatalf("BuildHTLCScript() failed: %v", err)
	}

	// Test refund tx building
	params := &HTLCRefundTxParams{
		Symbol:        "BTC",
		Network:       chain.Testnet,
		FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		FundingVout:   0,
		FundingAmount: 100000,
		HTLCScript:    htlcScript,
		Expiry:        expiry,
		DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		FeeRate:       10,
		PrivKey:       senderPriv, // Sender refunds
	}

	tx, err := BuildHTLCRefundTx(params)
	if err != nil {
		t.Fatalf("BuildHTLCRefundTx() failed: %v", err)
	}

	// Verify transaction structure
	if len(tx.TxIn) != 1 {
		t.Errorf("expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxOut) != 1 {
		t.Errorf("expected 1 output, got %d", len(tx.TxOut))
	}

	// Verify CLTV locktime
	if int64(tx.LockTime) != expiry {
		t.Errorf("expected locktime %d, got %d", expiry, tx.LockTime)
	}

	// Verify sequence leaves nLockTime enforceable (BIP 65: must be < 0xffffffff)
	if tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		t.Error("sequence must be less than the final value for CLTV to be enforced")
	}

	// Verify witness structure
	if len(tx.TxIn[0].Witness) != 3 {
		t.Errorf("expected 3 witness elements for refund, got %d", len(tx.TxIn[0].Witness))
	}

	// Check empty element for ELSE branch
	if len(tx.TxIn[0].Witness[1]) != 0 {
		t.Error("witness should have empty element for refund branch")
	}

	// Check script is included
	if !bytes.Equal(tx.TxIn[0].Witness[2], htlcScript) {
		t.Error("witness should contain HTLC script")
	}
}

func TestBuildHTLCRefundTxValidation(t *testing.T) {
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	_, secretHash, _ := GenerateSecret()

	htlcScript, _ := BuildHTLCScript(
		secretHash,
		receiverPriv.PubKey().SerializeCompressed(),
		senderPriv.PubKey().SerializeCompressed(),
		1735689600,
	)

	tests := []struct {
		name    string
		modify  func(*HTLCRefundTxParams)
		wantErr string
	}{
		{
			name:    "nil private key",
			modify:  func(p *HTLCRefundTxParams) { p.PrivKey = nil },
			wantErr: "private key required",
		},
		{
			name:    "empty script",
			modify:  func(p *HTLCRefundTxParams) { p.HTLCScript = nil },
			wantErr: "HTLC script required",
		},
		{
			name:    "zero expiry",
			modify:  func(p *HTLCRefundTxParams) { p.Expiry = 0 },
			wantErr: "expiry must be > 0",
		},
		{
			name:    "invalid txid",
			modify:  func(p *HTLCRefundTxParams) { p.FundingTxID = "invalid" },
			wantErr: "invalid transaction ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := &HTLCRefundTxParams{
				Symbol:        "BTC",
				Network:       chain.Testnet,
				FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				FundingVout:   0,
				FundingAmount: 100000,
				HTLCScript:    htlcScript,
				Expiry:        1735689600,
				DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
				FeeRate:       10,
				PrivKey:       senderPriv,
			}
			tt.modify(params)

			_, err := BuildHTLCRefundTx(params)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !bytes.Contains([]byte(err.Error()), []byte(tt.wantErr)) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestHTLCTxFeesDeducted(t *testing.T) {
	receiverPriv, _ := btcec.NewPrivateKey()
	senderPriv, _ := btcec.NewPrivateKey()
	secret, secretHash, _ := GenerateSecret()

	htlcScript, _ := BuildHTLCScript(
		secretHash,
		receiverPriv.PubKey().SerializeCompressed(),
		senderPriv.PubKey().SerializeCompressed(),
		1735689600,
	)

	fundingAmount := uint64(100000)
	feeRate := uint64(20)

	// Test claim tx
	claimTx, err := BuildHTLCClaimTx(&HTLCClaimTxParams{
		Symbol:        "BTC",
		Network:       chain.Testnet,
		FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		FundingVout:   0,
		FundingAmount: fundingAmount,
		HTLCScript:    htlcScript,
		Secret:        secret,
		DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		FeeRate:       feeRate,
		PrivKey:       receiverPriv,
	})
	if err != nil {
		t.Fatalf("BuildHTLCClaimTx() failed: %v", err)
	}

	claimOutput := uint64(claimTx.TxOut[0].Value)
	claimFee := fundingAmount - claimOutput

	// Fee should be reasonable (not too small, not more than 10% of funding)
	if claimFee < feeRate*50 {
		t.Errorf("claim fee %d seems too small", claimFee)
	}
	if claimFee > fundingAmount/10 {
		t.Errorf("claim fee %d is more than 10%% of funding", claimFee)
	}

	// Test refund tx
	refundTx, err := BuildHTLCRefundTx(&HTLCRefundTxParams{
		Symbol:        "BTC",
		Network:       chain.Testnet,
		FundingTxID:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		FundingVout:   0,
		FundingAmount: fundingAmount,
		HTLCScript:    htlcScript,
		Expiry:        1735689600,
		DestAddress:   "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		FeeRate:       feeRate,
		PrivKey:       senderPriv,
	})
	if err != nil {
		t.Fatalf("BuildHTLCRefundTx() failed: %v", err)
	}

	refundOutput := uint64(refundTx.TxOut[0].Value)
	refundFee := fundingAmount - refundOutput

	if refundFee < feeRate*50 {
		t.Errorf("refund fee %d seems too small", refundFee)
	}
	if refundFee > fundingAmount/10 {
		t.Errorf("refund fee %d is more than 10%% of funding", refundFee)
	}
}
