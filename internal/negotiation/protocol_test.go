package negotiation

import (
	"net"
	"testing"
	"time"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/swap"
)

func testPolicy() Policy {
	return Policy{
		SupportedLedgers: map[chain.Type]bool{chain.TypeBitcoin: true, chain.TypeEVM: true},
		SupportedAssets:  map[swap.AssetKind]bool{swap.AssetBitcoin: true, swap.AssetEther: true, swap.AssetERC20: true},
		SafetyMargin:     600,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := sampleRequest()
	if status, reason := Validate(req, 500, testPolicy()); status != "" {
		t.Fatalf("Validate rejected a well-formed request: %s (%s)", status, reason)
	}
}

func TestValidateRejectsInsufficientSafetyMargin(t *testing.T) {
	req := sampleRequest()
	req.AlphaExpiry = req.BetaExpiry + 1 // margin is 600 in testPolicy
	if status, _ := Validate(req, 500, testPolicy()); status != StatusSE01 {
		t.Errorf("status = %s, want SE01", status)
	}
}

func TestValidateRejectsPastExpiry(t *testing.T) {
	req := sampleRequest()
	req.AlphaExpiry = 100
	req.BetaExpiry = 50
	if status, _ := Validate(req, 500, testPolicy()); status != StatusSE01 {
		t.Errorf("status = %s, want SE01", status)
	}
}

func TestValidateRejectsUnsupportedLedger(t *testing.T) {
	req := sampleRequest()
	req.AlphaLedger = chain.Ledger{Type: "solana"}
	if status, _ := Validate(req, 500, testPolicy()); status != StatusSE01 {
		t.Errorf("status = %s, want SE01", status)
	}
}

func TestProposeRespondAccept(t *testing.T) {
	alice, bob := net.Pipe()
	defer alice.Close()
	defer bob.Close()

	req := sampleRequest()
	wantBody := swap.AcceptResponseBody{
		BetaLedgerRefundIdentity:  "0x00000000000000000000000000000000000002",
		AlphaLedgerRedeemIdentity: "03" + "22",
	}

	done := make(chan error, 1)
	go func() {
		_, accepted, err := RespondToRequest(bob, bob, testPolicy(), 500, func(r swap.Request) (bool, swap.AcceptResponseBody, string) {
			return true, wantBody, ""
		})
		if err == nil && !accepted {
			err = errAssertion("expected RespondToRequest to accept")
		}
		done <- err
	}()

	gotBody, err := Propose(alice, alice, 42, req)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if *gotBody != wantBody {
		t.Errorf("accept body = %+v, want %+v", *gotBody, wantBody)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RespondToRequest: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for responder goroutine")
	}
}

func TestProposeRespondDecline(t *testing.T) {
	alice, bob := net.Pipe()
	defer alice.Close()
	defer bob.Close()

	req := sampleRequest()

	done := make(chan error, 1)
	go func() {
		_, accepted, err := RespondToRequest(bob, bob, testPolicy(), 500, func(r swap.Request) (bool, swap.AcceptResponseBody, string) {
			return false, swap.AcceptResponseBody{}, "insufficient liquidity"
		})
		if err == nil && accepted {
			err = errAssertion("expected RespondToRequest to decline")
		}
		done <- err
	}()

	_, err := Propose(alice, alice, 42, req)
	if err == nil {
		t.Fatal("expected Propose to return an error for a declined swap")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RespondToRequest: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for responder goroutine")
	}
}

type errAssertion string

func (e errAssertion) Error() string { return string(e) }
