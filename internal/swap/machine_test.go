package swap

import (
	"crypto/sha256"
	"testing"
)

func testMachineSwap() *Swap {
	secret := []byte("0123456789abcdef0123456789abcde")
	hash := sha256.Sum256(secret)
	return &Swap{
		SwapId: "swap-1",
		Role:   RoleBob,
		Communication: SwapCommunication{
			Kind: Proposed,
			Request: Request{
				SecretHash: hash[:],
			},
		},
		Alpha: LedgerState{Kind: NotDeployed},
		Beta:  LedgerState{Kind: NotDeployed},
	}
}

func TestMachineApplyAccept(t *testing.T) {
	m := NewMachine(testMachineSwap())
	resp := &AcceptResponseBody{AlphaLedgerRedeemIdentity: "id-1"}
	if err := m.Apply(Event{Accept: resp}); err != nil {
		t.Fatalf("Apply(Accept) error = %v", err)
	}
	if m.Swap().Communication.Kind != Accepted {
		t.Errorf("Communication.Kind = %s, want Accepted", m.Swap().Communication.Kind)
	}
	if m.Swap().Communication.Response != resp {
		t.Error("Communication.Response not set to the accepted response")
	}
}

func TestMachineApplyDecline(t *testing.T) {
	m := NewMachine(testMachineSwap())
	if err := m.Apply(Event{Decline: "no thanks"}); err != nil {
		t.Fatalf("Apply(Decline) error = %v", err)
	}
	if m.Swap().Communication.Kind != Declined {
		t.Errorf("Communication.Kind = %s, want Declined", m.Swap().Communication.Kind)
	}
	if m.Swap().Communication.Reason != "no thanks" {
		t.Errorf("Communication.Reason = %q, want %q", m.Swap().Communication.Reason, "no thanks")
	}
}

func TestMachineDiscardsAcceptOutsideProposed(t *testing.T) {
	s := testMachineSwap()
	s.Communication.Kind = Declined
	s.Communication.Reason = "already declined"
	m := NewMachine(s)

	if err := m.Apply(Event{Accept: &AcceptResponseBody{}}); err != nil {
		t.Fatalf("Apply(Accept) error = %v", err)
	}
	if m.Swap().Communication.Kind != Declined {
		t.Errorf("Communication.Kind = %s, want unchanged Declined", m.Swap().Communication.Kind)
	}
}

func TestMachineLedgerForwardTransitions(t *testing.T) {
	m := NewMachine(testMachineSwap())

	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: NotDeployed}}); err != nil {
		t.Fatalf("Apply(NotDeployed) error = %v", err)
	}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Deployed, Location: "addr"}}); err != nil {
		t.Fatalf("Apply(Deployed) error = %v", err)
	}
	if m.Swap().Alpha.Kind != Deployed {
		t.Fatalf("Alpha.Kind = %s, want Deployed", m.Swap().Alpha.Kind)
	}

	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Funded, Location: "addr"}}); err != nil {
		t.Fatalf("Apply(Funded) error = %v", err)
	}
	if m.Swap().Alpha.Kind != Funded {
		t.Fatalf("Alpha.Kind = %s, want Funded", m.Swap().Alpha.Kind)
	}

	secret := []byte("0123456789abcdef0123456789abcde")
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Redeemed, Secret: secret}}); err != nil {
		t.Fatalf("Apply(Redeemed) error = %v", err)
	}
	if m.Swap().Alpha.Kind != Redeemed {
		t.Fatalf("Alpha.Kind = %s, want Redeemed", m.Swap().Alpha.Kind)
	}
}

func TestMachineDiscardsNonMonotoneLedgerTransition(t *testing.T) {
	m := NewMachine(testMachineSwap())
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Deployed}}); err != nil {
		t.Fatalf("Apply(Deployed) error = %v", err)
	}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Funded}}); err != nil {
		t.Fatalf("Apply(Funded) error = %v", err)
	}

	// Skipping back to Deployed without Reorg set is not forward progress
	// and must be silently discarded, not erred.
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Deployed}}); err != nil {
		t.Fatalf("Apply(Deployed) error = %v", err)
	}
	if m.Swap().Alpha.Kind != Funded {
		t.Errorf("Alpha.Kind = %s, want unchanged Funded", m.Swap().Alpha.Kind)
	}
}

func TestMachineIdempotentReplaySameState(t *testing.T) {
	m := NewMachine(testMachineSwap())
	ls := &LedgerState{Kind: Deployed, Location: "addr", DeployTx: "tx1"}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: ls}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// Re-applying the same kind (idempotent redelivery, P4) must succeed and
	// let the new fields through.
	ls2 := &LedgerState{Kind: Deployed, Location: "addr", DeployTx: "tx1", BlockHeight: 10}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: ls2}); err != nil {
		t.Fatalf("Apply() replay error = %v", err)
	}
	if m.Swap().Alpha.BlockHeight != 10 {
		t.Errorf("Alpha.BlockHeight = %d, want 10", m.Swap().Alpha.BlockHeight)
	}
}

func TestMachineRedeemedSecretMustMatchHash(t *testing.T) {
	m := NewMachine(testMachineSwap())
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Deployed}}); err != nil {
		t.Fatalf("Apply(Deployed) error = %v", err)
	}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Funded}}); err != nil {
		t.Fatalf("Apply(Funded) error = %v", err)
	}

	wrongSecret := []byte("ffffffffffffffffffffffffffffffff")[:32]
	err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Redeemed, Secret: wrongSecret}})
	if err == nil {
		t.Fatal("expected I4 violation error for mismatched secret, got nil")
	}
	if m.Swap().Alpha.Kind != Funded {
		t.Errorf("Alpha.Kind = %s, want unchanged Funded after rejected redeem", m.Swap().Alpha.Kind)
	}
}

func TestMachineReorgAllowsBackwardTransition(t *testing.T) {
	m := NewMachine(testMachineSwap())
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Deployed, Location: "addr"}}); err != nil {
		t.Fatalf("Apply(Deployed) error = %v", err)
	}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: Funded, Location: "addr"}}); err != nil {
		t.Fatalf("Apply(Funded) error = %v", err)
	}

	rewind := &LedgerState{Kind: NotDeployed, Reorg: true, BlockHeight: 5}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: rewind}); err != nil {
		t.Fatalf("Apply(reorg rewind) error = %v", err)
	}
	if m.Swap().Alpha.Kind != NotDeployed {
		t.Errorf("Alpha.Kind = %s, want NotDeployed after reorg rewind", m.Swap().Alpha.Kind)
	}
}

func TestMachineReorgDoesNotLegitimizeArbitraryBackwardMoves(t *testing.T) {
	m := NewMachine(testMachineSwap())
	if err := m.Apply(Event{Side: SideAlpha, Ledger: &LedgerState{Kind: NotDeployed}}); err != nil {
		t.Fatalf("Apply(NotDeployed) error = %v", err)
	}

	// NotDeployed has nowhere to rewind to; even tagged Reorg this must be
	// discarded rather than accepted.
	bogus := &LedgerState{Kind: Redeemed, Reorg: true, Secret: []byte("x")}
	if err := m.Apply(Event{Side: SideAlpha, Ledger: bogus}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if m.Swap().Alpha.Kind != NotDeployed {
		t.Errorf("Alpha.Kind = %s, want unchanged NotDeployed", m.Swap().Alpha.Kind)
	}
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to LedgerStateKind
		want     bool
	}{
		{NotDeployed, NotDeployed, true},
		{NotDeployed, Deployed, true},
		{NotDeployed, Funded, false},
		{Deployed, Funded, true},
		{Deployed, IncorrectlyFunded, true},
		{Deployed, NotDeployed, false},
		{Funded, Redeemed, true},
		{Funded, Refunded, true},
		{Redeemed, Funded, false},
		{Refunded, Redeemed, false},
	}
	for _, c := range cases {
		got := validTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("validTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidReorgTransitionTable(t *testing.T) {
	cases := []struct {
		from, to LedgerStateKind
		want     bool
	}{
		{Deployed, NotDeployed, true},
		{Funded, Deployed, true},
		{Funded, NotDeployed, true},
		{Redeemed, Funded, true},
		{Redeemed, NotDeployed, true},
		{NotDeployed, Deployed, false},
		{Deployed, Funded, false},
	}
	for _, c := range cases {
		got := validReorgTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("validReorgTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
