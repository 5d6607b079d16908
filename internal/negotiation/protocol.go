package negotiation

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/swap"
)

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	return json.Unmarshal(payload, v)
}

// SupportedLedgers/SupportedAssets gate which pairs Bob will even consider,
// keyed by the identifiers used on the wire (§4.8 step 2's "known ledger
// pair, supported asset pair").
type Policy struct {
	SupportedLedgers map[chain.Type]bool
	SupportedAssets  map[swap.AssetKind]bool

	// SafetyMargin is Δ in seconds: alpha_expiry must exceed beta_expiry by
	// at least this much (I2).
	SafetyMargin int64
}

// Validate checks a received Request against Bob's policy and invariant I2,
// returning the status to reply with and, on success, an empty status/reason
// (status == "" signals "accept, subject to the caller's own business
// decision").
func Validate(req swap.Request, now int64, policy Policy) (Status, string) {
	if !policy.SupportedLedgers[req.AlphaLedger.Type] || !policy.SupportedLedgers[req.BetaLedger.Type] {
		return StatusSE01, "unsupported ledger"
	}
	if !policy.SupportedAssets[req.AlphaAsset.Kind] || !policy.SupportedAssets[req.BetaAsset.Kind] {
		return StatusSE01, "unsupported asset"
	}
	if req.HashFunction != "SHA-256" {
		return StatusSE01, "unsupported hash function"
	}
	if req.AlphaExpiry <= now || req.BetaExpiry <= now {
		return StatusSE01, "expiry already in the past"
	}
	if req.AlphaExpiry < req.BetaExpiry+policy.SafetyMargin {
		return StatusSE01, "alpha expiry does not exceed beta expiry by the safety margin"
	}
	return "", ""
}

// Decider is the caller-supplied business decision made after policy
// validation passes: accept (returning the two identities Bob contributes)
// or decline (returning a reason).
type Decider func(req swap.Request) (accept bool, body swap.AcceptResponseBody, reason string)

// RespondToRequest reads one REQUEST frame from r, validates and decides it,
// and writes the corresponding RESPONSE frame to w. Returns the parsed
// request and whether it was accepted, so the caller can seed its state
// machine (C6) and coordinator (C9).
func RespondToRequest(r io.Reader, w io.Writer, policy Policy, now int64, decide Decider) (*swap.Request, bool, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, false, err
	}
	if frame.Type != FrameRequest {
		writeStatus(w, frame.ID, StatusSE02, "expected a REQUEST frame")
		return nil, false, fmt.Errorf("negotiation: expected REQUEST, got %s", frame.Type)
	}

	var swapReq SwapRequestPayload
	if err := unmarshalPayload(frame.Payload, &swapReq); err != nil {
		writeStatus(w, frame.ID, StatusSE00, "malformed request")
		return nil, false, err
	}
	if swapReq.Type != "SWAP" {
		writeStatus(w, frame.ID, StatusSE02, "unknown request type")
		return nil, false, fmt.Errorf("negotiation: unknown request type %q", swapReq.Type)
	}

	req, err := FromWire(swapReq)
	if err != nil {
		writeStatus(w, frame.ID, StatusSE00, "malformed request body")
		return nil, false, err
	}

	if status, reason := Validate(req, now, policy); status != "" {
		if err := WriteResponse(w, frame.ID, ResponsePayload{Status: status, Reason: reason}); err != nil {
			return nil, false, err
		}
		return &req, false, nil
	}

	accept, body, reason := decide(req)
	if !accept {
		if err := WriteResponse(w, frame.ID, ResponsePayload{Status: StatusSE21, Reason: reason}); err != nil {
			return nil, false, err
		}
		return &req, false, nil
	}

	if err := WriteResponse(w, frame.ID, ResponsePayload{Status: StatusOK20, Body: &body}); err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

// Propose writes a REQUEST frame for req to w and blocks for the matching
// RESPONSE on r, returning the accept body or an error describing a
// decline/policy rejection.
func Propose(r io.Reader, w io.Writer, id uint32, req swap.Request) (*swap.AcceptResponseBody, error) {
	if err := WriteRequest(w, id, req); err != nil {
		return nil, err
	}

	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if frame.Type != FrameResponse {
		return nil, fmt.Errorf("negotiation: expected RESPONSE, got %s", frame.Type)
	}
	if frame.ID != id {
		return nil, fmt.Errorf("negotiation: response id %d does not match request id %d", frame.ID, id)
	}

	var resp ResponsePayload
	if err := unmarshalPayload(frame.Payload, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusOK20:
		if resp.Body == nil {
			return nil, fmt.Errorf("negotiation: OK20 response missing body")
		}
		return resp.Body, nil
	case StatusSE21:
		return nil, fmt.Errorf("negotiation: swap declined: %s", resp.Reason)
	default:
		return nil, fmt.Errorf("negotiation: swap rejected (%s): %s", resp.Status, resp.Reason)
	}
}

func writeStatus(w io.Writer, id uint32, status Status, reason string) {
	_ = WriteResponse(w, id, ResponsePayload{Status: status, Reason: reason})
}
