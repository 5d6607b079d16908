// Package negotiation implements the RFC003-style propose/accept/decline
// handshake (C8): a single request/response exchange over a length-prefixed
// JSON stream. Framing follows the donor's stream_handler.go (4-byte
// big-endian length, then a JSON body) but the protocol itself is transport
// agnostic — it runs over any io.Reader/io.Writer, not just a libp2p stream,
// so it can be exercised directly in tests without the P2P stack.
package negotiation

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/swap"
)

// maxFrameSize bounds a single frame; oversized frames are a protocol
// violation, not a transport error (§4.8).
const maxFrameSize = 1 << 20

// FrameType tags a Frame as a proposal or a reply to one.
type FrameType string

const (
	FrameRequest  FrameType = "REQUEST"
	FrameResponse FrameType = "RESPONSE"
)

// Status is the outcome code carried in a RESPONSE frame's payload.
type Status string

const (
	StatusOK20 Status = "OK20" // accepted
	StatusSE00 Status = "SE00" // malformed request
	StatusSE01 Status = "SE01" // unknown mandatory header / policy rejection
	StatusSE02 Status = "SE02" // unknown request type
	StatusSE21 Status = "SE21" // declined
)

// Frame is the outermost envelope: type, correlation id, and an
// opaque payload decoded according to Type.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint32          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// LedgerHeader and AssetHeader mirror the wire shape in §6: a named value
// plus a parameters bag, rather than swap.Request's flattened fields.
type LedgerHeader struct {
	Value      string       `json:"value"`
	Parameters chain.Ledger `json:"parameters"`
}

type AssetHeader struct {
	Value      string     `json:"value"`
	Parameters swap.Asset `json:"parameters"`
}

type ProtocolHeader struct {
	Value      string             `json:"value"`
	Parameters ProtocolParameters `json:"parameters"`
}

type ProtocolParameters struct {
	HashFunction string `json:"hash_function"`
}

// RequestHeaders names the mandatory headers a REQUEST frame carries.
type RequestHeaders struct {
	AlphaLedger LedgerHeader   `json:"alpha_ledger"`
	BetaLedger  LedgerHeader   `json:"beta_ledger"`
	AlphaAsset  AssetHeader    `json:"alpha_asset"`
	BetaAsset   AssetHeader    `json:"beta_asset"`
	Protocol    ProtocolHeader `json:"protocol"`
}

// RequestBody carries the identities, expiries, and secret hash (§3's
// Request, reused verbatim as the frame body).
type RequestBody struct {
	AlphaLedgerRefundIdentity string `json:"alpha_ledger_refund_identity"`
	BetaLedgerRedeemIdentity  string `json:"beta_ledger_redeem_identity"`
	AlphaExpiry               int64  `json:"alpha_expiry"`
	BetaExpiry                int64  `json:"beta_expiry"`
	SecretHash                string `json:"secret_hash"` // hex
}

// SwapRequestPayload is a REQUEST frame's payload: type "SWAP" plus headers
// and body.
type SwapRequestPayload struct {
	Type    string         `json:"type"`
	Headers RequestHeaders `json:"headers"`
	Body    RequestBody    `json:"body"`
}

// ResponsePayload is a RESPONSE frame's payload.
type ResponsePayload struct {
	Status Status                     `json:"status"`
	Body   *swap.AcceptResponseBody   `json:"body,omitempty"`
	Reason string                     `json:"reason,omitempty"`
}

// ToWire converts a swap.Request into the nested wire shape §6 describes.
func ToWire(req swap.Request) SwapRequestPayload {
	return SwapRequestPayload{
		Type: "SWAP",
		Headers: RequestHeaders{
			AlphaLedger: LedgerHeader{Value: string(req.AlphaLedger.Type), Parameters: req.AlphaLedger},
			BetaLedger:  LedgerHeader{Value: string(req.BetaLedger.Type), Parameters: req.BetaLedger},
			AlphaAsset:  AssetHeader{Value: string(req.AlphaAsset.Kind), Parameters: req.AlphaAsset},
			BetaAsset:   AssetHeader{Value: string(req.BetaAsset.Kind), Parameters: req.BetaAsset},
			Protocol:    ProtocolHeader{Value: "comit-rfc-003", Parameters: ProtocolParameters{HashFunction: req.HashFunction}},
		},
		Body: RequestBody{
			AlphaLedgerRefundIdentity: req.AlphaLedgerRefundIdentity,
			BetaLedgerRedeemIdentity:  req.BetaLedgerRedeemIdentity,
			AlphaExpiry:               req.AlphaExpiry,
			BetaExpiry:                req.BetaExpiry,
			SecretHash:                hex.EncodeToString(req.SecretHash),
		},
	}
}

// FromWire reconstructs a swap.Request from a received SwapRequestPayload.
func FromWire(p SwapRequestPayload) (swap.Request, error) {
	secretHash, err := hex.DecodeString(p.Body.SecretHash)
	if err != nil {
		return swap.Request{}, fmt.Errorf("negotiation: secret_hash: %w", err)
	}
	return swap.Request{
		AlphaLedger:               p.Headers.AlphaLedger.Parameters,
		BetaLedger:                p.Headers.BetaLedger.Parameters,
		AlphaAsset:                p.Headers.AlphaAsset.Parameters,
		BetaAsset:                 p.Headers.BetaAsset.Parameters,
		HashFunction:              p.Headers.Protocol.Parameters.HashFunction,
		AlphaLedgerRefundIdentity: p.Body.AlphaLedgerRefundIdentity,
		BetaLedgerRedeemIdentity:  p.Body.BetaLedgerRedeemIdentity,
		AlphaExpiry:               p.Body.AlphaExpiry,
		BetaExpiry:                p.Body.BetaExpiry,
		SecretHash:                secretHash,
	}, nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("negotiation: read length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("negotiation: frame too large: %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("negotiation: read frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("negotiation: decode frame: %w", err)
	}
	return &f, nil
}

// WriteFrame writes one length-prefixed JSON frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("negotiation: encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("negotiation: frame too large: %d", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("negotiation: write length: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// WriteRequest marshals req as a SWAP REQUEST frame with correlation id.
func WriteRequest(w io.Writer, id uint32, req swap.Request) error {
	payload, err := json.Marshal(ToWire(req))
	if err != nil {
		return fmt.Errorf("negotiation: encode request: %w", err)
	}
	return WriteFrame(w, &Frame{Type: FrameRequest, ID: id, Payload: payload})
}

// WriteResponse marshals resp as a RESPONSE frame replying to id.
func WriteResponse(w io.Writer, id uint32, resp ResponsePayload) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("negotiation: encode response: %w", err)
	}
	return WriteFrame(w, &Frame{Type: FrameResponse, ID: id, Payload: payload})
}
