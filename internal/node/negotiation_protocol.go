// Package node - bridges the RFC003 swap-negotiation protocol onto this
// node's libp2p host. Negotiation is a synchronous request/response
// exchange over one stream per proposal, so it gets its own protocol ID
// and dedicated stream handler, separate from the discovery gossip topic
// (discovery.go).
package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/comit-network/cnd/internal/negotiation"
	"github.com/comit-network/cnd/internal/swap"
	"github.com/comit-network/cnd/pkg/logging"
)

// SwapNegotiationProtocol is the protocol ID for RFC003 swap proposals.
const SwapNegotiationProtocol protocol.ID = "/klingon/swap/negotiate/1.0.0"

// NegotiationHandler answers incoming swap proposals on this node's libp2p
// host, evaluating each one against Policy and deciding via Decide, and
// dials out proposals on behalf of the local coordinator.
type NegotiationHandler struct {
	node   *Node
	log    *logging.Logger
	Policy negotiation.Policy
	Decide negotiation.Decider
	Now    func() int64

	// OnRequest, if set, is invoked after a request has been answered
	// (accepted or declined), letting the caller spin up a Coordinator for
	// a freshly accepted inbound swap.
	OnRequest func(peerID peer.ID, req swap.Request, accepted bool)
}

// NewNegotiationHandler wires a handler to n's host. Start must be called
// to begin accepting streams.
func NewNegotiationHandler(n *Node, policy negotiation.Policy, decide negotiation.Decider, now func() int64) *NegotiationHandler {
	return &NegotiationHandler{
		node:   n,
		log:    logging.Default().Component("negotiation"),
		Policy: policy,
		Decide: decide,
		Now:    now,
	}
}

// Start registers the negotiation protocol handler with the libp2p host.
func (h *NegotiationHandler) Start() {
	h.node.Host().SetStreamHandler(SwapNegotiationProtocol, h.handleStream)
	h.log.Info("negotiation handler started", "protocol", SwapNegotiationProtocol)
}

// Stop unregisters the handler.
func (h *NegotiationHandler) Stop() {
	h.node.Host().RemoveStreamHandler(SwapNegotiationProtocol)
}

func (h *NegotiationHandler) handleStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer()

	req, accepted, err := negotiation.RespondToRequest(s, s, h.Policy, h.Now(), h.Decide)
	if err != nil {
		h.log.Error("negotiation: respond to request failed", "peer", peerID, "err", err)
		return
	}
	h.log.Info("negotiation: request answered", "peer", peerID, "accepted", accepted)

	if h.OnRequest != nil && req != nil {
		h.OnRequest(peerID, *req, accepted)
	}
}

// Propose dials peerID and runs the proposer side of the protocol over a
// fresh stream, returning the counterparty's accept body, or an error if the
// stream failed or the counterparty declined.
func (h *NegotiationHandler) Propose(ctx context.Context, peerID peer.ID, id uint32, req swap.Request) (*swap.AcceptResponseBody, error) {
	s, err := h.node.Host().NewStream(ctx, peerID, SwapNegotiationProtocol)
	if err != nil {
		return nil, fmt.Errorf("negotiation: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	return negotiation.Propose(s, s, id, req)
}
