// Package node - presence/capability discovery over GossipSub. A node
// periodically announces which ledger types and asset kinds its policy
// accepts so peers can find a counterparty before opening the per-proposal
// negotiation stream (negotiation_protocol.go). This is advertisement only:
// no offer, order, or price ever crosses the topic, so it carries no
// order-book semantics.
package node

import (
	"context"
	"encoding/json"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/negotiation"
	"github.com/comit-network/cnd/internal/swap"
	"github.com/comit-network/cnd/pkg/logging"
)

// SwapDiscoveryTopic is the GossipSub topic nodes publish presence
// announcements to.
const SwapDiscoveryTopic = "/klingon/swap/discovery/1.0.0"

// DiscoveryAnnouncement is the gossiped payload: enough for a listener to
// decide whether this node is worth dialing for negotiation.
type DiscoveryAnnouncement struct {
	PeerID    string          `json:"peer_id"`
	Ledgers   []chain.Type    `json:"ledgers"`
	Assets    []swap.AssetKind `json:"assets"`
	Timestamp int64           `json:"timestamp"`
}

// DiscoveryBroadcaster republishes this node's negotiation.Policy on
// SwapDiscoveryTopic and reports every announcement it hears from another
// peer. Announcements are not checked against this node's policy.
type DiscoveryBroadcaster struct {
	node   *Node
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	policy negotiation.Policy
	log    *logging.Logger

	onPeerFound func(peer.ID, DiscoveryAnnouncement)

	interval time.Duration
	cancel   context.CancelFunc
}

// NewDiscoveryBroadcaster joins SwapDiscoveryTopic on n's GossipSub
// instance. The node must have pubsub enabled.
func NewDiscoveryBroadcaster(n *Node, policy negotiation.Policy) (*DiscoveryBroadcaster, error) {
	topic, err := n.PubSub().Join(SwapDiscoveryTopic)
	if err != nil {
		return nil, err
	}
	return &DiscoveryBroadcaster{
		node:     n,
		topic:    topic,
		policy:   policy,
		log:      logging.Default().Component("discovery"),
		interval: 60 * time.Second,
	}, nil
}

// OnPeerFound registers a callback invoked for each announcement received
// from a remote peer (self-announcements are filtered out).
func (b *DiscoveryBroadcaster) OnPeerFound(cb func(peer.ID, DiscoveryAnnouncement)) {
	b.onPeerFound = cb
}

// Start subscribes to the topic and begins the periodic publish loop.
func (b *DiscoveryBroadcaster) Start(ctx context.Context) error {
	sub, err := b.topic.Subscribe()
	if err != nil {
		return err
	}
	b.sub = sub

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.readLoop(ctx)
	go b.publishLoop(ctx)
	return nil
}

// Stop tears down the subscription and publish loop.
func (b *DiscoveryBroadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Cancel()
	}
	if b.topic != nil {
		b.topic.Close()
	}
}

func (b *DiscoveryBroadcaster) publishLoop(ctx context.Context) {
	b.publish(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publish(ctx)
		}
	}
}

func (b *DiscoveryBroadcaster) publish(ctx context.Context) {
	ann := DiscoveryAnnouncement{
		PeerID:    b.node.ID().String(),
		Ledgers:   sortedLedgerTypes(b.policy.SupportedLedgers),
		Assets:    sortedAssetKinds(b.policy.SupportedAssets),
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(ann)
	if err != nil {
		b.log.Error("discovery: marshal announcement failed", "error", err)
		return
	}
	if err := b.topic.Publish(ctx, data); err != nil {
		b.log.Warn("discovery: publish failed", "error", err)
	}
}

func (b *DiscoveryBroadcaster) readLoop(ctx context.Context) {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if msg.ReceivedFrom == b.node.ID() {
			continue
		}

		var ann DiscoveryAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			b.log.Warn("discovery: malformed announcement", "peer", shortID(msg.ReceivedFrom), "error", err)
			continue
		}

		b.log.Debug("discovery: announcement received", "peer", shortID(msg.ReceivedFrom))
		if b.onPeerFound != nil {
			b.onPeerFound(msg.ReceivedFrom, ann)
		}
	}
}

func sortedLedgerTypes(m map[chain.Type]bool) []chain.Type {
	out := make([]chain.Type, 0, len(m))
	for t, ok := range m {
		if ok {
			out = append(out, t)
		}
	}
	return out
}

func sortedAssetKinds(m map[swap.AssetKind]bool) []swap.AssetKind {
	out := make([]swap.AssetKind, 0, len(m))
	for k, ok := range m {
		if ok {
			out = append(out, k)
		}
	}
	return out
}
