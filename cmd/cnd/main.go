// Package main provides cnd, the RFC003 atomic-swap coordinator node.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/cnd/internal/backend"
	"github.com/comit-network/cnd/internal/chain"
	"github.com/comit-network/cnd/internal/config"
	"github.com/comit-network/cnd/internal/negotiation"
	"github.com/comit-network/cnd/internal/node"
	"github.com/comit-network/cnd/internal/storage"
	"github.com/comit-network/cnd/internal/swap"
	"github.com/comit-network/cnd/internal/watcher"
	"github.com/comit-network/cnd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.cnd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("cnd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)

	confPath := *configFile
	if confPath == "" {
		confPath = filepath.Join(effectiveDataDir, "config.yaml")
	}
	cfg, err := config.Load(confPath)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if cfg.Node.DataDir == "" || cfg.Node.DataDir == "~/.cnd" {
		cfg.Node.DataDir = effectiveDataDir
	}
	if *listenAddr != "" {
		cfg.Node.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Node.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", confPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.Node.DataDir})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.Node.DataDir)

	seed, err := loadOrCreateSeed(filepath.Join(expandPath(cfg.Node.DataDir), "seed"))
	if err != nil {
		log.Fatal("failed to load secret seed", "error", err)
	}
	secretSource, err := swap.NewSecretSource(seed)
	if err != nil {
		log.Fatal("failed to initialize secret source", "error", err)
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.Storage.DataDir = cfg.Node.DataDir
	nodeCfg.Logging.Level = cfg.Node.LogLevel
	if cfg.Node.ListenAddr != "" {
		nodeCfg.Network.ListenAddrs = []string{cfg.Node.ListenAddr}
	}
	nodeCfg.Network.BootstrapPeers = cfg.Bootstrap

	p2pNode, err := node.New(ctx, nodeCfg)
	if err != nil {
		log.Fatal("failed to create p2p node", "error", err)
	}
	p2pNode.SetPeerStoreAdapter(node.NewPeerStoreAdapter(store))
	if err := p2pNode.LoadPersistedPeers(); err != nil {
		log.Warn("failed to load persisted peers", "error", err)
	}
	if err := p2pNode.Start(); err != nil {
		log.Fatal("failed to start p2p node", "error", err)
	}
	log.Info("p2p node started", "peer_id", p2pNode.ID().String())

	alphaFactory, betaFactory, err := buildWatcherFactories(cfg)
	if err != nil {
		log.Fatal("failed to build watcher factories", "error", err)
	}

	registry := newCoordinatorRegistry(store, alphaFactory, betaFactory)

	policy := negotiation.Policy{
		SupportedLedgers: map[chain.Type]bool{chain.TypeBitcoin: true, chain.TypeEVM: true},
		SupportedAssets:  map[swap.AssetKind]bool{swap.AssetBitcoin: true, swap.AssetEther: true, swap.AssetERC20: true},
		SafetyMargin:     cfg.Swap.Ethereum.SafetyMarginSeconds(),
	}

	if err := p2pNode.StartDiscovery(ctx, policy, func(peerID peer.ID, ann node.DiscoveryAnnouncement) {
		log.Debug("discovered peer", "peer", peerID.String(), "ledgers", ann.Ledgers)
	}); err != nil {
		log.Warn("failed to start swap discovery", "error", err)
	}

	negotiator := node.NewNegotiationHandler(p2pNode, policy, decideSwap(secretSource), func() int64 { return time.Now().Unix() })
	negotiator.OnRequest = func(peerID peer.ID, req swap.Request, accepted bool) {
		if !accepted {
			return
		}
		swapID := newSwapID()
		s := inboundSwap(swapID, peerID, req, secretSource)
		rec := &storage.SwapRecord{Swap: *s}
		if err := store.SaveCreatedSwap(rec); err != nil {
			log.Error("failed to persist inbound swap", "swap_id", swapID, "error", err)
			return
		}
		registry.start(ctx, s)
		log.Info("inbound swap accepted", "swap_id", swapID, "peer", peerID.String())
	}
	negotiator.Start()
	defer negotiator.Stop()

	resumed, err := store.ListUnfinished()
	if err != nil {
		log.Warn("failed to list unfinished swaps", "error", err)
	}
	for _, rec := range resumed {
		s := rec.Swap
		registry.start(ctx, &s)
	}
	log.Info("resumed swaps from storage", "count", len(resumed))

	log.Info("cnd started", "version", version, "listen", nodeCfg.Network.ListenAddrs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	registry.waitAll(5 * time.Second)

	if err := p2pNode.SavePeerCache(); err != nil {
		log.Warn("failed to save peer cache", "error", err)
	}
	if err := p2pNode.Stop(); err != nil {
		log.Error("error stopping p2p node", "error", err)
	}
	log.Info("goodbye")
}

// buildWatcherFactories wires the production watcher path: a JSON-RPC
// backend per ledger, wrapped in the per-family connector, wrapped again in
// an LRU block cache sized per §4.2, handed to watcher.NewBitcoinWatcher /
// watcher.NewEthereumWatcher through swap.WatcherFactoryFor's dispatch.
func buildWatcherFactories(cfg *config.Config) (swap.WatcherFactory, swap.WatcherFactory, error) {
	btcRPC := backend.NewJSONRPCBackend(cfg.Bitcoin.URL, backend.RPCTypeBitcoin, cfg.Bitcoin.User, cfg.Bitcoin.Password)
	btcConn := backend.NewBitcoinConnector(btcRPC)
	btcCache, err := backend.NewCachingConnector(btcConn, backend.DefaultBitcoinCacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("cnd: build bitcoin connector: %w", err)
	}

	ethRPC := backend.NewJSONRPCBackend(cfg.Ethereum.URL, backend.RPCTypeEVM, cfg.Ethereum.User, cfg.Ethereum.Password)
	ethConn := backend.NewEVMConnector(ethRPC)
	ethCache, err := backend.NewCachingConnector(ethConn, backend.DefaultEthereumCacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("cnd: build ethereum connector: %w", err)
	}

	htlcContract := common.HexToAddress(cfg.Ethereum.HTLCContract)
	bitcoinPoll := cfg.Swap.Bitcoin.PollInterval
	ethereumPoll := cfg.Swap.Ethereum.PollInterval

	perLedger := map[chain.Type]swap.WatcherFactory{
		chain.TypeBitcoin: func(params swap.HtlcParams, startOfSwap int64) (swap.Watcher, error) {
			return watcher.NewBitcoinWatcher(params, startOfSwap, btcCache, bitcoinPoll)
		},
		chain.TypeEVM: func(params swap.HtlcParams, startOfSwap int64) (swap.Watcher, error) {
			return watcher.NewEthereumWatcher(params, startOfSwap, ethCache, htlcContract, ethereumPoll), nil
		},
	}
	factory := swap.WatcherFactoryFor(perLedger)
	return factory, factory, nil
}

// coordinatorRegistry tracks the running Coordinator for every local swap,
// so the negotiation handler and the storage resume path can both spawn
// swaps through one place and the shutdown path can wait for all of them.
type coordinatorRegistry struct {
	mu           sync.Mutex
	byID         map[string]*swap.Coordinator
	store        *storage.Storage
	alphaFactory swap.WatcherFactory
	betaFactory  swap.WatcherFactory
	wg           sync.WaitGroup
}

func newCoordinatorRegistry(store *storage.Storage, alphaFactory, betaFactory swap.WatcherFactory) *coordinatorRegistry {
	return &coordinatorRegistry{
		byID:         make(map[string]*swap.Coordinator),
		store:        store,
		alphaFactory: alphaFactory,
		betaFactory:  betaFactory,
	}
}

func (r *coordinatorRegistry) start(ctx context.Context, s *swap.Swap) {
	c := swap.NewCoordinator(s, r.store, r.alphaFactory, r.betaFactory)

	r.mu.Lock()
	r.byID[s.SwapId] = c
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.Run(ctx)
	}()
}

func (r *coordinatorRegistry) waitAll(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// decideSwap builds the Decider Bob applies to every inbound proposal that
// already passed Policy: accept unconditionally, contributing the
// identities derived from the swap's own secp256k1 keypair (§4.4).
func decideSwap(secretSource *swap.SecretSource) negotiation.Decider {
	return func(req swap.Request) (bool, swap.AcceptResponseBody, string) {
		swapID := newSwapID()
		alphaRedeem, err := identityFor(req.AlphaLedger, secretSource, swapID, true)
		if err != nil {
			return false, swap.AcceptResponseBody{}, err.Error()
		}
		betaRefund, err := identityFor(req.BetaLedger, secretSource, swapID, false)
		if err != nil {
			return false, swap.AcceptResponseBody{}, err.Error()
		}
		return true, swap.AcceptResponseBody{
			AlphaLedgerRedeemIdentity: alphaRedeem,
			BetaLedgerRefundIdentity:  betaRefund,
		}, ""
	}
}

// identityFor renders the hex/address form of one of the swap's derived
// keys, in whichever shape the ledger family expects: a compressed
// secp256k1 pubkey for Bitcoin, an Ethereum address for EVM chains. Both
// key families share the same secp256k1 curve, so RedeemKey/RefundKey's
// scalar is reused directly rather than deriving a second keypair per chain.
func identityFor(ledger chain.Ledger, secretSource *swap.SecretSource, swapID string, redeem bool) (string, error) {
	var privKey *btcec.PrivateKey
	var err error
	if redeem {
		privKey, err = secretSource.RedeemKey(swapID)
	} else {
		privKey, err = secretSource.RefundKey(swapID)
	}
	if err != nil {
		return "", err
	}

	switch ledger.Type {
	case chain.TypeBitcoin:
		return fmt.Sprintf("%x", privKey.PubKey().SerializeCompressed()), nil
	case chain.TypeEVM:
		ecdsaKey, err := gethcrypto.ToECDSA(privKey.Serialize())
		if err != nil {
			return "", err
		}
		return gethcrypto.PubkeyToAddress(ecdsaKey.PublicKey).Hex(), nil
	default:
		return "", fmt.Errorf("cnd: unsupported ledger type %s", ledger.Type)
	}
}

// inboundSwap assembles the Bob-side Swap aggregate for an accepted
// proposal: Request came from the wire, Response was computed by
// decideSwap, and the swap starts life already Accepted (policy validation
// and the accept decision happened together in RespondToRequest).
func inboundSwap(swapID string, peerID peer.ID, req swap.Request, secretSource *swap.SecretSource) *swap.Swap {
	alphaRedeem, _ := identityFor(req.AlphaLedger, secretSource, swapID, true)
	betaRefund, _ := identityFor(req.BetaLedger, secretSource, swapID, false)

	return &swap.Swap{
		SwapId:             swapID,
		Role:               swap.RoleBob,
		CounterpartyPeerID: peerID.String(),
		StartOfSwap:        time.Now().Unix(),
		Communication: swap.SwapCommunication{
			Kind:    swap.Accepted,
			Request: req,
			Response: &swap.AcceptResponseBody{
				AlphaLedgerRedeemIdentity: alphaRedeem,
				BetaLedgerRefundIdentity:  betaRefund,
			},
		},
		Alpha: swap.LedgerState{Kind: swap.NotDeployed},
		Beta:  swap.LedgerState{Kind: swap.NotDeployed},
	}
}

func newSwapID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// loadOrCreateSeed reads the node's 32-byte secret seed from path, creating
// a fresh random one on first run. Losing this file means losing the
// ability to re-derive any in-flight swap's secret or keys (§4.4).
func loadOrCreateSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == swap.SeedSize {
		return data, nil
	}

	seed := make([]byte, swap.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("cnd: generate seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("cnd: create seed directory: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("cnd: write seed: %w", err)
	}
	return seed, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
