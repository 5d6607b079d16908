// Package chain defines the ledger parameters cnd understands: Bitcoin-family
// networks (identified by name) and Ethereum-family networks (identified by
// chain id). Everything here is a static registry; no external configuration
// is required to resolve a ledger identifier into usable network parameters.
package chain

import "fmt"

// Network distinguishes production and test deployments of a ledger.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Type is the ledger family: the two fundamentally different transaction
// models this node understands.
type Type string

const (
	TypeBitcoin Type = "bitcoin"
	TypeEVM     Type = "evm"
)

// Params describes one ledger (e.g. "Bitcoin regtest" or "Ethereum chain 17").
type Params struct {
	Type Type

	// Bitcoin-family fields.
	Name                    string
	Bech32HRP               string
	WitnessScriptHashAddrID byte

	// EVM-family fields.
	ChainID uint64
}

// registry is keyed by (Type, network-specific identifier).
var (
	bitcoinByNetwork = make(map[Network]*Params)
	evmByChainID     = make(map[uint64]*Params)
)

func init() {
	RegisterBitcoin(Mainnet, &Params{Type: TypeBitcoin, Name: "Bitcoin", Bech32HRP: "bc", WitnessScriptHashAddrID: 0x00})
	RegisterBitcoin(Testnet, &Params{Type: TypeBitcoin, Name: "Bitcoin testnet", Bech32HRP: "tb", WitnessScriptHashAddrID: 0x00})
	RegisterBitcoin(Regtest, &Params{Type: TypeBitcoin, Name: "Bitcoin regtest", Bech32HRP: "bcrt", WitnessScriptHashAddrID: 0x00})

	RegisterEVM(1, &Params{Type: TypeEVM, Name: "Ethereum mainnet", ChainID: 1})
	RegisterEVM(17, &Params{Type: TypeEVM, Name: "Ethereum dev/regtest", ChainID: 17})
	RegisterEVM(11155111, &Params{Type: TypeEVM, Name: "Sepolia", ChainID: 11155111})
}

// RegisterBitcoin adds (or overrides) the parameters for a Bitcoin-family network.
func RegisterBitcoin(network Network, p *Params) { bitcoinByNetwork[network] = p }

// RegisterEVM adds (or overrides) the parameters for an EVM chain id.
func RegisterEVM(chainID uint64, p *Params) { evmByChainID[chainID] = p }

// Bitcoin resolves a Bitcoin-family network name to its parameters.
func Bitcoin(network Network) (*Params, error) {
	p, ok := bitcoinByNetwork[network]
	if !ok {
		return nil, fmt.Errorf("chain: unknown bitcoin network %q", network)
	}
	return p, nil
}

// EVM resolves an EVM chain id to its parameters.
func EVM(chainID uint64) (*Params, error) {
	p, ok := evmByChainID[chainID]
	if !ok {
		return nil, fmt.Errorf("chain: unknown evm chain id %d", chainID)
	}
	return p, nil
}

// Ledger identifies one side of a swap: which family, and which concrete
// network within that family. It is the wire-level "alpha_ledger"/
// "beta_ledger" header value (§6 of SPEC_FULL.md).
type Ledger struct {
	Type    Type    `json:"type"`
	Network Network `json:"network,omitempty"` // set when Type == TypeBitcoin
	ChainID uint64  `json:"chain_id,omitempty"` // set when Type == TypeEVM
}

// Params resolves a Ledger to its concrete chain parameters.
func (l Ledger) Params() (*Params, error) {
	switch l.Type {
	case TypeBitcoin:
		return Bitcoin(l.Network)
	case TypeEVM:
		return EVM(l.ChainID)
	default:
		return nil, fmt.Errorf("chain: unknown ledger type %q", l.Type)
	}
}

// String renders a human-readable ledger identifier, used in logs.
func (l Ledger) String() string {
	if l.Type == TypeBitcoin {
		return fmt.Sprintf("bitcoin/%s", l.Network)
	}
	return fmt.Sprintf("evm/%d", l.ChainID)
}
