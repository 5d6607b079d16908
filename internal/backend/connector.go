package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/comit-network/cnd/pkg/helpers"
)

// ErrBlockNotFound is returned by BlockByHash when the node has no block
// with that hash (§4.1's NotFound contract).
var ErrBlockNotFound = errors.New("backend: block not found")

// TransportError marks a connector failure as transient (timeout, 5xx,
// connection refused): the caller should retry with backoff rather than
// surface it as a fatal condition (§7, §10.3).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("backend: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Temporary() bool { return true }

// TxOut is one Bitcoin transaction output.
type TxOut struct {
	Value        uint64 // satoshis
	Vout         uint32
	ScriptPubKey string // hex
	Address      string // decoded address, if the node reported one
}

// TxIn is one Bitcoin transaction input, including its witness stack so the
// watcher can inspect the redeem/refund branch selector and the revealed
// secret without a second RPC round-trip.
type TxIn struct {
	PrevTxID string
	PrevVout uint32
	Witness  [][]byte // hex-decoded witness items, bottom to top
}

// Tx is one transaction as it appears inside a fetched Block. Bitcoin
// fields (Vin/Vout) and EVM fields (From/To/Value/Data) are mutually
// exclusive depending on which connector produced the block.
type Tx struct {
	TxID string

	// Bitcoin-family fields.
	Vin  []TxIn
	Vout []TxOut

	// EVM-family fields.
	From            string
	To              string // empty for a contract-creation transaction
	Value           string // decimal wei
	Data            []byte
	ContractAddress string // populated for contract-creation transactions
}

// Block is a full block with every transaction's inputs/outputs or
// from/to/data, as required by the watcher's matching predicates (§4.3).
type Block struct {
	Hash       string
	ParentHash string
	Height     int64
	Timestamp  int64

	Transactions []Tx
}

// Log is one EVM event log entry.
type Log struct {
	Address string
	Topics  []string
	Data    []byte
}

// Receipt is an Ethereum transaction receipt: status and emitted logs,
// needed to confirm ERC-20 Transfer events and contract-creation addresses
// (§4.1, Ethereum-only).
type Receipt struct {
	TxHash          string
	Status          uint64 // 1 = success, 0 = failed
	ContractAddress string
	Logs            []Log
}

// Connector abstracts access to one blockchain node behind the three
// read-only operations the watcher needs (§4.1). Calls may suspend on I/O;
// a *TransportError return means the caller should retry with backoff, any
// other error is semantic (malformed response, unknown block) and should be
// surfaced.
type Connector interface {
	LatestBlock(ctx context.Context) (*Block, error)
	BlockByHash(ctx context.Context, hash string) (*Block, error)
	ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error)
}

// BitcoinConnector implements Connector over a Bitcoin Core-style JSON-RPC
// backend using getblock at verbosity 2 (full transaction data including
// witnesses) — the level of detail BTC's `Backend` interface alone does not
// expose (it only returns headers).
type BitcoinConnector struct {
	rpc *JSONRPCBackend
}

// NewBitcoinConnector wraps an already-configured Bitcoin JSON-RPC backend.
func NewBitcoinConnector(rpc *JSONRPCBackend) *BitcoinConnector {
	return &BitcoinConnector{rpc: rpc}
}

func (c *BitcoinConnector) LatestBlock(ctx context.Context) (*Block, error) {
	result, err := c.rpc.bitcoinCall(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return nil, &TransportError{Op: "getblockcount", Err: err}
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return nil, fmt.Errorf("backend: malformed getblockcount response: %w", err)
	}

	hashResult, err := c.rpc.bitcoinCall(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return nil, &TransportError{Op: "getblockhash", Err: err}
	}
	var hash string
	if err := json.Unmarshal(hashResult, &hash); err != nil {
		return nil, fmt.Errorf("backend: malformed getblockhash response: %w", err)
	}

	return c.BlockByHash(ctx, hash)
}

func (c *BitcoinConnector) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	result, err := c.rpc.bitcoinCall(ctx, "getblock", []interface{}{hash, 2})
	if err != nil {
		return nil, &TransportError{Op: "getblock", Err: err}
	}

	var raw struct {
		Hash              string `json:"hash"`
		Height            int64  `json:"height"`
		Time              int64  `json:"time"`
		PreviousBlockHash string `json:"previousblockhash"`
		Tx                []struct {
			TxID string `json:"txid"`
			Vin  []struct {
				TxID    string   `json:"txid"`
				Vout    uint32   `json:"vout"`
				Witness []string `json:"txinwitness"`
			} `json:"vin"`
			Vout []struct {
				Value        float64 `json:"value"` // BTC, not satoshis
				N            uint32  `json:"n"`
				ScriptPubKey struct {
					Hex     string `json:"hex"`
					Address string `json:"address"`
				} `json:"scriptPubKey"`
			} `json:"vout"`
		} `json:"tx"`
	}

	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("backend: malformed getblock response: %w", err)
	}
	if raw.Hash == "" {
		return nil, ErrBlockNotFound
	}

	block := &Block{
		Hash:       raw.Hash,
		ParentHash: raw.PreviousBlockHash,
		Height:     raw.Height,
		Timestamp:  raw.Time,
	}

	for _, rawTx := range raw.Tx {
		tx := Tx{TxID: rawTx.TxID}

		for _, in := range rawTx.Vin {
			witness := make([][]byte, 0, len(in.Witness))
			for _, w := range in.Witness {
				b, err := helpers.HexToBytes(w)
				if err != nil {
					return nil, fmt.Errorf("backend: malformed witness item in tx %s: %w", rawTx.TxID, err)
				}
				witness = append(witness, b)
			}
			tx.Vin = append(tx.Vin, TxIn{PrevTxID: in.TxID, PrevVout: in.Vout, Witness: witness})
		}

		for _, out := range rawTx.Vout {
			tx.Vout = append(tx.Vout, TxOut{
				Value:        btcToSats(out.Value),
				Vout:         out.N,
				ScriptPubKey: out.ScriptPubKey.Hex,
				Address:      out.ScriptPubKey.Address,
			})
		}

		block.Transactions = append(block.Transactions, tx)
	}

	return block, nil
}

func (c *BitcoinConnector) ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error) {
	return nil, errors.New("backend: receipts are not a Bitcoin concept")
}

// btcToSats converts a JSON-RPC BTC-denominated amount to satoshis, rounding
// to the nearest integer to absorb float64 representation error.
func btcToSats(btc float64) uint64 {
	return uint64(btc*1e8 + 0.5)
}

// EVMConnector implements Connector over an Ethereum-style JSON-RPC
// backend, fetching full blocks (with transaction objects, not just
// hashes) and receipts.
type EVMConnector struct {
	rpc *JSONRPCBackend
}

// NewEVMConnector wraps an already-configured EVM JSON-RPC backend.
func NewEVMConnector(rpc *JSONRPCBackend) *EVMConnector {
	return &EVMConnector{rpc: rpc}
}

func (c *EVMConnector) LatestBlock(ctx context.Context) (*Block, error) {
	return c.fetch(ctx, "latest")
}

func (c *EVMConnector) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	result, err := c.rpc.evmCall(ctx, "eth_getBlockByHash", []interface{}{hash, true})
	if err != nil {
		return nil, &TransportError{Op: "eth_getBlockByHash", Err: err}
	}
	return decodeEVMBlock(result)
}

func (c *EVMConnector) fetch(ctx context.Context, tag string) (*Block, error) {
	result, err := c.rpc.evmCall(ctx, "eth_getBlockByNumber", []interface{}{tag, true})
	if err != nil {
		return nil, &TransportError{Op: "eth_getBlockByNumber", Err: err}
	}
	return decodeEVMBlock(result)
}

func decodeEVMBlock(result json.RawMessage) (*Block, error) {
	var raw struct {
		Hash       string `json:"hash"`
		ParentHash string `json:"parentHash"`
		Number     string `json:"number"`
		Timestamp  string `json:"timestamp"`
		Txs        []struct {
			Hash  string  `json:"hash"`
			From  string  `json:"from"`
			To    *string `json:"to"`
			Value string  `json:"value"`
			Input string  `json:"input"`
		} `json:"transactions"`
	}

	if result == nil || string(result) == "null" {
		return nil, ErrBlockNotFound
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("backend: malformed eth block response: %w", err)
	}
	if raw.Hash == "" {
		return nil, ErrBlockNotFound
	}

	block := &Block{
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Height:     helpers.HexToInt64(raw.Number),
		Timestamp:  helpers.HexToInt64(raw.Timestamp),
	}

	for _, rawTx := range raw.Txs {
		tx := Tx{
			TxID:  rawTx.Hash,
			From:  rawTx.From,
			Value: rawTx.Value,
		}
		if rawTx.To != nil {
			tx.To = *rawTx.To
		}
		data, err := helpers.HexToBytes(rawTx.Input)
		if err != nil {
			return nil, fmt.Errorf("backend: malformed tx input in %s: %w", rawTx.Hash, err)
		}
		tx.Data = data
		block.Transactions = append(block.Transactions, tx)
	}

	return block, nil
}

func (c *EVMConnector) ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.rpc.evmCall(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, &TransportError{Op: "eth_getTransactionReceipt", Err: err}
	}
	if result == nil || string(result) == "null" {
		return nil, ErrBlockNotFound
	}

	var raw struct {
		TransactionHash string  `json:"transactionHash"`
		Status          string  `json:"status"`
		ContractAddress *string `json:"contractAddress"`
		Logs            []struct {
			Address string   `json:"address"`
			Topics  []string `json:"topics"`
			Data    string   `json:"data"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("backend: malformed receipt response: %w", err)
	}

	receipt := &Receipt{
		TxHash: raw.TransactionHash,
		Status: uint64(helpers.HexToInt64(raw.Status)),
	}
	if raw.ContractAddress != nil {
		receipt.ContractAddress = *raw.ContractAddress
	}
	for _, l := range raw.Logs {
		data, err := helpers.HexToBytes(l.Data)
		if err != nil {
			return nil, fmt.Errorf("backend: malformed log data: %w", err)
		}
		receipt.Logs = append(receipt.Logs, Log{Address: l.Address, Topics: l.Topics, Data: data})
	}
	return receipt, nil
}
