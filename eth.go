package ethsock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/holiman/uint256"
)

// parseQuantity decodes a 0x-prefixed hex quantity. An empty string decodes
// to nil, matching fields the backend omits for pending blocks.
func parseQuantity(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromHex(s)
}

// Header is the subset of a block header delivered by newHeads subscriptions.
type Header struct {
	Hash       string
	ParentHash string
	Number     *uint256.Int
	Timestamp  uint64
	BaseFee    *uint256.Int
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var raw struct {
		Hash       string `json:"hash"`
		ParentHash string `json:"parentHash"`
		Number     string `json:"number"`
		Timestamp  string `json:"timestamp"`
		BaseFee    string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Hash = raw.Hash
	h.ParentHash = raw.ParentHash

	var err error
	if h.Number, err = parseQuantity(raw.Number); err != nil {
		return fmt.Errorf("header number: %w", err)
	}
	ts, err := parseQuantity(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("header timestamp: %w", err)
	}
	if ts != nil {
		h.Timestamp = ts.Uint64()
	}
	if h.BaseFee, err = parseQuantity(raw.BaseFee); err != nil {
		return fmt.Errorf("header baseFeePerGas: %w", err)
	}
	return nil
}

// Log is a contract event delivered by a log-filter subscription or carried
// in a receipt.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber *uint256.Int
	BlockHash   string
	TxHash      string
	Index       uint64

	// Removed reports that the log was reverted by a chain reorganization.
	// Absent on the wire decodes as false.
	Removed bool
}

func (l *Log) UnmarshalJSON(data []byte) error {
	var raw struct {
		Address     string   `json:"address"`
		Topics      []string `json:"topics"`
		Data        string   `json:"data"`
		BlockNumber string   `json:"blockNumber"`
		BlockHash   string   `json:"blockHash"`
		TxHash      string   `json:"transactionHash"`
		Index       string   `json:"logIndex"`
		Removed     bool     `json:"removed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Address = raw.Address
	l.Topics = raw.Topics
	l.Data = raw.Data
	l.BlockHash = raw.BlockHash
	l.TxHash = raw.TxHash
	l.Removed = raw.Removed

	var err error
	if l.BlockNumber, err = parseQuantity(raw.BlockNumber); err != nil {
		return fmt.Errorf("log blockNumber: %w", err)
	}
	idx, err := parseQuantity(raw.Index)
	if err != nil {
		return fmt.Errorf("log logIndex: %w", err)
	}
	if idx != nil {
		l.Index = idx.Uint64()
	}
	return nil
}

// Receipt is the execution result of a mined transaction.
type Receipt struct {
	TransactionHash string
	BlockHash       string
	BlockNumber     *uint256.Int
	Status          uint64
	GasUsed         *uint256.Int
	ContractAddress string
	Logs            []Log
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw struct {
		TransactionHash string `json:"transactionHash"`
		BlockHash       string `json:"blockHash"`
		BlockNumber     string `json:"blockNumber"`
		Status          string `json:"status"`
		GasUsed         string `json:"gasUsed"`
		ContractAddress string `json:"contractAddress"`
		Logs            []Log  `json:"logs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.TransactionHash = raw.TransactionHash
	r.BlockHash = raw.BlockHash
	r.ContractAddress = raw.ContractAddress
	r.Logs = raw.Logs

	var err error
	if r.BlockNumber, err = parseQuantity(raw.BlockNumber); err != nil {
		return fmt.Errorf("receipt blockNumber: %w", err)
	}
	if r.GasUsed, err = parseQuantity(raw.GasUsed); err != nil {
		return fmt.Errorf("receipt gasUsed: %w", err)
	}
	status, err := parseQuantity(raw.Status)
	if err != nil {
		return fmt.Errorf("receipt status: %w", err)
	}
	if status != nil {
		r.Status = status.Uint64()
	}
	return nil
}

// BlockNumber returns the number of the most recent block.
func (c *Client) BlockNumber(ctx context.Context) (*uint256.Int, error) {
	return c.callQuantity(ctx, "eth_blockNumber")
}

// ChainID returns the chain id of the backend node.
func (c *Client) ChainID(ctx context.Context) (*uint256.Int, error) {
	return c.callQuantity(ctx, "eth_chainId")
}

// BalanceAt returns the latest balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account string) (*uint256.Int, error) {
	return c.callQuantity(ctx, "eth_getBalance", account, "latest")
}

func (c *Client) callQuantity(ctx context.Context, method string, params ...any) (*uint256.Int, error) {
	var s string
	if err := c.CallInto(ctx, &s, method, params...); err != nil {
		return nil, err
	}
	return parseQuantity(s)
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ErrNotFound while the transaction is unknown or still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	raw, err := c.Call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, ErrNotFound
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SubscribeNewHeads invokes handler for every new chain head. All callers
// share one backend subscription.
func (c *Client) SubscribeNewHeads(ctx context.Context, handler func(*Header)) (*Subscription, error) {
	return c.Subscribe(ctx, "newHeads", []any{"newHeads"}, func(result json.RawMessage) {
		var h Header
		if err := json.Unmarshal(result, &h); err != nil {
			c.logDebug("dropping malformed head", slog.String("err", err.Error()))
			return
		}
		handler(&h)
	})
}

// SubscribeNewPendingTransactions invokes handler with the hash of every
// transaction entering the pending pool.
func (c *Client) SubscribeNewPendingTransactions(ctx context.Context, handler func(txHash string)) (*Subscription, error) {
	return c.Subscribe(ctx, "newPendingTransactions", []any{"newPendingTransactions"}, func(result json.RawMessage) {
		var hash string
		if err := json.Unmarshal(result, &hash); err != nil {
			c.logDebug("dropping malformed pending tx hash", slog.String("err", err.Error()))
			return
		}
		handler(hash)
	})
}

// FilterQuery selects the logs a log subscription delivers.
type FilterQuery struct {
	// Addresses restricts logs to those emitted by the given contracts.
	Addresses []string

	// Topics restricts logs by topic position; each position holds the
	// accepted alternatives for that slot.
	Topics [][]string
}

// tag canonicalizes the query so two semantically equal filters share one
// backend subscription: hex strings are lowercased, addresses and per-slot
// topic alternatives are sorted, slot order is preserved.
func (q FilterQuery) tag() string {
	addrs := make([]string, len(q.Addresses))
	for i, a := range q.Addresses {
		addrs[i] = strings.ToLower(a)
	}
	sort.Strings(addrs)

	var b strings.Builder
	b.WriteString("logs:")
	b.WriteString(strings.Join(addrs, ","))
	for _, slot := range q.Topics {
		alts := make([]string, len(slot))
		for i, t := range slot {
			alts[i] = strings.ToLower(t)
		}
		sort.Strings(alts)
		b.WriteByte(';')
		b.WriteString(strings.Join(alts, "|"))
	}
	return b.String()
}

func (q FilterQuery) params() map[string]any {
	m := make(map[string]any)
	if len(q.Addresses) > 0 {
		m["address"] = q.Addresses
	}
	if len(q.Topics) > 0 {
		m["topics"] = q.Topics
	}
	return m
}

// SubscribeLogs invokes handler for every log matching q. Semantically equal
// queries share one backend subscription.
func (c *Client) SubscribeLogs(ctx context.Context, q FilterQuery, handler func(*Log)) (*Subscription, error) {
	return c.Subscribe(ctx, q.tag(), []any{"logs", q.params()}, func(result json.RawMessage) {
		var l Log
		if err := json.Unmarshal(result, &l); err != nil {
			c.logDebug("dropping malformed log", slog.String("err", err.Error()))
			return
		}
		handler(&l)
	})
}

// SetPollInterval always fails with ErrNotSupported: a push transport has no
// polling loop to tune.
func (c *Client) SetPollInterval(time.Duration) error {
	return ErrNotSupported
}

// ResetFilterBaseline always fails with ErrNotSupported: the backend owns
// the event baseline for push subscriptions.
func (c *Client) ResetFilterBaseline() error {
	return ErrNotSupported
}
