package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/VigilPay/server/internal/cacheutil"
	"github.com/VigilPay/server/internal/circuitbreaker"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/metrics"
)

// signatureScanLimit is the maximum number of signatures fetched per
// reference lookup. References are ephemeral single-payment keys, so any
// hit is definitive; the limit only bounds the response size.
const signatureScanLimit = 1000

// blockhashCacheTTL bounds how long a fetched blockhash is reused for
// transaction building. A hash stays valid for roughly 150 slots (about a
// minute), so a few seconds of reuse still leaves clients ample time to sign.
const blockhashCacheTTL = 5 * time.Second

// maxTransactionVersion requests both legacy and v0 (address lookup table)
// transactions from the RPC node.
var maxTransactionVersion uint64 = 0

var (
	// ErrReferenceNotObserved means the ledger has never seen the reference
	// key. Expected while the customer has not paid yet.
	ErrReferenceNotObserved = errors.New("solana: reference not observed on ledger")

	// ErrTransactionNotFound means the node does not know the signature at
	// the requested commitment. Usually transient.
	ErrTransactionNotFound = errors.New("solana: transaction not found")
)

// TransactionDetail bundles the decoded transaction with the execution
// metadata validation needs (balance arrays, loaded addresses, error state).
type TransactionDetail struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *solana.UnixTimeSeconds
	Tx        *solana.Transaction
	Meta      *rpc.TransactionMeta
}

// blockhash pairs a recent hash with the last block height at which the
// ledger still accepts it.
type blockhash struct {
	hash                 solana.Hash
	lastValidBlockHeight uint64
}

// Client wraps the Solana JSON-RPC client with the per-call timeout, the
// circuit breaker and metrics used across the service.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	timeout    time.Duration
	network    string
	scanLimit  int
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics

	blockhashMu     sync.RWMutex
	cachedBlockhash cacheutil.CachedValue[blockhash]
}

// NewClient creates a client for the configured RPC endpoint.
func NewClient(cfg config.SolanaConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solana: rpc url required")
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		rpc:        rpc.New(cfg.RPCURL),
		commitment: CommitmentFromString(cfg.Commitment),
		timeout:    timeout,
		network:    cfg.Network,
		scanLimit:  signatureScanLimit,
	}, nil
}

// WithSignatureScanLimit overrides how many signatures a reference lookup
// fetches. Values outside (0, signatureScanLimit] keep the default.
func (c *Client) WithSignatureScanLimit(limit int) *Client {
	if limit > 0 && limit <= signatureScanLimit {
		c.scanLimit = limit
	}
	return c
}

// WithMetrics adds RPC call metrics collection to the client.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// WithBreakers routes every RPC call through the solana_rpc circuit breaker.
func (c *Client) WithBreakers(b *circuitbreaker.Manager) *Client {
	c.breakers = b
	return c
}

// RPCClient returns the underlying RPC client for direct access.
func (c *Client) RPCClient() *rpc.Client {
	return c.rpc
}

// Commitment returns the client's default commitment level.
func (c *Client) Commitment() rpc.CommitmentType {
	return c.commitment
}

// guard runs fn through the circuit breaker when one is configured.
func (c *Client) guard(fn func() (interface{}, error)) (interface{}, error) {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(circuitbreaker.ServiceSolanaRPC, fn)
}

// FindTransactionByReference returns the signature of the oldest transaction
// that mentions the reference key, or ErrReferenceNotObserved when the
// ledger has never seen it.
func (c *Client) FindTransactionByReference(ctx context.Context, reference solana.PublicKey, commitment rpc.CommitmentType) (solana.Signature, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if commitment == "" {
		commitment = c.commitment
	}
	limit := c.scanLimit
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: commitment,
	}

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		return c.rpc.GetSignaturesForAddressWithOpts(callCtx, reference, opts)
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetSignaturesForAddress", c.network, time.Since(start), err)
	}
	if err != nil {
		return solana.Signature{}, fmt.Errorf("solana: get signatures for %s: %w", reference.String(), err)
	}

	signatures := result.([]*rpc.TransactionSignature)
	oldest, ok := oldestSignature(signatures)
	if !ok {
		return solana.Signature{}, ErrReferenceNotObserved
	}
	return oldest, nil
}

// oldestSignature picks the oldest entry from an RPC signature listing.
// The RPC returns newest first, so the oldest observation is the last entry.
func oldestSignature(signatures []*rpc.TransactionSignature) (solana.Signature, bool) {
	for i := len(signatures) - 1; i >= 0; i-- {
		if signatures[i] == nil {
			continue
		}
		return signatures[i].Signature, true
	}
	return solana.Signature{}, false
}

// GetTransaction fetches a transaction with its execution metadata. Returns
// ErrTransactionNotFound when the node does not know the signature at the
// requested commitment.
func (c *Client) GetTransaction(ctx context.Context, signature solana.Signature, commitment rpc.CommitmentType) (*TransactionDetail, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if commitment == "" {
		commitment = c.commitment
	}
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxTransactionVersion,
	}

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		res, err := c.rpc.GetTransaction(callCtx, signature, opts)
		if errors.Is(err, rpc.ErrNotFound) {
			// A null result is a normal outcome while a transaction
			// propagates or finalizes, not a failure the breaker
			// should count.
			return (*rpc.GetTransactionResult)(nil), nil
		}
		return res, err
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetTransaction", c.network, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("solana: get transaction %s: %w", signature.String(), err)
	}

	res := result.(*rpc.GetTransactionResult)
	if res == nil {
		return nil, ErrTransactionNotFound
	}
	if res.Transaction == nil {
		return nil, fmt.Errorf("solana: transaction %s returned without payload", signature.String())
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("solana: decode transaction %s: %w", signature.String(), err)
	}

	return &TransactionDetail{
		Signature: signature,
		Slot:      res.Slot,
		BlockTime: res.BlockTime,
		Tx:        tx,
		Meta:      res.Meta,
	}, nil
}

// GetBalance returns the lamport balance of an account at the client's
// default commitment.
func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		return c.rpc.GetBalance(callCtx, account, c.commitment)
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetBalance", c.network, time.Since(start), err)
	}
	if err != nil {
		return 0, fmt.Errorf("solana: get balance for %s: %w", account.String(), err)
	}

	res := result.(*rpc.GetBalanceResult)
	if res == nil {
		return 0, fmt.Errorf("solana: empty balance result for %s", account.String())
	}
	return res.Value, nil
}

// GetLatestBlockhash returns a recent blockhash and the last block height at
// which it will be accepted. Results are served from a short-lived cache so a
// burst of transaction builds shares one RPC fetch; concurrent misses wait on
// the single in-flight fetch rather than piling onto the node.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	value, err := cacheutil.ReadThrough(
		&c.blockhashMu,
		func(now time.Time) (blockhash, bool) {
			if now.Sub(c.cachedBlockhash.FetchedAt) < blockhashCacheTTL {
				return c.cachedBlockhash.Value, true
			}
			return blockhash{}, false
		},
		func(now time.Time) (blockhash, error) {
			fetched, err := c.fetchLatestBlockhash(ctx)
			if err != nil {
				return blockhash{}, err
			}
			c.cachedBlockhash = cacheutil.CachedValue[blockhash]{Value: fetched, FetchedAt: now}
			return fetched, nil
		},
	)
	if err != nil {
		return solana.Hash{}, 0, err
	}
	return value.hash, value.lastValidBlockHeight, nil
}

// fetchLatestBlockhash performs the uncached RPC fetch.
func (c *Client) fetchLatestBlockhash(ctx context.Context) (blockhash, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		return c.rpc.GetLatestBlockhash(callCtx, rpc.CommitmentFinalized)
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetLatestBlockhash", c.network, time.Since(start), err)
	}
	if err != nil {
		return blockhash{}, fmt.Errorf("solana: get latest blockhash: %w", err)
	}

	res := result.(*rpc.GetLatestBlockhashResult)
	if res == nil || res.Value == nil {
		return blockhash{}, errors.New("solana: empty blockhash result")
	}
	return blockhash{
		hash:                 res.Value.Blockhash,
		lastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// AccountExists reports whether an account is present on the ledger. Used to
// decide whether a payment transaction needs a token account creation step.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		res, err := c.rpc.GetAccountInfo(callCtx, account)
		if errors.Is(err, rpc.ErrNotFound) {
			return (*rpc.GetAccountInfoResult)(nil), nil
		}
		return res, err
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetAccountInfo", c.network, time.Since(start), err)
	}
	if err != nil {
		return false, fmt.Errorf("solana: get account info for %s: %w", account.String(), err)
	}

	res := result.(*rpc.GetAccountInfoResult)
	return res != nil && res.Value != nil, nil
}

// Health probes the RPC node.
func (c *Client) Health(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.guard(func() (interface{}, error) {
		return c.rpc.GetHealth(callCtx)
	})
	if c.metrics != nil {
		c.metrics.ObserveRPCCall("GetHealth", c.network, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("solana: health check: %w", err)
	}
	if status, _ := result.(string); status != rpc.HealthOk {
		return fmt.Errorf("solana: node unhealthy: %s", status)
	}
	return nil
}

// CommitmentFromString converts a configured commitment name to the RPC
// type, defaulting to confirmed.
func CommitmentFromString(value string) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized", "finalised":
		return rpc.CommitmentFinalized
	case "confirmed", "":
		return rpc.CommitmentConfirmed
	default:
		return rpc.CommitmentConfirmed
	}
}
