// Package chain wraps the Base JSON-RPC endpoints behind a typed client.
//
// The client owns three concerns the rest of the system should never see:
//
//   - Retry: transient failures (rate limits, timeouts, 5xx) are retried with
//     exponential backoff + jitter (base 250ms, cap 10s, max 8 attempts).
//     Non-transient failures (unknown method, decode errors) fail fast.
//   - Paging: eth_getLogs calls never exceed the configured page span, and a
//     span the provider still rejects as too large is split and re-fetched.
//   - Storm control: concurrent fetches of the same (from,to) log range are
//     collapsed into a single upstream request via singleflight.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 10 * time.Second
	maxAttempts = 8

	callTimeout = 10 * time.Second
)

// ErrReceiptNotYet is returned while a transaction is not yet mined.
var ErrReceiptNotYet = errors.New("receipt not available yet")

// FatalError marks a non-transient RPC failure that retrying cannot fix.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal rpc error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Client is the typed chain access layer. Safe for concurrent use.
type Client struct {
	eth    *ethclient.Client
	raw    *rpc.Client
	ws     *ethclient.Client // nil when no WS endpoint is configured
	page   uint64
	sf     singleflight.Group
	logger *slog.Logger
}

// Dial connects the HTTP endpoint and, when wsURL is non-empty, the WS
// endpoint used for newHeads subscriptions.
func Dial(ctx context.Context, rpcURL, wsURL string, page uint64, logger *slog.Logger) (*Client, error) {
	raw, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c := &Client{
		eth:    ethclient.NewClient(raw),
		raw:    raw,
		page:   page,
		logger: logger.With("component", "chain"),
	}
	if wsURL != "" {
		wsRaw, err := rpc.DialContext(ctx, wsURL)
		if err != nil {
			// WS is an optimization; the polled fallback covers its absence.
			c.logger.Warn("ws dial failed, falling back to polling", "error", err)
		} else {
			c.ws = ethclient.NewClient(wsRaw)
		}
	}
	return c, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	c.raw.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// HasWS reports whether a newHeads subscription endpoint is available.
func (c *Client) HasWS() bool { return c.ws != nil }

// LatestBlock returns the current head block number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.withRetry(ctx, "blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// BlockHash returns the canonical hash of the given block number.
func (c *Client) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	var h common.Hash
	err := c.withRetry(ctx, "headerByNumber", func(ctx context.Context) error {
		header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		h = header.Hash()
		return nil
	})
	return h, err
}

// BlockTimestamp returns the unix timestamp of the given block.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (int64, error) {
	var ts int64
	err := c.withRetry(ctx, "blockTimestamp", func(ctx context.Context) error {
		header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = int64(header.Time)
		return nil
	})
	return ts, err
}

// Logs fetches logs for [from,to] against the given contract, walking the
// range in page-sized spans and splitting further whenever the provider
// rejects a span as too large. Results arrive in (block, logIndex) order.
func (c *Client) Logs(ctx context.Context, from, to uint64, address common.Address, topics [][]common.Hash) ([]gtypes.Log, error) {
	if to < from {
		return nil, nil
	}
	var out []gtypes.Log
	for start := from; start <= to; {
		end := start + c.page - 1
		if end > to {
			end = to
		}
		logs, err := c.logsSpan(ctx, start, end, address, topics)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
		start = end + 1
	}
	return out, nil
}

// logsSpan fetches a single span, splitting in half when the provider says
// the response is too large. Identical in-flight spans share one request.
func (c *Client) logsSpan(ctx context.Context, from, to uint64, address common.Address, topics [][]common.Hash) ([]gtypes.Log, error) {
	key := fmt.Sprintf("%s:%d:%d", address.Hex(), from, to)
	v, err, _ := c.sf.Do(key, func() (any, error) {
		var logs []gtypes.Log
		err := c.withRetry(ctx, "getLogs", func(ctx context.Context) error {
			var err error
			logs, err = c.eth.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{address},
				Topics:    topics,
			})
			return err
		})
		return logs, err
	})
	if err == nil {
		return v.([]gtypes.Log), nil
	}
	if isTooLarge(err) && to > from {
		mid := from + (to-from)/2
		left, err := c.logsSpan(ctx, from, mid, address, topics)
		if err != nil {
			return nil, err
		}
		right, err := c.logsSpan(ctx, mid+1, to, address, topics)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	return nil, err
}

// Receipt returns the receipt for hash, or ErrReceiptNotYet while pending.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	var receipt *gtypes.Receipt
	err := c.withRetry(ctx, "getReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptNotYet
	}
	return receipt, nil
}

// PendingNonce returns the next nonce for address at the pending tag.
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	var n uint64
	err := c.withRetry(ctx, "pendingNonce", func(ctx context.Context) error {
		var err error
		n, err = c.eth.PendingNonceAt(ctx, address)
		return err
	})
	return n, err
}

// SendRaw broadcasts a signed raw transaction and returns its hash.
// Nonce and fee errors are surfaced verbatim so the orchestrator can
// classify them; they are never retried here.
func (c *Client) SendRaw(ctx context.Context, signed []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var hash common.Hash
	if err := c.raw.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(signed)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// SuggestFees returns the latest base fee and a suggested priority fee.
func (c *Client) SuggestFees(ctx context.Context) (baseFee, tipCap *big.Int, err error) {
	err = c.withRetry(ctx, "suggestFees", func(ctx context.Context) error {
		header, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if header.BaseFee == nil {
			return &FatalError{Err: errors.New("chain does not report EIP-1559 base fee")}
		}
		tip, err := c.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		baseFee, tipCap = header.BaseFee, tip
		return nil
	})
	return baseFee, tipCap, err
}

// withRetry runs fn with a per-attempt deadline, retrying transient errors
// with exponential backoff + jitter.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) || !isTransient(err) {
			return err
		}
		lastErr = err

		delay := backoffBase << attempt
		if delay > backoffCap {
			delay = backoffCap
		}
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
		c.logger.Warn("transient rpc error, retrying",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// isTransient classifies provider errors worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "timed out", "rate limit", "too many requests", "429",
		"502", "503", "504", "connection refused", "connection reset",
		"eof", "i/o", "no such host", "busy",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isTooLarge detects the provider family of "result set too big" errors on
// eth_getLogs, which call for splitting the block span.
func isTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"query returned more than", "response size exceeded", "too large",
		"block range", "limit exceeded", "more than 10000 results",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
