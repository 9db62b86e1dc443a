package chain

import (
	"context"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"
)

// Heads delivers new head block numbers on the returned channel until ctx is
// cancelled. With a WS endpoint it uses a newHeads subscription; otherwise
// it polls eth_blockNumber every pollInterval. Numbers are monotonic
// non-decreasing; gaps are possible and the consumer is expected to fetch
// the full missed range.
func (c *Client) Heads(ctx context.Context, pollInterval time.Duration) <-chan uint64 {
	out := make(chan uint64, 16)
	if c.ws != nil {
		go c.subscribeHeads(ctx, out, pollInterval)
	} else {
		go c.pollHeads(ctx, out, pollInterval)
	}
	return out
}

func (c *Client) subscribeHeads(ctx context.Context, out chan<- uint64, pollInterval time.Duration) {
	defer close(out)
	var last uint64
	for ctx.Err() == nil {
		headers := make(chan *gtypes.Header, 16)
		sub, err := c.ws.SubscribeNewHead(ctx, headers)
		if err != nil {
			c.logger.Warn("newHeads subscribe failed, polling until reconnect", "error", err)
			last = c.pollOnce(ctx, out, last)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				c.logger.Warn("newHeads subscription dropped, resubscribing", "error", err)
				sub.Unsubscribe()
				break recv
			case header := <-headers:
				n := header.Number.Uint64()
				if n < last {
					// One-step rewind signals a reorg at the tip; forward it
					// so the indexer re-examines the range.
					c.logger.Warn("head went backward", "from", last, "to", n)
				}
				last = n
				select {
				case out <- n:
				case <-ctx.Done():
					sub.Unsubscribe()
					return
				}
			}
		}
	}
}

func (c *Client) pollHeads(ctx context.Context, out chan<- uint64, pollInterval time.Duration) {
	defer close(out)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = c.pollOnce(ctx, out, last)
		}
	}
}

// pollOnce fetches the head once and forwards it if it advanced.
func (c *Client) pollOnce(ctx context.Context, out chan<- uint64, last uint64) uint64 {
	n, err := c.LatestBlock(ctx)
	if err != nil {
		c.logger.Warn("head poll failed", "error", err)
		return last
	}
	if n <= last {
		return last
	}
	select {
	case out <- n:
	case <-ctx.Done():
	}
	return n
}
