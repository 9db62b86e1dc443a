// Package indexer maintains the fills table and the indexer cursor as a
// reorg-safe projection of the trading contract's event stream.
//
// On boot it backfills from the persisted cursor (or from
// latest − backfill_range on first run), then switches to tail mode driven
// by the heads stream. Every batch commit is a single store transaction;
// a crash mid-commit leaves the cursor untouched and replaying a range is
// a no-op thanks to natural-key upserts.
package indexer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// ChainClient is the slice of the chain layer the indexer consumes.
type ChainClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, from, to uint64, address common.Address, topics [][]common.Hash) ([]gtypes.Log, error)
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)
	Heads(ctx context.Context, pollInterval time.Duration) <-chan uint64
	HasWS() bool
}

const schemaVersion = 1

// Indexer is the single writer for fills, block_hashes and indexer_cursor.
type Indexer struct {
	client   ChainClient
	db       *store.DB
	dec      *Decoder
	cfg      config.IndexerConfig
	contract common.Address
	logger   *slog.Logger

	lag          atomic.Int64
	laggingSince time.Time
	lastHeadSeen atomic.Int64 // unix seconds, readiness signal
}

// New creates an indexer. The decoder must already have located the trade
// event signatures (boot fails upstream otherwise).
func New(client ChainClient, db *store.DB, dec *Decoder, cfg config.IndexerConfig, contract common.Address, logger *slog.Logger) *Indexer {
	return &Indexer{
		client:   client,
		db:       db,
		dec:      dec,
		cfg:      cfg,
		contract: contract,
		logger:   logger.With("component", "indexer"),
	}
}

// Lag returns the current head-to-cursor distance in blocks.
func (ix *Indexer) Lag() uint64 { return uint64(ix.lag.Load()) }

// LastHeadSeen returns when the indexer last observed a chain head.
func (ix *Indexer) LastHeadSeen() time.Time {
	return time.Unix(ix.lastHeadSeen.Load(), 0)
}

// Run backfills to the chain head and then tails it until ctx is cancelled.
// The current batch is always committed before exit.
func (ix *Indexer) Run(ctx context.Context) error {
	seen, err := ix.startBlock(ctx)
	if err != nil {
		return err
	}
	ix.logger.Info("indexer starting", "from_block", seen+1)

	// Backfill until within finality depth of head.
	for ctx.Err() == nil {
		head, err := ix.client.LatestBlock(ctx)
		if err != nil {
			return err
		}
		ix.observeHead(head, seen)
		if head <= seen || head-seen <= ix.cfg.FinalityDepth {
			break
		}
		seen, err = ix.step(ctx, seen, head)
		if err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ix.logger.Info("backfill complete, tailing", "block", seen)

	// Tail mode.
	interval := ix.cfg.SleepHTTP
	if ix.client.HasWS() {
		interval = ix.cfg.SleepWS
	}
	heads := ix.client.Heads(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				return ctx.Err()
			}
			ix.observeHead(head, seen)
			for seen < head && ctx.Err() == nil {
				seen, err = ix.step(ctx, seen, head)
				if err != nil {
					return err
				}
			}
		}
	}
}

// startBlock resolves the resume position from the cursor, or computes the
// first-boot backfill start.
func (ix *Indexer) startBlock(ctx context.Context) (uint64, error) {
	cursor, ok, err := ix.db.GetCursor()
	if err != nil {
		return 0, err
	}
	if ok {
		return cursor.LastSeenBlock, nil
	}
	head, err := ix.client.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if head <= ix.cfg.BackfillRange {
		return 0, nil
	}
	return head - ix.cfg.BackfillRange, nil
}

// step reconciles any reorg at the tip, then processes and commits one
// page-sized range above seen. Returns the new last-seen block.
func (ix *Indexer) step(ctx context.Context, seen, head uint64) (uint64, error) {
	reorged, reorgPoint, err := ix.reconcileReorg(ctx, seen)
	if err != nil {
		return seen, err
	}
	if reorged {
		seen = reorgPoint
	}

	to := seen + ix.cfg.Page
	if to > head {
		to = head
	}
	if err := ix.processRange(ctx, seen+1, to, head); err != nil {
		return seen, err
	}
	ix.observeHead(head, to)
	return to, nil
}

// reconcileReorg compares stored block hashes inside the finality window
// against the chain. On mismatch it finds the highest still-agreeing block,
// rolls fills back to it, resets derived stats (they are rebuilt from the
// surviving fills) and returns the reorg point.
func (ix *Indexer) reconcileReorg(ctx context.Context, seen uint64) (bool, uint64, error) {
	if seen == 0 {
		return false, 0, nil
	}
	low := uint64(0)
	if seen > ix.cfg.FinalityDepth {
		low = seen - ix.cfg.FinalityDepth
	}

	reorgPoint := seen
	mismatch := false
	for n := seen; n > low; n-- {
		stored, ok, err := ix.db.StoredBlockHash(n)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			continue
		}
		onchain, err := ix.client.BlockHash(ctx, n)
		if err != nil {
			return false, 0, err
		}
		if stored == onchain {
			if !mismatch {
				return false, 0, nil
			}
			reorgPoint = n
			break
		}
		mismatch = true
		reorgPoint = n - 1
	}
	if !mismatch {
		return false, 0, nil
	}

	ix.logger.Warn("reorg detected, rolling back",
		"last_seen", seen, "reorg_point", reorgPoint)
	metrics.IndexerReorgs.Inc()

	if err := ix.db.RollbackReorg(reorgPoint, ix.cfg.FinalityDepth); err != nil {
		return false, 0, err
	}
	// Derived stats above the reorg point are unrecoverable incrementally;
	// drop them and let the PnL engine rebuild from the surviving fills.
	if err := ix.db.ResetDerivedState(); err != nil {
		return false, 0, err
	}
	return true, reorgPoint, nil
}

// processRange decodes logs for [from,to] and commits them atomically with
// the block-hash window and the advanced cursor.
func (ix *Indexer) processRange(ctx context.Context, from, to, head uint64) error {
	logs, err := ix.client.Logs(ctx, from, to, ix.contract, ix.dec.Topics())
	if err != nil {
		return err
	}

	tsCache := make(map[uint64]int64)
	fills := make([]types.Fill, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, ok := tsCache[lg.BlockNumber]
		if !ok {
			ts, err = ix.client.BlockTimestamp(ctx, lg.BlockNumber)
			if err != nil {
				return err
			}
			tsCache[lg.BlockNumber] = ts
		}
		fill, err := ix.dec.Decode(lg, ts)
		if err != nil {
			// One bad log must not stall the stream, but it must not vanish
			// either: quarantine it and hold the safe cursor below it until
			// an operator acks.
			ix.logger.Error("undecodable log quarantined",
				"tx", lg.TxHash.Hex(), "log_index", lg.Index, "error", err)
			if qerr := ix.db.Quarantine(lg.TxHash, uint32(lg.Index), lg.BlockNumber, err.Error()); qerr != nil {
				return qerr
			}
			metrics.IndexerQuarantined.Inc()
			continue
		}
		fills = append(fills, fill)
	}

	// Record block hashes for the reorg-detection window near the head.
	hashes := make(map[uint64]common.Hash)
	hashLow := from
	if head > 2*ix.cfg.FinalityDepth && head-2*ix.cfg.FinalityDepth > hashLow {
		hashLow = head - 2*ix.cfg.FinalityDepth
	}
	for n := hashLow; n <= to; n++ {
		h, err := ix.client.BlockHash(ctx, n)
		if err != nil {
			return err
		}
		hashes[n] = h
	}

	safe := uint64(0)
	if head > ix.cfg.FinalityDepth {
		safe = head - ix.cfg.FinalityDepth
	}
	if safe > to {
		safe = to
	}
	// Never advance the safe cursor past an unacknowledged quarantine entry.
	if qBlock, ok, err := ix.db.OldestUnackedQuarantine(); err != nil {
		return err
	} else if ok && qBlock > 0 && safe >= qBlock {
		safe = qBlock - 1
	}

	pruneBelow := uint64(0)
	if head > 4*ix.cfg.FinalityDepth {
		pruneBelow = head - 4*ix.cfg.FinalityDepth
	}

	batch := store.FillBatch{
		Fills:       fills,
		BlockHashes: hashes,
		Cursor: store.Cursor{
			LastSafeBlock: safe,
			LastSeenBlock: to,
			SchemaVersion: schemaVersion,
		},
		PruneBelow: pruneBelow,
	}
	if err := ix.db.CommitBatch(batch); err != nil {
		return err
	}

	metrics.IndexerBlocks.Add(float64(to - from + 1))
	metrics.FillsIndexed.Add(float64(len(fills)))
	if len(fills) > 0 {
		ix.logger.Debug("batch committed", "from", from, "to", to, "fills", len(fills))
	}
	return nil
}

// observeHead updates lag tracking and emits the lagging alert when the
// indexer stays behind for longer than the alarm window.
func (ix *Indexer) observeHead(head, seen uint64) {
	ix.lastHeadSeen.Store(time.Now().Unix())
	var lag uint64
	if head > seen {
		lag = head - seen
	}
	ix.lag.Store(int64(lag))
	metrics.IndexerLag.Set(float64(lag))

	if lag <= ix.cfg.AlarmThreshold {
		ix.laggingSince = time.Time{}
		return
	}
	if ix.laggingSince.IsZero() {
		ix.laggingSince = time.Now()
		return
	}
	if time.Since(ix.laggingSince) > ix.cfg.AlarmWindow {
		ix.logger.Warn("indexer lagging", "lag_blocks", lag, "since", ix.laggingSince)
		metrics.IndexerLagAlerts.Inc()
		ix.laggingSince = time.Now()
	}
}
