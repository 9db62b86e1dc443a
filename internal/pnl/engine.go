// Package pnl derives per-trader position lots and rolling 30-day
// statistics from the fills stream.
//
// Lot matching is FIFO per (trader, pair, direction): an OPEN pushes a lot,
// a CLOSE or LIQUIDATION consumes from the head of the opposing queue.
// Realized PnL for each matched sub-lot is
//
//	matched * (exit − entry) / entry * sign − proportional fees
//
// with sign +1 for long lots and −1 for short lots. The engine is the
// single writer for trader_stats and position_lots, consumes fills in
// cursor order, and is fully rebuildable: replaying the fills table from
// empty state reproduces the aggregates.
package pnl

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

const fillBatchSize = 500

type lotKey struct {
	trader common.Address
	pair   uint16
	long   bool
}

// Engine maintains FIFO lots and rolling windows for every trader seen in
// the fills stream.
type Engine struct {
	db       *store.DB
	interval time.Duration
	logger   *slog.Logger

	lots    map[lotKey][]types.PositionLot
	windows map[common.Address]*window

	cursorBlock uint64
	cursorLog   uint32
	primed      bool
}

// New creates a PnL engine polling the fills stream at interval.
func New(db *store.DB, interval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		db:       db,
		interval: interval,
		logger:   logger.With("component", "pnl"),
		lots:     make(map[lotKey][]types.PositionLot),
		windows:  make(map[common.Address]*window),
	}
}

// Run consumes the fills stream until ctx is cancelled. On start (and
// whenever the persisted cursor disappears underneath us, which is the
// reorg-rollback signal) the engine rebuilds everything from the fills
// table.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("pnl cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) cycle(ctx context.Context) error {
	_, _, ok, err := e.db.GetPnLCursor()
	if err != nil {
		return err
	}
	if !ok && e.primed {
		// Cursor vanished: a reorg rollback reset the derived state.
		e.logger.Warn("pnl cursor reset, rebuilding from fills")
		e.reset()
	}
	if !e.primed {
		e.reset()
		e.primed = true
	}

	for ctx.Err() == nil {
		fills, err := e.db.FillsAfter(e.cursorBlock, e.cursorLog, fillBatchSize)
		if err != nil {
			return err
		}
		if len(fills) == 0 {
			return nil
		}
		dirty := make(map[common.Address]bool)
		for _, f := range fills {
			e.apply(f)
			dirty[f.Trader] = true
			e.cursorBlock, e.cursorLog = f.BlockNumber, f.LogIndex
		}
		if err := e.persist(dirty); err != nil {
			return err
		}
		if len(fills) < fillBatchSize {
			return nil
		}
	}
	return ctx.Err()
}

func (e *Engine) reset() {
	e.lots = make(map[lotKey][]types.PositionLot)
	e.windows = make(map[common.Address]*window)
	e.cursorBlock, e.cursorLog = 0, 0
}

// apply processes one fill against the in-memory state.
func (e *Engine) apply(f types.Fill) {
	w, ok := e.windows[f.Trader]
	if !ok {
		w = newWindow()
		e.windows[f.Trader] = w
	}
	w.observeTrade(f.BlockTimestamp, f.SizeUSD, f.LeverageBps)

	key := lotKey{trader: f.Trader, pair: f.PairID, long: f.IsLong}
	switch f.Side {
	case types.FillOpen:
		e.lots[key] = append(e.lots[key], types.PositionLot{
			Trader:       f.Trader,
			PairID:       f.PairID,
			IsLong:       f.IsLong,
			RemainingUSD: f.SizeUSD,
			EntryPrice:   f.Price,
			EntryTS:      f.BlockTimestamp,
			SourceFillID: f.FillID(),
		})
	case types.FillClose, types.FillLiquidation:
		e.applyClose(key, w, f)
	}
}

// applyClose consumes the FIFO queue for the closed direction. Any residual
// beyond the open queue means the opens predate the backfill window; it is
// reported as an anomaly and dropped.
func (e *Engine) applyClose(key lotKey, w *window, f types.Fill) {
	remaining := f.SizeUSD
	queue := e.lots[key]

	for remaining > 0 && len(queue) > 0 {
		lot := &queue[0]
		matched := lot.RemainingUSD
		if matched > remaining {
			matched = remaining
		}

		pnl := matchedPnL(matched, lot.EntryPrice, f.Price, f.IsLong, f.FeeUSD, f.SizeUSD)
		w.observeClose(f.BlockTimestamp, matched, pnl)

		lot.RemainingUSD -= matched
		remaining -= matched
		if lot.RemainingUSD == 0 {
			queue = queue[1:]
		}
	}
	if len(queue) == 0 {
		delete(e.lots, key)
	} else {
		e.lots[key] = queue
	}

	if remaining > 0 {
		e.logger.Warn("close exceeds open lots, residual dropped",
			"trader", f.Trader.Hex(), "pair", f.PairID,
			"fill", f.FillID(), "residual_usd", remaining)
		metrics.PnLAnomalies.Inc()
	}
}

// matchedPnL computes the realized PnL of one matched sub-lot in USD 1e6.
// The close fill's fee is allocated to the sub-lot pro rata by matched
// notional.
func matchedPnL(matchedUSD, entryPrice, exitPrice uint64, isLong bool, feeUSD, closeSizeUSD uint64) int64 {
	if entryPrice == 0 || closeSizeUSD == 0 {
		return 0
	}
	matched := decimal.NewFromUint64(matchedUSD)
	entry := decimal.NewFromUint64(entryPrice)
	exit := decimal.NewFromUint64(exitPrice)

	gross := matched.Mul(exit.Sub(entry)).Div(entry)
	if !isLong {
		gross = gross.Neg()
	}
	fees := decimal.NewFromUint64(feeUSD).Mul(matched).Div(decimal.NewFromUint64(closeSizeUSD))
	return gross.Sub(fees).Round(0).IntPart()
}

// persist writes every dirty trader's stats and lots, then the cursor.
func (e *Engine) persist(dirty map[common.Address]bool) error {
	now := time.Now().Unix()
	for trader := range dirty {
		agg := e.windows[trader].aggregate(now)
		stats := types.TraderStats30d{
			Trader:         trader,
			LastTradeTS:    agg.LastTradeTS,
			TradeCount:     agg.TradeCount,
			VolumeUSD:      agg.VolumeUSD,
			MedianTradeUSD: agg.MedianTradeUSD,
			RealizedPnLUSD: agg.RealizedPnLUSD,
			WinRate:        agg.WinRate,
			MaxDrawdownUSD: agg.MaxDrawdownUSD,
			SharpeLike:     agg.SharpeLike,
			LeverageVar:    agg.LeverageVar,
			LastUpdated:    now,
		}
		if err := e.db.SaveTraderState(stats, e.traderLots(trader), e.cursorBlock, e.cursorLog); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) traderLots(trader common.Address) []types.PositionLot {
	var out []types.PositionLot
	for key, queue := range e.lots {
		if key.trader == trader {
			out = append(out, queue...)
		}
	}
	return out
}

// OpenNotional returns the open notional for (trader, pair, direction),
// the FIFO conservation check input.
func (e *Engine) OpenNotional(trader common.Address, pair uint16, long bool) uint64 {
	var sum uint64
	for _, lot := range e.lots[lotKey{trader: trader, pair: pair, long: long}] {
		sum += lot.RemainingUSD
	}
	return sum
}
