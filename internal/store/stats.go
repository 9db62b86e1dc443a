package store

import (
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// SaveTraderState persists one trader's derived state in a single
// transaction: the 30d aggregates, the open FIFO lots, and the PnL cursor.
// The PnL engine is the only writer.
func (d *DB) SaveTraderState(stats types.TraderStats30d, lots []types.PositionLot, cursorBlock uint64, cursorLog uint32) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO trader_stats (trader, last_trade_ts, trade_count, volume_usd,
			median_trade_usd, realized_pnl, win_rate, max_drawdown, sharpe_like,
			leverage_var, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trader) DO UPDATE SET
			last_trade_ts = excluded.last_trade_ts,
			trade_count = excluded.trade_count,
			volume_usd = excluded.volume_usd,
			median_trade_usd = excluded.median_trade_usd,
			realized_pnl = excluded.realized_pnl,
			win_rate = excluded.win_rate,
			max_drawdown = excluded.max_drawdown,
			sharpe_like = excluded.sharpe_like,
			leverage_var = excluded.leverage_var,
			last_updated = MAX(trader_stats.last_updated, excluded.last_updated)`,
		stats.Trader.Hex(), stats.LastTradeTS, stats.TradeCount, int64(stats.VolumeUSD),
		int64(stats.MedianTradeUSD), stats.RealizedPnLUSD, stats.WinRate,
		int64(stats.MaxDrawdownUSD), stats.SharpeLike, stats.LeverageVar, stats.LastUpdated); err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM position_lots WHERE trader = ?`, stats.Trader.Hex()); err != nil {
		return fmt.Errorf("clear lots: %w", err)
	}
	for _, lot := range lots {
		if _, err := tx.Exec(
			`INSERT INTO position_lots (trader, pair_id, is_long, remaining_usd,
				entry_price, entry_ts, source_fill_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lot.Trader.Hex(), lot.PairID, boolToInt(lot.IsLong), int64(lot.RemainingUSD),
			int64(lot.EntryPrice), lot.EntryTS, lot.SourceFillID); err != nil {
			return fmt.Errorf("insert lot: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO pnl_cursor (id, block, log_index) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET block = excluded.block, log_index = excluded.log_index`,
		cursorBlock, cursorLog); err != nil {
		return fmt.Errorf("update pnl cursor: %w", err)
	}

	return tx.Commit()
}

// GetPnLCursor returns the PnL engine's consumption position.
func (d *DB) GetPnLCursor() (block uint64, logIndex uint32, ok bool, err error) {
	err = d.sql.QueryRow(`SELECT block, log_index FROM pnl_cursor WHERE id = 1`).Scan(&block, &logIndex)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return block, logIndex, true, nil
}

// ResetDerivedState wipes stats, lots and the PnL cursor; used before a
// full rebuild from the fills table and after a reorg rollback.
func (d *DB) ResetDerivedState() error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM trader_stats`,
		`DELETE FROM position_lots`,
		`DELETE FROM pnl_cursor`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTraderStats returns one trader's aggregates; ok false when unknown.
func (d *DB) GetTraderStats(trader common.Address) (types.TraderStats30d, bool, error) {
	row := d.sql.QueryRow(statsSelect+` WHERE trader = ?`, trader.Hex())
	s, err := scanStats(row)
	if err == sql.ErrNoRows {
		return types.TraderStats30d{}, false, nil
	}
	if err != nil {
		return types.TraderStats30d{}, false, err
	}
	return s, true, nil
}

// AllTraderStats returns every trader's aggregates (leaderboard input).
func (d *DB) AllTraderStats() ([]types.TraderStats30d, error) {
	rows, err := d.sql.Query(statsSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TraderStats30d
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LotsByTrader returns the open lots for one trader in FIFO order.
func (d *DB) LotsByTrader(trader common.Address) ([]types.PositionLot, error) {
	rows, err := d.sql.Query(
		`SELECT trader, pair_id, is_long, remaining_usd, entry_price, entry_ts, source_fill_id
		 FROM position_lots WHERE trader = ?
		 ORDER BY entry_ts, source_fill_id`, trader.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.PositionLot
	for rows.Next() {
		var (
			lot                types.PositionLot
			traderHex, fillID  string
			isLong             int
			remaining, price   int64
		)
		if err := rows.Scan(&traderHex, &lot.PairID, &isLong, &remaining, &price,
			&lot.EntryTS, &fillID); err != nil {
			return nil, err
		}
		lot.Trader = common.HexToAddress(traderHex)
		lot.IsLong = isLong != 0
		lot.RemainingUSD = uint64(remaining)
		lot.EntryPrice = uint64(price)
		lot.SourceFillID = fillID
		out = append(out, lot)
	}
	return out, rows.Err()
}

const statsSelect = `SELECT trader, last_trade_ts, trade_count, volume_usd,
	median_trade_usd, realized_pnl, win_rate, max_drawdown, sharpe_like,
	leverage_var, last_updated FROM trader_stats`

func scanStats(row rowScanner) (types.TraderStats30d, error) {
	var (
		s                       types.TraderStats30d
		trader                  string
		volume, median, ddown   int64
	)
	err := row.Scan(&trader, &s.LastTradeTS, &s.TradeCount, &volume, &median,
		&s.RealizedPnLUSD, &s.WinRate, &ddown, &s.SharpeLike, &s.LeverageVar, &s.LastUpdated)
	if err != nil {
		return s, err
	}
	s.Trader = common.HexToAddress(trader)
	s.VolumeUSD = uint64(volume)
	s.MedianTradeUSD = uint64(median)
	s.MaxDrawdownUSD = uint64(ddown)
	return s, nil
}
