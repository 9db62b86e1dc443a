package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// Cursor is the single-row indexer position. last_safe_block trails
// last_seen_block by at least the finality depth after every commit.
type Cursor struct {
	LastSafeBlock uint64
	LastSeenBlock uint64
	SchemaVersion int
}

// FillBatch is one atomic indexer commit: fills decoded from a block range,
// the block hashes observed for that range, and the new cursor position.
type FillBatch struct {
	Fills       []types.Fill
	BlockHashes map[uint64]common.Hash
	Cursor      Cursor
	PruneBelow  uint64 // drop block_hashes older than this (outside finality window)
}

// CommitBatch applies one indexer batch in a single transaction:
// upsert fills on the natural key, record block hashes, prune the hash
// window, and advance the cursor. A crash mid-commit leaves the cursor
// untouched.
func (d *DB) CommitBatch(batch FillBatch) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, f := range batch.Fills {
		if _, err := tx.Exec(
			`INSERT INTO fills (tx_hash, log_index, block_number, block_ts, trader, pair_id,
				is_long, side, size_usd, price, fee_usd, leverage_bps)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(tx_hash, log_index) DO NOTHING`,
			f.TxHash.Hex(), f.LogIndex, f.BlockNumber, f.BlockTimestamp, f.Trader.Hex(),
			f.PairID, boolToInt(f.IsLong), string(f.Side), int64(f.SizeUSD), int64(f.Price),
			int64(f.FeeUSD), f.LeverageBps); err != nil {
			return fmt.Errorf("upsert fill %s: %w", f.FillID(), err)
		}
	}

	for number, hash := range batch.BlockHashes {
		if _, err := tx.Exec(
			`INSERT INTO block_hashes (number, hash) VALUES (?, ?)
			 ON CONFLICT(number) DO UPDATE SET hash = excluded.hash`,
			number, hash.Hex()); err != nil {
			return fmt.Errorf("record block hash %d: %w", number, err)
		}
	}
	if batch.PruneBelow > 0 {
		if _, err := tx.Exec(`DELETE FROM block_hashes WHERE number < ?`, batch.PruneBelow); err != nil {
			return fmt.Errorf("prune block hashes: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO indexer_cursor (id, last_safe_block, last_seen_block, schema_version)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			last_safe_block = excluded.last_safe_block,
			last_seen_block = excluded.last_seen_block,
			schema_version  = excluded.schema_version`,
		batch.Cursor.LastSafeBlock, batch.Cursor.LastSeenBlock, batch.Cursor.SchemaVersion); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}

	return tx.Commit()
}

// GetCursor returns the indexer cursor; ok is false on first boot.
func (d *DB) GetCursor() (Cursor, bool, error) {
	var c Cursor
	err := d.sql.QueryRow(
		`SELECT last_safe_block, last_seen_block, schema_version FROM indexer_cursor WHERE id = 1`,
	).Scan(&c.LastSafeBlock, &c.LastSeenBlock, &c.SchemaVersion)
	if err == sql.ErrNoRows {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

// StoredBlockHash returns the hash recorded for a block number, if any.
func (d *DB) StoredBlockHash(number uint64) (common.Hash, bool, error) {
	var hex string
	err := d.sql.QueryRow(`SELECT hash FROM block_hashes WHERE number = ?`, number).Scan(&hex)
	if err == sql.ErrNoRows {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return common.HexToHash(hex), true, nil
}

// RollbackReorg strips all fills and block hashes above reorgPoint and
// rewinds the cursor, in one transaction. This is the sole deletion path
// for fills.
func (d *DB) RollbackReorg(reorgPoint uint64, finalityDepth uint64) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fills WHERE block_number > ?`, reorgPoint); err != nil {
		return fmt.Errorf("delete fills: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM block_hashes WHERE number > ?`, reorgPoint); err != nil {
		return fmt.Errorf("delete block hashes: %w", err)
	}

	safe := uint64(0)
	if reorgPoint > finalityDepth {
		safe = reorgPoint - finalityDepth
	}
	if _, err := tx.Exec(
		`UPDATE indexer_cursor SET
			last_seen_block = ?,
			last_safe_block = MIN(last_safe_block, ?)
		 WHERE id = 1`, reorgPoint, safe); err != nil {
		return fmt.Errorf("rewind cursor: %w", err)
	}

	return tx.Commit()
}

// FillsAfter returns up to limit fills strictly after (block, logIndex) in
// stream order. This is the PnL engine's consumption path.
func (d *DB) FillsAfter(block uint64, logIndex uint32, limit int) ([]types.Fill, error) {
	rows, err := d.sql.Query(
		`SELECT tx_hash, log_index, block_number, block_ts, trader, pair_id, is_long,
			side, size_usd, price, fee_usd, leverage_bps
		 FROM fills
		 WHERE block_number > ? OR (block_number = ? AND log_index > ?)
		 ORDER BY block_number, log_index
		 LIMIT ?`, block, block, logIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// FinalizedFillsAfter is FillsAfter restricted to fills at or below
// maxBlock (the safe cursor). This is the fanout trigger path.
func (d *DB) FinalizedFillsAfter(block uint64, logIndex uint32, maxBlock uint64, limit int) ([]types.Fill, error) {
	rows, err := d.sql.Query(
		`SELECT tx_hash, log_index, block_number, block_ts, trader, pair_id, is_long,
			side, size_usd, price, fee_usd, leverage_bps
		 FROM fills
		 WHERE (block_number > ? OR (block_number = ? AND log_index > ?))
			AND block_number <= ?
		 ORDER BY block_number, log_index
		 LIMIT ?`, block, block, logIndex, maxBlock, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// AllFills returns every stored fill in stream order (rebuild path).
func (d *DB) AllFills() ([]types.Fill, error) {
	rows, err := d.sql.Query(
		`SELECT tx_hash, log_index, block_number, block_ts, trader, pair_id, is_long,
			side, size_usd, price, fee_usd, leverage_bps
		 FROM fills ORDER BY block_number, log_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// CountFills returns the number of stored fills.
func (d *DB) CountFills() (int64, error) {
	var n int64
	err := d.sql.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&n)
	return n, err
}

// Quarantine records an unprocessable log. The cursor must not advance past
// the oldest unacknowledged entry without operator acknowledgement.
func (d *DB) Quarantine(txHash common.Hash, logIndex uint32, blockNumber uint64, reason string) error {
	_, err := d.sql.Exec(
		`INSERT INTO quarantine (tx_hash, log_index, block_number, reason, acked, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(tx_hash, log_index) DO NOTHING`,
		txHash.Hex(), logIndex, blockNumber, reason, time.Now().Unix())
	return err
}

// OldestUnackedQuarantine returns the lowest block number with an
// unacknowledged quarantine entry; ok is false when the table is clean.
func (d *DB) OldestUnackedQuarantine() (uint64, bool, error) {
	var block sql.NullInt64
	err := d.sql.QueryRow(`SELECT MIN(block_number) FROM quarantine WHERE acked = 0`).Scan(&block)
	if err != nil {
		return 0, false, err
	}
	if !block.Valid {
		return 0, false, nil
	}
	return uint64(block.Int64), true, nil
}

// AckQuarantine marks one quarantine entry as operator-acknowledged.
func (d *DB) AckQuarantine(txHash common.Hash, logIndex uint32) error {
	_, err := d.sql.Exec(
		`UPDATE quarantine SET acked = 1 WHERE tx_hash = ? AND log_index = ?`,
		txHash.Hex(), logIndex)
	return err
}

func scanFills(rows *sql.Rows) ([]types.Fill, error) {
	var out []types.Fill
	for rows.Next() {
		var (
			f                       types.Fill
			txHash, trader, side    string
			isLong                  int
			sizeUSD, price, feeUSD  int64
		)
		if err := rows.Scan(&txHash, &f.LogIndex, &f.BlockNumber, &f.BlockTimestamp,
			&trader, &f.PairID, &isLong, &side, &sizeUSD, &price, &feeUSD, &f.LeverageBps); err != nil {
			return nil, err
		}
		f.TxHash = common.HexToHash(txHash)
		f.Trader = common.HexToAddress(trader)
		f.IsLong = isLong != 0
		f.Side = types.FillSide(side)
		f.SizeUSD = uint64(sizeUSD)
		f.Price = uint64(price)
		f.FeeUSD = uint64(feeUSD)
		out = append(out, f)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
