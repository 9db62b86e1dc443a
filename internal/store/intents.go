package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// InsertCopyIntent inserts an intent; the UNIQUE(user_id, source_fill_id)
// constraint enforces fanout idempotency. Returns false when an intent for
// the same (user, fill) already exists.
func (d *DB) InsertCopyIntent(in types.CopyIntent) (bool, error) {
	res, err := d.sql.Exec(
		`INSERT INTO copy_intents (intent_id, user_id, source_fill_id, trader, pair_id,
			is_long, side, collateral_usd, leverage_bps, price, status, reason, tx_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, source_fill_id) DO NOTHING`,
		in.IntentID, in.UserID, in.SourceFillID, in.Trader.Hex(), in.PairID,
		boolToInt(in.IsLong), string(in.Side), int64(in.CollateralUSD), in.LeverageBps,
		int64(in.Price), string(in.Status), string(in.Reason), hashPtr(in.TxHash), in.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateCopyIntent moves an intent to a new status. Forward-only: a terminal
// intent is never rewritten, except SUBMITTED → FAILED on receipt failure
// which is a legal forward transition.
func (d *DB) UpdateCopyIntent(intentID string, status types.IntentStatus, reason types.ReasonCode, txHash *common.Hash) error {
	res, err := d.sql.Exec(
		`UPDATE copy_intents SET status = ?, reason = ?, tx_hash = COALESCE(?, tx_hash)
		 WHERE intent_id = ? AND status NOT IN ('CONFIRMED', 'FAILED', 'SKIPPED')`,
		string(status), string(reason), hashPtr(txHash), intentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("intent %s: illegal transition to %s", intentID, status)
	}
	return nil
}

// GetCopyIntent returns one intent by ID.
func (d *DB) GetCopyIntent(intentID string) (types.CopyIntent, bool, error) {
	row := d.sql.QueryRow(intentSelect+` WHERE intent_id = ?`, intentID)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return types.CopyIntent{}, false, nil
	}
	if err != nil {
		return types.CopyIntent{}, false, err
	}
	return in, true, nil
}

// IntentForFill returns the intent for (user, fill), the idempotency lookup.
func (d *DB) IntentForFill(userID int64, sourceFillID string) (types.CopyIntent, bool, error) {
	row := d.sql.QueryRow(intentSelect+` WHERE user_id = ? AND source_fill_id = ?`, userID, sourceFillID)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return types.CopyIntent{}, false, nil
	}
	if err != nil {
		return types.CopyIntent{}, false, err
	}
	return in, true, nil
}

// IntentCountsByStatus returns intent counts per terminal/live status.
func (d *DB) IntentCountsByStatus() (map[types.IntentStatus]int64, error) {
	rows, err := d.sql.Query(`SELECT status, COUNT(*) FROM copy_intents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.IntentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.IntentStatus(status)] = n
	}
	return out, rows.Err()
}

const intentSelect = `SELECT intent_id, user_id, source_fill_id, trader, pair_id, is_long,
	side, collateral_usd, leverage_bps, price, status, reason, tx_hash, created_at FROM copy_intents`

func scanIntent(row rowScanner) (types.CopyIntent, error) {
	var (
		in                   types.CopyIntent
		trader, side, status string
		reason               string
		txHash               sql.NullString
		isLong               int
		collateral, price    int64
	)
	err := row.Scan(&in.IntentID, &in.UserID, &in.SourceFillID, &trader, &in.PairID,
		&isLong, &side, &collateral, &in.LeverageBps, &price, &status, &reason, &txHash, &in.CreatedAt)
	if err != nil {
		return in, err
	}
	in.Trader = common.HexToAddress(trader)
	in.IsLong = isLong != 0
	in.Side = types.FillSide(side)
	in.CollateralUSD = uint64(collateral)
	in.Price = uint64(price)
	in.Status = types.IntentStatus(status)
	in.Reason = types.ReasonCode(reason)
	if txHash.Valid {
		h := common.HexToHash(txHash.String)
		in.TxHash = &h
	}
	return in, nil
}

// SaveTxIntent inserts or fully replaces a tx intent row. The orchestrator
// persists every state change before acting on it.
func (d *DB) SaveTxIntent(ti types.TxIntent) error {
	_, err := d.sql.Exec(
		`INSERT INTO tx_intents (id, intent_id, nonce, to_addr, data, value, gas_limit,
			max_fee, max_priority, attempts, status, tx_hash, receipt_block,
			receipt_gas_used, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			nonce = excluded.nonce,
			gas_limit = excluded.gas_limit,
			max_fee = excluded.max_fee,
			max_priority = excluded.max_priority,
			attempts = excluded.attempts,
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			receipt_block = excluded.receipt_block,
			receipt_gas_used = excluded.receipt_gas_used,
			updated_at = excluded.updated_at`,
		ti.ID, ti.IntentID, ti.Nonce, ti.To.Hex(), ti.Data, ti.Value, ti.GasLimit,
		ti.MaxFeePerGas, ti.MaxPriorityFee, ti.Attempts, string(ti.Status),
		hashPtr(ti.TxHash), ti.ReceiptBlock, ti.ReceiptGasUsed, time.Now().Unix())
	return err
}

// TxIntentsByStatus lists tx intents in a given state; used for metrics and
// for resuming BROADCAST polling after a restart.
func (d *DB) TxIntentsByStatus(status types.TxStatus) ([]types.TxIntent, error) {
	rows, err := d.sql.Query(
		`SELECT id, intent_id, nonce, to_addr, data, value, gas_limit, max_fee,
			max_priority, attempts, status, tx_hash, receipt_block, receipt_gas_used, updated_at
		 FROM tx_intents WHERE status = ? ORDER BY nonce`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TxIntent
	for rows.Next() {
		var (
			ti             types.TxIntent
			toAddr, st     string
			txHash         sql.NullString
		)
		if err := rows.Scan(&ti.ID, &ti.IntentID, &ti.Nonce, &toAddr, &ti.Data, &ti.Value,
			&ti.GasLimit, &ti.MaxFeePerGas, &ti.MaxPriorityFee, &ti.Attempts, &st,
			&txHash, &ti.ReceiptBlock, &ti.ReceiptGasUsed, &ti.UpdatedAt); err != nil {
			return nil, err
		}
		ti.To = common.HexToAddress(toAddr)
		ti.Status = types.TxStatus(st)
		if txHash.Valid {
			h := common.HexToHash(txHash.String)
			ti.TxHash = &h
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func hashPtr(h *common.Hash) any {
	if h == nil {
		return nil
	}
	return h.Hex()
}
