// Package store is the relational persistence layer: fills, indexer cursor,
// position lots, trader stats, follow configs, copy intents and tx intents,
// all in a single SQLite database with WAL enabled.
//
// Schema changes are applied by migrate() on open. All multi-row state
// transitions that must be atomic (batch commits, reorg rollbacks) run in a
// single transaction.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping verifies the connection, used by the readiness endpoint.
func (d *DB) Ping() error {
	return d.sql.Ping()
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS fills (
				tx_hash      TEXT    NOT NULL,
				log_index    INTEGER NOT NULL,
				block_number INTEGER NOT NULL,
				block_ts     INTEGER NOT NULL,
				trader       TEXT    NOT NULL,
				pair_id      INTEGER NOT NULL,
				is_long      INTEGER NOT NULL,
				side         TEXT    NOT NULL,
				size_usd     INTEGER NOT NULL,
				price        INTEGER NOT NULL,
				fee_usd      INTEGER NOT NULL,
				leverage_bps INTEGER NOT NULL,
				PRIMARY KEY (tx_hash, log_index)
			);
			CREATE INDEX IF NOT EXISTS idx_fills_stream ON fills(block_number, log_index);
			CREATE INDEX IF NOT EXISTS idx_fills_trader ON fills(trader, block_number, log_index);

			CREATE TABLE IF NOT EXISTS indexer_cursor (
				id              INTEGER PRIMARY KEY CHECK (id = 1),
				last_safe_block INTEGER NOT NULL,
				last_seen_block INTEGER NOT NULL,
				schema_version  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS block_hashes (
				number INTEGER PRIMARY KEY,
				hash   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS quarantine (
				tx_hash      TEXT    NOT NULL,
				log_index    INTEGER NOT NULL,
				block_number INTEGER NOT NULL,
				reason       TEXT    NOT NULL,
				acked        INTEGER NOT NULL DEFAULT 0,
				created_at   INTEGER NOT NULL,
				PRIMARY KEY (tx_hash, log_index)
			);

			CREATE TABLE IF NOT EXISTS position_lots (
				trader         TEXT    NOT NULL,
				pair_id        INTEGER NOT NULL,
				is_long        INTEGER NOT NULL,
				remaining_usd  INTEGER NOT NULL,
				entry_price    INTEGER NOT NULL,
				entry_ts       INTEGER NOT NULL,
				source_fill_id TEXT    NOT NULL,
				PRIMARY KEY (trader, pair_id, is_long, source_fill_id)
			);

			CREATE TABLE IF NOT EXISTS trader_stats (
				trader           TEXT PRIMARY KEY,
				last_trade_ts    INTEGER NOT NULL,
				trade_count      INTEGER NOT NULL,
				volume_usd       INTEGER NOT NULL,
				median_trade_usd INTEGER NOT NULL,
				realized_pnl     INTEGER NOT NULL,
				win_rate         REAL    NOT NULL,
				max_drawdown     INTEGER NOT NULL,
				sharpe_like      REAL    NOT NULL,
				leverage_var     REAL    NOT NULL,
				last_updated     INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS pnl_cursor (
				id         INTEGER PRIMARY KEY CHECK (id = 1),
				block      INTEGER NOT NULL,
				log_index  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS follow_configs (
				user_id       INTEGER NOT NULL,
				trader        TEXT    NOT NULL,
				sizing        TEXT    NOT NULL,
				sizing_value  INTEGER NOT NULL,
				max_leverage  INTEGER NOT NULL,
				max_slippage  INTEGER NOT NULL,
				per_trade_cap INTEGER NOT NULL,
				daily_cap     INTEGER NOT NULL,
				pair_allow    TEXT    NOT NULL DEFAULT '',
				pair_block    TEXT    NOT NULL DEFAULT '',
				notify        INTEGER NOT NULL,
				auto_copy     INTEGER NOT NULL,
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL,
				PRIMARY KEY (user_id, trader)
			);
			CREATE INDEX IF NOT EXISTS idx_follow_trader ON follow_configs(trader);

			CREATE TABLE IF NOT EXISTS copy_intents (
				intent_id      TEXT PRIMARY KEY,
				user_id        INTEGER NOT NULL,
				source_fill_id TEXT    NOT NULL,
				trader         TEXT    NOT NULL,
				pair_id        INTEGER NOT NULL,
				is_long        INTEGER NOT NULL,
				side           TEXT    NOT NULL,
				collateral_usd INTEGER NOT NULL,
				leverage_bps   INTEGER NOT NULL,
				price          INTEGER NOT NULL DEFAULT 0,
				status         TEXT    NOT NULL,
				reason         TEXT    NOT NULL DEFAULT '',
				tx_hash        TEXT,
				created_at     INTEGER NOT NULL,
				UNIQUE (user_id, source_fill_id)
			);
			CREATE INDEX IF NOT EXISTS idx_intents_status ON copy_intents(status);

			CREATE TABLE IF NOT EXISTS tx_intents (
				id               TEXT PRIMARY KEY,
				intent_id        TEXT    NOT NULL,
				nonce            INTEGER NOT NULL,
				to_addr          TEXT    NOT NULL,
				data             BLOB    NOT NULL,
				value            TEXT    NOT NULL,
				gas_limit        INTEGER NOT NULL,
				max_fee          TEXT    NOT NULL,
				max_priority     TEXT    NOT NULL,
				attempts         INTEGER NOT NULL,
				status           TEXT    NOT NULL,
				tx_hash          TEXT,
				receipt_block    INTEGER NOT NULL DEFAULT 0,
				receipt_gas_used INTEGER NOT NULL DEFAULT 0,
				updated_at       INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tx_intents_status ON tx_intents(status);

			CREATE TABLE IF NOT EXISTS kv (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);

			INSERT OR REPLACE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// SetKV writes a durable key/value pair (shared-store fallback).
func (d *DB) SetKV(key, value string, now int64) error {
	_, err := d.sql.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetKV reads a durable key/value pair. ok is false when absent.
func (d *DB) GetKV(key string) (value string, ok bool, err error) {
	err = d.sql.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
