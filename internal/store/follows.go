package store

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// UpsertFollow writes a follow config, last-write-wins on (user, trader).
// CreatedAt is preserved on update; UpdatedAt always bumps.
func (d *DB) UpsertFollow(cfg types.FollowConfig) error {
	now := time.Now().Unix()
	_, err := d.sql.Exec(
		`INSERT INTO follow_configs (user_id, trader, sizing, sizing_value, max_leverage,
			max_slippage, per_trade_cap, daily_cap, pair_allow, pair_block, notify,
			auto_copy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, trader) DO UPDATE SET
			sizing = excluded.sizing,
			sizing_value = excluded.sizing_value,
			max_leverage = excluded.max_leverage,
			max_slippage = excluded.max_slippage,
			per_trade_cap = excluded.per_trade_cap,
			daily_cap = excluded.daily_cap,
			pair_allow = excluded.pair_allow,
			pair_block = excluded.pair_block,
			notify = excluded.notify,
			auto_copy = excluded.auto_copy,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.Trader.Hex(), string(cfg.Sizing), int64(cfg.SizingValue),
		cfg.MaxLeverage, cfg.MaxSlippage, int64(cfg.PerTradeCap), int64(cfg.DailyCap),
		encodePairs(cfg.PairAllow), encodePairs(cfg.PairBlock),
		boolToInt(cfg.Notify), boolToInt(cfg.AutoCopy), now, now)
	return err
}

// GetFollow returns the config for (user, trader); ok false when absent.
func (d *DB) GetFollow(userID int64, trader common.Address) (types.FollowConfig, bool, error) {
	row := d.sql.QueryRow(followSelect+` WHERE user_id = ? AND trader = ?`, userID, trader.Hex())
	cfg, err := scanFollow(row)
	if err == sql.ErrNoRows {
		return types.FollowConfig{}, false, nil
	}
	if err != nil {
		return types.FollowConfig{}, false, err
	}
	return cfg, true, nil
}

// ListFollowsByUser returns every follow config for one user.
func (d *DB) ListFollowsByUser(userID int64) ([]types.FollowConfig, error) {
	rows, err := d.sql.Query(followSelect+` WHERE user_id = ? ORDER BY trader`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.FollowConfig
	for rows.Next() {
		cfg, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UsersByTrader is the fanout critical path: the reverse index lookup of
// followers for one leader, served by idx_follow_trader.
func (d *DB) UsersByTrader(trader common.Address) ([]int64, error) {
	rows, err := d.sql.Query(
		`SELECT user_id FROM follow_configs WHERE trader = ? ORDER BY user_id`, trader.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FollowedTraders returns the set of leader addresses with at least one
// follower, used by the fanout to filter the fill stream cheaply.
func (d *DB) FollowedTraders() (map[common.Address]bool, error) {
	rows, err := d.sql.Query(`SELECT DISTINCT trader FROM follow_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[common.Address]bool)
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		out[common.HexToAddress(hex)] = true
	}
	return out, rows.Err()
}

// FollowerCount returns the number of followers for one leader.
func (d *DB) FollowerCount(trader common.Address) (int, error) {
	var n int
	err := d.sql.QueryRow(
		`SELECT COUNT(*) FROM follow_configs WHERE trader = ?`, trader.Hex()).Scan(&n)
	return n, err
}

// DeleteFollow removes a follow config.
func (d *DB) DeleteFollow(userID int64, trader common.Address) error {
	_, err := d.sql.Exec(
		`DELETE FROM follow_configs WHERE user_id = ? AND trader = ?`, userID, trader.Hex())
	return err
}

const followSelect = `SELECT user_id, trader, sizing, sizing_value, max_leverage,
	max_slippage, per_trade_cap, daily_cap, pair_allow, pair_block, notify,
	auto_copy, created_at, updated_at FROM follow_configs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollow(row rowScanner) (types.FollowConfig, error) {
	var (
		cfg                       types.FollowConfig
		trader, sizing            string
		allow, block              string
		sizingValue, perCap, dCap int64
		notify, autoCopy          int
	)
	err := row.Scan(&cfg.UserID, &trader, &sizing, &sizingValue, &cfg.MaxLeverage,
		&cfg.MaxSlippage, &perCap, &dCap, &allow, &block, &notify, &autoCopy,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return cfg, err
	}
	cfg.Trader = common.HexToAddress(trader)
	cfg.Sizing = types.SizingMode(sizing)
	cfg.SizingValue = uint64(sizingValue)
	cfg.PerTradeCap = uint64(perCap)
	cfg.DailyCap = uint64(dCap)
	cfg.PairAllow = decodePairs(allow)
	cfg.PairBlock = decodePairs(block)
	cfg.Notify = notify != 0
	cfg.AutoCopy = autoCopy != 0
	return cfg, nil
}

func encodePairs(pairs []uint16) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func decodePairs(s string) []uint16 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, uint16(n))
	}
	return out
}
