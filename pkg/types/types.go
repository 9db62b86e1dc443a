// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy-trading core — fills,
// trader statistics, follow configurations, copy intents, and chain
// transaction intents. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// FillSide classifies a trade event on the venue.
type FillSide string

const (
	FillOpen        FillSide = "OPEN"
	FillClose       FillSide = "CLOSE"
	FillLiquidation FillSide = "LIQUIDATION"
)

// SizingMode selects how a follower's collateral is derived from a leader fill.
type SizingMode string

const (
	SizingFixedNotional SizingMode = "FIXED_NOTIONAL" // fixed USD collateral per copy
	SizingPctEquity     SizingMode = "PCT_EQUITY"     // percentage of follower equity
	SizingMirror        SizingMode = "MIRROR"         // proportional to leader's size/equity
)

// ExecMode is the global execution gate. In DRY mode no transaction is ever
// broadcast; intents are recorded with what would have been sent.
type ExecMode string

const (
	ModeDry  ExecMode = "DRY"
	ModeLive ExecMode = "LIVE"
)

// IntentStatus is the CopyIntent state machine. Transitions are forward-only
// except SUBMITTED → FAILED on receipt failure.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentSubmitted IntentStatus = "SUBMITTED"
	IntentConfirmed IntentStatus = "CONFIRMED"
	IntentFailed    IntentStatus = "FAILED"
	IntentSkipped   IntentStatus = "SKIPPED"
)

// Terminal reports whether no further transitions are possible.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentConfirmed, IntentFailed, IntentSkipped:
		return true
	}
	return false
}

// ReasonCode explains a SKIPPED or FAILED intent. Reported once to the user
// via the chat collaborator event stream.
type ReasonCode string

const (
	ReasonDryRun        ReasonCode = "DRY_RUN"
	ReasonEmergencyStop ReasonCode = "EMERGENCY_STOP"
	ReasonNoEquity      ReasonCode = "NO_EQUITY"
	ReasonPairBlocked   ReasonCode = "PAIR_BLOCKED"
	ReasonOverload      ReasonCode = "OVERLOAD"
	ReasonRateLimited   ReasonCode = "RATE_LIMITED"
	ReasonMaxPosition   ReasonCode = "RISK_MAX_POSITION"
	ReasonAccountPct    ReasonCode = "RISK_ACCOUNT_PCT"
	ReasonMaxLeverage   ReasonCode = "RISK_MAX_LEVERAGE"
	ReasonLiqBuffer     ReasonCode = "LIQ_BUFFER"
	ReasonDailyLossCap  ReasonCode = "DAILY_LOSS_CAP"
	ReasonHourlyCap     ReasonCode = "HOURLY_NOTIONAL_CAP"
	ReasonFollowCap     ReasonCode = "FOLLOW_DAILY_CAP"
	ReasonStalePrice    ReasonCode = "STALE_PRICE"
	ReasonPriceOutlier  ReasonCode = "PRICE_OUTLIER"
	ReasonStuck         ReasonCode = "STUCK"
	ReasonReverted      ReasonCode = "REVERTED"
	ReasonNonceConflict ReasonCode = "NONCE_CONFLICT"
)

// TxStatus is the low-level chain submission state machine:
// BUILT → SIGNED → BROADCAST → (MINED_OK | MINED_FAIL | DROPPED).
// Only BROADCAST may loop back into a replacement BROADCAST on stuck-timeout.
type TxStatus string

const (
	TxBuilt     TxStatus = "BUILT"
	TxSigned    TxStatus = "SIGNED"
	TxBroadcast TxStatus = "BROADCAST"
	TxMinedOK   TxStatus = "MINED_OK"
	TxMinedFail TxStatus = "MINED_FAIL"
	TxDropped   TxStatus = "DROPPED"
)

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// Fill is the canonical record of one trader-side trade event, decoded from
// the venue contract's logs and normalized to fixed-point USD values.
//
// (TxHash, LogIndex) is the natural key. Fills are immutable once persisted
// at a block ≥ finality depth below tip; the only deletion path is a reorg
// rollback stripping blocks above the reorg point.
type Fill struct {
	TxHash         common.Hash
	LogIndex       uint32
	BlockNumber    uint64
	BlockTimestamp int64 // unix seconds
	Trader         common.Address
	PairID         uint16
	IsLong         bool
	Side           FillSide
	SizeUSD        uint64 // 6-dp fixed point (1e6 = $1)
	Price          uint64 // 8-dp fixed point
	FeeUSD         uint64 // 6-dp fixed point
	LeverageBps    uint32 // 1x = 10000
}

// FillID is the natural key of a fill, used as an idempotency handle.
func (f Fill) FillID() string {
	return f.TxHash.Hex() + ":" + strconv.FormatUint(uint64(f.LogIndex), 10)
}

// ————————————————————————————————————————————————————————————————————————
// Derived trader state
// ————————————————————————————————————————————————————————————————————————

// PositionLot is one open FIFO lot derived from an OPEN fill. Lots for a
// (trader, pair, direction) are consumed oldest-first by CLOSE/LIQUIDATION
// fills; fully consumed lots are deleted.
type PositionLot struct {
	Trader       common.Address
	PairID       uint16
	IsLong       bool
	RemainingUSD uint64 // 1e6
	EntryPrice   uint64 // 1e8
	EntryTS      int64
	SourceFillID string
}

// TraderStats30d is the rolling 30-day aggregate for one trader, maintained
// incrementally by the PnL engine and rebuildable from the fills table.
type TraderStats30d struct {
	Trader         common.Address
	LastTradeTS    int64
	TradeCount     int64
	VolumeUSD      uint64  // 1e6
	MedianTradeUSD uint64  // 1e6, day-bucket quantile approximation
	RealizedPnLUSD int64   // 1e6, FIFO, signed
	WinRate        float64 // notional-weighted fraction in [0,1]
	MaxDrawdownUSD uint64  // 1e6, peak-to-trough of cumulative realized PnL
	SharpeLike     float64 // realized pnl / (stddev daily pnl + eps)
	LeverageVar    float64 // variance of leverage across window fills
	LastUpdated    int64
}

// LeaderboardEntry is one row of the cached ranking snapshot.
type LeaderboardEntry struct {
	Rank      int
	Trader    common.Address
	Score     float64 // copyability score in [0,100]
	Stats     TraderStats30d
	Followers int
}

// ————————————————————————————————————————————————————————————————————————
// Follows
// ————————————————————————————————————————————————————————————————————————

// FollowConfig is one user's copy settings for one leader.
// Primary key is (UserID, Trader); writes are last-write-wins per key.
type FollowConfig struct {
	UserID      int64          `json:"user_id"`
	Trader      common.Address `json:"trader_key"`
	Sizing      SizingMode     `json:"sizing_mode"`
	SizingValue uint64         `json:"sizing_value"`  // FIXED_NOTIONAL: USD 1e6; PCT_EQUITY: bps of equity; MIRROR: unused
	MaxLeverage uint16         `json:"max_leverage"`  // in whole x, cap applied downward-only
	MaxSlippage uint16         `json:"max_slippage"`  // bps
	PerTradeCap uint64         `json:"per_trade_cap"` // USD 1e6
	DailyCap    uint64         `json:"daily_cap"`     // USD 1e6
	PairAllow   []uint16       `json:"pair_allow,omitempty"`
	PairBlock   []uint16       `json:"pair_block,omitempty"`
	Notify      bool           `json:"notify"`
	AutoCopy    bool           `json:"auto_copy"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// AllowsPair applies the allow/block sets: block wins, an empty allow set
// means all pairs.
func (c FollowConfig) AllowsPair(pair uint16) bool {
	for _, p := range c.PairBlock {
		if p == pair {
			return false
		}
	}
	if len(c.PairAllow) == 0 {
		return true
	}
	for _, p := range c.PairAllow {
		if p == pair {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Signals and intents
// ————————————————————————————————————————————————————————————————————————

// TraderSignal is emitted for every finalized fill whose trader has at least
// one follower. It is the fanout trigger.
type TraderSignal struct {
	Trader       common.Address
	PairID       uint16
	IsLong       bool
	Side         FillSide
	SizeUSD      uint64 // 1e6
	Price        uint64 // 1e8, fill price on the leader side
	LeverageBps  uint32
	SourceFillID string
	BlockNumber  uint64
}

// Identity is the notification dedup key: identical signals within the TTL
// window are suppressed at the notifier.
func (s TraderSignal) Identity() string {
	return s.Trader.Hex() + ":" + strconv.FormatUint(uint64(s.PairID), 10) + ":" + string(s.Side) + ":" + s.SourceFillID
}

// CopyIntent is the follower-side mirror order derived from a TraderSignal.
// (UserID, SourceFillID) is unique — the fanout idempotency key.
type CopyIntent struct {
	IntentID      string // ULID
	UserID        int64
	SourceFillID  string
	Trader        common.Address
	PairID        uint16
	IsLong        bool
	Side          FillSide
	CollateralUSD uint64 // 1e6
	LeverageBps   uint32
	Price         uint64 // 1e8, leader fill price carried for risk and PnL settle
	Status        IntentStatus
	Reason        ReasonCode
	TxHash        *common.Hash
	CreatedAt     int64
}

// TxIntent is one chain submission attempt tracked by the orchestrator.
// Every state change is durable before the next action so a restart can
// resume receipt polling without resubmitting.
type TxIntent struct {
	ID             string
	IntentID       string // owning CopyIntent
	Nonce          uint64
	To             common.Address
	Data           []byte
	Value          string // decimal wei
	GasLimit       uint64
	MaxFeePerGas   string // decimal wei
	MaxPriorityFee string // decimal wei
	Attempts       int
	Status         TxStatus
	TxHash         *common.Hash
	ReceiptBlock   uint64
	ReceiptGasUsed uint64
	UpdatedAt      int64
}

// ————————————————————————————————————————————————————————————————————————
// Chat collaborator events
// ————————————————————————————————————————————————————————————————————————

// BridgeEvent is one message on the core → chat event stream.
// Type is "signal", "intent_update" or "leaderboard".
type BridgeEvent struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	UserID    int64              `json:"user_id,omitempty"`
	Trader    string             `json:"trader_key,omitempty"`
	Pair      uint16             `json:"pair,omitempty"`
	Side      string             `json:"side,omitempty"`
	SizeUSD   uint64             `json:"size,omitempty"`
	Leverage  uint32             `json:"leverage,omitempty"`
	IntentID  string             `json:"intent_id,omitempty"`
	Status    string             `json:"status,omitempty"`
	TxHash    string             `json:"tx_hash,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Entries   []LeaderboardEntry `json:"entries,omitempty"`
}
