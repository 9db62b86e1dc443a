// Package risk validates every copy intent before execution.
//
// Checks run cheapest-first and the first failure wins; a rejected intent is
// SKIPPED with the reason code of the failed check. Per-user loss and
// notional counters live in the shared store so a restart inside a day
// window does not reset the caps.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/execgate"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// EquitySource reports a user's current account equity in USD 1e6.
// ok false means the equity is unknown (wallet not linked or unreadable).
type EquitySource interface {
	Equity(ctx context.Context, userID int64) (uint64, bool, error)
}

// PriceChecker is the slice of the price service the validator uses.
type PriceChecker interface {
	Mark(ctx context.Context, pairID uint16) (uint64, types.ReasonCode, error)
}

// Validator applies the platform risk limits to one intent at a time.
type Validator struct {
	cfg    config.RiskConfig
	store  *shared.Store
	equity EquitySource
	prices PriceChecker
	logger *slog.Logger

	opensPerMin  *execgate.TokenBucket
	tradesPerDay *execgate.TokenBucket
}

// New creates a validator.
func New(cfg config.RiskConfig, store *shared.Store, equity EquitySource, prices PriceChecker, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:          cfg,
		store:        store,
		equity:       equity,
		prices:       prices,
		logger:       logger.With("component", "risk"),
		opensPerMin:  execgate.NewTokenBucket(cfg.MaxOpensPerMinute, time.Minute),
		tradesPerDay: execgate.NewTokenBucket(cfg.MaxTradesPerDay, 24*time.Hour),
	}
}

// Validate runs all checks against one intent. A non-empty reason means the
// intent must be SKIPPED; err is reserved for infrastructure failures.
func (v *Validator) Validate(ctx context.Context, in types.CopyIntent, follow types.FollowConfig) (types.ReasonCode, error) {
	userKey := strconv.FormatInt(in.UserID, 10)

	// Rate limits first: they are free and protect everything downstream.
	if in.Side == types.FillOpen && !v.opensPerMin.Allow(userKey) {
		return types.ReasonRateLimited, nil
	}
	if !v.tradesPerDay.Allow(userKey) {
		return types.ReasonRateLimited, nil
	}

	if in.CollateralUSD > v.cfg.MaxPositionSizeUSD*1_000_000 {
		return types.ReasonMaxPosition, nil
	}
	if follow.PerTradeCap > 0 && in.CollateralUSD > follow.PerTradeCap {
		return types.ReasonMaxPosition, nil
	}

	leverage := in.LeverageBps / 10000
	if leverage > v.cfg.MaxLeverage {
		return types.ReasonMaxLeverage, nil
	}
	if follow.MaxLeverage > 0 && leverage > uint32(follow.MaxLeverage) {
		return types.ReasonMaxLeverage, nil
	}

	// The mark price feeds the liquidation-distance check; its own
	// staleness/divergence verdict is held back until the cheap checks have
	// all passed, keeping the reported reason deterministic.
	mark, priceReason, priceErr := v.prices.Mark(ctx, in.PairID)
	if priceErr != nil && priceReason == "" {
		priceReason = types.ReasonStalePrice
	}

	if reason := v.checkLiqBuffer(in, mark); reason != "" {
		return reason, nil
	}

	equity, known, err := v.equity.Equity(ctx, in.UserID)
	if err != nil {
		return "", fmt.Errorf("equity lookup for user %d: %w", in.UserID, err)
	}
	if !known {
		return types.ReasonNoEquity, nil
	}
	if float64(in.CollateralUSD) > float64(equity)*v.cfg.MaxAccountRiskPct {
		return types.ReasonAccountPct, nil
	}

	if reason := v.checkDailyLoss(userKey, equity); reason != "" {
		return reason, nil
	}
	notional := notionalUSD(in.CollateralUSD, in.LeverageBps)
	if reason := v.checkHourlyNotional(userKey, notional); reason != "" {
		return reason, nil
	}
	if reason := v.checkFollowDailyCap(userKey, follow, notional); reason != "" {
		return reason, nil
	}

	if priceReason != "" {
		return priceReason, nil
	}

	// Every check passed; only now reserve the notional budgets so a
	// rejection further down never leaks a reservation.
	v.reserveNotional(userKey, follow, notional)
	return "", nil
}

// checkLiqBuffer rejects positions whose estimated liquidation price sits
// within the configured buffer of the current mark. The liquidation distance
// from entry is ~90% of the margin fraction; folding the mark in means a
// position opened behind the market is measured from where the market is
// now, not from where the leader entered.
func (v *Validator) checkLiqBuffer(in types.CopyIntent, mark uint64) types.ReasonCode {
	if in.LeverageBps == 0 {
		return ""
	}
	f := 0.9 * 10000 / float64(in.LeverageBps)
	entry, m := float64(in.Price), float64(mark)
	if entry == 0 {
		entry = m
	}
	if m == 0 {
		m = entry
	}
	var distance float64
	if m == 0 {
		// No price information at all: fall back to the margin fraction.
		distance = f
	} else if in.IsLong {
		distance = (m - entry*(1-f)) / m
	} else {
		distance = (entry*(1+f) - m) / m
	}
	if distance < v.cfg.LiquidationBuffer {
		return types.ReasonLiqBuffer
	}
	return ""
}

// checkDailyLoss refuses new exposure once today's realized loss exceeds
// the configured fraction of equity.
func (v *Validator) checkDailyLoss(userKey string, equity uint64) types.ReasonCode {
	key := lossKey(userKey, time.Now())
	lost := v.store.Incr(key, 0)
	if lost > 0 && float64(lost) > float64(equity)*v.cfg.MaxDailyLossPct {
		return types.ReasonDailyLossCap
	}
	return ""
}

// checkHourlyNotional enforces the per-user hourly notional cap. Read-only:
// the reservation happens in reserveNotional once the whole chain passes.
func (v *Validator) checkHourlyNotional(userKey string, notional uint64) types.ReasonCode {
	if v.cfg.HourlyNotionalCap == 0 {
		return ""
	}
	limit := int64(v.cfg.HourlyNotionalCap) * 1_000_000
	if v.store.Incr(notionalKey(userKey, time.Now()), 0)+int64(notional) > limit {
		return types.ReasonHourlyCap
	}
	return ""
}

// checkFollowDailyCap enforces the per-follow daily copied-notional cap from
// the user's follow config. Read-only, same reservation rule as above.
func (v *Validator) checkFollowDailyCap(userKey string, follow types.FollowConfig, notional uint64) types.ReasonCode {
	if follow.DailyCap == 0 {
		return ""
	}
	key := followCapKey(userKey, follow, time.Now())
	if v.store.Incr(key, 0)+int64(notional) > int64(follow.DailyCap) {
		return types.ReasonFollowCap
	}
	return ""
}

// reserveNotional commits the intent's notional against the hourly and
// per-follow budgets after every check has passed.
func (v *Validator) reserveNotional(userKey string, follow types.FollowConfig, notional uint64) {
	now := time.Now()
	if v.cfg.HourlyNotionalCap > 0 {
		v.store.Incr(notionalKey(userKey, now), int64(notional))
	}
	if follow.DailyCap > 0 {
		v.store.Incr(followCapKey(userKey, follow, now), int64(notional))
	}
}

// RecordLoss adds a realized loss (positive USD 1e6) to today's counter.
// Called by the fanout when a copied close confirms at a loss.
func (v *Validator) RecordLoss(userID int64, lossUSD int64) {
	if lossUSD <= 0 {
		return
	}
	v.store.Incr(lossKey(strconv.FormatInt(userID, 10), time.Now()), lossUSD)
}

func lossKey(userKey string, t time.Time) string {
	return "risk:loss:" + userKey + ":" + t.UTC().Format("2006-01-02")
}

func notionalKey(userKey string, t time.Time) string {
	return "risk:notional:" + userKey + ":" + t.UTC().Format("2006-01-02T15")
}

func followCapKey(userKey string, follow types.FollowConfig, t time.Time) string {
	return "risk:follownotional:" + userKey + ":" + follow.Trader.Hex() + ":" + t.UTC().Format("2006-01-02")
}

func notionalUSD(collateralUSD uint64, leverageBps uint32) uint64 {
	return collateralUSD * uint64(leverageBps) / 10000
}
