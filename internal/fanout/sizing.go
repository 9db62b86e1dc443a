package fanout

import (
	"github.com/shopspring/decimal"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// sizeIntent derives the follower's collateral and leverage from a leader
// signal and the follow config. equityUSD is only consulted for PCT_EQUITY
// (equityKnown false refuses that mode). Returns reason NO_EQUITY or a zero
// collateral when no valid size exists.
func sizeIntent(sig types.TraderSignal, cfg types.FollowConfig, equityUSD uint64, equityKnown bool) (collateralUSD uint64, leverageBps uint32, reason types.ReasonCode) {
	leverageBps = sig.LeverageBps
	if cfg.MaxLeverage > 0 {
		if maxBps := uint32(cfg.MaxLeverage) * 10000; leverageBps > maxBps {
			leverageBps = maxBps
		}
	}
	if leverageBps == 0 {
		leverageBps = 10000
	}

	switch cfg.Sizing {
	case types.SizingFixedNotional:
		collateralUSD = cfg.SizingValue

	case types.SizingPctEquity:
		if !equityKnown {
			return 0, 0, types.ReasonNoEquity
		}
		collateralUSD = decimal.NewFromUint64(equityUSD).
			Mul(decimal.NewFromUint64(cfg.SizingValue)).
			Div(decimal.NewFromInt(10000)).
			Round(0).BigInt().Uint64()

	case types.SizingMirror:
		// Mirror the leader's collateral: notional / leverage.
		collateralUSD = decimal.NewFromUint64(sig.SizeUSD).
			Mul(decimal.NewFromInt(10000)).
			Div(decimal.NewFromUint64(uint64(maxU32(sig.LeverageBps, 1)))).
			Round(0).BigInt().Uint64()
	}

	if cfg.PerTradeCap > 0 && collateralUSD > cfg.PerTradeCap {
		collateralUSD = cfg.PerTradeCap
	}
	return collateralUSD, leverageBps, ""
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
