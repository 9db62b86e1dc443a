package fanout

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

func signal(sizeUSD uint64, leverageBps uint32) types.TraderSignal {
	return types.TraderSignal{
		Trader:       common.HexToAddress("0x1"),
		PairID:       1,
		IsLong:       true,
		Side:         types.FillOpen,
		SizeUSD:      sizeUSD,
		LeverageBps:  leverageBps,
		SourceFillID: "0xaaa:0",
	}
}

func TestSizeFixedNotional(t *testing.T) {
	t.Parallel()
	cfg := types.FollowConfig{Sizing: types.SizingFixedNotional, SizingValue: 250_000000}

	collateral, leverage, reason := sizeIntent(signal(10_000_000000, 100000), cfg, 0, false)
	if reason != "" {
		t.Fatalf("reason = %s", reason)
	}
	if collateral != 250_000000 {
		t.Errorf("collateral = %d, want 250_000000", collateral)
	}
	if leverage != 100000 {
		t.Errorf("leverage = %d, want leader's 100000", leverage)
	}
}

func TestSizePctEquity(t *testing.T) {
	t.Parallel()
	cfg := types.FollowConfig{Sizing: types.SizingPctEquity, SizingValue: 500} // 5%

	collateral, _, reason := sizeIntent(signal(10_000_000000, 50000), cfg, 2_000_000000, true)
	if reason != "" {
		t.Fatalf("reason = %s", reason)
	}
	if collateral != 100_000000 { // 5% of $2000
		t.Errorf("collateral = %d, want 100_000000", collateral)
	}

	// Unknown equity refuses the mode outright.
	_, _, reason = sizeIntent(signal(10_000_000000, 50000), cfg, 0, false)
	if reason != types.ReasonNoEquity {
		t.Errorf("reason = %q, want NO_EQUITY", reason)
	}
}

func TestSizeMirror(t *testing.T) {
	t.Parallel()
	cfg := types.FollowConfig{Sizing: types.SizingMirror}

	// Leader: $5000 notional at 10x → $500 collateral.
	collateral, _, reason := sizeIntent(signal(5_000_000000, 100000), cfg, 0, false)
	if reason != "" {
		t.Fatalf("reason = %s", reason)
	}
	if collateral != 500_000000 {
		t.Errorf("collateral = %d, want 500_000000", collateral)
	}
}

func TestSizeLeverageCappedDownwardOnly(t *testing.T) {
	t.Parallel()
	cfg := types.FollowConfig{Sizing: types.SizingFixedNotional, SizingValue: 100_000000, MaxLeverage: 5}

	// Leader at 20x, follow cap 5x.
	_, leverage, _ := sizeIntent(signal(1_000_000000, 200000), cfg, 0, false)
	if leverage != 50000 {
		t.Errorf("leverage = %d, want capped 50000", leverage)
	}

	// Leader at 2x stays 2x; the cap never raises.
	_, leverage, _ = sizeIntent(signal(1_000_000000, 20000), cfg, 0, false)
	if leverage != 20000 {
		t.Errorf("leverage = %d, want leader's 20000", leverage)
	}
}

func TestSizePerTradeCap(t *testing.T) {
	t.Parallel()
	cfg := types.FollowConfig{
		Sizing:      types.SizingFixedNotional,
		SizingValue: 900_000000,
		PerTradeCap: 400_000000,
	}
	collateral, _, _ := sizeIntent(signal(1_000_000000, 20000), cfg, 0, false)
	if collateral != 400_000000 {
		t.Errorf("collateral = %d, want clamped 400_000000", collateral)
	}
}
