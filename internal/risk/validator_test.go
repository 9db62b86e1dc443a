package risk

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/shared"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSizeUSD: 100_000, // $100k
		MaxAccountRiskPct:  0.10,
		MaxLeverage:        50,
		LiquidationBuffer:  0.05,
		MaxDailyLossPct:    0.20,
		HourlyNotionalCap:  50_000,
		MaxOpensPerMinute:  100,
		MaxTradesPerDay:    1000,
		PriceMaxAge:        5 * time.Second,
		PriceDivergencePct: 0.005,
	}
}

type fakeEquity struct {
	equity uint64
	known  bool
}

func (f fakeEquity) Equity(context.Context, int64) (uint64, bool, error) {
	return f.equity, f.known, nil
}

type fakePrices struct {
	price  uint64 // 0 means the default mark
	reason types.ReasonCode
}

func (f fakePrices) Mark(context.Context, uint16) (uint64, types.ReasonCode, error) {
	if f.price != 0 {
		return f.price, f.reason, nil
	}
	return 50000_00000000, f.reason, nil
}

func newTestValidator(cfg config.RiskConfig, equity fakeEquity, prices fakePrices) *Validator {
	return New(cfg, shared.New(nil), equity, prices, testLogger())
}

func intent(collateralUSD uint64, leverageBps uint32) types.CopyIntent {
	return types.CopyIntent{
		IntentID:      "01INTENT",
		UserID:        42,
		SourceFillID:  "0xaaa:0",
		Trader:        common.HexToAddress("0x1"),
		PairID:        1,
		IsLong:        true,
		Side:          types.FillOpen,
		CollateralUSD: collateralUSD,
		LeverageBps:   leverageBps,
	}
}

func TestValidatePasses(t *testing.T) {
	t.Parallel()
	v := newTestValidator(testRiskConfig(), fakeEquity{equity: 10_000_000000, known: true}, fakePrices{})

	reason, err := v.Validate(context.Background(), intent(500_000000, 50000), types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != "" {
		t.Errorf("clean intent rejected: %s", reason)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     types.CopyIntent
		follow types.FollowConfig
		equity fakeEquity
		prices fakePrices
		want   types.ReasonCode
	}{
		{
			name:   "position too large",
			in:     intent(150_000_000000, 10000), // $150k collateral > $100k cap
			equity: fakeEquity{equity: 10_000_000_000000, known: true},
			want:   types.ReasonMaxPosition,
		},
		{
			name:   "per trade cap",
			in:     intent(2_000_000000, 20000),
			follow: types.FollowConfig{PerTradeCap: 1_000_000000},
			equity: fakeEquity{equity: 1_000_000_000000, known: true},
			want:   types.ReasonMaxPosition,
		},
		{
			name:   "platform leverage",
			in:     intent(100_000000, 600000), // 60x > 50x
			equity: fakeEquity{equity: 10_000_000000, known: true},
			want:   types.ReasonMaxLeverage,
		},
		{
			name:   "follow leverage",
			in:     intent(100_000000, 100000), // 10x
			follow: types.FollowConfig{MaxLeverage: 5},
			equity: fakeEquity{equity: 10_000_000000, known: true},
			want:   types.ReasonMaxLeverage,
		},
		{
			name:   "liquidation buffer",
			in:     intent(100_000000, 400000), // 40x: liq distance 2.25% < 5%
			equity: fakeEquity{equity: 10_000_000000, known: true},
			want:   types.ReasonLiqBuffer,
		},
		{
			name:   "unknown equity",
			in:     intent(100_000000, 20000),
			equity: fakeEquity{known: false},
			want:   types.ReasonNoEquity,
		},
		{
			name:   "account pct",
			in:     intent(500_000000, 20000), // $500 > 10% of $1000
			equity: fakeEquity{equity: 1_000_000000, known: true},
			want:   types.ReasonAccountPct,
		},
		{
			name:   "stale price",
			in:     intent(100_000000, 20000),
			equity: fakeEquity{equity: 10_000_000000, known: true},
			prices: fakePrices{reason: types.ReasonStalePrice},
			want:   types.ReasonStalePrice,
		},
		{
			name:   "price outlier",
			in:     intent(100_000000, 20000),
			equity: fakeEquity{equity: 10_000_000000, known: true},
			prices: fakePrices{reason: types.ReasonPriceOutlier},
			want:   types.ReasonPriceOutlier,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := newTestValidator(testRiskConfig(), tc.equity, tc.prices)
			reason, err := v.Validate(context.Background(), tc.in, tc.follow)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if reason != tc.want {
				t.Errorf("reason = %q, want %q", reason, tc.want)
			}
		})
	}
}

func TestDailyLossCap(t *testing.T) {
	t.Parallel()
	v := newTestValidator(testRiskConfig(), fakeEquity{equity: 1_000_000000, known: true}, fakePrices{})

	// Loss of $250 against $1000 equity exceeds the 20% cap.
	v.RecordLoss(42, 250_000000)
	reason, err := v.Validate(context.Background(), intent(50_000000, 20000), types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != types.ReasonDailyLossCap {
		t.Errorf("reason = %q, want DAILY_LOSS_CAP", reason)
	}

	// A different user is unaffected.
	other := intent(50_000000, 20000)
	other.UserID = 43
	reason, _ = v.Validate(context.Background(), other, types.FollowConfig{})
	if reason != "" {
		t.Errorf("other user rejected: %s", reason)
	}
}

func TestHourlyNotionalCap(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.HourlyNotionalCap = 1000 // $1000/hour
	v := newTestValidator(cfg, fakeEquity{equity: 100_000_000000, known: true}, fakePrices{})

	// $400 notional per intent at 1x; two reserve $800, the third would
	// cross $1000.
	for i := 0; i < 2; i++ {
		reason, err := v.Validate(context.Background(), intent(400_000000, 10000), types.FollowConfig{})
		if err != nil || reason != "" {
			t.Fatalf("attempt %d: reason=%q err=%v", i, reason, err)
		}
	}
	reason, _ := v.Validate(context.Background(), intent(400_000000, 10000), types.FollowConfig{})
	if reason != types.ReasonHourlyCap {
		t.Errorf("reason = %q, want HOURLY_NOTIONAL_CAP", reason)
	}
}

func TestMaxPositionComparesCollateral(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.HourlyNotionalCap = 0
	v := newTestValidator(cfg, fakeEquity{equity: 1_000_000_000000, known: true}, fakePrices{})

	// $20k collateral at 10x is $200k notional. The size limit applies to
	// collateral, so this clears the $100k cap.
	reason, err := v.Validate(context.Background(), intent(20_000_000000, 100000), types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != "" {
		t.Errorf("collateral within cap rejected: %s", reason)
	}
}

func TestLiqBufferUsesMarkPrice(t *testing.T) {
	t.Parallel()

	// 10x long: liquidation sits 9% below entry. With the mark already 5%
	// under the leader's entry, only ~4.2% of room is left — inside the 5%
	// buffer.
	in := intent(100_000000, 100000)
	in.Price = 100_00000000

	v := newTestValidator(testRiskConfig(), fakeEquity{equity: 10_000_000000, known: true},
		fakePrices{price: 95_00000000})
	reason, err := v.Validate(context.Background(), in, types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != types.ReasonLiqBuffer {
		t.Errorf("reason = %q, want LIQ_BUFFER", reason)
	}

	// Mark at entry: the full 9% margin distance remains, comfortably
	// outside the buffer.
	v = newTestValidator(testRiskConfig(), fakeEquity{equity: 10_000_000000, known: true},
		fakePrices{price: 100_00000000})
	reason, err = v.Validate(context.Background(), in, types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != "" {
		t.Errorf("healthy position rejected: %s", reason)
	}
}

func TestFollowDailyCap(t *testing.T) {
	t.Parallel()
	v := newTestValidator(testRiskConfig(), fakeEquity{equity: 100_000_000000, known: true}, fakePrices{})
	follow := types.FollowConfig{
		Trader:   common.HexToAddress("0x1ead"),
		DailyCap: 1_000_000000, // $1000/day for this leader
	}

	for i := 0; i < 2; i++ {
		reason, err := v.Validate(context.Background(), intent(400_000000, 10000), follow)
		if err != nil || reason != "" {
			t.Fatalf("attempt %d: reason=%q err=%v", i, reason, err)
		}
	}
	reason, _ := v.Validate(context.Background(), intent(400_000000, 10000), follow)
	if reason != types.ReasonFollowCap {
		t.Errorf("reason = %q, want FOLLOW_DAILY_CAP", reason)
	}

	// A different leader has its own budget.
	other := types.FollowConfig{Trader: common.HexToAddress("0x2ead"), DailyCap: 1_000_000000}
	if reason, _ := v.Validate(context.Background(), intent(400_000000, 10000), other); reason != "" {
		t.Errorf("other leader rejected: %s", reason)
	}
}

func TestRejectedIntentHoldsNoBudget(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.HourlyNotionalCap = 1000
	sh := shared.New(nil)
	equity := fakeEquity{equity: 100_000_000000, known: true}
	rejecting := New(cfg, sh, equity, fakePrices{reason: types.ReasonStalePrice}, testLogger())
	accepting := New(cfg, sh, equity, fakePrices{}, testLogger())

	// A $900 intent that dies on the price check must not consume the
	// hourly budget.
	reason, err := rejecting.Validate(context.Background(), intent(900_000000, 10000), types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != types.ReasonStalePrice {
		t.Fatalf("reason = %q, want STALE_PRICE", reason)
	}

	reason, err = accepting.Validate(context.Background(), intent(900_000000, 10000), types.FollowConfig{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != "" {
		t.Errorf("budget leaked by rejected intent: %s", reason)
	}
}

func TestRateLimitOpens(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxOpensPerMinute = 2
	v := newTestValidator(cfg, fakeEquity{equity: 100_000_000000, known: true}, fakePrices{})

	for i := 0; i < 2; i++ {
		if reason, _ := v.Validate(context.Background(), intent(10_000000, 20000), types.FollowConfig{}); reason != "" {
			t.Fatalf("open %d refused: %s", i, reason)
		}
	}
	if reason, _ := v.Validate(context.Background(), intent(10_000000, 20000), types.FollowConfig{}); reason != types.ReasonRateLimited {
		t.Errorf("reason = %q, want RATE_LIMITED", reason)
	}
}

func TestStoreEquityRoundTrip(t *testing.T) {
	t.Parallel()
	e := NewStoreEquity(shared.New(nil))

	if _, known, _ := e.Equity(context.Background(), 7); known {
		t.Fatal("unknown user reported known")
	}
	if err := e.SetEquity(7, 1234_000000); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, known, err := e.Equity(context.Background(), 7)
	if err != nil || !known || got != 1234_000000 {
		t.Errorf("equity = %d known=%v err=%v", got, known, err)
	}
}
