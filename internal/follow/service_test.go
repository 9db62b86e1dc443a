package follow

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "follow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(db, Limits{MaxLeverage: 50, MaxPerTradeUSD: 10_000_000000, MaxSlippageBps: 1000}, logger)
}

func validFollow() types.FollowConfig {
	return types.FollowConfig{
		UserID:      1,
		Trader:      common.HexToAddress("0xabc"),
		Sizing:      types.SizingFixedNotional,
		SizingValue: 100_000000,
		MaxLeverage: 10,
		MaxSlippage: 50,
		AutoCopy:    true,
	}
}

func TestUpsertAndList(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if err := s.Upsert(validFollow()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	follows, err := s.List(1)
	if err != nil || len(follows) != 1 {
		t.Fatalf("list: %v %v", follows, err)
	}
	if err := s.Unfollow(1, common.HexToAddress("0xabc")); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	if follows, _ := s.List(1); len(follows) != 0 {
		t.Errorf("follow survived unfollow")
	}
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	cases := []struct {
		name   string
		mutate func(*types.FollowConfig)
	}{
		{"zero trader", func(c *types.FollowConfig) { c.Trader = common.Address{} }},
		{"bad sizing mode", func(c *types.FollowConfig) { c.Sizing = "GUESS" }},
		{"zero fixed notional", func(c *types.FollowConfig) { c.SizingValue = 0 }},
		{"pct over 100", func(c *types.FollowConfig) {
			c.Sizing = types.SizingPctEquity
			c.SizingValue = 20000
		}},
		{"zero leverage", func(c *types.FollowConfig) { c.MaxLeverage = 0 }},
		{"leverage over platform", func(c *types.FollowConfig) { c.MaxLeverage = 100 }},
		{"slippage over limit", func(c *types.FollowConfig) { c.MaxSlippage = 5000 }},
		{"per trade cap over limit", func(c *types.FollowConfig) { c.PerTradeCap = 100_000_000000 }},
		{"pair in both sets", func(c *types.FollowConfig) {
			c.PairAllow = []uint16{1}
			c.PairBlock = []uint16{1}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validFollow()
			tc.mutate(&cfg)
			if err := s.Upsert(cfg); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestAllowsPairSemantics(t *testing.T) {
	t.Parallel()

	// Empty allow set means all pairs; block always wins.
	cfg := types.FollowConfig{PairBlock: []uint16{5}}
	if !cfg.AllowsPair(1) {
		t.Error("empty allow set must admit any pair")
	}
	if cfg.AllowsPair(5) {
		t.Error("blocked pair admitted")
	}

	cfg = types.FollowConfig{PairAllow: []uint16{1, 2}, PairBlock: []uint16{2}}
	if !cfg.AllowsPair(1) || cfg.AllowsPair(2) || cfg.AllowsPair(3) {
		t.Error("allow/block precedence wrong")
	}
}
