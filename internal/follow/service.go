// Package follow manages user → leader copy configurations.
//
// It is a thin validation layer over the follow store: writes are
// last-write-wins per (user, leader) and the reverse index (leader →
// followers) is what the fanout consults on every signal.
package follow

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/store"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// Limits bounds what a user may configure, derived from the risk config so a
// follow can never be created that the validator would always reject.
type Limits struct {
	MaxLeverage    uint16
	MaxPerTradeUSD uint64 // 1e6
	MaxSlippageBps uint16
}

// Service validates and persists follow configs.
type Service struct {
	db     *store.DB
	limits Limits
	logger *slog.Logger
}

// New creates a follow service.
func New(db *store.DB, limits Limits, logger *slog.Logger) *Service {
	return &Service{db: db, limits: limits, logger: logger.With("component", "follow")}
}

// Upsert validates and writes a follow config.
func (s *Service) Upsert(cfg types.FollowConfig) error {
	if err := s.validate(cfg); err != nil {
		return err
	}
	if err := s.db.UpsertFollow(cfg); err != nil {
		return err
	}
	s.logger.Info("follow upserted",
		"user", cfg.UserID, "trader", cfg.Trader.Hex(),
		"sizing", cfg.Sizing, "auto_copy", cfg.AutoCopy)
	return nil
}

// Unfollow removes the (user, leader) config.
func (s *Service) Unfollow(userID int64, trader common.Address) error {
	if err := s.db.DeleteFollow(userID, trader); err != nil {
		return err
	}
	s.logger.Info("follow removed", "user", userID, "trader", trader.Hex())
	return nil
}

// Get returns one follow config.
func (s *Service) Get(userID int64, trader common.Address) (types.FollowConfig, bool, error) {
	return s.db.GetFollow(userID, trader)
}

// List returns all of a user's follows.
func (s *Service) List(userID int64) ([]types.FollowConfig, error) {
	return s.db.ListFollowsByUser(userID)
}

func (s *Service) validate(cfg types.FollowConfig) error {
	if cfg.Trader == (common.Address{}) {
		return fmt.Errorf("trader address is required")
	}
	switch cfg.Sizing {
	case types.SizingFixedNotional, types.SizingPctEquity, types.SizingMirror:
	default:
		return fmt.Errorf("unknown sizing mode %q", cfg.Sizing)
	}
	if cfg.Sizing == types.SizingFixedNotional && cfg.SizingValue == 0 {
		return fmt.Errorf("fixed notional sizing requires a nonzero amount")
	}
	if cfg.Sizing == types.SizingPctEquity && (cfg.SizingValue == 0 || cfg.SizingValue > 10000) {
		return fmt.Errorf("pct equity sizing must be in (0, 10000] bps")
	}
	if cfg.MaxLeverage == 0 || cfg.MaxLeverage > s.limits.MaxLeverage {
		return fmt.Errorf("max leverage must be in [1, %d]", s.limits.MaxLeverage)
	}
	if cfg.MaxSlippage > s.limits.MaxSlippageBps {
		return fmt.Errorf("max slippage must be <= %d bps", s.limits.MaxSlippageBps)
	}
	if s.limits.MaxPerTradeUSD > 0 && cfg.PerTradeCap > s.limits.MaxPerTradeUSD {
		return fmt.Errorf("per trade cap exceeds the platform limit")
	}
	for _, p := range cfg.PairAllow {
		for _, b := range cfg.PairBlock {
			if p == b {
				return fmt.Errorf("pair %d is in both allow and block sets", p)
			}
		}
	}
	return nil
}
