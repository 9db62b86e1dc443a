// Package leaderboard ranks traders by copyability.
//
// On every refresh the service loads all trader stats, filters for
// eligibility (recent activity, minimum trades and volume over 30 days),
// scores the survivors and atomically replaces the cached snapshot. Reads
// serve the cache; a read older than the TTL triggers an on-demand
// recompute. Scoring is deterministic: identical stats produce identical
// scores.
package leaderboard

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// StatsSource is the slice of the store the leaderboard reads.
type StatsSource interface {
	AllTraderStats() ([]types.TraderStats30d, error)
	FollowerCount(trader common.Address) (int, error)
}

// Service computes and caches the ranking.
type Service struct {
	source StatsSource
	cfg    config.LeaderboardConfig
	logger *slog.Logger

	mu          sync.RWMutex
	snapshot    []types.LeaderboardEntry
	refreshedAt time.Time
}

// New creates a leaderboard service.
func New(source StatsSource, cfg config.LeaderboardConfig, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "leaderboard"),
	}
}

// Run refreshes the snapshot on the configured schedule.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(); err != nil {
			s.logger.Error("leaderboard refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Top returns the first n entries of the cached snapshot, recomputing
// first when the cache is older than the TTL.
func (s *Service) Top(n int) ([]types.LeaderboardEntry, error) {
	s.mu.RLock()
	stale := time.Since(s.refreshedAt) > s.cfg.CacheTTL
	s.mu.RUnlock()
	if stale {
		if err := s.Refresh(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.snapshot) {
		n = len(s.snapshot)
	}
	out := make([]types.LeaderboardEntry, n)
	copy(out, s.snapshot[:n])
	return out, nil
}

// Refresh recomputes the ranking and atomically replaces the cache.
func (s *Service) Refresh() error {
	stats, err := s.source.AllTraderStats()
	if err != nil {
		return err
	}
	now := time.Now()

	eligible := make([]types.TraderStats30d, 0, len(stats))
	activeCutoff := now.Add(-time.Duration(s.cfg.ActiveHours) * time.Hour).Unix()
	for _, st := range stats {
		if st.LastTradeTS < activeCutoff {
			continue
		}
		if st.TradeCount < s.cfg.MinTrades30d {
			continue
		}
		if st.VolumeUSD < s.cfg.MinVolume30dUSD*1_000_000 {
			continue
		}
		eligible = append(eligible, st)
	}

	entries := Rank(eligible, s.cfg)
	for i := range entries {
		count, err := s.source.FollowerCount(entries[i].Trader)
		if err != nil {
			return err
		}
		entries[i].Followers = count
	}

	s.mu.Lock()
	s.snapshot = entries
	s.refreshedAt = now
	s.mu.Unlock()
	metrics.LeaderboardRefreshes.Inc()
	return nil
}

// Rank scores and orders the eligible stats. Exposed for the scoring
// determinism tests; it has no dependency on the cache.
func Rank(eligible []types.TraderStats30d, cfg config.LeaderboardConfig) []types.LeaderboardEntry {
	n := len(eligible)
	if n == 0 {
		return nil
	}

	volume := make([]float64, n)
	winRate := make([]float64, n)
	sharpe := make([]float64, n)
	drawdown := make([]float64, n)
	levVar := make([]float64, n)
	for i, st := range eligible {
		volume[i] = float64(st.VolumeUSD)
		winRate[i] = st.WinRate
		sharpe[i] = st.SharpeLike
		drawdown[i] = float64(st.MaxDrawdownUSD)
		levVar[i] = st.LeverageVar
	}

	zVolume := zscores(volume)
	zWin := zscores(winRate)
	zSharpe := zscores(sharpe)
	zDD := zscores(drawdown)
	zLev := zscores(levVar)

	entries := make([]types.LeaderboardEntry, n)
	for i, st := range eligible {
		raw := cfg.W1*zVolume[i] + cfg.W2*zWin[i] + cfg.W3*zSharpe[i] -
			cfg.W4*zDD[i] - cfg.W5*zLev[i]
		entries[i] = types.LeaderboardEntry{
			Trader: st.Trader,
			Score:  clamp(100*sigmoid(raw), 0, 100),
			Stats:  st,
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Stats.VolumeUSD != entries[j].Stats.VolumeUSD {
			return entries[i].Stats.VolumeUSD > entries[j].Stats.VolumeUSD
		}
		return entries[i].Trader.Cmp(entries[j].Trader) < 0
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// zscores standardizes values; a degenerate (constant) series maps to all
// zeros so a single-trader board still scores.
func zscores(values []float64) []float64 {
	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	std := math.Sqrt(variance)

	out := make([]float64, len(values))
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
