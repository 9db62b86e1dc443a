// Package price serves mark prices from two independent sources and
// cross-checks them before any execution decision: a stale quote or a
// divergence beyond the configured threshold refuses the trade rather than
// executing on a bad price.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/metrics"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

// Quote is one observation from one source.
type Quote struct {
	PairID     uint16
	Price      uint64 // 1e8
	ObservedAt time.Time
	Source     string
}

// Provider fetches the current mark price for a pair.
type Provider interface {
	Name() string
	Price(ctx context.Context, pairID uint16) (Quote, error)
}

// Service caches the latest quote per (source, pair) and answers the
// freshness and divergence checks.
type Service struct {
	primary   Provider
	secondary Provider
	maxAge    time.Duration
	maxDivPct float64
	logger    *slog.Logger

	mu        sync.Mutex
	cache     map[string]Quote // source:pair
	lastOKAt  time.Time
	lastErrAt time.Time
}

// New creates the price service. secondary may be nil; the divergence check
// then degrades to a staleness-only check.
func New(primary, secondary Provider, maxAge time.Duration, maxDivPct float64, logger *slog.Logger) *Service {
	return &Service{
		primary:   primary,
		secondary: secondary,
		maxAge:    maxAge,
		maxDivPct: maxDivPct,
		logger:    logger.With("component", "price"),
		cache:     make(map[string]Quote),
	}
}

// Mark returns the primary mark price for pairID after the safety checks.
// A non-empty reason means the caller must refuse the trade.
func (s *Service) Mark(ctx context.Context, pairID uint16) (uint64, types.ReasonCode, error) {
	prim, err := s.fetch(ctx, s.primary, pairID)
	if err != nil {
		return 0, types.ReasonStalePrice, fmt.Errorf("primary price: %w", err)
	}
	if time.Since(prim.ObservedAt) > s.maxAge {
		return 0, types.ReasonStalePrice, nil
	}

	if s.secondary != nil {
		sec, err := s.fetch(ctx, s.secondary, pairID)
		if err != nil {
			// One source down is a staleness problem, not a divergence one.
			s.logger.Warn("secondary price source failed", "pair", pairID, "error", err)
		} else if diverged(prim.Price, sec.Price, s.maxDivPct) {
			s.logger.Warn("price sources diverged",
				"pair", pairID, "primary", prim.Price, "secondary", sec.Price)
			return 0, types.ReasonPriceOutlier, nil
		}
	}
	return prim.Price, "", nil
}

func (s *Service) fetch(ctx context.Context, p Provider, pairID uint16) (Quote, error) {
	q, err := p.Price(ctx, pairID)
	if err != nil {
		// Serve the cached quote if it is still inside the freshness window.
		// The failure still counts against readiness either way.
		s.mu.Lock()
		s.lastErrAt = time.Now()
		cached, ok := s.cache[cacheKey(p.Name(), pairID)]
		s.mu.Unlock()
		if ok && time.Since(cached.ObservedAt) <= s.maxAge {
			return cached, nil
		}
		return Quote{}, err
	}
	s.mu.Lock()
	s.cache[cacheKey(p.Name(), pairID)] = q
	s.lastOKAt = time.Now()
	s.mu.Unlock()
	metrics.PriceStaleness.WithLabelValues(p.Name()).Set(time.Since(q.ObservedAt).Seconds())
	return q, nil
}

// Healthy reports provider freshness for the readiness endpoint: failing
// once a source has failed more recently than it has succeeded. An idle
// service (no fetches yet) is healthy.
func (s *Service) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastErrAt.IsZero() && s.lastErrAt.After(s.lastOKAt) {
		return fmt.Errorf("price source failing since %s", s.lastErrAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func cacheKey(source string, pairID uint16) string {
	return fmt.Sprintf("%s:%d", source, pairID)
}

// diverged reports whether two prices differ by more than maxPct relative to
// their mean.
func diverged(a, b uint64, maxPct float64) bool {
	if a == 0 || b == 0 {
		return true
	}
	mean := (float64(a) + float64(b)) / 2
	return math.Abs(float64(a)-float64(b))/mean > maxPct
}
