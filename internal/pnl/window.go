package pnl

import (
	"math"
	"sort"
)

const (
	windowDays = 30
	daySeconds = 86400
	epsilon    = 1e-9
)

// dayBucket accumulates one UTC day of a trader's activity. The rolling
// 30-day aggregates are the merge of the surviving buckets, so eviction is
// O(1) per day instead of per fill.
type dayBucket struct {
	day          int64 // unix day number
	trades       int64
	volumeUSD    uint64
	realizedPnL  int64 // 1e6
	winNotional  uint64
	lossNotional uint64
	sizeSamples  []uint64 // trade sizes for the median estimate
	levSum       float64
	levSqSum     float64
	levCount     int64
}

// window is the per-trader rolling state. Not safe for concurrent use; the
// engine is the single writer.
type window struct {
	buckets     map[int64]*dayBucket
	lastTradeTS int64
}

func newWindow() *window {
	return &window{buckets: make(map[int64]*dayBucket)}
}

func (w *window) bucket(ts int64) *dayBucket {
	day := ts / daySeconds
	b, ok := w.buckets[day]
	if !ok {
		b = &dayBucket{day: day}
		w.buckets[day] = b
	}
	return b
}

// observeTrade records one fill (any side) into the volume, count, median
// and leverage aggregates.
func (w *window) observeTrade(ts int64, sizeUSD uint64, leverageBps uint32) {
	if ts > w.lastTradeTS {
		w.lastTradeTS = ts
	}
	b := w.bucket(ts)
	b.trades++
	b.volumeUSD += sizeUSD
	b.sizeSamples = append(b.sizeSamples, sizeUSD)
	lev := float64(leverageBps) / 10000
	b.levSum += lev
	b.levSqSum += lev * lev
	b.levCount++
}

// observeClose records one matched close: realized PnL plus the win/loss
// sample weighted by matched notional.
func (w *window) observeClose(ts int64, matchedUSD uint64, pnlUSD int64) {
	b := w.bucket(ts)
	b.realizedPnL += pnlUSD
	if pnlUSD >= 0 {
		b.winNotional += matchedUSD
	} else {
		b.lossNotional += matchedUSD
	}
}

// evict drops buckets older than the window relative to now.
func (w *window) evict(now int64) {
	cutoff := now/daySeconds - windowDays
	for day := range w.buckets {
		if day < cutoff {
			delete(w.buckets, day)
		}
	}
}

// aggregates is the merged view of the surviving buckets.
type aggregates struct {
	TradeCount     int64
	VolumeUSD      uint64
	RealizedPnLUSD int64
	WinRate        float64
	MedianTradeUSD uint64
	MaxDrawdownUSD uint64
	SharpeLike     float64
	LeverageVar    float64
	LastTradeTS    int64
}

// aggregate merges the buckets into the rolling stats. Max drawdown is the
// peak-to-trough of the cumulative daily realized PnL inside the window;
// sharpe-like divides total PnL by the stddev of daily PnL.
func (w *window) aggregate(now int64) aggregates {
	w.evict(now)

	days := make([]*dayBucket, 0, len(w.buckets))
	for _, b := range w.buckets {
		days = append(days, b)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].day < days[j].day })

	var agg aggregates
	agg.LastTradeTS = w.lastTradeTS

	var samples []uint64
	var winNotional, lossNotional uint64
	var dailyPnL []float64
	var levSum, levSqSum float64
	var levCount int64

	var cum, peak, maxDD int64
	for _, b := range days {
		agg.TradeCount += b.trades
		agg.VolumeUSD += b.volumeUSD
		agg.RealizedPnLUSD += b.realizedPnL
		winNotional += b.winNotional
		lossNotional += b.lossNotional
		samples = append(samples, b.sizeSamples...)
		dailyPnL = append(dailyPnL, float64(b.realizedPnL))
		levSum += b.levSum
		levSqSum += b.levSqSum
		levCount += b.levCount

		cum += b.realizedPnL
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	agg.MaxDrawdownUSD = uint64(maxDD)

	if total := winNotional + lossNotional; total > 0 {
		agg.WinRate = float64(winNotional) / float64(total)
	}

	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		agg.MedianTradeUSD = samples[len(samples)/2]
	}

	if n := len(dailyPnL); n > 0 {
		var mean float64
		for _, v := range dailyPnL {
			mean += v
		}
		mean /= float64(n)
		var variance float64
		for _, v := range dailyPnL {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)
		agg.SharpeLike = float64(agg.RealizedPnLUSD) / (math.Sqrt(variance) + epsilon)
	}

	if levCount > 0 {
		mean := levSum / float64(levCount)
		agg.LeverageVar = levSqSum/float64(levCount) - mean*mean
		if agg.LeverageVar < 0 {
			agg.LeverageVar = 0
		}
	}

	return agg
}
