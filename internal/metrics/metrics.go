// Package metrics implements the performance engine (C3): offline
// (recompute-from-scratch) and incremental (running) modes that share
// one scalar recipe and must agree to 1e-9 relative tolerance.
package metrics

import (
	"math"
	"time"
)

// Mode selects whether the portfolio drives the engine incrementally
// (one update per bar) or hands it the full equity series once at the
// end of the backtest.
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeRealTime Mode = "realtime"
)

// Result is the spec's PerformanceMetrics: {total_return,
// total_return_pct, apr, max_drawdown_pct, apr_to_dd_ratio,
// recovery_factor, deals_count}.
type Result struct {
	TotalReturn     float64
	TotalReturnPct  float64
	APR             float64
	MaxDrawdownPct  float64 // always <= 0
	APRToDDRatio    float64
	RecoveryFactor  float64
	DealsCount      int
}

// Calculator accumulates an equity series and computes Result, either
// incrementally (Update, one call per bar) or offline (Final, one call
// over the whole series).
type Calculator struct {
	initialCapital float64
	mode           Mode

	series []float64 // capital_t, series[0] == initialCapital
	peak   float64
	maxDD  float64 // non-increasing: invariant 5
	deals  int
	tStart time.Time
	tEnd   time.Time
}

// New initializes a Calculator with equity = [initialCapital], peak =
// initialCapital, max_dd = 0.
func New(initialCapital float64, mode Mode) *Calculator {
	return &Calculator{
		initialCapital: initialCapital,
		mode:           mode,
		series:         []float64{initialCapital},
		peak:           initialCapital,
	}
}

// Update appends capitalT to the running series and recomputes
// scalars incrementally. Intended for ModeRealTime.
func (c *Calculator) Update(capitalT float64, tStart, tEnd time.Time, deals int) Result {
	c.series = append(c.series, capitalT)
	if capitalT > c.peak {
		c.peak = capitalT
	}
	ddT := capitalT/c.peak - 1
	if ddT < c.maxDD {
		c.maxDD = ddT // invariant 5: max_dd is non-increasing
	}
	c.deals = deals
	c.tStart, c.tEnd = tStart, tEnd
	return c.scalars(c.series[len(c.series)-1], c.maxDD, tStart, tEnd, deals)
}

// Final recomputes the full series from scratch (ModeOffline).
func (c *Calculator) Final(series []float64, tStart, tEnd time.Time, deals int) Result {
	if len(series) == 0 {
		series = []float64{c.initialCapital}
	}

	returns := batchedReturns(series)

	// Rebuild cumulative equity from returns (spec.md §4.6 step 2).
	cum := make([]float64, len(series))
	cum[0] = c.initialCapital
	for i := 1; i < len(series); i++ {
		cum[i] = cum[i-1] * (1 + returns[i-1])
	}

	maxDD := batchedMaxDrawdown(series)

	last := series[len(series)-1]
	return c.scalars(last, maxDD, tStart, tEnd, deals)
}

// batchedReturns computes returns[i] = series[i]/series[i-1] - 1 for
// i >= 1, in batches of 4 lanes with a scalar tail, per spec.md §4.6.
func batchedReturns(series []float64) []float64 {
	n := len(series) - 1
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	i := 0
	for ; i+4 <= n; i += 4 {
		out[i] = series[i+1]/series[i] - 1
		out[i+1] = series[i+2]/series[i+1] - 1
		out[i+2] = series[i+3]/series[i+2] - 1
		out[i+3] = series[i+4]/series[i+3] - 1
	}
	for ; i < n; i++ {
		out[i] = series[i+1]/series[i] - 1
	}
	return out
}

// batchedMaxDrawdown computes the running max drawdown over series in
// a single pass, SIMD-batch-of-4 style with a scalar running peak
// carried across lanes; each lane computes value/peak - 1 and the min
// is accumulated, per spec.md §4.6.
func batchedMaxDrawdown(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	peak := series[0]
	maxDD := 0.0
	n := len(series)
	i := 0
	for ; i+4 <= n; i += 4 {
		for lane := 0; lane < 4; lane++ {
			v := series[i+lane]
			if v > peak {
				peak = v
			}
			dd := v/peak - 1
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	for ; i < n; i++ {
		v := series[i]
		if v > peak {
			peak = v
		}
		dd := v/peak - 1
		if dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// scalars is the recipe shared by Update and Final (spec.md §4.6).
func (c *Calculator) scalars(lastEquity, maxDD float64, tStart, tEnd time.Time, deals int) Result {
	days := tEnd.Sub(tStart).Hours() / 24
	years := math.Max(days/365, 1e-8)

	totalReturn := lastEquity - c.initialCapital
	var totalReturnPct float64
	if c.initialCapital != 0 {
		totalReturnPct = lastEquity/c.initialCapital - 1
	}

	apr := math.Pow(1+totalReturnPct, 1/years) - 1

	var aprToDD float64
	if math.Abs(maxDD) >= 1e-8 {
		aprToDD = math.Abs(apr) / math.Abs(maxDD)
	}

	recoveryFactor := math.Abs(totalReturnPct) / math.Max(math.Abs(maxDD), 1e-8)

	return Result{
		TotalReturn:    totalReturn,
		TotalReturnPct: totalReturnPct,
		APR:            apr,
		MaxDrawdownPct: maxDD,
		APRToDDRatio:   aprToDD,
		RecoveryFactor: recoveryFactor,
		DealsCount:     deals,
	}
}
