// Package optimize implements the optimization driver (C11): it wires
// a fresh kernel run per candidate into C9 (gridsearch) or C10
// (genetic), and turns a metrics.Result into a scalar fitness per
// spec.md §4.10.1.
package optimize

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/genetic"
	"github.com/avolkov/backtestsim/internal/gridsearch"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/kernel"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/paramspace"
	"github.com/avolkov/backtestsim/internal/portfolio"
	"github.com/avolkov/backtestsim/internal/possizer"
	"github.com/avolkov/backtestsim/internal/strategy"
)

// Direction is the optimization sense.
type Direction string

const (
	Max Direction = "max"
	Min Direction = "min"
)

// FitnessMetric names either a single metrics.Result field or an
// equal-weighted composite of several.
type FitnessMetric struct {
	Single    string   // e.g. "apr", "max_drawdown_pct"; empty when Composite is set
	Composite []string // equal-weighted average when len > 0
}

// Config bundles everything the driver needs to turn one ParameterSet
// into a kernel.Settings and run it to completion.
type Config struct {
	StrategyID      string
	StrategyFactory func(params map[string]float64) (strategy.Strategy, error)
	Instruments     map[string]instrument.Instrument
	CommissionPlans instrument.CommissionPlans
	CommissionPlan  string
	NewDataHandler  func() (marketdata.Handler, error) // fresh, rewound handler per candidate
	Portfolio       portfolio.Settings
	Sizers          possizer.Registry
	Threads         int
	FitnessMetric   FitnessMetric
	FitnessDir      Direction
}

func (c Config) threads() int {
	if c.Threads > 0 {
		return c.Threads
	}
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// RunGridSearch implements run_grid_search(combinations): a data-parallel
// map of a single-shot backtest per combination, returning one
// OptimizationResult per combination (spec.md §4.10).
func RunGridSearch(
	ctx context.Context,
	logger *zap.Logger,
	cfg Config,
	combinations []paramspace.ParameterSet,
	progress chan<- gridsearch.Progress,
) ([]gridsearch.Result, error) {
	if cfg.StrategyFactory == nil {
		return nil, fmt.Errorf("optimize: StrategyFactory is required")
	}

	fitness := func(ctx context.Context, ps paramspace.ParameterSet) (metrics.Result, float64, error) {
		result, err := runOne(ctx, logger, cfg, ps)
		if err != nil {
			return metrics.Result{}, 0, err
		}
		score, err := Score(result, cfg.FitnessMetric, cfg.FitnessDir)
		return result, score, err
	}

	return gridsearch.Run(ctx, logger, fitness, combinations, cfg.threads(), progress), nil
}

// RunGeneticSearch implements run_genetic_search(ga_params): identical
// wiring to RunGridSearch, routed through the GA's population/cache
// instead of an exhaustive sweep.
func RunGeneticSearch(
	ctx context.Context,
	logger *zap.Logger,
	cfg Config,
	gaCfg genetic.Config,
	axes genetic.Axes,
	progress chan<- gridsearch.Progress,
) (gridsearch.Result, error) {
	if cfg.StrategyFactory == nil {
		return gridsearch.Result{}, fmt.Errorf("optimize: StrategyFactory is required")
	}

	fitness := func(ctx context.Context, ps paramspace.ParameterSet) (metrics.Result, float64, error) {
		result, err := runOne(ctx, logger, cfg, ps)
		if err != nil {
			return metrics.Result{}, 0, err
		}
		score, err := Score(result, cfg.FitnessMetric, cfg.FitnessDir)
		return result, score, err
	}

	cache := genetic.NewCache()
	return genetic.Run(ctx, logger, gaCfg, axes, fitness, cache, progress)
}

// runOne materializes a settings object for one candidate and invokes
// the single-shot backtest procedure of spec.md §4.5.
func runOne(ctx context.Context, logger *zap.Logger, cfg Config, ps paramspace.ParameterSet) (metrics.Result, error) {
	data, err := cfg.NewDataHandler()
	if err != nil {
		return metrics.Result{}, fmt.Errorf("optimize: building data handler: %w", err)
	}

	strat, err := cfg.StrategyFactory(ps.StrategyParams)
	if err != nil {
		return metrics.Result{}, fmt.Errorf("optimize: building strategy: %w", err)
	}

	portfolioSettings := cfg.Portfolio
	portfolioSettings.Sizers = cfg.Sizers
	portfolioSettings.PosSizerName = possizer.Name(ps.PosSizerName)
	portfolioSettings.PosSizerValue = ps.PosSizerValue
	portfolioSettings.PosSizerExtra = ps.PosSizerExtra

	settings := kernel.Settings{
		Slippage:       decimalFromFloat(ps.Slippage),
		CommissionPlan: cfg.CommissionPlan,
		Portfolio:      portfolioSettings,
	}

	result, _, err := kernel.Run(ctx, logger, settings, cfg.Instruments, cfg.CommissionPlans, data, strat, nil)
	return result, err
}

// Score maps a metrics.Result to a scalar fitness per spec.md §4.10.1.
func Score(result metrics.Result, fm FitnessMetric, dir Direction) (float64, error) {
	var scalar float64
	var err error

	if len(fm.Composite) > 0 {
		scalar, err = composite(result, fm.Composite)
	} else {
		scalar, err = field(result, fm.Single)
	}
	if err != nil {
		return 0, err
	}

	if dir == Min {
		return -scalar, nil
	}
	return scalar, nil
}

func composite(result metrics.Result, names []string) (float64, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	sum := 0.0
	for _, name := range sorted {
		v, err := field(result, name)
		if err != nil {
			return 0, err
		}
		if name == "max_drawdown_pct" || name == "deals_count" {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(sorted)), nil
}

func field(result metrics.Result, name string) (float64, error) {
	switch name {
	case "total_return":
		return result.TotalReturn, nil
	case "total_return_pct":
		return result.TotalReturnPct, nil
	case "apr":
		return result.APR, nil
	case "max_drawdown_pct":
		return result.MaxDrawdownPct, nil // already negative
	case "apr_to_dd_ratio":
		return result.APRToDDRatio, nil
	case "recovery_factor":
		return result.RecoveryFactor, nil
	case "deals_count":
		return float64(result.DealsCount), nil
	default:
		return 0, fmt.Errorf("optimize: unknown fitness metric %q", name)
	}
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
