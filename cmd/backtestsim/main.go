// Package main is the backtestsim CLI entry point: one required
// --config flag naming a JSON settings file, dispatching to Debug,
// Optimize or Visual mode per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/config"
	"github.com/avolkov/backtestsim/internal/genetic"
	"github.com/avolkov/backtestsim/internal/gridsearch"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/kernel"
	"github.com/avolkov/backtestsim/internal/logging"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/monitor"
	"github.com/avolkov/backtestsim/internal/optimize"
	"github.com/avolkov/backtestsim/internal/paramspace"
	"github.com/avolkov/backtestsim/internal/portfolio"
	"github.com/avolkov/backtestsim/internal/possizer"
	"github.com/avolkov/backtestsim/internal/result"
	"github.com/avolkov/backtestsim/internal/strategy"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON settings file (required)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "backtestsim: --config is required")
		os.Exit(1)
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backtestsim: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger, *configPath); err != nil {
		logger.Error("backtestsim: fatal error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	metadata, err := instrument.LoadMetadata(settings.Common.InstrumentsInfoPath)
	if err != nil {
		return err
	}
	commissionPlans, err := instrument.LoadCommissionPlans(settings.Common.CommissionPlansPath)
	if err != nil {
		return err
	}

	strategies := strategy.Default()
	sizers := possizer.Default()

	var dashboard *monitor.Server
	if settings.Common.Mode == config.ModeVisual {
		dashboard = monitor.New(logger, ":8090")
		go func() {
			if err := dashboard.Start(); err != nil {
				logger.Warn("monitor: dashboard stopped", zap.Error(err))
			}
		}()
	}

	for strategyID, strat := range settings.Portfolio {
		instruments, err := resolveInstruments(metadata, strat.SymbolBase, strat.Symbols)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", strategyID, err)
		}

		switch settings.Common.Mode {
		case config.ModeDebug:
			if err := runDebug(ctx, logger, settings, strat, strategies, instruments, commissionPlans); err != nil {
				return fmt.Errorf("strategy %s: %w", strategyID, err)
			}
		case config.ModeOptimize, config.ModeVisual:
			if err := runOptimize(ctx, logger, settings, strat, strategies, sizers, instruments, commissionPlans, dashboard); err != nil {
				return fmt.Errorf("strategy %s: %w", strategyID, err)
			}
		}
	}

	return nil
}

func resolveInstruments(metadata instrument.Metadata, base string, symbols []string) (map[string]instrument.Instrument, error) {
	contracts, ok := metadata[base]
	if !ok {
		return nil, fmt.Errorf("no instrument metadata for base %q", base)
	}
	out := make(map[string]instrument.Instrument, len(symbols))
	for _, symbol := range symbols {
		inst, ok := contracts[symbol]
		if !ok {
			return nil, fmt.Errorf("no instrument metadata for symbol %q under base %q", symbol, base)
		}
		out[symbol] = inst
	}
	return out, nil
}

func runDebug(
	ctx context.Context,
	logger *zap.Logger,
	settings *config.Settings,
	strat config.StrategySettings,
	strategies strategy.Registry,
	instruments map[string]instrument.Instrument,
	commissionPlans instrument.CommissionPlans,
) error {
	data, err := marketdata.NewCSVStore(logger, strat.Data.Directory, strat.Symbols)
	if err != nil {
		return err
	}

	strategyParams := centerOfRanges(strat.StrategyParamRanges)
	strategyImpl, err := strategies.Resolve(strat.StrategyName, strategyParams)
	if err != nil {
		return err
	}

	slippage := centerOfValueList(strat.Slippage)
	kernelSettings := kernel.Settings{
		Slippage:       decimal.NewFromFloat(slippage),
		CommissionPlan: strat.SymbolBase,
		Portfolio: portfolio.Settings{
			InitialCapital:    decimal.NewFromFloat(settings.Common.InitialCapital * strat.StrategyWeight),
			MinMarginFraction: decimal.NewFromFloat(strat.MarginParams.MinMargin),
			MetricsMode:       strat.MetricsMode(),
		},
	}

	metricsResult, equitySeries, err := kernel.Run(ctx, logger, kernelSettings, instruments, commissionPlans, data, strategyImpl, nil)
	if err != nil {
		return err
	}

	logger.Info("debug backtest complete",
		zap.Float64("total_return_pct", metricsResult.TotalReturnPct),
		zap.Float64("apr", metricsResult.APR),
		zap.Int("deals", metricsResult.DealsCount),
	)

	if strat.ExitResultsPath != "" {
		if err := os.MkdirAll(strat.ExitResultsPath, 0o755); err != nil {
			return err
		}
		if err := result.WriteEquitySeries(strat.ExitResultsPath, equitySeries); err != nil {
			return err
		}
	}
	return nil
}

func runOptimize(
	ctx context.Context,
	logger *zap.Logger,
	settings *config.Settings,
	strat config.StrategySettings,
	strategies strategy.Registry,
	sizers possizer.Registry,
	instruments map[string]instrument.Instrument,
	commissionPlans instrument.CommissionPlans,
	dashboard *monitor.Server,
) error {
	cfg := optimize.Config{
		StrategyID: strat.StrategyName,
		StrategyFactory: func(params map[string]float64) (strategy.Strategy, error) {
			return strategies.Resolve(strat.StrategyName, params)
		},
		Instruments:     instruments,
		CommissionPlans: commissionPlans,
		CommissionPlan:  strat.SymbolBase,
		NewDataHandler: func() (marketdata.Handler, error) {
			return marketdata.NewCSVStore(logger, strat.Data.Directory, strat.Symbols)
		},
		Portfolio: portfolio.Settings{
			InitialCapital:    decimal.NewFromFloat(settings.Common.InitialCapital * strat.StrategyWeight),
			MinMarginFraction: decimal.NewFromFloat(strat.MarginParams.MinMargin),
			MetricsMode:       strat.MetricsMode(),
		},
		Sizers:  sizers,
		Threads: strat.Threads,
		// Grid Search ranks candidates by total_return_pct/max when no
		// ga_params (and thus no fitness_metric) is present; Genetic
		// mode always overrides this from ga_params below.
		FitnessMetric: optimize.FitnessMetric{Single: "total_return_pct"},
		FitnessDir:    optimize.Max,
	}
	if strat.GAParams != nil {
		cfg.FitnessMetric = parseFitnessMetric(strat.GAParams.FitnessMetric)
		cfg.FitnessDir = optimize.Direction(strat.GAParams.FitnessDirection)
	}

	progress := make(chan gridsearch.Progress, 16)
	if dashboard != nil {
		go func() {
			for p := range progress {
				dashboard.ReportProgress(p.Completed, p.Total)
			}
		}()
	} else {
		go func() {
			for range progress {
			}
		}()
	}

	if strat.OptimizerType == config.OptimizerGenetic {
		gaCfg := genetic.Config{
			PopulationSize: strat.GAParams.PopulationSize,
			Generations:    strat.GAParams.MaxGenerations,
			EliteCount:     1,
			MutationRate:   strat.GAParams.PMutation,
			CrossoverRate:  strat.GAParams.PCrossover,
			TournamentSize: 2,
		}
		axes := genetic.Axes{
			StrategyAxes: toAxes(strat.StrategyParamRanges),
			PosSizerName: strat.PosSizerName,
			PosSizerAxis: toAxis("pos_sizer_value", strat.PosSizerValueRange),
			SizerExtra:   toAxes(strat.PosSizerExtraRanges),
			SlippageAxis: toAxis("slippage", strat.Slippage),
		}

		best, err := optimize.RunGeneticSearch(ctx, logger, cfg, gaCfg, axes, progress)
		close(progress)
		if err != nil {
			return err
		}
		logger.Info("genetic search complete", zap.Float64("best_score", best.Score))

		if strat.ExitResultsPath != "" {
			if err := os.MkdirAll(strat.ExitResultsPath, 0o755); err != nil {
				return err
			}
			row := result.CandidateRow{Result: best}
			if err := result.WriteOptimizationResults(strat.ExitResultsPath, []result.CandidateRow{row}, result.DefaultMetricOrder()); err != nil {
				return err
			}
		}
		return nil
	}

	combinations := paramspace.GenerateCombinations(paramspace.OptimizationConfig{
		StrategyAxes:  toAxes(strat.StrategyParamRanges),
		PosSizerName:  strat.PosSizerName,
		PosSizerAxis:  toAxis("pos_sizer_value", strat.PosSizerValueRange),
		PosSizerExtra: toAxes(strat.PosSizerExtraRanges),
		SlippageAxis:  toAxis("slippage", strat.Slippage),
	})

	results, err := optimize.RunGridSearch(ctx, logger, cfg, combinations, progress)
	close(progress)
	if err != nil {
		return err
	}

	if strat.ExitResultsPath != "" {
		if err := os.MkdirAll(strat.ExitResultsPath, 0o755); err != nil {
			return err
		}
		rows := make([]result.CandidateRow, len(results))
		for i, r := range results {
			rows[i] = result.CandidateRow{Result: r}
		}
		if err := result.WriteOptimizationResults(strat.ExitResultsPath, rows, result.DefaultMetricOrder()); err != nil {
			return err
		}
	}

	best, ok := gridsearch.Best(results)
	if ok {
		logger.Info("grid search complete", zap.Float64("best_score", best.Score), zap.Int("combinations", len(results)))
	}
	return nil
}

// parseFitnessMetric turns ga_params.fitness_metric into a FitnessMetric:
// a comma-separated list names a Composite, a single name is a Single metric.
func parseFitnessMetric(raw string) optimize.FitnessMetric {
	names := strings.Split(raw, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	if len(names) > 1 {
		return optimize.FitnessMetric{Composite: names}
	}
	return optimize.FitnessMetric{Single: names[0]}
}

func centerOfRanges(ranges map[string]config.ValueList) map[string]float64 {
	out := make(map[string]float64, len(ranges))
	for name, vl := range ranges {
		out[name] = centerOfValueList(vl)
	}
	return out
}

func centerOfValueList(vl config.ValueList) float64 {
	if len(vl.Discrete) > 0 {
		return vl.Discrete[len(vl.Discrete)/2]
	}
	if vl.Range != nil {
		return (vl.Range.Start + vl.Range.End) / 2
	}
	return 0
}

func toAxes(ranges map[string]config.ValueList) []paramspace.Axis {
	out := make([]paramspace.Axis, 0, len(ranges))
	for name, vl := range ranges {
		out = append(out, toAxis(name, vl))
	}
	return out
}

func toAxis(name string, vl config.ValueList) paramspace.Axis {
	if len(vl.Discrete) > 0 {
		return paramspace.Axis{Name: name, Values: vl.Discrete}
	}
	if vl.Range != nil {
		return paramspace.Axis{Name: name, From: vl.Range.Start, To: vl.Range.End, Step: vl.Range.Step}
	}
	return paramspace.Axis{Name: name, Values: []float64{0}}
}
