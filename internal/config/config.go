// Package config loads and validates the JSON settings file (spec.md
// §6): common settings, per-strategy portfolio configuration, ranges
// for slippage/strategy-params/pos-sizer knobs, and the optimizer
// selection. Settings parsing rejects unknown fields, matching the
// strict instrument/commission loaders in internal/instrument.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/avolkov/backtestsim/internal/metrics"
)

// Mode selects the run mode: Debug runs one backtest and writes an
// equity series, Optimize runs a sweep and writes optimization
// results, Visual additionally serves the live dashboard.
type Mode string

const (
	ModeDebug    Mode = "Debug"
	ModeOptimize Mode = "Optimize"
	ModeVisual   Mode = "Visual"
)

// OptimizerType selects Grid Search or Genetic Algorithm.
type OptimizerType string

const (
	OptimizerGridSearch OptimizerType = "GridSearch"
	OptimizerGenetic     OptimizerType = "Genetic"
)

// MarginCallType selects the maintenance-margin policy.
type MarginCallType string

const (
	MarginCallNone MarginCallType = "none"
	MarginCallExit MarginCallType = "exit_all"
)

// Range is an inclusive [Start, End] stepped by Step, used for
// slippage and strategy-parameter ranges.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Step  float64 `json:"step"`
}

// ValueList is a JSON field that accepts either a discrete value list
// or a {start,end,step} range object.
type ValueList struct {
	Discrete []float64
	Range    *Range
}

// UnmarshalJSON accepts either `[1,2,3]` or `{"start":..,"end":..,"step":..}`.
func (v *ValueList) UnmarshalJSON(data []byte) error {
	var discrete []float64
	if err := json.Unmarshal(data, &discrete); err == nil {
		v.Discrete = discrete
		return nil
	}
	var r Range
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("config: value must be a list or {start,end,step} object: %w", err)
	}
	v.Range = &r
	return nil
}

// GAParams configures the genetic algorithm optimizer.
type GAParams struct {
	PopulationSize  int     `json:"population_size"`
	MaxGenerations  int     `json:"max_generations"`
	PCrossover      float64 `json:"p_crossover"`
	PMutation       float64 `json:"p_mutation"`
	FitnessMetric   string  `json:"fitness_metric"`
	FitnessDirection string `json:"fitness_direction"`
}

// MarginParams is the StrategySettings.margin_params object.
type MarginParams struct {
	MinMargin      float64        `json:"min_margin"`
	MarginCallType MarginCallType `json:"margin_call_type"`
}

// RealtimeMetricsParams is the StrategySettings metrics-mode object
// when portfolio_metrics_mode == "realtime".
type RealtimeMetricsParams struct {
	ModifiedKellyCriterion bool `json:"modified_kelly_creterion"`
}

// DataSettings names the timeframe and source directory for one
// strategy's market data.
type DataSettings struct {
	Timeframe string `json:"timeframe"`
	Directory string `json:"directory"`
}

// StrategySettings is one entry of the settings file's `portfolio` map.
type StrategySettings struct {
	Threads             int                    `json:"threads"`
	StrategyName         string                 `json:"strategy_name"`
	StrategyLibraryPath  string                 `json:"strategy_library_path"`
	ExitResultsPath      string                 `json:"exit_results_path"`
	StrategyWeight       float64                `json:"strategy_weight"`
	Slippage             ValueList              `json:"slippage"`
	Data                 DataSettings           `json:"data"`
	SymbolBase           string                 `json:"symbol_base"`
	Symbols              []string               `json:"symbols"`
	StrategyParamRanges  map[string]ValueList   `json:"strategy_param_ranges"`
	PosSizerName         string                 `json:"pos_sizer_name"`
	PosSizerValueRange   ValueList              `json:"pos_sizer_value_range"`
	PosSizerExtraRanges  map[string]ValueList   `json:"pos_sizer_extra_ranges"`
	MarginParams         MarginParams           `json:"margin_params"`
	PortfolioMetricsMode string                 `json:"portfolio_metrics_mode"`
	RealtimeMetrics      *RealtimeMetricsParams `json:"realtime_metrics,omitempty"`
	OptimizerType        OptimizerType          `json:"optimizer_type"`
	GAParams             *GAParams              `json:"ga_params,omitempty"`
}

// MetricsMode resolves PortfolioMetricsMode to the internal enum.
func (s StrategySettings) MetricsMode() metrics.Mode {
	if strings.EqualFold(s.PortfolioMetricsMode, "realtime") {
		return metrics.ModeRealTime
	}
	return metrics.ModeOffline
}

// CommonSettings is the settings file's `common` object.
type CommonSettings struct {
	Mode                 Mode   `json:"mode"`
	InitialCapital       float64 `json:"initial_capital"`
	InstrumentsInfoPath  string `json:"instruments_info_path"`
	CommissionPlansPath  string `json:"commission_plans_path"`
}

// Settings is the full settings file.
type Settings struct {
	Common    CommonSettings              `json:"common"`
	Portfolio map[string]StrategySettings `json:"portfolio"`
}

// Load reads and strictly validates the settings file named by path.
// An unset BACKTESTSIM_CONFIG_PATH environment variable is ignored;
// when set, it overrides path (viper's env-override convention,
// mirrored from this codebase's other JSON-backed config loaders).
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("BACKTESTSIM")
	v.AutomaticEnv()
	if override := v.GetString("config_path"); override != "" {
		path = override
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var settings Settings
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &settings, nil
}

func (s Settings) validate() error {
	switch s.Common.Mode {
	case ModeDebug, ModeOptimize, ModeVisual:
	default:
		return fmt.Errorf("invalid common.mode %q", s.Common.Mode)
	}
	if s.Common.InitialCapital <= 0 {
		return fmt.Errorf("common.initial_capital must be positive")
	}
	if s.Common.InstrumentsInfoPath == "" {
		return fmt.Errorf("common.instruments_info_path is required")
	}
	if s.Common.CommissionPlansPath == "" {
		return fmt.Errorf("common.commission_plans_path is required")
	}
	if len(s.Portfolio) == 0 {
		return fmt.Errorf("portfolio must name at least one strategy")
	}
	for id, strat := range s.Portfolio {
		if strat.StrategyName == "" {
			return fmt.Errorf("portfolio[%s].strategy_name is required", id)
		}
		if len(strat.Symbols) == 0 {
			return fmt.Errorf("portfolio[%s].symbols must be non-empty", id)
		}
		if strat.OptimizerType != OptimizerGridSearch && strat.OptimizerType != OptimizerGenetic {
			return fmt.Errorf("portfolio[%s].optimizer_type must be GridSearch or Genetic", id)
		}
		if strat.OptimizerType == OptimizerGenetic && strat.GAParams == nil {
			return fmt.Errorf("portfolio[%s].ga_params is required when optimizer_type is Genetic", id)
		}
	}
	return nil
}
