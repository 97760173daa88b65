// Package result writes the two persisted CSV outputs of spec.md §6:
// optimization_results.csv (semicolon-separated, one row per
// candidate) and equity_series.csv (Debug mode, datetime;capital).
package result

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/avolkov/backtestsim/internal/gridsearch"
	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/portfolio"
)

const csvTimeLayout = "2006-01-02 15:04:05"

// CandidateRow is one scored candidate, its full metrics result
// carried on gridsearch.Result.Metric so every metric column can be
// populated (not just the fitness scalar).
type CandidateRow struct {
	Result gridsearch.Result
}

// WriteOptimizationResults writes optimization_results.csv under dir.
// Columns: sorted strategy parameter names, pos_sizer_name,
// pos_sizer_value, sorted pos-sizer extra parameter names, slippage,
// then metric columns in the order listed by metricOrder (spec.md §6).
func WriteOptimizationResults(dir string, rows []CandidateRow, metricOrder []string) error {
	if len(rows) == 0 {
		return fmt.Errorf("result: no results to write")
	}

	strategyParamNames := sortedKeys(rows[0].Result.ParameterSet.StrategyParams)
	extraParamNames := sortedKeys(rows[0].Result.ParameterSet.PosSizerExtra)

	path := filepath.Join(dir, "optimization_results.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("result: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	header := make([]string, 0, len(strategyParamNames)+len(extraParamNames)+3+len(metricOrder))
	header = append(header, strategyParamNames...)
	header = append(header, "pos_sizer_name", "pos_sizer_value")
	header = append(header, extraParamNames...)
	header = append(header, "slippage")
	header = append(header, metricOrder...)
	if err := w.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		ps := row.Result.ParameterSet
		rec := make([]string, 0, len(header))
		for _, name := range strategyParamNames {
			rec = append(rec, formatFloat(ps.StrategyParams[name]))
		}
		rec = append(rec, ps.PosSizerName, formatFloat(ps.PosSizerValue))
		for _, name := range extraParamNames {
			rec = append(rec, formatFloat(ps.PosSizerExtra[name]))
		}
		rec = append(rec, formatFloat(ps.Slippage))
		for _, name := range metricOrder {
			rec = append(rec, formatFloat(metricField(row.Result.Metric, name)))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func metricField(m metrics.Result, name string) float64 {
	switch name {
	case "total_return":
		return m.TotalReturn
	case "total_return_pct":
		return m.TotalReturnPct
	case "apr":
		return m.APR
	case "max_drawdown_pct":
		return m.MaxDrawdownPct
	case "apr_to_dd_ratio":
		return m.APRToDDRatio
	case "recovery_factor":
		return m.RecoveryFactor
	case "deals_count":
		return float64(m.DealsCount)
	default:
		return 0
	}
}

// DefaultMetricOrder is the canonical column order for metric fields.
func DefaultMetricOrder() []string {
	return []string{
		"total_return", "total_return_pct", "apr", "max_drawdown_pct",
		"apr_to_dd_ratio", "recovery_factor", "deals_count",
	}
}

// WriteEquitySeries writes equity_series.csv under dir (Debug mode).
func WriteEquitySeries(dir string, series []portfolio.EquityPoint) error {
	path := filepath.Join(dir, "equity_series.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("result: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	if err := w.Write([]string{"datetime", "capital"}); err != nil {
		return err
	}
	for _, pt := range series {
		row := []string{formatTime(pt.TS), pt.Capital.String()}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func formatTime(t time.Time) string {
	return t.Format(csvTimeLayout)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
