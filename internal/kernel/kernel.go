// Package kernel implements the backtest kernel (C7): the single
// per-backtest cooperative loop that advances market data, drains the
// FIFO event queue, and dispatches each event to the strategy,
// portfolio and executor in the fixed order spec.md §4.5 requires.
package kernel

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/execution"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/portfolio"
	"github.com/avolkov/backtestsim/internal/strategy"
)

// Settings configures one kernel run's execution and portfolio
// behavior; it does not carry instrument or commission data, which
// are shared read-only across every worker.
type Settings struct {
	Slippage       decimal.Decimal
	CommissionPlan string
	Portfolio      portfolio.Settings
}

// Progress is an optional periodic report, sent once per bar. Sends
// never block: a report that does not fit in the channel is dropped.
type Progress struct {
	BarsProcessed int
	Done          bool
}

// Run drives one full backtest to completion, returning the final
// performance metrics and the accumulated equity series. instruments
// maps symbol -> its static metadata; commissionPlans is the shared,
// read-only commission rate table. progress may be nil.
func Run(
	ctx context.Context,
	logger *zap.Logger,
	settings Settings,
	instruments map[string]instrument.Instrument,
	commissionPlans instrument.CommissionPlans,
	data marketdata.Handler,
	strat strategy.Strategy,
	progress chan<- Progress,
) (metrics.Result, []portfolio.EquityPoint, error) {
	symbols := data.Symbols()
	queue := event.NewQueue(32)
	port := portfolio.New(logger, settings.Portfolio, instruments, symbols, queue)
	executor := execution.New(commissionPlans)

	barsProcessed := 0
	for data.ContinueBacktest() {
		select {
		case <-ctx.Done():
			return metrics.Result{}, nil, ctx.Err()
		default:
		}

		if err := data.Advance(); err != nil {
			return metrics.Result{}, nil, fmt.Errorf("kernel: advancing market data: %w", err)
		}
		queue.Push(event.Market{})

		if err := step(queue, data, port, strat, executor, instruments, symbols, settings); err != nil {
			return metrics.Result{}, nil, err
		}

		barsProcessed++
		if progress != nil {
			select {
			case progress <- Progress{BarsProcessed: barsProcessed}:
			default:
			}
		}

		if port.CapitalBelowZero() {
			logger.Warn("kernel: capital below zero, stopping backtest early", zap.Int("bars", barsProcessed))
			break
		}
	}

	result := port.Finalize()
	if progress != nil {
		select {
		case progress <- Progress{BarsProcessed: barsProcessed, Done: true}:
		default:
		}
	}
	return result, port.EquitySeries(), nil
}

// step drains and dispatches every event queued for the current bar,
// in waves (MARKET -> SIGNAL -> ORDER -> FILL), then calls
// portfolio.OnTimeindex exactly once. Any event OnTimeindex enqueues
// (a maintenance-margin EXIT signal) is deliberately left queued: it
// surfaces on the next bar's first drain, per event.Queue.Drain's
// contract.
func step(
	queue *event.Queue,
	data marketdata.Handler,
	port *portfolio.Portfolio,
	strat strategy.Strategy,
	executor *execution.Simulator,
	instruments map[string]instrument.Instrument,
	symbols []string,
	settings Settings,
) error {
	for queue.Len() > 0 {
		batch := queue.Drain()
		for _, e := range batch {
			switch ev := e.(type) {
			case event.Market:
				if err := strat.CalculateSignals(data, port, symbols, queue); err != nil {
					return fmt.Errorf("kernel: strategy error: %w", err)
				}
			case event.Signal:
				port.OnSignal(ev)
			case event.Order:
				inst, ok := instruments[ev.Symbol]
				if !ok {
					return fmt.Errorf("kernel: no instrument metadata for symbol %q", ev.Symbol)
				}
				bar, ok := data.LatestBar(ev.Symbol)
				if !ok {
					continue // no bar yet for this symbol; drop silently
				}
				fill, err := executor.Simulate(ev, inst, settings.CommissionPlan, bar, settings.Slippage)
				if err != nil {
					return fmt.Errorf("kernel: execution error: %w", err)
				}
				if fill != nil {
					queue.Push(*fill)
				}
			case event.Fill:
				port.OnFill(ev, data)
			}
		}
	}
	port.OnTimeindex(data)
	return nil
}
