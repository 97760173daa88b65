// Package strategy defines the Strategy capability interface (C6) and
// a compile-time registry of implementations. There is no dynamic
// loading: a settings file naming a strategy_name that is not
// registered here is a fatal configuration error, and
// strategy_library_path is not read (spec.md §9 Design Notes, resolved per SPEC_FULL.md §5).
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/marketdata"
)

// Strategy computes trading signals from the current bar of market
// data. Implementations must be deterministic given their Params and
// the data handler's state: no wall-clock reads, no randomness beyond
// what Params seeds explicitly.
type Strategy interface {
	// CalculateSignals inspects data's latest bars across symbols and
	// pushes zero or more Signal events onto queue. It must not read
	// positions directly; PositionLookup supplies the portfolio's
	// current view without creating an import cycle.
	CalculateSignals(data marketdata.Handler, positions PositionLookup, symbols []string, queue *event.Queue) error
}

// PositionLookup is the read-only slice of portfolio state a strategy
// is allowed to see.
type PositionLookup interface {
	Position(symbol string) decimal.Decimal // signed, 0 when flat
}

// Factory constructs a Strategy from a strategy_params map (already
// decoded from the settings JSON, spec.md §6).
type Factory func(params map[string]float64) (Strategy, error)

// Registry maps a strategy_name to its Factory.
type Registry map[string]Factory

// Default returns the registry of built-in reference strategies.
func Default() Registry {
	return Registry{
		"ma_crossover": newMACrossover,
		"fixed_hold":   newFixedHold,
	}
}

// Resolve builds a Strategy by name, or returns a fatal-style error when
// id names something this binary does not carry (spec.md §9).
func (r Registry) Resolve(id string, params map[string]float64) (Strategy, error) {
	factory, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("strategy: %q not found (no dynamic loading; available: %v)", id, r.names())
	}
	return factory(params)
}

func (r Registry) names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}
