// Package possizer implements pluggable position-sizing, the
// pos_sizer_name/pos_sizer_value/pos_sizer_extra tuple of a
// ParameterSet. Sizers narrow to a single scalar knob, trimmed from
// the richer multi-signal sizing teacher code this is grounded on.
package possizer

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Name identifies a registered sizer implementation.
type Name string

const (
	FixedFractional Name = "fixed_fractional"
	Kelly           Name = "kelly"
	Volatility      Name = "volatility"
)

// Sizer maps a single scalar parameter plus the current cash and
// instrument margin into a contract quantity. Implementations must be
// pure functions of their inputs: no hidden state, per the
// determinism invariant.
type Sizer interface {
	Size(cash, margin decimal.Decimal, value float64, extra map[string]float64) decimal.Decimal
}

// Registry maps a sizer name to its implementation.
type Registry map[Name]Sizer

// Default returns the registry of built-in sizers.
func Default() Registry {
	return Registry{
		FixedFractional: fixedFractionalSizer{},
		Kelly:            kellySizer{},
		Volatility:       volatilitySizer{},
	}
}

// Resolve looks up a sizer by name.
func (r Registry) Resolve(name Name) (Sizer, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("possizer: unknown sizer %q", name)
	}
	return s, nil
}

// fixedFractionalSizer allocates a fixed fraction of cash to margin.
// value is the fraction in (0, 1].
type fixedFractionalSizer struct{}

func (fixedFractionalSizer) Size(cash, margin decimal.Decimal, value float64, _ map[string]float64) decimal.Decimal {
	if margin.IsZero() || value <= 0 {
		return decimal.Zero
	}
	fraction := decimal.NewFromFloat(math.Min(value, 1))
	allocated := cash.Mul(fraction)
	return allocated.Div(margin).Floor()
}

// kellySizer applies a Kelly fraction (value) against the win/loss
// ratio supplied via extra["win_rate"] and extra["win_loss_ratio"];
// missing extras default to a neutral, no-edge estimate.
type kellySizer struct{}

func (kellySizer) Size(cash, margin decimal.Decimal, value float64, extra map[string]float64) decimal.Decimal {
	if margin.IsZero() || value <= 0 {
		return decimal.Zero
	}
	winRate := extra["win_rate"]
	if winRate <= 0 || winRate >= 1 {
		winRate = 0.5
	}
	winLoss := extra["win_loss_ratio"]
	if winLoss <= 0 {
		winLoss = 1
	}
	wr := decimal.NewFromFloat(winRate)
	kelly := wr.Sub(decimal.NewFromInt(1).Sub(wr).Div(decimal.NewFromFloat(winLoss)))
	if !kelly.IsPositive() {
		return decimal.Zero
	}
	fraction := decimal.Min(kelly.Mul(decimal.NewFromFloat(value)), decimal.NewFromInt(1))
	allocated := cash.Mul(fraction)
	return allocated.Div(margin).Floor()
}

// volatilitySizer scales a base fraction (value) inversely to the
// symbol's realized volatility, supplied via extra["volatility"]
// (e.g. a recent ATR-derived value); zero or absent volatility falls
// back to the unscaled fraction.
type volatilitySizer struct{}

func (volatilitySizer) Size(cash, margin decimal.Decimal, value float64, extra map[string]float64) decimal.Decimal {
	if margin.IsZero() || value <= 0 {
		return decimal.Zero
	}
	vol := extra["volatility"]
	scale := 1.0
	if vol > 0 {
		scale = 1 / vol
	}
	fraction := decimal.NewFromFloat(math.Min(value*scale, 1))
	allocated := cash.Mul(fraction)
	return allocated.Div(margin).Floor()
}
