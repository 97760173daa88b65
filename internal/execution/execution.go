// Package execution implements the execution simulator (C5):
// converts an ORDER into a FILL (or drops it) using the bar's high/low,
// a single configured slippage value, and commission delegated to the
// instrument package's commission plans.
package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/marketdata"
)

// Simulator prices orders against one bar's high/low.
type Simulator struct {
	commissionPlans instrument.CommissionPlans
}

// New returns a Simulator backed by the given commission plan table.
func New(plans instrument.CommissionPlans) *Simulator {
	return &Simulator{commissionPlans: plans}
}

// Simulate executes order against bar under inst/planName with the
// given slippage fraction, per spec.md §4.3. It returns (nil, nil) for
// an order that does not fill (unfilled LMT): the caller must treat
// that as "no FILL produced", not an error. A zero slippage value is
// valid; only a negative or otherwise malformed slippage is an error.
func (s *Simulator) Simulate(
	order event.Order,
	inst instrument.Instrument,
	planName string,
	bar marketdata.Bar,
	slippage decimal.Decimal,
) (*event.Fill, error) {
	if slippage.IsNegative() {
		return nil, fmt.Errorf("execution: slippage must be non-negative, got %s", slippage)
	}

	var exec decimal.Decimal
	switch order.OrderType {
	case event.OrderMarket:
		switch order.Direction {
		case event.Buy:
			exec = decimal.NewFromInt(1).Add(slippage).Mul(bar.High)
		case event.Sell:
			exec = decimal.NewFromInt(1).Sub(slippage).Mul(bar.Low)
		default:
			return nil, fmt.Errorf("execution: unknown direction %q", order.Direction)
		}
	case event.OrderLimit:
		switch order.Direction {
		case event.Buy:
			if bar.Low.GreaterThan(order.LimitPrice) {
				return nil, nil // not hit
			}
			exec = order.LimitPrice
		case event.Sell:
			if bar.High.LessThan(order.LimitPrice) {
				return nil, nil // not hit
			}
			exec = order.LimitPrice
		default:
			return nil, fmt.Errorf("execution: unknown direction %q", order.Direction)
		}
	default:
		return nil, fmt.Errorf("execution: unknown order type %q", order.OrderType)
	}

	commission, err := s.commission(inst, planName, order.Quantity, exec)
	if err != nil {
		return nil, err
	}

	return &event.Fill{
		TS:             bar.Timestamp,
		Symbol:         order.Symbol,
		Exchange:       inst.Exchange,
		Quantity:       order.Quantity,
		Direction:      order.Direction,
		ExecutionPrice: exec,
		Commission:     commission,
		SignalName:     order.SignalName,
	}, nil
}

// commission delegates to the instrument's commission plan, dividing a
// percent-denominated rate by 100 exactly once, at the point of
// multiplication, per the resolved §9 open question.
func (s *Simulator) commission(inst instrument.Instrument, planName string, quantity, execPrice decimal.Decimal) (decimal.Decimal, error) {
	rate, err := s.commissionPlans.Rate(inst.Exchange, planName, inst.CommissionType)
	if err != nil {
		return decimal.Zero, err
	}

	var perUnit decimal.Decimal
	switch inst.CommissionType {
	case instrument.CommissionPercent:
		perUnit = rate.Div(decimal.NewFromInt(100)).Mul(execPrice)
	case instrument.CommissionIndex:
		perUnit = rate.Mul(inst.PointValue())
	case instrument.CommissionCurrency:
		perUnit = rate
	default:
		return decimal.Zero, fmt.Errorf("execution: unknown commission type %q", inst.CommissionType)
	}

	return perUnit.Mul(quantity).Round(2), nil
}
