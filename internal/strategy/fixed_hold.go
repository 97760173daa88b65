package strategy

import (
	"fmt"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/marketdata"
)

// fixedHold enters long on any bar where the symbol's position is flat
// (so it re-enters after each exit) and exits unconditionally after
// holdBars bars have elapsed. Used mainly
// as an optimizer smoke-test strategy: its only free parameter is the
// holding period.
type fixedHold struct {
	holdBars int
	quantity float64
	entered  map[string]int // symbol -> bar index of entry
	barIndex map[string]int
}

func newFixedHold(params map[string]float64) (Strategy, error) {
	hold, ok := params["hold_bars"]
	if !ok || hold < 1 {
		return nil, fmt.Errorf("fixed_hold: hold_bars must be >= 1")
	}
	qty := params["quantity"]
	if qty <= 0 {
		qty = 1
	}
	return &fixedHold{
		holdBars: int(hold),
		quantity: qty,
		entered:  make(map[string]int),
		barIndex: make(map[string]int),
	}, nil
}

func (f *fixedHold) CalculateSignals(data marketdata.Handler, positions PositionLookup, symbols []string, queue *event.Queue) error {
	for _, symbol := range symbols {
		ts, ok := data.LatestBarTS(symbol)
		if !ok {
			continue
		}
		idx := f.barIndex[symbol]
		f.barIndex[symbol] = idx + 1

		pos := positions.Position(symbol)
		if pos.IsZero() {
			f.entered[symbol] = idx
			queue.Push(event.Signal{
				TS: ts, Symbol: symbol, SignalName: event.SignalLong,
				OrderType: event.OrderMarket, Quantity: decimalFromFloat(f.quantity),
			})
			continue
		}

		if idx-f.entered[symbol] >= f.holdBars {
			queue.Push(event.Signal{
				TS: ts, Symbol: symbol, SignalName: event.SignalExit,
				OrderType: event.OrderMarket, Quantity: pos.Abs(),
			})
		}
	}
	return nil
}
