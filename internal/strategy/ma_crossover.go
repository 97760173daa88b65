package strategy

import (
	"fmt"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/marketdata"
)

// maCrossover goes long when the fast SMA crosses above the slow SMA
// and short on the reverse cross. It never emits an EXIT signal; when
// the two SMAs are equal it emits nothing.
type maCrossover struct {
	fastPeriod int
	slowPeriod int
	quantity   float64
}

func newMACrossover(params map[string]float64) (Strategy, error) {
	fast, ok := params["fast_period"]
	if !ok || fast < 1 {
		return nil, fmt.Errorf("ma_crossover: fast_period must be >= 1")
	}
	slow, ok := params["slow_period"]
	if !ok || slow <= fast {
		return nil, fmt.Errorf("ma_crossover: slow_period must be > fast_period")
	}
	qty := params["quantity"]
	if qty <= 0 {
		qty = 1
	}
	return &maCrossover{fastPeriod: int(fast), slowPeriod: int(slow), quantity: qty}, nil
}

func (m *maCrossover) CalculateSignals(data marketdata.Handler, positions PositionLookup, symbols []string, queue *event.Queue) error {
	for _, symbol := range symbols {
		fastValues := data.LatestBarsValues(symbol, marketdata.FieldClose, m.fastPeriod)
		slowValues := data.LatestBarsValues(symbol, marketdata.FieldClose, m.slowPeriod)
		if len(fastValues) < m.fastPeriod || len(slowValues) < m.slowPeriod {
			continue // not enough history yet
		}
		ts, ok := data.LatestBarTS(symbol)
		if !ok {
			continue
		}

		fastSMA := sma(fastValues)
		slowSMA := sma(slowValues)
		pos := positions.Position(symbol)

		switch {
		case fastSMA.GreaterThan(slowSMA) && !pos.IsPositive():
			queue.Push(event.Signal{
				TS: ts, Symbol: symbol, SignalName: event.SignalLong,
				OrderType: event.OrderMarket, Quantity: decimalFromFloat(m.quantity),
			})
		case fastSMA.LessThan(slowSMA) && !pos.IsNegative():
			queue.Push(event.Signal{
				TS: ts, Symbol: symbol, SignalName: event.SignalShort,
				OrderType: event.OrderMarket, Quantity: decimalFromFloat(m.quantity),
			})
		}
	}
	return nil
}
