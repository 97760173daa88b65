package kernel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/strategy"
)

// fakeHandler is a minimal in-memory marketdata.Handler backing
// kernel integration tests: a fixed slice of bars per symbol, all
// symbols advancing in lock step.
type fakeHandler struct {
	symbols []string
	bars    map[string][]marketdata.Bar
	cursor  int
	stopped bool
}

func newFakeHandler(symbols []string, bars map[string][]marketdata.Bar) *fakeHandler {
	return &fakeHandler{symbols: symbols, bars: bars, cursor: -1}
}

func (h *fakeHandler) maxLen() int {
	max := 0
	for _, b := range h.bars {
		if len(b) > max {
			max = len(b)
		}
	}
	return max
}

func (h *fakeHandler) Advance() error {
	h.cursor++
	return nil
}

func (h *fakeHandler) Symbols() []string { return h.symbols }

func (h *fakeHandler) ContinueBacktest() bool {
	return !h.stopped && h.cursor+1 < h.maxLen()
}

func (h *fakeHandler) Stop() { h.stopped = true }

func (h *fakeHandler) LatestBar(symbol string) (marketdata.Bar, bool) {
	if h.cursor < 0 {
		return marketdata.Bar{}, false
	}
	bars := h.bars[symbol]
	if h.cursor >= len(bars) {
		return marketdata.Bar{}, false
	}
	return bars[h.cursor], true
}

func (h *fakeHandler) LatestBars(symbol string, n int) []marketdata.Bar {
	if h.cursor < 0 || n <= 0 {
		return nil
	}
	bars := h.bars[symbol]
	end := h.cursor + 1
	if end > len(bars) {
		end = len(bars)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]marketdata.Bar, end-start)
	copy(out, bars[start:end])
	return out
}

func (h *fakeHandler) LatestBarTS(symbol string) (time.Time, bool) {
	bar, ok := h.LatestBar(symbol)
	if !ok {
		return time.Time{}, false
	}
	return bar.Timestamp, true
}

func (h *fakeHandler) LatestBarValue(symbol string, field marketdata.Field) (decimal.Decimal, bool) {
	bar, ok := h.LatestBar(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return bar.Value(field), true
}

func (h *fakeHandler) LatestBarsValues(symbol string, field marketdata.Field, n int) []decimal.Decimal {
	bars := h.LatestBars(symbol, n)
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Value(field)
	}
	return out
}

func bar(ts time.Time, o, h, l, c, v float64) marketdata.Bar {
	return marketdata.Bar{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

// scriptedStrategy emits exactly the signals named by the test,
// keyed by bar index.
type scriptedStrategy struct {
	barIndex int
	onBar    map[int][]event.Signal // bar index -> signals to push
}

func (s *scriptedStrategy) CalculateSignals(data marketdata.Handler, positions strategy.PositionLookup, symbols []string, queue *event.Queue) error {
	for _, sig := range s.onBar[s.barIndex] {
		queue.Push(sig)
	}
	s.barIndex++
	return nil
}
