package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/execution"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/metrics"
)

// fakeHandler is a minimal marketdata.Handler backed by a fixed slice
// of bars per symbol, all symbols advancing in lock step.
type fakeHandler struct {
	symbols []string
	bars    map[string][]marketdata.Bar
	cursor  int
}

func newFakeHandler(symbols []string, bars map[string][]marketdata.Bar) *fakeHandler {
	return &fakeHandler{symbols: symbols, bars: bars, cursor: -1}
}

func (h *fakeHandler) Advance() error { h.cursor++; return nil }
func (h *fakeHandler) Symbols() []string { return h.symbols }
func (h *fakeHandler) ContinueBacktest() bool {
	max := 0
	for _, b := range h.bars {
		if len(b) > max {
			max = len(b)
		}
	}
	return h.cursor+1 < max
}
func (h *fakeHandler) Stop() {}

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

func bar(ts time.Time, o, h, l, c float64) marketdata.Bar {
	return marketdata.Bar{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromInt(1000),
	}
}

func futuresInstrument(exchange string) instrument.Instrument {
	return instrument.Instrument{
		Exchange:          exchange,
		Type:              instrument.TypeFutures,
		ContractPrecision: 0,
		Margin:            decimal.NewFromInt(1000),
		CommissionType:    instrument.CommissionCurrency,
		Step:              decimal.NewFromInt(1),
		StepPrice:         decimal.NewFromInt(1),
	}
}

func zeroCommissionPlans(exchange string) instrument.CommissionPlans {
	return instrument.CommissionPlans{
		exchange: {"default": {instrument.CommissionCurrency: decimal.Zero}},
	}
}

// driveBar replicates the kernel's per-bar drain/dispatch loop
// (spec.md §4.5) against a scripted set of signals, so tests can
// inspect the portfolio's exported state after each bar without
// going through the full kernel.
func driveBar(
	t *testing.T,
	p *Portfolio,
	data marketdata.Handler,
	exec *execution.Simulator,
	instruments map[string]instrument.Instrument,
	queue *event.Queue,
	signals []event.Signal,
) {
	t.Helper()
	for _, s := range signals {
		queue.Push(s)
	}
	for queue.Len() > 0 {
		batch := queue.Drain()
		for _, e := range batch {
			switch ev := e.(type) {
			case event.Signal:
				p.OnSignal(ev)
			case event.Order:
				inst := instruments[ev.Symbol]
				b, ok := data.LatestBar(ev.Symbol)
				if !ok {
					continue
				}
				fill, err := exec.Simulate(ev, inst, "default", b, decimal.Zero)
				if err != nil {
					t.Fatalf("execution error: %v", err)
				}
				if fill != nil {
					queue.Push(*fill)
				}
			case event.Fill:
				p.OnFill(ev, data)
			}
		}
	}
	p.OnTimeindex(data)
}

// TestSingleLongProfitableExit is spec.md scenario S1.
func TestSingleLongProfitableExit(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)
	t3 := t1.AddDate(0, 0, 2)

	bars := map[string][]marketdata.Bar{
		"SYM": {
			bar(t1, 100, 101, 99, 100),
			bar(t2, 100, 105, 100, 104),
			bar(t3, 104, 106, 103, 105),
		},
	}
	data := newFakeHandler([]string{"SYM"}, bars)
	instruments := map[string]instrument.Instrument{"SYM": futuresInstrument("TEST")}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	settings := Settings{
		InitialCapital: decimal.NewFromInt(10000),
		MetricsMode:    metrics.ModeOffline,
	}
	p := New(logger, settings, instruments, []string{"SYM"}, queue)

	// Day 1: strategy issues LONG MKT q=1.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "SYM", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})
	if !p.GetPosition("SYM").Position.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected position 1 after day1, got %s", p.GetPosition("SYM").Position)
	}
	if p.GetPosition("SYM").EntryPrice == nil || !p.GetPosition("SYM").EntryPrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected entry price 101 (MKT BUY fills at bar.high), got %+v", p.GetPosition("SYM").EntryPrice)
	}

	// Day 2: no signal, mark-to-market only.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, nil)

	// Day 3: strategy issues EXIT MKT q=1.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t3, Symbol: "SYM", SignalName: event.SignalExit, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})

	pos := p.GetPosition("SYM")
	if !pos.Position.IsZero() {
		t.Fatalf("expected flat position after EXIT, got %s", pos.Position)
	}
	if pos.EntryPrice != nil {
		t.Fatalf("expected nil entry price after EXIT (invariant 4), got %v", pos.EntryPrice)
	}

	series := p.EquitySeries()
	if len(series) != 3 {
		t.Fatalf("expected 3 equity points, got %d", len(series))
	}
	// Mass conservation (invariant 1): capital_t = capital_{t-1} + pnl_t,
	// commissions are zero throughout this scenario.
	// Per-bar pnl: entry at 101 against day-1 close 100 (-1), day-2
	// mark-to-market 100 -> 104 (+4), exit at 103 against 104 (-1).
	pnlPerBar := []int64{-1, 4, -1}
	initial := decimal.NewFromInt(10000)
	prev := initial
	for i, pt := range series {
		if pt.Capital.LessThan(decimal.Zero) {
			t.Fatalf("capital went negative at point %d", i)
		}
		if want := prev.Add(decimal.NewFromInt(pnlPerBar[i])); !pt.Capital.Equal(want) {
			t.Fatalf("capital at point %d = %s, want %s (previous capital + pnl)", i, pt.Capital, want)
		}
		prev = pt.Capital
	}
	_ = prev

	final := p.Finalize()
	if final.DealsCount != 1 {
		t.Fatalf("expected deals_count == 1, got %d", final.DealsCount)
	}
	if !series[len(series)-1].Capital.Equal(decimal.NewFromInt(10002)) {
		t.Fatalf("expected final capital 10002, got %s", series[len(series)-1].Capital)
	}
}

// TestMaintenanceMarginCallClosesAllPositions is spec.md scenario S3.
func TestMaintenanceMarginCallClosesAllPositions(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)
	t3 := t1.AddDate(0, 0, 2)

	bars := map[string][]marketdata.Bar{
		"A": {bar(t1, 100, 100, 100, 100), bar(t2, 100, 100, 49, 49), bar(t3, 49, 49, 49, 49)},
		"B": {bar(t1, 100, 100, 100, 100), bar(t2, 100, 100, 49, 49), bar(t3, 49, 49, 49, 49)},
	}
	data := newFakeHandler([]string{"A", "B"}, bars)
	instruments := map[string]instrument.Instrument{
		"A": futuresInstrument("TEST"),
		"B": futuresInstrument("TEST"),
	}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	settings := Settings{
		InitialCapital:    decimal.NewFromInt(2100),
		MinMarginFraction: decimal.NewFromFloat(0.5),
		MetricsMode:       metrics.ModeOffline,
	}
	p := New(logger, settings, instruments, []string{"A", "B"}, queue)

	// t1: enter long 1 contract on both symbols.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "A", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
		{TS: t1, Symbol: "B", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})
	if p.GetPosition("A").Position.IsZero() || p.GetPosition("B").Position.IsZero() {
		t.Fatalf("expected both positions open after t1")
	}

	// t2: a sustained drop drives cash negative and breaches maintenance margin.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, nil)
	if queue.Len() == 0 {
		t.Fatalf("expected synthetic EXIT signals to be queued after the margin breach at t2")
	}

	// t3: the queued EXIT signals drain and flatten both positions.
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, nil)

	for _, sym := range []string{"A", "B"} {
		pos := p.GetPosition(sym)
		if !pos.Position.IsZero() {
			t.Fatalf("expected %s flat after margin call close-all, got position %s", sym, pos.Position)
		}
		if pos.EntryPrice != nil {
			t.Fatalf("expected %s entry price nil after close-all, got %v", sym, pos.EntryPrice)
		}
	}

	blocked := p.LatestCapital().Sub(p.LatestCash())
	if !blocked.IsZero() {
		t.Fatalf("expected blocked == 0 after close-all, got %s", blocked)
	}
}

// TestMinMarginFractionZeroNeverTriggersMaintenanceCheck is invariant 11.
func TestMinMarginFractionZeroNeverTriggersMaintenanceCheck(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)

	bars := map[string][]marketdata.Bar{
		"A": {bar(t1, 100, 100, 100, 100), bar(t2, 100, 100, 1, 1)},
	}
	data := newFakeHandler([]string{"A"}, bars)
	instruments := map[string]instrument.Instrument{"A": futuresInstrument("TEST")}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	settings := Settings{
		// Initial capital is chosen so the day-2 mark-to-market loss
		// drives cash negative (the gate checkMaintenanceMargin itself
		// applies), letting this test actually exercise the
		// min_margin_fraction == 0 bypass rather than short-circuiting
		// on the cash >= 0 guard.
		InitialCapital:    decimal.NewFromInt(1050),
		MinMarginFraction: decimal.Zero,
		MetricsMode:       metrics.ModeOffline,
	}
	p := New(logger, settings, instruments, []string{"A"}, queue)

	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "A", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})

	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, nil)

	if !p.LatestCapital().Sub(p.LatestCash()).Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("sanity check failed: expected blocked == 1000 and cash negative before the bypass check, capital=%s cash=%s", p.LatestCapital(), p.LatestCash())
	}
	if queue.Len() != 0 {
		t.Fatalf("expected no synthetic EXIT signals when min_margin_fraction == 0, got %d queued", queue.Len())
	}
}

// TestMarginLockSymmetry is invariant 3: a complete round trip
// Flat -> Long -> Flat leaves blocked unchanged (net zero).
func TestMarginLockSymmetry(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)

	bars := map[string][]marketdata.Bar{
		"SYM": {bar(t1, 100, 100, 100, 100), bar(t2, 100, 100, 100, 100)},
	}
	data := newFakeHandler([]string{"SYM"}, bars)
	instruments := map[string]instrument.Instrument{"SYM": futuresInstrument("TEST")}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	settings := Settings{InitialCapital: decimal.NewFromInt(10000), MetricsMode: metrics.ModeOffline}
	p := New(logger, settings, instruments, []string{"SYM"}, queue)

	blockedBefore := p.LatestCapital().Sub(p.LatestCash())

	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "SYM", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t2, Symbol: "SYM", SignalName: event.SignalExit, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})

	blockedAfter := p.LatestCapital().Sub(p.LatestCash())
	if !blockedBefore.Equal(blockedAfter) {
		t.Fatalf("expected net blocked change of 0 over a full round trip, before=%s after=%s", blockedBefore, blockedAfter)
	}
	if !p.GetPosition("SYM").Position.IsZero() {
		t.Fatalf("expected flat position after round trip")
	}
}

// TestPositionStateInvariant is invariant 4: position == 0 iff entry
// price is nil, checked across the open/close cycle.
func TestPositionStateInvariant(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)

	bars := map[string][]marketdata.Bar{
		"SYM": {bar(t1, 100, 100, 100, 100), bar(t2, 100, 100, 100, 100)},
	}
	data := newFakeHandler([]string{"SYM"}, bars)
	instruments := map[string]instrument.Instrument{"SYM": futuresInstrument("TEST")}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	settings := Settings{InitialCapital: decimal.NewFromInt(10000), MetricsMode: metrics.ModeOffline}
	p := New(logger, settings, instruments, []string{"SYM"}, queue)

	assertInvariant := func() {
		pos := p.GetPosition("SYM")
		if pos.Position.IsZero() != (pos.EntryPrice == nil) {
			t.Fatalf("position/entry-price invariant violated: position=%s entryPrice=%v", pos.Position, pos.EntryPrice)
		}
	}

	assertInvariant()
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "SYM", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})
	assertInvariant()
	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t2, Symbol: "SYM", SignalName: event.SignalExit, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})
	assertInvariant()
}

// TestEntryMarginCheckDropsUnaffordableOrder is spec.md §4.4.1's entry
// check: a signal whose required margin exceeds capital is dropped,
// never reaching a FILL.
func TestEntryMarginCheckDropsUnaffordableOrder(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := map[string][]marketdata.Bar{
		"SYM": {bar(t1, 100, 100, 100, 100)},
	}
	data := newFakeHandler([]string{"SYM"}, bars)
	instruments := map[string]instrument.Instrument{"SYM": futuresInstrument("TEST")}
	exec := execution.New(zeroCommissionPlans("TEST"))

	logger := zap.NewNop()
	queue := event.NewQueue(8)
	// Capital below the margin required for even one contract.
	settings := Settings{InitialCapital: decimal.NewFromInt(500), MetricsMode: metrics.ModeOffline}
	p := New(logger, settings, instruments, []string{"SYM"}, queue)

	data.Advance()
	driveBar(t, p, data, exec, instruments, queue, []event.Signal{
		{TS: t1, Symbol: "SYM", SignalName: event.SignalLong, OrderType: event.OrderMarket, Quantity: decimal.NewFromInt(1)},
	})

	if !p.GetPosition("SYM").Position.IsZero() {
		t.Fatalf("expected the order to be dropped by the entry margin check, got position %s", p.GetPosition("SYM").Position)
	}
}
