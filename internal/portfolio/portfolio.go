// Package portfolio implements the portfolio/accounting engine (C4):
// per-symbol PositionState and HoldingsState, an aggregated
// HoldingSnapshot and EquitySeries, and the margin-call risk controls
// of spec.md §4.4/§4.4.1.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/backtestsim/internal/event"
	"github.com/avolkov/backtestsim/internal/instrument"
	"github.com/avolkov/backtestsim/internal/marketdata"
	"github.com/avolkov/backtestsim/internal/metrics"
	"github.com/avolkov/backtestsim/internal/possizer"
)

// PositionState is per-symbol position bookkeeping. Invariant:
// Position.IsZero() <=> EntryPrice == nil && EntryCapital.IsZero().
type PositionState struct {
	DealNumber   uint64
	Position     decimal.Decimal // signed
	EntryCapital decimal.Decimal
	EntryPrice   *decimal.Decimal
}

// HoldingsState is per-symbol PnL/margin bookkeeping.
type HoldingsState struct {
	PnL                  decimal.Decimal
	Blocked              decimal.Decimal // >= 0
	SignalNameOfLastFill *event.SignalName
}

// PositionSnapshot is one bar's positions-wide view.
type PositionSnapshot struct {
	TS        time.Time
	Positions map[string]PositionState
}

// HoldingSnapshot is the portfolio-wide per-bar view. Invariants:
// Blocked == sum of per-symbol Blocked, Cash == Capital - Blocked.
type HoldingSnapshot struct {
	TS        time.Time
	Capital   decimal.Decimal
	Cash      decimal.Decimal
	Blocked   decimal.Decimal
	PerSymbol map[string]HoldingsState
}

// EquityPoint is one element of the EquitySeries.
type EquityPoint struct {
	TS      time.Time
	Capital decimal.Decimal
}

// Settings configures the risk controls and margin precision of one
// portfolio instance.
type Settings struct {
	InitialCapital    decimal.Decimal
	MinMarginFraction decimal.Decimal // maintenance-margin threshold; 0 disables (invariant 11)
	MetricsMode       metrics.Mode
	CommissionPlan    string // plan name looked up per-instrument exchange

	Sizers        possizer.Registry
	PosSizerName  possizer.Name
	PosSizerValue float64
	PosSizerExtra map[string]float64
}

// Portfolio is C4. It owns the send side of the shared event queue for
// ORDER and synthetic EXIT SIGNAL events it emits.
type Portfolio struct {
	logger      *zap.Logger
	settings    Settings
	instruments map[string]instrument.Instrument
	symbols     []string // sorted, for the determinism invariant
	queue       *event.Queue
	calc        *metrics.Calculator

	positions map[string]*PositionState
	holdings  map[string]*HoldingsState
	lastClose map[string]decimal.Decimal
	freshFill map[string]bool

	// two-slot rolling window (SPEC_FULL.md §1 open-question resolution)
	positionSnaps [2]*PositionSnapshot
	holdingSnaps  [2]*HoldingSnapshot

	equitySeries []EquityPoint
	capital      decimal.Decimal
	tStart       time.Time
	haveStart    bool
	dealsCount   int
	stopped      bool
}

// New constructs a Portfolio for the given symbols and instrument map
// (symbol -> Instrument, already resolved from the base/contract
// metadata table).
func New(
	logger *zap.Logger,
	settings Settings,
	instruments map[string]instrument.Instrument,
	symbols []string,
	queue *event.Queue,
) *Portfolio {
	sorted := append([]string(nil), symbols...)
	sortStrings(sorted)

	p := &Portfolio{
		logger:      logger,
		settings:    settings,
		instruments: instruments,
		symbols:     sorted,
		queue:       queue,
		calc:        metrics.New(toFloat(settings.InitialCapital), settings.MetricsMode),
		positions:   make(map[string]*PositionState, len(sorted)),
		holdings:    make(map[string]*HoldingsState, len(sorted)),
		lastClose:   make(map[string]decimal.Decimal, len(sorted)),
		freshFill:   make(map[string]bool, len(sorted)),
		capital:     settings.InitialCapital,
	}
	for _, sym := range sorted {
		p.positions[sym] = &PositionState{}
		p.holdings[sym] = &HoldingsState{}
	}
	return p
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// GetPosition returns the current position for a symbol (zero value if unknown).
func (p *Portfolio) GetPosition(symbol string) PositionState {
	if pos, ok := p.positions[symbol]; ok {
		return *pos
	}
	return PositionState{}
}

// LatestCash returns the most recent snapshot's cash, or the initial
// capital before the first bar has been processed.
func (p *Portfolio) LatestCash() decimal.Decimal {
	if snap := p.holdingSnaps[1]; snap != nil {
		return snap.Cash
	}
	return p.settings.InitialCapital
}

// LatestCapital returns the current running capital.
func (p *Portfolio) LatestCapital() decimal.Decimal {
	return p.capital
}

// EquitySeries returns the accumulated (ts, capital) series.
func (p *Portfolio) EquitySeries() []EquityPoint {
	return p.equitySeries
}

// Position implements strategy.PositionLookup.
func (p *Portfolio) Position(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Position
	}
	return decimal.Zero
}

// OnFill applies one FILL to position and holdings state (spec.md §4.4).
// data supplies the current bar so entry fills can be priced against
// this bar's own close; EXIT fills are priced against the previous
// bar's close (p.lastClose), which OnTimeindex has not yet overwritten
// for the current bar at the point OnFill runs.
func (p *Portfolio) OnFill(fill event.Fill, data marketdata.Handler) {
	pos, ok := p.positions[fill.Symbol]
	if !ok {
		pos = &PositionState{}
		p.positions[fill.Symbol] = pos
	}
	hold, ok := p.holdings[fill.Symbol]
	if !ok {
		hold = &HoldingsState{}
		p.holdings[fill.Symbol] = hold
	}

	dir := decimal.NewFromInt(1)
	if fill.Direction == event.Sell {
		dir = decimal.NewFromInt(-1)
	}
	pos.Position = pos.Position.Add(dir.Mul(fill.Quantity))

	inst := p.instruments[fill.Symbol]
	pointValue := inst.PointValue()

	var priceRef decimal.Decimal
	if fill.SignalName == event.SignalExit {
		lastClose, known := p.lastClose[fill.Symbol]
		if !known {
			lastClose = fill.ExecutionPrice
		}
		priceRef = lastClose
	} else if bar, ok := data.LatestBar(fill.Symbol); ok {
		priceRef = bar.Close
	} else {
		priceRef = fill.ExecutionPrice
	}

	base := priceRef.Sub(fill.ExecutionPrice).Mul(pointValue).Mul(fill.Quantity)
	if fill.Direction == event.Sell {
		base = base.Neg()
	}
	pnl := base.Sub(fill.Commission).Round(2)

	if fill.SignalName == event.SignalExit {
		pos.EntryPrice = nil
		pos.EntryCapital = decimal.Zero
		hold.Blocked = hold.Blocked.Sub(inst.Margin.Mul(fill.Quantity)).Round(2)
	} else {
		pos.DealNumber++
		p.dealsCount++
		execPrice := fill.ExecutionPrice
		pos.EntryPrice = &execPrice
		pos.EntryCapital = p.LatestCash()
		hold.Blocked = hold.Blocked.Add(inst.Margin.Mul(fill.Quantity)).Round(2)
	}

	hold.PnL = pnl
	signalName := fill.SignalName
	hold.SignalNameOfLastFill = &signalName
	p.freshFill[fill.Symbol] = true
}

// OnSignal may emit an ORDER event (spec.md §4.4).
func (p *Portfolio) OnSignal(signal event.Signal) {
	inst, ok := p.instruments[signal.Symbol]
	if !ok {
		p.logger.Warn("portfolio: signal for unknown instrument", zap.String("symbol", signal.Symbol))
		return
	}
	pos := p.GetPosition(signal.Symbol)
	q0 := signal.Quantity.Abs()
	cash := p.LatestCash()

	var q decimal.Decimal
	var direction event.Direction

	if signal.SignalName != event.SignalExit && pos.Position.IsZero() && cash.GreaterThan(decimal.Zero) {
		raw := p.sizePosition(cash, inst)
		q = decimal.Min(q0, raw)
		if q.IsZero() {
			q = decimal.New(1, -int32(inst.ContractPrecision))
		}
		if signal.SignalName == event.SignalLong {
			direction = event.Buy
		} else {
			direction = event.Sell
		}
	} else {
		if pos.Position.GreaterThan(decimal.Zero) {
			direction = event.Sell
		} else {
			direction = event.Buy
		}
		q = q0
	}

	// Entry-margin check (spec.md §4.4.1).
	if !p.LatestCapital().GreaterThan(q.Mul(inst.Margin)) {
		p.logger.Debug("portfolio: entry margin check failed, dropping order",
			zap.String("symbol", signal.Symbol), zap.String("capital", p.LatestCapital().String()))
		return
	}

	p.queue.Push(event.Order{
		TS:         signal.TS,
		Symbol:     signal.Symbol,
		SignalName: signal.SignalName,
		OrderType:  signal.OrderType,
		Quantity:   q,
		Direction:  direction,
		LimitPrice: signal.LimitPrice,
	})
}

// sizePosition resolves the configured pos_sizer against the current
// cash and the instrument's margin, falling back to a full-cash floor
// division when no sizer is configured (e.g. in tests that construct
// Settings directly).
func (p *Portfolio) sizePosition(cash decimal.Decimal, inst instrument.Instrument) decimal.Decimal {
	if p.settings.Sizers == nil {
		scale := decimal.New(1, int32(inst.ContractPrecision))
		return cash.Div(inst.Margin).Mul(scale).Floor().Div(scale)
	}
	sizer, err := p.settings.Sizers.Resolve(p.settings.PosSizerName)
	if err != nil {
		p.logger.Warn("portfolio: unresolved position sizer, falling back to full cash", zap.Error(err))
		scale := decimal.New(1, int32(inst.ContractPrecision))
		return cash.Div(inst.Margin).Mul(scale).Floor().Div(scale)
	}
	return sizer.Size(cash, inst.Margin, p.settings.PosSizerValue, p.settings.PosSizerExtra)
}

// OnTimeindex is called exactly once per bar, after the strategy has
// produced signals, before the kernel dequeues the next batch
// (spec.md §4.4).
func (p *Portfolio) OnTimeindex(data marketdata.Handler) {
	var ts time.Time
	haveTS := false

	newPositions := make(map[string]PositionState, len(p.symbols))
	newHoldings := make(map[string]HoldingsState, len(p.symbols))
	deltaCapital := decimal.Zero

	for _, sym := range p.symbols {
		bar, ok := data.LatestBar(sym)
		if !ok {
			continue
		}
		if !haveTS {
			ts = bar.Timestamp
			haveTS = true
		}

		hold := p.holdings[sym]
		pos := p.positions[sym]

		if p.freshFill[sym] {
			delete(p.freshFill, sym)
		} else {
			inst := p.instruments[sym]
			prevClose, known := p.lastClose[sym]
			if known {
				pnl := bar.Close.Sub(prevClose).Mul(inst.PointValue()).Mul(pos.Position).Round(2)
				hold.PnL = pnl
			}
		}
		p.lastClose[sym] = bar.Close

		deltaCapital = deltaCapital.Add(hold.PnL)
		newPositions[sym] = *pos
		newHoldings[sym] = *hold
	}

	if !haveTS {
		return // no symbol has a bar yet
	}
	if !p.haveStart {
		p.tStart = ts
		p.haveStart = true
	}

	blocked := decimal.Zero
	for _, h := range newHoldings {
		blocked = blocked.Add(h.Blocked)
	}
	p.capital = p.capital.Add(deltaCapital).Round(2)
	cash := p.capital.Sub(blocked)

	p.positionSnaps[0], p.positionSnaps[1] = p.positionSnaps[1], &PositionSnapshot{TS: ts, Positions: newPositions}
	p.holdingSnaps[0], p.holdingSnaps[1] = p.holdingSnaps[1], &HoldingSnapshot{
		TS:        ts,
		Capital:   p.capital,
		Cash:      cash,
		Blocked:   blocked,
		PerSymbol: newHoldings,
	}
	p.equitySeries = append(p.equitySeries, EquityPoint{TS: ts, Capital: p.capital})

	if p.settings.MetricsMode == metrics.ModeRealTime {
		p.calc.Update(toFloat(p.capital), p.tStart, ts, p.dealsCount)
	}

	p.checkMaintenanceMargin(cash, ts)
}

// checkMaintenanceMargin implements spec.md §4.4.1's maintenance check.
func (p *Portfolio) checkMaintenanceMargin(cash decimal.Decimal, ts time.Time) {
	if !cash.IsNegative() {
		return
	}
	if p.settings.MinMarginFraction.IsZero() {
		return // invariant 11: min_margin_fraction == 0 never triggers
	}

	sumEntryCapital := decimal.Zero
	var openSymbols []string
	for _, sym := range p.symbols {
		pos := p.positions[sym]
		if !pos.Position.IsZero() {
			sumEntryCapital = sumEntryCapital.Add(pos.EntryCapital)
			openSymbols = append(openSymbols, sym)
		}
	}
	if len(openSymbols) == 0 {
		return
	}

	threshold := p.settings.MinMarginFraction.Mul(sumEntryCapital)
	if p.capital.GreaterThanOrEqual(threshold) {
		return
	}

	p.logger.Warn("portfolio: maintenance margin breached, closing all positions",
		zap.String("capital", p.capital.String()), zap.String("threshold", threshold.String()))
	for _, sym := range openSymbols {
		p.queue.Push(event.Signal{
			TS:         ts,
			Symbol:     sym,
			SignalName: event.SignalExit,
			OrderType:  event.OrderMarket,
			Quantity:   p.positions[sym].Position.Abs(),
		})
	}
}

// CapitalBelowZero reports whether the kernel should stop (spec.md §4.5 step 5).
func (p *Portfolio) CapitalBelowZero() bool {
	return p.capital.IsNegative()
}

// Finalize hands the equity series to the metrics engine in Offline
// mode, or returns the last incremental result in RealTime mode.
func (p *Portfolio) Finalize() metrics.Result {
	if p.settings.MetricsMode == metrics.ModeOffline {
		series := make([]float64, len(p.equitySeries)+1)
		series[0] = toFloat(p.settings.InitialCapital)
		for i, pt := range p.equitySeries {
			series[i+1] = toFloat(pt.Capital)
		}
		tEnd := p.tStart
		if len(p.equitySeries) > 0 {
			tEnd = p.equitySeries[len(p.equitySeries)-1].TS
		}
		return p.calc.Final(series, p.tStart, tEnd, p.dealsCount)
	}

	tEnd := p.tStart
	if len(p.equitySeries) > 0 {
		tEnd = p.equitySeries[len(p.equitySeries)-1].TS
	}
	return p.calc.Update(toFloat(p.capital), p.tStart, tEnd, p.dealsCount)
}
