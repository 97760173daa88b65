// Package marketdata provides the data-handler abstraction (C2): a
// cursor over per-symbol OHLCV bar series that advances one unit at a
// time across every configured symbol.
package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is an immutable OHLCV tuple for one instrument over one interval.
// Created by the data handler on Advance; never mutated afterward.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Field selects an OHLCV projection for LatestBarValue/LatestBarsValues.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// Value extracts the named field from a Bar.
func (b Bar) Value(f Field) decimal.Decimal {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldVolume:
		return b.Volume
	default:
		return b.Close
	}
}

// Handler is the cursor surface C6/C7 depend on. Returning absent
// values for missing bars (shorter history than requested, or a symbol
// not yet advanced) is normal — it is a contract, not an error.
type Handler interface {
	LatestBar(symbol string) (Bar, bool)
	LatestBars(symbol string, n int) []Bar // newest last, up to n
	LatestBarTS(symbol string) (time.Time, bool)
	LatestBarValue(symbol string, field Field) (decimal.Decimal, bool)
	LatestBarsValues(symbol string, field Field, n int) []decimal.Decimal

	// Advance moves the cursor forward by one unit across all symbols.
	// Emitting a MARKET event on the shared queue is the caller's
	// responsibility, not the handler's.
	Advance() error

	Symbols() []string
	ContinueBacktest() bool
	Stop()
}
