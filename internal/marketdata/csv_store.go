package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// barLayout is the expected on-disk timestamp format for CSV bars.
const barLayout = "2006-01-02 15:04:05"

// CSVStore is a reference Handler implementation that loads one CSV
// file per symbol (named "<symbol>.csv" under a base directory, with
// header "timestamp,open,high,low,close,volume") and advances a
// shared cursor across all symbols in lock step.
//
// This is the concern spec.md §1 calls "on-disk bar storage", deliberately
// left outside the core: any Handler implementation is substitutable.
type CSVStore struct {
	logger  *zap.Logger
	symbols []string
	bars    map[string][]Bar
	cursor  int // index of the latest bar visible, -1 before first Advance
	stopped bool
}

// NewCSVStore loads every "<symbol>.csv" file named in symbols from dir.
func NewCSVStore(logger *zap.Logger, dir string, symbols []string) (*CSVStore, error) {
	s := &CSVStore{
		logger:  logger,
		symbols: append([]string(nil), symbols...),
		bars:    make(map[string][]Bar, len(symbols)),
		cursor:  -1,
	}
	sort.Strings(s.symbols)

	for _, sym := range s.symbols {
		path := filepath.Join(dir, sym+".csv")
		bars, err := loadBarCSV(path)
		if err != nil {
			return nil, fmt.Errorf("marketdata: loading %s: %w", sym, err)
		}
		s.bars[sym] = bars
	}
	return s, nil
}

func loadBarCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 6 {
		return nil, fmt.Errorf("expected 6 columns, got %d", len(header))
	}

	var bars []Bar
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(barLayout, rec[0])
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp %q: %w", rec[0], err)
		}
		open, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("parsing open %q: %w", rec[1], err)
		}
		high, err := decimal.NewFromString(rec[2])
		if err != nil {
			return nil, fmt.Errorf("parsing high %q: %w", rec[2], err)
		}
		low, err := decimal.NewFromString(rec[3])
		if err != nil {
			return nil, fmt.Errorf("parsing low %q: %w", rec[3], err)
		}
		closePrice, err := decimal.NewFromString(rec[4])
		if err != nil {
			return nil, fmt.Errorf("parsing close %q: %w", rec[4], err)
		}
		volume, err := decimal.NewFromString(rec[5])
		if err != nil {
			return nil, fmt.Errorf("parsing volume %q: %w", rec[5], err)
		}
		bars = append(bars, Bar{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}
	return bars, nil
}

// Symbols returns the configured symbol list in stable sorted order,
// which the kernel relies on for the determinism invariant of spec.md §4.5.
func (s *CSVStore) Symbols() []string {
	return s.symbols
}

func (s *CSVStore) maxLen() int {
	max := 0
	for _, bars := range s.bars {
		if len(bars) > max {
			max = len(bars)
		}
	}
	return max
}

// Advance moves the shared cursor forward by one bar.
func (s *CSVStore) Advance() error {
	if s.cursor+1 >= s.maxLen() {
		return fmt.Errorf("marketdata: no more bars to advance to")
	}
	s.cursor++
	return nil
}

// ContinueBacktest reports whether another Advance is possible and the
// caller has not requested a cooperative Stop.
func (s *CSVStore) ContinueBacktest() bool {
	return !s.stopped && s.cursor+1 < s.maxLen()
}

// Stop requests cooperative termination; checked by ContinueBacktest.
func (s *CSVStore) Stop() {
	s.stopped = true
}

func (s *CSVStore) LatestBar(symbol string) (Bar, bool) {
	if s.cursor < 0 {
		return Bar{}, false
	}
	bars := s.bars[symbol]
	if s.cursor >= len(bars) {
		return Bar{}, false
	}
	return bars[s.cursor], true
}

func (s *CSVStore) LatestBars(symbol string, n int) []Bar {
	if s.cursor < 0 || n <= 0 {
		return nil
	}
	bars := s.bars[symbol]
	end := s.cursor + 1
	if end > len(bars) {
		end = len(bars)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start)
	copy(out, bars[start:end])
	return out
}

func (s *CSVStore) LatestBarTS(symbol string) (time.Time, bool) {
	bar, ok := s.LatestBar(symbol)
	if !ok {
		return time.Time{}, false
	}
	return bar.Timestamp, true
}

func (s *CSVStore) LatestBarValue(symbol string, field Field) (decimal.Decimal, bool) {
	bar, ok := s.LatestBar(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return bar.Value(field), true
}

func (s *CSVStore) LatestBarsValues(symbol string, field Field, n int) []decimal.Decimal {
	bars := s.LatestBars(symbol, n)
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Value(field)
	}
	return out
}
