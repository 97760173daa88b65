// Package instrument loads and validates instrument metadata and
// commission plans (spec.md §6) — JSON-configured, validated at load,
// shared read-only across the worker pool.
package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the instrument kind.
type Type string

const (
	TypeFutures         Type = "futures"
	TypeEquity          Type = "equity"
	TypeReversalFutures Type = "reversal_futures"
)

// CommissionType selects how a commission plan rate is applied.
type CommissionType string

const (
	CommissionCurrency CommissionType = "currency"
	CommissionIndex    CommissionType = "index"
	CommissionPercent  CommissionType = "percent"
)

const dateLayout = "2006-01-02 15:04:05"

// Instrument is one tradable contract's static metadata.
type Instrument struct {
	Exchange          string
	Type              Type
	ContractPrecision int
	Margin            decimal.Decimal
	CommissionType    CommissionType
	TradeFromDate     time.Time
	ExpirationDate    time.Time
	MarginalCosts     decimal.Decimal
	Step              decimal.Decimal
	StepPrice         decimal.Decimal
}

// PointValue is the currency change per 1.0 price unit per contract:
// round((step_price/step)*1e5)/1e5.
func (i Instrument) PointValue() decimal.Decimal {
	const scale = 100000
	raw := i.StepPrice.Div(i.Step).Mul(decimal.NewFromInt(scale))
	return raw.Round(0).Div(decimal.NewFromInt(scale))
}

// raw JSON shapes, validated and converted into Instrument below.
type rawInstrument struct {
	Exchange          string  `json:"exchange"`
	Type              string  `json:"type"`
	ContractPrecision int     `json:"contract_precision"`
	Margin            float64 `json:"margin"`
	CommissionType    string  `json:"commission_type"`
	TradeFromDate     string  `json:"trade_from_date"`
	ExpirationDate    string  `json:"expiration_date"`
	MarginalCosts     float64 `json:"marginal_costs"`
	Step              float64 `json:"step"`
	StepPrice         float64 `json:"step_price"`
}

// Metadata maps base-instrument name -> contract name -> Instrument.
type Metadata map[string]map[string]Instrument

// LoadMetadata reads and validates the instrument metadata file.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instrument: reading %s: %w", path, err)
	}

	var raw map[string]map[string]rawInstrument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("instrument: parsing %s: %w", path, err)
	}

	out := make(Metadata, len(raw))
	for base, contracts := range raw {
		converted := make(map[string]Instrument, len(contracts))
		for contract, ri := range contracts {
			inst, err := ri.validate()
			if err != nil {
				return nil, fmt.Errorf("instrument: %s/%s: %w", base, contract, err)
			}
			converted[contract] = inst
		}
		out[base] = converted
	}
	return out, nil
}

func (ri rawInstrument) validate() (Instrument, error) {
	var out Instrument

	switch Type(ri.Type) {
	case TypeFutures, TypeEquity, TypeReversalFutures:
		out.Type = Type(ri.Type)
	default:
		return out, fmt.Errorf("invalid type %q", ri.Type)
	}

	switch CommissionType(ri.CommissionType) {
	case CommissionCurrency, CommissionIndex, CommissionPercent:
		out.CommissionType = CommissionType(ri.CommissionType)
	default:
		return out, fmt.Errorf("invalid commission_type %q", ri.CommissionType)
	}

	if ri.Margin <= 0 {
		return out, fmt.Errorf("margin must be positive, got %v", ri.Margin)
	}
	if ri.Step <= 0 {
		return out, fmt.Errorf("step must be positive, got %v", ri.Step)
	}
	if ri.StepPrice <= 0 {
		return out, fmt.Errorf("step_price must be positive, got %v", ri.StepPrice)
	}
	if ri.MarginalCosts < 0 {
		return out, fmt.Errorf("marginal_costs must be non-negative, got %v", ri.MarginalCosts)
	}

	tradeFrom, err := time.Parse(dateLayout, ri.TradeFromDate)
	if err != nil {
		return out, fmt.Errorf("invalid trade_from_date %q: %w", ri.TradeFromDate, err)
	}
	expiration, err := time.Parse(dateLayout, ri.ExpirationDate)
	if err != nil {
		return out, fmt.Errorf("invalid expiration_date %q: %w", ri.ExpirationDate, err)
	}

	out.Exchange = ri.Exchange
	out.ContractPrecision = ri.ContractPrecision
	out.Margin = decimal.NewFromFloat(ri.Margin)
	out.TradeFromDate = tradeFrom
	out.ExpirationDate = expiration
	out.MarginalCosts = decimal.NewFromFloat(ri.MarginalCosts)
	out.Step = decimal.NewFromFloat(ri.Step)
	out.StepPrice = decimal.NewFromFloat(ri.StepPrice)
	return out, nil
}
