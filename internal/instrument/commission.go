package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// CommissionPlans maps exchange -> plan name -> commission type -> rate.
// Rates are stored as percents in the JSON file (e.g. 0.04 means
// 0.04%); the engine divides by 100 exactly once, at the point the
// rate is multiplied against notional (see execution.Simulator's
// commission method).
type CommissionPlans map[string]map[string]map[CommissionType]decimal.Decimal

type rawCommissionPlans map[string]map[string]map[string]float64

// LoadCommissionPlans reads and validates the commission plans file.
func LoadCommissionPlans(path string) (CommissionPlans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instrument: reading %s: %w", path, err)
	}

	var raw rawCommissionPlans
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("instrument: parsing %s: %w", path, err)
	}

	out := make(CommissionPlans, len(raw))
	for exchange, plans := range raw {
		outPlans := make(map[string]map[CommissionType]decimal.Decimal, len(plans))
		for planName, rates := range plans {
			outRates := make(map[CommissionType]decimal.Decimal, len(rates))
			for ct, rate := range rates {
				switch CommissionType(ct) {
				case CommissionCurrency, CommissionIndex, CommissionPercent:
				default:
					return nil, fmt.Errorf("instrument: %s/%s: invalid commission type %q", exchange, planName, ct)
				}
				outRates[CommissionType(ct)] = decimal.NewFromFloat(rate)
			}
			outPlans[planName] = outRates
		}
		out[exchange] = outPlans
	}
	return out, nil
}

// Rate looks up the configured rate for an exchange/plan/commission type.
func (c CommissionPlans) Rate(exchange, plan string, ct CommissionType) (decimal.Decimal, error) {
	plans, ok := c[exchange]
	if !ok {
		return decimal.Zero, fmt.Errorf("instrument: no commission plans for exchange %q", exchange)
	}
	rates, ok := plans[plan]
	if !ok {
		return decimal.Zero, fmt.Errorf("instrument: no commission plan %q on exchange %q", plan, exchange)
	}
	rate, ok := rates[ct]
	if !ok {
		return decimal.Zero, fmt.Errorf("instrument: plan %q/%q has no rate for commission type %q", exchange, plan, ct)
	}
	return rate, nil
}
