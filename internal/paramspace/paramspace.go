// Package paramspace implements the parameter-set combination
// generator (C8): a Cartesian product over discrete and range axes,
// plus a stable hash/display codec used to key the GA fitness cache
// (spec.md invariant 8, invariant 10).
package paramspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Axis is one tunable dimension: either an explicit discrete value
// list, or a [From, To] range stepped by Step (inclusive of To, within
// a small epsilon to tolerate floating point step accumulation).
type Axis struct {
	Name   string
	Values []float64 // discrete values; nil when From/To/Step are set
	From   float64
	To     float64
	Step   float64
}

// rangeEpsilon guards the inclusive upper bound of a stepped range
// against floating-point step accumulation error.
const rangeEpsilon = 1e-9

// Expand returns the axis's concrete value list.
func (a Axis) Expand() []float64 {
	if len(a.Values) > 0 {
		return a.Values
	}
	if a.Step <= 0 {
		return []float64{a.From}
	}
	var out []float64
	for v := a.From; v <= a.To+rangeEpsilon; v += a.Step {
		out = append(out, v)
	}
	return out
}

// ParameterSet is one candidate configuration: strategy parameters
// keyed by name, a position sizer selection, and a slippage value.
// Encode and Hash write the maps in sorted-key order.
type ParameterSet struct {
	StrategyParams map[string]float64
	PosSizerName   string
	PosSizerValue  float64
	PosSizerExtra  map[string]float64
	Slippage       float64
}

// OptimizationConfig names every axis to sweep, split between
// strategy parameters and the sizer's own knobs.
type OptimizationConfig struct {
	StrategyAxes  []Axis
	PosSizerName  string
	PosSizerAxis  Axis   // the sizer's single scalar knob
	PosSizerExtra []Axis // additional sizer-specific axes, folded into PosSizerExtra
	SlippageAxis  Axis
}

// GenerateCombinations returns the full Cartesian product of every
// configured axis as concrete ParameterSets, in a deterministic order
// (axes and values iterated in the order given/expanded).
func GenerateCombinations(cfg OptimizationConfig) []ParameterSet {
	strategyCombos := cartesianNamed(cfg.StrategyAxes)
	extraCombos := cartesianNamed(cfg.PosSizerExtra)
	sizerValues := cfg.PosSizerAxis.Expand()
	slippageValues := cfg.SlippageAxis.Expand()

	var out []ParameterSet
	for _, sc := range strategyCombos {
		for _, sizerValue := range sizerValues {
			for _, ec := range extraCombos {
				for _, slip := range slippageValues {
					out = append(out, ParameterSet{
						StrategyParams: sc,
						PosSizerName:   cfg.PosSizerName,
						PosSizerValue:  sizerValue,
						PosSizerExtra:  ec,
						Slippage:       slip,
					})
				}
			}
		}
	}
	return out
}

// cartesianNamed expands a set of named axes into every combination,
// each returned as a map from axis name to value. A nil/empty axis
// list yields a single empty map, so callers can always range over
// the result.
func cartesianNamed(axes []Axis) []map[string]float64 {
	if len(axes) == 0 {
		return []map[string]float64{{}}
	}
	combos := []map[string]float64{{}}
	for _, axis := range axes {
		values := axis.Expand()
		next := make([]map[string]float64, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				merged := make(map[string]float64, len(combo)+1)
				for k, existing := range combo {
					merged[k] = existing
				}
				merged[axis.Name] = v
				next = append(next, merged)
			}
		}
		combos = next
	}
	return combos
}

// Hash returns a stable hex digest of the parameter set, suitable as a
// map key for the GA fitness cache (spec.md invariant 8): two
// ParameterSets with identical field values hash identically
// regardless of map iteration order.
func (p ParameterSet) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.Encode()))
	return hex.EncodeToString(h.Sum(nil))
}

// Encode renders the parameter set as a canonical, sorted-key string
// (invariant 10: a ParameterSet round-trips through this encoding).
func (p ParameterSet) Encode() string {
	var b strings.Builder
	writeSortedMap(&b, "strategy_params", p.StrategyParams)
	fmt.Fprintf(&b, "|pos_sizer_name=%s", p.PosSizerName)
	fmt.Fprintf(&b, "|pos_sizer_value=%s", formatFloat(p.PosSizerValue))
	writeSortedMap(&b, "pos_sizer_extra", p.PosSizerExtra)
	fmt.Fprintf(&b, "|slippage=%s", formatFloat(p.Slippage))
	return b.String()
}

// Decode parses a string produced by Encode back into a ParameterSet
// (invariant 10: Encode then Decode preserves the tuple of
// strategy_params, pos_sizer_name, pos_sizer_value, pos_sizer_extra,
// slippage).
func Decode(s string) (ParameterSet, error) {
	var out ParameterSet
	for _, part := range strings.Split(s, "|") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return out, fmt.Errorf("paramspace: malformed segment %q", part)
		}
		switch key {
		case "strategy_params":
			m, err := decodeMap(value)
			if err != nil {
				return out, err
			}
			out.StrategyParams = m
		case "pos_sizer_name":
			out.PosSizerName = value
		case "pos_sizer_value":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return out, fmt.Errorf("paramspace: pos_sizer_value: %w", err)
			}
			out.PosSizerValue = v
		case "pos_sizer_extra":
			m, err := decodeMap(value)
			if err != nil {
				return out, err
			}
			out.PosSizerExtra = m
		case "slippage":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return out, fmt.Errorf("paramspace: slippage: %w", err)
			}
			out.Slippage = v
		default:
			return out, fmt.Errorf("paramspace: unknown field %q", key)
		}
	}
	return out, nil
}

// decodeMap parses the "{k=v,k2=v2}" shape written by writeSortedMap.
func decodeMap(s string) (map[string]float64, error) {
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("paramspace: malformed map %q", s)
	}
	inner := s[1 : len(s)-1]
	out := map[string]float64{}
	if inner == "" {
		return out, nil
	}
	for _, pair := range strings.Split(inner, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("paramspace: malformed map entry %q", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("paramspace: map value %q: %w", v, err)
		}
		out[k] = f
	}
	return out, nil
}

func writeSortedMap(b *strings.Builder, label string, m map[string]float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "|%s={", label)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%s=%s", k, formatFloat(m[k]))
	}
	b.WriteByte('}')
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
