package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// FactorType classifies where a factor's raw values come from.
type FactorType string

const (
	FactorTechnical   FactorType = "technical"
	FactorFundamental FactorType = "fundamental"
	FactorMarket      FactorType = "market"
	FactorSentiment   FactorType = "sentiment"
	FactorCustom      FactorType = "custom"
)

// Well-known factor parameters.
const (
	ParamWindow    = "window"
	ParamDirection = "direction"
)

// Factor is one weighted factor definition inside a combination.
type Factor struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Type       FactorType         `json:"factor_type"`
	Weight     decimal.Decimal    `json:"weight"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	IsActive   bool               `json:"is_active"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Window returns the factor's "window" parameter, or def when unset.
func (f Factor) Window(def int) int {
	if w, ok := f.Parameters[ParamWindow]; ok && w >= 1 {
		return int(w)
	}
	return def
}

// Inverted reports whether lower raw values should score higher.
func (f Factor) Inverted() bool {
	return f.Parameters[ParamDirection] < 0
}

// Combination is a named group of weighted factors owned by a researcher.
// The backtest engine never mutates it; configs carry a Clone.
type Combination struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	Factors     []Factor  `json:"factors"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy that shares no mutable state with c.
func (c *Combination) Clone() Combination {
	out := *c
	out.Factors = make([]Factor, len(c.Factors))
	for i, f := range c.Factors {
		if f.Parameters != nil {
			params := make(map[string]float64, len(f.Parameters))
			for k, v := range f.Parameters {
				params[k] = v
			}
			f.Parameters = params
		}
		out.Factors[i] = f
	}
	return out
}

// ActiveFactors returns the factors with IsActive set, in declaration order.
func (c *Combination) ActiveFactors() []Factor {
	var active []Factor
	for _, f := range c.Factors {
		if f.IsActive {
			active = append(active, f)
		}
	}
	return active
}

// ActiveWeight sums the weights of active factors.
func (c *Combination) ActiveWeight() decimal.Decimal {
	total := decimal.Zero
	for _, f := range c.Factors {
		if f.IsActive {
			total = total.Add(f.Weight)
		}
	}
	return total
}

// CompositeScore normalizes each active factor's raw value against its
// trailing reference window and returns the weighted mean in [0,1].
//
// refs[name] must contain the window the value is judged against (the value
// itself included). Inactive factors are ignored entirely.
func (c *Combination) CompositeScore(values map[string]float64, refs map[string][]float64) (float64, error) {
	total := c.ActiveWeight()
	if !total.IsPositive() {
		return 0, fmt.Errorf("%w: combination %q has no positive active weight", ErrConfiguration, c.Name)
	}

	score := 0.0
	for _, f := range c.Factors {
		if !f.IsActive {
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			return 0, fmt.Errorf("%w: no value for factor %q", ErrDataNotFound, f.Name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: factor %q is not finite", ErrComputation, f.Name)
		}
		x := NormalizeMinMax(v, refs[f.Name])
		if f.Inverted() {
			x = 1 - x
		}
		share := f.Weight.Div(total).InexactFloat64()
		score += share * x
	}
	return score, nil
}

// NormalizeMinMax maps v into [0,1] relative to the min and max of ref and v.
// A flat window maps to 0.5.
func NormalizeMinMax(v float64, ref []float64) float64 {
	lo, hi := v, v
	for _, r := range ref {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		lo = math.Min(lo, r)
		hi = math.Max(hi, r)
	}
	if hi == lo {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}
