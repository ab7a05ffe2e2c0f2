package factor

import (
	"sort"

	"factorlab/internal/domain"
)

// Built-in factor names.
const (
	NameMarketCap        = "market_cap"
	NameFloatMarketCap   = "float_market_cap"
	NameTurnoverRate     = "turnover_rate"
	NameVolumeRatio      = "volume_ratio"
	NamePriceVolatility  = "price_volatility"
	NameReturnVolatility = "return_volatility"
	NamePriceMomentum    = "price_momentum"
	NameReturnMomentum   = "return_momentum"
	NameRSI              = "rsi"
	NameMADeviation      = "ma_deviation"
)

// Func computes a factor value from bars ordered by trade date, the last bar
// being the as-of day.
type Func func(bars []domain.Bar, window int) (float64, error)

// Definition describes one named factor.
type Definition struct {
	Name          string
	Type          domain.FactorType
	DefaultWindow int
	// Lookback is how many bars Compute reads for a window.
	Lookback func(window int) int
	Compute  Func
}

// Window resolves the window for f, falling back to the default.
func (d Definition) Window(f domain.Factor) int {
	return f.Window(d.DefaultWindow)
}

// Bars returns how many trailing bars the factor needs for window.
func (d Definition) Bars(window int) int {
	if d.Lookback == nil {
		return window
	}
	return d.Lookback(window)
}

// Registry maps factor names to definitions. It is filled at startup and
// read-only afterwards.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register adds a definition, replacing any previous one of the same name.
func (r *Registry) Register(d Definition) {
	r.defs[d.Name] = d
}

// Get retrieves a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// List returns a sorted slice of all registered factor names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func single(_ int) int    { return 1 }
func withPrior(w int) int { return w + 1 }

func lastBarOnly(fn func([]domain.Bar) (float64, error)) Func {
	return func(bars []domain.Bar, _ int) (float64, error) { return fn(bars) }
}

// NewDefaultRegistry returns a Registry holding every built-in factor.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Definition{Name: NameMarketCap, Type: domain.FactorMarket, DefaultWindow: 1, Lookback: single, Compute: lastBarOnly(MarketCap)})
	r.Register(Definition{Name: NameFloatMarketCap, Type: domain.FactorMarket, DefaultWindow: 1, Lookback: single, Compute: lastBarOnly(FloatMarketCap)})
	r.Register(Definition{Name: NameTurnoverRate, Type: domain.FactorMarket, DefaultWindow: DefaultTurnoverWindow, Compute: TurnoverRate})
	r.Register(Definition{Name: NameVolumeRatio, Type: domain.FactorMarket, DefaultWindow: DefaultVolumeRatioWindow, Lookback: withPrior, Compute: VolumeRatio})
	r.Register(Definition{Name: NamePriceVolatility, Type: domain.FactorMarket, DefaultWindow: DefaultVolatilityWindow, Compute: PriceVolatility})
	r.Register(Definition{Name: NameReturnVolatility, Type: domain.FactorMarket, DefaultWindow: DefaultVolatilityWindow, Lookback: withPrior, Compute: ReturnVolatility})
	r.Register(Definition{Name: NamePriceMomentum, Type: domain.FactorMarket, DefaultWindow: DefaultMomentumWindow, Compute: PriceMomentum})
	r.Register(Definition{Name: NameReturnMomentum, Type: domain.FactorMarket, DefaultWindow: DefaultMomentumWindow, Lookback: withPrior, Compute: ReturnMomentum})
	r.Register(Definition{Name: NameRSI, Type: domain.FactorTechnical, DefaultWindow: DefaultRSIPeriod, Lookback: rsiLookback, Compute: RSI})
	r.Register(Definition{Name: NameMADeviation, Type: domain.FactorTechnical, DefaultWindow: DefaultMAWindow, Compute: MADeviation})
	return r
}
