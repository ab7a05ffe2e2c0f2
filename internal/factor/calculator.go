package factor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/marketdata"
	"factorlab/internal/util"
)

// MarketCalculator computes single factor values as of a date, fetching the
// needed history from a price feed. It holds no state between calls.
type MarketCalculator struct {
	feed marketdata.PriceFeed
	log  *slog.Logger
}

// NewMarketCalculator creates a calculator over feed.
func NewMarketCalculator(feed marketdata.PriceFeed, log *slog.Logger) *MarketCalculator {
	if log == nil {
		log = slog.Default()
	}
	return &MarketCalculator{feed: feed, log: log.With("component", "factor-calculator")}
}

// history fetches enough bars on or before asOf to hold n trading days.
func (c *MarketCalculator) history(ctx context.Context, code string, asOf time.Time, n int) ([]domain.Bar, error) {
	if c.feed == nil {
		return nil, fmt.Errorf("%w: no price feed configured", domain.ErrConfiguration)
	}
	start := asOf.AddDate(0, 0, -util.CalendarLookback(n))
	bars, err := c.feed.GetStockData(ctx, code, start, asOf)
	if err != nil {
		return nil, fmt.Errorf("fetching %s bars: %w", code, err)
	}
	bars = upTo(bars, asOf)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s on or before %s", domain.ErrDataNotFound, code, domain.DateKey(asOf))
	}
	return bars, nil
}

// upTo returns the bars dated on or before asOf, sorted by trade date.
func upTo(bars []domain.Bar, asOf time.Time) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.TradeDate.After(asOf) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TradeDate.Before(out[j].TradeDate) })
	return out
}

func (c *MarketCalculator) eval(ctx context.Context, name, code string, asOf time.Time, bars int, fn func([]domain.Bar) (float64, error)) (float64, error) {
	history, err := c.history(ctx, code, asOf, bars)
	if err != nil {
		return 0, err
	}
	v, err := fn(history)
	if err != nil {
		c.log.Debug("factor unavailable", "factor", name, "code", code, "asOf", domain.DateKey(asOf), "error", err)
		return 0, fmt.Errorf("%s for %s: %w", name, code, err)
	}
	return v, nil
}

// MarketCap returns total shares times close on the latest bar on or before
// asOf.
func (c *MarketCalculator) MarketCap(ctx context.Context, code string, asOf time.Time) (float64, error) {
	return c.eval(ctx, NameMarketCap, code, asOf, 1, MarketCap)
}

// FloatMarketCap returns float shares times close on the latest bar.
func (c *MarketCalculator) FloatMarketCap(ctx context.Context, code string, asOf time.Time) (float64, error) {
	return c.eval(ctx, NameFloatMarketCap, code, asOf, 1, FloatMarketCap)
}

// TurnoverRate returns the mean daily turnover over the trailing window.
func (c *MarketCalculator) TurnoverRate(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NameTurnoverRate, code, asOf, window, func(b []domain.Bar) (float64, error) {
		return TurnoverRate(b, window)
	})
}

// VolumeRatio returns today's volume over the mean of the previous window.
func (c *MarketCalculator) VolumeRatio(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NameVolumeRatio, code, asOf, window+1, func(b []domain.Bar) (float64, error) {
		return VolumeRatio(b, window)
	})
}

// PriceVolatility returns the sample standard deviation of trailing closes.
func (c *MarketCalculator) PriceVolatility(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NamePriceVolatility, code, asOf, window, func(b []domain.Bar) (float64, error) {
		return PriceVolatility(b, window)
	})
}

// ReturnVolatility returns the sample standard deviation of trailing returns.
func (c *MarketCalculator) ReturnVolatility(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NameReturnVolatility, code, asOf, window+1, func(b []domain.Bar) (float64, error) {
		return ReturnVolatility(b, window)
	})
}

// PriceMomentum returns the percentage close change over the trailing window.
func (c *MarketCalculator) PriceMomentum(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NamePriceMomentum, code, asOf, window, func(b []domain.Bar) (float64, error) {
		return PriceMomentum(b, window)
	})
}

// ReturnMomentum returns the compounded return over the trailing window.
func (c *MarketCalculator) ReturnMomentum(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NameReturnMomentum, code, asOf, window+1, func(b []domain.Bar) (float64, error) {
		return ReturnMomentum(b, window)
	})
}

// RSI returns the Wilder RSI for period.
func (c *MarketCalculator) RSI(ctx context.Context, code string, asOf time.Time, period int) (float64, error) {
	return c.eval(ctx, NameRSI, code, asOf, rsiLookback(period), func(b []domain.Bar) (float64, error) {
		return RSI(b, period)
	})
}

// MADeviation returns the percentage distance of close from its SMA.
func (c *MarketCalculator) MADeviation(ctx context.Context, code string, asOf time.Time, window int) (float64, error) {
	return c.eval(ctx, NameMADeviation, code, asOf, window, func(b []domain.Bar) (float64, error) {
		return MADeviation(b, window)
	})
}

// Value computes the named factor as of asOf. A non-positive window uses the
// factor's default. Unknown names wrap domain.ErrNotFound.
func (c *MarketCalculator) Value(ctx context.Context, name, code string, asOf time.Time, window int) (float64, error) {
	or := func(def int) int {
		if window > 0 {
			return window
		}
		return def
	}
	switch name {
	case NameMarketCap:
		return c.MarketCap(ctx, code, asOf)
	case NameFloatMarketCap:
		return c.FloatMarketCap(ctx, code, asOf)
	case NameTurnoverRate:
		return c.TurnoverRate(ctx, code, asOf, or(DefaultTurnoverWindow))
	case NameVolumeRatio:
		return c.VolumeRatio(ctx, code, asOf, or(DefaultVolumeRatioWindow))
	case NamePriceVolatility:
		return c.PriceVolatility(ctx, code, asOf, or(DefaultVolatilityWindow))
	case NameReturnVolatility:
		return c.ReturnVolatility(ctx, code, asOf, or(DefaultVolatilityWindow))
	case NamePriceMomentum:
		return c.PriceMomentum(ctx, code, asOf, or(DefaultMomentumWindow))
	case NameReturnMomentum:
		return c.ReturnMomentum(ctx, code, asOf, or(DefaultMomentumWindow))
	case NameRSI:
		return c.RSI(ctx, code, asOf, or(DefaultRSIPeriod))
	case NameMADeviation:
		return c.MADeviation(ctx, code, asOf, or(DefaultMAWindow))
	}
	return 0, fmt.Errorf("%w: unknown factor %q", domain.ErrNotFound, name)
}
