// Package factor computes per-stock factor values from daily bars and serves
// factor time series for backtests.
//
// The pure functions in this file take bars ordered by trade date, the last
// bar being the as-of day. Every function fails with domain.ErrDataNotFound
// when the history is empty or shorter than its window.
package factor

import (
	"fmt"
	"math"

	"factorlab/internal/domain"
	"factorlab/internal/util"
)

// Default windows, in trading days.
const (
	DefaultTurnoverWindow    = 20
	DefaultVolumeRatioWindow = 5
	DefaultVolatilityWindow  = 20
	DefaultMomentumWindow    = 20
	DefaultRSIPeriod         = 14
	DefaultMAWindow          = 20
)

// tail returns the last n bars, or ErrDataNotFound when fewer exist.
func tail(bars []domain.Bar, n int) ([]domain.Bar, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: window must be at least 1, got %d", domain.ErrInvalidArgument, n)
	}
	return tailBars(bars, n)
}

// tailWithPrior returns the last window+1 bars for return-based factors.
func tailWithPrior(bars []domain.Bar, window int) ([]domain.Bar, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: window must be at least 1, got %d", domain.ErrInvalidArgument, window)
	}
	return tailBars(bars, window+1)
}

func tailBars(bars []domain.Bar, n int) ([]domain.Bar, error) {
	if len(bars) < n {
		return nil, fmt.Errorf("%w: need %d bars, have %d", domain.ErrDataNotFound, n, len(bars))
	}
	return bars[len(bars)-n:], nil
}

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// simpleReturns converts n+1 bars into n close-to-close returns.
func simpleReturns(bars []domain.Bar) ([]float64, error) {
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			return nil, fmt.Errorf("%w: zero close on %s", domain.ErrComputation, domain.DateKey(bars[i-1].TradeDate))
		}
		out = append(out, bars[i].Close/prev-1)
	}
	return out, nil
}

func finite(v float64, name string) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", domain.ErrComputation, name)
	}
	return v, nil
}

// MarketCap is total shares times close on the last bar.
func MarketCap(bars []domain.Bar) (float64, error) {
	w, err := tail(bars, 1)
	if err != nil {
		return 0, err
	}
	return finite(w[0].TotalShares*w[0].Close, "market_cap")
}

// FloatMarketCap is float shares times close on the last bar.
func FloatMarketCap(bars []domain.Bar) (float64, error) {
	w, err := tail(bars, 1)
	if err != nil {
		return 0, err
	}
	return finite(w[0].FloatShares*w[0].Close, "float_market_cap")
}

// DailyTurnover is one day's turnover rate in percent. Volume is in lots and
// float shares in units of 10,000 shares; a day without float shares counts
// as zero turnover.
func DailyTurnover(b domain.Bar) float64 {
	if b.FloatShares == 0 {
		return 0
	}
	return float64(b.Volume) * 100 / (b.FloatShares * 10000) * 100
}

// TurnoverRate is the mean daily turnover over the trailing window.
func TurnoverRate(bars []domain.Bar, window int) (float64, error) {
	w, err := tail(bars, window)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, b := range w {
		sum += DailyTurnover(b)
	}
	return finite(sum/float64(len(w)), "turnover_rate")
}

// VolumeRatio is the last bar's volume over the mean volume of the window
// bars before it. It needs window+1 bars.
func VolumeRatio(bars []domain.Bar, window int) (float64, error) {
	w, err := tailWithPrior(bars, window)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, b := range w[:window] {
		sum += float64(b.Volume)
	}
	avg := sum / float64(window)
	if avg == 0 {
		return 0, fmt.Errorf("%w: zero average volume", domain.ErrComputation)
	}
	return finite(float64(w[window].Volume)/avg, "volume_ratio")
}

// PriceVolatility is the sample standard deviation of the trailing closes.
func PriceVolatility(bars []domain.Bar, window int) (float64, error) {
	w, err := tail(bars, window)
	if err != nil {
		return 0, err
	}
	return finite(util.StdDev(closes(w)), "price_volatility")
}

// ReturnVolatility is the sample standard deviation of the trailing window
// simple returns. It needs window+1 bars.
func ReturnVolatility(bars []domain.Bar, window int) (float64, error) {
	w, err := tailWithPrior(bars, window)
	if err != nil {
		return 0, err
	}
	rets, err := simpleReturns(w)
	if err != nil {
		return 0, err
	}
	return finite(util.StdDev(rets), "return_volatility")
}

// PriceMomentum is the percentage change from the first to the last close of
// the trailing window.
func PriceMomentum(bars []domain.Bar, window int) (float64, error) {
	w, err := tail(bars, window)
	if err != nil {
		return 0, err
	}
	first, last := w[0].Close, w[len(w)-1].Close
	if first == 0 {
		return 0, fmt.Errorf("%w: zero close at window start", domain.ErrComputation)
	}
	return finite((last-first)/first*100, "price_momentum")
}

// ReturnMomentum compounds the trailing window simple returns. It needs
// window+1 bars.
func ReturnMomentum(bars []domain.Bar, window int) (float64, error) {
	w, err := tailWithPrior(bars, window)
	if err != nil {
		return 0, err
	}
	rets, err := simpleReturns(w)
	if err != nil {
		return 0, err
	}
	growth := 1.0
	for _, r := range rets {
		growth *= 1 + r
	}
	return finite(growth-1, "return_momentum")
}
