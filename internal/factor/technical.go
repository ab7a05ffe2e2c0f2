package factor

import (
	"fmt"

	"factorlab/internal/domain"
)

// rsiLookback is how many bars RSI smooths over at most. Bounding it keeps
// the value independent of how much history the caller happened to load.
func rsiLookback(period int) int {
	return period*3 + 1
}

// RSI computes the Wilder-smoothed relative strength index. It needs
// period+1 bars and smooths over at most the trailing 3*period+1.
func RSI(bars []domain.Bar, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("%w: RSI period must be positive", domain.ErrInvalidArgument)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("%w: RSI(%d) needs %d bars, have %d", domain.ErrDataNotFound, period, period+1, len(bars))
	}
	if n := rsiLookback(period); len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	c := closes(bars)

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := c[i] - c[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(c); i++ {
		change := c[i] - c[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return finite(100-100/(1+rs), "rsi")
}

// MADeviation is the percentage distance of the last close from its simple
// moving average over window bars.
func MADeviation(bars []domain.Bar, window int) (float64, error) {
	w, err := tail(bars, window)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, b := range w {
		sum += b.Close
	}
	sma := sum / float64(len(w))
	if sma == 0 {
		return 0, fmt.Errorf("%w: zero moving average", domain.ErrComputation)
	}
	last := w[len(w)-1].Close
	return finite((last-sma)/sma*100, "ma_deviation")
}
