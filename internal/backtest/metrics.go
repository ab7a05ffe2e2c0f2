package backtest

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
	"factorlab/internal/util"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// ComputeMetrics derives return, risk and trade statistics from a
// trajectory. riskFreeRate is annual. Ratios whose denominator is zero are
// reported as 0. Non-finite inputs or a non-positive initial capital fail with
// domain.ErrComputation.
func ComputeMetrics(t Trajectory, initialCapital decimal.Decimal, riskFreeRate float64) (domain.Metrics, error) {
	var m domain.Metrics

	initial := initialCapital.InexactFloat64()
	if initial <= 0 || !util.Finite(initial, riskFreeRate) {
		return m, fmt.Errorf("%w: initial capital must be positive and finite, got %s", domain.ErrComputation, initialCapital)
	}
	n := len(t.Values)
	if n == 0 {
		return m, fmt.Errorf("%w: empty value series", domain.ErrDataNotFound)
	}
	if len(t.Benchmark) != 0 && len(t.Benchmark) != n {
		return m, fmt.Errorf("%w: benchmark has %d points, values %d", domain.ErrComputation, len(t.Benchmark), n)
	}
	if !util.Finite(t.Values...) || !util.Finite(t.Benchmark...) || !util.Finite(t.Exposure...) {
		return m, fmt.Errorf("%w: series contain non-finite values", domain.ErrComputation)
	}

	returns, err := dailyReturns(t.Values)
	if err != nil {
		return m, err
	}

	// Returns.
	m.TotalReturn = t.Values[n-1]/initial - 1
	if periods := len(returns); periods > 0 {
		growth := 1 + m.TotalReturn
		if growth <= 0 {
			m.AnnualReturn = -1
		} else {
			m.AnnualReturn = math.Pow(growth, float64(TradingDaysPerYear)/float64(periods)) - 1
		}
	}
	if len(t.Benchmark) > 0 && t.Benchmark[0] > 0 {
		m.BenchmarkReturn = t.Benchmark[len(t.Benchmark)-1]/t.Benchmark[0] - 1
	}

	// Risk.
	m.MaxDrawdown = maxDrawdown(t.Values)
	annualizer := math.Sqrt(TradingDaysPerYear)
	m.Volatility = util.StdDev(returns) * annualizer

	dailyRF := riskFreeRate / TradingDaysPerYear
	excess := make([]float64, len(returns))
	var downside []float64
	for i, r := range returns {
		excess[i] = r - dailyRF
		if excess[i] < 0 {
			downside = append(downside, excess[i])
		}
	}
	if sd := util.StdDev(excess); len(excess) >= 2 && sd > 0 {
		m.SharpeRatio = util.Mean(excess) / sd * annualizer
	}
	if sd := util.StdDev(downside); sd > 0 {
		m.SortinoRatio = util.Mean(excess) / sd * annualizer
	}
	if m.MaxDrawdown < 0 {
		m.CalmarRatio = m.AnnualReturn / math.Abs(m.MaxDrawdown)
	}
	if len(returns) > 0 {
		m.VaR95 = util.Percentile(returns, 5)
	}
	if len(t.Benchmark) == n {
		if bench, err := dailyReturns(t.Benchmark); err == nil {
			if v := util.StdDev(bench); v > 0 {
				m.Beta = util.Covariance(returns, bench) / (v * v)
			}
		}
	}
	m.GrossLeverage = util.Mean(t.Exposure)

	// Trades.
	tradeStats(&m, t.Trades)

	if !metricsFinite(m) {
		return domain.Metrics{}, fmt.Errorf("%w: metrics are not finite", domain.ErrComputation)
	}
	return m, nil
}

func dailyReturns(values []float64) ([]float64, error) {
	if len(values) < 2 {
		return nil, nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			return nil, fmt.Errorf("%w: non-positive value %v at index %d", domain.ErrComputation, values[i-1], i-1)
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out, nil
}

// maxDrawdown returns the largest peak-to-trough decline as a non-positive
// fraction.
func maxDrawdown(values []float64) float64 {
	peak := math.Inf(-1)
	mdd := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := v/peak - 1; dd < mdd {
				mdd = dd
			}
		}
	}
	return mdd
}

// tradeStats fills the round-trip statistics. Only SELL events close a round
// trip and carry P&L.
func tradeStats(m *domain.Metrics, trades []domain.Trade) {
	var pnls, wins, losses []float64
	for _, t := range trades {
		if t.Side != domain.SideSell {
			continue
		}
		p := t.PnL.InexactFloat64()
		pnls = append(pnls, p)
		switch {
		case p > 0:
			wins = append(wins, p)
		case p < 0:
			losses = append(losses, p)
		}
	}

	m.TotalTrades = len(pnls)
	m.WinningTrades = len(wins)
	m.LosingTrades = len(losses)
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	m.AvgProfit = util.Mean(wins)
	m.AvgLoss = util.Mean(losses)
	if m.AvgProfit > 0 && m.AvgLoss < 0 {
		m.ProfitLossRatio = m.AvgProfit / math.Abs(m.AvgLoss)
	}
	for _, w := range wins {
		m.LargestWin = math.Max(m.LargestWin, w)
	}
	for _, l := range losses {
		m.LargestLoss = math.Min(m.LargestLoss, l)
	}
	if len(pnls) >= 2 {
		if sd := util.StdDev(pnls); sd > 0 {
			m.SQN = math.Sqrt(float64(len(pnls))) * util.Mean(pnls) / sd
		}
	}
}

func metricsFinite(m domain.Metrics) bool {
	return util.Finite(
		m.TotalReturn, m.AnnualReturn, m.BenchmarkReturn, m.MaxDrawdown,
		m.SharpeRatio, m.SortinoRatio, m.CalmarRatio,
		m.WinRate, m.AvgProfit, m.AvgLoss, m.ProfitLossRatio, m.LargestWin, m.LargestLoss,
		m.Volatility, m.VaR95, m.Beta, m.SQN, m.GrossLeverage,
	)
}
