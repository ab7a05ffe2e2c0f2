// Package domain defines the core value types shared across factorlab:
// daily bars, factor definitions and combinations, backtest configuration,
// trade events and results.
package domain

import (
	"time"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketCN Market = "cn"
	MarketUS Market = "us"
)

// DateLayout is the canonical trade-date format used in configs, stores and
// the HTTP API.
const DateLayout = "2006-01-02"

// Bar is one daily OHLCV bar as returned by the price feed. Units follow the
// CN collector: Volume in lots of 100 shares, share counts in units of 10,000
// shares. FloatShares is the tradable free float.
type Bar struct {
	Symbol      string    `json:"symbol"`
	TradeDate   time.Time `json:"trade_date"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
	Amount      float64   `json:"amount"`
	TotalShares float64   `json:"total_shares"`
	FloatShares float64   `json:"float_shares"`
}

// FactorPoint is one value of a factor time series.
type FactorPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// FactorSeries is a factor's values ordered by trade date.
type FactorSeries []FactorPoint

// ByDate indexes the series by its date key.
func (s FactorSeries) ByDate() map[string]float64 {
	m := make(map[string]float64, len(s))
	for _, p := range s {
		m[DateKey(p.Date)] = p.Value
	}
	return m
}

// DateKey formats t as a trade-date key.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD trade date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
