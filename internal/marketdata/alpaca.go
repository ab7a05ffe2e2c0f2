package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	alpaca "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"factorlab/internal/domain"
)

var _ PriceFeed = (*AlpacaFeed)(nil)

// AlpacaFeed serves US daily bars from the Alpaca market-data API. Alpaca
// does not report share counts, so TotalShares and FloatShares are zero and
// the capitalization and turnover factors are not meaningful for this feed.
type AlpacaFeed struct {
	client *alpaca.Client
	feed   string
}

// NewAlpacaFeed creates a feed with the given credentials. dataURL and feed
// may be empty to use Alpaca's defaults.
func NewAlpacaFeed(apiKey, apiSecret, dataURL, feed string) *AlpacaFeed {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaFeed{client: alpaca.NewClient(opts), feed: feed}
}

// GetStockData returns split-adjusted daily bars for code within [start, end].
func (f *AlpacaFeed) GetStockData(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	symbol := strings.ToUpper(code)
	raw, err := f.client.GetBars(symbol, alpaca.GetBarsRequest{
		TimeFrame:  alpaca.OneDay,
		Adjustment: alpaca.Split,
		Start:      start,
		End:        end.AddDate(0, 0, 1),
		Feed:       alpaca.Feed(f.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		day := tradeDay(ab.Timestamp)
		if day.Before(start) || day.After(end) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			TradeDate: day,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
			Amount:    ab.VWAP * float64(ab.Volume),
		})
	}
	return bars, nil
}

var newYork = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// tradeDay maps an Alpaca bar timestamp (midnight New York) to the UTC
// midnight of the same calendar day.
func tradeDay(ts time.Time) time.Time {
	y, m, d := ts.In(newYork).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
