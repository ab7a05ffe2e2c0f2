// Package marketdata provides price-feed clients for daily bars: an HTTP
// data-collector client, an Alpaca client for US equities and a store-backed
// feed that caches bars locally.
package marketdata

import (
	"context"
	"time"

	"factorlab/internal/domain"
)

// PriceFeed returns daily bars for a stock ordered by trade date. An empty
// result is a legal answer meaning "no data"; callers decide whether that is
// an error.
type PriceFeed interface {
	GetStockData(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error)
}

// PriceFeedFunc adapts a plain function to PriceFeed.
type PriceFeedFunc func(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error)

// GetStockData calls f.
func (f PriceFeedFunc) GetStockData(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error) {
	return f(ctx, code, start, end)
}
