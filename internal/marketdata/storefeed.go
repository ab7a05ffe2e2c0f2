package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

var _ PriceFeed = (*StoreFeed)(nil)

// headSlack is how far the first cached bar may sit after the requested start
// before the whole range is refetched. It absorbs listing dates and long
// exchange holidays.
const headSlack = 10 * 24 * time.Hour

// StoreFeed serves bars from a local BarStore, falling through to an upstream
// feed when the cache does not cover the requested range. A cache that only
// lacks recent bars is topped up with the missing tail. Upstream results are
// written back to the store.
type StoreFeed struct {
	bars     store.BarStore
	market   string
	upstream PriceFeed
	log      *slog.Logger
}

// NewStoreFeed creates a read-through feed. upstream may be nil for a
// cache-only feed.
func NewStoreFeed(bars store.BarStore, market string, upstream PriceFeed, log *slog.Logger) *StoreFeed {
	if log == nil {
		log = slog.Default()
	}
	return &StoreFeed{
		bars:     bars,
		market:   market,
		upstream: upstream,
		log:      log.With("component", "store-feed", "market", market),
	}
}

// GetStockData returns cached bars when they cover [start, end]. A cold or
// short-headed cache is replaced by the upstream range; a stale tail is
// fetched from upstream and appended.
func (f *StoreFeed) GetStockData(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error) {
	cached, err := f.bars.ReadBars(ctx, code, f.market, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading cached bars for %s: %w", code, err)
	}
	if f.upstream == nil {
		return cached, nil
	}

	if len(cached) == 0 || cached[0].TradeDate.Sub(start) > headSlack {
		return f.fetch(ctx, code, start, end)
	}

	last := cached[len(cached)-1].TradeDate
	tailStart := last.AddDate(0, 0, 1)
	if len(util.WeekdaysBetween(tailStart, end)) == 0 {
		return cached, nil
	}

	tail, err := f.fetch(ctx, code, tailStart, end)
	if err != nil {
		return nil, err
	}
	for _, b := range tail {
		if b.TradeDate.After(last) {
			cached = append(cached, b)
		}
	}
	return cached, nil
}

// fetch reads [start, end] from upstream and writes the bars back.
func (f *StoreFeed) fetch(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error) {
	fresh, err := f.upstream.GetStockData(ctx, code, start, end)
	if err != nil {
		return nil, err
	}
	for i := range fresh {
		if fresh[i].Symbol == "" {
			fresh[i].Symbol = code
		}
	}
	if len(fresh) > 0 {
		if err := f.bars.WriteBars(ctx, f.market, fresh); err != nil {
			f.log.Warn("caching bars failed", "code", code, "error", err)
		} else {
			f.log.Debug("cached bars", "code", code, "count", len(fresh),
				"from", domain.DateKey(start), "to", domain.DateKey(end))
		}
	}
	return fresh, nil
}
