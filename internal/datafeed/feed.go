// Package datafeed merges a stock's price history with its factor series
// into scored daily records for the backtest simulator.
package datafeed

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/marketdata"
	"factorlab/internal/util"
)

// FactorService returns factor series keyed by factor name.
type FactorService interface {
	GetFactorData(ctx context.Context, code string, start, end time.Time, factors []domain.Factor) (map[string]domain.FactorSeries, error)
}

// Feed materializes the scored records of one stock over [start, end]. The
// first successful Prepare fetches and caches; later calls reuse the cache.
// A Feed is safe for concurrent use.
type Feed struct {
	factors FactorService
	prices  marketdata.PriceFeed
	code    string
	start   time.Time
	end     time.Time
	comb    domain.Combination
	active  []domain.Factor
	window  int
	log     *slog.Logger

	mu       sync.Mutex
	prepared bool
	records  []domain.DailyRecord
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the feed logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.log = l }
}

// New validates its collaborators and returns an unprepared Feed. window is
// the trailing normalization window in trading days; zero or less selects
// domain.DefaultNormalizationWindow. The combination is snapshotted.
func New(factors FactorService, prices marketdata.PriceFeed, code string, start, end time.Time, comb *domain.Combination, window int, opts ...Option) (*Feed, error) {
	switch {
	case factors == nil:
		return nil, fmt.Errorf("%w: factor service is required", domain.ErrInvalidArgument)
	case prices == nil:
		return nil, fmt.Errorf("%w: price feed is required", domain.ErrInvalidArgument)
	case strings.TrimSpace(code) == "":
		return nil, fmt.Errorf("%w: stock code is required", domain.ErrInvalidArgument)
	case comb == nil:
		return nil, fmt.Errorf("%w: factor combination is required", domain.ErrInvalidArgument)
	case end.Before(start):
		return nil, fmt.Errorf("%w: end %s before start %s", domain.ErrInvalidArgument, domain.DateKey(end), domain.DateKey(start))
	}

	snapshot := comb.Clone()
	active := snapshot.ActiveFactors()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: combination %q has no active factors", domain.ErrInvalidArgument, comb.Name)
	}
	seen := make(map[string]bool, len(active))
	for _, f := range active {
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: factor %q appears twice in combination %q", domain.ErrInvalidArgument, f.Name, comb.Name)
		}
		seen[f.Name] = true
	}
	if window <= 0 {
		window = domain.DefaultNormalizationWindow
	}

	f := &Feed{
		factors: factors,
		prices:  prices,
		code:    strings.TrimSpace(code),
		start:   start,
		end:     end,
		comb:    snapshot,
		active:  active,
		window:  window,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "datafeed", "code", f.code)
	return f, nil
}

// Code returns the stock code the feed serves.
func (f *Feed) Code() string { return f.code }

// Prepare returns the ordered records, fetching them on the first call.
// Failures are not cached.
func (f *Feed) Prepare(ctx context.Context) ([]domain.DailyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepared {
		return f.records, nil
	}

	records, err := f.build(ctx)
	if err != nil {
		return nil, err
	}
	f.records = records
	f.prepared = true
	return records, nil
}

// Records iterates the prepared records in date order, preparing them first
// when needed. A preparation failure is yielded once as the error.
func (f *Feed) Records(ctx context.Context) iter.Seq2[domain.DailyRecord, error] {
	return func(yield func(domain.DailyRecord, error) bool) {
		records, err := f.Prepare(ctx)
		if err != nil {
			yield(domain.DailyRecord{}, err)
			return
		}
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (f *Feed) build(ctx context.Context) ([]domain.DailyRecord, error) {
	fetchStart := f.start.AddDate(0, 0, -util.CalendarLookback(f.window))

	bars, err := f.prices.GetStockData(ctx, f.code, fetchStart, f.end)
	if err != nil {
		return nil, fmt.Errorf("fetching %s prices: %w", f.code, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no prices for %s in [%s, %s]", domain.ErrDataNotFound, f.code, domain.DateKey(fetchStart), domain.DateKey(f.end))
	}
	bars = append([]domain.Bar(nil), bars...)
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TradeDate.Before(bars[j].TradeDate) })
	for i := 1; i < len(bars); i++ {
		if domain.DateKey(bars[i].TradeDate) == domain.DateKey(bars[i-1].TradeDate) {
			return nil, fmt.Errorf("%w: duplicate trade date %s for %s", domain.ErrComputation, domain.DateKey(bars[i].TradeDate), f.code)
		}
	}

	series, err := f.factors.GetFactorData(ctx, f.code, fetchStart, f.end, f.active)
	if err != nil {
		return nil, fmt.Errorf("fetching %s factors: %w", f.code, err)
	}
	byName := make(map[string]map[string]float64, len(f.active))
	for _, fc := range f.active {
		byName[fc.Name] = series[fc.Name].ByDate()
	}

	history := make(map[string][]float64, len(f.active))
	var (
		records []domain.DailyRecord
		dropped int
	)
	for _, b := range bars {
		key := domain.DateKey(b.TradeDate)
		values := make(map[string]float64, len(f.active))
		for _, fc := range f.active {
			v, ok := byName[fc.Name][key]
			if !ok {
				break
			}
			values[fc.Name] = v
		}
		if len(values) != len(f.active) {
			dropped++
			continue
		}

		refs := make(map[string][]float64, len(values))
		for name, v := range values {
			h := append(history[name], v)
			if len(h) > f.window {
				h = h[len(h)-f.window:]
			}
			history[name] = h
			refs[name] = h
		}

		if b.TradeDate.Before(f.start) || b.TradeDate.After(f.end) {
			continue
		}
		score, err := f.comb.CompositeScore(values, refs)
		if err != nil {
			return nil, fmt.Errorf("scoring %s on %s: %w", f.code, key, err)
		}
		records = append(records, domain.DailyRecord{
			Date:    b.TradeDate,
			Open:    b.Open,
			High:    b.High,
			Low:     b.Low,
			Close:   b.Close,
			Volume:  b.Volume,
			Amount:  b.Amount,
			Score:   score,
			Factors: values,
		})
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no days in [%s, %s] with prices and all factors for %s", domain.ErrDataNotFound, domain.DateKey(f.start), domain.DateKey(f.end), f.code)
	}
	f.log.Info("records prepared", "records", len(records), "dropped", dropped)
	return records, nil
}
