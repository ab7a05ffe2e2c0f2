// Package cn gathers China A-share daily bars from the data collector into
// the local Parquet cache.
package cn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/marketdata"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface check
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

const (
	market = "cn"

	defaultMaxWorkers  = 4
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// ---------------------------------------------------------------------------
// DailyBarGatherer
// ---------------------------------------------------------------------------

// DailyBarGatherer copies daily bars for a list of A-share symbols from a
// price feed into a BarStore. Each run only requests the days after the
// newest cached bar, so repeated runs are incremental.
type DailyBarGatherer struct {
	feed        marketdata.PriceFeed
	store       store.BarStore
	symbols     []string
	startDate   string
	limiter     *util.RateLimiter
	maxWorkers  int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// Option customizes a DailyBarGatherer.
type Option func(*DailyBarGatherer)

// WithRateLimit caps feed requests per minute. Zero disables the limit.
func WithRateLimit(perMinute int) Option {
	return func(g *DailyBarGatherer) { g.limiter = util.NewRateLimiter(perMinute) }
}

// WithMaxWorkers sets how many symbols are fetched concurrently.
func WithMaxWorkers(n int) Option {
	return func(g *DailyBarGatherer) {
		if n > 0 {
			g.maxWorkers = n
		}
	}
}

// WithRetry sets the attempts per symbol and the first backoff delay.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(g *DailyBarGatherer) {
		if maxAttempts > 0 {
			g.maxAttempts = maxAttempts
		}
		g.retryDelay = delay
	}
}

// WithClock overrides the clock used to pick the last day to gather.
func WithClock(now func() time.Time) Option {
	return func(g *DailyBarGatherer) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *DailyBarGatherer) { g.log = l.With("gatherer", "cn-daily") }
}

// NewDailyBarGatherer creates a gatherer for symbols, starting at startDate
// (YYYY-MM-DD) for symbols that have no cached bars yet. An empty symbol list
// refreshes every symbol already in the cache.
func NewDailyBarGatherer(feed marketdata.PriceFeed, s store.BarStore, symbols []string, startDate string, opts ...Option) *DailyBarGatherer {
	g := &DailyBarGatherer{
		feed:        feed,
		store:       s,
		symbols:     symbols,
		startDate:   startDate,
		limiter:     util.NewRateLimiter(0),
		maxWorkers:  defaultMaxWorkers,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		now:         time.Now,
		log:         slog.Default().With("gatherer", "cn-daily"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "cn-daily" }

// Summary counts the outcome of one gathering pass.
type Summary struct {
	Symbols  int
	Updated  int
	UpToDate int
	Failed   int
	Bars     int64
}

// Run performs one gathering pass. See Gather.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	_, err := g.Gather(ctx)
	return err
}

// Gather fetches and stores new bars for every symbol. A failing symbol does
// not stop the others; the returned error joins all per-symbol failures.
func (g *DailyBarGatherer) Gather(ctx context.Context) (Summary, error) {
	start, err := domain.ParseDate(g.startDate)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: parsing start date %q: %v", domain.ErrConfiguration, g.startDate, err)
	}
	now := g.now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	window := gather.DateRange{Start: start, End: end}

	symbols := g.symbols
	if len(symbols) == 0 {
		symbols, err = g.store.ListSymbols(ctx, market)
		if err != nil {
			return Summary{}, fmt.Errorf("listing cached symbols: %w", err)
		}
	}
	if len(symbols) == 0 {
		return Summary{}, fmt.Errorf("%w: no symbols configured and none cached", domain.ErrConfiguration)
	}

	g.log.Info("starting cn-daily",
		"symbols", len(symbols),
		"start", domain.DateKey(start),
		"end", domain.DateKey(end),
	)

	symCh := make(chan string, len(symbols))
	for _, sym := range symbols {
		symCh <- sym
	}
	close(symCh)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		updated  atomic.Int64
		upToDate atomic.Int64
		bars     atomic.Int64
		runStart = time.Now()
	)

	workers := min(g.maxWorkers, len(symbols))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symCh {
				if ctx.Err() != nil {
					return
				}
				n, err := g.gatherSymbol(ctx, sym, window)
				switch {
				case err != nil:
					g.log.Error("symbol failed", "symbol", sym, "error", err)
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", sym, err))
					mu.Unlock()
				case n == 0:
					upToDate.Add(1)
				default:
					updated.Add(1)
					bars.Add(int64(n))
				}
			}
		}()
	}
	wg.Wait()

	summary := Summary{
		Symbols:  len(symbols),
		Updated:  int(updated.Load()),
		UpToDate: int(upToDate.Load()),
		Failed:   len(errs),
		Bars:     bars.Load(),
	}
	g.log.Info("cn-daily complete",
		"updated", summary.Updated,
		"upToDate", summary.UpToDate,
		"failed", summary.Failed,
		"bars", summary.Bars,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if len(errs) > 0 {
		return summary, fmt.Errorf("%d of %d symbols failed: %w", len(errs), len(symbols), errors.Join(errs...))
	}
	return summary, nil
}

// gatherSymbol stores the bars of sym that are newer than its cache and
// returns how many were written.
func (g *DailyBarGatherer) gatherSymbol(ctx context.Context, sym string, window gather.DateRange) (int, error) {
	cached, err := g.store.ReadBars(ctx, sym, market, window.Start, window.End)
	if err != nil {
		return 0, fmt.Errorf("reading cache: %w", err)
	}
	if len(cached) > 0 {
		window = window.After(cached[len(cached)-1].TradeDate)
	}
	if window.Empty() {
		return 0, nil
	}

	var fetched []domain.Bar
	err = util.Retry(ctx, g.maxAttempts, g.retryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		bars, err := g.feed.GetStockData(ctx, sym, window.Start, window.End)
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrComputation) {
			return util.Permanent(err)
		}
		fetched = bars
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetching bars: %w", err)
	}
	if len(fetched) == 0 {
		return 0, nil
	}

	for i := range fetched {
		if fetched[i].Symbol == "" {
			fetched[i].Symbol = sym
		}
	}
	if err := g.store.WriteBars(ctx, market, fetched); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	return len(fetched), nil
}
