package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"factorlab/internal/datafeed"
	"factorlab/internal/domain"
	"factorlab/internal/marketdata"
	"factorlab/internal/store"
)

// ResultPublisher announces completed backtests.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r *domain.BacktestResult) error
}

// DefaultMaxConcurrent bounds RunBatch when no limit is configured.
const DefaultMaxConcurrent = 4

// Engine wires the data feed, simulator and metrics into complete runs. The
// price and factor sources are shared read-only between runs; everything
// else is owned by a single run.
type Engine struct {
	factors       datafeed.FactorService
	prices        marketdata.PriceFeed
	results       store.ResultStore
	publisher     ResultPublisher
	maxConcurrent int
	normWindow    int
	log           *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithResultStore saves every successful result.
func WithResultStore(s store.ResultStore) EngineOption {
	return func(e *Engine) { e.results = s }
}

// WithPublisher announces every successful result.
func WithPublisher(p ResultPublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithMaxConcurrent bounds the number of concurrent runs in RunBatch.
func WithMaxConcurrent(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithScoringWindow sets the default normalization window of ScoreLatest.
func WithScoringWindow(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.normWindow = n
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an Engine over the given sources.
func NewEngine(factors datafeed.FactorService, prices marketdata.PriceFeed, opts ...EngineOption) *Engine {
	e := &Engine{
		factors:       factors,
		prices:        prices,
		maxConcurrent: DefaultMaxConcurrent,
		normWindow:    domain.DefaultNormalizationWindow,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "backtest")
	return e
}

// Run executes one backtest: prepare records, simulate, compute metrics. The
// result is saved and published when those collaborators are configured; a
// save failure fails the run, a publish failure is only logged.
func (e *Engine) Run(ctx context.Context, cfg domain.BacktestConfig) (*domain.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	log := e.log.With("config", cfg.ID, "code", cfg.StockCode, "combination", cfg.Combination.Name)

	feed, err := datafeed.New(e.factors, e.prices, cfg.StockCode, cfg.StartDate, cfg.EndDate,
		&cfg.Combination, cfg.NormalizationWindow, datafeed.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	records, err := feed.Prepare(ctx)
	if err != nil {
		log.Warn("preparing records failed", "error", err)
		return nil, err
	}

	traj, err := Simulate(records, SimulatorConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("simulating %s: %w", cfg.StockCode, err)
	}
	metrics, err := ComputeMetrics(traj, cfg.InitialCapital, cfg.RiskFreeRate)
	if err != nil {
		return nil, fmt.Errorf("computing metrics for %s: %w", cfg.StockCode, err)
	}

	result := &domain.BacktestResult{
		ID:              uuid.NewString(),
		ConfigID:        cfg.ID,
		CombinationID:   cfg.Combination.ID,
		CombinationName: cfg.Combination.Name,
		StockCode:       cfg.StockCode,
		StartDate:       cfg.StartDate,
		EndDate:         cfg.EndDate,
		Mode:            cfg.Mode,
		InitialCapital:  cfg.InitialCapital,
		FinalValue:      traj.Values[len(traj.Values)-1],
		Metrics:         metrics,
		Trades:          traj.Trades,
		Dates:           traj.Dates,
		PortfolioValues: traj.Values,
		BenchmarkValues: traj.Benchmark,
		DataPoints:      len(records),
		RunTime:         time.Since(started),
		CompletedAt:     time.Now().UTC(),
	}

	if e.results != nil {
		if err := e.results.SaveResult(ctx, result); err != nil {
			return nil, fmt.Errorf("saving result: %w", err)
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishResult(ctx, result); err != nil {
			log.Warn("publishing result failed", "result", result.ID, "error", err)
		}
	}

	log.Info("backtest completed",
		"result", result.ID,
		"records", result.DataPoints,
		"trades", metrics.TotalTrades,
		"totalReturn", metrics.TotalReturn,
		"sharpe", metrics.SharpeRatio,
		"elapsed", result.RunTime,
	)
	return result, nil
}

// RunBatch runs independent backtests concurrently, at most maxConcurrent at
// a time. Results are index-aligned with cfgs; a failed run leaves a nil slot
// and its error is joined into the returned error.
func (e *Engine) RunBatch(ctx context.Context, cfgs []domain.BacktestConfig) ([]*domain.BacktestResult, error) {
	results := make([]*domain.BacktestResult, len(cfgs))
	errs := make([]error, len(cfgs))

	var g errgroup.Group
	g.SetLimit(e.maxConcurrent)
	for i, cfg := range cfgs {
		g.Go(func() error {
			r, err := e.Run(ctx, cfg)
			if err != nil {
				errs[i] = fmt.Errorf("backtest %s (%s): %w", cfg.ID, cfg.StockCode, err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// scoreLookbackDays is how far back ScoreLatest searches for the latest
// trading day.
const scoreLookbackDays = 14

// ScoreLatest returns the scored record of the latest trading day on or
// before asOf, normalized over window scored days exactly as a backtest with
// that normalization_window would. A non-positive window uses the engine
// default.
func (e *Engine) ScoreLatest(ctx context.Context, code string, comb *domain.Combination, asOf time.Time, window int) (domain.DailyRecord, error) {
	if window <= 0 {
		window = e.normWindow
	}
	feed, err := datafeed.New(e.factors, e.prices, code, asOf.AddDate(0, 0, -scoreLookbackDays), asOf,
		comb, window, datafeed.WithLogger(e.log))
	if err != nil {
		return domain.DailyRecord{}, err
	}
	records, err := feed.Prepare(ctx)
	if err != nil {
		return domain.DailyRecord{}, err
	}
	return records[len(records)-1], nil
}
