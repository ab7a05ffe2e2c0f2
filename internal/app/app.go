// Package app wires configuration into the stores, feeds, engine and jobs
// shared by the factorlab binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/api"
	"factorlab/internal/backtest"
	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/events"
	"factorlab/internal/factor"
	"factorlab/internal/gather/cn"
	"factorlab/internal/marketdata"
	"factorlab/internal/scheduler"
	"factorlab/internal/store"
)

// DefaultConfigPath is used when FACTORLAB_CONFIG is unset.
const DefaultConfigPath = "config/factorlab.yaml"

// ConfigPath returns the configuration file path.
func ConfigPath() string {
	if p := os.Getenv("FACTORLAB_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

const defaultGatherRetryDelay = 2 * time.Second

// Feed names registered in the client pool.
const (
	FeedCollector = "collector"
	FeedAlpaca    = "alpaca"
)

// App holds the components built from one configuration.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Bars      *store.ParquetStore
	Combos    store.CombinationStore
	Results   store.ResultStore
	Pool      *marketdata.ClientPool
	Prices    marketdata.PriceFeed
	Factors   *factor.Service
	Engine    *backtest.Engine
	Publisher *events.Publisher

	closers []io.Closer
}

// New builds every component cfg describes. Call Close when done.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		Config: cfg,
		Log:    log,
		Bars:   store.NewParquetStore(cfg.Storage.DataDir),
		Pool:   marketdata.NewClientPool(log),
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	a.registerFeeds()
	upstream, err := a.Pool.Load(cfg.DataSource.Kind)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Prices = upstream
	if cfg.DataSource.CacheBars {
		a.Prices = marketdata.NewStoreFeed(a.Bars, a.market(), upstream, log)
	}

	a.Factors = factor.NewService(a.Prices, nil, log)

	opts := []backtest.EngineOption{
		backtest.WithResultStore(a.Results),
		backtest.WithMaxConcurrent(cfg.Backtest.MaxConcurrent),
		backtest.WithScoringWindow(cfg.Backtest.NormalizationWindow),
		backtest.WithEngineLogger(log),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		a.Publisher = events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, "factorlab", log)
		a.closers = append(a.closers, a.Publisher)
		opts = append(opts, backtest.WithPublisher(a.Publisher))
	}
	a.Engine = backtest.NewEngine(a.Factors, a.Prices, opts...)

	log.Info("app initialized",
		"storage", cfg.Storage.Driver,
		"datasource", cfg.DataSource.Kind,
		"cacheBars", cfg.DataSource.CacheBars,
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)
	return a, nil
}

func (a *App) openStore() error {
	switch a.Config.Storage.Driver {
	case "mysql":
		s, err := store.NewGormStore(a.Config.Storage.MySQLDSN)
		if err != nil {
			return fmt.Errorf("opening mysql store: %w", err)
		}
		a.Combos, a.Results = s, s
		a.closers = append(a.closers, s)
	default:
		path := a.Config.Storage.SQLitePath
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating sqlite dir: %w", err)
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		a.Combos, a.Results = s, s
		a.closers = append(a.closers, s)
	}
	return nil
}

func (a *App) registerFeeds() {
	cfg := a.Config
	a.Pool.Register(FeedCollector, func() (marketdata.PriceFeed, error) {
		if cfg.DataSource.CollectorURL == "" {
			return nil, fmt.Errorf("%w: datasource.collector_url is required", domain.ErrConfiguration)
		}
		return marketdata.NewCollectorClient(cfg.DataSource.CollectorURL,
			marketdata.WithTimeout(cfg.DataSource.Timeout),
			marketdata.WithMaxRetries(cfg.DataSource.MaxRetries),
			marketdata.WithLogger(a.Log.With("component", "collector")),
		), nil
	})
	a.Pool.Register(FeedAlpaca, func() (marketdata.PriceFeed, error) {
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("%w: alpaca credentials are required", domain.ErrConfiguration)
		}
		return marketdata.NewAlpacaFeed(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed), nil
	})
}

// market is the bar-cache market of the configured data source.
func (a *App) market() string {
	if a.Config.DataSource.Kind == FeedAlpaca {
		return string(domain.MarketUS)
	}
	return string(domain.MarketCN)
}

// BacktestDefaults returns the configured initial capital and config
// options for backtests built outside the API.
func (a *App) BacktestDefaults() (decimal.Decimal, []domain.ConfigOption) {
	b := a.Config.Backtest
	return decimal.NewFromFloat(b.InitialCapital), []domain.ConfigOption{
		domain.WithThresholds(b.BuyThreshold, b.SellThreshold),
		domain.WithCosts(decimal.NewFromFloat(b.TransactionCost), decimal.NewFromFloat(b.Slippage)),
		domain.WithNormalizationWindow(b.NormalizationWindow),
		domain.WithRiskFreeRate(b.RiskFreeRate),
	}
}

// APIDefaults returns the request defaults for the REST and gRPC handlers.
func (a *App) APIDefaults() api.Defaults {
	b := a.Config.Backtest
	return api.Defaults{
		InitialCapital:      b.InitialCapital,
		BuyThreshold:        b.BuyThreshold,
		SellThreshold:       b.SellThreshold,
		TransactionCost:     b.TransactionCost,
		Slippage:            b.Slippage,
		NormalizationWindow: b.NormalizationWindow,
		RiskFreeRate:        b.RiskFreeRate,
	}
}

// NewHandler builds the API handler over the app's engine and stores.
func (a *App) NewHandler() *api.Handler {
	return api.NewHandler(a.Engine, a.Combos, a.Results, a.Log,
		api.WithDefaults(a.APIDefaults()),
		api.WithFactorNames(a.Factors.Registry().List()),
		api.WithCalculator(a.NewCalculator()),
	)
}

// NewCalculator builds a single-factor calculator over the app's price feed.
func (a *App) NewCalculator() *factor.MarketCalculator {
	return factor.NewMarketCalculator(a.Prices, a.Log)
}

// NewGatherer builds the A-share daily bar gatherer. It always reads from
// the collector and writes to the Parquet cache.
func (a *App) NewGatherer() (*cn.DailyBarGatherer, error) {
	feed, err := a.Pool.Load(FeedCollector)
	if err != nil {
		return nil, err
	}
	g := a.Config.Gather.CNDaily
	return cn.NewDailyBarGatherer(feed, a.Bars, g.Symbols, g.StartDate,
		cn.WithRateLimit(g.RateLimitPerMin),
		cn.WithRetry(g.MaxAttempts, defaultGatherRetryDelay),
		cn.WithLogger(a.Log),
	), nil
}

// NewScheduler builds a scheduler with every configured job registered.
func (a *App) NewScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	capital, opts := a.BacktestDefaults()
	s := scheduler.New(ctx, a.Engine, a.Combos, a.Log, scheduler.WithBacktestOptions(capital, opts...))
	for _, job := range a.Config.Schedule {
		err := s.AddJob(scheduler.Job{
			Name:         job.Name,
			Spec:         job.Cron,
			Combination:  job.Combination,
			StockCodes:   job.StockCodes,
			LookbackDays: job.LookbackDays,
		})
		if err != nil {
			return nil, err
		}
	}
	if spec := a.Config.Gather.CNDaily.Cron; spec != "" {
		g, err := a.NewGatherer()
		if err != nil {
			return nil, err
		}
		if err := s.AddGatherer(spec, g); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the client pool, the publisher and the stores.
func (a *App) Close() error {
	a.Pool.Clear()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
