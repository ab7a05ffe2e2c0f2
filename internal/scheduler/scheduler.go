// Package scheduler re-runs saved factor combinations and data gatherers on
// cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/store"
)

// BatchRunner executes a batch of backtests. *backtest.Engine satisfies it.
type BatchRunner interface {
	RunBatch(ctx context.Context, cfgs []domain.BacktestConfig) ([]*domain.BacktestResult, error)
}

// Job re-runs one saved combination against a set of stocks over the
// trailing LookbackDays calendar days.
type Job struct {
	Name         string
	Spec         string
	Combination  string
	StockCodes   []string
	LookbackDays int
}

// DefaultLookbackDays is used when a job leaves LookbackDays unset.
const DefaultLookbackDays = 365

// Scheduler manages all cron tasks.
type Scheduler struct {
	cron    *cron.Cron
	runner  BatchRunner
	combos  store.CombinationStore
	capital decimal.Decimal
	opts    []domain.ConfigOption
	now     func() time.Time
	ctx     context.Context
	log     *slog.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates cron specs in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = newCron(loc, s.log)
	}
}

// WithBacktestOptions applies opts to every scheduled backtest config.
func WithBacktestOptions(capital decimal.Decimal, opts ...domain.ConfigOption) Option {
	return func(s *Scheduler) {
		s.capital = capital
		s.opts = opts
	}
}

// WithClock overrides the clock used to pick the backtest window.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Jobs run with ctx, so cancelling it aborts the
// I/O of in-flight runs.
func New(ctx context.Context, runner BatchRunner, combos store.CombinationStore, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	s := &Scheduler{
		cron:    newCron(time.Local, log),
		runner:  runner,
		combos:  combos,
		capital: decimal.NewFromInt(1_000_000),
		now:     time.Now,
		ctx:     ctx,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newCron(loc *time.Location, log *slog.Logger) *cron.Cron {
	l := cronLogger{log: log}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// AddJob registers a backtest job. Invalid specs are rejected here rather
// than at fire time.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" || job.Combination == "" {
		return fmt.Errorf("%w: job needs a name and a combination", domain.ErrConfiguration)
	}
	if len(job.StockCodes) == 0 {
		return fmt.Errorf("%w: job %q has no stock codes", domain.ErrConfiguration, job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) }); err != nil {
		return fmt.Errorf("register job %q: %w", job.Name, err)
	}
	s.log.Info("job registered", "job", job.Name, "spec", job.Spec, "stocks", len(job.StockCodes))
	return nil
}

// AddGatherer runs g on the given schedule.
func (s *Scheduler) AddGatherer(spec string, g gather.Gatherer) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Info("running gatherer", "gatherer", g.Name())
		if err := g.Run(s.ctx); err != nil {
			s.log.Error("gatherer failed", "gatherer", g.Name(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register gatherer %q: %w", g.Name(), err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) fire(job Job) {
	results, err := s.RunJob(s.ctx, job)
	if err != nil {
		s.log.Error("job failed", "job", job.Name, "completed", countDone(results), "error", err)
		return
	}
	s.log.Info("job completed", "job", job.Name, "completed", countDone(results))
}

// RunJob executes job immediately. Results are index-aligned with
// job.StockCodes; failed runs leave nil slots and are joined into the error.
func (s *Scheduler) RunJob(ctx context.Context, job Job) ([]*domain.BacktestResult, error) {
	comb, err := s.combos.GetCombinationByName(ctx, job.Combination)
	if err != nil {
		return nil, fmt.Errorf("job %q: loading combination %q: %w", job.Name, job.Combination, err)
	}

	lookback := job.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	now := s.now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -lookback)

	var (
		cfgs []domain.BacktestConfig
		errs []error
	)
	for _, code := range job.StockCodes {
		cfg, err := domain.NewBacktestConfig(code, start, end, s.capital, comb, s.opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("job %q: %w", job.Name, errors.Join(errs...))
	}

	results, err := s.runner.RunBatch(ctx, cfgs)
	if err != nil {
		return results, fmt.Errorf("job %q: %w", job.Name, err)
	}
	return results, nil
}

func countDone(results []*domain.BacktestResult) int {
	n := 0
	for _, r := range results {
		if r != nil {
			n++
		}
	}
	return n
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
