package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
	"factorlab/internal/store"
)

type fakeRunner struct {
	mu   sync.Mutex
	cfgs []domain.BacktestConfig
}

func (r *fakeRunner) RunBatch(_ context.Context, cfgs []domain.BacktestConfig) ([]*domain.BacktestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, cfgs...)
	out := make([]*domain.BacktestResult, len(cfgs))
	for i, c := range cfgs {
		out[i] = &domain.BacktestResult{ID: "res-" + c.StockCode, StockCode: c.StockCode}
	}
	return out, nil
}

type fakeGatherer struct {
	ran chan struct{}
}

func (g *fakeGatherer) Name() string { return "fake" }

func (g *fakeGatherer) Run(context.Context) error {
	select {
	case g.ran <- struct{}{}:
	default:
	}
	return nil
}

func newCombos(t *testing.T) store.CombinationStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "factorlab.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	comb := &domain.Combination{
		Name: "momentum",
		Factors: []domain.Factor{
			{Name: "price_momentum", Type: domain.FactorMarket, Weight: decimal.NewFromInt(1), IsActive: true},
		},
	}
	if err := s.SaveCombination(context.Background(), comb); err != nil {
		t.Fatalf("SaveCombination: %v", err)
	}
	return s
}

func TestRunJob(t *testing.T) {
	runner := &fakeRunner{}
	now := func() time.Time { return time.Date(2024, 7, 1, 18, 30, 0, 0, time.UTC) }
	s := New(context.Background(), runner, newCombos(t), nil,
		WithClock(now), WithBacktestOptions(decimal.NewFromInt(50000), domain.WithThresholds(0.7, 0.3)))

	results, err := s.RunJob(context.Background(), Job{
		Name: "nightly", Spec: "30 18 * * 1-5", Combination: "momentum",
		StockCodes: []string{"600519", "000001"}, LookbackDays: 90,
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if len(results) != 2 || results[1].StockCode != "000001" {
		t.Errorf("results = %v, want two index-aligned results", results)
	}
	if len(runner.cfgs) != 2 {
		t.Fatalf("configs = %d, want 2", len(runner.cfgs))
	}

	cfg := runner.cfgs[0]
	wantEnd := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if !cfg.EndDate.Equal(wantEnd) {
		t.Errorf("EndDate = %v, want %v", cfg.EndDate, wantEnd)
	}
	if !cfg.StartDate.Equal(wantEnd.AddDate(0, 0, -90)) {
		t.Errorf("StartDate = %v, want %v", cfg.StartDate, wantEnd.AddDate(0, 0, -90))
	}
	if !cfg.InitialCapital.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("InitialCapital = %s, want 50000", cfg.InitialCapital)
	}
	if cfg.BuyThreshold != 0.7 {
		t.Errorf("BuyThreshold = %v, want 0.7", cfg.BuyThreshold)
	}
	if cfg.Combination.Name != "momentum" {
		t.Errorf("Combination.Name = %q, want %q", cfg.Combination.Name, "momentum")
	}
}

func TestRunJobUnknownCombination(t *testing.T) {
	s := New(context.Background(), &fakeRunner{}, newCombos(t), nil)
	_, err := s.RunJob(context.Background(), Job{Name: "x", Combination: "missing", StockCodes: []string{"600519"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RunJob error = %v, want ErrNotFound", err)
	}
}

func TestAddJobValidation(t *testing.T) {
	s := New(context.Background(), &fakeRunner{}, newCombos(t), nil)

	if err := s.AddJob(Job{Name: "x", Spec: "0 18 * * *", Combination: "momentum"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("AddJob(no codes) error = %v, want ErrConfiguration", err)
	}
	if err := s.AddJob(Job{Name: "x", Spec: "not a spec", Combination: "momentum", StockCodes: []string{"600519"}}); err == nil {
		t.Error("AddJob(bad spec) error = nil, want error")
	}
	if err := s.AddJob(Job{Name: "x", Spec: "0 18 * * 1-5", Combination: "momentum", StockCodes: []string{"600519"}}); err != nil {
		t.Errorf("AddJob(valid) error = %v", err)
	}
}

func TestAddGathererFires(t *testing.T) {
	s := New(context.Background(), &fakeRunner{}, newCombos(t), nil)
	g := &fakeGatherer{ran: make(chan struct{}, 1)}
	if err := s.AddGatherer("@every 1s", g); err != nil {
		t.Fatalf("AddGatherer: %v", err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-g.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("gatherer did not run within 5s")
	}
}
