package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("sh600519", "cn", 2024)
	want := filepath.Join("/data", "cn", "daily", "SH600519", "2024.parquet")
	if bp != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:      "600519",
			TradeDate:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:        1690.0,
			High:        1700.0,
			Low:         1680.0,
			Close:       1695.5,
			Volume:      25000,
			Amount:      4.2e9,
			TotalShares: 125619.78,
			FloatShares: 125619.78,
		},
		{
			Symbol:      "600519",
			TradeDate:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:        1685.0,
			High:        1692.0,
			Low:         1675.0,
			Close:       1685.0,
			Volume:      30000,
			Amount:      5.1e9,
			TotalShares: 125619.78,
			FloatShares: 125619.78,
		},
	}

	if err := ps.WriteBars(ctx, "cn", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "600519", "cn", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 1685.0 {
		t.Errorf("first bar Close = %v, want 1685.0 (sorted by date)", got[0].Close)
	}
	if got[1].FloatShares != 125619.78 {
		t.Errorf("second bar FloatShares = %v, want 125619.78", got[1].FloatShares)
	}
	if !got[1].TradeDate.Equal(bars[0].TradeDate) {
		t.Errorf("second bar TradeDate = %v, want %v", got[1].TradeDate, bars[0].TradeDate)
	}
}

func TestParquetStoreReadUncached(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	got, err := ps.ReadBars(context.Background(), "000001", "cn",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadBars returned %d bars, want 0", len(got))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first := []domain.Bar{{Symbol: "000001", TradeDate: day, Close: 10.0, Volume: 100}}
	if err := ps.WriteBars(ctx, "cn", first); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// Same day is replaced, a new day is appended.
	second := []domain.Bar{
		{Symbol: "000001", TradeDate: day, Close: 10.5, Volume: 120},
		{Symbol: "000001", TradeDate: day.AddDate(0, 0, 3), Close: 10.8, Volume: 90},
	}
	if err := ps.WriteBars(ctx, "cn", second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "000001", "cn", day, day.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 10.5 {
		t.Errorf("merged Close = %v, want 10.5", got[0].Close)
	}
}

func TestParquetStoreWriteRequiresMarket(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	err := ps.WriteBars(context.Background(), "", []domain.Bar{{Symbol: "X", TradeDate: time.Now()}})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("WriteBars error = %v, want ErrInvalidArgument", err)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "600519", TradeDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 1685.0},
		{Symbol: "000001", TradeDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 9.4},
	}
	if err := ps.WriteBars(ctx, "cn", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, "cn")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "000001" || symbols[1] != "600519" {
		t.Errorf("ListSymbols = %v, want [000001 600519]", symbols)
	}

	none, err := ps.ListSymbols(ctx, "us")
	if err != nil || len(none) != 0 {
		t.Errorf("ListSymbols(us) = %v, %v; want empty, nil", none, err)
	}
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "factorlab.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})
	return s
}

func sampleCombination() *domain.Combination {
	return &domain.Combination{
		Name:      "value-momentum",
		CreatedBy: "alice",
		Factors: []domain.Factor{
			{Name: "price_momentum", Type: domain.FactorMarket, Weight: decimal.RequireFromString("0.6"), IsActive: true, Parameters: map[string]float64{"window": 10}},
			{Name: "turnover_rate", Type: domain.FactorMarket, Weight: decimal.RequireFromString("0.4"), IsActive: true},
		},
	}
}

func TestSQLiteCombinationCRUD(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	c := sampleCombination()
	if err := s.SaveCombination(ctx, c); err != nil {
		t.Fatalf("SaveCombination: %v", err)
	}
	if c.ID == "" || c.Factors[0].ID == "" {
		t.Fatal("SaveCombination did not assign IDs")
	}

	got, err := s.GetCombination(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCombination: %v", err)
	}
	if got.Name != c.Name || len(got.Factors) != 2 {
		t.Fatalf("GetCombination = %+v", got)
	}
	if !got.Factors[0].Weight.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("weight = %s, want 0.6", got.Factors[0].Weight)
	}
	if got.Factors[0].Parameters["window"] != 10 {
		t.Errorf("window = %v, want 10", got.Factors[0].Parameters["window"])
	}

	c.Description = "updated"
	if err := s.SaveCombination(ctx, c); err != nil {
		t.Fatalf("SaveCombination (update): %v", err)
	}
	byName, err := s.GetCombinationByName(ctx, "value-momentum")
	if err != nil {
		t.Fatalf("GetCombinationByName: %v", err)
	}
	if byName.Description != "updated" {
		t.Errorf("Description = %q, want %q", byName.Description, "updated")
	}

	list, err := s.ListCombinations(ctx)
	if err != nil {
		t.Fatalf("ListCombinations: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListCombinations returned %d, want 1", len(list))
	}

	if err := s.DeleteCombination(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCombination: %v", err)
	}
	if _, err := s.GetCombination(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetCombination after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteCombination(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteCombination error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteResults(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	results := []*domain.BacktestResult{
		{StockCode: "600519", CompletedAt: base, InitialCapital: decimal.NewFromInt(100000), Metrics: domain.Metrics{TotalReturn: 0.1}},
		{StockCode: "600519", CompletedAt: base.Add(time.Hour), Metrics: domain.Metrics{TotalReturn: -0.05}},
		{StockCode: "000001", CompletedAt: base, Metrics: domain.Metrics{TotalReturn: 0.02}},
	}
	for _, r := range results {
		if err := s.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	got, err := s.GetResult(ctx, results[0].ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Metrics.TotalReturn != 0.1 || !got.InitialCapital.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("GetResult = %+v", got)
	}

	list, err := s.ListResults(ctx, "600519")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListResults returned %d, want 2", len(list))
	}
	if list[0].ID != results[1].ID {
		t.Errorf("ListResults[0] = %s, want newest %s", list[0].ID, results[1].ID)
	}

	all, err := s.ListResults(ctx, "")
	if err != nil || len(all) != 3 {
		t.Errorf("ListResults(all) = %d, %v; want 3, nil", len(all), err)
	}

	if _, err := s.GetResult(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetResult(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteResultsOrderWithinSecond(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	whole := &domain.BacktestResult{StockCode: "600519", CompletedAt: base}
	later := &domain.BacktestResult{StockCode: "600519", CompletedAt: base.Add(100 * time.Millisecond)}
	for _, r := range []*domain.BacktestResult{whole, later} {
		if err := s.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	list, err := s.ListResults(ctx, "600519")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListResults returned %d, want 2", len(list))
	}
	if list[0].ID != later.ID {
		t.Errorf("ListResults[0] = %s, want %s completed at .100", list[0].ID, later.ID)
	}
	if got := formatTime(base); got != "2024-07-01T12:00:00.000000000Z" {
		t.Errorf("formatTime = %q, want fixed-width nanoseconds", got)
	}
}

// ---------------------------------------------------------------------------
// GORM model conversion
// ---------------------------------------------------------------------------

func TestGormModelConversion(t *testing.T) {
	c := sampleCombination()
	prepareCombination(c, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	m, err := combinationToModel(c)
	if err != nil {
		t.Fatalf("combinationToModel: %v", err)
	}
	back, err := m.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if back.ID != c.ID || len(back.Factors) != 2 || !back.Factors[1].Weight.Equal(c.Factors[1].Weight) {
		t.Errorf("round trip = %+v, want %+v", back, c)
	}

	r := &domain.BacktestResult{StockCode: "600519", Metrics: domain.Metrics{SharpeRatio: 1.25}}
	prepareResult(r)
	rm, err := resultToModel(r)
	if err != nil {
		t.Fatalf("resultToModel: %v", err)
	}
	if rm.StockCode != "600519" || rm.ID != r.ID {
		t.Errorf("resultToModel = %+v", rm)
	}
	rb, err := rm.toDomain()
	if err != nil {
		t.Fatalf("ResultModel.toDomain: %v", err)
	}
	if rb.Metrics.SharpeRatio != 1.25 {
		t.Errorf("SharpeRatio = %v, want 1.25", rb.Metrics.SharpeRatio)
	}
}
