package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"factorlab/internal/domain"
	"factorlab/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngine records configs and saves a canned result for each run.
type fakeEngine struct {
	results     store.ResultStore
	cfgs        []domain.BacktestConfig
	scoreWindow int
	err         error
}

func (e *fakeEngine) Run(ctx context.Context, cfg domain.BacktestConfig) (*domain.BacktestResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.cfgs = append(e.cfgs, cfg)
	r := &domain.BacktestResult{
		ConfigID:        cfg.ID,
		CombinationID:   cfg.Combination.ID,
		CombinationName: cfg.Combination.Name,
		StockCode:       cfg.StockCode,
		StartDate:       cfg.StartDate,
		EndDate:         cfg.EndDate,
		Mode:            cfg.Mode,
		InitialCapital:  cfg.InitialCapital,
		FinalValue:      cfg.InitialCapital.InexactFloat64() * 1.1,
		Metrics:         domain.Metrics{TotalReturn: 0.1, TotalTrades: 2},
		Dates:           []time.Time{cfg.StartDate, cfg.EndDate},
		PortfolioValues: []float64{cfg.InitialCapital.InexactFloat64(), cfg.InitialCapital.InexactFloat64() * 1.1},
		BenchmarkValues: []float64{cfg.InitialCapital.InexactFloat64(), cfg.InitialCapital.InexactFloat64() * 1.05},
		RunTime:         1234567 * time.Nanosecond,
		CompletedAt:     time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := e.results.SaveResult(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *fakeEngine) ScoreLatest(_ context.Context, code string, comb *domain.Combination, asOf time.Time, window int) (domain.DailyRecord, error) {
	e.scoreWindow = window
	if e.err != nil {
		return domain.DailyRecord{}, e.err
	}
	return domain.DailyRecord{Date: asOf, Close: 1700, Score: 0.72, Factors: map[string]float64{"price_momentum": 4.2}}, nil
}

type fixture struct {
	engine  *fakeEngine
	store   *store.SQLiteStore
	handler *Handler
	router  http.Handler
	comb    *domain.Combination
}

func newFixture(t *testing.T) *fixture {
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

	engine := &fakeEngine{results: s}
	h := NewHandler(engine, s, s, nil,
		WithFactorNames([]string{"price_momentum", "rsi"}),
		WithClock(func() time.Time { return time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC) }))
	return &fixture{engine: engine, store: s, handler: h, router: h.Router(), comb: comb}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestHealthAndFactors(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/v1/factors", nil)
	var names []string
	decodeData(t, rec, &names)
	if len(names) != 2 {
		t.Errorf("factors = %v, want 2 names", names)
	}
}

type fakeCalculator struct {
	asOf   time.Time
	window int
}

func (c *fakeCalculator) Value(_ context.Context, name, code string, asOf time.Time, window int) (float64, error) {
	if name != "price_momentum" {
		return 0, fmt.Errorf("%w: unknown factor %q", domain.ErrNotFound, name)
	}
	c.asOf, c.window = asOf, window
	return 4.2, nil
}

func TestGetFactorValue(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/factors/price_momentum/600519", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("GET factor without calculator = %d, want 501", rec.Code)
	}

	calc := &fakeCalculator{}
	f.router = NewHandler(f.engine, f.store, f.store, nil, WithCalculator(calc),
		WithClock(func() time.Time { return time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC) })).Router()

	rec := f.do(t, http.MethodGet, "/api/v1/factors/price_momentum/600519?as_of=2024-06-28&window=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET factor = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Factor string  `json:"factor"`
		AsOf   string  `json:"as_of"`
		Value  float64 `json:"value"`
	}
	decodeData(t, rec, &body)
	if body.Factor != "price_momentum" || body.AsOf != "2024-06-28" || body.Value != 4.2 {
		t.Errorf("factor value = %+v", body)
	}
	if calc.window != 10 {
		t.Errorf("window = %d, want 10", calc.window)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/factors/price_momentum/600519", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET factor (defaults) = %d, want 200", rec.Code)
	}
	if calc.window != 0 || domain.DateKey(calc.asOf) != "2024-07-01" {
		t.Errorf("defaults = window %d as of %s, want 0 as of 2024-07-01", calc.window, domain.DateKey(calc.asOf))
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/factors/pe_ratio/600519", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown factor = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/factors/price_momentum/600519?window=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("GET factor with window 0 = %d, want 400", rec.Code)
	}
}

func TestCombinationCRUD(t *testing.T) {
	f := newFixture(t)

	create := CombinationRequest{
		Name: "value-quality",
		Factors: []domain.Factor{
			{Name: "market_cap", Type: domain.FactorMarket, Weight: decimal.RequireFromString("0.4"), IsActive: true},
			{Name: "rsi", Type: domain.FactorTechnical, Weight: decimal.RequireFromString("0.6"), IsActive: true},
		},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/combinations", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST combination = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var created domain.Combination
	decodeData(t, rec, &created)
	if created.ID == "" {
		t.Fatal("created combination has no ID")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/combinations", nil)
	var list []domain.Combination
	decodeData(t, rec, &list)
	if len(list) != 2 {
		t.Errorf("list = %d combinations, want 2", len(list))
	}

	create.Description = "updated"
	rec = f.do(t, http.MethodPut, "/api/v1/combinations/"+created.ID, create)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT combination = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/api/v1/combinations/"+created.ID, nil)
	var got domain.Combination
	decodeData(t, rec, &got)
	if got.Description != "updated" {
		t.Errorf("Description = %q, want %q", got.Description, "updated")
	}
	if !got.Factors[1].Weight.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("weight = %s, want 0.6", got.Factors[1].Weight)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/combinations/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/combinations/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted = %d, want 404", rec.Code)
	}
}

func TestCreateCombinationInvalid(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/combinations", map[string]string{"description": "no name"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST invalid = %d, want 400", rec.Code)
	}
}

func TestRunBacktest(t *testing.T) {
	f := newFixture(t)
	buy := 0.7
	rec := f.do(t, http.MethodPost, "/api/v1/backtests", BacktestRequest{
		StockCode:       "600519",
		StartDate:       "2024-01-02",
		EndDate:         "2024-06-28",
		CombinationName: "momentum",
		BuyThreshold:    &buy,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST backtest = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var result domain.BacktestResult
	decodeData(t, rec, &result)

	if len(f.engine.cfgs) != 1 {
		t.Fatalf("engine runs = %d, want 1", len(f.engine.cfgs))
	}
	cfg := f.engine.cfgs[0]
	if cfg.BuyThreshold != 0.7 || cfg.SellThreshold != domain.DefaultSellThreshold {
		t.Errorf("thresholds = %v/%v, want 0.7/%v", cfg.BuyThreshold, cfg.SellThreshold, domain.DefaultSellThreshold)
	}
	if !cfg.InitialCapital.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("InitialCapital = %s, want 1000000", cfg.InitialCapital)
	}
	if cfg.Combination.ID != f.comb.ID {
		t.Errorf("Combination.ID = %q, want %q", cfg.Combination.ID, f.comb.ID)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/backtests/"+result.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET backtest = %d, want 200", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/backtests?stock_code=600519", nil)
	var summaries []ResultSummary
	decodeData(t, rec, &summaries)
	if len(summaries) != 1 || summaries[0].StartDate != "2024-01-02" {
		t.Errorf("summaries = %+v, want one starting 2024-01-02", summaries)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/backtests/"+result.ID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET report = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty report body")
	}
}

func TestRunBacktestErrors(t *testing.T) {
	tests := []struct {
		name      string
		req       BacktestRequest
		engineErr error
		want      int
	}{
		{name: "missing fields", req: BacktestRequest{StockCode: "600519"}, want: http.StatusBadRequest},
		{name: "bad date", req: BacktestRequest{StockCode: "600519", StartDate: "2024/01/02", EndDate: "2024-06-28", CombinationName: "momentum"}, want: http.StatusBadRequest},
		{name: "no combination", req: BacktestRequest{StockCode: "600519", StartDate: "2024-01-02", EndDate: "2024-06-28"}, want: http.StatusBadRequest},
		{name: "unknown combination", req: BacktestRequest{StockCode: "600519", StartDate: "2024-01-02", EndDate: "2024-06-28", CombinationName: "missing"}, want: http.StatusNotFound},
		{name: "no data", req: BacktestRequest{StockCode: "600519", StartDate: "2024-01-02", EndDate: "2024-06-28", CombinationName: "momentum"}, engineErr: fmt.Errorf("prices: %w", domain.ErrDataNotFound), want: http.StatusNotFound},
		{name: "computation", req: BacktestRequest{StockCode: "600519", StartDate: "2024-01-02", EndDate: "2024-06-28", CombinationName: "momentum"}, engineErr: domain.ErrComputation, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.err = tt.engineErr
			if rec := f.do(t, http.MethodPost, "/api/v1/backtests", tt.req); rec.Code != tt.want {
				t.Errorf("POST backtest = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetScore(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/scores/600519?combination=momentum&as_of=2024-06-28", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET score = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Date  string  `json:"date"`
		Score float64 `json:"score"`
	}
	decodeData(t, rec, &body)
	if body.Date != "2024-06-28" || body.Score != 0.72 {
		t.Errorf("score = %+v, want 0.72 on 2024-06-28", body)
	}
	if f.engine.scoreWindow != domain.DefaultNormalizationWindow {
		t.Errorf("score window = %d, want %d", f.engine.scoreWindow, domain.DefaultNormalizationWindow)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/scores/600519?combination=momentum&as_of=2024-06-28&normalization_window=20", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET score with window = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if f.engine.scoreWindow != 20 {
		t.Errorf("score window = %d, want 20", f.engine.scoreWindow)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/scores/600519?combination=momentum&normalization_window=1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("GET score with window 1 = %d, want 400", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/scores/600519", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("GET score without combination = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/scores/600519?combination=momentum&as_of=june", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("GET score with bad as_of = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

func dialBufconn(t *testing.T, h *Handler) *BacktestClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	h.RegisterGRPC(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewBacktestClient(conn)
}

func TestGRPCRunAndGet(t *testing.T) {
	f := newFixture(t)
	client := dialBufconn(t, f.handler)
	ctx := context.Background()

	result, err := client.RunBacktest(ctx, &BacktestRequest{
		StockCode:     "600519",
		StartDate:     "2024-01-02",
		EndDate:       "2024-06-28",
		CombinationID: f.comb.ID,
	})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if result.StockCode != "600519" || result.Metrics.TotalTrades != 2 {
		t.Errorf("result = %+v, want 600519 with 2 trades", result)
	}
	if result.RunTime != 1234567*time.Nanosecond {
		t.Errorf("RunTime = %v, want %v", result.RunTime, 1234567*time.Nanosecond)
	}

	got, err := client.GetResult(ctx, result.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !got.InitialCapital.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("InitialCapital = %s, want 1000000", got.InitialCapital)
	}
	if len(got.PortfolioValues) != 2 {
		t.Errorf("len(PortfolioValues) = %d, want 2", len(got.PortfolioValues))
	}
}

func TestGRPCErrors(t *testing.T) {
	f := newFixture(t)
	client := dialBufconn(t, f.handler)
	ctx := context.Background()

	_, err := client.GetResult(ctx, "missing")
	if status.Code(err) != codes.NotFound {
		t.Errorf("GetResult(missing) code = %v, want NotFound", status.Code(err))
	}

	_, err = client.RunBacktest(ctx, &BacktestRequest{StockCode: "600519"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("RunBacktest(incomplete) code = %v, want InvalidArgument", status.Code(err))
	}

	f.engine.err = domain.ErrComputation
	_, err = client.RunBacktest(ctx, &BacktestRequest{StockCode: "600519", StartDate: "2024-01-02", EndDate: "2024-06-28", CombinationName: "momentum"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("RunBacktest(computation) code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{domain.ErrConfiguration, http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrDataNotFound, http.StatusNotFound},
		{domain.ErrComputation, http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
