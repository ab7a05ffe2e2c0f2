package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

const barsJSON = `{"code":"600519","bars":[
	{"trade_date":"2024-03-05","open":10.1,"high":10.5,"low":10.0,"close":10.4,"volume":1200,"amount":12480,"total_shares":5000,"float_shares":4000},
	{"trade_date":"2024-03-04","open":10.0,"high":10.2,"low":9.9,"close":10.1,"volume":1000,"amount":10100,"total_shares":5000,"float_shares":4000}
]}`

func TestCollectorClientGetStockData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/stocks/600519/daily" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("start"); got != "2024-03-01" {
			t.Errorf("start = %q, want 2024-03-01", got)
		}
		if got := r.URL.Query().Get("end"); got != "2024-03-08" {
			t.Errorf("end = %q, want 2024-03-08", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, barsJSON)
	}))
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet))
	bars, err := c.GetStockData(context.Background(), "600519", day(1), day(8))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	if !bars[0].TradeDate.Equal(day(4)) {
		t.Errorf("bars[0].TradeDate = %v, want %v (sorted)", bars[0].TradeDate, day(4))
	}
	if bars[1].FloatShares != 4000 || bars[1].Volume != 1200 {
		t.Errorf("bars[1] = %+v", bars[1])
	}
	if bars[0].Symbol != "600519" {
		t.Errorf("Symbol = %q, want 600519", bars[0].Symbol)
	}
}

func TestCollectorClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, barsJSON)
	}))
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet), WithMaxRetries(3), WithInitialBackoff(time.Millisecond))
	bars, err := c.GetStockData(context.Background(), "600519", day(1), day(8))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("len(bars) = %d, want 2", len(bars))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server calls = %d, want 3", n)
	}
}

func TestCollectorClientGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet), WithMaxRetries(2), WithInitialBackoff(time.Millisecond))
	if _, err := c.GetStockData(context.Background(), "600519", day(1), day(8)); err == nil {
		t.Fatal("GetStockData should fail after exhausting retries")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server calls = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestCollectorClientClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad code", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet), WithMaxRetries(5), WithInitialBackoff(time.Millisecond))
	if _, err := c.GetStockData(context.Background(), "??", day(1), day(8)); err == nil {
		t.Fatal("GetStockData should fail on 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server calls = %d, want 1", n)
	}
}

func TestCollectorClientNotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet))
	bars, err := c.GetStockData(context.Background(), "000000", day(1), day(8))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("len(bars) = %d, want 0", len(bars))
	}
}

func TestCollectorClientMalformedDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"bars":[{"trade_date":"20240304","close":1}]}`)
	}))
	defer srv.Close()

	c := NewCollectorClient(srv.URL, WithLogger(quiet))
	_, err := c.GetStockData(context.Background(), "600519", day(1), day(8))
	if !errors.Is(err, domain.ErrComputation) {
		t.Errorf("error = %v, want ErrComputation", err)
	}
}

// ---------------------------------------------------------------------------
// StoreFeed
// ---------------------------------------------------------------------------

type countingFeed struct {
	calls atomic.Int32
	bars  []domain.Bar
}

func (f *countingFeed) GetStockData(_ context.Context, _ string, _, _ time.Time) ([]domain.Bar, error) {
	f.calls.Add(1)
	return f.bars, nil
}

func TestStoreFeedReadThrough(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	upstream := &countingFeed{bars: []domain.Bar{
		{Symbol: "600519", TradeDate: day(4), Close: 10.1},
		{Symbol: "600519", TradeDate: day(5), Close: 10.4},
		{Symbol: "600519", TradeDate: day(6), Close: 10.2},
	}}
	feed := NewStoreFeed(ps, "cn", upstream, quiet)
	ctx := context.Background()

	first, err := feed.GetStockData(ctx, "600519", day(4), day(6))
	if err != nil {
		t.Fatalf("GetStockData (cold): %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("cold read returned %d bars, want 3", len(first))
	}

	second, err := feed.GetStockData(ctx, "600519", day(4), day(6))
	if err != nil {
		t.Fatalf("GetStockData (warm): %v", err)
	}
	if len(second) != 3 || second[1].Close != 10.4 {
		t.Errorf("warm read = %+v", second)
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

// rangeFeed serves the subset of its bars inside the requested range.
type rangeFeed struct {
	calls  atomic.Int32
	starts []time.Time
	bars   []domain.Bar
}

func (f *rangeFeed) GetStockData(_ context.Context, _ string, start, end time.Time) ([]domain.Bar, error) {
	f.calls.Add(1)
	f.starts = append(f.starts, start)
	var out []domain.Bar
	for _, b := range f.bars {
		if !b.TradeDate.Before(start) && !b.TradeDate.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func weekdayBars(days ...int) []domain.Bar {
	bars := make([]domain.Bar, len(days))
	for i, d := range days {
		bars[i] = domain.Bar{Symbol: "600519", TradeDate: day(d), Close: 10 + float64(d)/10}
	}
	return bars
}

func TestStoreFeedFetchesStaleTail(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	// 2024-03-01 is a Friday.
	if err := ps.WriteBars(ctx, "cn", weekdayBars(1, 4, 5)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	upstream := &rangeFeed{bars: weekdayBars(1, 4, 5, 6, 7, 8, 11, 12)}
	feed := NewStoreFeed(ps, "cn", upstream, quiet)

	bars, err := feed.GetStockData(ctx, "600519", day(1), day(12))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 8 {
		t.Fatalf("len(bars) = %d, want 8", len(bars))
	}
	if last := bars[len(bars)-1].TradeDate; !last.Equal(day(12)) {
		t.Errorf("last bar = %s, want 2024-03-12", domain.DateKey(last))
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	if !upstream.starts[0].Equal(day(6)) {
		t.Errorf("tail fetch start = %s, want 2024-03-06", domain.DateKey(upstream.starts[0]))
	}

	cached, err := ps.ReadBars(ctx, "600519", "cn", day(1), day(12))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(cached) != 8 {
		t.Errorf("cached bars = %d, want 8", len(cached))
	}
}

func TestStoreFeedWeekendTailIsCovered(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	if err := ps.WriteBars(ctx, "cn", weekdayBars(4, 5, 6, 7, 8)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	upstream := &rangeFeed{bars: weekdayBars(4, 5, 6, 7, 8, 11)}
	feed := NewStoreFeed(ps, "cn", upstream, quiet)

	// 2024-03-09/10 is a weekend.
	bars, err := feed.GetStockData(ctx, "600519", day(4), day(10))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 5 {
		t.Errorf("len(bars) = %d, want 5", len(bars))
	}
	if n := upstream.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestStoreFeedCacheOnly(t *testing.T) {
	feed := NewStoreFeed(store.NewParquetStore(t.TempDir()), "cn", nil, quiet)
	bars, err := feed.GetStockData(context.Background(), "600519", day(1), day(8))
	if err != nil {
		t.Fatalf("GetStockData: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("len(bars) = %d, want 0", len(bars))
	}
}

// ---------------------------------------------------------------------------
// ClientPool
// ---------------------------------------------------------------------------

type closingFeed struct {
	countingFeed
	closed bool
}

func (f *closingFeed) Close() error {
	f.closed = true
	return nil
}

func TestClientPoolLifecycle(t *testing.T) {
	pool := NewClientPool(quiet)
	builds := 0
	var last *closingFeed
	pool.Register("collector", func() (PriceFeed, error) {
		builds++
		last = &closingFeed{}
		return last, nil
	})

	if _, ok := pool.Get("collector"); ok {
		t.Fatal("Get before Load should report not loaded")
	}

	a, err := pool.Load("collector")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := pool.Load("collector")
	if err != nil {
		t.Fatalf("Load (again): %v", err)
	}
	if a != b || builds != 1 {
		t.Errorf("Load built %d feeds, want 1 shared", builds)
	}
	if got, ok := pool.Get("collector"); !ok || got != a {
		t.Error("Get after Load should return the loaded feed")
	}

	first := last
	pool.Clear()
	if !first.closed {
		t.Error("Clear did not close the feed")
	}
	if _, ok := pool.Get("collector"); ok {
		t.Error("Get after Clear should report not loaded")
	}
	if _, err := pool.Load("collector"); err != nil || builds != 2 {
		t.Errorf("Load after Clear: builds = %d, err = %v; want 2, nil", builds, err)
	}
}

func TestClientPoolUnknown(t *testing.T) {
	pool := NewClientPool(quiet)
	if _, err := pool.Load("nope"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Load(unknown) error = %v, want ErrConfiguration", err)
	}
}

func TestClientPoolFactoryError(t *testing.T) {
	pool := NewClientPool(quiet)
	boom := errors.New("no credentials")
	pool.Register("alpaca", func() (PriceFeed, error) { return nil, boom })
	if _, err := pool.Load("alpaca"); !errors.Is(err, boom) {
		t.Errorf("Load error = %v, want %v", err, boom)
	}
	if names := pool.Names(); len(names) != 1 || names[0] != "alpaca" {
		t.Errorf("Names() = %v, want [alpaca]", names)
	}
}
