package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"factorlab/internal/domain"
)

var _ PriceFeed = (*CollectorClient)(nil)

const dailyBarsPath = "/api/v1/stocks/{code}/daily"

// CollectorClient fetches A-share daily bars from the data-collector HTTP
// service. Server errors and transport failures are retried with exponential
// backoff; 4xx responses other than 404 fail immediately.
type CollectorClient struct {
	http           *resty.Client
	maxRetries     uint64
	initialBackoff time.Duration
	log            *slog.Logger
}

// CollectorOption configures a CollectorClient.
type CollectorOption func(*CollectorClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *CollectorClient) { c.http.SetTimeout(d) }
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) CollectorOption {
	return func(c *CollectorClient) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = uint64(n)
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) CollectorOption {
	return func(c *CollectorClient) { c.initialBackoff = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return func(c *CollectorClient) { c.log = l }
}

// NewCollectorClient creates a client for the collector at baseURL.
func NewCollectorClient(baseURL string, opts ...CollectorOption) *CollectorClient {
	c := &CollectorClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("Accept", "application/json"),
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		log:            slog.Default().With("component", "collector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// collectorBar is the wire format of one bar.
type collectorBar struct {
	TradeDate   string  `json:"trade_date"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
	Amount      float64 `json:"amount"`
	TotalShares float64 `json:"total_shares"`
	FloatShares float64 `json:"float_shares"`
}

type collectorResponse struct {
	Code string         `json:"code"`
	Bars []collectorBar `json:"bars"`
}

// GetStockData returns daily bars for code within [start, end]. A 404 from
// the collector is an empty result, not an error.
func (c *CollectorClient) GetStockData(ctx context.Context, code string, start, end time.Time) ([]domain.Bar, error) {
	var payload collectorResponse

	attempt := 0
	op := func() error {
		attempt++
		var out collectorResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("code", code).
			SetQueryParams(map[string]string{
				"start": domain.DateKey(start),
				"end":   domain.DateKey(end),
			}).
			SetResult(&out).
			Get(dailyBarsPath)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.log.Warn("collector request failed", "code", code, "attempt", attempt, "error", err)
			return err
		}

		switch status := resp.StatusCode(); {
		case status == http.StatusNotFound:
			payload = collectorResponse{Code: code}
			return nil
		case status >= http.StatusInternalServerError:
			c.log.Warn("collector server error", "code", code, "attempt", attempt, "status", status)
			return fmt.Errorf("collector returned %d", status)
		case resp.IsError():
			return backoff.Permanent(fmt.Errorf("collector returned %d: %s", status, strings.TrimSpace(resp.String())))
		}
		payload = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetching %s daily bars: %w", code, err)
	}
	return convertCollectorBars(code, payload.Bars)
}

func convertCollectorBars(code string, raw []collectorBar) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, len(raw))
	for _, r := range raw {
		day, err := domain.ParseDate(r.TradeDate)
		if err != nil {
			return nil, fmt.Errorf("%w: %s has malformed trade_date %q", domain.ErrComputation, code, r.TradeDate)
		}
		bars = append(bars, domain.Bar{
			Symbol:      code,
			TradeDate:   day,
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			Volume:      r.Volume,
			Amount:      r.Amount,
			TotalShares: r.TotalShares,
			FloatShares: r.FloatShares,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate.Before(bars[j].TradeDate) })
	return bars, nil
}
