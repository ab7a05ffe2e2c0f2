// Package factorlab is a Go SDK for the factorlab-server REST API.
package factorlab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Client provides a Go SDK for interacting with the factorlab-server API.
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a new factorlab API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5*time.Minute).
			SetHeader("Accept", "application/json"),
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Factor is one weighted factor of a combination.
type Factor struct {
	ID         string             `json:"id,omitempty"`
	Name       string             `json:"name"`
	Type       string             `json:"factor_type"`
	Weight     decimal.Decimal    `json:"weight"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	IsActive   bool               `json:"is_active"`
}

// Combination is a named set of weighted factors.
type Combination struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	Factors     []Factor  `json:"factors"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// BacktestRequest describes a backtest to run. Nil pointers take the server
// defaults.
type BacktestRequest struct {
	StockCode           string       `json:"stock_code"`
	StartDate           string       `json:"start_date"`
	EndDate             string       `json:"end_date"`
	CombinationID       string       `json:"combination_id,omitempty"`
	CombinationName     string       `json:"combination_name,omitempty"`
	Combination         *Combination `json:"combination,omitempty"`
	InitialCapital      *float64     `json:"initial_capital,omitempty"`
	BuyThreshold        *float64     `json:"buy_threshold,omitempty"`
	SellThreshold       *float64     `json:"sell_threshold,omitempty"`
	TransactionCost     *float64     `json:"transaction_cost,omitempty"`
	Slippage            *float64     `json:"slippage,omitempty"`
	WarmupPeriod        *int         `json:"warmup_period,omitempty"`
	NormalizationWindow *int         `json:"normalization_window,omitempty"`
	RiskFreeRate        *float64     `json:"risk_free_rate,omitempty"`
}

// Trade is one simulated fill.
type Trade struct {
	Date     time.Time       `json:"date"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	PnL      decimal.Decimal `json:"pnl"`
	Score    float64         `json:"score"`
}

// Metrics maps metric names (total_return, sharpe_ratio, ...) to values.
type Metrics map[string]float64

// Result is a completed backtest.
type Result struct {
	ID              string          `json:"id"`
	ConfigID        string          `json:"config_id"`
	CombinationID   string          `json:"combination_id"`
	CombinationName string          `json:"combination_name"`
	StockCode       string          `json:"stock_code"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
	InitialCapital  decimal.Decimal `json:"initial_capital"`
	FinalValue      float64         `json:"final_value"`
	Metrics         Metrics         `json:"metrics"`
	Trades          []Trade         `json:"trades"`
	Dates           []time.Time     `json:"dates"`
	PortfolioValues []float64       `json:"portfolio_values"`
	BenchmarkValues []float64       `json:"benchmark_values"`
	DataPoints      int             `json:"data_points"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// ResultSummary is a result without trades and series.
type ResultSummary struct {
	ID              string  `json:"id"`
	StockCode       string  `json:"stock_code"`
	CombinationID   string  `json:"combination_id"`
	CombinationName string  `json:"combination_name"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	FinalValue      float64 `json:"final_value"`
	Metrics         Metrics `json:"metrics"`
	CompletedAt     string  `json:"completed_at"`
}

// Score is the live composite score of a stock.
type Score struct {
	StockCode   string             `json:"stock_code"`
	Combination string             `json:"combination"`
	Date        string             `json:"date"`
	Score       float64            `json:"score"`
	Close       float64            `json:"close"`
	Window      int                `json:"window"`
	Factors     map[string]float64 `json:"factors"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("factorlab: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// envelope wraps every successful response body.
type envelope struct {
	Data interface{} `json:"data"`
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// ListFactors returns the names of the factors the server can compute.
func (c *Client) ListFactors(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, "/api/v1/factors", nil, nil, &out)
}

// CreateCombination saves a new combination and returns it with its ID.
func (c *Client) CreateCombination(ctx context.Context, comb Combination) (*Combination, error) {
	var out Combination
	if err := c.do(ctx, http.MethodPost, "/api/v1/combinations", nil, comb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCombinations returns every saved combination.
func (c *Client) ListCombinations(ctx context.Context) ([]Combination, error) {
	var out []Combination
	return out, c.do(ctx, http.MethodGet, "/api/v1/combinations", nil, nil, &out)
}

// GetCombination fetches a combination by ID.
func (c *Client) GetCombination(ctx context.Context, id string) (*Combination, error) {
	var out Combination
	if err := c.do(ctx, http.MethodGet, "/api/v1/combinations/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCombination replaces the combination with the given ID.
func (c *Client) UpdateCombination(ctx context.Context, id string, comb Combination) (*Combination, error) {
	var out Combination
	if err := c.do(ctx, http.MethodPut, "/api/v1/combinations/"+id, nil, comb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCombination removes a combination.
func (c *Client) DeleteCombination(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/combinations/"+id, nil, nil, nil)
}

// RunBacktest runs a backtest synchronously and returns the result.
func (c *Client) RunBacktest(ctx context.Context, req BacktestRequest) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtests", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBacktests lists stored results for stockCode, newest first. An empty
// code lists all.
func (c *Client) ListBacktests(ctx context.Context, stockCode string) ([]ResultSummary, error) {
	var query map[string]string
	if stockCode != "" {
		query = map[string]string{"stock_code": stockCode}
	}
	var out []ResultSummary
	return out, c.do(ctx, http.MethodGet, "/api/v1/backtests", query, nil, &out)
}

// GetBacktest fetches a stored result by ID.
func (c *Client) GetBacktest(ctx context.Context, id string) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodGet, "/api/v1/backtests/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadReport streams the XLSX report of a result into w.
func (c *Client) DownloadReport(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/api/v1/backtests/" + id + "/report")
	if err != nil {
		return fmt.Errorf("downloading report %s: %w", id, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode(), Message: http.StatusText(resp.StatusCode())}
	}
	_, err = io.Copy(w, body)
	return err
}

// FactorValue is one factor evaluated for a stock as of a date.
type FactorValue struct {
	Factor    string  `json:"factor"`
	StockCode string  `json:"stock_code"`
	AsOf      string  `json:"as_of"`
	Window    int     `json:"window"`
	Value     float64 `json:"value"`
}

// GetFactorValue evaluates the named factor for code as of asOf. A zero
// asOf means today and a zero window the factor's default.
func (c *Client) GetFactorValue(ctx context.Context, name, code string, asOf time.Time, window int) (*FactorValue, error) {
	query := map[string]string{}
	if !asOf.IsZero() {
		query["as_of"] = asOf.Format("2006-01-02")
	}
	if window > 0 {
		query["window"] = strconv.Itoa(window)
	}
	var out FactorValue
	if err := c.do(ctx, http.MethodGet, "/api/v1/factors/"+name+"/"+code, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetScore returns the composite score of code under the named combination
// on the latest trading day on or before asOf. A zero asOf means today and a
// zero window the server's normalization window.
func (c *Client) GetScore(ctx context.Context, code, combination string, asOf time.Time, window int) (*Score, error) {
	query := map[string]string{"combination": combination}
	if !asOf.IsZero() {
		query["as_of"] = asOf.Format("2006-01-02")
	}
	if window > 0 {
		query["normalization_window"] = strconv.Itoa(window)
	}
	var out Score
	if err := c.do(ctx, http.MethodGet, "/api/v1/scores/"+code, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out interface{}) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(&envelope{Data: out})
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}
