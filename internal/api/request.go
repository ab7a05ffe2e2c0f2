package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
	"factorlab/internal/store"
)

// Defaults fill backtest request fields the caller leaves unset.
type Defaults struct {
	InitialCapital      float64
	BuyThreshold        float64
	SellThreshold       float64
	TransactionCost     float64
	Slippage            float64
	NormalizationWindow int
	RiskFreeRate        float64
}

// DefaultDefaults mirrors the domain defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		InitialCapital:      1_000_000,
		BuyThreshold:        domain.DefaultBuyThreshold,
		SellThreshold:       domain.DefaultSellThreshold,
		TransactionCost:     domain.DefaultTransactionCost.InexactFloat64(),
		Slippage:            domain.DefaultSlippage.InexactFloat64(),
		NormalizationWindow: domain.DefaultNormalizationWindow,
	}
}

// BacktestRequest is the body of POST /api/v1/backtests and the payload of
// the RunBacktest RPC. The combination is taken from CombinationID, then
// CombinationName, then the inline Combination.
type BacktestRequest struct {
	StockCode           string              `json:"stock_code" binding:"required"`
	StartDate           string              `json:"start_date" binding:"required"`
	EndDate             string              `json:"end_date" binding:"required"`
	CombinationID       string              `json:"combination_id,omitempty"`
	CombinationName     string              `json:"combination_name,omitempty"`
	Combination         *domain.Combination `json:"combination,omitempty"`
	InitialCapital      *float64            `json:"initial_capital,omitempty"`
	BuyThreshold        *float64            `json:"buy_threshold,omitempty"`
	SellThreshold       *float64            `json:"sell_threshold,omitempty"`
	TransactionCost     *float64            `json:"transaction_cost,omitempty"`
	Slippage            *float64            `json:"slippage,omitempty"`
	WarmupPeriod        *int                `json:"warmup_period,omitempty"`
	NormalizationWindow *int                `json:"normalization_window,omitempty"`
	RiskFreeRate        *float64            `json:"risk_free_rate,omitempty"`
}

// resolveCombination finds the combination a request refers to.
func resolveCombination(ctx context.Context, combos store.CombinationStore, id, name string, inline *domain.Combination) (*domain.Combination, error) {
	switch {
	case id != "":
		return combos.GetCombination(ctx, id)
	case name != "":
		return combos.GetCombinationByName(ctx, name)
	case inline != nil:
		return inline, nil
	}
	return nil, fmt.Errorf("%w: one of combination_id, combination_name or combination is required", domain.ErrInvalidArgument)
}

// toConfig validates req and builds the immutable backtest config.
func (req *BacktestRequest) toConfig(comb *domain.Combination, d Defaults) (domain.BacktestConfig, error) {
	start, err := domain.ParseDate(req.StartDate)
	if err != nil {
		return domain.BacktestConfig{}, fmt.Errorf("%w: start_date %q: %v", domain.ErrInvalidArgument, req.StartDate, err)
	}
	end, err := domain.ParseDate(req.EndDate)
	if err != nil {
		return domain.BacktestConfig{}, fmt.Errorf("%w: end_date %q: %v", domain.ErrInvalidArgument, req.EndDate, err)
	}

	capital := pick(req.InitialCapital, d.InitialCapital)
	opts := []domain.ConfigOption{
		domain.WithThresholds(pick(req.BuyThreshold, d.BuyThreshold), pick(req.SellThreshold, d.SellThreshold)),
		domain.WithCosts(
			decimal.NewFromFloat(pick(req.TransactionCost, d.TransactionCost)),
			decimal.NewFromFloat(pick(req.Slippage, d.Slippage)),
		),
		domain.WithNormalizationWindow(pick(req.NormalizationWindow, d.NormalizationWindow)),
		domain.WithRiskFreeRate(pick(req.RiskFreeRate, d.RiskFreeRate)),
	}
	if req.WarmupPeriod != nil {
		opts = append(opts, domain.WithWarmup(*req.WarmupPeriod))
	}
	return domain.NewBacktestConfig(req.StockCode, start, end, decimal.NewFromFloat(capital), comb, opts...)
}

func pick[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}

// CombinationRequest is the body of combination create and update calls.
type CombinationRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
	Factors     []domain.Factor `json:"factors" binding:"required,min=1"`
}

func (req *CombinationRequest) toCombination() *domain.Combination {
	return &domain.Combination{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		Factors:     req.Factors,
	}
}

// ResultSummary is a result without its trades and series.
type ResultSummary struct {
	ID              string         `json:"id"`
	StockCode       string         `json:"stock_code"`
	CombinationID   string         `json:"combination_id"`
	CombinationName string         `json:"combination_name"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	FinalValue      float64        `json:"final_value"`
	Metrics         domain.Metrics `json:"metrics"`
	CompletedAt     string         `json:"completed_at"`
}

func summarize(r *domain.BacktestResult) ResultSummary {
	return ResultSummary{
		ID:              r.ID,
		StockCode:       r.StockCode,
		CombinationID:   r.CombinationID,
		CombinationName: r.CombinationName,
		StartDate:       domain.DateKey(r.StartDate),
		EndDate:         domain.DateKey(r.EndDate),
		FinalValue:      r.FinalValue,
		Metrics:         r.Metrics,
		CompletedAt:     r.CompletedAt.Format(time.RFC3339),
	}
}

// httpStatus maps domain errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrDataNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrComputation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
