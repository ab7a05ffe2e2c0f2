package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BacktestMode discriminates how a backtest is executed.
type BacktestMode string

const (
	ModeHistoricalSimulation BacktestMode = "historical_simulation"
)

// Defaults applied by NewBacktestConfig.
const (
	DefaultBuyThreshold        = 0.6
	DefaultSellThreshold       = 0.4
	DefaultWarmupPeriod        = 1
	DefaultNormalizationWindow = 60
)

var (
	DefaultTransactionCost = decimal.RequireFromString("0.0003")
	DefaultSlippage        = decimal.RequireFromString("0.001")
)

var validate = validator.New()

// BacktestConfig describes one backtest run. Build it with NewBacktestConfig
// and treat it as immutable afterwards; Combination is a private snapshot.
type BacktestConfig struct {
	ID                  string          `json:"id"`
	StockCode           string          `json:"stock_code" validate:"required"`
	StartDate           time.Time       `json:"start_date" validate:"required"`
	EndDate             time.Time       `json:"end_date" validate:"required,gtefield=StartDate"`
	InitialCapital      decimal.Decimal `json:"initial_capital"`
	Combination         Combination     `json:"combination"`
	BuyThreshold        float64         `json:"buy_threshold" validate:"gte=0,lte=1"`
	SellThreshold       float64         `json:"sell_threshold" validate:"gte=0,lte=1,ltfield=BuyThreshold"`
	TransactionCost     decimal.Decimal `json:"transaction_cost"`
	Slippage            decimal.Decimal `json:"slippage"`
	Mode                BacktestMode    `json:"mode" validate:"required,oneof=historical_simulation"`
	WarmupPeriod        int             `json:"warmup_period" validate:"gte=1"`
	NormalizationWindow int             `json:"normalization_window" validate:"gte=2"`
	RiskFreeRate        float64         `json:"risk_free_rate" validate:"gte=0,lt=1"`
}

// ConfigOption customizes a BacktestConfig under construction.
type ConfigOption func(*BacktestConfig)

// WithThresholds sets the buy and sell score thresholds.
func WithThresholds(buy, sell float64) ConfigOption {
	return func(c *BacktestConfig) {
		c.BuyThreshold = buy
		c.SellThreshold = sell
	}
}

// WithCosts sets the proportional transaction cost and slippage rates.
func WithCosts(transactionCost, slippage decimal.Decimal) ConfigOption {
	return func(c *BacktestConfig) {
		c.TransactionCost = transactionCost
		c.Slippage = slippage
	}
}

// WithWarmup sets the number of leading records that only mark to market.
func WithWarmup(n int) ConfigOption {
	return func(c *BacktestConfig) { c.WarmupPeriod = n }
}

// WithNormalizationWindow sets the trailing window used to normalize factor
// values into scores.
func WithNormalizationWindow(n int) ConfigOption {
	return func(c *BacktestConfig) { c.NormalizationWindow = n }
}

// WithRiskFreeRate sets the annual risk-free rate used by Sharpe and Sortino.
func WithRiskFreeRate(r float64) ConfigOption {
	return func(c *BacktestConfig) { c.RiskFreeRate = r }
}

// WithMode sets the backtest mode.
func WithMode(m BacktestMode) ConfigOption {
	return func(c *BacktestConfig) { c.Mode = m }
}

// WithID pins the config identifier instead of generating one.
func WithID(id string) ConfigOption {
	return func(c *BacktestConfig) { c.ID = id }
}

// NewBacktestConfig validates its inputs and returns a config holding a deep
// copy of comb, so later edits to the live combination cannot leak into the
// run.
func NewBacktestConfig(code string, start, end time.Time, capital decimal.Decimal, comb *Combination, opts ...ConfigOption) (BacktestConfig, error) {
	if comb == nil {
		return BacktestConfig{}, fmt.Errorf("%w: factor combination is required", ErrInvalidArgument)
	}
	cfg := BacktestConfig{
		ID:                  uuid.NewString(),
		StockCode:           strings.TrimSpace(code),
		StartDate:           start,
		EndDate:             end,
		InitialCapital:      capital,
		Combination:         comb.Clone(),
		BuyThreshold:        DefaultBuyThreshold,
		SellThreshold:       DefaultSellThreshold,
		TransactionCost:     DefaultTransactionCost,
		Slippage:            DefaultSlippage,
		Mode:                ModeHistoricalSimulation,
		WarmupPeriod:        DefaultWarmupPeriod,
		NormalizationWindow: DefaultNormalizationWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return BacktestConfig{}, err
	}
	return cfg, nil
}

// Validate checks the field constraints. Errors wrap ErrInvalidArgument.
func (c BacktestConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive, got %s", ErrInvalidArgument, c.InitialCapital)
	}
	if c.TransactionCost.IsNegative() {
		return fmt.Errorf("%w: transaction cost must not be negative", ErrInvalidArgument)
	}
	if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: slippage must be in [0,1)", ErrInvalidArgument)
	}
	if len(c.Combination.ActiveFactors()) == 0 {
		return fmt.Errorf("%w: combination %q has no active factors", ErrInvalidArgument, c.Combination.Name)
	}
	return nil
}

// DailyRecord is one merged trading day: prices plus the composite score.
type DailyRecord struct {
	Date    time.Time          `json:"date"`
	Open    float64            `json:"open"`
	High    float64            `json:"high"`
	Low     float64            `json:"low"`
	Close   float64            `json:"close"`
	Volume  int64              `json:"volume"`
	Amount  float64            `json:"amount"`
	Score   float64            `json:"score"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// TradeSide is the direction of a simulated fill.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is one simulated fill. PnL is only set on SELL events.
type Trade struct {
	Date     time.Time       `json:"date"`
	Side     TradeSide       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	PnL      decimal.Decimal `json:"pnl"`
	Score    float64         `json:"score"`
}

// Metrics holds the return, risk and trade statistics of a run.
type Metrics struct {
	TotalReturn     float64 `json:"total_return"`
	AnnualReturn    float64 `json:"annual_return"`
	BenchmarkReturn float64 `json:"benchmark_return"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	SortinoRatio    float64 `json:"sortino_ratio"`
	CalmarRatio     float64 `json:"calmar_ratio"`

	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	AvgProfit       float64 `json:"avg_profit"`
	AvgLoss         float64 `json:"avg_loss"`
	ProfitLossRatio float64 `json:"profit_loss_ratio"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`

	Volatility    float64 `json:"volatility"`
	VaR95         float64 `json:"var_95"`
	Beta          float64 `json:"beta"`
	SQN           float64 `json:"sqn"`
	GrossLeverage float64 `json:"gross_leverage"`
}

// BacktestResult is the immutable output of one run, handed to the result
// store.
type BacktestResult struct {
	ID              string          `json:"id"`
	ConfigID        string          `json:"config_id"`
	CombinationID   string          `json:"combination_id"`
	CombinationName string          `json:"combination_name"`
	StockCode       string          `json:"stock_code"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
	Mode            BacktestMode    `json:"mode"`
	InitialCapital  decimal.Decimal `json:"initial_capital"`
	FinalValue      float64         `json:"final_value"`
	Metrics         Metrics         `json:"metrics"`
	Trades          []Trade         `json:"trades"`
	Dates           []time.Time     `json:"dates"`
	PortfolioValues []float64       `json:"portfolio_values"`
	BenchmarkValues []float64       `json:"benchmark_values"`
	RunTime         time.Duration   `json:"run_time"`
	DataPoints      int             `json:"data_points"`
	CompletedAt     time.Time       `json:"completed_at"`
}
