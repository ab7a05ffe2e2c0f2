// Package backtest runs factor-driven single-stock backtests: it turns scored
// daily records into a simulated portfolio trajectory and computes
// performance metrics from it.
package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
	"factorlab/internal/util"
)

// State is the simulator lifecycle state.
type State int

const (
	StateAwaitingData State = iota
	StateWarmingUp
	StateFlat
	StateLong
	StateFinished
)

var stateNames = [...]string{"AWAITING_DATA", "WARMING_UP", "FLAT", "LONG", "FINISHED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SimulatorConfig holds the execution parameters of one simulation.
type SimulatorConfig struct {
	InitialCapital  decimal.Decimal
	TransactionCost decimal.Decimal
	Slippage        decimal.Decimal
	BuyThreshold    float64
	SellThreshold   float64
	WarmupPeriod    int
}

// SimulatorConfigFrom extracts the execution parameters of cfg.
func SimulatorConfigFrom(cfg domain.BacktestConfig) SimulatorConfig {
	return SimulatorConfig{
		InitialCapital:  cfg.InitialCapital,
		TransactionCost: cfg.TransactionCost,
		Slippage:        cfg.Slippage,
		BuyThreshold:    cfg.BuyThreshold,
		SellThreshold:   cfg.SellThreshold,
		WarmupPeriod:    cfg.WarmupPeriod,
	}
}

// Trajectory is the day-by-day output of a simulation. All series share the
// index of Dates.
type Trajectory struct {
	Dates     []time.Time
	Values    []float64
	Benchmark []float64
	Exposure  []float64
	Trades    []domain.Trade

	FinalState    State
	FinalCash     decimal.Decimal
	FinalQuantity int64
}

// Simulator is a long-only, all-in/all-out state machine over scored daily
// records. It is not safe for concurrent use; each run owns one.
type Simulator struct {
	cfg   SimulatorConfig
	state State
	day   int

	cash       decimal.Decimal
	quantity   int64
	costBasis  decimal.Decimal
	firstClose decimal.Decimal

	traj Trajectory
}

var one = decimal.NewFromInt(1)

// NewSimulator creates a simulator holding only cash.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.WarmupPeriod < 1 {
		cfg.WarmupPeriod = 1
	}
	return &Simulator{
		cfg:   cfg,
		state: StateAwaitingData,
		cash:  cfg.InitialCapital,
	}
}

// State returns the current lifecycle state.
func (s *Simulator) State() State { return s.state }

// Step processes one record: it may trade at the record's close and then
// marks the portfolio to market.
func (s *Simulator) Step(r domain.DailyRecord) error {
	if s.state == StateFinished {
		return fmt.Errorf("%w: simulator already finished", domain.ErrComputation)
	}
	if r.Close <= 0 || !util.Finite(r.Close, r.Score) {
		return fmt.Errorf("%w: invalid close %v or score %v on %s", domain.ErrComputation, r.Close, r.Score, domain.DateKey(r.Date))
	}
	if n := len(s.traj.Dates); n > 0 && !r.Date.After(s.traj.Dates[n-1]) {
		return fmt.Errorf("%w: record %s is not after %s", domain.ErrComputation, domain.DateKey(r.Date), domain.DateKey(s.traj.Dates[n-1]))
	}

	closePx := decimal.NewFromFloat(r.Close)
	if s.state == StateAwaitingData {
		s.firstClose = closePx
		s.state = StateWarmingUp
	}

	switch s.state {
	case StateWarmingUp:
		if s.day+1 >= s.cfg.WarmupPeriod {
			s.state = StateFlat
		}
	case StateFlat:
		if r.Score >= s.cfg.BuyThreshold {
			s.buy(r, closePx)
		}
	case StateLong:
		if r.Score <= s.cfg.SellThreshold {
			s.sell(r, closePx)
		}
	}

	s.mark(r.Date, closePx)
	s.day++
	return nil
}

// buy spends all cash on whole shares at the slipped close. Nothing happens
// when not even one share is affordable.
func (s *Simulator) buy(r domain.DailyRecord, closePx decimal.Decimal) {
	fill := closePx.Mul(one.Add(s.cfg.Slippage))
	perShare := fill.Mul(one.Add(s.cfg.TransactionCost))
	qty := s.cash.Div(perShare).Floor().IntPart()

	for ; qty > 0; qty-- {
		notional := fill.Mul(decimal.NewFromInt(qty))
		fee := notional.Mul(s.cfg.TransactionCost)
		total := notional.Add(fee)
		if total.GreaterThan(s.cash) {
			continue
		}
		s.cash = s.cash.Sub(total)
		s.quantity = qty
		s.costBasis = total
		s.state = StateLong
		s.traj.Trades = append(s.traj.Trades, domain.Trade{
			Date:     r.Date,
			Side:     domain.SideBuy,
			Price:    fill,
			Quantity: qty,
			Amount:   notional,
			Fee:      fee,
			Score:    r.Score,
		})
		return
	}
}

// sell liquidates the whole position at the slipped close.
func (s *Simulator) sell(r domain.DailyRecord, closePx decimal.Decimal) {
	fill := closePx.Mul(one.Sub(s.cfg.Slippage))
	notional := fill.Mul(decimal.NewFromInt(s.quantity))
	fee := notional.Mul(s.cfg.TransactionCost)
	proceeds := notional.Sub(fee)

	s.traj.Trades = append(s.traj.Trades, domain.Trade{
		Date:     r.Date,
		Side:     domain.SideSell,
		Price:    fill,
		Quantity: s.quantity,
		Amount:   notional,
		Fee:      fee,
		PnL:      proceeds.Sub(s.costBasis),
		Score:    r.Score,
	})
	s.cash = s.cash.Add(proceeds)
	s.quantity = 0
	s.costBasis = decimal.Zero
	s.state = StateFlat
}

func (s *Simulator) mark(date time.Time, closePx decimal.Decimal) {
	position := closePx.Mul(decimal.NewFromInt(s.quantity))
	value := s.cash.Add(position)
	benchmark := s.cfg.InitialCapital.Mul(closePx).Div(s.firstClose)

	exposure := 0.0
	if value.IsPositive() {
		exposure = position.Div(value).InexactFloat64()
	}

	s.traj.Dates = append(s.traj.Dates, date)
	s.traj.Values = append(s.traj.Values, value.InexactFloat64())
	s.traj.Benchmark = append(s.traj.Benchmark, benchmark.InexactFloat64())
	s.traj.Exposure = append(s.traj.Exposure, exposure)
}

// Finish ends the run and returns the trajectory. An open position is left
// open; it only affects the final mark.
func (s *Simulator) Finish() Trajectory {
	s.traj.FinalState = s.state
	s.traj.FinalCash = s.cash
	s.traj.FinalQuantity = s.quantity
	s.state = StateFinished
	return s.traj
}

// Simulate runs records through a fresh simulator. Empty input is
// domain.ErrDataNotFound.
func Simulate(records []domain.DailyRecord, cfg SimulatorConfig) (Trajectory, error) {
	if len(records) == 0 {
		return Trajectory{}, fmt.Errorf("%w: no records to simulate", domain.ErrDataNotFound)
	}
	if !cfg.InitialCapital.IsPositive() {
		return Trajectory{}, fmt.Errorf("%w: initial capital must be positive", domain.ErrInvalidArgument)
	}
	sim := NewSimulator(cfg)
	for _, r := range records {
		if err := sim.Step(r); err != nil {
			return Trajectory{}, err
		}
	}
	return sim.Finish(), nil
}
