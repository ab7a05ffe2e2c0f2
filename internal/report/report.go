// Package report exports backtest results as XLSX workbooks with summary,
// trade and equity-curve sheets.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"factorlab/internal/domain"
)

// Sheet names.
const (
	SheetSummary = "Summary"
	SheetTrades  = "Trades"
	SheetEquity  = "Equity"
)

// Build renders r into a new workbook. The caller closes the file.
func Build(r *domain.BacktestResult) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetTrades, SheetEquity} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	steps := []func(*excelize.File, *domain.BacktestResult, int) error{
		writeSummary, writeTrades, writeEquity,
	}
	for _, step := range steps {
		if err := step(f, r, header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Write renders r and writes the workbook to w.
func Write(w io.Writer, r *domain.BacktestResult) error {
	f, err := Build(r)
	if err != nil {
		return fmt.Errorf("building report for %s: %w", r.ID, err)
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing report for %s: %w", r.ID, err)
	}
	return nil
}

// WriteFile saves the report for r under dir and returns its path.
func WriteFile(dir string, r *domain.BacktestResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	f, err := Build(r)
	if err != nil {
		return "", fmt.Errorf("building report for %s: %w", r.ID, err)
	}
	defer f.Close()

	path := filepath.Join(dir, FileName(r))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("saving %s: %w", path, err)
	}
	return path, nil
}

// FileName is <code>_<combination>_<start>_<end>.xlsx with unsafe characters
// replaced.
func FileName(r *domain.BacktestResult) string {
	name := fmt.Sprintf("%s_%s_%s_%s.xlsx", r.StockCode, r.CombinationName,
		r.StartDate.Format("20060102"), r.EndDate.Format("20060102"))
	return strings.Map(func(c rune) rune {
		switch c {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return c
	}, name)
}

// ---------------------------------------------------------------------------
// Sheets
// ---------------------------------------------------------------------------

func writeSummary(f *excelize.File, r *domain.BacktestResult, header int) error {
	m := r.Metrics
	rows := [][]interface{}{
		{"Field", "Value"},
		{"Result ID", r.ID},
		{"Stock", r.StockCode},
		{"Combination", r.CombinationName},
		{"Mode", string(r.Mode)},
		{"Start", domain.DateKey(r.StartDate)},
		{"End", domain.DateKey(r.EndDate)},
		{"Initial Capital", r.InitialCapital.InexactFloat64()},
		{"Final Value", r.FinalValue},
		{"Data Points", r.DataPoints},
		{"Total Return", m.TotalReturn},
		{"Annual Return", m.AnnualReturn},
		{"Benchmark Return", m.BenchmarkReturn},
		{"Max Drawdown", m.MaxDrawdown},
		{"Sharpe", m.SharpeRatio},
		{"Sortino", m.SortinoRatio},
		{"Calmar", m.CalmarRatio},
		{"Volatility", m.Volatility},
		{"VaR 95%", m.VaR95},
		{"Beta", m.Beta},
		{"Total Trades", m.TotalTrades},
		{"Winning Trades", m.WinningTrades},
		{"Losing Trades", m.LosingTrades},
		{"Win Rate", m.WinRate},
		{"Avg Profit", m.AvgProfit},
		{"Avg Loss", m.AvgLoss},
		{"Profit/Loss Ratio", m.ProfitLossRatio},
		{"Largest Win", m.LargestWin},
		{"Largest Loss", m.LargestLoss},
		{"SQN", m.SQN},
		{"Gross Leverage", m.GrossLeverage},
	}
	if err := writeRows(f, SheetSummary, rows); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetSummary, "A", "B", 22); err != nil {
		return err
	}
	return f.SetCellStyle(SheetSummary, "A1", "B1", header)
}

func writeTrades(f *excelize.File, r *domain.BacktestResult, header int) error {
	rows := [][]interface{}{{"Date", "Side", "Price", "Quantity", "Amount", "Fee", "PnL", "Score"}}
	for _, t := range r.Trades {
		row := []interface{}{
			domain.DateKey(t.Date), string(t.Side), t.Price.InexactFloat64(), t.Quantity,
			t.Amount.InexactFloat64(), t.Fee.InexactFloat64(), nil, t.Score,
		}
		if t.Side == domain.SideSell {
			row[6] = t.PnL.InexactFloat64()
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, SheetTrades, rows); err != nil {
		return err
	}
	return f.SetCellStyle(SheetTrades, "A1", "H1", header)
}

func writeEquity(f *excelize.File, r *domain.BacktestResult, header int) error {
	rows := [][]interface{}{{"Date", "Portfolio", "Benchmark"}}
	for i, d := range r.Dates {
		row := []interface{}{domain.DateKey(d), nil, nil}
		if i < len(r.PortfolioValues) {
			row[1] = r.PortfolioValues[i]
		}
		if i < len(r.BenchmarkValues) {
			row[2] = r.BenchmarkValues[i]
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, SheetEquity, rows); err != nil {
		return err
	}
	return f.SetCellStyle(SheetEquity, "A1", "C1", header)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
