// Package store defines persistence interfaces for factor combinations,
// backtest results and cached daily bars.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"factorlab/internal/domain"
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars merges a batch of bars into storage under the given market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end],
	// ordered by trade date.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// CombinationStore persists researcher-owned factor combinations.
type CombinationStore interface {
	// SaveCombination inserts or replaces a combination. An empty ID is
	// assigned before writing.
	SaveCombination(ctx context.Context, c *domain.Combination) error

	// GetCombination returns the combination with the given ID, or an error
	// wrapping domain.ErrNotFound.
	GetCombination(ctx context.Context, id string) (*domain.Combination, error)

	// GetCombinationByName looks a combination up by its unique name.
	GetCombinationByName(ctx context.Context, name string) (*domain.Combination, error)

	// ListCombinations returns every combination ordered by name.
	ListCombinations(ctx context.Context) ([]domain.Combination, error)

	// DeleteCombination removes a combination. Missing IDs are ErrNotFound.
	DeleteCombination(ctx context.Context, id string) error
}

// ResultStore persists completed backtest results.
type ResultStore interface {
	// SaveResult writes a result keyed by its ID.
	SaveResult(ctx context.Context, r *domain.BacktestResult) error

	// GetResult returns the result with the given ID.
	GetResult(ctx context.Context, id string) (*domain.BacktestResult, error)

	// ListResults returns results for stockCode, newest first. An empty code
	// lists every result.
	ListResults(ctx context.Context, stockCode string) ([]domain.BacktestResult, error)
}

// prepareCombination assigns missing IDs and stamps timestamps before a save.
func prepareCombination(c *domain.Combination, now time.Time) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	for i := range c.Factors {
		f := &c.Factors[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
	}
}

// prepareResult assigns a missing result ID.
func prepareResult(r *domain.BacktestResult) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
}
