package factor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/marketdata"
	"factorlab/internal/util"
)

// Service produces factor time series over a date range from one price
// fetch per call.
type Service struct {
	feed     marketdata.PriceFeed
	registry *Registry
	log      *slog.Logger
}

// NewService creates a Service. A nil registry means the built-in factors.
func NewService(feed marketdata.PriceFeed, registry *Registry, log *slog.Logger) *Service {
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{feed: feed, registry: registry, log: log.With("component", "factor-service")}
}

// Registry exposes the factor definitions the service resolves names with.
func (s *Service) Registry() *Registry { return s.registry }

type resolved struct {
	factor domain.Factor
	def    Definition
	window int
}

// GetFactorData returns one series per requested factor, keyed by factor
// name, holding a value for each trading day in [start, end] with enough
// history. Days without enough history are omitted. Unknown factor names
// fail with domain.ErrConfiguration.
func (s *Service) GetFactorData(ctx context.Context, code string, start, end time.Time, factors []domain.Factor) (map[string]domain.FactorSeries, error) {
	if s.feed == nil {
		return nil, fmt.Errorf("%w: no price feed configured", domain.ErrConfiguration)
	}

	var plan []resolved
	maxBars := 1
	for _, f := range factors {
		def, ok := s.registry.Get(f.Name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown factor %q", domain.ErrConfiguration, f.Name)
		}
		w := def.Window(f)
		plan = append(plan, resolved{factor: f, def: def, window: w})
		maxBars = max(maxBars, def.Bars(w))
	}

	fetchStart := start.AddDate(0, 0, -util.CalendarLookback(maxBars))
	raw, err := s.feed.GetStockData(ctx, code, fetchStart, end)
	if err != nil {
		return nil, fmt.Errorf("fetching %s bars: %w", code, err)
	}
	bars := upTo(raw, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s in [%s, %s]", domain.ErrDataNotFound, code, domain.DateKey(fetchStart), domain.DateKey(end))
	}

	out := make(map[string]domain.FactorSeries, len(plan))
	for _, p := range plan {
		series := domain.FactorSeries{}
		for i, b := range bars {
			if b.TradeDate.Before(start) {
				continue
			}
			v, err := p.def.Compute(bars[:i+1], p.window)
			if errors.Is(err, domain.ErrDataNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s for %s on %s: %w", p.factor.Name, code, domain.DateKey(b.TradeDate), err)
			}
			series = append(series, domain.FactorPoint{Date: b.TradeDate, Value: v})
		}
		out[p.factor.Name] = series
		s.log.Debug("factor series computed", "factor", p.factor.Name, "code", code, "points", len(series))
	}
	return out, nil
}
