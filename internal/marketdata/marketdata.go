// Package marketdata provides the market price and FX rate sources the core
// consumes. Providers are arranged in an ordered chain; falling back from one
// provider to the next is always logged, never silent.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoQuote is returned when a source has no price or rate for the request.
var ErrNoQuote = errors.New("no quote available")

// MarkSource supplies the current mark price per commodity and delivery period.
type MarkSource interface {
	MarkPrice(ctx context.Context, commodity, period string) (decimal.Decimal, error)
	Name() string
}

// RateSource supplies FX conversion rates.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
	Name() string
}

// ReturnSource supplies historical return series per commodity for the risk
// engine's covariance and resampling inputs.
type ReturnSource interface {
	Returns(ctx context.Context, commodity string, lookback int) ([]float64, error)
}

// StaticSource is a settable in-memory source used as the chain's last
// resort and in tests.
type StaticSource struct {
	mu      sync.RWMutex
	marks   map[string]decimal.Decimal // commodity|period
	rates   map[string]decimal.Decimal // FROM|TO
	returns map[string][]float64
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		marks:   make(map[string]decimal.Decimal),
		rates:   make(map[string]decimal.Decimal),
		returns: make(map[string][]float64),
	}
}

func (s *StaticSource) Name() string { return "static" }

// SetMark sets the mark price for a commodity and period.
func (s *StaticSource) SetMark(commodity, period string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[commodity+"|"+period] = price
}

// SetRate sets the conversion rate from one currency to another, along with
// its inverse.
func (s *StaticSource) SetRate(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[from+"|"+to] = rate
	if !rate.IsZero() {
		s.rates[to+"|"+from] = decimal.NewFromInt(1).Div(rate)
	}
}

// SetReturns sets the historical return series for a commodity.
func (s *StaticSource) SetReturns(commodity string, returns []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returns[commodity] = append([]float64(nil), returns...)
}

func (s *StaticSource) MarkPrice(ctx context.Context, commodity, period string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.marks[commodity+"|"+period]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: mark %s/%s", ErrNoQuote, commodity, period)
	}
	return price, nil
}

func (s *StaticSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[from+"|"+to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: rate %s/%s", ErrNoQuote, from, to)
	}
	return rate, nil
}

func (s *StaticSource) Returns(ctx context.Context, commodity string, lookback int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.returns[commodity]
	if !ok {
		return nil, fmt.Errorf("%w: returns %s", ErrNoQuote, commodity)
	}
	if lookback > 0 && lookback < len(series) {
		series = series[len(series)-lookback:]
	}
	return append([]float64(nil), series...), nil
}

// MarkChain tries mark sources in order, logging every fallback.
type MarkChain struct {
	sources []MarkSource
	logger  *zap.Logger
}

// NewMarkChain creates a chain over the given sources, first one preferred.
func NewMarkChain(logger *zap.Logger, sources ...MarkSource) *MarkChain {
	return &MarkChain{sources: sources, logger: logger}
}

func (c *MarkChain) Name() string { return "chain" }

func (c *MarkChain) MarkPrice(ctx context.Context, commodity, period string) (decimal.Decimal, error) {
	var lastErr error
	for i, src := range c.sources {
		price, err := src.MarkPrice(ctx, commodity, period)
		if err == nil {
			if i > 0 {
				c.logger.Warn("mark price served by fallback provider",
					zap.String("provider", src.Name()),
					zap.String("commodity", commodity),
					zap.String("period", period),
					zap.NamedError("primary_error", lastErr),
				)
			}
			return price, nil
		}
		lastErr = err
	}
	return decimal.Zero, fmt.Errorf("all mark providers failed for %s/%s: %w", commodity, period, lastErr)
}

// RateChain tries rate sources in order, logging every fallback.
type RateChain struct {
	sources []RateSource
	logger  *zap.Logger
}

// NewRateChain creates a chain over the given sources, first one preferred.
func NewRateChain(logger *zap.Logger, sources ...RateSource) *RateChain {
	return &RateChain{sources: sources, logger: logger}
}

func (c *RateChain) Name() string { return "chain" }

func (c *RateChain) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	var lastErr error
	for i, src := range c.sources {
		rate, err := src.Rate(ctx, from, to)
		if err == nil {
			if i > 0 {
				c.logger.Warn("fx rate served by fallback provider",
					zap.String("provider", src.Name()),
					zap.String("pair", from+"/"+to),
					zap.NamedError("primary_error", lastErr),
				)
			}
			return rate, nil
		}
		lastErr = err
	}
	return decimal.Zero, fmt.Errorf("all fx providers failed for %s/%s: %w", from, to, lastErr)
}
