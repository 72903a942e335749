package marketdata

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStaticSourceRateInverse(t *testing.T) {
	src := NewStaticSource()
	src.SetRate("EUR", "USD", decimal.RequireFromString("1.25"))

	rate, err := src.Rate(context.Background(), "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.8")), "got %s", rate)

	same, err := src.Rate(context.Background(), "USD", "USD")
	require.NoError(t, err)
	assert.True(t, same.Equal(decimal.NewFromInt(1)))
}

func TestMarkChainFallsBackInOrder(t *testing.T) {
	primary := NewStaticSource() // empty, always misses
	backup := NewStaticSource()
	backup.SetMark("POWER", "2026-Q4", decimal.NewFromInt(55))

	chain := NewMarkChain(zaptest.NewLogger(t), primary, backup)
	price, err := chain.MarkPrice(context.Background(), "POWER", "2026-Q4")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(55)))

	_, err = chain.MarkPrice(context.Background(), "GAS", "2026-Q4")
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestStaticReturnsLookback(t *testing.T) {
	src := NewStaticSource()
	src.SetReturns("POWER", []float64{0.01, -0.02, 0.005, 0.013})

	series, err := src.Returns(context.Background(), "POWER", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.005, 0.013}, series)
}
