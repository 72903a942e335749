package risk

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amanahenergy/etrm/internal/audit"
	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

type staticBook struct {
	buckets []*models.PositionBucket
}

func (b *staticBook) Book(ctx context.Context) ([]*models.PositionBucket, error) {
	return b.buckets, nil
}

func bucket(commodity string, qty, mark int64) *models.PositionBucket {
	return &models.PositionBucket{
		BucketKey:     models.BucketKey{Commodity: commodity, Period: "2026-Q4", Book: "base"},
		NetQuantity:   decimal.NewFromInt(qty),
		AvgEntryPrice: decimal.NewFromInt(mark),
		MarkPrice:     decimal.NewFromInt(mark),
	}
}

// syntheticReturns builds a deterministic pseudo-random daily return series.
func syntheticReturns(seed int64, vol float64, n int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	series := make([]float64, n)
	for i := range series {
		series[i] = rng.NormFloat64() * vol
	}
	return series
}

func newTestEngine(t *testing.T, book BookProvider, returns marketdata.ReturnSource, workers int) (*Engine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	ledger := audit.NewLedger(store, logger)
	return NewEngine(book, returns, store, ledger, workers, logger), store
}

func standardTestEngine(t *testing.T) (*Engine, *repository.MemoryStore) {
	t.Helper()
	book := &staticBook{buckets: []*models.PositionBucket{
		bucket("POWER", 1000, 50),
		bucket("GAS", -400, 30),
		bucket("CRUDE", 200, 80),
	}}
	returns := marketdata.NewStaticSource()
	returns.SetReturns("POWER", syntheticReturns(1, 0.02, 250))
	returns.SetReturns("GAS", syntheticReturns(2, 0.03, 250))
	returns.SetReturns("CRUDE", syntheticReturns(3, 0.025, 250))
	return newTestEngine(t, book, returns, 4)
}

func TestVaROrderingAcrossConfidenceLevels(t *testing.T) {
	ctx := context.Background()
	engine, _ := standardTestEngine(t)

	for _, method := range []models.VaRMethod{models.VaRParametric, models.VaRHistorical, models.VaRMonteCarlo} {
		at95, err := engine.Compute(ctx, "book", Request{Method: method, Confidence: 0.95, HorizonDays: 1, Seed: 42})
		require.NoError(t, err, method)
		at99, err := engine.Compute(ctx, "book", Request{Method: method, Confidence: 0.99, HorizonDays: 1, Seed: 42})
		require.NoError(t, err, method)

		assert.True(t, at99.VaR.GreaterThanOrEqual(at95.VaR),
			"%s: VaR99 %s < VaR95 %s", method, at99.VaR, at95.VaR)
		assert.True(t, at95.VaR.Sign() > 0, "%s: VaR must be positive", method)
		assert.True(t, at95.ExpectedShortfall.GreaterThanOrEqual(at95.VaR),
			"%s: expected shortfall below VaR", method)
	}
}

func TestMonteCarloDeterministicUnderFixedSeed(t *testing.T) {
	ctx := context.Background()
	engine, _ := standardTestEngine(t)

	req := Request{Method: models.VaRMonteCarlo, Confidence: 0.99, HorizonDays: 1, Scenarios: 5000, Seed: 7}
	first, err := engine.Compute(ctx, "book", req)
	require.NoError(t, err)
	second, err := engine.Compute(ctx, "book", req)
	require.NoError(t, err)

	assert.True(t, first.VaR.Equal(second.VaR), "VaR %s vs %s", first.VaR, second.VaR)
	assert.True(t, first.ExpectedShortfall.Equal(second.ExpectedShortfall))
}

// Estimate spread across seeds shrinks as the scenario count grows.
func TestMonteCarloConvergence(t *testing.T) {
	ctx := context.Background()
	engine, _ := standardTestEngine(t)

	spread := func(scenarios int) float64 {
		var min, max float64
		for seed := int64(0); seed < 5; seed++ {
			snap, err := engine.Compute(ctx, "book", Request{
				Method: models.VaRMonteCarlo, Confidence: 0.95, HorizonDays: 1,
				Scenarios: scenarios, Seed: seed,
			})
			require.NoError(t, err)
			v, _ := snap.VaR.Float64()
			if seed == 0 || v < min {
				min = v
			}
			if seed == 0 || v > max {
				max = v
			}
		}
		return max - min
	}

	coarse := spread(1000)
	fine := spread(10000)
	finest := spread(100000)

	assert.Less(t, fine, coarse, "10k scenarios should vary less across seeds than 1k")
	assert.Less(t, finest, fine, "100k scenarios should vary less across seeds than 10k")
}

func TestMonteCarloDegradesOnSingularCovariance(t *testing.T) {
	ctx := context.Background()

	// Two perfectly correlated commodities make the covariance singular.
	shared := syntheticReturns(9, 0.02, 250)
	returns := marketdata.NewStaticSource()
	returns.SetReturns("POWER", shared)
	returns.SetReturns("GAS", shared)
	book := &staticBook{buckets: []*models.PositionBucket{
		bucket("POWER", 1000, 50),
		bucket("GAS", 500, 30),
	}}
	engine, _ := newTestEngine(t, book, returns, 2)

	snap, err := engine.Compute(ctx, "book", Request{Method: models.VaRMonteCarlo, Confidence: 0.95, HorizonDays: 1, Seed: 1})
	require.NoError(t, err)

	assert.True(t, snap.Degraded)
	assert.Equal(t, models.VaRParametric, snap.Method)
	assert.Equal(t, models.VaRMonteCarlo, snap.RequestedMethod)
	assert.True(t, snap.VaR.Sign() > 0)
}

func TestComputePersistsSnapshotAndAudit(t *testing.T) {
	ctx := context.Background()
	engine, store := standardTestEngine(t)

	snap, err := engine.Compute(ctx, "book", Request{Method: models.VaRParametric, Confidence: 0.95, HorizonDays: 10})
	require.NoError(t, err)

	latest, err := store.LatestSnapshot(ctx, "book")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
	assert.Equal(t, 10, latest.HorizonDays)

	entries, err := store.ListEntriesByEntity(ctx, snap.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "risk_computed", entries[0].Action)
}

func TestStressTestImpacts(t *testing.T) {
	ctx := context.Background()
	book := &staticBook{buckets: []*models.PositionBucket{
		bucket("POWER", 1000, 50), // value 50,000
		bucket("COAL", 100, 100),  // value 10,000
	}}
	returns := marketdata.NewStaticSource()
	returns.SetReturns("POWER", syntheticReturns(1, 0.02, 250))
	returns.SetReturns("COAL", syntheticReturns(2, 0.02, 250))
	engine, _ := newTestEngine(t, book, returns, 2)

	result, err := engine.StressTest(ctx)
	require.NoError(t, err)
	require.Len(t, result.Impacts, 3)

	byName := map[string]decimal.Decimal{}
	for _, impact := range result.Impacts {
		byName[impact.Scenario] = impact.PnLImpact
	}

	// Market crash: -30% of 60,000.
	assert.True(t, byName["market_crash"].Equal(decimal.NewFromInt(-18000)),
		"market crash impact %s", byName["market_crash"])
	// Regulatory change: COAL -40% (-4,000), POWER default -5% (-2,500).
	assert.True(t, byName["regulatory_change"].Equal(decimal.NewFromInt(-6500)),
		"regulatory impact %s", byName["regulatory_change"])
	assert.Equal(t, "market_crash", result.WorstCase.Scenario)
}

func TestTailStats(t *testing.T) {
	pnl := make([]float64, 100)
	for i := range pnl {
		pnl[i] = float64(i - 50) // losses from -50 up to gains of 49
	}
	valueAtRisk, shortfall := tailStats(pnl, 0.95)
	assert.InDelta(t, 45, valueAtRisk, 1e-9)
	assert.InDelta(t, 47.5, shortfall, 1e-9)
	assert.GreaterOrEqual(t, shortfall, valueAtRisk)
}

func TestCholeskyRoundTrip(t *testing.T) {
	cov := [][]float64{
		{4, 2, 0.6},
		{2, 9, 1.2},
		{0.6, 1.2, 1},
	}
	lower, err := cholesky(cov)
	require.NoError(t, err)

	for i := range cov {
		for j := range cov {
			recon := 0.0
			for k := 0; k <= i && k <= j; k++ {
				recon += lower[i][k] * lower[j][k]
			}
			assert.InDelta(t, cov[i][j], recon, 1e-9, "entry %d,%d", i, j)
		}
	}

	_, err = cholesky([][]float64{{1, 1}, {1, 1}})
	assert.ErrorIs(t, err, errNotPositiveDefinite)
}

func TestParametricScalesWithHorizon(t *testing.T) {
	ctx := context.Background()
	engine, _ := standardTestEngine(t)

	oneDay, err := engine.Compute(ctx, "book", Request{Method: models.VaRParametric, Confidence: 0.95, HorizonDays: 1})
	require.NoError(t, err)
	tenDay, err := engine.Compute(ctx, "book", Request{Method: models.VaRParametric, Confidence: 0.95, HorizonDays: 10})
	require.NoError(t, err)

	one, _ := oneDay.VaR.Float64()
	ten, _ := tenDay.VaR.Float64()
	assert.InDelta(t, math.Sqrt(10), ten/one, 1e-6)
}
