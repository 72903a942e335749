// Package risk computes portfolio Value-at-Risk, expected shortfall and
// stress impacts against the live position book.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/audit"
	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

// DefaultScenarios is the Monte Carlo scenario count when the request does
// not specify one.
const DefaultScenarios = 10000

const defaultLookback = 250

// BookProvider supplies the current position book.
type BookProvider interface {
	Book(ctx context.Context) ([]*models.PositionBucket, error)
}

// Request selects a VaR computation.
type Request struct {
	Method      models.VaRMethod
	Confidence  float64 // 0.95 or 0.99
	HorizonDays int
	Scenarios   int   // Monte Carlo only
	Seed        int64 // Monte Carlo only; fixed seed gives reproducible results
}

// Engine computes risk snapshots. Scenario evaluation partitions across a
// bounded worker pool; the sorted-percentile reduction at the end is the
// only synchronization point, so results are deterministic for a fixed seed.
type Engine struct {
	book    BookProvider
	returns marketdata.ReturnSource
	repo    repository.RiskRepository
	ledger  *audit.Ledger
	logger  *zap.Logger
	workers int
}

// NewEngine creates a risk engine. workers bounds the Monte Carlo pool.
func NewEngine(book BookProvider, returns marketdata.ReturnSource, repo repository.RiskRepository, ledger *audit.Ledger, workers int, logger *zap.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		book:    book,
		returns: returns,
		repo:    repo,
		ledger:  ledger,
		logger:  logger,
		workers: workers,
	}
}

// portfolio is the float-space view of the book the statistical core works
// on: one aggregated value per commodity plus aligned return series.
type portfolio struct {
	commodities []string
	values      []float64
	returns     [][]float64
	cov         [][]float64
}

func (p *portfolio) totalValue() float64 {
	total := 0.0
	for _, v := range p.values {
		total += math.Abs(v)
	}
	return total
}

// Compute runs the requested VaR method, persists the snapshot and writes the
// audit entry.
func (e *Engine) Compute(ctx context.Context, portfolioID string, req Request) (*models.RiskSnapshot, error) {
	if req.Confidence != 0.95 && req.Confidence != 0.99 {
		return nil, fmt.Errorf("unsupported confidence level %v (want 0.95 or 0.99)", req.Confidence)
	}
	if req.HorizonDays < 1 {
		req.HorizonDays = 1
	}
	if req.Scenarios <= 0 {
		req.Scenarios = DefaultScenarios
	}

	p, err := e.loadPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &models.RiskSnapshot{
		ID:              uuid.New(),
		PortfolioID:     portfolioID,
		Method:          req.Method,
		RequestedMethod: req.Method,
		Confidence:      req.Confidence,
		HorizonDays:     req.HorizonDays,
		CreatedAt:       time.Now().UTC(),
	}

	var valueAtRisk, shortfall float64
	switch req.Method {
	case models.VaRParametric:
		valueAtRisk, shortfall = e.parametric(p, req)
	case models.VaRHistorical:
		valueAtRisk, shortfall = e.historical(p, req)
	case models.VaRMonteCarlo:
		valueAtRisk, shortfall, err = e.monteCarlo(p, req)
		if errors.Is(err, errNotPositiveDefinite) {
			// Never return a silently wrong VaR: degrade to parametric and
			// say so.
			e.logger.Warn("covariance matrix not positive definite, degrading Monte Carlo VaR to parametric",
				zap.String("portfolio_id", portfolioID))
			valueAtRisk, shortfall = e.parametric(p, req)
			snapshot.Method = models.VaRParametric
			snapshot.Degraded = true
		} else if err != nil {
			return nil, err
		} else {
			snapshot.Scenarios = req.Scenarios
		}
	default:
		return nil, fmt.Errorf("unknown VaR method %q", req.Method)
	}

	snapshot.VaR = decimal.NewFromFloat(valueAtRisk)
	snapshot.ExpectedShortfall = decimal.NewFromFloat(shortfall)

	if err := e.repo.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save risk snapshot: %w", err)
	}
	if _, err := e.ledger.Append(ctx, audit.Record{
		EntityID:   snapshot.ID.String(),
		EntityType: audit.EntityRiskSnapshot,
		Action:     "risk_computed",
		Actor:      "risk_engine",
		Detail:     fmt.Sprintf("method=%s confidence=%v degraded=%v", snapshot.Method, req.Confidence, snapshot.Degraded),
		Snapshot:   snapshot,
	}); err != nil {
		return nil, err
	}

	e.logger.Info("risk snapshot computed",
		zap.String("portfolio_id", portfolioID),
		zap.String("method", string(snapshot.Method)),
		zap.Float64("confidence", req.Confidence),
		zap.String("var", snapshot.VaR.String()),
		zap.Bool("degraded", snapshot.Degraded),
	)
	return snapshot, nil
}

// loadPortfolio aggregates the book per commodity and fetches aligned return
// series.
func (e *Engine) loadPortfolio(ctx context.Context) (*portfolio, error) {
	buckets, err := e.book.Book(ctx)
	if err != nil {
		return nil, fmt.Errorf("load position book: %w", err)
	}

	valueByCommodity := make(map[string]float64)
	var order []string
	for _, b := range buckets {
		price := b.MarkPrice
		if price.IsZero() {
			price = b.AvgEntryPrice
		}
		value, _ := b.NetQuantity.Mul(price).Float64()
		if _, seen := valueByCommodity[b.Commodity]; !seen {
			order = append(order, b.Commodity)
		}
		valueByCommodity[b.Commodity] += value
	}

	p := &portfolio{}
	minLen := -1
	for _, commodity := range order {
		series, err := e.returns.Returns(ctx, commodity, defaultLookback)
		if err != nil {
			return nil, fmt.Errorf("return series for %s: %w", commodity, err)
		}
		if len(series) < 2 {
			return nil, fmt.Errorf("return series for %s too short (%d points)", commodity, len(series))
		}
		p.commodities = append(p.commodities, commodity)
		p.values = append(p.values, valueByCommodity[commodity])
		p.returns = append(p.returns, series)
		if minLen < 0 || len(series) < minLen {
			minLen = len(series)
		}
	}
	// Align all series to the shortest one, keeping the most recent points.
	for i, s := range p.returns {
		p.returns[i] = s[len(s)-minLen:]
	}
	p.cov = covarianceMatrix(p.returns)
	return p, nil
}

// parametric computes VaR = z * sqrt(w' Σ w * horizon) with w the commodity
// values, which equals portfolio_value * z * portfolio_volatility * sqrt(h).
func (e *Engine) parametric(p *portfolio, req Request) (float64, float64) {
	variance := quadraticForm(p.values, p.cov)
	if variance <= 0 {
		return 0, 0
	}
	sigma := math.Sqrt(variance * float64(req.HorizonDays))
	z := zScore(req.Confidence)
	valueAtRisk := z * sigma
	// Normal-tail expected shortfall.
	shortfall := sigma * normPDF(z) / (1 - req.Confidence)
	return valueAtRisk, shortfall
}

// historical resamples the historical joint returns into a portfolio P&L
// series and reads the loss percentile off the sorted sample.
func (e *Engine) historical(p *portfolio, req Request) (float64, float64) {
	if len(p.returns) == 0 {
		return 0, 0
	}
	obs := len(p.returns[0])
	scale := math.Sqrt(float64(req.HorizonDays))
	pnl := make([]float64, obs)
	for t := 0; t < obs; t++ {
		for i := range p.values {
			pnl[t] += p.values[i] * p.returns[i][t] * scale
		}
	}
	return tailStats(pnl, req.Confidence)
}

// monteCarlo draws correlated return scenarios via the Cholesky factor and
// revalues the portfolio per scenario. Scenario generation partitions across
// the worker pool; each worker owns a disjoint index range and a seed derived
// from the request seed, so the merged sample is reproducible.
func (e *Engine) monteCarlo(p *portfolio, req Request) (float64, float64, error) {
	lower, err := cholesky(p.cov)
	if err != nil {
		return 0, 0, err
	}

	n := len(p.values)
	scale := math.Sqrt(float64(req.HorizonDays))
	pnl := make([]float64, req.Scenarios)

	var wg sync.WaitGroup
	chunk := (req.Scenarios + e.workers - 1) / e.workers
	for w := 0; w < e.workers; w++ {
		start := w * chunk
		if start >= req.Scenarios {
			break
		}
		end := start + chunk
		if end > req.Scenarios {
			end = req.Scenarios
		}
		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(req.Seed + int64(worker)))
			draws := make([]float64, n)
			for s := start; s < end; s++ {
				for i := range draws {
					draws[i] = rng.NormFloat64()
				}
				total := 0.0
				for i := 0; i < n; i++ {
					shock := 0.0
					for j := 0; j <= i; j++ {
						shock += lower[i][j] * draws[j]
					}
					total += p.values[i] * shock * scale
				}
				pnl[s] = total
			}
		}(w, start, end)
	}
	wg.Wait()

	valueAtRisk, shortfall := tailStats(pnl, req.Confidence)
	return valueAtRisk, shortfall, nil
}
