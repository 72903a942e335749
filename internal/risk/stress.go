package risk

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/pkg/models"
)

// StressScenario applies a discrete named shock to the book. PriceShocks
// holds per-commodity price moves as fractions; DefaultShock applies to
// commodities without an explicit entry. SpreadCostPct models liquidity
// cost as a fraction of absolute position value.
type StressScenario struct {
	Name          string
	PriceShocks   map[string]float64
	DefaultShock  float64
	SpreadCostPct float64
}

// DefaultStressScenarios are the standard book-wide stress cases.
func DefaultStressScenarios() []StressScenario {
	return []StressScenario{
		{
			Name:         "market_crash",
			DefaultShock: -0.30,
		},
		{
			Name:          "liquidity_crisis",
			DefaultShock:  -0.15,
			SpreadCostPct: 0.02, // doubled spreads cost ~2% of position value to exit
		},
		{
			Name: "regulatory_change",
			PriceShocks: map[string]float64{
				"COAL":  -0.40,
				"CRUDE": -0.20,
				"GAS":   -0.10,
			},
			DefaultShock: -0.05,
		},
	}
}

// StressResult reports per-scenario impacts plus the aggregate worst case.
type StressResult struct {
	Impacts   []models.StressImpact
	WorstCase models.StressImpact
}

// StressTest applies each scenario to the current book and reports the P&L
// impact per scenario and the worst case across them.
func (e *Engine) StressTest(ctx context.Context, scenarios ...StressScenario) (*StressResult, error) {
	if len(scenarios) == 0 {
		scenarios = DefaultStressScenarios()
	}
	p, err := e.loadPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	result := &StressResult{}
	for _, scenario := range scenarios {
		impact := 0.0
		for i, commodity := range p.commodities {
			shock, ok := scenario.PriceShocks[commodity]
			if !ok {
				shock = scenario.DefaultShock
			}
			impact += p.values[i] * shock
			impact -= math.Abs(p.values[i]) * scenario.SpreadCostPct
		}
		entry := models.StressImpact{Scenario: scenario.Name, PnLImpact: decimal.NewFromFloat(impact)}
		result.Impacts = append(result.Impacts, entry)
		if result.WorstCase.Scenario == "" || entry.PnLImpact.LessThan(result.WorstCase.PnLImpact) {
			result.WorstCase = entry
		}

		e.logger.Info("stress scenario evaluated",
			zap.String("scenario", scenario.Name),
			zap.String("pnl_impact", entry.PnLImpact.String()),
		)
	}
	return result, nil
}
