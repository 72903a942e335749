// Package compliance implements the validation gate: business validation,
// jurisdiction-specific compliance screening (including the Islamic-finance
// ruleset) and the rule-provider contract.
package compliance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ShariaRules parameterizes the Islamic-finance ruleset.
type ShariaRules struct {
	// GhararCapPct is the maximum contract uncertainty as a percentage of
	// contract value. Above it the trade is held for manual review.
	GhararCapPct decimal.Decimal
	// GhararReviewPct opens the borderline band: values in
	// (GhararReviewPct, GhararCapPct] are held as borderline.
	GhararReviewPct decimal.Decimal
	// AssetBackingMinPct is the minimum physically-backed share of total
	// notional. Below it the trade is rejected outright.
	AssetBackingMinPct decimal.Decimal
	// RamadanStart and RamadanDays describe this year's calendar window;
	// trades for flagged counterparties are blocked during the last
	// RamadanBlackoutDays of it.
	RamadanStart        time.Time
	RamadanDays         int
	RamadanBlackoutDays int
}

// Ruleset bundles the rules for one jurisdiction.
type Ruleset struct {
	Jurisdiction          string
	MaxDeliveryHorizonDays int
	Sharia                ShariaRules
}

// DefaultRuleset returns the standard ruleset used when no jurisdiction
// override is configured.
func DefaultRuleset(jurisdiction string) *Ruleset {
	return &Ruleset{
		Jurisdiction:           jurisdiction,
		MaxDeliveryHorizonDays: 730,
		Sharia: ShariaRules{
			GhararCapPct:        decimal.NewFromInt(10),
			GhararReviewPct:     decimal.NewFromInt(8),
			AssetBackingMinPct:  decimal.NewFromInt(70),
			RamadanDays:         30,
			RamadanBlackoutDays: 10,
		},
	}
}

// RuleProvider supplies jurisdiction rulesets. Implementations must honor
// context cancellation; the gate calls with a deadline and converts timeouts
// into a pending-review hold rather than blocking the lifecycle.
type RuleProvider interface {
	Ruleset(ctx context.Context, jurisdiction string) (*Ruleset, error)
}

// StaticRuleProvider serves rulesets from memory.
type StaticRuleProvider struct {
	rulesets map[string]*Ruleset
}

// NewStaticRuleProvider creates a provider over the given rulesets.
func NewStaticRuleProvider(rulesets ...*Ruleset) *StaticRuleProvider {
	p := &StaticRuleProvider{rulesets: make(map[string]*Ruleset)}
	for _, rs := range rulesets {
		p.rulesets[rs.Jurisdiction] = rs
	}
	return p
}

func (p *StaticRuleProvider) Ruleset(ctx context.Context, jurisdiction string) (*Ruleset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rs, ok := p.rulesets[jurisdiction]; ok {
		return rs, nil
	}
	return DefaultRuleset(jurisdiction), nil
}
