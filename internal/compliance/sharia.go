package compliance

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amanahenergy/etrm/pkg/models"
)

// Violation codes raised by the Islamic-finance ruleset.
const (
	CodeRibaPresent      = "RIBA_PRESENT"
	CodeAssetBackingLow  = "ASSET_BACKING_BELOW_MIN"
	CodeGhararExcessive  = "GHARAR_EXCESSIVE"
	CodeGhararBorderline = "GHARAR_BORDERLINE"
	CodeRamadanWindow    = "RAMADAN_WINDOW"
)

var hundred = decimal.NewFromInt(100)

// GhararPct estimates contract uncertainty as a percentage of contract
// value: a price-risk term (annualized volatility scaled to the time until
// delivery completes) plus a delivery-window term (window length as a share
// of the year).
func GhararPct(trade *models.Trade, asOf time.Time) decimal.Decimal {
	vol, _ := trade.PriceVolatility.Float64()
	yearsToEnd := trade.DeliveryEnd.Sub(asOf).Hours() / 24 / 365
	if yearsToEnd < 0 {
		yearsToEnd = 0
	}
	priceTerm := vol * math.Sqrt(yearsToEnd)

	windowDays := trade.DeliveryEnd.Sub(trade.DeliveryStart).Hours() / 24
	if windowDays < 0 {
		windowDays = 0
	}
	windowTerm := windowDays / 365

	return decimal.NewFromFloat((priceTerm + windowTerm) * 100)
}

// AssetBackingPct returns the physically-backed share of total notional as a
// percentage.
func AssetBackingPct(trade *models.Trade) decimal.Decimal {
	notional := trade.Notional()
	if notional.IsZero() {
		return decimal.Zero
	}
	return trade.AssetBackedNotional.Div(notional).Mul(hundred)
}

// inRamadanBlackout reports whether asOf falls in the last blackout days of
// the configured Ramadan window.
func (r ShariaRules) inRamadanBlackout(asOf time.Time) bool {
	if r.RamadanStart.IsZero() || r.RamadanDays <= 0 || r.RamadanBlackoutDays <= 0 {
		return false
	}
	end := r.RamadanStart.AddDate(0, 0, r.RamadanDays)
	blackoutStart := end.AddDate(0, 0, -r.RamadanBlackoutDays)
	return !asOf.Before(blackoutStart) && asOf.Before(end)
}

// screenSharia applies the Islamic-finance ruleset and fills the Sharia
// sub-fields of the result. Riba and insufficient asset backing are hard
// violations; Gharar findings and the Ramadan blackout hold the trade for
// review.
func screenSharia(trade *models.Trade, rules ShariaRules, asOf time.Time, result *models.ComplianceResult) []models.Violation {
	var violations []models.Violation

	result.RibaPresent = trade.InterestComponent
	if trade.InterestComponent {
		violations = append(violations, models.Violation{
			Code:     CodeRibaPresent,
			Detail:   "trade carries an interest-bearing component",
			Severity: models.SeverityHard,
		})
	}

	backing := AssetBackingPct(trade)
	result.AssetBackingPct = backing
	if backing.LessThan(rules.AssetBackingMinPct) {
		violations = append(violations, models.Violation{
			Code:     CodeAssetBackingLow,
			Detail:   "asset backing " + backing.StringFixed(2) + "% below required " + rules.AssetBackingMinPct.StringFixed(2) + "%",
			Severity: models.SeverityHard,
		})
	}

	gharar := GhararPct(trade, asOf)
	result.GhararPct = gharar
	switch {
	case gharar.GreaterThan(rules.GhararCapPct):
		violations = append(violations, models.Violation{
			Code:     CodeGhararExcessive,
			Detail:   "gharar " + gharar.StringFixed(2) + "% exceeds cap " + rules.GhararCapPct.StringFixed(2) + "%",
			Severity: models.SeveritySoft,
		})
	case gharar.GreaterThan(rules.GhararReviewPct):
		violations = append(violations, models.Violation{
			Code:     CodeGhararBorderline,
			Detail:   "gharar " + gharar.StringFixed(2) + "% in borderline band",
			Severity: models.SeveritySoft,
		})
	}

	if rules.inRamadanBlackout(asOf) {
		result.RamadanBlocked = true
		violations = append(violations, models.Violation{
			Code:     CodeRamadanWindow,
			Detail:   "trading blocked for flagged accounts in the final days of the Ramadan window",
			Severity: models.SeveritySoft,
		})
	}

	return violations
}
