package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeStage represents the lifecycle stage of a trade
type TradeStage string

const (
	StageCaptured  TradeStage = "CAPTURED"
	StageValidated TradeStage = "VALIDATED"
	StageConfirmed TradeStage = "CONFIRMED"
	StageAllocated TradeStage = "ALLOCATED"
	StageSettled   TradeStage = "SETTLED"
	StageInvoiced  TradeStage = "INVOICED"
	StagePaid      TradeStage = "PAID"
	StageCompleted TradeStage = "COMPLETED"
	StageRejected  TradeStage = "REJECTED"
)

// stageRank fixes the forward order of the lifecycle. Rejected is terminal
// and sits outside the forward chain.
var stageRank = map[TradeStage]int{
	StageCaptured:  0,
	StageValidated: 1,
	StageConfirmed: 2,
	StageAllocated: 3,
	StageSettled:   4,
	StageInvoiced:  5,
	StagePaid:      6,
	StageCompleted: 7,
}

// Rank returns the position of the stage in the forward chain, or -1 for
// Rejected and unknown stages.
func (s TradeStage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the stage admits no further transitions.
func (s TradeStage) Terminal() bool {
	return s == StageCompleted || s == StageRejected
}

// Next returns the stage that follows s in the forward chain. The second
// return is false when s is terminal or unknown.
func (s TradeStage) Next() (TradeStage, bool) {
	switch s {
	case StageCaptured:
		return StageValidated, true
	case StageValidated:
		return StageConfirmed, true
	case StageConfirmed:
		return StageAllocated, true
	case StageAllocated:
		return StageSettled, true
	case StageSettled:
		return StageInvoiced, true
	case StageInvoiced:
		return StagePaid, true
	case StagePaid:
		return StageCompleted, true
	}
	return s, false
}

// CommittedStages are the stages in which a trade counts toward counterparty
// credit exposure: confirmed but not yet paid out or rejected.
var CommittedStages = []TradeStage{StageConfirmed, StageAllocated, StageSettled, StageInvoiced}

// Committed reports whether the stage contributes to credit exposure.
func (s TradeStage) Committed() bool {
	for _, c := range CommittedStages {
		if s == c {
			return true
		}
	}
	return false
}

// Trade represents a captured energy trade moving through the lifecycle
type Trade struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	CounterpartyID uuid.UUID       `json:"counterparty_id" gorm:"type:uuid;index" validate:"required"`
	Commodity      string          `json:"commodity" gorm:"index" validate:"required,max=40"`
	Book           string          `json:"book" gorm:"index" validate:"required,max=40"`
	DeliveryPeriod string          `json:"delivery_period" gorm:"index" validate:"required,max=20"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(24,8)"` // signed: buy > 0, sell < 0
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(24,8)"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	DeliveryStart  time.Time       `json:"delivery_start" validate:"required"`
	DeliveryEnd    time.Time       `json:"delivery_end" validate:"required"`
	Stage          TradeStage      `json:"stage" gorm:"index"`

	// Compliance inputs
	ShariaRequired      bool            `json:"sharia_required"`
	InterestComponent   bool            `json:"interest_component"` // Riba flag
	AssetBackedNotional decimal.Decimal `json:"asset_backed_notional" gorm:"type:decimal(24,8)"`
	PriceVolatility     decimal.Decimal `json:"price_volatility" gorm:"type:decimal(10,6)"` // annualized fraction

	// Hold / failure annotations, orthogonal to Stage
	PendingReview    bool   `json:"pending_review"`
	ReviewReason     string `json:"review_reason,omitempty"`
	SettlementFailed bool   `json:"settlement_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notional returns the unsigned contract value |quantity| * price.
func (t *Trade) Notional() decimal.Decimal {
	return t.Quantity.Abs().Mul(t.Price)
}

// BucketKey identifies a trade's position bucket.
func (t *Trade) BucketKey() BucketKey {
	return BucketKey{Commodity: t.Commodity, Period: t.DeliveryPeriod, Book: t.Book}
}

// BucketKey identifies a position bucket by commodity, delivery period and book
type BucketKey struct {
	Commodity string `json:"commodity" gorm:"primaryKey"`
	Period    string `json:"period" gorm:"primaryKey"`
	Book      string `json:"book" gorm:"primaryKey"`
}

func (k BucketKey) String() string {
	return k.Commodity + "/" + k.Period + "/" + k.Book
}

// PositionBucket represents the net position for one bucket key
type PositionBucket struct {
	BucketKey
	NetQuantity   decimal.Decimal `json:"net_quantity" gorm:"type:decimal(24,8)"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" gorm:"type:decimal(24,8)"`
	MarkPrice     decimal.Decimal `json:"mark_price" gorm:"type:decimal(24,8)"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" gorm:"type:decimal(24,8)"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" gorm:"type:decimal(24,8)"`
	HedgeFlagged  bool            `json:"hedge_flagged"` // outside the 80%-125% effectiveness band
	LastUpdated   time.Time       `json:"last_updated"`
}

// MarketValue returns net_quantity * mark_price.
func (b *PositionBucket) MarketValue() decimal.Decimal {
	return b.NetQuantity.Mul(b.MarkPrice)
}

// RiskRating represents a counterparty credit risk rating
type RiskRating string

const (
	RatingLow      RiskRating = "LOW"
	RatingMedium   RiskRating = "MEDIUM"
	RatingHigh     RiskRating = "HIGH"
	RatingCritical RiskRating = "CRITICAL"
)

// RatingForUtilization maps a utilization percentage to a rating:
// Critical >= 90, High >= 75, Medium >= 50, else Low.
func RatingForUtilization(utilizationPct decimal.Decimal) RiskRating {
	switch {
	case utilizationPct.GreaterThanOrEqual(decimal.NewFromInt(90)):
		return RatingCritical
	case utilizationPct.GreaterThanOrEqual(decimal.NewFromInt(75)):
		return RatingHigh
	case utilizationPct.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return RatingMedium
	}
	return RatingLow
}

// CreditLimit represents a counterparty credit limit with current usage
type CreditLimit struct {
	CounterpartyID uuid.UUID       `json:"counterparty_id" gorm:"primaryKey;type:uuid"`
	Limit          decimal.Decimal `json:"limit" gorm:"type:decimal(24,8)"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	Exposure       decimal.Decimal `json:"exposure" gorm:"type:decimal(24,8)"`
	UtilizationPct decimal.Decimal `json:"utilization_pct" gorm:"type:decimal(10,4)"`
	Rating         RiskRating      `json:"rating"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// VaRMethod selects the VaR computation method
type VaRMethod string

const (
	VaRParametric VaRMethod = "PARAMETRIC"
	VaRHistorical VaRMethod = "HISTORICAL"
	VaRMonteCarlo VaRMethod = "MONTE_CARLO"
)

// RiskSnapshot represents one portfolio risk computation result
type RiskSnapshot struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PortfolioID       string          `json:"portfolio_id" gorm:"index"`
	Method            VaRMethod       `json:"method"`
	RequestedMethod   VaRMethod       `json:"requested_method"` // differs from Method after a degradation
	Confidence        float64         `json:"confidence"`       // 0.95 or 0.99
	HorizonDays       int             `json:"horizon_days"`
	VaR               decimal.Decimal `json:"var" gorm:"column:var_value;type:decimal(24,8)"`
	ExpectedShortfall decimal.Decimal `json:"expected_shortfall" gorm:"type:decimal(24,8)"`
	Degraded          bool            `json:"degraded"`
	Scenarios         int             `json:"scenarios,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// StressImpact represents a single stress-scenario result
type StressImpact struct {
	Scenario  string          `json:"scenario"`
	PnLImpact decimal.Decimal `json:"pnl_impact"`
}

// ViolationSeverity classifies a compliance violation
type ViolationSeverity string

const (
	SeverityHard ViolationSeverity = "HARD" // rejects the trade
	SeveritySoft ViolationSeverity = "SOFT" // holds the trade for review
)

// Violation represents one failed compliance or business rule
type Violation struct {
	Code     string            `json:"code"`
	Detail   string            `json:"detail"`
	Severity ViolationSeverity `json:"severity"`
}

// ComplianceResult represents the outcome of screening one trade
type ComplianceResult struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID         uuid.UUID       `json:"trade_id" gorm:"type:uuid;index"`
	Jurisdiction    string          `json:"jurisdiction"`
	Passed          bool            `json:"passed"`
	Violations      []Violation     `json:"violations" gorm:"serializer:json"`
	RibaPresent     bool            `json:"riba_present"`
	GhararPct       decimal.Decimal `json:"gharar_pct" gorm:"type:decimal(10,4)"`
	AssetBackingPct decimal.Decimal `json:"asset_backing_pct" gorm:"type:decimal(10,4)"`
	RamadanBlocked  bool            `json:"ramadan_blocked"`
	CheckedAt       time.Time       `json:"checked_at"`
}

// Invoice represents a settlement invoice for one trade
type Invoice struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID            uuid.UUID       `json:"trade_id" gorm:"type:uuid;uniqueIndex"`
	Amount             decimal.Decimal `json:"amount" gorm:"type:decimal(24,8)"`
	Currency           string          `json:"currency"`
	SettlementCurrency string          `json:"settlement_currency"`
	FXRate             decimal.Decimal `json:"fx_rate" gorm:"type:decimal(18,8)"`
	SettlementAmount   decimal.Decimal `json:"settlement_amount" gorm:"type:decimal(24,8)"`
	IssuedAt           time.Time       `json:"issued_at"`
}

// AuditEntry represents one immutable entry in the audit ledger
type AuditEntry struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Seq          uint64    `json:"seq" gorm:"autoIncrement;index"`
	EntityID     string    `json:"entity_id" gorm:"index;not null"`
	EntityType   string    `json:"entity_type" gorm:"index;not null"`
	Action       string    `json:"action" gorm:"not null"`
	FromStage    string    `json:"from_stage"`
	ToStage      string    `json:"to_stage"`
	Actor        string    `json:"actor" gorm:"not null"`
	Detail       string    `json:"detail,omitempty"`
	SnapshotHash string    `json:"snapshot_hash" gorm:"not null"`
	PreviousHash string    `json:"previous_hash"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}
