// Package credit tracks counterparty limits, exposure and risk ratings, and
// gates trade confirmation on available headroom.
package credit

import (
	"context"
	"errors"
	"fmt"
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

// ErrNoLimit is returned when a counterparty has no configured credit limit.
var ErrNoLimit = errors.New("no credit limit configured")

// Decision is the outcome of a headroom check.
type Decision struct {
	Available      bool
	Headroom       decimal.Decimal // negative when the check fails
	Exposure       decimal.Decimal // exposure before the new trade
	UtilizationPct decimal.Decimal // utilization after the new trade, when available
	Rating         models.RiskRating
}

// Manager owns CreditLimit records. It is the single writer for them; all
// exposure reads and rating updates go through the per-counterparty lock.
type Manager struct {
	limits repository.CreditRepository
	trades repository.TradeRepository
	fx     marketdata.RateSource
	ledger *audit.Ledger
	logger *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewManager creates a credit manager.
func NewManager(limits repository.CreditRepository, trades repository.TradeRepository, fx marketdata.RateSource, ledger *audit.Ledger, logger *zap.Logger) *Manager {
	return &Manager{
		limits: limits,
		trades: trades,
		fx:     fx,
		ledger: ledger,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the exposure lock for a counterparty, creating it on first
// use.
func (m *Manager) lockFor(counterpartyID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[counterpartyID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[counterpartyID] = l
	}
	return l
}

// SetLimit upserts a counterparty limit. The call is idempotent; repeating it
// with the same amount and currency changes nothing but the timestamp.
func (m *Manager) SetLimit(ctx context.Context, counterpartyID uuid.UUID, amount decimal.Decimal, currency string) (*models.CreditLimit, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("credit limit must be positive, got %s", amount)
	}

	lock := m.lockFor(counterpartyID)
	lock.Lock()
	defer lock.Unlock()

	limit, err := m.limits.GetLimit(ctx, counterpartyID)
	if errors.Is(err, repository.ErrNotFound) {
		limit = &models.CreditLimit{
			CounterpartyID: counterpartyID,
			Exposure:       decimal.Zero,
			UtilizationPct: decimal.Zero,
			Rating:         models.RatingLow,
		}
	} else if err != nil {
		return nil, fmt.Errorf("load credit limit: %w", err)
	}

	limit.Limit = amount
	limit.Currency = currency
	m.applyExposure(limit, limit.Exposure)
	limit.UpdatedAt = time.Now().UTC()

	if err := m.limits.SaveLimit(ctx, limit); err != nil {
		return nil, fmt.Errorf("save credit limit: %w", err)
	}
	return limit, nil
}

// CalculateExposure sums the notional of the counterparty's trades in
// committed stages, converted to the limit currency.
func (m *Manager) CalculateExposure(ctx context.Context, counterpartyID uuid.UUID) (decimal.Decimal, error) {
	limit, err := m.limits.GetLimit(ctx, counterpartyID)
	if errors.Is(err, repository.ErrNotFound) {
		return decimal.Zero, ErrNoLimit
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load credit limit: %w", err)
	}
	return m.exposureIn(ctx, counterpartyID, limit.Currency)
}

func (m *Manager) exposureIn(ctx context.Context, counterpartyID uuid.UUID, currency string) (decimal.Decimal, error) {
	trades, err := m.trades.ListTradesByCounterparty(ctx, counterpartyID, models.CommittedStages...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list committed trades: %w", err)
	}
	exposure := decimal.Zero
	for _, t := range trades {
		rate, err := m.fx.Rate(ctx, t.Currency, currency)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fx conversion %s/%s: %w", t.Currency, currency, err)
		}
		exposure = exposure.Add(t.Notional().Mul(rate))
	}
	return exposure, nil
}

// Authorize runs the headroom check for the trade and, when it passes, calls
// commit while still holding the counterparty's exposure lock. commit is
// expected to move the trade into a committed stage, so two concurrent trades
// for the same counterparty can never both pass against a stale exposure.
func (m *Manager) Authorize(ctx context.Context, trade *models.Trade, commit func(ctx context.Context) error) (Decision, error) {
	lock := m.lockFor(trade.CounterpartyID)
	lock.Lock()
	defer lock.Unlock()

	limit, err := m.limits.GetLimit(ctx, trade.CounterpartyID)
	if errors.Is(err, repository.ErrNotFound) {
		return Decision{}, ErrNoLimit
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load credit limit: %w", err)
	}

	exposure, err := m.exposureIn(ctx, trade.CounterpartyID, limit.Currency)
	if err != nil {
		return Decision{}, err
	}

	rate, err := m.fx.Rate(ctx, trade.Currency, limit.Currency)
	if err != nil {
		return Decision{}, fmt.Errorf("fx conversion %s/%s: %w", trade.Currency, limit.Currency, err)
	}
	notional := trade.Notional().Mul(rate)
	headroom := limit.Limit.Sub(exposure).Sub(notional)

	decision := Decision{
		Available: headroom.Sign() >= 0,
		Headroom:  headroom,
		Exposure:  exposure,
	}

	if !decision.Available {
		decision.Rating = limit.Rating
		m.auditCheck(ctx, trade, decision, "credit limit exceeded")
		return decision, nil
	}

	if err := commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("commit under exposure lock: %w", err)
	}

	m.applyExposure(limit, exposure.Add(notional))
	limit.UpdatedAt = time.Now().UTC()
	if err := m.limits.SaveLimit(ctx, limit); err != nil {
		return Decision{}, fmt.Errorf("save credit limit: %w", err)
	}

	decision.UtilizationPct = limit.UtilizationPct
	decision.Rating = limit.Rating
	m.auditCheck(ctx, trade, decision, "credit check passed")

	m.logger.Info("credit check passed",
		zap.String("counterparty_id", trade.CounterpartyID.String()),
		zap.String("trade_id", trade.ID.String()),
		zap.String("headroom", headroom.String()),
		zap.String("utilization_pct", limit.UtilizationPct.String()),
		zap.String("rating", string(limit.Rating)),
	)
	return decision, nil
}

// Refresh recomputes the counterparty's exposure from its trades, e.g. after
// a trade leaves the committed stages, and updates the rating.
func (m *Manager) Refresh(ctx context.Context, counterpartyID uuid.UUID) (*models.CreditLimit, error) {
	lock := m.lockFor(counterpartyID)
	lock.Lock()
	defer lock.Unlock()

	limit, err := m.limits.GetLimit(ctx, counterpartyID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoLimit
	}
	if err != nil {
		return nil, fmt.Errorf("load credit limit: %w", err)
	}

	exposure, err := m.exposureIn(ctx, counterpartyID, limit.Currency)
	if err != nil {
		return nil, err
	}
	m.applyExposure(limit, exposure)
	limit.UpdatedAt = time.Now().UTC()
	if err := m.limits.SaveLimit(ctx, limit); err != nil {
		return nil, fmt.Errorf("save credit limit: %w", err)
	}
	return limit, nil
}

// GetLimit returns the counterparty's current limit record.
func (m *Manager) GetLimit(ctx context.Context, counterpartyID uuid.UUID) (*models.CreditLimit, error) {
	limit, err := m.limits.GetLimit(ctx, counterpartyID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoLimit
	}
	return limit, err
}

// ListLimits returns all limit records.
func (m *Manager) ListLimits(ctx context.Context) ([]*models.CreditLimit, error) {
	return m.limits.ListLimits(ctx)
}

// applyExposure sets exposure, utilization and the derived rating on the
// record. Rating recomputes on every exposure change.
func (m *Manager) applyExposure(limit *models.CreditLimit, exposure decimal.Decimal) {
	limit.Exposure = exposure
	if limit.Limit.Sign() > 0 {
		limit.UtilizationPct = exposure.Div(limit.Limit).Mul(decimal.NewFromInt(100))
	} else {
		limit.UtilizationPct = decimal.Zero
	}
	limit.Rating = models.RatingForUtilization(limit.UtilizationPct)
}

func (m *Manager) auditCheck(ctx context.Context, trade *models.Trade, decision Decision, detail string) {
	_, err := m.ledger.Append(ctx, audit.Record{
		EntityID:   trade.ID.String(),
		EntityType: audit.EntityTrade,
		Action:     "credit_check",
		Actor:      "credit_manager",
		Detail:     fmt.Sprintf("%s; headroom=%s", detail, decision.Headroom),
		Snapshot:   decision,
	})
	if err != nil {
		m.logger.Error("failed to audit credit check", zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
}
