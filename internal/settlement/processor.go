// Package settlement finalizes delivery and payment for trades: delivery
// confirmation, invoice generation with FX conversion, and payment
// collection with bounded retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

// ErrSettlementFailed marks exhausted payment retries. The trade is
// economically committed at this point, so the caller surfaces an
// operator-actionable status instead of rejecting.
var ErrSettlementFailed = errors.New("settlement failed after retries")

// ErrDeliveryNotConfirmed is returned when the logistics collaborator has
// not confirmed delivery yet.
var ErrDeliveryNotConfirmed = errors.New("delivery not confirmed")

// DeliveryConfirmer reports whether physical delivery or cash settlement of
// a trade has completed.
type DeliveryConfirmer interface {
	DeliveryConfirmed(ctx context.Context, trade *models.Trade) (bool, error)
}

// PaymentGateway confirms invoice payment. A false result without error
// means "not yet paid"; errors are treated as transient and retried.
type PaymentGateway interface {
	PaymentConfirmed(ctx context.Context, invoice *models.Invoice) (bool, error)
}

// RetryPolicy bounds the payment confirmation loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries five times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Processor drives the settlement leg of the lifecycle.
type Processor struct {
	delivery DeliveryConfirmer
	payments PaymentGateway
	fx       marketdata.RateSource
	invoices repository.InvoiceRepository
	policy   RetryPolicy
	logger   *zap.Logger

	settlementCurrency string
	sleep              func(time.Duration)
}

// NewProcessor creates a settlement processor. settlementCurrency is the
// currency invoices settle in; trade-currency amounts convert through fx.
func NewProcessor(delivery DeliveryConfirmer, payments PaymentGateway, fx marketdata.RateSource, invoices repository.InvoiceRepository, policy RetryPolicy, settlementCurrency string, logger *zap.Logger) *Processor {
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy()
	}
	return &Processor{
		delivery:           delivery,
		payments:           payments,
		fx:                 fx,
		invoices:           invoices,
		policy:             policy,
		logger:             logger,
		settlementCurrency: settlementCurrency,
		sleep:              time.Sleep,
	}
}

// ConfirmDelivery gates the Allocated -> Settled transition.
func (p *Processor) ConfirmDelivery(ctx context.Context, trade *models.Trade) error {
	confirmed, err := p.delivery.DeliveryConfirmed(ctx, trade)
	if err != nil {
		return fmt.Errorf("delivery confirmation for trade %s: %w", trade.ID, err)
	}
	if !confirmed {
		return fmt.Errorf("trade %s: %w", trade.ID, ErrDeliveryNotConfirmed)
	}
	return nil
}

// GenerateInvoice creates and stores the invoice for the Settled -> Invoiced
// transition, converting into the settlement currency when needed.
func (p *Processor) GenerateInvoice(ctx context.Context, trade *models.Trade) (*models.Invoice, error) {
	if existing, err := p.invoices.GetInvoiceByTrade(ctx, trade.ID); err == nil {
		return existing, nil // idempotent
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up invoice for trade %s: %w", trade.ID, err)
	}

	amount := trade.Notional()
	rate := decimal.NewFromInt(1)
	if trade.Currency != p.settlementCurrency {
		var err error
		rate, err = p.fx.Rate(ctx, trade.Currency, p.settlementCurrency)
		if err != nil {
			return nil, fmt.Errorf("fx rate for invoice on trade %s: %w", trade.ID, err)
		}
	}

	invoice := &models.Invoice{
		ID:                 uuid.New(),
		TradeID:            trade.ID,
		Amount:             amount,
		Currency:           trade.Currency,
		SettlementCurrency: p.settlementCurrency,
		FXRate:             rate,
		SettlementAmount:   amount.Mul(rate),
		IssuedAt:           time.Now().UTC(),
	}
	if err := p.invoices.CreateInvoice(ctx, invoice); err != nil {
		return nil, fmt.Errorf("store invoice for trade %s: %w", trade.ID, err)
	}

	p.logger.Info("invoice generated",
		zap.String("trade_id", trade.ID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("settlement_amount", invoice.SettlementAmount.String()),
		zap.String("settlement_currency", invoice.SettlementCurrency),
	)
	return invoice, nil
}

// CollectPayment gates the Invoiced -> Paid transition: it polls the payment
// gateway with exponential backoff until confirmation, cancellation or
// exhaustion. Exhaustion returns ErrSettlementFailed.
func (p *Processor) CollectPayment(ctx context.Context, trade *models.Trade) error {
	invoice, err := p.invoices.GetInvoiceByTrade(ctx, trade.ID)
	if err != nil {
		return fmt.Errorf("load invoice for trade %s: %w", trade.ID, err)
	}

	backoff := p.policy.BaseBackoff
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		confirmed, err := p.payments.PaymentConfirmed(ctx, invoice)
		if err == nil && confirmed {
			p.logger.Info("payment confirmed",
				zap.String("trade_id", trade.ID.String()),
				zap.String("invoice_id", invoice.ID.String()),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.logger.Warn("payment confirmation attempt failed",
				zap.String("trade_id", trade.ID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		if attempt < p.policy.MaxAttempts {
			p.sleep(backoff)
			backoff *= 2
			if backoff > p.policy.MaxBackoff {
				backoff = p.policy.MaxBackoff
			}
		}
	}

	return fmt.Errorf("trade %s after %d attempts: %w", trade.ID, p.policy.MaxAttempts, ErrSettlementFailed)
}
