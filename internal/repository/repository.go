// Package repository defines the persistence interfaces the core depends on,
// plus the in-memory and GORM-backed implementations.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/amanahenergy/etrm/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TradeRepository stores trades.
type TradeRepository interface {
	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	// ListTradesByCounterparty returns the counterparty's trades restricted to
	// the given stages; with no stages it returns all of them.
	ListTradesByCounterparty(ctx context.Context, counterpartyID uuid.UUID, stages ...models.TradeStage) ([]*models.Trade, error)
	ListTrades(ctx context.Context) ([]*models.Trade, error)
}

// PositionRepository stores position buckets.
type PositionRepository interface {
	GetBucket(ctx context.Context, key models.BucketKey) (*models.PositionBucket, error)
	SaveBucket(ctx context.Context, bucket *models.PositionBucket) error
	ListBuckets(ctx context.Context) ([]*models.PositionBucket, error)
}

// CreditRepository stores counterparty credit limits.
type CreditRepository interface {
	GetLimit(ctx context.Context, counterpartyID uuid.UUID) (*models.CreditLimit, error)
	SaveLimit(ctx context.Context, limit *models.CreditLimit) error
	ListLimits(ctx context.Context) ([]*models.CreditLimit, error)
}

// AuditRepository is the append-only store behind the audit ledger.
type AuditRepository interface {
	AppendEntry(ctx context.Context, entry *models.AuditEntry) error
	ListEntriesByEntity(ctx context.Context, entityID string) ([]*models.AuditEntry, error)
	LastEntryByEntity(ctx context.Context, entityID string) (*models.AuditEntry, error)
}

// InvoiceRepository stores settlement invoices.
type InvoiceRepository interface {
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	GetInvoiceByTrade(ctx context.Context, tradeID uuid.UUID) (*models.Invoice, error)
}

// RiskRepository stores risk snapshots.
type RiskRepository interface {
	SaveSnapshot(ctx context.Context, snapshot *models.RiskSnapshot) error
	LatestSnapshot(ctx context.Context, portfolioID string) (*models.RiskSnapshot, error)
	ListSnapshots(ctx context.Context, portfolioID string) ([]*models.RiskSnapshot, error)
}

// ComplianceRepository stores per-trade compliance screening history.
type ComplianceRepository interface {
	SaveResult(ctx context.Context, result *models.ComplianceResult) error
	ListResultsByTrade(ctx context.Context, tradeID uuid.UUID) ([]*models.ComplianceResult, error)
}

// Stores bundles every repository the core needs so wiring can hand a single
// value around.
type Stores struct {
	Trades     TradeRepository
	Positions  PositionRepository
	Credit     CreditRepository
	Audit      AuditRepository
	Invoices   InvoiceRepository
	Risk       RiskRepository
	Compliance ComplianceRepository
}
