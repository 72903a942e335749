package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amanahenergy/etrm/pkg/models"
)

// GormStore implements every repository interface on a GORM database.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens a database by driver name ("postgres" or "sqlite") and
// migrates the core tables.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Trade{},
		&models.PositionBucket{},
		&models.CreditLimit{},
		&models.AuditEntry{},
		&models.Invoice{},
		&models.RiskSnapshot{},
		&models.ComplianceResult{},
	); err != nil {
		return nil, fmt.Errorf("migrate tables: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Stores returns the store wired into a Stores bundle.
func (s *GormStore) Stores() Stores {
	return Stores{
		Trades:     s,
		Positions:  s,
		Credit:     s,
		Audit:      s,
		Invoices:   s,
		Risk:       s,
		Compliance: s,
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) CreateTrade(ctx context.Context, trade *models.Trade) error {
	return s.db.WithContext(ctx).Create(trade).Error
}

func (s *GormStore) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.WithContext(ctx).First(&trade, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &trade, nil
}

func (s *GormStore) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	res := s.db.WithContext(ctx).Save(trade)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListTradesByCounterparty(ctx context.Context, counterpartyID uuid.UUID, stages ...models.TradeStage) ([]*models.Trade, error) {
	q := s.db.WithContext(ctx).Where("counterparty_id = ?", counterpartyID)
	if len(stages) > 0 {
		q = q.Where("stage IN ?", stages)
	}
	var trades []*models.Trade
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (s *GormStore) ListTrades(ctx context.Context) ([]*models.Trade, error) {
	var trades []*models.Trade
	if err := s.db.WithContext(ctx).Order("created_at").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (s *GormStore) GetBucket(ctx context.Context, key models.BucketKey) (*models.PositionBucket, error) {
	var bucket models.PositionBucket
	err := s.db.WithContext(ctx).
		First(&bucket, "commodity = ? AND period = ? AND book = ?", key.Commodity, key.Period, key.Book).Error
	if err != nil {
		return nil, translate(err)
	}
	return &bucket, nil
}

func (s *GormStore) SaveBucket(ctx context.Context, bucket *models.PositionBucket) error {
	return s.db.WithContext(ctx).Save(bucket).Error
}

func (s *GormStore) ListBuckets(ctx context.Context) ([]*models.PositionBucket, error) {
	var buckets []*models.PositionBucket
	if err := s.db.WithContext(ctx).Order("commodity, period, book").Find(&buckets).Error; err != nil {
		return nil, err
	}
	return buckets, nil
}

func (s *GormStore) GetLimit(ctx context.Context, counterpartyID uuid.UUID) (*models.CreditLimit, error) {
	var limit models.CreditLimit
	if err := s.db.WithContext(ctx).First(&limit, "counterparty_id = ?", counterpartyID).Error; err != nil {
		return nil, translate(err)
	}
	return &limit, nil
}

func (s *GormStore) SaveLimit(ctx context.Context, limit *models.CreditLimit) error {
	return s.db.WithContext(ctx).Save(limit).Error
}

func (s *GormStore) ListLimits(ctx context.Context) ([]*models.CreditLimit, error) {
	var limits []*models.CreditLimit
	if err := s.db.WithContext(ctx).Find(&limits).Error; err != nil {
		return nil, err
	}
	return limits, nil
}

func (s *GormStore) AppendEntry(ctx context.Context, entry *models.AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListEntriesByEntity(ctx context.Context, entityID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	if err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("seq").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) LastEntryByEntity(ctx context.Context, entityID string) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("seq DESC").First(&entry).Error
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (s *GormStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return s.db.WithContext(ctx).Create(invoice).Error
}

func (s *GormStore) GetInvoiceByTrade(ctx context.Context, tradeID uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "trade_id = ?", tradeID).Error; err != nil {
		return nil, translate(err)
	}
	return &invoice, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snapshot *models.RiskSnapshot) error {
	return s.db.WithContext(ctx).Create(snapshot).Error
}

func (s *GormStore) LatestSnapshot(ctx context.Context, portfolioID string) (*models.RiskSnapshot, error) {
	var snapshot models.RiskSnapshot
	err := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID).Order("created_at DESC").First(&snapshot).Error
	if err != nil {
		return nil, translate(err)
	}
	return &snapshot, nil
}

func (s *GormStore) ListSnapshots(ctx context.Context, portfolioID string) ([]*models.RiskSnapshot, error) {
	var snapshots []*models.RiskSnapshot
	if err := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID).Order("created_at").Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *GormStore) SaveResult(ctx context.Context, result *models.ComplianceResult) error {
	return s.db.WithContext(ctx).Create(result).Error
}

func (s *GormStore) ListResultsByTrade(ctx context.Context, tradeID uuid.UUID) ([]*models.ComplianceResult, error) {
	var results []*models.ComplianceResult
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("checked_at").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
