package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/amanahenergy/etrm/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory implementation of every
// repository interface. It is the default wiring for tests and for running
// without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	trades     map[uuid.UUID]models.Trade
	buckets    map[models.BucketKey]models.PositionBucket
	limits     map[uuid.UUID]models.CreditLimit
	audit      map[string][]models.AuditEntry
	auditSeq   uint64
	invoices   map[uuid.UUID]models.Invoice // keyed by trade id
	snapshots  map[string][]models.RiskSnapshot
	compliance map[uuid.UUID][]models.ComplianceResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:     make(map[uuid.UUID]models.Trade),
		buckets:    make(map[models.BucketKey]models.PositionBucket),
		limits:     make(map[uuid.UUID]models.CreditLimit),
		audit:      make(map[string][]models.AuditEntry),
		invoices:   make(map[uuid.UUID]models.Invoice),
		snapshots:  make(map[string][]models.RiskSnapshot),
		compliance: make(map[uuid.UUID][]models.ComplianceResult),
	}
}

// Stores returns the store wired into a Stores bundle.
func (s *MemoryStore) Stores() Stores {
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

func (s *MemoryStore) CreateTrade(ctx context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = *trade
	return nil
}

func (s *MemoryStore) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; !ok {
		return ErrNotFound
	}
	s.trades[trade.ID] = *trade
	return nil
}

func (s *MemoryStore) ListTradesByCounterparty(ctx context.Context, counterpartyID uuid.UUID, stages ...models.TradeStage) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Trade
	for _, t := range s.trades {
		if t.CounterpartyID != counterpartyID {
			continue
		}
		if len(stages) > 0 && !stageIn(t.Stage, stages) {
			continue
		}
		t := t
		result = append(result, &t)
	}
	return result, nil
}

func (s *MemoryStore) ListTrades(ctx context.Context) ([]*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		t := t
		result = append(result, &t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, key models.BucketKey) (*models.PositionBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) SaveBucket(ctx context.Context, bucket *models.PositionBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket.BucketKey] = *bucket
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context) ([]*models.PositionBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.PositionBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		b := b
		result = append(result, &b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result, nil
}

func (s *MemoryStore) GetLimit(ctx context.Context, counterpartyID uuid.UUID) (*models.CreditLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[counterpartyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) SaveLimit(ctx context.Context, limit *models.CreditLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limit.CounterpartyID] = *limit
	return nil
}

func (s *MemoryStore) ListLimits(ctx context.Context) ([]*models.CreditLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.CreditLimit, 0, len(s.limits))
	for _, l := range s.limits {
		l := l
		result = append(result, &l)
	}
	return result, nil
}

func (s *MemoryStore) AppendEntry(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	entry.Seq = s.auditSeq
	s.audit[entry.EntityID] = append(s.audit[entry.EntityID], *entry)
	return nil
}

func (s *MemoryStore) ListEntriesByEntity(ctx context.Context, entityID string) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[entityID]
	result := make([]*models.AuditEntry, 0, len(entries))
	for _, e := range entries {
		e := e
		result = append(result, &e)
	}
	return result, nil
}

func (s *MemoryStore) LastEntryByEntity(ctx context.Context, entityID string) (*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[entityID]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[invoice.TradeID] = *invoice
	return nil
}

func (s *MemoryStore) GetInvoiceByTrade(ctx context.Context, tradeID uuid.UUID) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot *models.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.PortfolioID] = append(s.snapshots[snapshot.PortfolioID], *snapshot)
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, portfolioID string) (*models.RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[portfolioID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	last := snaps[len(snaps)-1]
	return &last, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, portfolioID string) ([]*models.RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[portfolioID]
	result := make([]*models.RiskSnapshot, 0, len(snaps))
	for _, sn := range snaps {
		sn := sn
		result = append(result, &sn)
	}
	return result, nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, result *models.ComplianceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compliance[result.TradeID] = append(s.compliance[result.TradeID], *result)
	return nil
}

func (s *MemoryStore) ListResultsByTrade(ctx context.Context, tradeID uuid.UUID) ([]*models.ComplianceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := s.compliance[tradeID]
	out := make([]*models.ComplianceResult, 0, len(results))
	for _, r := range results {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

func stageIn(stage models.TradeStage, stages []models.TradeStage) bool {
	for _, s := range stages {
		if stage == s {
			return true
		}
	}
	return false
}
