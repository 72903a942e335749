// Package position maintains net positions per (commodity, delivery period,
// book) bucket, including weighted-average entry prices, running P&L and the
// batch mark-to-market recompute.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

// Hedge-accounting effectiveness band. Outside it the position is flagged
// for reclassification, never auto-corrected.
var (
	hedgeBandLow  = decimal.RequireFromString("0.80")
	hedgeBandHigh = decimal.RequireFromString("1.25")
)

// Manager owns position buckets. Buckets are independent: each has its own
// lock, and no operation takes more than one bucket lock at a time.
type Manager struct {
	buckets repository.PositionRepository
	marks   marketdata.MarkSource
	logger  *zap.Logger
	workers int

	mu    sync.Mutex
	locks map[models.BucketKey]*sync.Mutex
}

// NewManager creates a position manager. workers bounds the mark-to-market
// pool; values below 1 are raised to 1.
func NewManager(buckets repository.PositionRepository, marks marketdata.MarkSource, workers int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		buckets: buckets,
		marks:   marks,
		logger:  logger,
		workers: workers,
		locks:   make(map[models.BucketKey]*sync.Mutex),
	}
}

func (m *Manager) lockFor(key models.BucketKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Allocate applies the trade's signed quantity to its bucket. Net quantity is
// commutative across allocation order; opposite-signed quantities realize
// P&L against the weighted-average entry price.
func (m *Manager) Allocate(ctx context.Context, trade *models.Trade) (*models.PositionBucket, error) {
	if trade.Quantity.IsZero() {
		return nil, fmt.Errorf("trade %s has zero quantity", trade.ID)
	}
	key := trade.BucketKey()

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	bucket, err := m.buckets.GetBucket(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		bucket = &models.PositionBucket{BucketKey: key}
	} else if err != nil {
		return nil, fmt.Errorf("load bucket %s: %w", key, err)
	}

	applyFill(bucket, trade.Quantity, trade.Price)
	bucket.LastUpdated = time.Now().UTC()

	if err := m.buckets.SaveBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("save bucket %s: %w", key, err)
	}

	m.logger.Info("trade allocated to bucket",
		zap.String("trade_id", trade.ID.String()),
		zap.String("bucket", key.String()),
		zap.String("net_quantity", bucket.NetQuantity.String()),
	)
	return bucket, nil
}

// applyFill folds one signed fill into the bucket.
func applyFill(bucket *models.PositionBucket, qty, price decimal.Decimal) {
	net := bucket.NetQuantity
	switch {
	case net.IsZero() || net.Sign() == qty.Sign():
		// Extending the position: weighted-average entry price.
		total := net.Abs().Add(qty.Abs())
		bucket.AvgEntryPrice = net.Abs().Mul(bucket.AvgEntryPrice).
			Add(qty.Abs().Mul(price)).
			Div(total)
		bucket.NetQuantity = net.Add(qty)
	default:
		// Reducing or flipping: realize P&L on the closed amount.
		closed := decimal.Min(net.Abs(), qty.Abs())
		direction := decimal.NewFromInt(int64(net.Sign()))
		bucket.RealizedPnL = bucket.RealizedPnL.Add(
			closed.Mul(price.Sub(bucket.AvgEntryPrice)).Mul(direction))
		bucket.NetQuantity = net.Add(qty)
		if bucket.NetQuantity.IsZero() {
			bucket.AvgEntryPrice = decimal.Zero
		} else if bucket.NetQuantity.Sign() != net.Sign() {
			// Flipped: the residual opens at the fill price.
			bucket.AvgEntryPrice = price
		}
	}
}

// MTMResult reports one bucket's mark-to-market outcome.
type MTMResult struct {
	Key           models.BucketKey
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Err           error
}

// MarkToMarket revalues every bucket at the current mark price across a
// bounded worker pool. Buckets are independent, so the only synchronization
// is the per-bucket lock and the result collection. Individual bucket
// failures are reported per bucket, not fatal for the batch.
func (m *Manager) MarkToMarket(ctx context.Context) ([]MTMResult, error) {
	buckets, err := m.buckets.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	jobs := make(chan *models.PositionBucket)
	results := make([]MTMResult, 0, len(buckets))
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bucket := range jobs {
				res := m.remark(ctx, bucket)
				resultMu.Lock()
				results = append(results, res)
				resultMu.Unlock()
			}
		}()
	}

	for _, b := range buckets {
		jobs <- b
	}
	close(jobs)
	wg.Wait()

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			m.logger.Warn("mark-to-market failed for bucket",
				zap.String("bucket", r.Key.String()), zap.Error(r.Err))
		}
	}
	if failures > 0 && failures == len(results) {
		return results, fmt.Errorf("mark-to-market failed for all %d buckets", failures)
	}
	return results, nil
}

func (m *Manager) remark(ctx context.Context, stale *models.PositionBucket) MTMResult {
	key := stale.BucketKey
	mark, err := m.marks.MarkPrice(ctx, key.Commodity, key.Period)
	if err != nil {
		return MTMResult{Key: key, Err: err}
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	bucket, err := m.buckets.GetBucket(ctx, key)
	if err != nil {
		return MTMResult{Key: key, Err: err}
	}
	bucket.MarkPrice = mark
	bucket.UnrealizedPnL = bucket.NetQuantity.Mul(mark.Sub(bucket.AvgEntryPrice))
	bucket.LastUpdated = time.Now().UTC()
	if err := m.buckets.SaveBucket(ctx, bucket); err != nil {
		return MTMResult{Key: key, Err: err}
	}
	return MTMResult{Key: key, MarkPrice: mark, UnrealizedPnL: bucket.UnrealizedPnL}
}

// EffectivenessRatio computes the hedge effectiveness ratio: cumulative
// hedge-instrument value change over cumulative hedged-item value change.
// The bool reports whether the ratio sits inside the 80%-125% band.
func EffectivenessRatio(hedgeChanges, itemChanges []decimal.Decimal) (decimal.Decimal, bool) {
	hedge := decimal.Zero
	for _, c := range hedgeChanges {
		hedge = hedge.Add(c)
	}
	item := decimal.Zero
	for _, c := range itemChanges {
		item = item.Add(c)
	}
	if item.IsZero() {
		return decimal.Zero, false
	}
	ratio := hedge.Div(item).Abs()
	return ratio, ratio.GreaterThanOrEqual(hedgeBandLow) && ratio.LessThanOrEqual(hedgeBandHigh)
}

// AssessHedge runs the effectiveness test for a bucket over the supplied
// rolling-window value changes and flags the bucket when the ratio leaves
// the band. Flagged positions are left for manual reclassification.
func (m *Manager) AssessHedge(ctx context.Context, key models.BucketKey, hedgeChanges, itemChanges []decimal.Decimal) (decimal.Decimal, bool, error) {
	ratio, effective := EffectivenessRatio(hedgeChanges, itemChanges)

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	bucket, err := m.buckets.GetBucket(ctx, key)
	if err != nil {
		return ratio, effective, fmt.Errorf("load bucket %s: %w", key, err)
	}
	bucket.HedgeFlagged = !effective
	bucket.LastUpdated = time.Now().UTC()
	if err := m.buckets.SaveBucket(ctx, bucket); err != nil {
		return ratio, effective, fmt.Errorf("save bucket %s: %w", key, err)
	}

	if !effective {
		m.logger.Warn("hedge flagged for reclassification",
			zap.String("bucket", key.String()),
			zap.String("ratio", ratio.String()),
		)
	}
	return ratio, effective, nil
}

// Book returns the current position book.
func (m *Manager) Book(ctx context.Context) ([]*models.PositionBucket, error) {
	return m.buckets.ListBuckets(ctx)
}
