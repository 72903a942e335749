// Package audit provides the append-only, hash-chained transition ledger.
// Every stage transition, credit check outcome and risk snapshot writes
// exactly one entry; entries are never mutated or deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

// Entity types recorded in the ledger.
const (
	EntityTrade        = "trade"
	EntityCreditLimit  = "credit_limit"
	EntityRiskSnapshot = "risk_snapshot"
	EntityPosition     = "position_bucket"
)

// Record describes one event to append. Snapshot is the entity state at the
// moment of the event; its hash goes into the entry.
type Record struct {
	EntityID   string
	EntityType string
	Action     string
	FromStage  string
	ToStage    string
	Actor      string
	Detail     string
	Snapshot   interface{}
}

// Ledger appends tamper-evident entries through an AuditRepository. Appends
// for different entities are independent; per entity the hash chain links
// each entry to its predecessor.
type Ledger struct {
	repo   repository.AuditRepository
	logger *zap.Logger

	mu       sync.Mutex
	lastHash map[string]string
}

// NewLedger creates a ledger over the given repository.
func NewLedger(repo repository.AuditRepository, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:     repo,
		logger:   logger,
		lastHash: make(map[string]string),
	}
}

// Append writes one entry for the record and returns it.
func (l *Ledger) Append(ctx context.Context, rec Record) (*models.AuditEntry, error) {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal audit snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.previousHash(ctx, rec.EntityID)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(append(snapshot, []byte(prev)...))
	entry := &models.AuditEntry{
		ID:           uuid.New(),
		EntityID:     rec.EntityID,
		EntityType:   rec.EntityType,
		Action:       rec.Action,
		FromStage:    rec.FromStage,
		ToStage:      rec.ToStage,
		Actor:        rec.Actor,
		Detail:       rec.Detail,
		SnapshotHash: hex.EncodeToString(sum[:]),
		PreviousHash: prev,
		CreatedAt:    time.Now().UTC(),
	}

	if err := l.repo.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	l.lastHash[rec.EntityID] = entry.SnapshotHash

	l.logger.Debug("audit entry appended",
		zap.String("entity_id", rec.EntityID),
		zap.String("entity_type", rec.EntityType),
		zap.String("action", rec.Action),
		zap.String("hash", entry.SnapshotHash),
	)
	return entry, nil
}

// previousHash returns the hash of the entity's latest entry, consulting the
// repository when the entity has not been seen since startup.
func (l *Ledger) previousHash(ctx context.Context, entityID string) (string, error) {
	if h, ok := l.lastHash[entityID]; ok {
		return h, nil
	}
	last, err := l.repo.LastEntryByEntity(ctx, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last audit entry: %w", err)
	}
	return last.SnapshotHash, nil
}

// History returns the entity's entries in append order.
func (l *Ledger) History(ctx context.Context, entityID string) ([]*models.AuditEntry, error) {
	return l.repo.ListEntriesByEntity(ctx, entityID)
}

// Verify walks the entity's chain and reports the first broken link.
func (l *Ledger) Verify(ctx context.Context, entityID string) error {
	entries, err := l.repo.ListEntriesByEntity(ctx, entityID)
	if err != nil {
		return err
	}
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("audit chain broken for %s at entry %d: previous hash %q, expected %q",
				entityID, i, e.PreviousHash, prev)
		}
		prev = e.SnapshotHash
	}
	return nil
}
