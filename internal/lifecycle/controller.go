package lifecycle

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
	"github.com/amanahenergy/etrm/internal/compliance"
	"github.com/amanahenergy/etrm/internal/credit"
	"github.com/amanahenergy/etrm/internal/position"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/internal/settlement"
	"github.com/amanahenergy/etrm/pkg/models"
)

// ErrStageSkip is returned when a requested target is more than one stage
// ahead of the trade's current stage.
var ErrStageSkip = errors.New("stage transitions must advance one step at a time")

// ResultCode classifies the outcome of a transition request.
type ResultCode string

const (
	ResultAdvanced         ResultCode = "ADVANCED"
	ResultNoOp             ResultCode = "NO_OP"
	ResultRejected         ResultCode = "REJECTED"
	ResultPendingReview    ResultCode = "PENDING_REVIEW"
	ResultSettlementFailed ResultCode = "SETTLEMENT_FAILED"
)

// Result reports what happened to the trade. Stage is the stage after the
// request, which equals the prior stage for everything but ResultAdvanced.
type Result struct {
	Code     ResultCode
	Stage    models.TradeStage
	Reason   string
	Headroom *decimal.Decimal // set on credit rejections
}

// Controller drives trades through the stage order, invoking the gate, credit
// check, position allocation and settlement steps at their transitions.
// Requests for the same trade are serialized.
type Controller struct {
	trades     repository.TradeRepository
	gate       *compliance.Gate
	credit     *credit.Manager
	positions  *position.Manager
	settlement *settlement.Processor
	ledger     *audit.Ledger
	bus        EventBus
	metrics    *Metrics
	logger     *zap.Logger

	jurisdiction string

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewController wires the lifecycle over the given services.
func NewController(
	trades repository.TradeRepository,
	gate *compliance.Gate,
	creditMgr *credit.Manager,
	positions *position.Manager,
	settlementProc *settlement.Processor,
	ledger *audit.Ledger,
	bus EventBus,
	metrics *Metrics,
	jurisdiction string,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		trades:       trades,
		gate:         gate,
		credit:       creditMgr,
		positions:    positions,
		settlement:   settlementProc,
		ledger:       ledger,
		bus:          bus,
		metrics:      metrics,
		logger:       logger,
		jurisdiction: jurisdiction,
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *Controller) lockFor(id uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Capture registers a new trade in the Captured stage.
func (c *Controller) Capture(ctx context.Context, trade *models.Trade, actor string) (*models.Trade, error) {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	now := time.Now().UTC()
	trade.Stage = models.StageCaptured
	trade.CreatedAt = now
	trade.UpdatedAt = now
	if err := c.trades.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("capture trade: %w", err)
	}
	if _, err := c.ledger.Append(ctx, audit.Record{
		EntityID:   trade.ID.String(),
		EntityType: audit.EntityTrade,
		Action:     "trade_captured",
		ToStage:    string(models.StageCaptured),
		Actor:      actor,
		Snapshot:   trade,
	}); err != nil {
		return nil, fmt.Errorf("audit capture: %w", err)
	}
	c.publish(ctx, trade, "", models.StageCaptured, actor, "")
	c.logger.Info("trade captured",
		zap.String("trade_id", trade.ID.String()),
		zap.String("commodity", trade.Commodity),
		zap.String("book", trade.Book))
	return trade, nil
}

// Advance requests a transition to target. Targets at or behind the current
// stage are a no-op; targets more than one stage ahead are an error.
func (c *Controller) Advance(ctx context.Context, tradeID uuid.UUID, target models.TradeStage, actor string) (Result, error) {
	lock := c.lockFor(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := c.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return Result{}, fmt.Errorf("load trade: %w", err)
	}
	if trade.Stage.Terminal() || target.Rank() <= trade.Stage.Rank() {
		return Result{Code: ResultNoOp, Stage: trade.Stage}, nil
	}
	next, ok := trade.Stage.Next()
	if !ok || target != next {
		return Result{}, fmt.Errorf("%w: %s to %s", ErrStageSkip, trade.Stage, target)
	}

	switch target {
	case models.StageValidated:
		return c.toValidated(ctx, trade, actor)
	case models.StageConfirmed:
		return c.toConfirmed(ctx, trade, actor)
	case models.StageAllocated:
		return c.toAllocated(ctx, trade, actor)
	case models.StageSettled:
		return c.toSettled(ctx, trade, actor)
	case models.StageInvoiced:
		return c.toInvoiced(ctx, trade, actor)
	case models.StagePaid:
		return c.toPaid(ctx, trade, actor)
	case models.StageCompleted:
		return c.commit(ctx, trade, models.StageCompleted, actor, "")
	default:
		return Result{}, fmt.Errorf("unknown target stage %q", target)
	}
}

// Cancel rejects a trade that has not yet confirmed. Confirmed and later
// trades carry exposure and positions and need a compensating workflow.
func (c *Controller) Cancel(ctx context.Context, tradeID uuid.UUID, reason, actor string) (Result, error) {
	lock := c.lockFor(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := c.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return Result{}, fmt.Errorf("load trade: %w", err)
	}
	if trade.Stage.Terminal() {
		return Result{Code: ResultNoOp, Stage: trade.Stage}, nil
	}
	if trade.Stage != models.StageCaptured && trade.Stage != models.StageValidated {
		return Result{}, fmt.Errorf("cannot cancel trade in stage %s", trade.Stage)
	}
	return c.reject(ctx, trade, actor, reason)
}

func (c *Controller) toValidated(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	outcome, err := c.gate.Screen(ctx, trade, c.jurisdiction)
	if err != nil {
		return Result{}, fmt.Errorf("screen trade: %w", err)
	}
	switch outcome.Decision {
	case compliance.DecisionReject:
		return c.reject(ctx, trade, actor, outcome.Reason)
	case compliance.DecisionHold:
		return c.hold(ctx, trade, actor, outcome.Reason)
	default:
		trade.PendingReview = false
		trade.ReviewReason = ""
		return c.commit(ctx, trade, models.StageValidated, actor, "")
	}
}

func (c *Controller) toConfirmed(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	var committed Result
	decision, err := c.credit.Authorize(ctx, trade, func(ctx context.Context) error {
		res, err := c.commit(ctx, trade, models.StageConfirmed, actor, "")
		if err != nil {
			return err
		}
		committed = res
		return nil
	})
	if errors.Is(err, credit.ErrNoLimit) {
		res, rerr := c.reject(ctx, trade, actor, "no credit limit configured")
		if rerr != nil {
			return Result{}, rerr
		}
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("credit check: %w", err)
	}
	if !decision.Available {
		res, err := c.reject(ctx, trade, actor, "credit limit exceeded")
		if err != nil {
			return Result{}, err
		}
		res.Headroom = &decision.Headroom
		return res, nil
	}
	committed.Headroom = &decision.Headroom
	return committed, nil
}

func (c *Controller) toAllocated(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	bucket, err := c.positions.Allocate(ctx, trade)
	if err != nil {
		return Result{}, fmt.Errorf("allocate position: %w", err)
	}
	detail := fmt.Sprintf("bucket=%s net_qty=%s", trade.BucketKey(), bucket.NetQuantity)
	return c.commit(ctx, trade, models.StageAllocated, actor, detail)
}

func (c *Controller) toSettled(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	if err := c.settlement.ConfirmDelivery(ctx, trade); err != nil {
		if errors.Is(err, settlement.ErrDeliveryNotConfirmed) {
			return Result{Code: ResultPendingReview, Stage: trade.Stage, Reason: "delivery not confirmed"}, nil
		}
		return Result{}, fmt.Errorf("confirm delivery: %w", err)
	}
	return c.commit(ctx, trade, models.StageSettled, actor, "")
}

func (c *Controller) toInvoiced(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	invoice, err := c.settlement.GenerateInvoice(ctx, trade)
	if err != nil {
		return Result{}, fmt.Errorf("generate invoice: %w", err)
	}
	detail := fmt.Sprintf("invoice=%s amount=%s %s", invoice.ID, invoice.Amount, invoice.Currency)
	return c.commit(ctx, trade, models.StageInvoiced, actor, detail)
}

func (c *Controller) toPaid(ctx context.Context, trade *models.Trade, actor string) (Result, error) {
	if err := c.settlement.CollectPayment(ctx, trade); err != nil {
		if errors.Is(err, settlement.ErrSettlementFailed) {
			trade.SettlementFailed = true
			trade.UpdatedAt = time.Now().UTC()
			if uerr := c.trades.UpdateTrade(ctx, trade); uerr != nil {
				return Result{}, fmt.Errorf("mark settlement failed: %w", uerr)
			}
			if _, aerr := c.ledger.Append(ctx, audit.Record{
				EntityID:   trade.ID.String(),
				EntityType: audit.EntityTrade,
				Action:     "settlement_failed",
				FromStage:  string(trade.Stage),
				ToStage:    string(trade.Stage),
				Actor:      actor,
				Detail:     err.Error(),
				Snapshot:   trade,
			}); aerr != nil {
				return Result{}, fmt.Errorf("audit settlement failure: %w", aerr)
			}
			if c.metrics != nil {
				c.metrics.SettlementFailures.Inc()
			}
			c.logger.Error("payment collection exhausted",
				zap.String("trade_id", trade.ID.String()), zap.Error(err))
			return Result{Code: ResultSettlementFailed, Stage: trade.Stage, Reason: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("collect payment: %w", err)
	}
	trade.SettlementFailed = false
	res, err := c.commit(ctx, trade, models.StagePaid, actor, "")
	if err != nil {
		return Result{}, err
	}
	// Paid trades no longer count toward exposure.
	if _, rerr := c.credit.Refresh(ctx, trade.CounterpartyID); rerr != nil && !errors.Is(rerr, credit.ErrNoLimit) {
		c.logger.Warn("exposure refresh after payment failed",
			zap.String("counterparty_id", trade.CounterpartyID.String()), zap.Error(rerr))
	}
	return res, nil
}

// commit advances the trade to target, writes the audit entry and publishes
// the transition event. Callers hold the per-trade lock.
func (c *Controller) commit(ctx context.Context, trade *models.Trade, target models.TradeStage, actor, detail string) (Result, error) {
	from := trade.Stage
	trade.Stage = target
	trade.UpdatedAt = time.Now().UTC()
	if err := c.trades.UpdateTrade(ctx, trade); err != nil {
		trade.Stage = from
		return Result{}, fmt.Errorf("update trade stage: %w", err)
	}
	if _, err := c.ledger.Append(ctx, audit.Record{
		EntityID:   trade.ID.String(),
		EntityType: audit.EntityTrade,
		Action:     "stage_transition",
		FromStage:  string(from),
		ToStage:    string(target),
		Actor:      actor,
		Detail:     detail,
		Snapshot:   trade,
	}); err != nil {
		return Result{}, fmt.Errorf("audit transition: %w", err)
	}
	if c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(from), string(target)).Inc()
	}
	c.publish(ctx, trade, from, target, actor, detail)
	c.logger.Info("stage transition",
		zap.String("trade_id", trade.ID.String()),
		zap.String("from_stage", string(from)),
		zap.String("to_stage", string(target)))
	return Result{Code: ResultAdvanced, Stage: target}, nil
}

func (c *Controller) reject(ctx context.Context, trade *models.Trade, actor, reason string) (Result, error) {
	from := trade.Stage
	trade.Stage = models.StageRejected
	trade.PendingReview = false
	trade.ReviewReason = ""
	trade.UpdatedAt = time.Now().UTC()
	if err := c.trades.UpdateTrade(ctx, trade); err != nil {
		return Result{}, fmt.Errorf("reject trade: %w", err)
	}
	if _, err := c.ledger.Append(ctx, audit.Record{
		EntityID:   trade.ID.String(),
		EntityType: audit.EntityTrade,
		Action:     "trade_rejected",
		FromStage:  string(from),
		ToStage:    string(models.StageRejected),
		Actor:      actor,
		Detail:     reason,
		Snapshot:   trade,
	}); err != nil {
		return Result{}, fmt.Errorf("audit rejection: %w", err)
	}
	if c.metrics != nil {
		c.metrics.Rejections.WithLabelValues(reason).Inc()
	}
	c.publish(ctx, trade, from, models.StageRejected, actor, reason)
	c.logger.Warn("trade rejected",
		zap.String("trade_id", trade.ID.String()),
		zap.String("from_stage", string(from)),
		zap.String("reason", reason))
	return Result{Code: ResultRejected, Stage: models.StageRejected, Reason: reason}, nil
}

// hold leaves the trade at its current stage with a pending-review flag.
func (c *Controller) hold(ctx context.Context, trade *models.Trade, actor, reason string) (Result, error) {
	trade.PendingReview = true
	trade.ReviewReason = reason
	trade.UpdatedAt = time.Now().UTC()
	if err := c.trades.UpdateTrade(ctx, trade); err != nil {
		return Result{}, fmt.Errorf("hold trade: %w", err)
	}
	if _, err := c.ledger.Append(ctx, audit.Record{
		EntityID:   trade.ID.String(),
		EntityType: audit.EntityTrade,
		Action:     "held_pending_review",
		FromStage:  string(trade.Stage),
		ToStage:    string(trade.Stage),
		Actor:      actor,
		Detail:     reason,
		Snapshot:   trade,
	}); err != nil {
		return Result{}, fmt.Errorf("audit hold: %w", err)
	}
	if c.metrics != nil {
		c.metrics.Holds.Inc()
	}
	c.logger.Warn("trade held pending review",
		zap.String("trade_id", trade.ID.String()),
		zap.String("reason", reason))
	return Result{Code: ResultPendingReview, Stage: trade.Stage, Reason: reason}, nil
}

func (c *Controller) publish(ctx context.Context, trade *models.Trade, from, to models.TradeStage, actor, reason string) {
	if c.bus == nil {
		return
	}
	event := TransitionEvent{
		TradeID:   trade.ID.String(),
		FromStage: string(from),
		ToStage:   string(to),
		Actor:     actor,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if err := c.bus.PublishTransition(ctx, event); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
}
