package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

// Business violation codes.
const (
	CodeMissingField    = "MISSING_FIELD"
	CodeZeroQuantity    = "ZERO_QUANTITY"
	CodeInvalidWindow   = "INVALID_DELIVERY_WINDOW"
	CodeHorizonExceeded = "DELIVERY_HORIZON_EXCEEDED"
	CodeProviderTimeout = "RULE_PROVIDER_TIMEOUT"
)

// Decision is the gate's verdict for a trade.
type Decision string

const (
	DecisionPass   Decision = "PASS"
	DecisionReject Decision = "REJECT" // hard failure, trade goes to Rejected
	DecisionHold   Decision = "HOLD"   // soft failure, trade held pending review
)

// Outcome is the typed screening result handed back to the lifecycle.
type Outcome struct {
	Decision   Decision
	Reason     string
	Violations []models.Violation
	Result     *models.ComplianceResult
}

// Gate performs business validation and compliance screening. Both passes
// always run before a trade may confirm.
type Gate struct {
	provider RuleProvider
	results  repository.ComplianceRepository
	validate *validator.Validate
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a validation gate. timeout bounds rule-provider calls.
func NewGate(provider RuleProvider, results repository.ComplianceRepository, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gate{
		provider: provider,
		results:  results,
		validate: validator.New(),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Screen runs both passes for the trade under the given jurisdiction and
// persists the compliance result. A rule-provider timeout holds the trade
// rather than failing it.
func (g *Gate) Screen(ctx context.Context, trade *models.Trade, jurisdiction string) (Outcome, error) {
	now := g.now()
	result := &models.ComplianceResult{
		ID:           uuid.New(),
		TradeID:      trade.ID,
		Jurisdiction: jurisdiction,
		CheckedAt:    now,
	}

	// Pass 1: business validation. Hard failures are non-recoverable; a
	// resubmission needs a new trade id.
	violations := g.businessViolations(trade)
	if len(violations) > 0 {
		return g.finish(ctx, result, violations)
	}

	ruleCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ruleset, err := g.provider.Ruleset(ruleCtx, jurisdiction)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ruleCtx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("compliance rule provider timed out, holding trade for review",
				zap.String("trade_id", trade.ID.String()),
				zap.String("jurisdiction", jurisdiction),
			)
			return g.finish(ctx, result, []models.Violation{{
				Code:     CodeProviderTimeout,
				Detail:   "rule provider unavailable, trade held for manual review",
				Severity: models.SeveritySoft,
			}})
		}
		return Outcome{}, fmt.Errorf("load ruleset for %s: %w", jurisdiction, err)
	}

	if g.horizonExceeded(trade, ruleset, now) {
		violations = append(violations, models.Violation{
			Code:     CodeHorizonExceeded,
			Detail:   fmt.Sprintf("delivery window ends beyond the %d-day horizon", ruleset.MaxDeliveryHorizonDays),
			Severity: models.SeverityHard,
		})
		return g.finish(ctx, result, violations)
	}

	// Pass 2: compliance screening; the Islamic-finance ruleset applies only
	// to flagged counterparties.
	if trade.ShariaRequired {
		violations = append(violations, screenSharia(trade, ruleset.Sharia, now, result)...)
	}

	return g.finish(ctx, result, violations)
}

// businessViolations checks required fields and structural validity.
func (g *Gate) businessViolations(trade *models.Trade) []models.Violation {
	var violations []models.Violation

	if err := g.validate.Struct(trade); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				violations = append(violations, models.Violation{
					Code:     CodeMissingField,
					Detail:   fmt.Sprintf("field %s failed rule %q", fe.Field(), fe.Tag()),
					Severity: models.SeverityHard,
				})
			}
		} else {
			violations = append(violations, models.Violation{
				Code:     CodeMissingField,
				Detail:   err.Error(),
				Severity: models.SeverityHard,
			})
		}
	}

	if trade.Quantity.IsZero() {
		violations = append(violations, models.Violation{
			Code:     CodeZeroQuantity,
			Detail:   "trade quantity must be non-zero",
			Severity: models.SeverityHard,
		})
	}

	if !trade.DeliveryEnd.After(trade.DeliveryStart) {
		violations = append(violations, models.Violation{
			Code:     CodeInvalidWindow,
			Detail:   "delivery window must end after it starts",
			Severity: models.SeverityHard,
		})
	}

	return violations
}

func (g *Gate) horizonExceeded(trade *models.Trade, ruleset *Ruleset, now time.Time) bool {
	if ruleset.MaxDeliveryHorizonDays <= 0 {
		return false
	}
	horizon := now.AddDate(0, 0, ruleset.MaxDeliveryHorizonDays)
	return trade.DeliveryEnd.After(horizon)
}

// finish classifies the violations, persists the result and builds the
// outcome. Any hard violation rejects; otherwise any soft violation holds.
func (g *Gate) finish(ctx context.Context, result *models.ComplianceResult, violations []models.Violation) (Outcome, error) {
	result.Violations = violations
	result.Passed = len(violations) == 0

	outcome := Outcome{Decision: DecisionPass, Violations: violations, Result: result}
	var reasons []string
	for _, v := range violations {
		reasons = append(reasons, v.Code)
		if v.Severity == models.SeverityHard {
			outcome.Decision = DecisionReject
		} else if outcome.Decision != DecisionReject {
			outcome.Decision = DecisionHold
		}
	}
	outcome.Reason = strings.Join(reasons, ",")

	if err := g.results.SaveResult(ctx, result); err != nil {
		return Outcome{}, fmt.Errorf("save compliance result: %w", err)
	}
	return outcome, nil
}
