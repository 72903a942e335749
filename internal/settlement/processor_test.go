package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/pkg/models"
)

type stubDelivery struct {
	confirmed bool
	err       error
}

func (d stubDelivery) DeliveryConfirmed(ctx context.Context, trade *models.Trade) (bool, error) {
	return d.confirmed, d.err
}

type stubGateway struct {
	results []bool // one per attempt
	errs    []error
	calls   int
}

func (g *stubGateway) PaymentConfirmed(ctx context.Context, invoice *models.Invoice) (bool, error) {
	i := g.calls
	g.calls++
	var confirmed bool
	var err error
	if i < len(g.results) {
		confirmed = g.results[i]
	}
	if i < len(g.errs) {
		err = g.errs[i]
	}
	return confirmed, err
}

func settledTrade() *models.Trade {
	return &models.Trade{
		ID:             uuid.New(),
		CounterpartyID: uuid.New(),
		Commodity:      "POWER",
		Book:           "base",
		DeliveryPeriod: "2026-Q4",
		Quantity:       decimal.NewFromInt(100),
		Price:          decimal.NewFromInt(50),
		Currency:       "EUR",
		Stage:          models.StageSettled,
	}
}

func newTestProcessor(t *testing.T, gateway PaymentGateway, policy RetryPolicy) (*Processor, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	fx := marketdata.NewStaticSource()
	fx.SetRate("EUR", "USD", decimal.RequireFromString("1.25"))
	p := NewProcessor(stubDelivery{confirmed: true}, gateway, fx, store, policy, "USD", zaptest.NewLogger(t))
	p.sleep = func(time.Duration) {}
	return p, store
}

func TestConfirmDelivery(t *testing.T) {
	store := repository.NewMemoryStore()
	fx := marketdata.NewStaticSource()
	logger := zaptest.NewLogger(t)

	confirmed := NewProcessor(stubDelivery{confirmed: true}, &stubGateway{}, fx, store, DefaultRetryPolicy(), "USD", logger)
	assert.NoError(t, confirmed.ConfirmDelivery(context.Background(), settledTrade()))

	pending := NewProcessor(stubDelivery{confirmed: false}, &stubGateway{}, fx, store, DefaultRetryPolicy(), "USD", logger)
	err := pending.ConfirmDelivery(context.Background(), settledTrade())
	assert.ErrorIs(t, err, ErrDeliveryNotConfirmed)
}

func TestGenerateInvoiceConvertsCurrency(t *testing.T) {
	p, store := newTestProcessor(t, &stubGateway{}, DefaultRetryPolicy())
	trade := settledTrade()

	invoice, err := p.GenerateInvoice(context.Background(), trade)
	require.NoError(t, err)

	assert.True(t, invoice.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "EUR", invoice.Currency)
	assert.Equal(t, "USD", invoice.SettlementCurrency)
	assert.True(t, invoice.SettlementAmount.Equal(decimal.NewFromInt(6250)), "got %s", invoice.SettlementAmount)

	// Idempotent: a second call returns the stored invoice.
	again, err := p.GenerateInvoice(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, again.ID)

	stored, err := store.GetInvoiceByTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, stored.ID)
}

func TestCollectPaymentRetriesThenSucceeds(t *testing.T) {
	gateway := &stubGateway{
		results: []bool{false, false, true},
		errs:    []error{errors.New("gateway busy"), nil, nil},
	}
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 8 * time.Millisecond}
	p, _ := newTestProcessor(t, gateway, policy)

	trade := settledTrade()
	_, err := p.GenerateInvoice(context.Background(), trade)
	require.NoError(t, err)

	require.NoError(t, p.CollectPayment(context.Background(), trade))
	assert.Equal(t, 3, gateway.calls)
}

func TestCollectPaymentExhaustionIsSettlementFailed(t *testing.T) {
	gateway := &stubGateway{} // never confirms
	policy := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 8 * time.Millisecond}
	p, _ := newTestProcessor(t, gateway, policy)

	trade := settledTrade()
	_, err := p.GenerateInvoice(context.Background(), trade)
	require.NoError(t, err)

	err = p.CollectPayment(context.Background(), trade)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, 3, gateway.calls)
}

func TestCollectPaymentBackoffDoublesUpToCap(t *testing.T) {
	gateway := &stubGateway{}
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
	p, _ := newTestProcessor(t, gateway, policy)

	var sleeps []time.Duration
	p.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	trade := settledTrade()
	_, err := p.GenerateInvoice(context.Background(), trade)
	require.NoError(t, err)

	err = p.CollectPayment(context.Background(), trade)
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond, // capped
	}, sleeps)
}
