package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amanahenergy/etrm/internal/audit"
	"github.com/amanahenergy/etrm/internal/compliance"
	"github.com/amanahenergy/etrm/internal/credit"
	"github.com/amanahenergy/etrm/internal/lifecycle"
	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/position"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/internal/risk"
	"github.com/amanahenergy/etrm/internal/settlement"
	"github.com/amanahenergy/etrm/pkg/models"
)

type alwaysConfirmed struct{}

func (alwaysConfirmed) DeliveryConfirmed(ctx context.Context, trade *models.Trade) (bool, error) {
	return true, nil
}

func (alwaysConfirmed) PaymentConfirmed(ctx context.Context, invoice *models.Invoice) (bool, error) {
	return true, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *repository.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	ledger := audit.NewLedger(store, logger)

	fx := marketdata.NewStaticSource()
	fx.SetMark("POWER", "2026-Q4", decimal.NewFromInt(55))
	returns := make([]float64, 40)
	for i := range returns {
		returns[i] = 0.01 * float64(i%5-2)
	}
	fx.SetReturns("POWER", returns)
	gate := compliance.NewGate(compliance.NewStaticRuleProvider(), store, time.Second, logger)
	creditMgr := credit.NewManager(store, store, fx, ledger, logger)
	positions := position.NewManager(store, fx, 2, logger)
	stub := alwaysConfirmed{}
	proc := settlement.NewProcessor(stub, stub, fx, store, settlement.DefaultRetryPolicy(), "USD", logger)
	riskEngine := risk.NewEngine(positions, fx, store, ledger, 2, logger)
	controller := lifecycle.NewController(store, gate, creditMgr, positions, proc, ledger,
		lifecycle.NewLogEventBus(logger), lifecycle.NewMetrics(prometheus.NewRegistry()), "AE", logger)

	srv := NewServer(logger, store.Stores(), controller, creditMgr, positions, riskEngine, ledger)
	return srv.Router(), store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func captureBody() map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"counterparty_id":       uuid.New().String(),
		"commodity":             "POWER",
		"book":                  "base",
		"delivery_period":       "2026-Q4",
		"quantity":              "100",
		"price":                 "50",
		"currency":              "USD",
		"delivery_start":        now.AddDate(0, 1, 0).Format(time.RFC3339),
		"delivery_end":          now.AddDate(0, 1, 14).Format(time.RFC3339),
		"asset_backed_notional": "5000",
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCaptureAndFetchTrade(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/trades", captureBody())
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, models.StageCaptured, created.Stage)

	w = doJSON(t, router, http.MethodGet, "/api/v1/trades/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/trades/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/trades/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransitionEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/trades", captureBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// credit limit so the whole lifecycle can run
	w = doJSON(t, router, http.MethodPut,
		"/api/v1/credit/limits/"+created.CounterpartyID.String(),
		map[string]interface{}{"amount": "10000", "currency": "USD"})
	require.Equal(t, http.StatusOK, w.Code)

	for _, target := range []models.TradeStage{
		models.StageValidated, models.StageConfirmed, models.StageAllocated,
		models.StageSettled, models.StageInvoiced, models.StagePaid, models.StageCompleted,
	} {
		w = doJSON(t, router, http.MethodPost,
			fmt.Sprintf("/api/v1/trades/%s/transitions", created.ID),
			map[string]string{"target": string(target), "actor": "ops"})
		require.Equal(t, http.StatusOK, w.Code, "advance to %s: %s", target, w.Body.String())

		var result lifecycle.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, lifecycle.ResultAdvanced, result.Code)
	}

	// skipping from a terminal request path conflicts
	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/trades/%s/transitions", created.ID),
		map[string]string{"target": string(models.StageValidated)})
	require.Equal(t, http.StatusOK, w.Code)
	var result lifecycle.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, lifecycle.ResultNoOp, result.Code)

	// audit history and invoice are queryable
	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/trades/%s/audit", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []models.AuditEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/trades/%s/invoice", created.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// the allocation shows up in the position book
	w = doJSON(t, router, http.MethodGet, "/api/v1/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var buckets []models.PositionBucket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &buckets))
	require.Len(t, buckets, 1)
}

func TestStageSkipConflicts(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/trades", captureBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/trades/%s/transitions", created.ID),
		map[string]string{"target": string(models.StageAllocated)})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/trades", captureBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/trades/%s/cancel", created.ID),
		map[string]string{"reason": "booked in error", "actor": "trader"})
	require.Equal(t, http.StatusOK, w.Code)

	var result lifecycle.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, lifecycle.ResultRejected, result.Code)
}

func TestRiskEndpoints(t *testing.T) {
	router, store := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/risk/book/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// seed a bucket directly so the stress test has a book to shock
	require.NoError(t, store.SaveBucket(context.Background(), &models.PositionBucket{
		BucketKey:   models.BucketKey{Commodity: "POWER", Period: "2026-Q4", Book: "base"},
		NetQuantity: decimal.NewFromInt(1000),
		MarkPrice:   decimal.NewFromInt(50),
	}))

	w = doJSON(t, router, http.MethodPost, "/api/v1/risk/book/stress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "market_crash")
}
