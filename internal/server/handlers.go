package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amanahenergy/etrm/internal/lifecycle"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/internal/risk"
	"github.com/amanahenergy/etrm/pkg/models"
)

func tradeID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCaptureTrade(c *gin.Context) {
	var trade models.Trade
	if err := c.ShouldBindJSON(&trade); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := c.GetHeader("X-Actor")
	captured, err := s.controller.Capture(c.Request.Context(), &trade, actor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, captured)
}

func (s *Server) handleListTrades(c *gin.Context) {
	trades, err := s.stores.Trades.ListTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleGetTrade(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	trade, err := s.stores.Trades.GetTrade(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trade)
}

type transitionRequest struct {
	Target string `json:"target" binding:"required"`
	Actor  string `json:"actor"`
}

func (s *Server) handleAdvanceTrade(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.controller.Advance(c.Request.Context(), id, models.TradeStage(req.Target), req.Actor)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if errors.Is(err, lifecycle.ErrStageSkip) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor"`
}

func (s *Server) handleCancelTrade(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.controller.Cancel(c.Request.Context(), id, req.Reason, req.Actor)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTradeAudit(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	entries, err := s.ledger.History(c.Request.Context(), id.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleTradeInvoice(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	invoice, err := s.stores.Invoices.GetInvoiceByTrade(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no invoice for trade"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) handleTradeCompliance(c *gin.Context) {
	id, ok := tradeID(c)
	if !ok {
		return
	}
	results, err := s.stores.Compliance.ListResultsByTrade(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleListPositions(c *gin.Context) {
	buckets, err := s.positions.Book(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, buckets)
}

func (s *Server) handleListLimits(c *gin.Context) {
	limits, err := s.creditMgr.ListLimits(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, limits)
}

func counterpartyID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("counterparty_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterparty id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetLimit(c *gin.Context) {
	id, ok := counterpartyID(c)
	if !ok {
		return
	}
	limit, err := s.creditMgr.GetLimit(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, limit)
}

type setLimitRequest struct {
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Currency string          `json:"currency" binding:"required"`
}

func (s *Server) handleSetLimit(c *gin.Context) {
	id, ok := counterpartyID(c)
	if !ok {
		return
	}
	var req setLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := s.creditMgr.SetLimit(c.Request.Context(), id, req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, limit)
}

func (s *Server) handleLatestSnapshot(c *gin.Context) {
	snapshot, err := s.stores.Risk.LatestSnapshot(c.Request.Context(), c.Param("portfolio"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for portfolio"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type computeRiskRequest struct {
	Method      string  `json:"method" binding:"required"`
	Confidence  float64 `json:"confidence" binding:"required"`
	HorizonDays int     `json:"horizon_days"`
	Scenarios   int     `json:"scenarios"`
	Seed        int64   `json:"seed"`
}

func (s *Server) handleComputeRisk(c *gin.Context) {
	var req computeRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snapshot, err := s.riskEngine.Compute(c.Request.Context(), c.Param("portfolio"), risk.Request{
		Method:      models.VaRMethod(req.Method),
		Confidence:  req.Confidence,
		HorizonDays: req.HorizonDays,
		Scenarios:   req.Scenarios,
		Seed:        req.Seed,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleStressTest(c *gin.Context) {
	var scenarios []risk.StressScenario
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&scenarios); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	result, err := s.riskEngine.StressTest(c.Request.Context(), scenarios...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
