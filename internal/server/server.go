// Package server exposes the trading book over HTTP: trade capture and
// lifecycle transitions, plus read endpoints for positions, credit, risk and
// the audit trail.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/audit"
	"github.com/amanahenergy/etrm/internal/credit"
	"github.com/amanahenergy/etrm/internal/lifecycle"
	"github.com/amanahenergy/etrm/internal/position"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/internal/risk"
)

// Server holds the services the HTTP handlers call into.
type Server struct {
	logger     *zap.Logger
	stores     repository.Stores
	controller *lifecycle.Controller
	creditMgr  *credit.Manager
	positions  *position.Manager
	riskEngine *risk.Engine
	ledger     *audit.Ledger
}

// NewServer creates the HTTP server.
func NewServer(
	logger *zap.Logger,
	stores repository.Stores,
	controller *lifecycle.Controller,
	creditMgr *credit.Manager,
	positions *position.Manager,
	riskEngine *risk.Engine,
	ledger *audit.Ledger,
) *Server {
	return &Server{
		logger:     logger,
		stores:     stores,
		controller: controller,
		creditMgr:  creditMgr,
		positions:  positions,
		riskEngine: riskEngine,
		ledger:     ledger,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			trades := v1.Group("/trades")
			{
				trades.POST("", s.handleCaptureTrade)
				trades.GET("", s.handleListTrades)
				trades.GET("/:id", s.handleGetTrade)
				trades.POST("/:id/transitions", s.handleAdvanceTrade)
				trades.POST("/:id/cancel", s.handleCancelTrade)
				trades.GET("/:id/audit", s.handleTradeAudit)
				trades.GET("/:id/invoice", s.handleTradeInvoice)
				trades.GET("/:id/compliance", s.handleTradeCompliance)
			}

			v1.GET("/positions", s.handleListPositions)

			creditGroup := v1.Group("/credit")
			{
				creditGroup.GET("/limits", s.handleListLimits)
				creditGroup.GET("/limits/:counterparty_id", s.handleGetLimit)
				creditGroup.PUT("/limits/:counterparty_id", s.handleSetLimit)
			}

			riskGroup := v1.Group("/risk")
			{
				riskGroup.GET("/:portfolio/latest", s.handleLatestSnapshot)
				riskGroup.POST("/:portfolio/compute", s.handleComputeRisk)
				riskGroup.POST("/:portfolio/stress", s.handleStressTest)
			}
		}
	}

	return router
}

// Run starts the server on the given address, blocking until it exits.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.Router().Run(addr)
}
