package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/amanahenergy/etrm/internal/audit"
	"github.com/amanahenergy/etrm/internal/compliance"
	"github.com/amanahenergy/etrm/internal/config"
	"github.com/amanahenergy/etrm/internal/credit"
	"github.com/amanahenergy/etrm/internal/lifecycle"
	"github.com/amanahenergy/etrm/internal/marketdata"
	"github.com/amanahenergy/etrm/internal/position"
	"github.com/amanahenergy/etrm/internal/repository"
	"github.com/amanahenergy/etrm/internal/risk"
	"github.com/amanahenergy/etrm/internal/server"
	"github.com/amanahenergy/etrm/internal/settlement"
	"github.com/amanahenergy/etrm/pkg/logger"
	"github.com/amanahenergy/etrm/pkg/models"
)

// windowDelivery confirms delivery once the contract window has closed.
// Physical confirmation feeds would replace this in production wiring.
type windowDelivery struct{}

func (windowDelivery) DeliveryConfirmed(ctx context.Context, trade *models.Trade) (bool, error) {
	return time.Now().After(trade.DeliveryEnd), nil
}

// autoGateway acknowledges payment immediately. A bank or clearing
// integration slots in behind the same interface.
type autoGateway struct{}

func (autoGateway) PaymentConfirmed(ctx context.Context, invoice *models.Invoice) (bool, error) {
	return true, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger := logger.New(cfg.Log.Level)
	defer zapLogger.Sync()

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		zapLogger.Fatal("failed to open stores", zap.Error(err))
	}
	defer closeStores()

	ledger := audit.NewLedger(stores.Audit, logger.Named(zapLogger, "audit"))

	// Market data: Redis quotes first when configured, static fallback last.
	static := marketdata.NewStaticSource()
	var markSource marketdata.MarkSource = static
	var rateSource marketdata.RateSource = static
	if cfg.Redis.Enabled {
		redisSource := marketdata.NewRedisSource(cfg.Redis.Address)
		defer redisSource.Close()
		mdLogger := logger.Named(zapLogger, "marketdata")
		markSource = marketdata.NewMarkChain(mdLogger, redisSource, static)
		rateSource = marketdata.NewRateChain(mdLogger, redisSource, static)
	}

	ruleset := compliance.DefaultRuleset(cfg.Compliance.Jurisdiction)
	if start, ok := cfg.Compliance.RamadanStartTime(); ok {
		ruleset.Sharia.RamadanStart = start
		ruleset.Sharia.RamadanDays = cfg.Compliance.RamadanDays
		ruleset.Sharia.RamadanBlackoutDays = cfg.Compliance.BlackoutDays
	}
	gate := compliance.NewGate(
		compliance.NewStaticRuleProvider(ruleset),
		stores.Compliance,
		cfg.Compliance.ProviderTimeout,
		logger.Named(zapLogger, "compliance"),
	)

	creditMgr := credit.NewManager(stores.Credit, stores.Trades, rateSource, ledger, logger.Named(zapLogger, "credit"))
	positions := position.NewManager(stores.Positions, markSource, cfg.Risk.Workers, logger.Named(zapLogger, "position"))
	riskEngine := risk.NewEngine(positions, static, stores.Risk, ledger, cfg.Risk.Workers, logger.Named(zapLogger, "risk"))

	proc := settlement.NewProcessor(
		windowDelivery{}, autoGateway{}, rateSource, stores.Invoices,
		settlement.RetryPolicy{
			MaxAttempts: cfg.Settlement.MaxAttempts,
			BaseBackoff: cfg.Settlement.BaseBackoff,
			MaxBackoff:  cfg.Settlement.MaxBackoff,
		},
		cfg.Settlement.Currency,
		logger.Named(zapLogger, "settlement"),
	)

	var bus lifecycle.EventBus = lifecycle.NewLogEventBus(logger.Named(zapLogger, "events"))
	if cfg.Kafka.Enabled {
		kafkaBus := lifecycle.NewKafkaEventBus(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named(zapLogger, "events"))
		defer kafkaBus.Close()
		bus = kafkaBus
	}

	controller := lifecycle.NewController(
		stores.Trades, gate, creditMgr, positions, proc, ledger,
		bus, lifecycle.NewMetrics(prometheus.DefaultRegisterer),
		cfg.Compliance.Jurisdiction,
		logger.Named(zapLogger, "lifecycle"),
	)

	scheduler := startScheduler(cfg, positions, riskEngine, zapLogger)
	defer scheduler.Stop()

	srv := server.NewServer(
		logger.Named(zapLogger, "http"),
		stores, controller, creditMgr, positions, riskEngine, ledger,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
}

func openStores(cfg *config.Config) (repository.Stores, func(), error) {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
		store, err := repository.OpenGorm(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return repository.Stores{}, nil, err
		}
		return store.Stores(), func() {}, nil
	default:
		return repository.NewMemoryStore().Stores(), func() {}, nil
	}
}

func startScheduler(cfg *config.Config, positions *position.Manager, riskEngine *risk.Engine, zapLogger *zap.Logger) *cron.Cron {
	scheduler := cron.New()
	schedLogger := logger.Named(zapLogger, "schedule")

	if _, err := scheduler.AddFunc(cfg.Schedule.MTMCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := positions.MarkToMarket(ctx); err != nil {
			schedLogger.Error("scheduled mark-to-market failed", zap.Error(err))
		}
	}); err != nil {
		schedLogger.Fatal("invalid mtm cron expression", zap.Error(err))
	}

	if _, err := scheduler.AddFunc(cfg.Schedule.RiskCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, err := riskEngine.Compute(ctx, "book", risk.Request{
			Method:     models.VaRMonteCarlo,
			Confidence: cfg.Risk.Confidence,
			Scenarios:  cfg.Risk.Scenarios,
			Seed:       time.Now().Unix(),
		})
		if err != nil {
			schedLogger.Error("scheduled risk run failed", zap.Error(err))
		}
	}); err != nil {
		schedLogger.Fatal("invalid risk cron expression", zap.Error(err))
	}

	scheduler.Start()
	return scheduler
}
