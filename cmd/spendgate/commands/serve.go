package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amerfu/spendgate/internal/config"
	"github.com/amerfu/spendgate/internal/logger"
	"github.com/amerfu/spendgate/internal/metrics"
	"github.com/amerfu/spendgate/internal/ops"
	"github.com/amerfu/spendgate/internal/services/ledger"
	"github.com/amerfu/spendgate/pkg/events"
	"github.com/amerfu/spendgate/pkg/spendgate"
)

const pricingFetchTimeout = 30 * time.Second

// NewServeCommand runs the ops server around a configured pipeline.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops server",
		Long: `Assembles the pipeline from config.yaml and environment overrides and
serves the read-only operations API: health, stats, pricing, audit
exports, the live event stream and prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	mwCfg := cfg.Middleware()
	mwCfg.Logger = log
	mw, err := spendgate.New(mwCfg)
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	defer func() { _ = mw.Close() }()

	metrics.SetReservationSource(func() float64 {
		return mw.Stats().Budget.TotalReserved
	})
	defer metrics.SetReservationSource(nil)

	// Mirror ledger entries into postgres when a database is configured.
	// The in-memory ledger keeps working either way.
	if cfg.Database.URL != "" {
		store, err := openLedgerStore(cfg.Database.URL, mw.Bus(), log)
		if err != nil {
			log.Warn("Durable ledger disabled", zap.Error(err))
		} else {
			unsubscribe := mw.Bus().Subscribe(events.LedgerEntry, func(evt events.Event) {
				p, ok := evt.Payload.(events.LedgerPayload)
				if !ok {
					return
				}
				store.Enqueue(ledger.Entry{
					Timestamp:    evt.Time,
					Model:        p.Model,
					User:         p.UserID,
					Feature:      p.Feature,
					InputTokens:  p.PromptTokens,
					OutputTokens: p.CompletionTokens,
					ActualCost:   p.CostUSD,
					SavedCost:    p.SavedUSD,
					Savings:      p.Savings,
				})
			})
			defer func() {
				unsubscribe()
				_ = store.Close()
			}()
			log.Info("Durable ledger enabled")
		}
	}

	if cfg.Pricing.URL != "" {
		refreshPricing(mw, cfg, log)
		if cfg.Pricing.Refresh > 0 {
			stop := startPricingRefresh(mw, cfg, log)
			defer stop()
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      ops.NewRouter(cfg, log, mw),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Ops server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Ops server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Shutdown complete")
	return nil
}

func openLedgerStore(dsn string, bus *events.Bus, log *zap.Logger) (*ledger.Store, error) {
	gormLog := gormlogger.New(logger.NewGormLogger(log), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      gormLog,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// A single writer goroutine drains the queue; a small pool suffices.
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return ledger.NewStore(db, bus, log)
}

func refreshPricing(mw *spendgate.Middleware, cfg *config.Config, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), pricingFetchTimeout)
	defer cancel()

	updated, added, err := mw.FetchPricing(ctx, cfg.Pricing.URL, false, cfg.Pricing.AllowedHosts...)
	if err != nil {
		log.Warn("Pricing refresh failed", zap.Error(err))
		return
	}
	log.Info("Pricing refreshed",
		zap.Int("updated", updated),
		zap.Int("added", added))
}

func startPricingRefresh(mw *spendgate.Middleware, cfg *config.Config, log *zap.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Pricing.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				refreshPricing(mw, cfg, log)
			}
		}
	}()
	return func() { close(done) }
}
