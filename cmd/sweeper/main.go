package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fulfillment-engine/internal/config"
	"fulfillment-engine/internal/core"
	"fulfillment-engine/internal/db"
	"fulfillment-engine/internal/logging"
	"fulfillment-engine/internal/notify"
)

// The background sweep daemon: periodically flags ACTIVE sessions with stale
// heartbeats as SIGNAL_LOST and deletes SIGNAL_LOST sessions past the
// abandonment age. Both sweeps are idempotent and safe to run alongside live
// sessions and other sweeper instances.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	var notifier core.Notifier = core.NopNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(logger, cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kn.Close()
		notifier = kn
	}

	ledger := core.NewStockLedger(pool, logger)
	shipments := core.NewShipmentService(pool, ledger, notifier, logger)

	logger.Info("sweeper started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("heartbeat_threshold", cfg.HeartbeatThreshold),
		zap.Duration("abandon_after", cfg.AbandonAfter),
	)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			sweep(ctx, logger, shipments, cfg.HeartbeatThreshold, cfg.AbandonAfter)
		}
	}
}

func sweep(ctx context.Context, logger *zap.Logger, shipments core.ShipmentService, threshold, maxAge time.Duration) {
	flagged, err := shipments.DetectLostSignal(ctx, threshold)
	if err != nil {
		logger.Error("lost-signal sweep failed", zap.Error(err))
	} else if flagged > 0 {
		logger.Info("lost-signal sweep complete", zap.Int("flagged", flagged))
	}

	deleted, err := shipments.CleanupAbandoned(ctx, maxAge)
	if err != nil {
		logger.Error("abandoned-session sweep failed", zap.Error(err))
	} else if deleted > 0 {
		logger.Info("abandoned-session sweep complete", zap.Int("deleted", deleted))
	}
}
