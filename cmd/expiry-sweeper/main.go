package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/appointment"
	"github.com/careloop/telehealth-engine/internal/billing"
	"github.com/careloop/telehealth-engine/internal/config"
	"github.com/careloop/telehealth-engine/internal/db"
	"github.com/careloop/telehealth-engine/internal/logger"
	"github.com/careloop/telehealth-engine/internal/notify"
	redisclient "github.com/careloop/telehealth-engine/internal/redis"
	"github.com/careloop/telehealth-engine/internal/rooms"
	"github.com/careloop/telehealth-engine/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("expiry-sweeper starting",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("emergency_max_age", cfg.EmergencyMaxAge),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	// The sweeper never books or provisions rooms; those dependencies are
	// inert here.
	engine := appointment.NewEngine(
		appointment.NewPgRepository(pgPool),
		wallet.NewPgLedger(pgPool, log),
		billing.NewPgRepository(pgPool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		rooms.NewHTTPProvisioner("", ""),
		notify.NoopPublisher{},
		db.NewTxRunner(pgPool),
		cfg,
		log,
	)

	runOnce(rootCtx, engine, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping expiry sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, engine, log)
		}
	}
}

func runOnce(ctx context.Context, engine *appointment.Engine, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	report, err := engine.SweepExpired(runCtx)
	if err != nil {
		log.Error("sweep run failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Duration("took", time.Since(start)),
		zap.Int("total", report.Total()),
		zap.Int("doctors_deactivated", report.DoctorsDeactivated),
	}
	for modality, counts := range report.Counts {
		fields = append(fields,
			zap.Int(string(modality)+"_expired", counts.Expired),
			zap.Int(string(modality)+"_completed", counts.Completed),
			zap.Int(string(modality)+"_unattended", counts.Unattended),
		)
	}
	log.Info("sweep run complete", fields...)
}
