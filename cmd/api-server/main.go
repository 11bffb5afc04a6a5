package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/careloop/telehealth-engine/internal/api"
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

const version = "0.3.0"

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

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	log.Info("api-server starting",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
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

	var notifier notify.Publisher = notify.NoopPublisher{}
	if cfg.AMQPURL != "" {
		conn, err := amqp091.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatal("amqp connection error", zap.Error(err))
		}
		defer conn.Close()
		pub, err := notify.NewAMQPPublisher(conn, cfg.NotifyQueue, log)
		if err != nil {
			log.Fatal("amqp publisher error", zap.Error(err))
		}
		notifier = pub
		log.Info("connected to AMQP", zap.String("queue", cfg.NotifyQueue))
	} else {
		log.Warn("AMQP_URL not set, notifications disabled")
	}

	engine := appointment.NewEngine(
		appointment.NewPgRepository(pgPool),
		wallet.NewPgLedger(pgPool, log),
		billing.NewPgRepository(pgPool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		rooms.NewHTTPProvisioner(cfg.RoomServiceURL, cfg.RoomServiceToken),
		notifier,
		db.NewTxRunner(pgPool),
		cfg,
		log,
	)

	router := api.NewRouter(api.RouterConfig{
		Engine:    engine,
		PgPool:    pgPool,
		Redis:     rdb,
		JWTSecret: cfg.JWTSecret,
		Env:       cfg.Env,
		Version:   version,
		Log:       log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("api-server stopped")
}
