package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trial-engine/internal/api"
	"trial-engine/internal/config"
	"trial-engine/internal/db"
	"trial-engine/internal/engine"
	"trial-engine/internal/ingest"
	"trial-engine/internal/logging"
	"trial-engine/internal/mailer"
	"trial-engine/internal/redis"
	"trial-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_api", "service", "trial-engine-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL
	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Connect to Redis
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(logger, dbConn, cfg.EncryptionKey)

	buffer := ingest.NewBuffer(logger, st)
	buffer.Start()

	// The cron endpoint drives the engine, so the API binary carries it too.
	eng := engine.New(logger, st, mailer.FromConfig(logger, cfg.ResendAPIKey, cfg.MailFrom), engine.Options{
		Workers:  cfg.EngineWorkers,
		MailRate: cfg.EngineMailRate,
	})

	srv := api.NewServer(logger, cfg, st, redisClient, buffer, eng)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_started", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// parar de aceitar novas requisições http
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	// descarregar eventos pendentes
	buffer.Stop()
	logger.Info("event_buffer_stopped")

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("api_stopped")
}
