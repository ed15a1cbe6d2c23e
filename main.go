package main

import (
	"context"
	"encoding/json"
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
	"trial-engine/internal/storage"
	"trial-engine/internal/store"
)

// Binário all-in-one: API + passes periódicos + jobs de manutenção.
// Para deploys separados use cmd/api e cmd/worker.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "trial-engine", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "err", err.Error())
		os.Exit(1)
	}
	defer dbConn.Close()

	// connect to redis
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(logger, dbConn, cfg.EncryptionKey)

	buffer := ingest.NewBuffer(logger, st)
	buffer.Start()

	eng := engine.New(logger, st, mailer.FromConfig(logger, cfg.ResendAPIKey, cfg.MailFrom), engine.Options{
		Workers:  cfg.EngineWorkers,
		MailRate: cfg.EngineMailRate,
	})

	reconcile := engine.NewReconcileJob(logger, st, time.Duration(cfg.StuckAfterHours)*time.Hour)
	go reconcile.Start()

	// archive de eventos para R2 (simulador quando nao configurado)
	var objectStore storage.ObjectStore
	if cfg.R2Endpoint != "" && cfg.R2Bucket != "" {
		var r2Keys map[string]string
		if err := json.Unmarshal([]byte(cfg.R2KeysRaw), &r2Keys); err == nil {
			s3Client, err := storage.NewS3Client(storage.S3Config{
				Endpoint:        cfg.R2Endpoint,
				AccessKeyID:     r2Keys["access_key_id"],
				SecretAccessKey: r2Keys["secret_access_key"],
				Bucket:          cfg.R2Bucket,
				PublicURL:       r2Keys["public_url"],
				Region:          "auto",
			})
			if err == nil {
				objectStore = s3Client
				logger.Info("using_s3_storage", "endpoint", cfg.R2Endpoint)
			}
		}
	}
	if objectStore == nil {
		objectStore = storage.NewSimulator(cfg.R2Bucket, cfg.R2Endpoint)
		logger.Info("using_storage_simulator")
	}
	archive := storage.NewArchiveJob(logger, st, objectStore, cfg.EventRetentionDays)
	go archive.Start()

	// loop interno de passes; o endpoint de cron continua disponível para
	// agendadores externos
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		interval := time.Duration(cfg.EngineInterval) * time.Minute
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				passCtx, passCancel := context.WithTimeout(ctx, interval)
				if _, err := eng.RunOnce(passCtx); err != nil {
					logger.Error("cron_pass_failed", "error", err)
				}
				passCancel()
			case <-ctx.Done():
				return
			}
		}
	}()

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

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// parar loop de passes e jobs
	cancel()
	<-engineDone
	reconcile.Stop()
	archive.Stop()
	logger.Info("background_jobs_stopped")

	// parar de aceitar novas requisicoes http
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

	logger.Info("service_stopped")
}
