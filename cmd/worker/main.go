package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trial-engine/internal/config"
	"trial-engine/internal/db"
	"trial-engine/internal/engine"
	"trial-engine/internal/logging"
	"trial-engine/internal/mailer"
	"trial-engine/internal/store"
	"trial-engine/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_worker", "service", "trial-engine-worker", "interval_minutes", cfg.EngineInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry)
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	st := store.New(logger, dbConn, cfg.EncryptionKey)

	eng := engine.New(logger, st, mailer.FromConfig(logger, cfg.ResendAPIKey, cfg.MailFrom), engine.Options{
		Workers:  cfg.EngineWorkers,
		MailRate: cfg.EngineMailRate,
	})

	// Stuck-pending reconciliation (report only, never retries)
	reconcile := engine.NewReconcileJob(logger, st, time.Duration(cfg.StuckAfterHours)*time.Hour)
	go reconcile.Start()

	// Event archive to R2 (or simulator when unconfigured)
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

	interval := time.Duration(cfg.EngineInterval) * time.Minute
	passTimeout := interval
	if passTimeout > 10*time.Minute {
		passTimeout = 10 * time.Minute
	}

	runPass := func() {
		passCtx, passCancel := context.WithTimeout(ctx, passTimeout)
		defer passCancel()
		if _, err := eng.RunOnce(passCtx); err != nil {
			logger.Error("cron_pass_failed", "error", err)
		}
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("worker_started")

	// Run immediately on start
	runPass()

	for {
		select {
		case <-ticker.C:
			runPass()
		case <-stop:
			logger.Info("shutting_down")
			cancel()

			reconcile.Stop()
			archive.Stop()
			logger.Info("background_jobs_stopped")

			dbConn.Close()
			logger.Info("db_closed")

			logger.Info("worker_stopped")
			return
		}
	}
}
