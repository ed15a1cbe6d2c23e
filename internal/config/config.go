package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DBDSN    string
	HTTPAddr string
	LogLevel string
	RedisDSN string

	// raw secrets kept in-memory only; never log these
	CronSecret        string
	AdminSecretKey    string
	ResendAPIKey      string
	EncryptionKeysRaw string
	EncryptionKey     []byte // decoded from EncryptionKeysRaw
	CORSOrigins       []string

	MailFrom        string
	EngineInterval  int     // minutes between passes (worker)
	EngineWorkers   int     // concurrent (trigger, user) units per pass
	EngineMailRate  float64 // outbound emails per second
	StuckAfterHours int     // pending nudges older than this are reported stuck

	// event archive (R2/S3)
	R2Endpoint         string
	R2Bucket           string
	R2KeysRaw          string
	EventRetentionDays int
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:          os.Getenv("DB_DSN"),
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
		RedisDSN:       getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		CronSecret:     os.Getenv("CRON_SECRET"),
		AdminSecretKey: getenvDefault("ADMIN_SECRET_KEY", ""),
		ResendAPIKey:   os.Getenv("RESEND_API_KEY"),
		MailFrom:       getenvDefault("MAIL_FROM", "Trial Engine <noreply@trialengine.dev>"),
		R2Endpoint:     getenvDefault("R2_ENDPOINT", ""),
		R2Bucket:       getenvDefault("R2_BUCKET", ""),
		R2KeysRaw:      os.Getenv("R2_KEYS"),
	}

	cfg.EncryptionKeysRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}
	if cfg.CronSecret == "" {
		return Config{}, errors.New("missing CRON_SECRET")
	}

	cfg.EngineInterval = getenvInt("ENGINE_INTERVAL_MINUTES", 5)
	if cfg.EngineInterval < 1 {
		return Config{}, errors.New("ENGINE_INTERVAL_MINUTES must be >= 1")
	}
	cfg.EngineWorkers = getenvInt("ENGINE_CONCURRENCY", 16)
	cfg.EngineMailRate = getenvFloat("ENGINE_MAIL_RATE", 10)
	cfg.StuckAfterHours = getenvInt("STUCK_AFTER_HOURS", 6)
	cfg.EventRetentionDays = getenvInt("EVENT_RETENTION_DAYS", 90)

	// light validation: ensure secrets are valid json if set
	if cfg.R2KeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.R2KeysRaw), &tmp); err != nil {
			return Config{}, errors.New("R2_KEYS must be valid json")
		}
	}

	// decode encryption key (base64, must be 32 bytes)
	if cfg.EncryptionKeysRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeysRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		// SDK snippets run in the browser, so ingestion defaults to open CORS
		cfg.CORSOrigins = []string{"*"}
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}
