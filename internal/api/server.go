package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trial-engine/internal/config"
	"trial-engine/internal/engine"
	"trial-engine/internal/ingest"
	"trial-engine/internal/redis"
	"trial-engine/internal/store"
)

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	store  *store.Store
	redis  *redis.Client
	buffer *ingest.Buffer
	engine *engine.Engine
	router *gin.Engine
}

func NewServer(log *slog.Logger, cfg config.Config, st *store.Store, redisClient *redis.Client, buffer *ingest.Buffer, eng *engine.Engine) *Server {
	s := &Server{
		log:    log,
		cfg:    cfg,
		store:  st,
		redis:  redisClient,
		buffer: buffer,
		engine: eng,
		router: gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// public ingestion (called by the customer's product via the SDK snippet)
		v1.POST("/identify", s.identify)
		v1.POST("/track", s.track)

		// external clock entry point
		v1.GET("/cron/run-triggers", s.runTriggers)

		v1.GET("/health", s.health)

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/projects", s.createProject)
			admin.GET("/projects", s.listProjects)
			admin.POST("/projects/:id/triggers", s.createTrigger)
			admin.GET("/projects/:id/triggers", s.listTriggers)
			admin.PATCH("/triggers/:id", s.setTriggerActive)
			admin.GET("/projects/:id/nudges", s.listNudges)
			admin.GET("/nudges/stuck", s.listStuckNudges)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
