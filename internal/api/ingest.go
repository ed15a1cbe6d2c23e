package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trial-engine/internal/models"
	"trial-engine/internal/security"
)

type identifyRequest struct {
	ProjectKey string `json:"projectKey"`
	UserID     string `json:"userId"`
	Email      string `json:"email"`
}

type trackRequest struct {
	ProjectKey string         `json:"projectKey"`
	UserID     string         `json:"userId"`
	EventName  string         `json:"eventName"`
	Properties map[string]any `json:"properties"`
}

// identify registers or refreshes a trial user. First contact sets
// first_seen_at; every call bumps last_seen_at.
func (s *Server) identify(c *gin.Context) {
	var req identifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectKey == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "projectKey and userId are required"},
		})
		return
	}
	if err := security.ValidateExternalID(req.UserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_user_id", "message": err.Error()},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	project, err := s.projectByKey(ctx, req.ProjectKey)
	if err != nil {
		s.log.Warn("project_lookup_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "project lookup failed"},
		})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "project_not_found", "message": "project not found"},
		})
		return
	}

	var email *string
	if e := strings.TrimSpace(req.Email); e != "" {
		email = &e
	}

	if _, err := s.store.UpsertTrialUser(ctx, project.ID, req.UserID, email, time.Now().UTC()); err != nil {
		s.log.Warn("trial_user_upsert_failed", "project_id", project.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to record user"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// track is identify plus a raw event, buffered for batch insert.
func (s *Server) track(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectKey == "" || req.UserID == "" || req.EventName == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "projectKey, userId and eventName are required"},
		})
		return
	}
	if err := security.ValidateExternalID(req.UserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_user_id", "message": err.Error()},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	project, err := s.projectByKey(ctx, req.ProjectKey)
	if err != nil {
		s.log.Warn("project_lookup_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "project lookup failed"},
		})
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "project_not_found", "message": "project not found"},
		})
		return
	}

	now := time.Now().UTC()
	user, err := s.store.UpsertTrialUser(ctx, project.ID, req.UserID, nil, now)
	if err != nil {
		s.log.Warn("trial_user_upsert_failed", "project_id", project.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to record user"},
		})
		return
	}

	s.buffer.Enqueue(models.Event{
		ProjectID:   project.ID,
		TrialUserID: user.ID,
		EventName:   req.EventName,
		Properties:  req.Properties,
		CreatedAt:   now,
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// projectByKey resolves a project from its public key, with a short redis
// cache in front of Postgres since every SDK call pays this lookup.
func (s *Server) projectByKey(ctx context.Context, publicKey string) (*models.Project, error) {
	cacheKey := fmt.Sprintf("project:pk:%s", publicKey)

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			var p models.Project
			if err := json.Unmarshal([]byte(cached), &p); err == nil {
				return &p, nil
			}
		}
	}

	project, err := s.store.GetProjectByPublicKey(ctx, publicKey)
	if err != nil || project == nil {
		return project, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(project); err == nil {
			_ = s.redis.Set(ctx, cacheKey, string(data), 5*time.Minute)
		}
	}
	return project, nil
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbStatus := "connected"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "error"
	}

	redisStatus := "not_configured"
	if s.redis != nil {
		redisStatus = "connected"
		if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"database":       dbStatus,
		"redis":          redisStatus,
		"events_pending": s.buffer.Pending(),
	})
}
