package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"trial-engine/internal/models"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "name is required"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	project, err := s.store.CreateProject(ctx, strings.TrimSpace(req.Name))
	if err != nil {
		s.log.Warn("project_create_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to create project"},
		})
		return
	}

	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.log.Warn("project_list_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to list projects"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

type createTriggerRequest struct {
	Type         string `json:"type"`
	Hours        *int   `json:"hours"`
	EmailSubject string `json:"email_subject"`
	EmailBody    string `json:"email_body"`
	Active       *bool  `json:"active"`
}

func (s *Server) createTrigger(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_project_id", "message": "project id must be a uuid"},
		})
		return
	}

	var req createTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" || req.EmailSubject == "" || req.EmailBody == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "type, email_subject and email_body are required"},
		})
		return
	}
	if req.Hours != nil && *req.Hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_params", "message": "hours must be positive"},
		})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	trg, err := s.store.CreateTrigger(ctx, models.Trigger{
		ProjectID:    projectID,
		Type:         req.Type,
		Active:       active,
		Params:       models.TriggerParams{Hours: req.Hours},
		EmailSubject: req.EmailSubject,
		EmailBody:    req.EmailBody,
	})
	if err != nil {
		s.log.Warn("trigger_create_failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to create trigger"},
		})
		return
	}

	c.JSON(http.StatusCreated, trg)
}

func (s *Server) listTriggers(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_project_id", "message": "project id must be a uuid"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	triggers, err := s.store.ListTriggersByProject(ctx, projectID)
	if err != nil {
		s.log.Warn("trigger_list_failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to list triggers"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"triggers": triggers})
}

type setTriggerActiveRequest struct {
	Active *bool `json:"active"`
}

// setTriggerActive flips a trigger on or off. There is deliberately no
// delete: nudge history keeps pointing at the trigger that caused it.
func (s *Server) setTriggerActive(c *gin.Context) {
	triggerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_trigger_id", "message": "trigger id must be a uuid"},
		})
		return
	}

	var req setTriggerActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "active is required"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.store.SetTriggerActive(ctx, triggerID, *req.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "trigger_not_found", "message": "trigger not found"},
			})
			return
		}
		s.log.Warn("trigger_update_failed", "trigger_id", triggerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to update trigger"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "active": *req.Active})
}

func (s *Server) listNudges(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_project_id", "message": "project id must be a uuid"},
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := s.ctx(c)
	defer cancel()

	nudges, err := s.store.ListNudgesByProject(ctx, projectID, limit)
	if err != nil {
		s.log.Warn("nudge_list_failed", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to list nudges"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"nudges": nudges})
}

// listStuckNudges is the reconciliation view: pending rows that should have
// reached a terminal status long ago. The engine never retries them; an
// operator decides what to do.
func (s *Server) listStuckNudges(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", strconv.Itoa(s.cfg.StuckAfterHours)))
	if err != nil || hours < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_parameter", "message": "hours must be a positive integer"},
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := s.ctx(c)
	defer cancel()

	olderThan := time.Now().Add(-time.Duration(hours) * time.Hour)
	nudges, err := s.store.ListStuckPendingNudges(ctx, olderThan, limit)
	if err != nil {
		s.log.Warn("stuck_nudge_list_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "server_error", "message": "failed to list stuck nudges"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"older_than_hours": hours,
		"count":            len(nudges),
		"nudges":           nudges,
	})
}
