package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const cronPassTimeout = 4 * time.Minute

// runTriggers is the entry point for the external clock. The token check
// happens before anything else touches state; a bad token has zero side
// effects.
func (s *Server) runTriggers(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "unauthorized", "message": "invalid cron token"},
		})
		return
	}

	// The pass budget is longer than the request timeout helper; overlapping
	// invocations are safe, so a slow pass is tolerable.
	ctx, cancel := context.WithTimeout(c.Request.Context(), cronPassTimeout)
	defer cancel()

	summary, err := s.engine.RunOnce(ctx)
	if err != nil {
		s.log.Error("cron_pass_aborted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "trigger_error", "message": "failed to load triggers"},
		})
		return
	}

	s.publishSummary(summary)

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"summary": summary,
	})
}

// publishSummary keeps the last pass result in redis so dashboards can read
// it without hitting Postgres.
func (s *Server) publishSummary(summary any) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Set(ctx, "cron:last_summary", string(data), 24*time.Hour); err != nil {
		s.log.Warn("summary_publish_failed", "error", err)
	}
}
