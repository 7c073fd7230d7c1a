package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/database"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// handleHealth reports service health. Unauthenticated so probes and
// load balancers can reach it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	details := gin.H{}

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db)
		details["database"] = dbHealth
		if err != nil {
			healthy = false
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health(ctx)
		details["worker_pool"] = poolHealth
		if !poolHealth.IsHealthy {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"service":      "tarsy",
		"status":       status,
		"timestamp_us": models.NowUS(),
		"details":      details,
	})
}
