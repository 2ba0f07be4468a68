package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 3 * time.Second

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		checks := make(gin.H, len(deps.HealthChecks))
		for _, hc := range deps.HealthChecks {
			if err := hc.Check(ctx); err != nil {
				deps.Logger.Warn("Health check failed",
					slog.String("dependency", hc.Name),
					slog.String("error", err.Error()),
				)
				checks[hc.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[hc.Name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":  state,
			"service": deps.ServiceName,
			"checks":  checks,
		})
	}
}
