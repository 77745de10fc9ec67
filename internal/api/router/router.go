package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/replywatch/internal/api/handler"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes.
// checks are the named dependencies /health probes.
func SetupRouter(deps *handler.Dependencies, checks map[string]HealthChecker) *gin.Engine {
	handler.RegisterValidators()

	r := gin.New()

	// Middleware
	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				deps.Logger.Warn("Health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				results[name] = "down"
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		c.JSON(code, gin.H{
			"status":       status,
			"service":      "replywatch-api",
			"dependencies": results,
		})
	})

	h := handler.New(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/detections - Queue detection for a sent email
		v1.POST("/detections", h.QueueDetection)

		users := v1.Group("/users/:user_id")
		{
			users.GET("/stats", h.GetStats)
			users.GET("/dead-letters", h.ListDeadLetters)
			users.GET("/anomalies", h.ListAnomalies)
			users.POST("/reconciliations", h.RunReconciliation)
		}

		// POST /api/v1/dead-letters/:job_id/review - Apply a review action
		v1.POST("/dead-letters/:job_id/review", h.ReviewDeadLetter)

		// POST /api/v1/jobs/:job_id/dead-letter - Operator dead-letter override
		v1.POST("/jobs/:job_id/dead-letter", h.ForceDeadLetter)
	}

	return r
}
