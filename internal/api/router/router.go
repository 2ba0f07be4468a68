package router

import (
	"github.com/cuongbtq/face-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(deps))

	sessionHandler := handler.NewSessionHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			// POST /api/v1/sessions - Create a session
			sessions.POST("", sessionHandler.CreateSession)

			// POST /api/v1/sessions/:id/images - Upload images into a session
			sessions.POST("/:id/images", sessionHandler.UploadImages)

			// GET /api/v1/sessions/:id/summary - Get the encoding summary of a session
			sessions.GET("/:id/summary", sessionHandler.GetSummary)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List ledger rows with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get one job
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
