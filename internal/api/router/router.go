package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshvale/storesync/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint: degraded dependencies surface as 503 so the
	// orchestrator stops routing webhooks here.
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		dbStatus := "up"
		if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = "down"
		}
		mqStatus := "up"
		if !deps.RabbitClient.IsConnected() {
			status = http.StatusServiceUnavailable
			mqStatus = "down"
		}
		c.JSON(status, gin.H{
			"service":  "sync-api-service",
			"database": dbStatus,
			"rabbitmq": mqStatus,
		})
	})

	// Initialize handlers
	webhookHandler := handler.NewWebhookHandler(deps)
	adminHandler := handler.NewAdminHandler(deps)
	localHandler := handler.NewLocalHandler(deps)

	// Webhook ingestion: signature-authenticated, outside the API group.
	r.POST("/webhooks", webhookHandler.Receive)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		{
			jobs := sync.Group("/jobs")
			{
				// GET /api/v1/sync/jobs - List jobs with filtering and pagination
				jobs.GET("", adminHandler.ListJobs)

				// GET /api/v1/sync/jobs/stats - Job counts per status
				jobs.GET("/stats", adminHandler.JobStats)

				// GET /api/v1/sync/jobs/:job_id - Get job details
				jobs.GET("/:job_id", adminHandler.GetJob)

				// POST /api/v1/sync/jobs/:job_id/retry - Re-enqueue a terminal failure
				jobs.POST("/:job_id/retry", adminHandler.RetryJob)
			}

			// GET /api/v1/sync/mappings - List identity mappings
			sync.GET("/mappings", adminHandler.ListMappings)

			// POST /api/v1/sync/reconcile - Trigger a reconcile sweep
			sync.POST("/reconcile", adminHandler.TriggerReconcile)

			// GET /api/v1/sync/reconcile - Last sweep report per entity type
			sync.GET("/reconcile", adminHandler.ReconcileStatus)
		}

		local := v1.Group("/local")
		{
			// GET /api/v1/local/:entity_type/:local_ref - Read a local record
			local.GET("/:entity_type/:local_ref", localHandler.GetRecord)

			// PUT /api/v1/local/:entity_type/:local_ref - Write a local record
			local.PUT("/:entity_type/:local_ref", localHandler.UpsertRecord)

			// DELETE /api/v1/local/:entity_type/:local_ref - Delete a local record
			local.DELETE("/:entity_type/:local_ref", localHandler.DeleteRecord)
		}
	}

	return r
}
