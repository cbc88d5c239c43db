package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meshvale/storesync/internal/api/dto"
	"github.com/meshvale/storesync/internal/api/model"
	"github.com/meshvale/storesync/internal/api/storage"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/queue"
)

// AdminHandler serves the operator surface: job inspection and retry,
// identity-mapping reads and reconcile control.
type AdminHandler struct {
	logger    *slog.Logger
	jobs      JobQueue
	mappings  MappingReader
	reconcile ReconcileReader
	publisher WakePublisher
}

// NewAdminHandler creates a new AdminHandler instance
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	st := storage.NewStorage(deps.DBClient)
	return &AdminHandler{
		logger:    deps.Logger,
		jobs:      queue.NewStore(deps.DBClient, deps.Logger, deps.MaxRetries),
		mappings:  st,
		reconcile: st,
		publisher: deps.RabbitClient,
	}
}

// ListJobs handles GET /api/v1/sync/jobs
// Lists sync jobs with optional filtering and cursor pagination. With
// terminal_only=true this is the manual-remediation view: permanently
// failed jobs with their last_error.
func (h *AdminHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.EntityType != "" && !domain.ValidEntityType(req.EntityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := queue.ListFilter{
		Status:       req.Status,
		EntityType:   req.EntityType,
		Operation:    req.Operation,
		Origin:       req.Origin,
		TerminalOnly: req.TerminalOnly,
		// Fetch one extra to determine whether more results exist.
		Limit: req.PageSize + 1,
	}
	if cursor != nil {
		filter.CursorTime = cursor.CreatedAt
		filter.CursorID = cursor.ID
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeCursor(&Cursor{CreatedAt: last.CreatedAt, ID: last.JobID})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// GetJob handles GET /api/v1/sync/jobs/:job_id
func (h *AdminHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// RetryJob handles POST /api/v1/sync/jobs/:job_id/retry
// Re-enqueues a permanently failed job after manual remediation. Jobs still
// inside their retry budget are owned by the sweep and cannot be retried by
// hand, which keeps the two requeue paths from racing.
func (h *AdminHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.jobs.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, domain.ErrJobNotRetryable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job is not in a terminal failed state",
			})
		default:
			h.logger.Error("Failed to retry job", slog.String("job_id", jobID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry job",
			})
		}
		return
	}

	h.publishWake(c, jobID)

	h.logger.Info("Job re-enqueued by operator", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.RetryJobResponse{
		JobID:  jobID,
		Status: domain.JobStatusPending,
	})
}

// JobStats handles GET /api/v1/sync/jobs/stats
func (h *AdminHandler) JobStats(c *gin.Context) {
	counts, err := h.jobs.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	c.JSON(http.StatusOK, dto.JobStatsResponse{Counts: counts})
}

// ListMappings handles GET /api/v1/sync/mappings
func (h *AdminHandler) ListMappings(c *gin.Context) {
	var req dto.ListMappingsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.EntityType != "" && !domain.ValidEntityType(req.EntityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.MappingFilter{
		EntityType:      req.EntityType,
		IncludeArchived: req.IncludeArchived,
		PageSize:        req.PageSize,
	}
	if cursor != nil {
		filter.Cursor = &storage.MappingCursor{
			CreatedAt: cursor.CreatedAt,
			LocalRef:  cursor.ID,
		}
	}

	mappings, err := h.mappings.ListMappings(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list mappings", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list mappings",
		})
		return
	}

	hasMore := len(mappings) > req.PageSize
	if hasMore {
		mappings = mappings[:req.PageSize]
	}

	mappingResponse := make([]dto.MappingDTO, len(mappings))
	for i := range mappings {
		mappingResponse[i] = toMappingDTO(&mappings[i])
	}

	var nextCursor string
	if hasMore {
		last := mappings[len(mappings)-1]
		nextCursor, err = EncodeCursor(&Cursor{CreatedAt: last.CreatedAt, ID: last.LocalRef})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListMappingsResponse{
		Mappings:   mappingResponse,
		NextCursor: nextCursor,
	})
}

// TriggerReconcile handles POST /api/v1/sync/reconcile
// Publishes a sweep trigger for the worker; "all" fans out to every entity
// type. The sweep runs asynchronously, hence 202.
func (h *AdminHandler) TriggerReconcile(c *gin.Context) {
	var req dto.TriggerReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "entity_type is required",
		})
		return
	}

	if req.EntityType != "all" && !domain.ValidEntityType(req.EntityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	body, err := json.Marshal(queue.ReconcileMessage{EntityType: req.EntityType})
	if err != nil {
		h.logger.Error("Failed to encode reconcile trigger", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to encode trigger",
		})
		return
	}

	if err := h.publisher.PublishWithRetry(c.Request.Context(), queue.RoutingKeyReconcile, body, "application/json"); err != nil {
		h.logger.Error("Failed to publish reconcile trigger",
			slog.String("entity_type", req.EntityType),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to publish trigger",
		})
		return
	}

	h.logger.Info("Reconcile sweep triggered", slog.String("entity_type", req.EntityType))
	c.JSON(http.StatusAccepted, dto.TriggerReconcileResponse{
		EntityType: req.EntityType,
		Status:     "scheduled",
	})
}

// ReconcileStatus handles GET /api/v1/sync/reconcile
func (h *AdminHandler) ReconcileStatus(c *gin.Context) {
	states, err := h.reconcile.ListReconcileStates(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list reconcile states", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list reconcile states",
		})
		return
	}

	response := dto.ReconcileStatusResponse{
		States: make([]dto.ReconcileStateDTO, len(states)),
	}
	for i, state := range states {
		response.States[i] = dto.ReconcileStateDTO{
			EntityType:   state.EntityType,
			LastSweepAt:  formatNullTime(state.LastSweepAt),
			LastCursor:   state.LastCursor,
			LastEnqueued: state.LastEnqueued,
			LastError:    state.LastError,
			UpdatedAt:    state.UpdatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *AdminHandler) publishWake(c *gin.Context, jobID string) {
	body, err := json.Marshal(queue.WakeMessage{JobID: jobID})
	if err != nil {
		h.logger.Error("Failed to encode wakeup message", slog.String("error", err.Error()))
		return
	}
	if err := h.publisher.PublishWithRetry(c.Request.Context(), queue.RoutingKeyJobWake, body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job wakeup",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func toJobDTO(job *domain.SyncJob) dto.JobDTO {
	return dto.JobDTO{
		JobID:      job.JobID,
		EntityType: job.EntityType,
		Operation:  job.Operation,
		Direction:  job.Direction,
		LocalRef:   job.LocalRef,
		RemoteRef:  job.RemoteRef,
		Payload:    job.Payload,
		Origin:     job.Origin,
		Priority:   job.Priority,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		LastError:  job.LastError,
		RunAfter:   formatTime(job.RunAfter),
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
}

func toMappingDTO(m *model.Mapping) dto.MappingDTO {
	return dto.MappingDTO{
		EntityType:   m.EntityType,
		LocalRef:     m.LocalRef,
		RemoteRef:    m.RemoteRef,
		ContentHash:  m.ContentHash,
		LastSyncedAt: formatNullTime(m.LastSyncedAt),
		ArchivedAt:   formatNullTime(m.ArchivedAt),
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    m.UpdatedAt.Format(time.RFC3339),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatNullTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.Format(time.RFC3339)
}
