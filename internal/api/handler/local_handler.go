package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshvale/storesync/internal/api/dto"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/queue"
)

// maxLocalRecordBody bounds PUT payloads on the host-integration surface.
const maxLocalRecordBody = 1 << 20

// LocalHandler is the host-integration surface. Writes here carry the
// application origin, so the local store's change hook fires and the change
// flows out as a sync job. Sync-engine writes to the same store do not come
// through this handler and never fire the hook.
type LocalHandler struct {
	logger  *slog.Logger
	records LocalRecords
}

// NewLocalHandler wires the handler against the shared database. The change
// hook is installed here: an application write and the outbound job it spawns
// are two halves of the same endpoint.
func NewLocalHandler(deps *Dependencies) *LocalHandler {
	store := localstore.NewStore(deps.DBClient, deps.Logger)
	store.SetChangeHook(queue.NewChangeHook(
		queue.NewStore(deps.DBClient, deps.Logger, deps.MaxRetries),
		deps.RabbitClient,
		deps.Logger,
	))
	return &LocalHandler{
		logger:  deps.Logger,
		records: store,
	}
}

// GetRecord handles GET /api/v1/local/:entity_type/:local_ref
func (h *LocalHandler) GetRecord(c *gin.Context) {
	entityType := c.Param("entity_type")
	localRef := c.Param("local_ref")
	if !domain.ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	record, err := h.records.Get(c.Request.Context(), entityType, localRef)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Record not found",
			})
			return
		}
		h.logger.Error("Failed to get local record",
			slog.String("entity_type", entityType),
			slog.String("local_ref", localRef),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get record",
		})
		return
	}

	c.JSON(http.StatusOK, dto.LocalRecordDTO{
		EntityType: record.EntityType,
		LocalRef:   record.LocalRef,
		Payload:    json.RawMessage(record.Payload),
		CreatedAt:  record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  record.UpdatedAt.Format(time.RFC3339),
	})
}

// UpsertRecord handles PUT /api/v1/local/:entity_type/:local_ref
// The body is the record payload itself.
func (h *LocalHandler) UpsertRecord(c *gin.Context) {
	entityType := c.Param("entity_type")
	localRef := c.Param("local_ref")
	if !domain.ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLocalRecordBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read body",
		})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Payload must be valid JSON",
		})
		return
	}

	if err := h.records.Apply(c.Request.Context(), domain.WriteOriginApplication, entityType, localRef, body); err != nil {
		h.logger.Error("Failed to upsert local record",
			slog.String("entity_type", entityType),
			slog.String("local_ref", localRef),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to write record",
		})
		return
	}

	c.JSON(http.StatusOK, dto.UpsertLocalRecordResponse{
		EntityType: entityType,
		LocalRef:   localRef,
		Status:     "applied",
	})
}

// DeleteRecord handles DELETE /api/v1/local/:entity_type/:local_ref
func (h *LocalHandler) DeleteRecord(c *gin.Context) {
	entityType := c.Param("entity_type")
	localRef := c.Param("local_ref")
	if !domain.ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown entity_type",
		})
		return
	}

	err := h.records.Delete(c.Request.Context(), domain.WriteOriginApplication, entityType, localRef)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Record not found",
			})
			return
		}
		h.logger.Error("Failed to delete local record",
			slog.String("entity_type", entityType),
			slog.String("local_ref", localRef),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete record",
		})
		return
	}

	c.Status(http.StatusNoContent)
}
