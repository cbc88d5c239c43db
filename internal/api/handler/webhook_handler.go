package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meshvale/storesync/internal/api/dto"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/identity"
	"github.com/meshvale/storesync/internal/sync/queue"
	"github.com/meshvale/storesync/internal/sync/webhook"
)

// maxWebhookBody bounds how much of a delivery we read before verifying it.
const maxWebhookBody = 1 << 20

// WebhookHandler ingests remote platform webhooks. It verifies, records and
// enqueues; it never performs the sync itself.
type WebhookHandler struct {
	logger    *slog.Logger
	secret    string
	events    EventRecorder
	jobs      JobQueue
	mappings  RemoteResolver
	publisher WakePublisher
}

// NewWebhookHandler wires the handler against the shared database and broker.
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:    deps.Logger,
		secret:    deps.WebhookSecret,
		events:    webhook.NewEventStore(deps.DBClient),
		jobs:      queue.NewStore(deps.DBClient, deps.Logger, deps.MaxRetries),
		mappings:  identity.NewStore(deps.DBClient, deps.Logger),
		publisher: deps.RabbitClient,
	}
}

// Receive handles POST /webhooks.
//
// The sender only ever sees accept or reject here: 200 means "we durably
// recorded the delivery", 401 means the signature did not verify. Whether the
// sync itself later succeeds is invisible to the sender; that surfaces through
// the operator job listing instead.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	// Verify against the raw bytes before touching the payload. Unverified
	// deliveries are never recorded, so a forged event id cannot block the
	// genuine delivery that follows it.
	signature := c.GetHeader(webhook.HeaderSignature)
	if !webhook.VerifySignature(h.secret, body, signature) {
		h.logger.Warn("Webhook signature verification failed",
			slog.String("topic", c.GetHeader(webhook.HeaderTopic)),
			slog.String("event_id", c.GetHeader(webhook.HeaderEventID)),
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	topic := c.GetHeader(webhook.HeaderTopic)
	eventID := c.GetHeader(webhook.HeaderEventID)
	if eventID == "" {
		h.logger.Warn("Webhook delivery missing event id", slog.String("topic", topic))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing event id"})
		return
	}

	entityType, operation, err := webhook.ParseTopic(topic)
	if err != nil {
		// Unknown topics are acknowledged so the platform stops retrying a
		// delivery we will never handle.
		h.logger.Warn("Ignoring webhook with unknown topic",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
		)
		c.JSON(http.StatusOK, dto.WebhookAck{Status: "ignored"})
		return
	}

	remoteRef, err := h.extractRef(entityType, body)
	if err != nil {
		h.logger.Error("Failed to extract remote ref from webhook",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	alreadyProcessed, err := h.events.Record(c.Request.Context(), topic, eventID, remoteRef)
	if err != nil {
		h.logger.Error("Failed to record webhook event",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}
	if alreadyProcessed {
		h.logger.Info("Duplicate webhook delivery acknowledged",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
		)
		c.JSON(http.StatusOK, dto.WebhookAck{Status: "accepted", Duplicate: true})
		return
	}

	job := &domain.SyncJob{
		EntityType: entityType,
		Operation:  operation,
		Direction:  domain.DirectionInbound,
		RemoteRef:  remoteRef,
		Payload:    string(body),
		Origin:     domain.OriginWebhook,
		Priority:   domain.PriorityHigh,
	}

	// When the entity is already mapped, carry the local ref too so the
	// worker skips a lookup and the operator listing reads naturally.
	if mapping, err := h.mappings.ResolveRemote(c.Request.Context(), entityType, remoteRef); err == nil {
		job.LocalRef = mapping.LocalRef
	} else if !errors.Is(err, domain.ErrMappingNotFound) {
		h.logger.Error("Failed to resolve remote ref",
			slog.String("entity_type", entityType),
			slog.String("remote_ref", remoteRef),
			slog.String("error", err.Error()),
		)
	}

	jobID, coalesced, err := h.jobs.Enqueue(c.Request.Context(), job)
	if err != nil {
		// The event row stays unprocessed, so the platform's redelivery
		// will enqueue on the next attempt.
		h.logger.Error("Failed to enqueue webhook job",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue"})
		return
	}

	if err := h.events.MarkProcessed(c.Request.Context(), topic, eventID, jobID); err != nil {
		h.logger.Error("Failed to mark webhook event processed",
			slog.String("event_id", eventID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	h.publishWake(c, jobID)

	h.logger.Info("Webhook accepted",
		slog.String("topic", topic),
		slog.String("event_id", eventID),
		slog.String("job_id", jobID),
		slog.String("remote_ref", remoteRef),
		slog.Bool("coalesced", coalesced),
	)
	c.JSON(http.StatusOK, dto.WebhookAck{Status: "accepted", JobID: jobID})
}

// extractRef pulls the remote identity out of the payload. Inventory levels
// have no id of their own, so their ref is the item|location composite.
func (h *WebhookHandler) extractRef(entityType string, body []byte) (string, error) {
	if entityType == domain.EntityInventoryLevel {
		return webhook.ExtractLevelRef(body)
	}
	return webhook.ExtractRemoteRef(body)
}

// publishWake nudges the worker pool. Failure is non-fatal: the job row is
// durable and the worker's poll ticker will find it.
func (h *WebhookHandler) publishWake(c *gin.Context, jobID string) {
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
