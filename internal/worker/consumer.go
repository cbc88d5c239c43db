package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/queue"
)

// reconcileAll sweeps every entity type in one trigger.
const reconcileAll = "all"

// setupConsumers sets QoS on the shared channel and opens one consumer per
// queue: job wakeups and reconcile triggers.
func (w *Worker) setupConsumers() (<-chan amqp.Delivery, <-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Set QoS (Quality of Service) to control message prefetching
	// prefetch_count: number of unacknowledged messages per consumer
	// prefetch_size: 0 means no specific byte limit
	// global: false means per-consumer, not per-channel
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	wakes, err := w.rabbitClient.Consume(w.jobQueueName, w.workerID+"-jobs")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start consuming job wakeups: %w", err)
	}

	reconciles, err := w.rabbitClient.Consume(w.reconcileQueueName, w.workerID+"-reconcile")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start consuming reconcile triggers: %w", err)
	}

	w.logger.Info("RabbitMQ consumers started",
		slog.String("worker_id", w.workerID),
		slog.String("job_queue", w.jobQueueName),
		slog.String("reconcile_queue", w.reconcileQueueName),
	)

	return wakes, reconciles, nil
}

// startWakeDispatcher parses job wakeups and feeds them to the worker pool.
func (w *Worker) startWakeDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Wake dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ wake delivery channel closed")
				return
			}

			var msg queue.WakeMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse wakeup JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// NACK without requeue - malformed messages should go to DLQ
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed wakeup",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK wakeup with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			sig := wakeSignal{
				JobID:       msg.JobID,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case w.wakeChan <- sig:
				w.logger.Debug("Wakeup dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Wake dispatcher stopped while dispatching")
				// NACK with requeue so another worker picks the hint up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK wakeup on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// startReconcileDispatcher handles reconcile triggers. Triggers are acked as
// soon as they parse: sweeps are idempotent and the scheduled ticker covers a
// sweep lost to a crash. Running them inline serializes overlapping triggers.
func (w *Worker) startReconcileDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Reconcile dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconcile dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ reconcile delivery channel closed")
				return
			}

			var msg queue.ReconcileMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse reconcile trigger JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed reconcile trigger",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if msg.EntityType != reconcileAll && !domain.ValidEntityType(msg.EntityType) {
				w.logger.Error("Reconcile trigger names unknown entity type",
					slog.String("entity_type", msg.EntityType),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK reconcile trigger",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK reconcile trigger",
					slog.String("error", ackErr.Error()),
				)
			}

			w.logger.Info("Reconcile trigger received",
				slog.String("entity_type", msg.EntityType),
			)
			w.runSweep(ctx, msg.EntityType)
		}
	}
}
