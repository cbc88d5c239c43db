package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// wakeSignal pairs a parsed wakeup hint with its broker delivery tag so the
// worker that handles it can settle the message.
type wakeSignal struct {
	JobID       string
	DeliveryTag uint64
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. Broker
// wakeups and the fallback poll ticker both funnel into the same claim path;
// the queue table decides what actually runs, so a duplicate or stale wakeup
// is harmless.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case sig, ok := <-w.wakeChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - wake channel closed",
					slog.String("worker_name", workerName),
				)
				return
			}
			w.handleWake(ctx, workerName, sig)

		case <-ticker.C:
			w.drainQueue(ctx, workerName)
		}
	}
}

// handleWake claims in response to one broker wakeup and settles its
// delivery. The hinted job id is advisory only: the claim picks whichever
// eligible job is oldest, which may not be the hinted one.
func (w *Worker) handleWake(ctx context.Context, workerName string, sig wakeSignal) {
	channel := w.rabbitClient.GetChannel()

	if w.remote.Halted() {
		// Remote calls are latched off after a credential failure. Ack the
		// wakeup so the broker does not redeliver in a tight loop; the jobs
		// themselves stay queued and the requeue sweep re-publishes hints
		// after the latch clears on restart.
		w.logger.Warn("Skipping claim while remote calls are halted",
			slog.String("worker_name", workerName),
			slog.String("job_id", sig.JobID),
		)
		if channel != nil {
			if err := channel.Ack(sig.DeliveryTag, false); err != nil {
				w.logger.Warn("Failed to ack wakeup",
					slog.String("worker_name", workerName),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	claimed, err := w.processNextJob(ctx)
	if err != nil {
		// The claim itself failed, not the job. Requeue the wakeup so
		// another worker picks it up once the store recovers.
		w.logger.Error("Failed to claim job, requeueing wakeup",
			slog.String("worker_name", workerName),
			slog.String("job_id", sig.JobID),
			slog.String("error", err.Error()),
		)
		if channel != nil {
			if nackErr := channel.Nack(sig.DeliveryTag, false, true); nackErr != nil {
				w.logger.Warn("Failed to nack wakeup",
					slog.String("worker_name", workerName),
					slog.String("error", nackErr.Error()),
				)
			}
		}
		return
	}

	if !claimed {
		// Another worker got there first, or the hinted job coalesced away.
		w.logger.Debug("Wakeup found no eligible job",
			slog.String("worker_name", workerName),
			slog.String("job_id", sig.JobID),
		)
	}

	if channel != nil {
		if err := channel.Ack(sig.DeliveryTag, false); err != nil {
			w.logger.Warn("Failed to ack wakeup",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
		}
	}
}

// drainQueue claims repeatedly until nothing is due. The poll path backs up
// the broker: it catches jobs whose wakeups were lost and retries whose
// run_after has just passed.
func (w *Worker) drainQueue(ctx context.Context, workerName string) {
	if w.remote.Halted() {
		return
	}

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.processNextJob(ctx)
		if err != nil {
			w.logger.Error("Failed to claim job during poll",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			return
		}
		if !claimed {
			return
		}
	}
}
