package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/sync/domain"
)

type nackRecord struct {
	tag     uint64
	requeue bool
}

// fakeAcker stands in for the broker channel behind a delivery.
type fakeAcker struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackRecord
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, nackRecord{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(acker *fakeAcker, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		Body:         []byte(body),
	}
}

func TestWakeDispatcher_RoutesAndRejects(t *testing.T) {
	w := &Worker{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wakeChan: make(chan wakeSignal, 4),
	}

	acker := &fakeAcker{}
	jobID := uuid.New().String()

	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- delivery(acker, 1, `{"job_id": "`+jobID+`"}`)
	deliveries <- delivery(acker, 2, `{not json`)
	deliveries <- delivery(acker, 3, `{"job_id": "not-a-uuid"}`)
	close(deliveries)

	w.startWakeDispatcher(context.Background(), deliveries)

	require.Len(t, w.wakeChan, 1)
	sig := <-w.wakeChan
	assert.Equal(t, jobID, sig.JobID)
	assert.Equal(t, uint64(1), sig.DeliveryTag)

	// The valid wakeup is acked by the pool after processing, never here.
	assert.Empty(t, acker.acks)
	// Malformed bodies and bogus job ids go to the DLQ, not back on the queue.
	require.Len(t, acker.nacks, 2)
	assert.Equal(t, nackRecord{tag: 2, requeue: false}, acker.nacks[0])
	assert.Equal(t, nackRecord{tag: 3, requeue: false}, acker.nacks[1])
}

func TestReconcileDispatcher_AcksThenSweeps(t *testing.T) {
	jobs := newFakeJobs()
	w := newReconcileWorker(jobs, newFakeIdentity(), newFakeLocal(), &fakeRemote{}, &fakePublisher{})

	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- delivery(acker, 1, `{"entity_type": "product"}`)
	deliveries <- delivery(acker, 2, `{oops`)
	deliveries <- delivery(acker, 3, `{"entity_type": "starship"}`)
	close(deliveries)

	w.startReconcileDispatcher(context.Background(), deliveries)

	assert.Equal(t, []uint64{1}, acker.acks)
	require.Len(t, acker.nacks, 2)
	assert.Equal(t, nackRecord{tag: 2, requeue: false}, acker.nacks[0])
	assert.Equal(t, nackRecord{tag: 3, requeue: false}, acker.nacks[1])

	// The product sweep ran inline: first sweep enqueues the full import.
	require.Len(t, jobs.enqueued, 1)
	assert.Equal(t, domain.EntityProduct, jobs.enqueued[0].EntityType)
	assert.Equal(t, domain.OperationImport, jobs.enqueued[0].Operation)
}

func TestReconcileDispatcher_AllSweepsEveryType(t *testing.T) {
	jobs := newFakeJobs()
	w := newReconcileWorker(jobs, newFakeIdentity(), newFakeLocal(), &fakeRemote{}, &fakePublisher{})

	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- delivery(acker, 7, `{"entity_type": "all"}`)
	close(deliveries)

	w.startReconcileDispatcher(context.Background(), deliveries)

	assert.Equal(t, []uint64{7}, acker.acks)
	assert.Len(t, jobs.enqueued, len(domain.EntityTypes))
}
