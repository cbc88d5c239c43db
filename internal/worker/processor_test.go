package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/ratelimit"
	"github.com/meshvale/storesync/internal/sync/remote"
)

// stubSyncer lets worker tests script the apply outcome without pulling in
// the full entity syncer machinery.
type stubSyncer struct {
	entityType string
	exportable bool
	applyFn    func(ctx context.Context, job *domain.SyncJob) error
	applied    int
}

func (s *stubSyncer) EntityType() string { return s.entityType }
func (s *stubSyncer) Exportable() bool   { return s.exportable }

func (s *stubSyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	s.applied++
	if s.applyFn != nil {
		return s.applyFn(ctx, job)
	}
	return nil
}

func newProcessorWorker(jobs *fakeJobs, stub *stubSyncer) *Worker {
	return &Worker{
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobs:              jobs,
		syncers:           map[string]EntitySyncer{stub.entityType: stub},
		workerID:          "worker-test",
		jobTimeout:        time.Minute,
		heartbeatInterval: time.Hour,
		backoff:           ratelimit.NewBackoff(time.Second, time.Minute),
	}
}

func pendingJob(entityType string) *domain.SyncJob {
	return &domain.SyncJob{
		JobID:      "job-1",
		EntityType: entityType,
		Operation:  domain.OperationUpdate,
		Direction:  domain.DirectionInbound,
		RemoteRef:  "gid://remote/Product/1",
		Origin:     domain.OriginWebhook,
		Status:     domain.JobStatusPending,
		MaxRetries: 5,
	}
}

func TestProcessNextJob_Success(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{entityType: domain.EntityProduct}
	w := newProcessorWorker(jobs, stub)

	claimed, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.Equal(t, 1, stub.applied)
	require.Len(t, jobs.done, 1)
	assert.Equal(t, "job-1", jobs.done[0].jobID)
	assert.Equal(t, "worker-test", jobs.done[0].workerID)
	assert.Empty(t, jobs.retried)
	assert.Empty(t, jobs.buried)
}

func TestProcessNextJob_EmptyQueue(t *testing.T) {
	jobs := newFakeJobs()
	stub := &stubSyncer{entityType: domain.EntityProduct}
	w := newProcessorWorker(jobs, stub)

	claimed, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, 0, stub.applied)
}

func TestProcessNextJob_ClaimError(t *testing.T) {
	jobs := newFakeJobs()
	jobs.claimErr = errors.New("connection refused")
	stub := &stubSyncer{entityType: domain.EntityProduct}
	w := newProcessorWorker(jobs, stub)

	claimed, err := w.processNextJob(context.Background())
	require.Error(t, err)
	assert.False(t, claimed)
	assert.Contains(t, err.Error(), "failed to claim job")
}

func outboundJob(jobID, op, localRef string) *domain.SyncJob {
	return &domain.SyncJob{
		JobID:      jobID,
		EntityType: domain.EntityProduct,
		Operation:  op,
		Direction:  domain.DirectionOutbound,
		LocalRef:   localRef,
		Origin:     domain.OriginLocalChange,
		Status:     domain.JobStatusPending,
		MaxRetries: 5,
	}
}

func TestProcessNextJob_DeleteWaitsForInFlightCreate(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{
		outboundJob("job-create", domain.OperationCreate, "p-1"),
		outboundJob("job-delete", domain.OperationDelete, "p-1"),
	}

	started := make(chan struct{})
	release := make(chan struct{})
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(_ context.Context, job *domain.SyncJob) error {
			if job.Operation == domain.OperationCreate {
				close(started)
				<-release
			}
			return nil
		},
	}
	w := newProcessorWorker(jobs, stub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		claimed, err := w.processNextJob(context.Background())
		assert.NoError(t, err)
		assert.True(t, claimed)
	}()
	<-started

	// The create is claimed and in flight, so the delete for the same
	// record is the only queued job and still must not be claimable.
	claimed, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)

	close(release)
	<-done

	claimed, err = w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	require.Len(t, jobs.done, 2)
	assert.Equal(t, "job-create", jobs.done[0].jobID)
	assert.Equal(t, "job-delete", jobs.done[1].jobID)
}

func TestProcessNextJob_DeleteWaitsForRetryScheduledCreate(t *testing.T) {
	createJob := outboundJob("job-create", domain.OperationCreate, "p-1")

	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{
		createJob,
		outboundJob("job-delete", domain.OperationDelete, "p-1"),
	}

	attempts := 0
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(_ context.Context, job *domain.SyncJob) error {
			if job.Operation == domain.OperationCreate {
				attempts++
				if attempts == 1 {
					return domain.NewSyncError(domain.KindTransient, "remote.execute", "upstream 502")
				}
			}
			return nil
		},
	}
	w := newProcessorWorker(jobs, stub)

	claimed, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	require.Len(t, jobs.retried, 1)

	// The create failed and waits for its retry window; the delete stays
	// ineligible the whole time.
	claimed, err = w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)

	// The sweep requeues the retry; modeled by pushing the job back. Its
	// age is its first enqueue, so it still outranks the delete.
	createJob.Status = domain.JobStatusPending
	createJob.RetryCount++
	jobs.queue = append(jobs.queue, createJob)

	claimed, err = w.processNextJob(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = w.processNextJob(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, 2, attempts)
	require.Len(t, jobs.done, 2)
	assert.Equal(t, "job-create", jobs.done[0].jobID)
	assert.Equal(t, "job-delete", jobs.done[1].jobID)
}

func TestProcessJob_RetryableSchedulesRetry(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(context.Context, *domain.SyncJob) error {
			return domain.NewSyncError(domain.KindTransient, "remote.execute", "upstream 502")
		},
	}
	w := newProcessorWorker(jobs, stub)

	before := time.Now()
	claimed, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	require.Len(t, jobs.retried, 1)
	assert.Empty(t, jobs.buried)
	retry := jobs.retried[0]
	assert.Equal(t, "job-1", retry.jobID)
	assert.Contains(t, retry.errMsg, "transient")
	// Backoff base is one second, so the retry never lands sooner.
	assert.False(t, retry.runAfter.Before(before.Add(time.Second)))
}

func TestProcessJob_ServerRetryAfterWins(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(context.Context, *domain.SyncJob) error {
			return &domain.SyncError{
				Kind:       domain.KindThrottle,
				Op:         "remote.execute",
				Message:    "throttled",
				RetryAfter: 5 * time.Second,
			}
		},
	}
	w := newProcessorWorker(jobs, stub)
	w.backoff = ratelimit.NewBackoff(time.Millisecond, time.Millisecond)

	before := time.Now()
	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)

	require.Len(t, jobs.retried, 1)
	assert.False(t, jobs.retried[0].runAfter.Before(before.Add(5*time.Second)))
}

func TestProcessJob_ThrottledCreateRetriesThenMapsOnce(t *testing.T) {
	jobs := newFakeJobs()
	fi := newFakeIdentity()
	fl := newFakeLocal()
	fr := &fakeRemote{}
	deps := syncerDeps{
		identity:  fi,
		local:     fl,
		remote:    fr,
		validator: &fakeValidator{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	w := &Worker{
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobs:              jobs,
		syncers:           newSyncers(deps),
		workerID:          "worker-test",
		jobTimeout:        time.Minute,
		heartbeatInterval: time.Hour,
		backoff:           ratelimit.NewBackoff(time.Millisecond, time.Millisecond),
	}

	fl.put(domain.EntityProduct, "p-1", `{"title": "Standing Desk"}`)

	attempts := 0
	fr.executeFn = func(query string, _ map[string]any) (*remote.Response, error) {
		attempts++
		if attempts <= 2 {
			return nil, &domain.SyncError{
				Kind:       domain.KindThrottle,
				Op:         "remote.execute",
				Message:    "throttled",
				RetryAfter: time.Millisecond,
			}
		}
		require.Contains(t, query, "productCreate")
		return graphqlData(`{"productCreate": {"product": {"id": "gid://remote/Product/9"}, "userErrors": []}}`), nil
	}

	job := &domain.SyncJob{
		JobID:      "job-create",
		EntityType: domain.EntityProduct,
		Operation:  domain.OperationCreate,
		Direction:  domain.DirectionOutbound,
		LocalRef:   "p-1",
		Origin:     domain.OriginLocalChange,
		Status:     domain.JobStatusPending,
		MaxRetries: 5,
	}

	// Two throttled attempts, then success. The requeue the sweep performs
	// between attempts is modeled by pushing the job back on the queue.
	for attempt := 0; attempt < 3; attempt++ {
		jobs.queue = []*domain.SyncJob{job}
		claimed, err := w.processNextJob(context.Background())
		require.NoError(t, err)
		require.True(t, claimed)
		job.RetryCount++
		job.Status = domain.JobStatusPending
	}

	assert.Equal(t, 3, attempts)
	require.Len(t, jobs.retried, 2)
	require.Len(t, jobs.done, 1)
	assert.Empty(t, jobs.buried)
	assert.Equal(t, "job-create", jobs.done[0].jobID)

	// Each throttled attempt released its reservation, so the success
	// leaves exactly one finalized mapping behind.
	assert.Equal(t, []string{"product/p-1", "product/p-1"}, fi.released)
	assert.Equal(t, []string{"product/p-1"}, fi.finalized)
	mapping := fi.get(domain.EntityProduct, "p-1")
	require.NotNil(t, mapping)
	assert.Equal(t, "gid://remote/Product/9", mapping.RemoteRef)
	assert.Equal(t, mustHash(t, `{"title": "Standing Desk"}`), mapping.ContentHash)
}

func TestProcessJob_TerminalKindBuries(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(context.Context, *domain.SyncJob) error {
			return domain.NewSyncError(domain.KindValidation, "sync.product.apply", "title missing")
		},
	}
	w := newProcessorWorker(jobs, stub)

	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)

	require.Len(t, jobs.buried, 1)
	assert.Empty(t, jobs.retried)
	assert.Contains(t, jobs.buried[0].errMsg, "title missing")
}

func TestProcessJob_UnknownEntityTypeBuries(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob("hologram")}
	stub := &stubSyncer{entityType: domain.EntityProduct}
	w := newProcessorWorker(jobs, stub)

	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stub.applied)
	require.Len(t, jobs.buried, 1)
	assert.Contains(t, jobs.buried[0].errMsg, "unknown entity type")
}

func TestProcessJob_HaltedParksInsteadOfBurying(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(context.Context, *domain.SyncJob) error {
			// Auth kinds bury; the halt sentinel must override that because
			// the job itself did nothing wrong.
			return domain.WrapSyncError(domain.KindAuth, "remote.execute", domain.ErrSyncHalted)
		},
	}
	w := newProcessorWorker(jobs, stub)

	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)

	assert.Empty(t, jobs.buried)
	require.Len(t, jobs.retried, 1)
}

func TestProcessJob_JobTimeoutOverridesDefault(t *testing.T) {
	job := pendingJob(domain.EntityProduct)
	job.TimeoutSeconds = 5

	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{job}

	var deadline time.Time
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(ctx context.Context, _ *domain.SyncJob) error {
			deadline, _ = ctx.Deadline()
			return nil
		},
	}
	w := newProcessorWorker(jobs, stub)

	before := time.Now()
	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)

	require.False(t, deadline.IsZero())
	assert.True(t, deadline.Before(before.Add(10*time.Second)), "job budget should beat the worker default")
}

func TestProcessJob_HeartbeatsWhileRunning(t *testing.T) {
	jobs := newFakeJobs()
	jobs.queue = []*domain.SyncJob{pendingJob(domain.EntityProduct)}
	stub := &stubSyncer{
		entityType: domain.EntityProduct,
		applyFn: func(context.Context, *domain.SyncJob) error {
			time.Sleep(80 * time.Millisecond)
			return nil
		},
	}
	w := newProcessorWorker(jobs, stub)
	w.heartbeatInterval = 10 * time.Millisecond

	_, err := w.processNextJob(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, jobs.heartbeatCount(), 1)
}
