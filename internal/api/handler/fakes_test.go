package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshvale/storesync/internal/api/model"
	"github.com/meshvale/storesync/internal/api/storage"
	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/queue"
)

// fakeJobQueue is an in-memory JobQueue.
type fakeJobQueue struct {
	mu   sync.Mutex
	jobs map[string]*domain.SyncJob

	enqueueErr error
	retryErr   error
	listErr    error

	enqueued   []*domain.SyncJob
	retried    []string
	listed     []queue.ListFilter
	listResult []domain.SyncJob
	counts     map[string]int
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: map[string]*domain.SyncJob{}}
}

func (f *fakeJobQueue) put(job *domain.SyncJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
}

func (f *fakeJobQueue) Enqueue(_ context.Context, job *domain.SyncJob) (string, bool, error) {
	if f.enqueueErr != nil {
		return "", false, f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// Mirrors the store's pending-row contract: an equivalent pending job
	// absorbs an update's payload, other operations keep the existing row.
	for _, existing := range f.enqueued {
		if existing.Status != domain.JobStatusPending ||
			existing.EntityType != job.EntityType ||
			existing.LocalRef != job.LocalRef ||
			existing.RemoteRef != job.RemoteRef ||
			existing.Operation != job.Operation {
			continue
		}
		if job.Operation == domain.OperationUpdate {
			existing.Payload = job.Payload
		}
		return existing.JobID, true, nil
	}

	job.JobID = fmt.Sprintf("00000000-0000-0000-0000-%012d", len(f.enqueued)+1)
	job.Status = domain.JobStatusPending
	f.enqueued = append(f.enqueued, job)
	f.jobs[job.JobID] = job
	return job.JobID, false, nil
}

func (f *fakeJobQueue) GetJob(_ context.Context, jobID string) (*domain.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobQueue) RetryJob(_ context.Context, jobID string) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !job.TerminalFailure() {
		return domain.ErrJobNotRetryable
	}
	job.Status = domain.JobStatusPending
	f.retried = append(f.retried, jobID)
	return nil
}

func (f *fakeJobQueue) ListJobs(_ context.Context, filter queue.ListFilter) ([]domain.SyncJob, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, filter)
	if len(f.listResult) > filter.Limit {
		return f.listResult[:filter.Limit], nil
	}
	return f.listResult, nil
}

func (f *fakeJobQueue) CountByStatus(_ context.Context) (map[string]int, error) {
	return f.counts, nil
}

func (f *fakeJobQueue) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// fakeEvents is an in-memory EventRecorder keyed on (topic, event_id).
type fakeEvents struct {
	mu        sync.Mutex
	recorded  map[string]bool // key -> processed
	recordErr error
	marked    []string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{recorded: map[string]bool{}}
}

func eventKey(topic, eventID string) string {
	return topic + "/" + eventID
}

func (f *fakeEvents) Record(_ context.Context, topic, eventID, _ string) (bool, error) {
	if f.recordErr != nil {
		return false, f.recordErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	processed, ok := f.recorded[eventKey(topic, eventID)]
	if ok {
		return processed, nil
	}
	f.recorded[eventKey(topic, eventID)] = false
	return false, nil
}

func (f *fakeEvents) MarkProcessed(_ context.Context, topic, eventID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[eventKey(topic, eventID)] = true
	f.marked = append(f.marked, eventKey(topic, eventID)+"/"+jobID)
	return nil
}

// fakeResolver maps (entity_type, remote_ref) to mappings.
type fakeResolver struct {
	mappings map[string]*domain.IdentityMapping
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{mappings: map[string]*domain.IdentityMapping{}}
}

func (f *fakeResolver) put(m domain.IdentityMapping) {
	f.mappings[m.EntityType+"/"+m.RemoteRef] = &m
}

func (f *fakeResolver) ResolveRemote(_ context.Context, entityType, remoteRef string) (*domain.IdentityMapping, error) {
	m, ok := f.mappings[entityType+"/"+remoteRef]
	if !ok {
		return nil, domain.ErrMappingNotFound
	}
	cp := *m
	return &cp, nil
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu        sync.Mutex
	published []struct {
		routingKey string
		body       string
	}
	err error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		routingKey string
		body       string
	}{routingKey: routingKey, body: string(body)})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// localWrite records one mutation seen by the fake local store.
type localWrite struct {
	origin   domain.WriteOrigin
	op       string
	localRef string
}

// fakeLocalRecords is an in-memory LocalRecords.
type fakeLocalRecords struct {
	mu      sync.Mutex
	records map[string]localstore.Record
	writes  []localWrite

	applyErr error
}

func newFakeLocalRecords() *fakeLocalRecords {
	return &fakeLocalRecords{records: map[string]localstore.Record{}}
}

func recordKey(entityType, localRef string) string {
	return entityType + "/" + localRef
}

func (f *fakeLocalRecords) put(r localstore.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recordKey(r.EntityType, r.LocalRef)] = r
}

func (f *fakeLocalRecords) Get(_ context.Context, entityType, localRef string) (*localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[recordKey(entityType, localRef)]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return &r, nil
}

func (f *fakeLocalRecords) Apply(_ context.Context, origin domain.WriteOrigin, entityType, localRef string, payload []byte) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recordKey(entityType, localRef)] = localstore.Record{
		EntityType: entityType,
		LocalRef:   localRef,
		Payload:    string(payload),
	}
	f.writes = append(f.writes, localWrite{origin: origin, op: "apply", localRef: localRef})
	return nil
}

func (f *fakeLocalRecords) Delete(_ context.Context, origin domain.WriteOrigin, entityType, localRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[recordKey(entityType, localRef)]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(f.records, recordKey(entityType, localRef))
	f.writes = append(f.writes, localWrite{origin: origin, op: "delete", localRef: localRef})
	return nil
}

// fakeMappings serves canned mapping pages.
type fakeMappings struct {
	result  []model.Mapping
	filters []storage.MappingFilter
	err     error
}

func (f *fakeMappings) ListMappings(_ context.Context, filter storage.MappingFilter) ([]model.Mapping, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.filters = append(f.filters, filter)
	if len(f.result) > filter.PageSize+1 {
		return f.result[:filter.PageSize+1], nil
	}
	return f.result, nil
}

// fakeReconcileStates serves canned reconcile reports.
type fakeReconcileStates struct {
	result []model.ReconcileState
	err    error
}

func (f *fakeReconcileStates) ListReconcileStates(_ context.Context) ([]model.ReconcileState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
