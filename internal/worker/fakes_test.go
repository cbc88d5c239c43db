package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/remote"
)

func refKey(entityType, ref string) string {
	return entityType + "/" + ref
}

// fakeIdentity is an in-memory IdentityStore.
type fakeIdentity struct {
	mu      sync.Mutex
	byLocal map[string]*domain.IdentityMapping

	reserveErr        error
	staleReservations int64

	upserted  []string
	finalized []string
	released  []string
	archived  []string
	rehashes  []string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{byLocal: map[string]*domain.IdentityMapping{}}
}

func (f *fakeIdentity) put(m domain.IdentityMapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byLocal[refKey(m.EntityType, m.LocalRef)] = &m
}

func (f *fakeIdentity) get(entityType, localRef string) *domain.IdentityMapping {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[refKey(entityType, localRef)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

func (f *fakeIdentity) ResolveLocal(_ context.Context, entityType, localRef string) (*domain.IdentityMapping, error) {
	m := f.get(entityType, localRef)
	if m == nil {
		return nil, domain.ErrMappingNotFound
	}
	return m, nil
}

func (f *fakeIdentity) ResolveRemote(_ context.Context, entityType, remoteRef string) (*domain.IdentityMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byLocal {
		if m.EntityType == entityType && m.RemoteRef == remoteRef {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrMappingNotFound
}

func (f *fakeIdentity) Upsert(_ context.Context, entityType, localRef, remoteRef, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byLocal[refKey(entityType, localRef)] = &domain.IdentityMapping{
		EntityType:   entityType,
		LocalRef:     localRef,
		RemoteRef:    remoteRef,
		ContentHash:  contentHash,
		LastSyncedAt: time.Now(),
	}
	f.upserted = append(f.upserted, refKey(entityType, localRef))
	return nil
}

func (f *fakeIdentity) UpdateHash(_ context.Context, entityType, localRef, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[refKey(entityType, localRef)]
	if !ok {
		return domain.ErrMappingNotFound
	}
	m.ContentHash = contentHash
	m.LastSyncedAt = time.Now()
	f.rehashes = append(f.rehashes, refKey(entityType, localRef))
	return nil
}

func (f *fakeIdentity) Archive(_ context.Context, entityType, localRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[refKey(entityType, localRef)]
	if !ok {
		return domain.ErrMappingNotFound
	}
	m.ArchivedAt = time.Now()
	f.archived = append(f.archived, refKey(entityType, localRef))
	return nil
}

func (f *fakeIdentity) ListActive(_ context.Context, entityType string) ([]domain.IdentityMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.IdentityMapping
	for _, m := range f.byLocal {
		if m.EntityType == entityType && !m.Archived() && !m.Reserved() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeIdentity) Reserve(_ context.Context, entityType, localRef string) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byLocal[refKey(entityType, localRef)]; ok {
		if m.Reserved() {
			return "", domain.ErrReservationHeld
		}
		return "", domain.ErrAlreadyMapped
	}

	token := "tok-" + localRef
	f.byLocal[refKey(entityType, localRef)] = &domain.IdentityMapping{
		EntityType: entityType,
		LocalRef:   localRef,
		RemoteRef:  domain.ReservedRemoteRefPrefix + token,
	}
	return token, nil
}

func (f *fakeIdentity) Finalize(_ context.Context, entityType, localRef, token, remoteRef, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[refKey(entityType, localRef)]
	if !ok || m.RemoteRef != domain.ReservedRemoteRefPrefix+token {
		return domain.ErrMappingNotFound
	}
	m.RemoteRef = remoteRef
	m.ContentHash = contentHash
	m.LastSyncedAt = time.Now()
	f.finalized = append(f.finalized, refKey(entityType, localRef))
	return nil
}

func (f *fakeIdentity) Release(_ context.Context, entityType, localRef, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byLocal[refKey(entityType, localRef)]
	if !ok || m.RemoteRef != domain.ReservedRemoteRefPrefix+token {
		return domain.ErrMappingNotFound
	}
	delete(f.byLocal, refKey(entityType, localRef))
	f.released = append(f.released, refKey(entityType, localRef))
	return nil
}

func (f *fakeIdentity) ReleaseStaleReservations(_ context.Context, _ time.Duration) (int64, error) {
	return f.staleReservations, nil
}

// localWrite records one mutation seen by the fake local store.
type localWrite struct {
	origin   domain.WriteOrigin
	op       string
	localRef string
	payload  string
}

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu      sync.Mutex
	records map[string]localstore.Record
	writes  []localWrite
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{records: map[string]localstore.Record{}}
}

func (f *fakeLocal) put(entityType, localRef, payload string) {
	hash, err := domain.ContentHash([]byte(payload))
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[refKey(entityType, localRef)] = localstore.Record{
		EntityType:  entityType,
		LocalRef:    localRef,
		Payload:     payload,
		ContentHash: hash,
	}
}

func (f *fakeLocal) Get(_ context.Context, entityType, localRef string) (*localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[refKey(entityType, localRef)]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return &r, nil
}

func (f *fakeLocal) Apply(_ context.Context, origin domain.WriteOrigin, entityType, localRef string, payload []byte) error {
	hash, err := domain.ContentHash(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[refKey(entityType, localRef)] = localstore.Record{
		EntityType:  entityType,
		LocalRef:    localRef,
		Payload:     string(payload),
		ContentHash: hash,
	}
	f.writes = append(f.writes, localWrite{origin: origin, op: "apply", localRef: localRef, payload: string(payload)})
	return nil
}

func (f *fakeLocal) Delete(_ context.Context, origin domain.WriteOrigin, entityType, localRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[refKey(entityType, localRef)]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(f.records, refKey(entityType, localRef))
	f.writes = append(f.writes, localWrite{origin: origin, op: "delete", localRef: localRef})
	return nil
}

func (f *fakeLocal) ListActive(_ context.Context, entityType string) ([]localstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []localstore.Record
	for _, r := range f.records {
		if r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

// remoteCall records one GraphQL execution seen by the fake gateway.
type remoteCall struct {
	query string
	vars  map[string]any
}

// fakeRemote is a scriptable RemoteGateway.
type fakeRemote struct {
	mu        sync.Mutex
	executeFn func(query string, vars map[string]any) (*remote.Response, error)
	fetchFn   func(ctx context.Context, fn func(line json.RawMessage) error) error
	calls     []remoteCall

	bulkID    string
	bulkURL   string
	bulkLines []json.RawMessage

	halted bool
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) call(i int) remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeRemote) Execute(_ context.Context, query string, vars map[string]any) (*remote.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{query: query, vars: vars})
	fn := f.executeFn
	f.mu.Unlock()

	if fn == nil {
		return &remote.Response{Data: json.RawMessage(`{}`)}, nil
	}
	return fn(query, vars)
}

func (f *fakeRemote) RunBulkQuery(_ context.Context, _ string) (string, error) {
	if f.bulkID == "" {
		return "bulk-1", nil
	}
	return f.bulkID, nil
}

func (f *fakeRemote) WaitForBulkOperation(_ context.Context, bulkID string) (*remote.BulkOperation, error) {
	return &remote.BulkOperation{ID: bulkID, Status: "COMPLETED", URL: f.bulkURL}, nil
}

func (f *fakeRemote) FetchBulkResults(ctx context.Context, _ string, fn func(line json.RawMessage) error) error {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, fn)
	}
	for _, line := range f.bulkLines {
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRemote) Halted() bool { return f.halted }

// fakeValidator approves everything unless told otherwise.
type fakeValidator struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeValidator) Validate(_ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

// markCall records one outcome write against the fake job store.
type markCall struct {
	jobID    string
	workerID string
	errMsg   string
	runAfter time.Time
}

// fakeJobs is an in-memory JobStore. It reproduces the claim eligibility
// rule of the real store: a DELETE is not claimable while an older CREATE
// or UPDATE for the same entity is still queued, in flight, or waiting on
// a scheduled retry. Age is the order in which jobs were first seen, so a
// job pushed back after a retryable failure keeps its place.
type fakeJobs struct {
	mu       sync.Mutex
	queue    []*domain.SyncJob
	inflight map[string]*domain.SyncJob
	seq      map[string]int
	nextSeq  int

	claimErr   error
	enqueueErr error
	requeueErr error

	requeueIDs    []string
	canceled      int64
	staleClaimIDs []string
	dueWakeupIDs  []string

	enqueued   []*domain.SyncJob
	done       []markCall
	retried    []markCall
	buried     []markCall
	heartbeats int

	states map[string]*domain.ReconcileState
	saved  []domain.ReconcileState
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		inflight: map[string]*domain.SyncJob{},
		seq:      map[string]int{},
		states:   map[string]*domain.ReconcileState{},
	}
}

func (f *fakeJobs) stampLocked(job *domain.SyncJob) {
	if _, ok := f.seq[job.JobID]; ok {
		return
	}
	f.nextSeq++
	f.seq[job.JobID] = f.nextSeq
}

// deleteBlockedLocked reports whether an older CREATE or UPDATE for the
// same entity keeps this DELETE unclaimable.
func (f *fakeJobs) deleteBlockedLocked(job *domain.SyncJob) bool {
	if job.Operation != domain.OperationDelete {
		return false
	}

	blocks := func(other *domain.SyncJob) bool {
		if other.JobID == job.JobID || f.seq[other.JobID] >= f.seq[job.JobID] {
			return false
		}
		if other.EntityType != job.EntityType {
			return false
		}
		if other.Operation != domain.OperationCreate && other.Operation != domain.OperationUpdate {
			return false
		}
		if job.LocalRef != "" {
			return other.LocalRef == job.LocalRef
		}
		return job.RemoteRef != "" && other.RemoteRef == job.RemoteRef
	}

	for _, other := range f.queue {
		if blocks(other) {
			return true
		}
	}
	for _, other := range f.inflight {
		if blocks(other) {
			return true
		}
	}
	return false
}

func (f *fakeJobs) Enqueue(_ context.Context, job *domain.SyncJob) (string, bool, error) {
	if f.enqueueErr != nil {
		return "", false, f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job.JobID = fmt.Sprintf("job-%d", len(f.enqueued)+1)
	f.stampLocked(job)
	f.enqueued = append(f.enqueued, job)
	return job.JobID, false, nil
}

func (f *fakeJobs) ClaimNext(_ context.Context, workerID string) (*domain.SyncJob, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range f.queue {
		f.stampLocked(job)
	}

	for i, job := range f.queue {
		if f.deleteBlockedLocked(job) {
			continue
		}
		f.queue = append(f.queue[:i], f.queue[i+1:]...)
		job.Status = domain.JobStatusProcessing
		job.WorkerID = workerID
		f.inflight[job.JobID] = job
		return job, nil
	}
	return nil, domain.ErrNoEligibleJobs
}

func (f *fakeJobs) MarkDone(_ context.Context, jobID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, jobID)
	f.done = append(f.done, markCall{jobID: jobID, workerID: workerID})
	return nil
}

// MarkFailedRetryable keeps the job in the blocking set: the real row sits
// in FAILED with run_after set and budget left, which still holds back a
// younger DELETE.
func (f *fakeJobs) MarkFailedRetryable(_ context.Context, jobID, workerID, errMsg string, runAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, markCall{jobID: jobID, workerID: workerID, errMsg: errMsg, runAfter: runAfter})
	return nil
}

func (f *fakeJobs) MarkFailedTerminal(_ context.Context, jobID, workerID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, jobID)
	f.buried = append(f.buried, markCall{jobID: jobID, workerID: workerID, errMsg: errMsg})
	return nil
}

func (f *fakeJobs) Heartbeat(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeJobs) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeJobs) RequeueDue(_ context.Context) ([]string, int64, error) {
	if f.requeueErr != nil {
		return nil, 0, f.requeueErr
	}
	return f.requeueIDs, f.canceled, nil
}

func (f *fakeJobs) DueWakeups(_ context.Context, _ time.Duration) ([]string, error) {
	return f.dueWakeupIDs, nil
}

func (f *fakeJobs) ReleaseStaleClaims(_ context.Context, _ time.Duration) ([]string, error) {
	return f.staleClaimIDs, nil
}

func (f *fakeJobs) GetReconcileState(_ context.Context, entityType string) (*domain.ReconcileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[entityType]; ok {
		cp := *st
		return &cp, nil
	}
	return &domain.ReconcileState{EntityType: entityType}, nil
}

func (f *fakeJobs) SaveReconcileState(_ context.Context, st *domain.ReconcileState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.states[st.EntityType] = &cp
	f.saved = append(f.saved, cp)
	return nil
}

// fakeEvents counts retention purges.
type fakeEvents struct {
	purged int64
	age    time.Duration
}

func (f *fakeEvents) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.age = age
	return f.purged, nil
}

// fakePublisher records published wakeups.
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
