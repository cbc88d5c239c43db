package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/meshvale/storesync/internal/sync/domain"
	"github.com/meshvale/storesync/internal/sync/localstore"
	"github.com/meshvale/storesync/internal/sync/remote"
)

// importConcurrency bounds how many bulk result records apply in parallel.
const importConcurrency = 4

// JobStore is the queue surface the worker consumes.
type JobStore interface {
	Enqueue(ctx context.Context, job *domain.SyncJob) (string, bool, error)
	ClaimNext(ctx context.Context, workerID string) (*domain.SyncJob, error)
	MarkDone(ctx context.Context, jobID, workerID string) error
	MarkFailedRetryable(ctx context.Context, jobID, workerID, errMsg string, runAfter time.Time) error
	MarkFailedTerminal(ctx context.Context, jobID, workerID, errMsg string) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	RequeueDue(ctx context.Context) ([]string, int64, error)
	DueWakeups(ctx context.Context, grace time.Duration) ([]string, error)
	ReleaseStaleClaims(ctx context.Context, claimTimeout time.Duration) ([]string, error)
	GetReconcileState(ctx context.Context, entityType string) (*domain.ReconcileState, error)
	SaveReconcileState(ctx context.Context, st *domain.ReconcileState) error
}

// IdentityStore resolves and maintains local/remote identity pairs.
type IdentityStore interface {
	ResolveLocal(ctx context.Context, entityType, localRef string) (*domain.IdentityMapping, error)
	ResolveRemote(ctx context.Context, entityType, remoteRef string) (*domain.IdentityMapping, error)
	Upsert(ctx context.Context, entityType, localRef, remoteRef, contentHash string) error
	UpdateHash(ctx context.Context, entityType, localRef, contentHash string) error
	Archive(ctx context.Context, entityType, localRef string) error
	ListActive(ctx context.Context, entityType string) ([]domain.IdentityMapping, error)
	Reserve(ctx context.Context, entityType, localRef string) (string, error)
	Finalize(ctx context.Context, entityType, localRef, token, remoteRef, contentHash string) error
	Release(ctx context.Context, entityType, localRef, token string) error
	ReleaseStaleReservations(ctx context.Context, age time.Duration) (int64, error)
}

// LocalStore is the local persistence collaborator the syncers read and
// write. Every write carries an explicit origin so the store can suppress
// its change hook for the engine's own writes.
type LocalStore interface {
	Get(ctx context.Context, entityType, localRef string) (*localstore.Record, error)
	Apply(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string, payload []byte) error
	Delete(ctx context.Context, origin domain.WriteOrigin, entityType, localRef string) error
	ListActive(ctx context.Context, entityType string) ([]localstore.Record, error)
}

// RemoteGateway is the remote platform client surface.
type RemoteGateway interface {
	Execute(ctx context.Context, query string, variables map[string]any) (*remote.Response, error)
	RunBulkQuery(ctx context.Context, query string) (string, error)
	WaitForBulkOperation(ctx context.Context, bulkID string) (*remote.BulkOperation, error)
	FetchBulkResults(ctx context.Context, url string, fn func(line json.RawMessage) error) error
	Halted() bool
}

// PayloadValidator checks inbound payloads before any local write.
type PayloadValidator interface {
	Validate(entityType string, payload []byte) error
}

// EventStore is the webhook bookkeeping surface the retention sweep uses.
type EventStore interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// WakePublisher publishes queue wakeup hints to the broker.
type WakePublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// EntitySyncer applies sync jobs for exactly one entity type. The set of
// syncers is closed and a worker resolves the right one once per claimed job.
type EntitySyncer interface {
	EntityType() string

	// Exportable reports whether local-only records may be pushed to the
	// platform as creates. The reconciler consults this before enqueuing
	// export jobs.
	Exportable() bool

	Apply(ctx context.Context, job *domain.SyncJob) error
}

// syncerDeps bundles the collaborators every entity syncer shares.
type syncerDeps struct {
	identity  IdentityStore
	local     LocalStore
	remote    RemoteGateway
	validator PayloadValidator
	logger    *slog.Logger
}

// newSyncers builds the registry of entity syncers, one per supported type.
func newSyncers(deps syncerDeps) map[string]EntitySyncer {
	syncers := []EntitySyncer{
		newProductSyncer(deps),
		newVariantSyncer(deps),
		newInventorySyncer(deps),
		newOrderSyncer(deps),
		newCustomerSyncer(deps),
	}

	registry := make(map[string]EntitySyncer, len(syncers))
	for _, s := range syncers {
		registry[s.EntityType()] = s
	}
	return registry
}

// base carries the sync flows shared by the entity syncers. The concrete
// syncers embed it and contribute their remote mutation surface.
type base struct {
	entityType string
	syncerDeps
}

func (b *base) EntityType() string { return b.entityType }

func (b *base) Exportable() bool { return true }

func (b *base) op(action string) string {
	return fmt.Sprintf("sync.%s.%s", b.entityType, action)
}

// createFunc performs the remote create mutation and returns the new remote
// ref. updateFunc and deleteFunc mutate an existing remote object.
type createFunc func(ctx context.Context, payload []byte) (string, error)
type updateFunc func(ctx context.Context, remoteRef string, payload []byte) error
type deleteFunc func(ctx context.Context, remoteRef string) error

// mutate runs one mutation document and returns its data payload after the
// platform's userErrors check.
func (b *base) mutate(ctx context.Context, doc, root string, vars map[string]any) (json.RawMessage, error) {
	resp, err := b.remote.Execute(ctx, doc, vars)
	if err != nil {
		return nil, err
	}
	if err := remote.MutationUserErrors(resp.Data, root); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// createdRef digs data.<root>.<objectKey>.id out of a mutation response.
func createdRef(data json.RawMessage, root, objectKey string) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", domain.WrapSyncError(domain.KindTransient, "sync.extract", fmt.Errorf("failed to decode mutation response: %w", err))
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(envelope[root], &inner); err != nil {
		return "", domain.WrapSyncError(domain.KindTransient, "sync.extract", fmt.Errorf("mutation root %q missing: %w", root, err))
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(inner[objectKey], &obj); err != nil || obj.ID == "" {
		return "", domain.NewSyncError(domain.KindTransient, "sync.extract", fmt.Sprintf("mutation response carries no %s.%s.id", root, objectKey))
	}
	return obj.ID, nil
}

// applyInboundJob dispatches an inbound job. CREATE and UPDATE apply the
// payload carried by the job, fetching the live object when the job carries
// none. IMPORT with a remote ref fetches one object; without one it runs the
// full catalog through the bulk pipeline. DELETE removes the local record
// and archives the mapping.
func (b *base) applyInboundJob(ctx context.Context, job *domain.SyncJob, fetchDoc, bulkDoc string) error {
	switch job.Operation {
	case domain.OperationDelete:
		return b.deleteInbound(ctx, job)
	case domain.OperationImport:
		if job.RemoteRef == "" {
			return b.importAll(ctx, bulkDoc)
		}
		return b.applyRemoteObject(ctx, job.RemoteRef, nil, fetchDoc)
	case domain.OperationCreate, domain.OperationUpdate:
		return b.applyRemoteObject(ctx, job.RemoteRef, []byte(job.Payload), fetchDoc)
	default:
		return domain.NewSyncError(domain.KindValidation, b.op("apply"), fmt.Sprintf("unsupported inbound operation %s", job.Operation))
	}
}

// applyRemoteObject writes one remote object into the local store and
// records the new identity state. The content hash gate makes re-deliveries
// and round-trips of the engine's own outbound pushes no-ops.
func (b *base) applyRemoteObject(ctx context.Context, remoteRef string, payload []byte, fetchDoc string) error {
	if remoteRef == "" {
		return domain.NewSyncError(domain.KindValidation, b.op("apply"), "inbound job carries no remote ref")
	}

	if len(payload) == 0 {
		fetched, err := b.fetchRemoteObject(ctx, remoteRef, fetchDoc)
		if err != nil {
			return err
		}
		if fetched == nil {
			// Gone on the platform; the matching delete is either queued or
			// the next sweep notices.
			b.logger.Warn("Remote object vanished before inbound apply",
				slog.String("entity_type", b.entityType),
				slog.String("remote_ref", remoteRef),
			)
			return nil
		}
		payload = fetched
	}

	if err := b.validator.Validate(b.entityType, payload); err != nil {
		return err
	}

	hash, err := domain.ContentHash(payload)
	if err != nil {
		return domain.WrapSyncError(domain.KindValidation, b.op("apply"), err)
	}

	mapping, err := b.identity.ResolveRemote(ctx, b.entityType, remoteRef)
	if err != nil && !errors.Is(err, domain.ErrMappingNotFound) {
		return err
	}

	var localRef string
	switch {
	case mapping != nil && mapping.Archived():
		// The local record is gone. Late events for the pair are dropped so
		// a deleted entity does not resurrect.
		b.logger.Info("Dropping inbound change for archived entity",
			slog.String("entity_type", b.entityType),
			slog.String("remote_ref", remoteRef),
		)
		return nil
	case mapping != nil && mapping.ContentHash == hash:
		b.logger.Debug("Skipping inbound no-op, content unchanged",
			slog.String("entity_type", b.entityType),
			slog.String("remote_ref", remoteRef),
		)
		return nil
	case mapping != nil:
		localRef = mapping.LocalRef
	default:
		localRef = uuid.New().String()
	}

	if err := b.local.Apply(ctx, domain.WriteOriginSync, b.entityType, localRef, payload); err != nil {
		return err
	}

	if err := b.identity.Upsert(ctx, b.entityType, localRef, remoteRef, hash); err != nil {
		return err
	}

	b.logger.Info("Applied inbound change",
		slog.String("entity_type", b.entityType),
		slog.String("local_ref", localRef),
		slog.String("remote_ref", remoteRef),
	)
	return nil
}

// fetchRemoteObject loads one object by remote ref. A nil payload with nil
// error means the object no longer exists.
func (b *base) fetchRemoteObject(ctx context.Context, remoteRef, fetchDoc string) (json.RawMessage, error) {
	resp, err := b.remote.Execute(ctx, fetchDoc, map[string]any{"id": remoteRef})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Node json.RawMessage `json:"node"`
	}
	if err := json.Unmarshal(resp.Data, &envelope); err != nil {
		return nil, domain.WrapSyncError(domain.KindTransient, b.op("fetch"), fmt.Errorf("failed to decode node envelope: %w", err))
	}
	if len(envelope.Node) == 0 || string(envelope.Node) == "null" {
		return nil, nil
	}
	return envelope.Node, nil
}

// deleteInbound removes the local record behind a remote deletion and
// archives the mapping so later events for the pair are recognized.
func (b *base) deleteInbound(ctx context.Context, job *domain.SyncJob) error {
	mapping, err := b.identity.ResolveRemote(ctx, b.entityType, job.RemoteRef)
	if errors.Is(err, domain.ErrMappingNotFound) {
		b.logger.Info("Inbound delete for unmapped entity, nothing to do",
			slog.String("entity_type", b.entityType),
			slog.String("remote_ref", job.RemoteRef),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if mapping.Archived() {
		return nil
	}

	if err := b.local.Delete(ctx, domain.WriteOriginSync, b.entityType, mapping.LocalRef); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}

	if err := b.identity.Archive(ctx, b.entityType, mapping.LocalRef); err != nil && !errors.Is(err, domain.ErrMappingNotFound) {
		return err
	}

	b.logger.Info("Applied inbound delete",
		slog.String("entity_type", b.entityType),
		slog.String("local_ref", mapping.LocalRef),
		slog.String("remote_ref", job.RemoteRef),
	)
	return nil
}

// importAll pulls the full remote catalog through the bulk pipeline and
// applies every record. Applies run concurrently; re-runs are cheap because
// unchanged records short-circuit on the content hash.
func (b *base) importAll(ctx context.Context, bulkDoc string) error {
	bulkID, err := b.remote.RunBulkQuery(ctx, bulkDoc)
	if err != nil {
		return err
	}

	op, err := b.remote.WaitForBulkOperation(ctx, bulkID)
	if err != nil {
		return err
	}
	if op.URL == "" {
		b.logger.Info("Bulk import finished with no results",
			slog.String("entity_type", b.entityType),
			slog.String("bulk_id", bulkID),
		)
		return nil
	}

	var applied, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)

	fetchErr := b.remote.FetchBulkResults(gctx, op.URL, func(line json.RawMessage) error {
		g.Go(func() error {
			var node struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(line, &node); err != nil || node.ID == "" {
				skipped.Add(1)
				return nil
			}
			if err := b.applyRemoteObject(gctx, node.ID, line, ""); err != nil {
				return err
			}
			applied.Add(1)
			return nil
		})
		return nil
	})

	// A failing apply cancels gctx and aborts the in-flight fetch, so the
	// group error carries the root cause; the fetch error is then only the
	// cancellation it triggered.
	if waitErr := g.Wait(); waitErr != nil {
		return waitErr
	}
	if fetchErr != nil {
		return fetchErr
	}

	b.logger.Info("Bulk import applied",
		slog.String("entity_type", b.entityType),
		slog.String("bulk_id", bulkID),
		slog.Int64("applied", applied.Load()),
		slog.Int64("skipped", skipped.Load()),
	)
	return nil
}

// outboundPayload prefers the snapshot carried by the job and falls back to
// the live local record. A nil payload with nil error means the record no
// longer exists.
func (b *base) outboundPayload(ctx context.Context, job *domain.SyncJob) ([]byte, error) {
	if job.Payload != "" {
		return []byte(job.Payload), nil
	}

	rec, err := b.local.Get(ctx, b.entityType, job.LocalRef)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(rec.Payload), nil
}

// outboundCreate pushes a local record to the platform for the first time.
// The reservation keeps a second worker from racing a duplicate create for
// the same local record; it is held across the network call and replaced by
// the finalized mapping on success.
func (b *base) outboundCreate(ctx context.Context, job *domain.SyncJob, create createFunc, update updateFunc) error {
	if create == nil {
		return domain.NewSyncError(domain.KindValidation, b.op("create"), "outbound create not supported for "+b.entityType)
	}

	payload, err := b.outboundPayload(ctx, job)
	if err != nil {
		return err
	}
	if payload == nil {
		b.logger.Warn("Local record vanished before outbound create",
			slog.String("entity_type", b.entityType),
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	}

	hash, err := domain.ContentHash(payload)
	if err != nil {
		return domain.WrapSyncError(domain.KindValidation, b.op("create"), err)
	}

	token, err := b.identity.Reserve(ctx, b.entityType, job.LocalRef)
	if errors.Is(err, domain.ErrAlreadyMapped) {
		// A previous attempt or another producer already created the remote
		// object. Push the current state instead.
		return b.outboundUpdate(ctx, job, create, update)
	}
	if errors.Is(err, domain.ErrReservationHeld) {
		return domain.WrapSyncError(domain.KindTransient, b.op("create"), err)
	}
	if err != nil {
		return err
	}

	remoteRef, err := create(ctx, payload)
	if err != nil {
		if relErr := b.identity.Release(ctx, b.entityType, job.LocalRef, token); relErr != nil {
			b.logger.Warn("Failed to release create reservation",
				slog.String("entity_type", b.entityType),
				slog.String("local_ref", job.LocalRef),
				slog.String("error", relErr.Error()),
			)
		}
		return err
	}

	if err := b.identity.Finalize(ctx, b.entityType, job.LocalRef, token, remoteRef, hash); err != nil {
		return err
	}

	b.logger.Info("Created remote object",
		slog.String("entity_type", b.entityType),
		slog.String("local_ref", job.LocalRef),
		slog.String("remote_ref", remoteRef),
	)
	return nil
}

// outboundUpdate pushes the current local state of an already-mapped record.
// An unmapped record falls through to the create path so an early local edit
// does not strand it unsynced.
func (b *base) outboundUpdate(ctx context.Context, job *domain.SyncJob, create createFunc, update updateFunc) error {
	payload, err := b.outboundPayload(ctx, job)
	if err != nil {
		return err
	}
	if payload == nil {
		b.logger.Warn("Local record vanished before outbound update",
			slog.String("entity_type", b.entityType),
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	}

	hash, err := domain.ContentHash(payload)
	if err != nil {
		return domain.WrapSyncError(domain.KindValidation, b.op("update"), err)
	}

	mapping, err := b.identity.ResolveLocal(ctx, b.entityType, job.LocalRef)
	if errors.Is(err, domain.ErrMappingNotFound) {
		return b.outboundCreate(ctx, job, create, update)
	}
	if err != nil {
		return err
	}

	switch {
	case mapping.Archived():
		b.logger.Info("Dropping outbound update for archived entity",
			slog.String("entity_type", b.entityType),
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	case mapping.Reserved():
		return domain.NewSyncError(domain.KindTransient, b.op("update"), "create still in flight for this record")
	case mapping.ContentHash == hash:
		b.logger.Debug("Skipping outbound no-op, content unchanged",
			slog.String("entity_type", b.entityType),
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	}

	if update == nil {
		return domain.NewSyncError(domain.KindValidation, b.op("update"), "outbound update not supported for "+b.entityType)
	}

	if err := update(ctx, mapping.RemoteRef, payload); err != nil {
		return err
	}

	if err := b.identity.UpdateHash(ctx, b.entityType, job.LocalRef, hash); err != nil {
		return err
	}

	b.logger.Info("Pushed outbound update",
		slog.String("entity_type", b.entityType),
		slog.String("local_ref", job.LocalRef),
		slog.String("remote_ref", mapping.RemoteRef),
	)
	return nil
}

// outboundDelete removes the remote counterpart of a locally deleted record
// and archives the mapping.
func (b *base) outboundDelete(ctx context.Context, job *domain.SyncJob, remove deleteFunc) error {
	mapping, err := b.identity.ResolveLocal(ctx, b.entityType, job.LocalRef)
	if errors.Is(err, domain.ErrMappingNotFound) {
		b.logger.Info("Outbound delete for never-synced record, nothing to do",
			slog.String("entity_type", b.entityType),
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if mapping.Archived() {
		return nil
	}
	if mapping.Reserved() {
		return domain.NewSyncError(domain.KindTransient, b.op("delete"), "create still in flight for this record")
	}

	if remove == nil {
		// No remote delete for this entity type. Archive anyway so late
		// events for the pair are still recognized.
		return b.identity.Archive(ctx, b.entityType, job.LocalRef)
	}

	if err := remove(ctx, mapping.RemoteRef); err != nil {
		return err
	}

	if err := b.identity.Archive(ctx, b.entityType, job.LocalRef); err != nil && !errors.Is(err, domain.ErrMappingNotFound) {
		return err
	}

	b.logger.Info("Deleted remote object",
		slog.String("entity_type", b.entityType),
		slog.String("local_ref", job.LocalRef),
		slog.String("remote_ref", mapping.RemoteRef),
	)
	return nil
}
