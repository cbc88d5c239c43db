package domain

import "time"

// Entity types the engine synchronizes. The set is closed: a worker resolves
// the syncer for a claimed job from this set once, at claim time.
const (
	EntityProduct        = "product"
	EntityVariant        = "variant"
	EntityInventoryLevel = "inventory_level"
	EntityOrder          = "order"
	EntityCustomer       = "customer"
)

// EntityTypes lists every supported entity type in reconcile sweep order.
// Products before variants so inbound imports see parents first.
var EntityTypes = []string{
	EntityProduct,
	EntityVariant,
	EntityInventoryLevel,
	EntityOrder,
	EntityCustomer,
}

// ValidEntityType reports whether s names a supported entity type.
func ValidEntityType(s string) bool {
	for _, t := range EntityTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Sync operations.
const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
	OperationImport = "IMPORT"
)

// Sync directions. Inbound jobs pull remote state into the local store,
// outbound jobs push local state to the remote platform.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Job status constants.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusDone       = "DONE"
	JobStatusFailed     = "FAILED"
	JobStatusCanceled   = "CANCELED"
)

// Job origins record which subsystem enqueued a job.
const (
	OriginWebhook     = "webhook"
	OriginReconcile   = "reconcile"
	OriginLocalChange = "local-change"
	OriginOperator    = "operator"
)

// Priority bands. Lower values are claimed first.
const (
	PriorityHigh    = 1
	PriorityDefault = 5
	PriorityLow     = 9
)

// SyncJob is one unit of sync work. LocalRef and RemoteRef are empty when
// unknown: an inbound CREATE has no LocalRef until the record is written,
// an outbound CREATE has no RemoteRef until the remote object exists, and a
// full-catalog IMPORT carries neither.
type SyncJob struct {
	JobID          string
	EntityType     string
	Operation      string
	Direction      string
	LocalRef       string
	RemoteRef      string
	Payload        string
	Origin         string
	Priority       int
	Status         string
	RetryCount     int
	MaxRetries     int
	LastError      string
	WorkerID       string
	TimeoutSeconds int
	RunAfter       time.Time
	HeartbeatAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TerminalFailure reports whether the job failed for good: either the retry
// budget is spent or the failure was classified as not retryable, which is
// stored as a NULL run_after.
func (j *SyncJob) TerminalFailure() bool {
	if j.Status != JobStatusFailed {
		return false
	}
	return j.RunAfter.IsZero() || j.RetryCount >= j.MaxRetries
}
