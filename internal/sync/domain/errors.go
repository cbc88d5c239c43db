package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a sync job cannot be located.
	ErrJobNotFound = errors.New("sync job not found")

	// ErrNoEligibleJobs is returned by a claim attempt when no pending job
	// is due.
	ErrNoEligibleJobs = errors.New("no eligible pending jobs")

	// ErrJobNotRetryable is returned when an operator retries a job that is
	// not in a terminal failed state.
	ErrJobNotRetryable = errors.New("job is not in a terminal failed state")

	// ErrMappingNotFound is returned when no identity mapping exists for
	// the requested ref.
	ErrMappingNotFound = errors.New("identity mapping not found")

	// ErrMappingArchived is returned when a change arrives for an entity
	// whose local record was already deleted.
	ErrMappingArchived = errors.New("identity mapping is archived")

	// ErrAlreadyMapped is returned by a create reservation when the local
	// record already has a remote counterpart.
	ErrAlreadyMapped = errors.New("identity mapping already exists")

	// ErrReservationHeld signals that another worker holds the create
	// reservation for the same local record.
	ErrReservationHeld = errors.New("identity reservation held by another worker")

	// ErrUnknownEntityType is returned for an entity type outside the
	// supported set.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrRecordNotFound is returned when a local record does not exist or
	// was deleted.
	ErrRecordNotFound = errors.New("local record not found")

	// ErrSyncHalted is returned while the remote client refuses calls after
	// an authentication failure.
	ErrSyncHalted = errors.New("remote calls halted until credentials are fixed")
)

// Kind classifies a sync failure. The worker's retry decision is driven by
// the kind alone, never by matching on message text.
type Kind string

const (
	// KindValidation covers payloads or field values the remote platform
	// rejected. Terminal.
	KindValidation Kind = "validation"

	// KindAuth covers invalid or revoked credentials. Terminal, and halts
	// further remote calls until an operator intervenes.
	KindAuth Kind = "auth"

	// KindThrottle covers rate limit rejections. Retryable after the
	// server-suggested wait.
	KindThrottle Kind = "throttle"

	// KindTransient covers network failures and 5xx responses. Retryable
	// with backoff.
	KindTransient Kind = "transient"

	// KindConflict covers divergent concurrent edits that need a manual
	// decision. Terminal.
	KindConflict Kind = "conflict"

	// KindBulkTimeout covers bulk operations that exceeded the polling
	// deadline. Retryable; the rerun starts a fresh bulk operation.
	KindBulkTimeout Kind = "bulk-timeout"
)

// SyncError carries a failure kind across the remote client and worker
// boundary. RetryAfter holds a server-suggested wait when one was provided.
type SyncError struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a classified failure with a static message.
func NewSyncError(kind Kind, op, message string) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message}
}

// WrapSyncError classifies an underlying error without losing it.
func WrapSyncError(kind Kind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from err. Unclassified errors count as
// transient so an unexpected database or network failure retries rather
// than burying the job.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Retryable reports whether the failure should re-enter the queue.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindThrottle, KindTransient, KindBulkTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the server-suggested wait attached to err, or zero.
func RetryAfterOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
