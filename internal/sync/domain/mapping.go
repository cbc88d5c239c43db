package domain

import (
	"strings"
	"time"
)

// ReservedRemoteRefPrefix marks a mapping row that reserves the (entity_type,
// local_ref) slot while an outbound create is in flight. The placeholder is
// replaced with the real remote ref once the remote object exists, so two
// workers can never create two remote objects for the same local record.
const ReservedRemoteRefPrefix = "reserved:"

// LevelRefSeparator joins an inventory item ref and a location ref into the
// composite ref that addresses an inventory level on both sides. Levels have
// no id of their own, so the pair is the identity.
const LevelRefSeparator = "|"

// WriteOrigin tags a local store mutation with the subsystem that performed
// it. Change hooks fire only for non-sync origins; a worker applying an
// inbound job writes with WriteOriginSync and never re-enqueues itself.
type WriteOrigin string

const (
	WriteOriginApplication WriteOrigin = "application"
	WriteOriginSync        WriteOrigin = "sync-engine"
)

// IdentityMapping links a local record to its remote counterpart for one
// entity type. At most one mapping exists per (entity_type, local_ref) and
// per (entity_type, remote_ref).
type IdentityMapping struct {
	EntityType   string
	LocalRef     string
	RemoteRef    string
	ContentHash  string
	LastSyncedAt time.Time
	ArchivedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Archived reports whether the local record behind this mapping was deleted.
// Archived mappings keep the ref pair so late events for the entity can be
// recognized and dropped instead of recreating the record.
func (m *IdentityMapping) Archived() bool {
	return !m.ArchivedAt.IsZero()
}

// Reserved reports whether the mapping is a create-in-flight placeholder
// rather than a finalized link.
func (m *IdentityMapping) Reserved() bool {
	return strings.HasPrefix(m.RemoteRef, ReservedRemoteRefPrefix)
}
