// Package store provides the durable single-file store shared by the edge
// services. Writers are partitioned by entity: the aggregator inserts
// events, the uploader mutates pending uploads after insert, and the sync
// worker appends KB versions. The device-state versions map has two writers
// (heartbeats and sync installs); both go through MergeDeviceVersions so
// neither erases the other's entries. The store itself serialises writes,
// so no cross-process locking is needed beyond what sqlite provides.
package store

import (
	"database/sql"
	"errors"
)

// Upload lifecycle statuses. Events share the same set minus PROCESSING.
const (
	StatusPendingUpload = "PENDING_UPLOAD"
	StatusProcessing    = "PROCESSING"
	StatusUploaded      = "UPLOADED"
	StatusFailed        = "FAILED"
)

// ErrNotFound reports a lookup for a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEvent reports an insert that would violate event_id uniqueness.
var ErrDuplicateEvent = errors.New("store: duplicate event_id")

// TerminalStatus reports whether s is a terminal lifecycle status.
func TerminalStatus(s string) bool {
	return s == StatusUploaded || s == StatusFailed
}

// Event is the stored view of a device observation. Document holds the full
// opaque event JSON exactly as accepted by the aggregator.
type Event struct {
	EventID   string `db:"event_id" json:"event_id"`
	Document  []byte `db:"document" json:"document"`
	Status    string `db:"status" json:"status"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// PendingUpload is one row of the upload queue.
type PendingUpload struct {
	UploadID      string         `db:"upload_id" json:"upload_id"`
	EventID       string         `db:"event_id" json:"event_id"`
	Filepath      string         `db:"filepath" json:"filepath"`
	Attempts      int            `db:"attempts" json:"attempts"`
	LastAttemptTS sql.NullInt64  `db:"last_attempt_ts" json:"last_attempt_ts"`
	Status        string         `db:"status" json:"status"`
	Checksum      sql.NullString `db:"checksum" json:"checksum"`
	FinalURL      sql.NullString `db:"final_url" json:"final_url"`
	CreatedAt     int64          `db:"created_at" json:"created_at"`
}

// KBVersion is one applied knowledge-base version.
type KBVersion struct {
	ID        int64  `db:"id" json:"id"`
	KBVersion string `db:"kb_version" json:"kb_version"`
	AppliedAt int64  `db:"applied_at" json:"applied_at"`
}

// DeviceState is the singleton device record keyed by device_id.
type DeviceState struct {
	DeviceID      string `db:"device_id" json:"device_id"`
	LastHeartbeat int64  `db:"last_heartbeat" json:"last_heartbeat"`
	Versions      []byte `db:"versions" json:"versions"`
}

// UploadUpdate carries the optional fields of an upload status change.
// Nil pointers leave the stored value untouched.
type UploadUpdate struct {
	Status   string
	FinalURL *string
	Checksum *string
	Attempts *int
}
