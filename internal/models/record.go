// Package models provides the data model definitions shared by the offline
// data services and the sync queue.
package models

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncStatus is the per-row synchronization state. A row holds exactly one.
type SyncStatus string

const (
	SyncStatusLocalOnly SyncStatus = "local_only"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusConflict  SyncStatus = "conflict"
	SyncStatusFailed    SyncStatus = "failed"
)

// ParseSyncStatus validates a stored status value.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncStatusLocalOnly, SyncStatusSynced, SyncStatusConflict, SyncStatusFailed:
		return SyncStatus(s), nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// NeedsSync reports whether the row still has content the server has not
// confirmed. Conflict rows are excluded; they wait for a new local mutation
// or a server merge.
func (s SyncStatus) NeedsSync() bool {
	return s == SyncStatusLocalOnly || s == SyncStatusFailed
}

// OfflineRecord is a local row wrapping one domain entity.
type OfflineRecord[T any] struct {
	LocalID         string     `json:"local_id"`
	UserID          string     `json:"user_id"`
	Data            T          `json:"data"`
	SyncStatus      SyncStatus `json:"sync_status"`
	RetryCount      int        `json:"retry_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsSynced reports whether the row matches the remote authority.
func (r *OfflineRecord[T]) IsSynced() bool {
	return r.SyncStatus == SyncStatusSynced
}

// Nanos converts t to the INTEGER representation used in every table.
func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

// FromNanos converts a stored INTEGER timestamp back to UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// FromNullNanos converts a nullable stored timestamp.
func FromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}

// NullNanos converts an optional time to a nullable column value.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
