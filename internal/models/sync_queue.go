package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncQueueTable is the durable queue table.
const SyncQueueTable = "sync_queue"

// SyncMetadataTable is the key/value table holding drain timestamps.
const SyncMetadataTable = "sync_metadata"

// Metadata keys stored in sync_metadata.
const (
	MetaLastSyncAttempt    = "last_sync_attempt"
	MetaLastSuccessfulSync = "last_successful_sync"
)

// Operation is the remote mutation a queue entry performs.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ParseOperation accepts an operation name in any case.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// SyncQueueEntry is a durable unit of pending work.
// RecordID is the local id for CREATE and UPDATE, and the encoded natural key
// for DELETE. LocalID always names the local row the entry came from, so
// entries for one row drain in order whatever their RecordID. Data is a
// snapshot taken at enqueue time.
type SyncQueueEntry struct {
	ID           string          `db:"id" json:"id"`
	TableName    string          `db:"table_name" json:"table_name"`
	Operation    Operation       `db:"operation" json:"operation"`
	RecordID     string          `db:"record_id" json:"record_id"`
	LocalID      string          `db:"local_id" json:"local_id,omitempty"`
	Data         json.RawMessage `db:"data" json:"data"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	Priority     int             `db:"priority" json:"priority"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	LastAttempt  *time.Time      `db:"last_attempt" json:"last_attempt,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
}

// RowKey returns LocalID, falling back to RecordID for entries queued
// without one.
func (e *SyncQueueEntry) RowKey() string {
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.RecordID
}

// QueueStatus is the aggregate snapshot pushed to status subscribers.
// It is recomputed on demand and never persisted.
type QueueStatus struct {
	IsProcessing       bool       `json:"is_processing"`
	PendingCount       int        `json:"pending_count"`
	FailedCount        int        `json:"failed_count"`
	LastSyncAttempt    *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
}

// SyncResult is the outcome of processing one queue entry during a drain.
type SyncResult struct {
	EntryID    string          `json:"entry_id"`
	TableName  string          `json:"table_name"`
	Operation  Operation       `json:"operation"`
	RecordID   string          `json:"record_id"`
	Success    bool            `json:"success"`
	Dropped    bool            `json:"dropped,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	ServerData json.RawMessage `json:"server_data,omitempty"`
}

// StatusOptions carries the outcome details a queue drain reports back to the
// owning data service.
type StatusOptions struct {
	ErrorMessage string
	RetryCount   int
	// QueuedAt is the enqueue time of the entry that produced the outcome. A
	// synced outcome only applies to rows not modified after it.
	QueuedAt        time.Time
	AttemptedAt     time.Time
	ServerUpdatedAt *time.Time
	ServerData      json.RawMessage
}

// PendingSnapshot is a local row that still needs to reach the server, as seen
// by the startup recovery pass.
type PendingSnapshot struct {
	RecordID  string
	Operation Operation
	Data      json.RawMessage
	Priority  int
}
