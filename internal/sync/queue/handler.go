// Package queue provides the durable sync queue: local mutations are persisted
// to the sync_queue table and drained against per-table remote handlers with
// exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// SyncHandler pushes one queued mutation to the remote authority and returns
// the server's view of the record.
type SyncHandler interface {
	SyncToServer(ctx context.Context, op models.Operation, recordID string, data json.RawMessage) (json.RawMessage, error)
}

// SyncHandlerFunc adapts a function to SyncHandler.
type SyncHandlerFunc func(ctx context.Context, op models.Operation, recordID string, data json.RawMessage) (json.RawMessage, error)

// SyncToServer calls f.
func (f SyncHandlerFunc) SyncToServer(ctx context.Context, op models.Operation, recordID string, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, op, recordID, data)
}

// StatusUpdater is optionally implemented by handlers whose table tracks
// per-row sync status.
type StatusUpdater interface {
	UpdateLocalSyncStatus(ctx context.Context, recordID string, status models.SyncStatus, opts models.StatusOptions) error
}

// PendingSource is optionally implemented by handlers that can list rows still
// waiting to reach the server, for the startup recovery pass.
type PendingSource interface {
	PendingSnapshots(ctx context.Context, userID string) ([]models.PendingSnapshot, error)
}

// Local is the data-service side of a table binding.
type Local interface {
	StatusUpdater
	PendingSource
}

// Bind joins a remote handler with the data service that owns the table, so
// drain outcomes are written back to local rows.
func Bind(remote SyncHandler, local Local) SyncHandler {
	return boundHandler{SyncHandler: remote, Local: local}
}

type boundHandler struct {
	SyncHandler
	Local
}

// Recorder receives queue metrics. All methods must be safe for concurrent use.
type Recorder interface {
	Enqueued(table string, op models.Operation)
	Processed(table string, op models.Operation, success bool)
	Dropped(table string)
	DrainDuration(d time.Duration)
	QueueDepth(pending, failed int)
}

type nopRecorder struct{}

func (nopRecorder) Enqueued(string, models.Operation)        {}
func (nopRecorder) Processed(string, models.Operation, bool) {}
func (nopRecorder) Dropped(string)                           {}
func (nopRecorder) DrainDuration(time.Duration)              {}
func (nopRecorder) QueueDepth(int, int)                      {}
