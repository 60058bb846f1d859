// Package offline provides the generic offline data service: local CRUD over
// one entity table, per-row sync-status bookkeeping, and reconciliation of
// records pulled from the server.
package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/db"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// DateLayout is the TEXT representation of calendar-date columns.
const DateLayout = "2006-01-02"

// Column is an entity-specific column and its SQL declaration.
type Column struct {
	Name string
	Decl string
}

// Mapper describes how one entity type is stored. Implementations map the
// entity through a typed row struct and own the codecs for nested fields.
type Mapper[T any] interface {
	// Table is the local table name, also used as the queue table name.
	Table() string
	// Columns lists the entity columns in the order Encode and Targets use.
	Columns() []Column
	// NaturalKey names the entity columns that, together with user_id,
	// identify a record on the server. May be empty for single-row entities.
	NaturalKey() []string
	// DateColumn is filtered by Query.From/To and drives retention. Empty if none.
	DateColumn() string
	// ActiveColumn is an INTEGER 0/1 flag column. Empty if none.
	ActiveColumn() string
	// OrderColumn orders GetRecords results.
	OrderColumn() string
	// Priority is the queue priority of this entity's mutations.
	Priority() int
	// Encode validates data and returns column values in Columns order.
	Encode(data T) ([]any, error)
	// Targets returns scan destinations in Columns order and a function that
	// assembles the entity once the row has been scanned.
	Targets() ([]any, func() (T, error))
}

// Store is the local store the service writes through.
type Store interface {
	db.Executor
	RunInTransaction(ctx context.Context, fn func(tx *db.Tx) error) error
}

// Enqueuer hands local mutations to the sync queue.
type Enqueuer interface {
	QueueOperation(ctx context.Context, table string, op models.Operation, recordID string, data json.RawMessage, priority int) (*models.SyncQueueEntry, error)
}

// LocalEnqueuer is an Enqueuer that also records which local row an entry
// came from. Deletes use it so they stay ordered behind the row's earlier
// entries.
type LocalEnqueuer interface {
	Enqueuer
	QueueLocalOperation(ctx context.Context, table string, op models.Operation, localID, recordID string, data json.RawMessage, priority int) (*models.SyncQueueEntry, error)
}

// Query filters GetRecords.
type Query struct {
	// ExcludeLocalOnly drops rows that were never confirmed by the server.
	ExcludeLocalOnly bool
	// From and To bound the entity date column, inclusive. Zero means open.
	From time.Time
	To   time.Time
	// Active filters on the entity active flag when set.
	Active *bool
	// Limit caps the result size when positive.
	Limit int
	// Ascending reverses the default newest-first order.
	Ascending bool
}

// ServerRecord is one record pulled from the remote authority.
type ServerRecord[T any] struct {
	Data      T         `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeResult summarizes a MergeServerData call.
type MergeResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	// OverwrotePending counts rows with unsynced local content that were
	// replaced by the server version.
	OverwrotePending int `json:"overwrote_pending"`
}

// Options configures a Service.
type Options struct {
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}
