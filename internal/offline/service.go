package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/uuid"
)

const baseColumns = "local_id, user_id, sync_status, retry_count, error_message, last_sync_attempt, server_updated_at, created_at, updated_at"

// flipSynced is applied by every local mutation so a synced row never holds
// unsynced content.
const flipSynced = "sync_status = CASE WHEN sync_status = 'synced' THEN 'local_only' ELSE sync_status END"

// Service manages one entity table. Writes are serialized per service.
type Service[T any] struct {
	store  Store
	mapper Mapper[T]
	queue  Enqueuer
	now    func() time.Time

	mu sync.Mutex

	table      string
	columns    []string
	selectCols string
	keyIndex   []int
}

// New creates a service for the entity described by mapper. queue may be nil,
// in which case mutations stay local.
func New[T any](store Store, mapper Mapper[T], queue Enqueuer, opts Options) *Service[T] {
	s := &Service[T]{
		store:  store,
		mapper: mapper,
		queue:  queue,
		now:    opts.Now,
		table:  mapper.Table(),
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, c := range mapper.Columns() {
		s.columns = append(s.columns, c.Name)
	}
	s.selectCols = baseColumns
	if len(s.columns) > 0 {
		s.selectCols += ", " + strings.Join(s.columns, ", ")
	}
	for _, key := range mapper.NaturalKey() {
		for i, name := range s.columns {
			if name == key {
				s.keyIndex = append(s.keyIndex, i)
			}
		}
	}
	return s
}

// Table returns the entity table name.
func (s *Service[T]) Table() string {
	return s.table
}

// Priority returns the queue priority of this entity's mutations.
func (s *Service[T]) Priority() int {
	return s.mapper.Priority()
}

// Init creates the entity table and its indexes.
func (s *Service[T]) Init(ctx context.Context) error {
	if len(s.keyIndex) != len(s.mapper.NaturalKey()) {
		return apperrors.Newf(apperrors.ErrInvalid, "%s: natural key references unknown column", s.table)
	}
	if _, err := s.store.Execute(ctx, s.schema()); err != nil {
		return apperrors.Storage(fmt.Sprintf("create table %s", s.table), err)
	}
	return nil
}

func (s *Service[T]) schema() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", s.table)
	b.WriteString("    local_id TEXT PRIMARY KEY,\n")
	b.WriteString("    user_id TEXT NOT NULL CHECK(length(user_id) > 0),\n")
	for _, c := range s.mapper.Columns() {
		fmt.Fprintf(&b, "    %s %s,\n", c.Name, c.Decl)
	}
	b.WriteString("    sync_status TEXT NOT NULL DEFAULT 'local_only' CHECK(sync_status IN ('local_only', 'synced', 'conflict', 'failed')),\n")
	b.WriteString("    retry_count INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("    last_sync_attempt INTEGER,\n")
	b.WriteString("    error_message TEXT,\n")
	b.WriteString("    created_at INTEGER NOT NULL,\n")
	b.WriteString("    updated_at INTEGER NOT NULL,\n")
	b.WriteString("    server_updated_at INTEGER,\n")
	fmt.Fprintf(&b, "    UNIQUE(%s)\n", strings.Join(append([]string{"user_id"}, s.mapper.NaturalKey()...), ", "))
	b.WriteString(");\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_user_status ON %s (user_id, sync_status);\n", s.table, s.table)
	if order := s.mapper.OrderColumn(); order != "" {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_user_order ON %s (user_id, %s);\n", s.table, s.table, order)
	}
	return b.String()
}

// =====================================================
// Local CRUD
// =====================================================

// Create inserts a local_only row and enqueues a CREATE. timestamp is the
// record creation time; zero means now. If the row is written but the enqueue
// fails, the local id is returned together with the error and the row is
// picked up again by the startup recovery pass.
func (s *Service[T]) Create(ctx context.Context, userID string, data T, timestamp time.Time) (string, error) {
	if userID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	values, err := s.mapper.Encode(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	localID, err := s.insert(ctx, s.store, userID, values, timestamp, models.SyncStatusLocalOnly, nil)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, models.OperationCreate, localID, data); err != nil {
		return localID, err
	}
	return localID, nil
}

func (s *Service[T]) insert(ctx context.Context, exec db.Executor, userID string, values []any, timestamp time.Time, status models.SyncStatus, serverAt *time.Time) (string, error) {
	now := s.now()
	if timestamp.IsZero() {
		timestamp = now
	}
	localID := uuid.NewLocalID()

	cols := append([]string{"local_id", "user_id"}, s.columns...)
	cols = append(cols, "sync_status", "retry_count", "created_at", "updated_at", "server_updated_at")
	args := append([]any{localID, userID}, values...)
	args = append(args, string(status), 0, models.Nanos(timestamp), models.Nanos(now), models.NullNanos(serverAt))

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := exec.Execute(ctx, query, args...); err != nil {
		return "", apperrors.Storage(fmt.Sprintf("insert into %s", s.table), err)
	}
	return localID, nil
}

// Update applies fn to the stored entity and writes the result back in one
// transaction. A synced row flips to local_only in the same statement;
// failed and conflict rows keep their status and error until the next
// successful sync.
func (s *Service[T]) Update(ctx context.Context, localID string, fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data T
	err := s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		rec, err := s.getByID(ctx, tx, localID)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s record %s not found", s.table, localID)
		}
		if err := fn(&rec.Data); err != nil {
			return err
		}
		values, err := s.mapper.Encode(rec.Data)
		if err != nil {
			return err
		}
		data = rec.Data
		return s.rewrite(ctx, tx, localID, values)
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, models.OperationUpdate, localID, data)
}

// UpdateJSON applies a JSON object of changed fields to the stored entity.
// Each top-level field in patch replaces the stored value whole, so a map or
// slice field is overwritten rather than merged. Fields absent from patch
// keep their stored values.
func (s *Service[T]) UpdateJSON(ctx context.Context, localID string, patch json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "decode update patch", err)
	}
	return s.Update(ctx, localID, func(data *T) error {
		current, err := json.Marshal(data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodec, "encode stored "+s.table, err)
		}
		merged := make(map[string]json.RawMessage)
		if err := json.Unmarshal(current, &merged); err != nil {
			return apperrors.Wrap(apperrors.ErrCodec, "decode stored "+s.table, err)
		}
		for k, v := range fields {
			merged[k] = v
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodec, "encode patched "+s.table, err)
		}
		var next T
		if err := json.Unmarshal(out, &next); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "decode update patch", err)
		}
		*data = next
		return nil
	})
}

func (s *Service[T]) rewrite(ctx context.Context, exec db.Executor, localID string, values []any) error {
	sets := make([]string, 0, len(s.columns)+2)
	for _, c := range s.columns {
		sets = append(sets, c+" = ?")
	}
	sets = append(sets, "updated_at = ?", flipSynced)

	args := append(append([]any{}, values...), models.Nanos(s.now()), localID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE local_id = ?", s.table, strings.Join(sets, ", "))
	if _, err := exec.Execute(ctx, query, args...); err != nil {
		return apperrors.Storage(fmt.Sprintf("update %s", s.table), err)
	}
	return nil
}

// Delete removes the row and enqueues a DELETE addressed by natural key.
func (s *Service[T]) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		data T
		key  string
	)
	err := s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		rec, err := s.getByID(ctx, tx, localID)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s record %s not found", s.table, localID)
		}
		values, err := s.mapper.Encode(rec.Data)
		if err != nil {
			return err
		}
		if key, err = s.naturalKey(rec.UserID, values); err != nil {
			return err
		}
		data = rec.Data
		query := fmt.Sprintf("DELETE FROM %s WHERE local_id = ?", s.table)
		if _, err := tx.Execute(ctx, query, localID); err != nil {
			return apperrors.Storage(fmt.Sprintf("delete from %s", s.table), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueueFor(ctx, models.OperationDelete, localID, key, data)
}

// Upsert updates the row matching data's natural key, or creates one.
// It returns the local id and whether a new row was created.
func (s *Service[T]) Upsert(ctx context.Context, userID string, data T, timestamp time.Time) (string, bool, error) {
	if userID == "" {
		return "", false, apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	values, err := s.mapper.Encode(data)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		localID string
		created bool
	)
	err = s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		existing, _, err := s.findByKey(ctx, tx, userID, values)
		if err != nil {
			return err
		}
		if existing != "" {
			localID = existing
			return s.rewrite(ctx, tx, localID, values)
		}
		created = true
		localID, err = s.insert(ctx, tx, userID, values, timestamp, models.SyncStatusLocalOnly, nil)
		return err
	})
	if err != nil {
		return "", false, err
	}

	op := models.OperationUpdate
	if created {
		op = models.OperationCreate
	}
	if err := s.enqueue(ctx, op, localID, data); err != nil {
		return localID, created, err
	}
	return localID, created, nil
}

func (s *Service[T]) enqueue(ctx context.Context, op models.Operation, localID string, data T) error {
	return s.enqueueFor(ctx, op, localID, localID, data)
}

func (s *Service[T]) enqueueFor(ctx context.Context, op models.Operation, localID, recordID string, data T) error {
	if s.queue == nil {
		return nil
	}
	snapshot, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("snapshot %s", s.table), err)
	}
	if lq, ok := s.queue.(LocalEnqueuer); ok {
		_, err = lq.QueueLocalOperation(ctx, s.table, op, localID, recordID, snapshot, s.mapper.Priority())
	} else {
		_, err = s.queue.QueueOperation(ctx, s.table, op, recordID, snapshot, s.mapper.Priority())
	}
	if err != nil {
		logging.Error("Failed to enqueue local mutation", err, map[string]interface{}{
			"table":     s.table,
			"operation": string(op),
			"record_id": recordID,
		})
		return err
	}
	return nil
}

// =====================================================
// Reads
// =====================================================

// GetByID returns the row, or nil when it does not exist.
func (s *Service[T]) GetByID(ctx context.Context, localID string) (*models.OfflineRecord[T], error) {
	return s.getByID(ctx, s.store, localID)
}

func (s *Service[T]) getByID(ctx context.Context, exec db.Executor, localID string) (*models.OfflineRecord[T], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE local_id = ?", s.selectCols, s.table)
	rec, err := s.scan(exec.QueryRow(ctx, query, localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByNaturalKey returns the user's row sharing data's natural key, or nil.
func (s *Service[T]) GetByNaturalKey(ctx context.Context, userID string, data T) (*models.OfflineRecord[T], error) {
	values, err := s.mapper.Encode(data)
	if err != nil {
		return nil, err
	}
	where, args := s.keyWhere(userID, values)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", s.selectCols, s.table, where)
	rec, err := s.scan(s.store.QueryRow(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecords lists the user's rows matching q. Results are ordered by the
// entity order column, newest first unless q.Ascending, with ties broken by
// local id.
func (s *Service[T]) GetRecords(ctx context.Context, userID string, q Query) ([]models.OfflineRecord[T], error) {
	where := []string{"user_id = ?"}
	args := []any{userID}

	if q.ExcludeLocalOnly {
		where = append(where, "sync_status != 'local_only'")
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		col := s.mapper.DateColumn()
		if col == "" {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "%s has no date column to filter on", s.table)
		}
		if !q.From.IsZero() {
			where = append(where, col+" >= ?")
			args = append(args, q.From.Format(DateLayout))
		}
		if !q.To.IsZero() {
			where = append(where, col+" <= ?")
			args = append(args, q.To.Format(DateLayout))
		}
	}
	if q.Active != nil {
		col := s.mapper.ActiveColumn()
		if col == "" {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "%s has no active flag", s.table)
		}
		where = append(where, col+" = ?")
		args = append(args, boolInt(*q.Active))
	}

	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	order := s.mapper.OrderColumn()
	if order == "" {
		order = "created_at"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s %s, local_id %s",
		s.selectCols, s.table, strings.Join(where, " AND "), order, dir, dir)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return s.list(ctx, query, args...)
}

// SelectPendingRecords returns the user's local_only and failed rows, oldest first.
func (s *Service[T]) SelectPendingRecords(ctx context.Context, userID string) ([]models.OfflineRecord[T], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND sync_status IN ('local_only', 'failed') ORDER BY created_at ASC, local_id ASC",
		s.selectCols, s.table)
	return s.list(ctx, query, userID)
}

// PendingSnapshots reports pending rows for the queue's recovery pass. Rows
// the server never confirmed are replayed as CREATE, the rest as UPDATE.
func (s *Service[T]) PendingSnapshots(ctx context.Context, userID string) ([]models.PendingSnapshot, error) {
	records, err := s.SelectPendingRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingSnapshot, 0, len(records))
	for _, rec := range records {
		snapshot, err := json.Marshal(rec.Data)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("snapshot %s", s.table), err)
		}
		op := models.OperationUpdate
		if rec.ServerUpdatedAt == nil {
			op = models.OperationCreate
		}
		out = append(out, models.PendingSnapshot{
			RecordID:  rec.LocalID,
			Operation: op,
			Data:      snapshot,
			Priority:  s.mapper.Priority(),
		})
	}
	return out, nil
}

func (s *Service[T]) list(ctx context.Context, query string, args ...any) ([]models.OfflineRecord[T], error) {
	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("query %s", s.table), err)
	}
	defer rows.Close()

	var out []models.OfflineRecord[T]
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("iterate %s", s.table), err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Service[T]) scan(row scanner) (*models.OfflineRecord[T], error) {
	var (
		rec         models.OfflineRecord[T]
		status      string
		errMsg      sql.NullString
		lastAttempt sql.NullInt64
		serverAt    sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	targets, build := s.mapper.Targets()
	dest := append([]any{
		&rec.LocalID, &rec.UserID, &status, &rec.RetryCount, &errMsg,
		&lastAttempt, &serverAt, &createdAt, &updatedAt,
	}, targets...)

	if err := row.Scan(dest...); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.Storage(fmt.Sprintf("scan %s row", s.table), err)
	}

	data, err := build()
	if err != nil {
		return nil, err
	}
	parsed, err := models.ParseSyncStatus(status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("%s row %s", s.table, rec.LocalID), err)
	}

	rec.Data = data
	rec.SyncStatus = parsed
	rec.ErrorMessage = errMsg.String
	rec.LastSyncAttempt = models.FromNullNanos(lastAttempt)
	rec.ServerUpdatedAt = models.FromNullNanos(serverAt)
	rec.CreatedAt = models.FromNanos(createdAt)
	rec.UpdatedAt = models.FromNanos(updatedAt)
	return &rec, nil
}

// =====================================================
// Server reconciliation
// =====================================================

// MergeServerData folds server records into local rows in one transaction.
// Rows are matched by natural key; matches are overwritten with the server
// fields and marked synced, others are inserted as synced. The server version
// always wins, including over unsynced local edits.
func (s *Service[T]) MergeServerData(ctx context.Context, userID string, records []ServerRecord[T]) (MergeResult, error) {
	var result MergeResult
	if userID == "" {
		return result, apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	if len(records) == 0 {
		return result, nil
	}

	encoded := make([][]any, len(records))
	for i, r := range records {
		values, err := s.mapper.Encode(r.Data)
		if err != nil {
			return result, err
		}
		encoded[i] = values
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		result = MergeResult{}
		for i, r := range records {
			serverAt := r.UpdatedAt
			if serverAt.IsZero() {
				serverAt = s.now()
			}
			values := encoded[i]

			localID, status, err := s.findByKey(ctx, tx, userID, values)
			if err != nil {
				return err
			}
			if localID == "" {
				if _, err := s.insert(ctx, tx, userID, values, serverAt, models.SyncStatusSynced, &serverAt); err != nil {
					return err
				}
				result.Inserted++
				continue
			}

			if status != models.SyncStatusSynced {
				result.OverwrotePending++
				logging.Warn("Server merge overwrote unsynced local row", map[string]interface{}{
					"table":       s.table,
					"local_id":    localID,
					"sync_status": string(status),
				})
			}
			if err := s.overwrite(ctx, tx, localID, values, serverAt); err != nil {
				return err
			}
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

func (s *Service[T]) overwrite(ctx context.Context, exec db.Executor, localID string, values []any, serverAt time.Time) error {
	sets := make([]string, 0, len(s.columns)+5)
	for _, c := range s.columns {
		sets = append(sets, c+" = ?")
	}
	sets = append(sets,
		"sync_status = 'synced'",
		"retry_count = 0",
		"error_message = NULL",
		"server_updated_at = ?",
		"updated_at = ?",
	)
	args := append(append([]any{}, values...), models.Nanos(serverAt), models.Nanos(s.now()), localID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE local_id = ?", s.table, strings.Join(sets, ", "))
	if _, err := exec.Execute(ctx, query, args...); err != nil {
		return apperrors.Storage(fmt.Sprintf("merge into %s", s.table), err)
	}
	return nil
}

// findByKey returns the local id and status of the row matching the natural
// key in values, or an empty id.
func (s *Service[T]) findByKey(ctx context.Context, exec db.Executor, userID string, values []any) (string, models.SyncStatus, error) {
	where, args := s.keyWhere(userID, values)
	query := fmt.Sprintf("SELECT local_id, sync_status FROM %s WHERE %s", s.table, where)

	var localID, status string
	err := exec.QueryRow(ctx, query, args...).Scan(&localID, &status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", apperrors.Storage(fmt.Sprintf("look up %s by natural key", s.table), err)
	}
	return localID, models.SyncStatus(status), nil
}

func (s *Service[T]) keyWhere(userID string, values []any) (string, []any) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	for _, i := range s.keyIndex {
		where = append(where, s.columns[i]+" = ?")
		args = append(args, values[i])
	}
	return strings.Join(where, " AND "), args
}

// naturalKey encodes the natural-key projection sent with DELETE entries.
func (s *Service[T]) naturalKey(userID string, values []any) (string, error) {
	key := map[string]any{"user_id": userID}
	for _, i := range s.keyIndex {
		key[s.columns[i]] = values[i]
	}
	out, err := json.Marshal(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodec, fmt.Sprintf("encode %s natural key", s.table), err)
	}
	return string(out), nil
}

// =====================================================
// Sync outcomes
// =====================================================

// UpdateLocalSyncStatus records a drain outcome on the row. A synced outcome
// is ignored for rows modified after opts.QueuedAt; only the attempt time is
// recorded for them. Missing rows are not an error.
func (s *Service[T]) UpdateLocalSyncStatus(ctx context.Context, recordID string, status models.SyncStatus, opts models.StatusOptions) error {
	attempted := opts.AttemptedAt
	if attempted.IsZero() {
		attempted = s.now()
	}

	var (
		query string
		args  []any
	)
	switch status {
	case models.SyncStatusSynced:
		serverAt := attempted
		if opts.ServerUpdatedAt != nil {
			serverAt = *opts.ServerUpdatedAt
		}
		guard := "1"
		if !opts.QueuedAt.IsZero() {
			guard = fmt.Sprintf("updated_at <= %d", models.Nanos(opts.QueuedAt))
		}
		query = fmt.Sprintf(`UPDATE %s SET
			sync_status = CASE WHEN %[2]s THEN 'synced' ELSE sync_status END,
			retry_count = CASE WHEN %[2]s THEN 0 ELSE retry_count END,
			error_message = CASE WHEN %[2]s THEN NULL ELSE error_message END,
			server_updated_at = CASE WHEN %[2]s THEN ? ELSE server_updated_at END,
			last_sync_attempt = ?
			WHERE local_id = ?`, s.table, guard)
		args = []any{models.Nanos(serverAt), models.Nanos(attempted), recordID}
	case models.SyncStatusFailed, models.SyncStatusConflict:
		query = fmt.Sprintf(`UPDATE %s SET sync_status = ?, retry_count = ?, error_message = ?, last_sync_attempt = ?
			WHERE local_id = ?`, s.table)
		args = []any{string(status), opts.RetryCount, nullString(opts.ErrorMessage), models.Nanos(attempted), recordID}
	case models.SyncStatusLocalOnly:
		query = fmt.Sprintf(`UPDATE %s SET retry_count = ?, error_message = ?, last_sync_attempt = ?
			WHERE local_id = ?`, s.table)
		args = []any{opts.RetryCount, nullString(opts.ErrorMessage), models.Nanos(attempted), recordID}
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown sync status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.Execute(ctx, query, args...); err != nil {
		return apperrors.Storage(fmt.Sprintf("update %s sync status", s.table), err)
	}
	return nil
}

// =====================================================
// Retention
// =====================================================

// PruneSynced deletes synced, inactive rows whose date column is before
// olderThan. An empty userID prunes every user. Entities without a date
// column are never pruned.
func (s *Service[T]) PruneSynced(ctx context.Context, userID string, olderThan time.Time) (int, error) {
	col := s.mapper.DateColumn()
	if col == "" {
		return 0, nil
	}

	where := []string{"sync_status = 'synced'", col + " < ?"}
	args := []any{olderThan.Format(DateLayout)}
	if active := s.mapper.ActiveColumn(); active != "" {
		where = append(where, active+" = 0")
	}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, strings.Join(where, " AND "))
	res, err := s.store.Execute(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Storage(fmt.Sprintf("prune %s", s.table), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage(fmt.Sprintf("prune %s", s.table), err)
	}
	return int(n), nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
