package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// Store persists queue entries and drain metadata.
type Store struct {
	db db.Executor
}

// NewStore creates a Store over the migrated local database.
func NewStore(exec db.Executor) *Store {
	return &Store{db: exec}
}

const entryColumns = "id, table_name, operation, record_id, local_id, data, created_at, retry_count, priority, last_attempt, error_message"

// Insert persists a new entry.
func (s *Store) Insert(ctx context.Context, e *models.SyncQueueEntry) error {
	data := string(e.Data)
	if data == "" {
		data = "null"
	}
	_, err := s.db.Execute(ctx,
		`INSERT INTO sync_queue (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TableName, string(e.Operation), e.RecordID, e.LocalID, data,
		models.Nanos(e.CreatedAt), e.RetryCount, e.Priority,
		models.NullNanos(e.LastAttempt), nullString(e.ErrorMessage),
	)
	if err != nil {
		return apperrors.Storage("insert queue entry", err)
	}
	return nil
}

// List returns every entry, higher priority first, oldest first within a priority.
func (s *Store) List(ctx context.Context) ([]models.SyncQueueEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM sync_queue ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, apperrors.Storage("list queue entries", err)
	}
	defer rows.Close()

	var entries []models.SyncQueueEntry
	for rows.Next() {
		var (
			e           models.SyncQueueEntry
			op          string
			data        string
			createdAt   int64
			lastAttempt sql.NullInt64
			errMsg      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &op, &e.RecordID, &e.LocalID, &data, &createdAt,
			&e.RetryCount, &e.Priority, &lastAttempt, &errMsg); err != nil {
			return nil, apperrors.Storage("scan queue entry", err)
		}
		e.Operation = models.Operation(op)
		e.Data = []byte(data)
		e.CreatedAt = models.FromNanos(createdAt)
		e.LastAttempt = models.FromNullNanos(lastAttempt)
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("iterate queue entries", err)
	}
	return entries, nil
}

// Delete removes an entry. Removing a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Execute(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return apperrors.Storage("delete queue entry", err)
	}
	return nil
}

// RecordAttempt stores the retry count, error and attempt time of an entry.
func (s *Store) RecordAttempt(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	_, err := s.db.Execute(ctx,
		`UPDATE sync_queue SET retry_count = ?, error_message = ?, last_attempt = ? WHERE id = ?`,
		retryCount, nullString(errMsg), models.Nanos(at), id)
	if err != nil {
		return apperrors.Storage("record queue attempt", err)
	}
	return nil
}

// Exists reports whether an entry targets the record or came from the local
// row with that id.
func (s *Store) Exists(ctx context.Context, table, recordID string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE table_name = ? AND (record_id = ? OR local_id = ?)`,
		table, recordID, recordID).Scan(&n)
	if err != nil {
		return false, apperrors.Storage("look up queue entry", err)
	}
	return n > 0, nil
}

// Counts returns the number of queued entries and how many of them have
// failed at least once.
func (s *Store) Counts(ctx context.Context) (pending, failed int, err error) {
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0) FROM sync_queue`).
		Scan(&pending, &failed)
	if err != nil {
		return 0, 0, apperrors.Storage("count queue entries", err)
	}
	return pending, failed, nil
}

// DeleteExhausted removes entries whose retry count reached maxRetries.
func (s *Store) DeleteExhausted(ctx context.Context, maxRetries int) (int, error) {
	res, err := s.db.Execute(ctx, `DELETE FROM sync_queue WHERE retry_count >= ?`, maxRetries)
	if err != nil {
		return 0, apperrors.Storage("clear failed queue entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("clear failed queue entries", err)
	}
	return int(n), nil
}

// SetTime stores a timestamp under key in sync_metadata.
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	now := models.Nanos(t)
	_, err := s.db.Execute(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(now, 10), now)
	if err != nil {
		return apperrors.Storage("write sync metadata", err)
	}
	return nil
}

// GetTime reads a timestamp stored by SetTime, or nil.
func (s *Store) GetTime(ctx context.Context, key string) (*time.Time, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read sync metadata", err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "parse sync metadata "+key, err)
	}
	t := models.FromNanos(n)
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
