package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/entity"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
	"github.com/kimhsiao/fitsync/backend/internal/uuid"
)

// JSONTable exposes one entity service with JSON payloads, for hosts that
// cannot see the Go entity types.
type JSONTable interface {
	Table() string
	Create(ctx context.Context, userID string, data json.RawMessage, timestamp time.Time) (string, error)
	Update(ctx context.Context, localID string, patch json.RawMessage) error
	Delete(ctx context.Context, localID string) error
	Get(ctx context.Context, localID string) (json.RawMessage, error)
	List(ctx context.Context, userID string, q ListQuery) (json.RawMessage, error)
	Merge(ctx context.Context, userID string, records json.RawMessage) (offline.MergeResult, error)
}

// ListQuery is the wire form of offline.Query. Dates are YYYY-MM-DD.
type ListQuery struct {
	ExcludeLocalOnly bool   `json:"exclude_local_only"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	Active           *bool  `json:"active,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Ascending        bool   `json:"ascending,omitempty"`
}

func (q ListQuery) query() (offline.Query, error) {
	out := offline.Query{
		ExcludeLocalOnly: q.ExcludeLocalOnly,
		Active:           q.Active,
		Limit:            q.Limit,
		Ascending:        q.Ascending,
	}
	var err error
	if out.From, err = parseDay("from", q.From); err != nil {
		return out, err
	}
	if out.To, err = parseDay("to", q.To); err != nil {
		return out, err
	}
	return out, nil
}

func parseDay(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.ErrInvalid, "%s must be YYYY-MM-DD, got %q", field, s)
	}
	return t, nil
}

// JSONTable returns the JSON view of table.
func (a *App) JSONTable(table string) (JSONTable, error) {
	for _, t := range a.jsonTables() {
		if t.Table() == table {
			return t, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "unknown table %q", table)
}

func (a *App) jsonTables() []JSONTable {
	return []JSONTable{
		jsonService[entity.UserProfile]{a.Profiles.Service},
		jsonService[entity.NutritionGoal]{a.Goals.Service},
		jsonService[entity.ExerciseLog]{a.Exercises.Service},
		jsonService[entity.MealEntry]{a.Meals.Service},
	}
}

type jsonService[T any] struct {
	svc *offline.Service[T]
}

func (j jsonService[T]) Table() string { return j.svc.Table() }

func (j jsonService[T]) Create(ctx context.Context, userID string, data json.RawMessage, timestamp time.Time) (string, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "decode "+j.svc.Table()+" record", err)
	}
	return j.svc.Create(ctx, userID, v, timestamp)
}

func (j jsonService[T]) Update(ctx context.Context, localID string, patch json.RawMessage) error {
	if err := uuid.Validate(localID); err != nil {
		return err
	}
	return j.svc.UpdateJSON(ctx, localID, patch)
}

func (j jsonService[T]) Delete(ctx context.Context, localID string) error {
	if err := uuid.Validate(localID); err != nil {
		return err
	}
	return j.svc.Delete(ctx, localID)
}

func (j jsonService[T]) Get(ctx context.Context, localID string) (json.RawMessage, error) {
	if err := uuid.Validate(localID); err != nil {
		return nil, err
	}
	rec, err := j.svc.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s record %s not found", j.svc.Table(), localID)
	}
	return encode(rec)
}

func (j jsonService[T]) List(ctx context.Context, userID string, q ListQuery) (json.RawMessage, error) {
	query, err := q.query()
	if err != nil {
		return nil, err
	}
	recs, err := j.svc.GetRecords(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.OfflineRecord[T]{}
	}
	return encode(recs)
}

func (j jsonService[T]) Merge(ctx context.Context, userID string, records json.RawMessage) (offline.MergeResult, error) {
	var batch []offline.ServerRecord[T]
	if err := json.Unmarshal(records, &batch); err != nil {
		return offline.MergeResult{}, apperrors.Wrap(apperrors.ErrInvalid, "decode server records", err)
	}
	return j.svc.MergeServerData(ctx, userID, batch)
}

func encode(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodec, "encode response", err)
	}
	return out, nil
}
