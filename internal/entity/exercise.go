package entity

import (
	"encoding/json"

	"github.com/kimhsiao/fitsync/backend/internal/codec"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
)

// ExerciseLog records one exercise performed on a day.
type ExerciseLog struct {
	ExerciseID      string        `json:"exercise_id"`
	ExerciseName    string        `json:"exercise_name"`
	PerformedOn     string        `json:"performed_on"`
	Sets            []ExerciseSet `json:"sets"`
	DurationMinutes int           `json:"duration_minutes"`
	CaloriesBurned  int           `json:"calories_burned"`
	Notes           string        `json:"notes,omitempty"`
}

// ExerciseSet is one set within a log.
type ExerciseSet struct {
	Reps        int     `json:"reps"`
	WeightKG    float64 `json:"weight_kg"`
	DurationSec int     `json:"duration_sec,omitempty"`
	RPE         float64 `json:"rpe,omitempty"`
}

// Version 1 of the sets column stored the load under "weight".
var setsCodec = codec.New[[]ExerciseSet]("sets", 2).WithUpgrade(1, upgradeSetsV1)

func upgradeSetsV1(raw json.RawMessage) (json.RawMessage, error) {
	var sets []map[string]any
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, err
	}
	for _, s := range sets {
		if w, ok := s["weight"]; ok {
			s["weight_kg"] = w
			delete(s, "weight")
		}
	}
	return json.Marshal(sets)
}

type exerciseRow struct {
	exerciseID      string
	exerciseName    string
	performedOn     string
	sets            string
	durationMinutes int
	caloriesBurned  int
	notes           string
}

type exerciseMapper struct{}

var _ offline.Mapper[ExerciseLog] = exerciseMapper{}

func (exerciseMapper) Table() string { return TableExerciseLogs }

func (exerciseMapper) Columns() []offline.Column {
	return []offline.Column{
		{Name: "exercise_id", Decl: "TEXT NOT NULL"},
		{Name: "exercise_name", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "performed_on", Decl: "TEXT NOT NULL"},
		{Name: "sets", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "duration_minutes", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "calories_burned", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "notes", Decl: "TEXT NOT NULL DEFAULT ''"},
	}
}

func (exerciseMapper) NaturalKey() []string { return []string{"exercise_id", "performed_on"} }
func (exerciseMapper) DateColumn() string   { return "performed_on" }
func (exerciseMapper) ActiveColumn() string { return "" }
func (exerciseMapper) OrderColumn() string  { return "performed_on" }
func (exerciseMapper) Priority() int        { return PriorityLog }

func (exerciseMapper) Encode(l ExerciseLog) ([]any, error) {
	if l.ExerciseID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "exercise_id is required")
	}
	if err := validateDate("performed_on", l.PerformedOn); err != nil {
		return nil, err
	}
	for _, s := range l.Sets {
		if s.Reps < 0 || s.WeightKG < 0 || s.DurationSec < 0 {
			return nil, apperrors.New(apperrors.ErrInvalid, "sets must not contain negative values")
		}
	}
	sets, err := setsCodec.Encode(l.Sets)
	if err != nil {
		return nil, err
	}
	return []any{
		l.ExerciseID, l.ExerciseName, l.PerformedOn, sets,
		l.DurationMinutes, l.CaloriesBurned, l.Notes,
	}, nil
}

func (exerciseMapper) Targets() ([]any, func() (ExerciseLog, error)) {
	var r exerciseRow
	targets := []any{
		&r.exerciseID, &r.exerciseName, &r.performedOn, &r.sets,
		&r.durationMinutes, &r.caloriesBurned, &r.notes,
	}
	return targets, func() (ExerciseLog, error) {
		sets, err := setsCodec.Decode(r.sets)
		if err != nil {
			return ExerciseLog{}, err
		}
		return ExerciseLog{
			ExerciseID:      r.exerciseID,
			ExerciseName:    r.exerciseName,
			PerformedOn:     r.performedOn,
			Sets:            sets,
			DurationMinutes: r.durationMinutes,
			CaloriesBurned:  r.caloriesBurned,
			Notes:           r.notes,
		}, nil
	}
}

// ExerciseService stores exercise logs.
type ExerciseService struct {
	*offline.Service[ExerciseLog]
}

// NewExerciseService creates the exercise log service.
func NewExerciseService(store offline.Store, queue offline.Enqueuer, opts offline.Options) *ExerciseService {
	return &ExerciseService{Service: offline.New[ExerciseLog](store, exerciseMapper{}, queue, opts)}
}
