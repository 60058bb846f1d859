// Package entity defines the FitSync domain records stored offline and the
// row mappers binding them to their local tables.
package entity

import (
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
)

// Local table names, shared with the sync queue and the remote routes.
const (
	TableNutritionGoals = "nutrition_goals"
	TableExerciseLogs   = "exercise_logs"
	TableMealEntries    = "meal_entries"
	TableUserProfiles   = "user_profiles"
)

// Queue priorities. Higher drains first.
const (
	PriorityProfile = 2
	PriorityGoal    = 1
	PriorityLog     = 0
)

// Tables lists every entity table in registration order.
func Tables() []string {
	return []string{TableUserProfiles, TableNutritionGoals, TableExerciseLogs, TableMealEntries}
}

func validateDate(field, value string) error {
	if _, err := time.Parse(offline.DateLayout, value); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("%s must be YYYY-MM-DD", field), err)
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if v < 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "%s must not be negative", field)
	}
	return nil
}
