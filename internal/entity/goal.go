package entity

import (
	"context"

	"github.com/kimhsiao/fitsync/backend/internal/codec"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
)

// NutritionGoal is a user's daily nutrition target from EffectiveDate on.
type NutritionGoal struct {
	EffectiveDate string     `json:"effective_date"`
	DailyCalories int        `json:"daily_calories"`
	ProteinGrams  float64    `json:"protein_grams"`
	CarbsGrams    float64    `json:"carbs_grams"`
	FatGrams      float64    `json:"fat_grams"`
	MacroSplit    MacroSplit `json:"macro_split"`
	IsActive      bool       `json:"is_active"`
	Notes         string     `json:"notes,omitempty"`
}

// MacroSplit is the target share of calories per macronutrient, in percent.
type MacroSplit struct {
	ProteinPct float64 `json:"protein_pct"`
	CarbsPct   float64 `json:"carbs_pct"`
	FatPct     float64 `json:"fat_pct"`
}

var macroSplitCodec = codec.New[MacroSplit]("macro_split", 1)

type goalRow struct {
	effectiveDate string
	dailyCalories int
	protein       float64
	carbs         float64
	fat           float64
	macroSplit    string
	isActive      bool
	notes         string
}

type goalMapper struct{}

var _ offline.Mapper[NutritionGoal] = goalMapper{}

func (goalMapper) Table() string { return TableNutritionGoals }

func (goalMapper) Columns() []offline.Column {
	return []offline.Column{
		{Name: "effective_date", Decl: "TEXT NOT NULL"},
		{Name: "daily_calories", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "protein_grams", Decl: "REAL NOT NULL DEFAULT 0"},
		{Name: "carbs_grams", Decl: "REAL NOT NULL DEFAULT 0"},
		{Name: "fat_grams", Decl: "REAL NOT NULL DEFAULT 0"},
		{Name: "macro_split", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "is_active", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "notes", Decl: "TEXT NOT NULL DEFAULT ''"},
	}
}

func (goalMapper) NaturalKey() []string { return []string{"effective_date"} }
func (goalMapper) DateColumn() string   { return "effective_date" }
func (goalMapper) ActiveColumn() string { return "is_active" }
func (goalMapper) OrderColumn() string  { return "effective_date" }
func (goalMapper) Priority() int        { return PriorityGoal }

func (goalMapper) Encode(g NutritionGoal) ([]any, error) {
	if err := validateDate("effective_date", g.EffectiveDate); err != nil {
		return nil, err
	}
	for field, v := range map[string]float64{
		"daily_calories": float64(g.DailyCalories),
		"protein_grams":  g.ProteinGrams,
		"carbs_grams":    g.CarbsGrams,
		"fat_grams":      g.FatGrams,
	} {
		if err := nonNegative(field, v); err != nil {
			return nil, err
		}
	}
	split, err := macroSplitCodec.Encode(g.MacroSplit)
	if err != nil {
		return nil, err
	}
	return []any{
		g.EffectiveDate, g.DailyCalories, g.ProteinGrams, g.CarbsGrams, g.FatGrams,
		split, g.IsActive, g.Notes,
	}, nil
}

func (goalMapper) Targets() ([]any, func() (NutritionGoal, error)) {
	var r goalRow
	targets := []any{
		&r.effectiveDate, &r.dailyCalories, &r.protein, &r.carbs, &r.fat,
		&r.macroSplit, &r.isActive, &r.notes,
	}
	return targets, func() (NutritionGoal, error) {
		split, err := macroSplitCodec.Decode(r.macroSplit)
		if err != nil {
			return NutritionGoal{}, err
		}
		return NutritionGoal{
			EffectiveDate: r.effectiveDate,
			DailyCalories: r.dailyCalories,
			ProteinGrams:  r.protein,
			CarbsGrams:    r.carbs,
			FatGrams:      r.fat,
			MacroSplit:    split,
			IsActive:      r.isActive,
			Notes:         r.notes,
		}, nil
	}
}

// GoalService stores nutrition goals.
type GoalService struct {
	*offline.Service[NutritionGoal]
}

// NewGoalService creates the nutrition goal service.
func NewGoalService(store offline.Store, queue offline.Enqueuer, opts offline.Options) *GoalService {
	return &GoalService{Service: offline.New[NutritionGoal](store, goalMapper{}, queue, opts)}
}

// GetActive returns the user's most recent active goal, or nil.
func (s *GoalService) GetActive(ctx context.Context, userID string) (*models.OfflineRecord[NutritionGoal], error) {
	active := true
	recs, err := s.GetRecords(ctx, userID, offline.Query{Active: &active, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}
