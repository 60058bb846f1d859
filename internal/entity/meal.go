package entity

import (
	"github.com/kimhsiao/fitsync/backend/internal/codec"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
)

// Meal types accepted by MealEntry.
const (
	MealBreakfast = "breakfast"
	MealLunch     = "lunch"
	MealDinner    = "dinner"
	MealSnack     = "snack"
)

// MealEntry is everything a user logged for one meal of one day.
type MealEntry struct {
	LoggedOn      string     `json:"logged_on"`
	MealType      string     `json:"meal_type"`
	Items         []FoodItem `json:"items"`
	TotalCalories int        `json:"total_calories"`
	Notes         string     `json:"notes,omitempty"`
}

// FoodItem is one food within a meal.
type FoodItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Calories int     `json:"calories"`
	Protein  float64 `json:"protein_grams"`
	Carbs    float64 `json:"carbs_grams"`
	Fat      float64 `json:"fat_grams"`
}

var itemsCodec = codec.New[[]FoodItem]("items", 1)

type mealRow struct {
	loggedOn      string
	mealType      string
	items         string
	totalCalories int
	notes         string
}

type mealMapper struct{}

var _ offline.Mapper[MealEntry] = mealMapper{}

func (mealMapper) Table() string { return TableMealEntries }

func (mealMapper) Columns() []offline.Column {
	return []offline.Column{
		{Name: "logged_on", Decl: "TEXT NOT NULL"},
		{Name: "meal_type", Decl: "TEXT NOT NULL CHECK(meal_type IN ('breakfast', 'lunch', 'dinner', 'snack'))"},
		{Name: "items", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "total_calories", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "notes", Decl: "TEXT NOT NULL DEFAULT ''"},
	}
}

func (mealMapper) NaturalKey() []string { return []string{"logged_on", "meal_type"} }
func (mealMapper) DateColumn() string   { return "logged_on" }
func (mealMapper) ActiveColumn() string { return "" }
func (mealMapper) OrderColumn() string  { return "logged_on" }
func (mealMapper) Priority() int        { return PriorityLog }

func (mealMapper) Encode(m MealEntry) ([]any, error) {
	if err := validateDate("logged_on", m.LoggedOn); err != nil {
		return nil, err
	}
	switch m.MealType {
	case MealBreakfast, MealLunch, MealDinner, MealSnack:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown meal_type %q", m.MealType)
	}
	items, err := itemsCodec.Encode(m.Items)
	if err != nil {
		return nil, err
	}
	return []any{m.LoggedOn, m.MealType, items, m.TotalCalories, m.Notes}, nil
}

func (mealMapper) Targets() ([]any, func() (MealEntry, error)) {
	var r mealRow
	return []any{&r.loggedOn, &r.mealType, &r.items, &r.totalCalories, &r.notes}, func() (MealEntry, error) {
		items, err := itemsCodec.Decode(r.items)
		if err != nil {
			return MealEntry{}, err
		}
		return MealEntry{
			LoggedOn:      r.loggedOn,
			MealType:      r.mealType,
			Items:         items,
			TotalCalories: r.totalCalories,
			Notes:         r.notes,
		}, nil
	}
}

// MealService stores meal entries.
type MealService struct {
	*offline.Service[MealEntry]
}

// NewMealService creates the meal entry service.
func NewMealService(store offline.Store, queue offline.Enqueuer, opts offline.Options) *MealService {
	return &MealService{Service: offline.New[MealEntry](store, mealMapper{}, queue, opts)}
}
