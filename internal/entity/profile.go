package entity

import (
	"context"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/codec"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/offline"
)

// UserProfile is the single per-user profile row.
type UserProfile struct {
	DisplayName   string            `json:"display_name"`
	HeightCM      float64           `json:"height_cm"`
	WeightKG      float64           `json:"weight_kg"`
	BirthDate     string            `json:"birth_date,omitempty"`
	ActivityLevel string            `json:"activity_level,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

var preferencesCodec = codec.New[map[string]string]("preferences", 1)

type profileRow struct {
	displayName   string
	heightCM      float64
	weightKG      float64
	birthDate     string
	activityLevel string
	preferences   string
}

type profileMapper struct{}

var _ offline.Mapper[UserProfile] = profileMapper{}

func (profileMapper) Table() string { return TableUserProfiles }

func (profileMapper) Columns() []offline.Column {
	return []offline.Column{
		{Name: "display_name", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "height_cm", Decl: "REAL NOT NULL DEFAULT 0"},
		{Name: "weight_kg", Decl: "REAL NOT NULL DEFAULT 0"},
		{Name: "birth_date", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "activity_level", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "preferences", Decl: "TEXT NOT NULL DEFAULT ''"},
	}
}

// The profile is keyed by user alone.
func (profileMapper) NaturalKey() []string { return nil }
func (profileMapper) DateColumn() string   { return "" }
func (profileMapper) ActiveColumn() string { return "" }
func (profileMapper) OrderColumn() string  { return "updated_at" }
func (profileMapper) Priority() int        { return PriorityProfile }

func (profileMapper) Encode(p UserProfile) ([]any, error) {
	if p.BirthDate != "" {
		if err := validateDate("birth_date", p.BirthDate); err != nil {
			return nil, err
		}
	}
	if err := nonNegative("height_cm", p.HeightCM); err != nil {
		return nil, err
	}
	if err := nonNegative("weight_kg", p.WeightKG); err != nil {
		return nil, err
	}
	prefs, err := preferencesCodec.Encode(p.Preferences)
	if err != nil {
		return nil, err
	}
	return []any{p.DisplayName, p.HeightCM, p.WeightKG, p.BirthDate, p.ActivityLevel, prefs}, nil
}

func (profileMapper) Targets() ([]any, func() (UserProfile, error)) {
	var r profileRow
	targets := []any{&r.displayName, &r.heightCM, &r.weightKG, &r.birthDate, &r.activityLevel, &r.preferences}
	return targets, func() (UserProfile, error) {
		prefs, err := preferencesCodec.Decode(r.preferences)
		if err != nil {
			return UserProfile{}, err
		}
		return UserProfile{
			DisplayName:   r.displayName,
			HeightCM:      r.heightCM,
			WeightKG:      r.weightKG,
			BirthDate:     r.birthDate,
			ActivityLevel: r.activityLevel,
			Preferences:   prefs,
		}, nil
	}
}

// ProfileService stores the single profile row per user.
type ProfileService struct {
	*offline.Service[UserProfile]
}

// NewProfileService creates the profile service.
func NewProfileService(store offline.Store, queue offline.Enqueuer, opts offline.Options) *ProfileService {
	return &ProfileService{Service: offline.New[UserProfile](store, profileMapper{}, queue, opts)}
}

// Save writes the user's profile, creating it on first use.
func (s *ProfileService) Save(ctx context.Context, userID string, p UserProfile) (string, error) {
	localID, _, err := s.Upsert(ctx, userID, p, time.Time{})
	return localID, err
}

// Get returns the user's profile, or nil.
func (s *ProfileService) Get(ctx context.Context, userID string) (*models.OfflineRecord[UserProfile], error) {
	recs, err := s.GetRecords(ctx, userID, offline.Query{Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}
