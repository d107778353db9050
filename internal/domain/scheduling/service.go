package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleService manages weekly availability rules and blocks.
type RuleService struct {
	store AvailabilityRuleStore
}

func NewRuleService(store AvailabilityRuleStore) *RuleService {
	return &RuleService{store: store}
}

// -- Weekly rules --

func (s *RuleService) CreateRule(ctx context.Context, r *WeeklyAvailabilityRule) error {
	if r.PractitionerID == uuid.Nil {
		return configError("practitioner_id is required")
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return configError("day_of_week must be between 0 (Sunday) and 6 (Saturday)")
	}
	if r.Mode == "" {
		r.Mode = ModeInPerson
	}
	if !r.Mode.Valid() {
		return configError("invalid mode %q", r.Mode)
	}
	if r.Mode == ModeInPerson && r.LocationID == nil {
		return configError("location is required for in-person availability")
	}
	if !r.Start.Valid() || !r.End.Valid() || r.End <= r.Start {
		return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, r.Start, r.End)
	}

	existing, err := s.store.ListRules(ctx, r.PractitionerID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	for _, o := range existing {
		if r.sameKey(o) && r.Start < o.End && o.Start < r.End {
			return fmt.Errorf("%w: %s %s-%s", ErrRuleOverlap, o.DayOfWeek, o.Start, o.End)
		}
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return s.store.CreateRule(ctx, r)
}

func (s *RuleService) ListRules(ctx context.Context, practitionerID uuid.UUID) ([]*WeeklyAvailabilityRule, error) {
	return s.store.ListRules(ctx, practitionerID)
}

func (s *RuleService) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteRule(ctx, id)
}

// -- Blocks --

func (s *RuleService) CreateBlock(ctx context.Context, b *AvailabilityBlock) error {
	if b.PractitionerID == uuid.Nil {
		return configError("practitioner_id is required")
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return configError("start and end are required")
	}
	if !b.End.After(b.Start) {
		return fmt.Errorf("%w: block ends before it starts", ErrInvalidWindow)
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return s.store.CreateBlock(ctx, b)
}

func (s *RuleService) ListBlocks(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]*AvailabilityBlock, error) {
	if !to.After(from) {
		return nil, configError("block range end must be after start")
	}
	return s.store.ListBlocks(ctx, practitionerID, from, to)
}

func (s *RuleService) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteBlock(ctx, id)
}

// -- Settings --

// SettingsService returns tenant settings, falling back to defaults when the
// tenant has not saved any.
type SettingsService struct {
	store    SettingsStore
	defaults Settings
}

func NewSettingsService(store SettingsStore, defaults Settings) *SettingsService {
	return &SettingsService{store: store, defaults: defaults}
}

func (s *SettingsService) Get(ctx context.Context) (Settings, error) {
	stored, err := s.store.Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load scheduling settings: %w", err)
	}
	out := *stored
	if out.Timezone == "" {
		out.Timezone = s.defaults.Timezone
	}
	if out.SessionMinutes <= 0 {
		out.SessionMinutes = s.defaults.SessionMinutes
	}
	return out, nil
}

func (s *SettingsService) Update(ctx context.Context, in Settings) (Settings, error) {
	if _, err := in.Location(); err != nil {
		return Settings{}, err
	}
	if in.SessionMinutes <= 0 || in.SessionMinutes > minutesPerDay {
		return Settings{}, configError("session_minutes must be between 1 and %d", minutesPerDay)
	}
	in.UpdatedAt = time.Now().UTC()
	if err := s.store.Upsert(ctx, &in); err != nil {
		return Settings{}, fmt.Errorf("save scheduling settings: %w", err)
	}
	return in, nil
}
