package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxRangeDays bounds a single availability request.
const DefaultMaxRangeDays = 62

// AvailabilityQuery selects the practitioners and dates to resolve.
type AvailabilityQuery struct {
	PractitionerIDs []uuid.UUID
	LocationID      *uuid.UUID
	Mode            Mode
	From            CalendarDate
	To              CalendarDate // inclusive
}

// Resolver computes bookable slots from weekly rules minus existing
// bookings and blocks.
type Resolver struct {
	rules        AvailabilityRuleStore
	appointments AppointmentStore
	maxDays      int
	logger       zerolog.Logger
}

func NewResolver(rules AvailabilityRuleStore, appts AppointmentStore, maxDays int, logger zerolog.Logger) *Resolver {
	if maxDays <= 0 {
		maxDays = DefaultMaxRangeDays
	}
	return &Resolver{
		rules:        rules,
		appointments: appts,
		maxDays:      maxDays,
		logger:       logger.With().Str("component", "availability").Logger(),
	}
}

// Validate checks the query shape without touching any store. maxDays bounds
// the inclusive date range.
func (q AvailabilityQuery) Validate(maxDays int) error {
	if len(q.PractitionerIDs) == 0 {
		return configError("at least one practitioner is required")
	}
	seen := make(map[uuid.UUID]bool, len(q.PractitionerIDs))
	for _, id := range q.PractitionerIDs {
		if id == uuid.Nil {
			return configError("practitioner id must not be empty")
		}
		if seen[id] {
			return configError("practitioner %s listed twice", id)
		}
		seen[id] = true
	}
	if !q.Mode.Valid() {
		return configError("invalid mode %q", q.Mode)
	}
	if q.Mode == ModeInPerson && q.LocationID == nil {
		return configError("location is required for in-person appointments")
	}
	if q.From.IsZero() || q.To.IsZero() {
		return configError("date range is required")
	}
	if q.To.Before(q.From) {
		return configError("date range end %s is before start %s", q.To, q.From)
	}
	if days := q.From.DaysUntil(q.To) + 1; days > maxDays {
		return configError("date range spans %d days; at most %d allowed", days, maxDays)
	}
	return nil
}

// ValidateQuery applies the resolver's range limit to q.
func (r *Resolver) ValidateQuery(q AvailabilityQuery) error {
	return q.Validate(r.maxDays)
}

func (r *Resolver) validate(q AvailabilityQuery, settings Settings) (*time.Location, error) {
	if err := r.ValidateQuery(q); err != nil {
		return nil, err
	}
	if settings.SessionMinutes <= 0 {
		return nil, configError("session duration must be positive")
	}
	return settings.Location()
}

// Resolve returns each practitioner's open slots for the query. Slots are not
// intersected across practitioners.
func (r *Resolver) Resolve(ctx context.Context, q AvailabilityQuery, settings Settings) (*AvailabilitySnapshot, error) {
	loc, err := r.validate(q, settings)
	if err != nil {
		return nil, err
	}

	rangeStart := q.From.At(0, loc)
	rangeEnd := q.To.AddDays(1).At(0, loc)

	var (
		mu       sync.Mutex
		slots    = make(map[uuid.UUID][]TimeWindow, len(q.PractitionerIDs))
		existing []BookedWindow
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range q.PractitionerIDs {
		pid := pid
		g.Go(func() error {
			open, booked, err := r.resolvePractitioner(gctx, pid, q, settings.SessionMinutes, loc, rangeStart, rangeEnd)
			if err != nil {
				return fmt.Errorf("resolve practitioner %s: %w", pid, err)
			}
			mu.Lock()
			slots[pid] = open
			existing = append(existing, booked...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(existing, func(i, j int) bool {
		if !existing[i].Start.Equal(existing[j].Start) {
			return existing[i].Start.Before(existing[j].Start)
		}
		return existing[i].PractitionerID.String() < existing[j].PractitionerID.String()
	})
	if existing == nil {
		existing = []BookedWindow{}
	}

	r.logger.Debug().
		Int("practitioners", len(q.PractitionerIDs)).
		Str("from", q.From.String()).
		Str("to", q.To.String()).
		Msg("availability resolved")

	return &AvailabilitySnapshot{
		Timezone:             loc.String(),
		SessionMinutes:       settings.SessionMinutes,
		Slots:                slots,
		ExistingAppointments: existing,
	}, nil
}

func (r *Resolver) resolvePractitioner(
	ctx context.Context,
	pid uuid.UUID,
	q AvailabilityQuery,
	session int,
	loc *time.Location,
	rangeStart, rangeEnd time.Time,
) ([]TimeWindow, []BookedWindow, error) {
	rules, err := r.rules.ListRules(ctx, pid)
	if err != nil {
		return nil, nil, fmt.Errorf("list rules: %w", err)
	}
	booked, err := r.appointments.ListBooked(ctx, []uuid.UUID{pid}, rangeStart, rangeEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("list appointments: %w", err)
	}
	blocks, err := r.rules.ListBlocks(ctx, pid, rangeStart, rangeEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("list blocks: %w", err)
	}

	var busy []TimeWindow
	for _, b := range booked {
		if b.Status.Blocking() {
			busy = append(busy, WindowsFromInstants(b.Start, b.End(), loc)...)
		}
	}
	for _, b := range blocks {
		busy = append(busy, WindowsFromInstants(b.Start, b.End, loc)...)
	}

	applicable := matchingRules(rules, q.LocationID, q.Mode)
	return buildSlots(applicable, busy, q.From, q.To, session), booked, nil
}

// matchingRules keeps rules at the requested location whose mode can serve
// the request. A request without a location uses every location's rules.
func matchingRules(rules []*WeeklyAvailabilityRule, locationID *uuid.UUID, mode Mode) []*WeeklyAvailabilityRule {
	var out []*WeeklyAvailabilityRule
	for _, rule := range rules {
		if !rule.Mode.Accepts(mode) {
			continue
		}
		if locationID != nil && (rule.LocationID == nil || *rule.LocationID != *locationID) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// buildSlots projects rules onto each date and cuts them into session-sized
// slots anchored at the rule start. Trailing minutes that cannot hold a whole
// session are dropped.
func buildSlots(rules []*WeeklyAvailabilityRule, busy []TimeWindow, from, to CalendarDate, session int) []TimeWindow {
	byDay := make(map[time.Weekday][]*WeeklyAvailabilityRule)
	for _, rule := range rules {
		byDay[rule.DayOfWeek] = append(byDay[rule.DayOfWeek], rule)
	}

	busyByDate := make(map[CalendarDate][]TimeWindow)
	for _, b := range busy {
		busyByDate[b.Date] = append(busyByDate[b.Date], b)
	}

	seen := make(map[TimeWindow]bool)
	out := []TimeWindow{}
	for d := from; !to.Before(d); d = d.AddDays(1) {
		for _, rule := range byDay[d.Weekday()] {
			for start := rule.Start; start+ClockTime(session) <= rule.End; start += ClockTime(session) {
				slot := TimeWindow{Date: d, Start: start, End: start + ClockTime(session)}
				if seen[slot] || overlapsAny(slot, busyByDate[d]) {
					continue
				}
				seen[slot] = true
				out = append(out, slot)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return compareWindows(out[i], out[j]) < 0 })
	return out
}

func overlapsAny(w TimeWindow, others []TimeWindow) bool {
	for _, o := range others {
		if Overlaps(w, o) {
			return true
		}
	}
	return false
}
