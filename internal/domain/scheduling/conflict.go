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

const (
	DefaultLookupTimeout = 3 * time.Second
	DefaultSessionTTL    = 30 * time.Minute
)

// ConflictReport separates practitioners with overlapping external events
// from those whose calendar could not be read. Practitioners without a
// connected calendar appear in neither list.
type ConflictReport struct {
	Conflicts    []ExternalCalendarConflict `json:"conflicts"`
	Undetermined []uuid.UUID                `json:"undetermined"`
}

// HasConflicts reports whether any practitioner has an overlapping event.
func (r *ConflictReport) HasConflicts() bool { return len(r.Conflicts) > 0 }

// Detector checks a candidate window against practitioners' external
// calendars. It is advisory and never fails because of the integration.
type Detector struct {
	gateway   ExternalCalendarGateway
	directory Directory
	cache     KeyValueCache
	ttl       time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
}

type DetectorOption func(*Detector)

// WithConnectionCache remembers connection status per booking session.
func WithConnectionCache(c KeyValueCache, ttl time.Duration) DetectorOption {
	return func(d *Detector) {
		d.cache = c
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithLookupTimeout bounds each call to the gateway.
func WithLookupTimeout(t time.Duration) DetectorOption {
	return func(d *Detector) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func NewDetector(gateway ExternalCalendarGateway, directory Directory, logger zerolog.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		gateway:   gateway,
		directory: directory,
		ttl:       DefaultSessionTTL,
		timeout:   DefaultLookupTimeout,
		logger:    logger.With().Str("component", "conflicts").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect looks up busy events for each practitioner and reports those that
// overlap window. sessionID scopes the connection cache and may be empty.
func (d *Detector) Detect(ctx context.Context, sessionID string, window TimeWindow, loc *time.Location, practitionerIDs []uuid.UUID) (*ConflictReport, error) {
	if len(practitionerIDs) == 0 {
		return nil, configError("at least one practitioner is required")
	}
	if _, err := DurationMinutes(window); err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, configError("organization timezone is not configured")
	}

	start, end := window.Bounds(loc)

	var (
		mu           sync.Mutex
		found        = make(map[uuid.UUID][]BusyEvent)
		undetermined []uuid.UUID
	)

	var g errgroup.Group
	for _, pid := range uniqueIDs(practitionerIDs) {
		pid := pid
		g.Go(func() error {
			events, ok := d.lookup(ctx, sessionID, pid, start, end)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				undetermined = append(undetermined, pid)
				return nil
			}
			var overlapping []BusyEvent
			for _, ev := range events {
				if eventOverlaps(ev, window, loc) {
					overlapping = append(overlapping, ev)
				}
			}
			if len(overlapping) > 0 {
				found[pid] = overlapping
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &ConflictReport{
		Conflicts:    []ExternalCalendarConflict{},
		Undetermined: []uuid.UUID{},
	}
	if len(found) > 0 {
		ids := make([]uuid.UUID, 0, len(found))
		for id := range found {
			ids = append(ids, id)
		}
		names := d.names(ctx, ids)
		for _, id := range ids {
			report.Conflicts = append(report.Conflicts, ExternalCalendarConflict{
				PractitionerID:    id,
				PractitionerName:  names[id].Name,
				ConflictingEvents: found[id],
			})
		}
		sort.Slice(report.Conflicts, func(i, j int) bool {
			return report.Conflicts[i].PractitionerID.String() < report.Conflicts[j].PractitionerID.String()
		})
	}
	if len(undetermined) > 0 {
		sortIDs(undetermined)
		report.Undetermined = undetermined
	}
	return report, nil
}

// lookup returns the practitioner's busy events. ok is false when the
// calendar could not be read; an unconnected calendar yields ok with no events.
func (d *Detector) lookup(ctx context.Context, sessionID string, pid uuid.UUID, start, end time.Time) ([]BusyEvent, bool) {
	connected, err := d.isConnected(ctx, sessionID, pid)
	if err != nil {
		d.unavailable(pid, err)
		return nil, false
	}
	if !connected {
		return nil, true
	}

	lctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	events, err := d.gateway.BusyEvents(lctx, pid, start, end)
	if err != nil {
		d.unavailable(pid, err)
		return nil, false
	}
	return events, true
}

func (d *Detector) isConnected(ctx context.Context, sessionID string, pid uuid.UUID) (bool, error) {
	key := connectionKey(sessionID, pid)
	if d.cache != nil && sessionID != "" {
		v, ok, err := d.cache.Get(ctx, key)
		if err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("connection cache read failed")
		} else if ok {
			return v == "1", nil
		}
	}

	lctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	connected, err := d.gateway.IsConnected(lctx, pid)
	if err != nil {
		return false, err
	}

	if d.cache != nil && sessionID != "" {
		v := "0"
		if connected {
			v = "1"
		}
		if err := d.cache.Set(ctx, key, v, d.ttl); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("connection cache write failed")
		}
	}
	return connected, nil
}

func (d *Detector) unavailable(pid uuid.UUID, err error) {
	d.logger.Warn().
		Err(fmt.Errorf("%w: %v", ErrExternalIntegrationUnavailable, err)).
		Str("practitioner_id", pid.String()).
		Msg("external calendar lookup failed")
}

func (d *Detector) names(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]Person {
	if d.directory == nil {
		return nil
	}
	people, err := d.directory.Practitioners(ctx, ids)
	if err != nil {
		d.logger.Warn().Err(err).Msg("resolve practitioner names")
		return nil
	}
	return people
}

func eventOverlaps(ev BusyEvent, window TimeWindow, loc *time.Location) bool {
	for _, w := range WindowsFromInstants(ev.Start, ev.End, loc) {
		if Overlaps(w, window) {
			return true
		}
	}
	return false
}

func connectionKey(sessionID string, pid uuid.UUID) string {
	return "calendar-connected:" + sessionID + ":" + pid.String()
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
