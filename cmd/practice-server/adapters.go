package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/practice/internal/domain/scheduling"
	"github.com/carepoint/practice/internal/platform/calendar"
	"github.com/carepoint/practice/internal/platform/db"
	"github.com/carepoint/practice/internal/platform/jobs"
	"github.com/carepoint/practice/internal/platform/notification"
	"github.com/carepoint/practice/internal/platform/telemetry"
)

// noCalendar is used when no calendar provider is configured.
type noCalendar struct{}

func (noCalendar) IsConnected(context.Context, uuid.UUID) (bool, error) { return false, nil }

func (noCalendar) BusyEvents(context.Context, uuid.UUID, time.Time, time.Time) ([]scheduling.BusyEvent, error) {
	return nil, nil
}

type busySource interface {
	IsConnected(ctx context.Context, pid uuid.UUID) (bool, error)
	BusyEvents(ctx context.Context, pid uuid.UUID, from, to time.Time) ([]calendar.Event, error)
}

// calendarGateway exposes a calendar.Gateway as the conflict detector's
// ExternalCalendarGateway.
type calendarGateway struct {
	gw busySource
}

func (g calendarGateway) IsConnected(ctx context.Context, pid uuid.UUID) (bool, error) {
	return g.gw.IsConnected(ctx, pid)
}

func (g calendarGateway) BusyEvents(ctx context.Context, pid uuid.UUID, from, to time.Time) ([]scheduling.BusyEvent, error) {
	events, err := g.gw.BusyEvents(ctx, pid, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]scheduling.BusyEvent, len(events))
	for i, ev := range events {
		out[i] = scheduling.BusyEvent{Title: ev.Title, Start: ev.Start, End: ev.End}
	}
	return out, nil
}

type bookingSender interface {
	NotifyBooking(ctx context.Context, b notification.Booking) error
}

type settingsSource interface {
	Get(ctx context.Context) (scheduling.Settings, error)
}

// bookingNotifier turns a created appointment into booking messages. It runs
// after the request has returned, so it binds its own tenant connection.
type bookingNotifier struct {
	directory scheduling.Directory
	settings  settingsSource
	notifier  bookingSender
	scope     func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

func (n *bookingNotifier) BookingCreated(ctx context.Context, a *scheduling.Appointment) error {
	var b notification.Booking
	load := func(ctx context.Context) error {
		var err error
		b, err = n.booking(ctx, a)
		return err
	}

	tenant := db.TenantFromContext(ctx)
	var err error
	if n.scope != nil && tenant != "" {
		err = n.scope(ctx, tenant, load)
	} else {
		err = load(ctx)
	}
	if err != nil {
		return fmt.Errorf("prepare booking notification: %w", err)
	}
	return n.notifier.NotifyBooking(ctx, b)
}

func (n *bookingNotifier) booking(ctx context.Context, a *scheduling.Appointment) (notification.Booking, error) {
	settings, err := n.settings.Get(ctx)
	if err != nil {
		return notification.Booking{}, err
	}
	loc, err := settings.Location()
	if err != nil {
		return notification.Booking{}, err
	}
	patient, err := n.directory.Patient(ctx, a.PatientID)
	if err != nil {
		return notification.Booking{}, fmt.Errorf("patient %s: %w", a.PatientID, err)
	}
	staff, err := n.directory.Practitioners(ctx, a.PractitionerIDs)
	if err != nil {
		return notification.Booking{}, fmt.Errorf("practitioners: %w", err)
	}

	b := notification.Booking{
		AppointmentID:   a.ID.String(),
		Patient:         party(patient),
		Start:           a.Start.In(loc),
		DurationMinutes: a.DurationMinutes,
		Mode:            string(a.Mode),
		Status:          string(a.Status),
	}
	for _, id := range a.PractitionerIDs {
		if p, ok := staff[id]; ok {
			b.Practitioners = append(b.Practitioners, party(p))
		}
	}
	return b, nil
}

func party(p scheduling.Person) notification.Party {
	return notification.Party{Name: p.Name, Email: p.Email, Phone: p.Phone}
}

// countingCompleter records how many appointments each sweep completed.
type countingCompleter struct {
	completer jobs.Completer
	metrics   *telemetry.Provider
}

func (c countingCompleter) CompleteElapsed(ctx context.Context) (int64, error) {
	n, err := c.completer.CompleteElapsed(ctx)
	c.metrics.Add("appointments_completed_total", "", "", n)
	return n, err
}

func registerPoolGauges(metrics *telemetry.Provider, pool *pgxpool.Pool) {
	metrics.GaugeFunc("db_pool_acquired_connections", "Database connections in use.", func() float64 {
		return float64(pool.Stat().AcquiredConns())
	})
	metrics.GaugeFunc("db_pool_idle_connections", "Idle database connections.", func() float64 {
		return float64(pool.Stat().IdleConns())
	})
}

type statsSource interface {
	Stats() map[string]int
}

func registerNotificationGauges(metrics *telemetry.Provider, stats statsSource) {
	for _, status := range []string{notification.StatusSent, notification.StatusFailed} {
		status := status
		metrics.GaugeFunc("notifications_"+status, "Retained notifications with status "+status+".", func() float64 {
			return float64(stats.Stats()[status])
		})
	}
}
