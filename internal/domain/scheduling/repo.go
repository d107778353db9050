package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AvailabilityRuleStore interface {
	CreateRule(ctx context.Context, r *WeeklyAvailabilityRule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
	ListRules(ctx context.Context, practitionerID uuid.UUID) ([]*WeeklyAvailabilityRule, error)
	// Blocks
	CreateBlock(ctx context.Context, b *AvailabilityBlock) error
	DeleteBlock(ctx context.Context, id uuid.UUID) error
	ListBlocks(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]*AvailabilityBlock, error)
}

// AppointmentFilter narrows an appointment listing. Zero values are ignored.
type AppointmentFilter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         Status
	From           *time.Time
	To             *time.Time
}

type AppointmentStore interface {
	// ListBooked returns every appointment, in any status, that involves one
	// of the practitioners and intersects [from, to).
	ListBooked(ctx context.Context, practitionerIDs []uuid.UUID, from, to time.Time) ([]BookedWindow, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// UpdateStatus moves an appointment from one status to another and fails
	// with ErrInvalidTransition if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	// CompleteElapsed marks confirmed appointments that ended before t as
	// completed and returns how many rows changed.
	CompleteElapsed(ctx context.Context, t time.Time) (int64, error)
	// InTx runs fn in one transaction holding a write lock for each
	// practitioner. A non-nil error from fn rolls everything back.
	InTx(ctx context.Context, practitionerIDs []uuid.UUID, fn func(ctx context.Context, tx BookingTx) error) error
}

// BookingTx is the write surface available inside AppointmentStore.InTx.
type BookingTx interface {
	HasOverlap(ctx context.Context, practitionerIDs []uuid.UUID, start, end time.Time) (bool, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	InsertPractitionerLink(ctx context.Context, a *Appointment, practitionerID uuid.UUID) error
	InsertDivision(ctx context.Context, appointmentID uuid.UUID, d SlotDivision) error
}

type SettingsStore interface {
	// Get returns ErrNotFound when the tenant has not saved settings yet.
	Get(ctx context.Context) (*Settings, error)
	Upsert(ctx context.Context, s *Settings) error
}

// Directory resolves names and contact details owned by the intake and
// staff subsystems.
type Directory interface {
	Practitioners(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Person, error)
	Patient(ctx context.Context, id uuid.UUID) (Person, error)
}

// ExternalCalendarGateway reads practitioners' connected external calendars.
type ExternalCalendarGateway interface {
	IsConnected(ctx context.Context, practitionerID uuid.UUID) (bool, error)
	BusyEvents(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]BusyEvent, error)
}

// NotificationDispatcher sends booking side effects. Failures never affect
// the booking.
type NotificationDispatcher interface {
	BookingCreated(ctx context.Context, a *Appointment) error
}

// KeyValueCache is a TTL cache scoped to a booking session.
type KeyValueCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
