package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Mode is how an appointment is attended.
type Mode string

const (
	ModeInPerson Mode = "in-person"
	ModeVirtual  Mode = "virtual"
	ModeHybrid   Mode = "hybrid"
)

var validModes = map[Mode]bool{ModeInPerson: true, ModeVirtual: true, ModeHybrid: true}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return validModes[m] }

// Accepts reports whether availability published for mode m can serve a
// request for mode req. Hybrid availability serves every mode.
func (m Mode) Accepts(req Mode) bool {
	return m == ModeHybrid || m == req
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDeclined  Status = "declined"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusDeclined, StatusCompleted},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

// Blocking reports whether an appointment in this status occupies its
// practitioners' time. Cancelled and declined appointments do not.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusCompleted
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// WeeklyAvailabilityRule publishes a recurring weekly window for one
// practitioner at one location.
type WeeklyAvailabilityRule struct {
	ID             uuid.UUID    `json:"id"`
	PractitionerID uuid.UUID    `json:"practitioner_id"`
	LocationID     *uuid.UUID   `json:"location_id,omitempty"`
	DayOfWeek      time.Weekday `json:"day_of_week"`
	Start          ClockTime    `json:"start_time"`
	End            ClockTime    `json:"end_time"`
	Mode           Mode         `json:"mode"`
	CreatedAt      time.Time    `json:"created_at"`
}

// sameKey reports whether r and o belong to the same (practitioner,
// location, day) group.
func (r *WeeklyAvailabilityRule) sameKey(o *WeeklyAvailabilityRule) bool {
	if r.PractitionerID != o.PractitionerID || r.DayOfWeek != o.DayOfWeek {
		return false
	}
	if r.LocationID == nil || o.LocationID == nil {
		return r.LocationID == nil && o.LocationID == nil
	}
	return *r.LocationID == *o.LocationID
}

// AvailabilityBlock removes a practitioner's time from availability, e.g.
// leave or training.
type AvailabilityBlock struct {
	ID             uuid.UUID `json:"id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Reason         *string   `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SlotDivision is one practitioner's segment inside an appointment slot.
type SlotDivision struct {
	PractitionerID  uuid.UUID `json:"practitioner_id"`
	Start           ClockTime `json:"start_time"`
	End             ClockTime `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Appointment is a booked session with one or more practitioners.
type Appointment struct {
	ID                    uuid.UUID      `json:"id"`
	PatientID             uuid.UUID      `json:"patient_id"`
	PractitionerIDs       []uuid.UUID    `json:"practitioner_ids"`
	PrimaryPractitionerID uuid.UUID      `json:"primary_practitioner_id"`
	LocationID            *uuid.UUID     `json:"location_id,omitempty"`
	Mode                  Mode           `json:"mode"`
	Start                 time.Time      `json:"start"`
	DurationMinutes       int            `json:"duration_minutes"`
	Status                Status         `json:"status"`
	Notes                 *string        `json:"notes,omitempty"`
	Divisions             []SlotDivision `json:"slot_divisions,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// End returns the instant the appointment finishes.
func (a *Appointment) End() time.Time {
	return a.Start.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// BookedWindow is an existing appointment as seen by one practitioner.
type BookedWindow struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	PractitionerID  uuid.UUID `json:"practitioner_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          Status    `json:"status"`
}

// End returns the instant the booking finishes.
func (b BookedWindow) End() time.Time {
	return b.Start.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// BusyEvent is an event on a practitioner's external calendar.
type BusyEvent struct {
	Title string    `json:"title"`
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// ExternalCalendarConflict lists the external events that overlap a candidate
// slot for one practitioner. It is computed per request and never stored.
type ExternalCalendarConflict struct {
	PractitionerID    uuid.UUID   `json:"practitioner_id"`
	PractitionerName  string      `json:"practitioner_name"`
	ConflictingEvents []BusyEvent `json:"conflicting_events"`
}

// AvailabilitySnapshot is the result of one availability request.
type AvailabilitySnapshot struct {
	Timezone             string                     `json:"timezone"`
	SessionMinutes       int                        `json:"session_minutes"`
	Slots                map[uuid.UUID][]TimeWindow `json:"slots"`
	ExistingAppointments []BookedWindow             `json:"existing_appointments"`
}

// Settings are the per-tenant scheduling preferences.
type Settings struct {
	Timezone       string    `json:"timezone"`
	SessionMinutes int       `json:"session_minutes"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Location resolves the settings' IANA timezone.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return nil, configError("organization timezone is not configured")
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, configError("invalid organization timezone %q", s.Timezone)
	}
	return loc, nil
}

// Person is the display and contact data of a patient or practitioner.
type Person struct {
	ID    uuid.UUID
	Name  string
	Email string
	Phone string
}
