package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AppointmentDraft carries the caller's booking request.
type AppointmentDraft struct {
	PatientID             uuid.UUID    `json:"patient_id"`
	PractitionerIDs       []uuid.UUID  `json:"practitioner_ids"`
	PrimaryPractitionerID *uuid.UUID   `json:"primary_practitioner_id,omitempty"`
	LocationID            *uuid.UUID   `json:"location_id,omitempty"`
	Mode                  Mode         `json:"mode"`
	Date                  CalendarDate `json:"date"`
	Start                 ClockTime    `json:"start_time"`
	DurationMinutes       int          `json:"duration_minutes"`
	Status                Status       `json:"status,omitempty"`
	Notes                 *string      `json:"notes,omitempty"`
}

// Window returns the wall-clock slot the draft occupies.
func (d AppointmentDraft) Window() TimeWindow {
	return TimeWindow{Date: d.Date, Start: d.Start, End: d.Start + ClockTime(d.DurationMinutes)}
}

// Orchestrator is the only writer of appointments.
type Orchestrator struct {
	appointments AppointmentStore
	notifier     NotificationDispatcher
	logger       zerolog.Logger
	now          func() time.Time
	pending      sync.WaitGroup
}

func NewOrchestrator(appts AppointmentStore, notifier NotificationDispatcher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		appointments: appts,
		notifier:     notifier,
		logger:       logger.With().Str("component", "booking").Logger(),
		now:          time.Now,
	}
}

func validateDraft(d *AppointmentDraft) error {
	if d.PatientID == uuid.Nil {
		return configError("patient_id is required")
	}
	if len(d.PractitionerIDs) == 0 {
		return configError("at least one practitioner is required")
	}
	seen := make(map[uuid.UUID]bool, len(d.PractitionerIDs))
	for _, id := range d.PractitionerIDs {
		if id == uuid.Nil {
			return configError("practitioner id must not be empty")
		}
		if seen[id] {
			return configError("practitioner %s listed twice", id)
		}
		seen[id] = true
	}
	if d.PrimaryPractitionerID == nil {
		primary := d.PractitionerIDs[0]
		d.PrimaryPractitionerID = &primary
	} else if !seen[*d.PrimaryPractitionerID] {
		return configError("primary practitioner %s is not in the practitioner set", *d.PrimaryPractitionerID)
	}
	if !d.Mode.Valid() {
		return configError("invalid mode %q", d.Mode)
	}
	if d.Mode == ModeInPerson && d.LocationID == nil {
		return configError("location is required for in-person appointments")
	}
	if d.Mode != ModeInPerson && d.LocationID != nil {
		return configError("location is only allowed for in-person appointments")
	}
	if d.DurationMinutes <= 0 {
		return configError("duration must be positive")
	}
	if d.Date.IsZero() {
		return configError("date is required")
	}
	if !d.Start.Valid() || d.DurationMinutes > minutesPerDay-int(d.Start) {
		return configError("appointment must start and end on %s", d.Date)
	}
	switch d.Status {
	case "":
		d.Status = StatusPending
	case StatusPending, StatusConfirmed:
	default:
		return configError("new appointments must be pending or confirmed, got %q", d.Status)
	}
	return nil
}

// Book validates the draft and optional divisions, then persists the
// appointment, its practitioner links and divisions in one transaction.
// Every validation error is returned before the transaction starts.
func (o *Orchestrator) Book(ctx context.Context, draft AppointmentDraft, divisions []DivisionInput, settings Settings) (*Appointment, error) {
	if err := validateDraft(&draft); err != nil {
		return nil, err
	}
	loc, err := settings.Location()
	if err != nil {
		return nil, err
	}

	window := draft.Window()
	var payload []SlotDivision
	if len(divisions) > 0 {
		payload, err = resolveDivisions(window, draft.PractitionerIDs, divisions)
		if err != nil {
			return nil, err
		}
	}

	start, end := window.Bounds(loc)
	now := o.now().UTC()
	appt := &Appointment{
		ID:                    uuid.New(),
		PatientID:             draft.PatientID,
		PractitionerIDs:       append([]uuid.UUID(nil), draft.PractitionerIDs...),
		PrimaryPractitionerID: *draft.PrimaryPractitionerID,
		LocationID:            draft.LocationID,
		Mode:                  draft.Mode,
		Start:                 start,
		DurationMinutes:       int(end.Sub(start) / time.Minute),
		Status:                draft.Status,
		Notes:                 draft.Notes,
		Divisions:             payload,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	err = o.appointments.InTx(ctx, appt.PractitionerIDs, func(ctx context.Context, tx BookingTx) error {
		taken, err := tx.HasOverlap(ctx, appt.PractitionerIDs, appt.Start, appt.End())
		if err != nil {
			return fmt.Errorf("re-check availability: %w", err)
		}
		if taken {
			return ErrSlotNoLongerAvailable
		}
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		for _, pid := range appt.PractitionerIDs {
			if err := tx.InsertPractitionerLink(ctx, appt, pid); err != nil {
				return fmt.Errorf("link practitioner %s: %w", pid, err)
			}
		}
		for _, d := range appt.Divisions {
			if err := tx.InsertDivision(ctx, appt.ID, d); err != nil {
				return fmt.Errorf("insert division for %s: %w", d.PractitionerID, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotNoLongerAvailable) {
			o.logger.Info().
				Str("window", window.String()).
				Msg("slot taken before commit")
		}
		return nil, err
	}

	o.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("window", window.String()).
		Int("practitioners", len(appt.PractitionerIDs)).
		Msg("appointment booked")

	o.notify(ctx, appt)
	return appt, nil
}

// resolveDivisions runs the inputs through a DivisionEngine and returns the
// first rejection in practitioner order, or the complete payload.
func resolveDivisions(parent TimeWindow, practitionerIDs []uuid.UUID, inputs []DivisionInput) ([]SlotDivision, error) {
	engine, err := NewDivisionEngine(parent, practitionerIDs)
	if err != nil {
		return nil, err
	}
	errs := engine.Apply(inputs)
	if len(errs) > 0 {
		failed := make([]uuid.UUID, 0, len(errs))
		for id := range errs {
			failed = append(failed, id)
		}
		sort.Slice(failed, func(i, j int) bool { return failed[i].String() < failed[j].String() })
		return nil, errs[failed[0]]
	}
	return engine.Payload()
}

func (o *Orchestrator) notify(ctx context.Context, appt *Appointment) {
	if o.notifier == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Interface("panic", r).Str("appointment_id", appt.ID.String()).Msg("notification panicked")
			}
		}()
		if err := o.notifier.BookingCreated(nctx, appt); err != nil {
			o.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("booking notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Transition moves an appointment along its lifecycle.
func (o *Orchestrator) Transition(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	if !to.Valid() {
		return nil, configError("invalid status %q", to)
	}
	appt, err := o.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, to)
	}
	if err := o.appointments.UpdateStatus(ctx, id, appt.Status, to); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(appt.Status)).
		Str("to", string(to)).
		Msg("appointment status changed")
	return o.appointments.GetByID(ctx, id)
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return o.appointments.GetByID(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, configError("invalid status %q", f.Status)
	}
	return o.appointments.List(ctx, f, limit, offset)
}

// CompleteElapsed marks confirmed appointments that have ended as completed.
func (o *Orchestrator) CompleteElapsed(ctx context.Context) (int64, error) {
	return o.appointments.CompleteElapsed(ctx, o.now())
}
