package scheduling

import (
	"fmt"

	"github.com/google/uuid"
)

// DivisionState tracks how many practitioners of an appointment have a
// division inside the parent slot.
type DivisionState int

const (
	Unassigned DivisionState = iota
	PartiallyAssigned
	FullyAssigned
)

func (s DivisionState) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case PartiallyAssigned:
		return "partially_assigned"
	case FullyAssigned:
		return "fully_assigned"
	}
	return fmt.Sprintf("DivisionState(%d)", int(s))
}

func (s DivisionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DivisionInput is a caller's request for one practitioner's segment. When
// EntireSlot is set, Start and End are ignored.
type DivisionInput struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	EntireSlot     bool      `json:"entire_slot"`
	Start          ClockTime `json:"start_time"`
	End            ClockTime `json:"end_time"`
}

// DivisionEngine assigns each practitioner of an appointment one segment of
// the parent slot. Segments of different practitioners may overlap.
type DivisionEngine struct {
	parent    TimeWindow
	order     []uuid.UUID
	divisions map[uuid.UUID]TimeWindow
}

// NewDivisionEngine starts an Unassigned engine for the given parent slot.
func NewDivisionEngine(parent TimeWindow, practitionerIDs []uuid.UUID) (*DivisionEngine, error) {
	if _, err := DurationMinutes(parent); err != nil {
		return nil, err
	}
	if len(practitionerIDs) == 0 {
		return nil, configError("at least one practitioner is required")
	}
	seen := make(map[uuid.UUID]bool, len(practitionerIDs))
	for _, id := range practitionerIDs {
		if seen[id] {
			return nil, configError("practitioner %s listed twice", id)
		}
		seen[id] = true
	}
	return &DivisionEngine{
		parent:    parent,
		order:     append([]uuid.UUID(nil), practitionerIDs...),
		divisions: make(map[uuid.UUID]TimeWindow, len(practitionerIDs)),
	}, nil
}

// Parent returns the slot being divided.
func (e *DivisionEngine) Parent() TimeWindow { return e.parent }

func (e *DivisionEngine) required(pid uuid.UUID) bool {
	for _, id := range e.order {
		if id == pid {
			return true
		}
	}
	return false
}

// SetDivision assigns window to pid. A rejected window leaves the previous
// assignment of every practitioner unchanged.
func (e *DivisionEngine) SetDivision(pid uuid.UUID, window TimeWindow) error {
	if !e.required(pid) {
		return fmt.Errorf("%w: %s", ErrUnknownPractitioner, pid)
	}
	if err := e.check(window); err != nil {
		return err
	}
	e.divisions[pid] = window
	return nil
}

// SetEntireSlot assigns the whole parent slot to pid, discarding any custom
// segment set earlier.
func (e *DivisionEngine) SetEntireSlot(pid uuid.UUID) error {
	return e.SetDivision(pid, e.parent)
}

// Clear removes pid's assignment.
func (e *DivisionEngine) Clear(pid uuid.UUID) {
	delete(e.divisions, pid)
}

func (e *DivisionEngine) check(w TimeWindow) error {
	if w.End <= w.Start {
		return fmt.Errorf("%w: %s-%s", ErrZeroDuration, w.Start, w.End)
	}
	if !w.Start.Valid() || !w.End.Valid() || !Contains(e.parent, w) {
		return fmt.Errorf("%w: %s not within %s", ErrOutOfBounds, w, e.parent)
	}
	return nil
}

// State reports the assignment progress.
func (e *DivisionEngine) State() DivisionState {
	valid := 0
	for _, id := range e.order {
		if w, ok := e.divisions[id]; ok && e.check(w) == nil {
			valid++
		}
	}
	switch {
	case valid == 0:
		return Unassigned
	case valid < len(e.order):
		return PartiallyAssigned
	default:
		return FullyAssigned
	}
}

// IsComplete reports whether every practitioner holds a valid division.
func (e *DivisionEngine) IsComplete() bool {
	return e.State() == FullyAssigned
}

// Missing returns practitioners without a division, in input order.
func (e *DivisionEngine) Missing() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range e.order {
		if _, ok := e.divisions[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Payload returns the divisions ready to persist, in practitioner order.
func (e *DivisionEngine) Payload() ([]SlotDivision, error) {
	if !e.IsComplete() {
		return nil, fmt.Errorf("%w: %d of %d practitioners unassigned", ErrIncompleteAssignment, len(e.Missing()), len(e.order))
	}
	out := make([]SlotDivision, 0, len(e.order))
	for _, id := range e.order {
		w := e.divisions[id]
		out = append(out, SlotDivision{
			PractitionerID:  id,
			Start:           w.Start,
			End:             w.End,
			DurationMinutes: int(w.End - w.Start),
		})
	}
	return out, nil
}

// Apply feeds inputs to the engine in order and returns the failure for each
// practitioner whose input was rejected.
func (e *DivisionEngine) Apply(inputs []DivisionInput) map[uuid.UUID]error {
	errs := make(map[uuid.UUID]error)
	for _, in := range inputs {
		var err error
		if in.EntireSlot {
			err = e.SetEntireSlot(in.PractitionerID)
		} else {
			err = e.SetDivision(in.PractitionerID, TimeWindow{Date: e.parent.Date, Start: in.Start, End: in.End})
		}
		if err != nil {
			errs[in.PractitionerID] = err
		} else {
			delete(errs, in.PractitionerID)
		}
	}
	return errs
}
