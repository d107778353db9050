package scheduling

import (
	"encoding/json"
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// CalendarDate is a day in the tenant's calendar, independent of any zone.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (CalendarDate, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return CalendarDate{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) CalendarDate {
	y, m, d := t.Date()
	return CalendarDate{Year: y, Month: m, Day: d}
}

func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero date.
func (d CalendarDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Weekday uses a UTC anchor; a date's weekday does not depend on the zone.
func (d CalendarDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the date n calendar days after d.
func (d CalendarDate) AddDays(n int) CalendarDate {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Compare returns -1, 0 or +1.
func (d CalendarDate) Compare(o CalendarDate) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

// Before reports whether d falls strictly before o.
func (d CalendarDate) Before(o CalendarDate) bool { return d.Compare(o) < 0 }

// DaysUntil returns the number of calendar days from d to o.
func (d CalendarDate) DaysUntil(o CalendarDate) int {
	a := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
	b := time.Date(o.Year, o.Month, o.Day, 12, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// At returns the instant of the wall-clock time c on date d in loc.
func (d CalendarDate) At(c ClockTime, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
}

func (d CalendarDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *CalendarDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ClockTime is a wall-clock time of day in minutes after midnight. 1440 is
// allowed so a window can end at midnight.
type ClockTime int

// Clock builds a ClockTime from hours and minutes.
func Clock(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ParseClock parses an HH:MM time of day. "24:00" is accepted as end of day.
func ParseClock(s string) (ClockTime, error) {
	if s == "24:00" {
		return minutesPerDay, nil
	}
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Valid reports whether c lies within a single day.
func (c ClockTime) Valid() bool {
	return c >= 0 && c <= minutesPerDay
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TimeWindow is a dated wall-clock range [Start, End) in the tenant timezone.
type TimeWindow struct {
	Date  CalendarDate `json:"date"`
	Start ClockTime    `json:"start_time"`
	End   ClockTime    `json:"end_time"`
}

// NewTimeWindow returns a validated window.
func NewTimeWindow(date CalendarDate, start, end ClockTime) (TimeWindow, error) {
	w := TimeWindow{Date: date, Start: start, End: end}
	if _, err := DurationMinutes(w); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s %s-%s", w.Date, w.Start, w.End)
}

// Bounds returns the absolute start and end instants of w in loc.
func (w TimeWindow) Bounds(loc *time.Location) (time.Time, time.Time) {
	return w.Date.At(w.Start, loc), w.Date.At(w.End, loc)
}

// Overlaps reports whether a and b share any instant. Touching endpoints do
// not overlap.
func Overlaps(a, b TimeWindow) bool {
	if a.Date != b.Date {
		return false
	}
	return a.Start < b.End && b.Start < a.End
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner TimeWindow) bool {
	if outer.Date != inner.Date {
		return false
	}
	return outer.Start <= inner.Start && inner.End <= outer.End
}

// DurationMinutes returns the length of w. Non-positive lengths and times
// outside a single day are rejected with ErrInvalidWindow.
func DurationMinutes(w TimeWindow) (int, error) {
	if !w.Start.Valid() || !w.End.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWindow, w)
	}
	d := int(w.End - w.Start)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWindow, w)
	}
	return d, nil
}

// WindowsFromInstants maps the absolute interval [start, end) onto wall-clock
// windows in loc, one per calendar day it touches.
func WindowsFromInstants(start, end time.Time, loc *time.Location) []TimeWindow {
	if !end.After(start) {
		return nil
	}
	s := start.In(loc)
	e := end.In(loc)

	var out []TimeWindow
	day := DateOf(s)
	last := DateOf(e)
	for !last.Before(day) {
		from := ClockTime(0)
		if day == DateOf(s) {
			from = Clock(s.Hour(), s.Minute())
		}
		to := ClockTime(minutesPerDay)
		if day == last {
			to = ceilClock(e)
		}
		if to > from {
			out = append(out, TimeWindow{Date: day, Start: from, End: to})
		}
		day = day.AddDays(1)
	}
	return out
}

// ceilClock rounds a sub-minute remainder up so a booking never under-blocks.
func ceilClock(t time.Time) ClockTime {
	c := Clock(t.Hour(), t.Minute())
	if t.Second() > 0 || t.Nanosecond() > 0 {
		c++
	}
	return c
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareWindows(a, b TimeWindow) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if a.Start != b.Start {
		return cmpInt(int(a.Start), int(b.Start))
	}
	return cmpInt(int(a.End), int(b.End))
}
