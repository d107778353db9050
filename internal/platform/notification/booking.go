package notification

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Party is a person who receives booking messages.
type Party struct {
	Name  string
	Email string
	Phone string
}

// Booking describes a newly created appointment in the practice's local time.
type Booking struct {
	AppointmentID   string
	Patient         Party
	Practitioners   []Party
	Start           time.Time
	DurationMinutes int
	Mode            string
	Status          string
}

func (b Booking) when() string {
	return fmt.Sprintf("%s at %s (%s, %d min)",
		b.Start.Format("Monday 2 January 2006"), b.Start.Format("15:04"), b.Start.Format("MST"), b.DurationMinutes)
}

func (b Booking) practitionerNames() string {
	names := make([]string, 0, len(b.Practitioners))
	for _, p := range b.Practitioners {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return "your care team"
	}
	return strings.Join(names, ", ")
}

// BookingMessages builds the confirmation messages for a booking: email and
// SMS to the patient, email to each practitioner. Parties without a contact
// for a channel are skipped.
func BookingMessages(b Booking) []Message {
	verb := "is booked"
	if b.Status == "pending" {
		verb = "has been requested"
	}
	var out []Message
	if b.Patient.Email != "" {
		out = append(out, Message{
			Channel:       ChannelEmail,
			Recipient:     b.Patient.Email,
			RecipientName: b.Patient.Name,
			Subject:       "Your appointment " + verb,
			Body: fmt.Sprintf("Hello %s,\n\nYour %s appointment with %s %s for %s.\n\nReference: %s\n",
				b.Patient.Name, b.Mode, b.practitionerNames(), verb, b.when(), b.AppointmentID),
		})
	}
	if b.Patient.Phone != "" {
		out = append(out, Message{
			Channel:   ChannelSMS,
			Recipient: b.Patient.Phone,
			Body:      fmt.Sprintf("Appointment %s: %s with %s.", verb, b.when(), b.practitionerNames()),
		})
	}
	for _, p := range b.Practitioners {
		if p.Email == "" {
			continue
		}
		out = append(out, Message{
			Channel:       ChannelEmail,
			Recipient:     p.Email,
			RecipientName: p.Name,
			Subject:       "New appointment: " + b.Patient.Name,
			Body: fmt.Sprintf("Hello %s,\n\nA %s appointment with %s %s for %s.\n\nReference: %s\n",
				p.Name, b.Mode, b.Patient.Name, verb, b.when(), b.AppointmentID),
		})
	}
	return out
}

// NotifyBooking sends the booking's messages over the enabled channels.
func (m *Manager) NotifyBooking(ctx context.Context, b Booking) error {
	var msgs []Message
	for _, msg := range BookingMessages(b) {
		if m.Enabled(msg.Channel) {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	err := m.SendAll(ctx, msgs)
	m.logger.Info().
		Str("appointment_id", b.AppointmentID).
		Int("messages", len(msgs)).
		Bool("failed", err != nil).
		Msg("booking notifications sent")
	return err
}
