// Package calendar reads busy time from practitioners' external calendars.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("calendar not connected")

// Connection is a practitioner's authorised link to an external calendar.
type Connection struct {
	PractitionerID uuid.UUID  `json:"practitioner_id"`
	Provider       string     `json:"provider"`
	CalendarID     string     `json:"calendar_id"`
	RefreshToken   string     `json:"-"`
	ConnectedAt    time.Time  `json:"connected_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

func (c *Connection) Active() bool { return c != nil && c.RevokedAt == nil && c.RefreshToken != "" }

// Event is a busy interval on an external calendar.
type Event struct {
	Title string
	Start time.Time
	End   time.Time
}

// ConnectionStore persists calendar connections. Get returns
// ErrNotConnected when the practitioner never connected.
type ConnectionStore interface {
	Get(ctx context.Context, practitionerID uuid.UUID) (*Connection, error)
	Save(ctx context.Context, c *Connection) error
	Revoke(ctx context.Context, practitionerID uuid.UUID) error
}

// EventSource lists busy events from a provider for one connection.
type EventSource interface {
	Events(ctx context.Context, conn *Connection, from, to time.Time) ([]Event, error)
}

// Gateway answers connection and busy-time questions for the conflict check.
type Gateway struct {
	store  ConnectionStore
	source EventSource
	logger zerolog.Logger
}

func NewGateway(store ConnectionStore, source EventSource, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:  store,
		source: source,
		logger: logger.With().Str("component", "calendar").Logger(),
	}
}

func (g *Gateway) connection(ctx context.Context, pid uuid.UUID) (*Connection, error) {
	c, err := g.store.Get(ctx, pid)
	if errors.Is(err, ErrNotConnected) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load calendar connection: %w", err)
	}
	if !c.Active() {
		return nil, nil
	}
	return c, nil
}

func (g *Gateway) IsConnected(ctx context.Context, pid uuid.UUID) (bool, error) {
	c, err := g.connection(ctx, pid)
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

// BusyEvents returns events overlapping [from, to). A practitioner without a
// connection has no events.
func (g *Gateway) BusyEvents(ctx context.Context, pid uuid.UUID, from, to time.Time) ([]Event, error) {
	c, err := g.connection(ctx, pid)
	if err != nil || c == nil {
		return nil, err
	}
	events, err := g.source.Events(ctx, c, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s events: %w", c.Provider, err)
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Start.Before(to) && ev.End.After(from) {
			out = append(out, ev)
		}
	}
	g.logger.Debug().
		Str("practitioner_id", pid.String()).
		Int("events", len(out)).
		Msg("busy events fetched")
	return out, nil
}
