package calendar

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/practice/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) ConnectionStore { return &storePG{pool: pool} }

func (s *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// Get is called from concurrent per-practitioner lookups that share the
// request connection.
func (s *storePG) Get(ctx context.Context, practitionerID uuid.UUID) (*Connection, error) {
	defer db.LockConn(ctx)()
	var c Connection
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT practitioner_id, provider, calendar_id, refresh_token, connected_at, revoked_at
		FROM calendar_connection WHERE practitioner_id = $1`, practitionerID).
		Scan(&c.PractitionerID, &c.Provider, &c.CalendarID, &c.RefreshToken, &c.ConnectedAt, &c.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *storePG) Save(ctx context.Context, c *Connection) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO calendar_connection (practitioner_id, provider, calendar_id, refresh_token, connected_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (practitioner_id) DO UPDATE SET provider = EXCLUDED.provider,
			calendar_id = EXCLUDED.calendar_id, refresh_token = EXCLUDED.refresh_token,
			connected_at = EXCLUDED.connected_at, revoked_at = NULL`,
		c.PractitionerID, c.Provider, c.CalendarID, c.RefreshToken, c.ConnectedAt)
	return err
}

func (s *storePG) Revoke(ctx context.Context, practitionerID uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE calendar_connection SET revoked_at = NOW(), refresh_token = ''
		WHERE practitioner_id = $1 AND revoked_at IS NULL`, practitionerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("practitioner %s: %w", practitionerID, ErrNotConnected)
	}
	return nil
}
