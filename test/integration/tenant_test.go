//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carepoint/practice/internal/domain/scheduling"
	"github.com/carepoint/practice/internal/platform/calendar"
	"github.com/carepoint/practice/internal/platform/db"
	"github.com/carepoint/practice/migrations"
)

func TestTenantIsolation(t *testing.T) {
	a := createTenant(t, "iso_a")
	b := createTenant(t, "iso_b")
	s := newStack()
	dr := createPractitioner(t, a, "Dr. Rivera")
	clinic := createLocation(t, a, "Main Street")
	patient := createPatient(t, a, "Sam Lee")

	var id uuid.UUID
	inTenant(t, a, func(ctx context.Context) error {
		appt, err := s.booking.Book(ctx, draftAt(patient, clinic, []uuid.UUID{dr}, scheduling.Clock(9, 0), 30), nil, scheduling.Settings{Timezone: "UTC", SessionMinutes: 30})
		if err != nil {
			return err
		}
		id = appt.ID
		return nil
	})

	inTenant(t, b, func(ctx context.Context) error {
		if _, err := s.booking.Get(ctx, id); !errors.Is(err, scheduling.ErrNotFound) {
			t.Errorf("expected ErrNotFound from the other tenant, got %v", err)
		}
		_, total, err := s.booking.List(ctx, scheduling.AppointmentFilter{}, 10, 0)
		if err != nil {
			return err
		}
		if total != 0 {
			t.Errorf("expected no appointments in tenant b, got %d", total)
		}
		return nil
	})

	tenants, err := db.ListTenants(context.Background(), globalPool)
	if err != nil {
		t.Fatalf("list tenants: %v", err)
	}
	found := map[string]bool{}
	for _, id := range tenants {
		found[id] = true
	}
	if !found[a] || !found[b] {
		t.Errorf("expected %s and %s in %v", a, b, tenants)
	}
}

func TestMigrator_StatusAndIdempotentUp(t *testing.T) {
	tenant := createTenant(t, "mig")
	m := db.NewMigrator(globalPool, migrations.FS)
	schema := db.SchemaName(tenant)

	n, err := m.Up(context.Background(), schema)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations on a fresh tenant, got %d", n)
	}

	statuses, err := m.Status(context.Background(), schema)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("expected %s applied", s.Name)
		}
	}
}

func TestDirectoryLookups(t *testing.T) {
	tenant := createTenant(t, "dir")
	dir := scheduling.NewDirectoryPG(globalPool)
	dr := createPractitioner(t, tenant, "Dr. Rivera")
	patient := createPatient(t, tenant, "Sam Lee")

	inTenant(t, tenant, func(ctx context.Context) error {
		people, err := dir.Practitioners(ctx, []uuid.UUID{dr, uuid.New()})
		if err != nil {
			return err
		}
		if len(people) != 1 || people[dr].Name != "Dr. Rivera" {
			t.Errorf("unexpected practitioners %+v", people)
		}
		p, err := dir.Patient(ctx, patient)
		if err != nil {
			return err
		}
		if p.Email != "sam.lee@example.com" || p.Phone != "+15550100" {
			t.Errorf("unexpected patient %+v", p)
		}
		if _, err := dir.Patient(ctx, uuid.New()); !errors.Is(err, scheduling.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
}

func TestCalendarConnectionStore(t *testing.T) {
	tenant := createTenant(t, "cal")
	store := calendar.NewStorePG(globalPool)
	dr := createPractitioner(t, tenant, "Dr. Rivera")

	inTenant(t, tenant, func(ctx context.Context) error {
		if _, err := store.Get(ctx, dr); !errors.Is(err, calendar.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected before save, got %v", err)
		}
		if err := store.Save(ctx, &calendar.Connection{
			PractitionerID: dr,
			Provider:       "google",
			CalendarID:     "primary",
			RefreshToken:   "refresh-1",
			ConnectedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		conn, err := store.Get(ctx, dr)
		if err != nil {
			return err
		}
		if !conn.Active() || conn.RefreshToken != "refresh-1" {
			t.Errorf("expected an active connection, got %+v", conn)
		}

		if err := store.Revoke(ctx, dr); err != nil {
			return err
		}
		conn, err = store.Get(ctx, dr)
		if err != nil {
			return err
		}
		if conn.Active() {
			t.Error("expected the connection revoked")
		}
		if err := store.Revoke(ctx, dr); !errors.Is(err, calendar.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected on a second revoke, got %v", err)
		}
		return nil
	})
}
