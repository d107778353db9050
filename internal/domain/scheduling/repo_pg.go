package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/practice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres error codes mapped onto scheduling errors.
const (
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// mapConstraintError turns storage constraint violations into scheduling
// errors. The exclusion constraint on appointment_practitioner is the last
// line against double booking.
func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return fmt.Errorf("%w: %s", ErrSlotNoLongerAvailable, pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return configError("referenced record does not exist (%s)", pgErr.ConstraintName)
	}
	return err
}

// =========== Availability Rule Store ===========

type ruleStorePG struct{ pool *pgxpool.Pool }

func NewRuleStorePG(pool *pgxpool.Pool) AvailabilityRuleStore { return &ruleStorePG{pool: pool} }

func (r *ruleStorePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ruleCols = `id, practitioner_id, location_id, day_of_week, start_minute, end_minute, mode, created_at`

func (r *ruleStorePG) scanRule(row pgx.Row) (*WeeklyAvailabilityRule, error) {
	var (
		rule       WeeklyAvailabilityRule
		day        int
		start, end int
	)
	err := row.Scan(&rule.ID, &rule.PractitionerID, &rule.LocationID, &day, &start, &end, &rule.Mode, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	rule.DayOfWeek = time.Weekday(day)
	rule.Start = ClockTime(start)
	rule.End = ClockTime(end)
	return &rule, nil
}

func (r *ruleStorePG) CreateRule(ctx context.Context, rule *WeeklyAvailabilityRule) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_rule (id, practitioner_id, location_id, day_of_week, start_minute, end_minute, mode)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		rule.ID, rule.PractitionerID, rule.LocationID, int(rule.DayOfWeek), int(rule.Start), int(rule.End), rule.Mode,
	).Scan(&rule.CreatedAt)
	return mapConstraintError(err)
}

func (r *ruleStorePG) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_rule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("availability rule: %w", ErrNotFound)
	}
	return nil
}

func (r *ruleStorePG) ListRules(ctx context.Context, practitionerID uuid.UUID) ([]*WeeklyAvailabilityRule, error) {
	defer db.LockConn(ctx)()
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM availability_rule
		WHERE practitioner_id = $1 ORDER BY day_of_week, start_minute`, practitionerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*WeeklyAvailabilityRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}

const blockCols = `id, practitioner_id, start_at, end_at, reason, created_at`

func scanBlock(row pgx.Row) (*AvailabilityBlock, error) {
	var b AvailabilityBlock
	if err := row.Scan(&b.ID, &b.PractitionerID, &b.Start, &b.End, &b.Reason, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *ruleStorePG) CreateBlock(ctx context.Context, b *AvailabilityBlock) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_block (id, practitioner_id, start_at, end_at, reason)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		b.ID, b.PractitionerID, b.Start, b.End, b.Reason,
	).Scan(&b.CreatedAt)
	return mapConstraintError(err)
}

func (r *ruleStorePG) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_block WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("availability block: %w", ErrNotFound)
	}
	return nil
}

func (r *ruleStorePG) ListBlocks(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]*AvailabilityBlock, error) {
	defer db.LockConn(ctx)()
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+blockCols+` FROM availability_block
		WHERE practitioner_id = $1 AND start_at < $3 AND end_at > $2
		ORDER BY start_at`, practitionerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AvailabilityBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// =========== Appointment Store ===========

type appointmentStorePG struct{ pool *pgxpool.Pool }

func NewAppointmentStorePG(pool *pgxpool.Pool) AppointmentStore {
	return &appointmentStorePG{pool: pool}
}

func (r *appointmentStorePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *appointmentStorePG) begin(ctx context.Context) (pgx.Tx, error) {
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

const apptCols = `a.id, a.patient_id, a.primary_practitioner_id, a.location_id, a.mode, a.start_at,
	a.duration_minutes, a.status, a.notes, a.created_at, a.updated_at,
	ARRAY(SELECT ap.practitioner_id FROM appointment_practitioner ap
		WHERE ap.appointment_id = a.id ORDER BY ap.position) AS practitioner_ids`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.PrimaryPractitionerID, &a.LocationID, &a.Mode, &a.Start,
		&a.DurationMinutes, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.PractitionerIDs)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentStorePG) ListBooked(ctx context.Context, practitionerIDs []uuid.UUID, from, to time.Time) ([]BookedWindow, error) {
	defer db.LockConn(ctx)()
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, ap.practitioner_id, a.start_at, a.duration_minutes, a.status
		FROM appointment_practitioner ap
		JOIN appointment a ON a.id = ap.appointment_id
		WHERE ap.practitioner_id = ANY($1) AND ap.period && tstzrange($2, $3, '[)')
		ORDER BY a.start_at, ap.practitioner_id`, practitionerIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BookedWindow
	for rows.Next() {
		var b BookedWindow
		if err := rows.Scan(&b.AppointmentID, &b.PractitionerID, &b.Start, &b.DurationMinutes, &b.Status); err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *appointmentStorePG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment a WHERE a.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment")
	}
	divisions, err := r.divisions(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	a.Divisions = divisions[id]
	return a, nil
}

func (r *appointmentStorePG) divisions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]SlotDivision, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.appointment_id, d.practitioner_id, d.start_minute, d.end_minute, d.duration_minutes
		FROM slot_division d
		JOIN appointment_practitioner ap ON ap.appointment_id = d.appointment_id AND ap.practitioner_id = d.practitioner_id
		WHERE d.appointment_id = ANY($1)
		ORDER BY d.appointment_id, ap.position`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]SlotDivision)
	for rows.Next() {
		var (
			apptID     uuid.UUID
			d          SlotDivision
			start, end int
		)
		if err := rows.Scan(&apptID, &d.PractitionerID, &start, &end, &d.DurationMinutes); err != nil {
			return nil, err
		}
		d.Start, d.End = ClockTime(start), ClockTime(end)
		out[apptID] = append(out[apptID], d)
	}
	return out, rows.Err()
}

func (r *appointmentStorePG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PractitionerID != nil {
		where += fmt.Sprintf(` AND a.id IN (SELECT appointment_id FROM appointment_practitioner WHERE practitioner_id = $%d)`, idx)
		args = append(args, *f.PractitionerID)
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND a.patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND a.status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND a.start_at >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND a.start_at < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment a`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment a` + where +
		fmt.Sprintf(` ORDER BY a.start_at, a.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	var ids []uuid.UUID
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return items, total, nil
	}

	divisions, err := r.divisions(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, a := range items {
		a.Divisions = divisions[a.ID]
	}
	return items, total, nil
}

func (r *appointmentStorePG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE appointment SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointment WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("appointment: %w", ErrNotFound)
		}
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx, `UPDATE appointment_practitioner SET active = $2 WHERE appointment_id = $1`, id, to.Blocking()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *appointmentStorePG) CompleteElapsed(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = 'completed', updated_at = NOW()
		WHERE status = 'confirmed' AND start_at + make_interval(mins => duration_minutes) <= $1`, t)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InTx takes a transaction-scoped advisory lock per practitioner, in a fixed
// order so concurrent bookings sharing practitioners cannot deadlock.
func (r *appointmentStorePG) InTx(ctx context.Context, practitionerIDs []uuid.UUID, fn func(ctx context.Context, tx BookingTx) error) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	keys := make([]string, 0, len(practitionerIDs))
	for _, id := range practitionerIDs {
		keys = append(keys, id.String())
	}
	sort.Strings(keys)
	tenant := db.TenantFromContext(ctx)
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "booking:"+tenant+":"+k); err != nil {
			return fmt.Errorf("lock practitioner %s: %w", k, err)
		}
	}

	if err := fn(ctx, &bookingTxPG{tx: tx}); err != nil {
		return mapConstraintError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapConstraintError(err)
	}
	return nil
}

type bookingTxPG struct{ tx pgx.Tx }

func (b *bookingTxPG) HasOverlap(ctx context.Context, practitionerIDs []uuid.UUID, start, end time.Time) (bool, error) {
	var taken bool
	err := b.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment_practitioner
			WHERE practitioner_id = ANY($1) AND active AND period && tstzrange($2, $3, '[)')
		)`, practitionerIDs, start, end).Scan(&taken)
	return taken, err
}

func (b *bookingTxPG) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO appointment (id, patient_id, primary_practitioner_id, location_id, mode, start_at,
			duration_minutes, status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.PatientID, a.PrimaryPractitionerID, a.LocationID, a.Mode, a.Start,
		a.DurationMinutes, a.Status, a.Notes, a.CreatedAt, a.UpdatedAt)
	return err
}

func (b *bookingTxPG) InsertPractitionerLink(ctx context.Context, a *Appointment, practitionerID uuid.UUID) error {
	position := -1
	for i, id := range a.PractitionerIDs {
		if id == practitionerID {
			position = i
			break
		}
	}
	if position < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPractitioner, practitionerID)
	}
	_, err := b.tx.Exec(ctx, `
		INSERT INTO appointment_practitioner (appointment_id, practitioner_id, position, is_primary, period, active)
		VALUES ($1,$2,$3,$4,tstzrange($5, $6, '[)'),$7)`,
		a.ID, practitionerID, position, practitionerID == a.PrimaryPractitionerID, a.Start, a.End(), a.Status.Blocking())
	return err
}

func (b *bookingTxPG) InsertDivision(ctx context.Context, appointmentID uuid.UUID, d SlotDivision) error {
	_, err := b.tx.Exec(ctx, `
		INSERT INTO slot_division (appointment_id, practitioner_id, start_minute, end_minute, duration_minutes)
		VALUES ($1,$2,$3,$4,$5)`,
		appointmentID, d.PractitionerID, int(d.Start), int(d.End), d.DurationMinutes)
	return err
}

// =========== Settings Store ===========

type settingsStorePG struct{ pool *pgxpool.Pool }

func NewSettingsStorePG(pool *pgxpool.Pool) SettingsStore { return &settingsStorePG{pool: pool} }

func (r *settingsStorePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *settingsStorePG) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.conn(ctx).QueryRow(ctx, `SELECT timezone, session_minutes, updated_at FROM scheduling_settings WHERE id`).
		Scan(&s.Timezone, &s.SessionMinutes, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "scheduling settings")
	}
	return &s, nil
}

func (r *settingsStorePG) Upsert(ctx context.Context, s *Settings) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO scheduling_settings (id, timezone, session_minutes, updated_at)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET timezone = EXCLUDED.timezone,
			session_minutes = EXCLUDED.session_minutes, updated_at = EXCLUDED.updated_at`,
		s.Timezone, s.SessionMinutes, s.UpdatedAt)
	return err
}

// =========== Directory ===========

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (r *directoryPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *directoryPG) Practitioners(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Person, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, name, COALESCE(email, ''), COALESCE(phone, '')
		FROM practitioner WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]Person, len(ids))
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Phone); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *directoryPG) Patient(ctx context.Context, id uuid.UUID) (Person, error) {
	var p Person
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, COALESCE(email, ''), COALESCE(phone, '')
		FROM patient WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Email, &p.Phone)
	if err != nil {
		return Person{}, notFound(err, "patient")
	}
	return p, nil
}
