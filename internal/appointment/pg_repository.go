package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
	"github.com/hackgods/hospital-scheduling/internal/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const appointmentColumns = `id, patient_id, doctor_id, service_id, appt_date, appt_time, status, created_at, updated_at`

type PgRepository struct {
	pool *db.Pool
}

func NewPgRepository(pool *db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var at pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ServiceID,
		&a.Date,
		&at,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Time = clinic.ClockFromPg(at)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// mapError classifies driver errors; already-classified errors pass through.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperrors.SlotTaken("slot already booked", err)
		case pgForeignKeyViolation:
			return apperrors.NotFound(fmt.Sprintf("%s: referenced record does not exist (%s)", op, pgErr.ConstraintName))
		}
	}
	return apperrors.Storage(op, err)
}

// dateOnly strips the clock and zone so DATE parameters do not shift.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Interface methods

func (r *PgRepository) BookedTimes(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]clinic.Clock, error) {
	var out []clinic.Clock
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, `
			SELECT appt_time
			FROM appointments
			WHERE doctor_id = $1
			  AND appt_date = $2
			  AND status <> 'CANCELED'
			ORDER BY appt_time
		`, doctorID, dateOnly(date))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var at pgtype.Time
			if err := rows.Scan(&at); err != nil {
				return err
			}
			out = append(out, clinic.ClockFromPg(at))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError("load booked times", err)
	}
	return out, nil
}

func (r *PgRepository) CountActiveAt(ctx context.Context, doctorID uuid.UUID, date time.Time, at clinic.Clock) (int, error) {
	var n int
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		return h.QueryRow(ctx, `
			SELECT count(*)
			FROM appointments
			WHERE doctor_id = $1
			  AND appt_date = $2
			  AND appt_time = $3
			  AND status <> 'CANCELED'
		`, doctorID, dateOnly(date), at.PgTime()).Scan(&n)
	})
	if err != nil {
		return 0, mapError("count active appointments", err)
	}
	return n, nil
}

func (r *PgRepository) Insert(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	var created *Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		row := h.QueryRow(ctx, `
			INSERT INTO appointments (id, patient_id, doctor_id, service_id, appt_date, appt_time, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			RETURNING `+appointmentColumns,
			a.ID, a.PatientID, a.DoctorID, a.ServiceID, dateOnly(a.Date), a.Time.PgTime(), a.Status)

		var err error
		created, err = scanAppointment(row)
		return err
	})
	if err != nil {
		return nil, mapError("insert appointment", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a *Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		var err error
		a, err = scanAppointment(h.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
		`, id))
		return err
	})
	if err != nil {
		return nil, mapError("get appointment", err)
	}
	return a, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	var a *Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		var err error
		a, err = scanAppointment(h.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+appointmentColumns,
			id, to))
		return err
	})
	if err != nil {
		return nil, mapError("update appointment status", err)
	}
	return a, nil
}

func (r *PgRepository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	var a *Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		var err error
		a, err = scanAppointment(h.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    updated_at = now()
			WHERE id = $1
			  AND status = $3
			RETURNING `+appointmentColumns,
			id, to, from))
		return err
	})
	if err != nil {
		return nil, mapError("update appointment status", err)
	}
	return a, nil
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	var out []Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE patient_id = $1
			ORDER BY appt_date DESC, appt_time DESC
			LIMIT $2 OFFSET $3
		`, patientID, limit, offset)
		if err != nil {
			return err
		}
		out, err = collectAppointments(rows)
		return err
	})
	if err != nil {
		return nil, mapError("list appointments by patient", err)
	}
	return out, nil
}

func (r *PgRepository) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	var out []Appointment
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE doctor_id = $1
			  AND appt_date = $2
			ORDER BY appt_time
		`, doctorID, dateOnly(date))
		if err != nil {
			return err
		}
		out, err = collectAppointments(rows)
		return err
	})
	if err != nil {
		return nil, mapError("list appointments by doctor", err)
	}
	return out, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	err := db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		_, err := h.Exec(ctx, `
			INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, COALESCE($4, now()))
		`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
