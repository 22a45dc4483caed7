package clinic

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/db"
)

var ErrDoctorNotFound = apperrors.NotFound("doctor not found")

// Repository reads and writes reference data.
type Repository interface {
	ListSpecializations(ctx context.Context) ([]Specialization, error)
	ListServices(ctx context.Context) ([]MedicalService, error)
	ListDoctors(ctx context.Context) ([]Doctor, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (Doctor, error)
	WeeklySchedule(ctx context.Context, doctorID uuid.UUID) ([]ScheduleInterval, error)
	ReplaceSchedule(ctx context.Context, doctorID uuid.UUID, intervals []ScheduleInterval) error
}

var dialect = goqu.Dialect("postgres")

type PgRepository struct {
	pool *db.Pool
}

func NewPgRepository(pool *db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func doctorsQuery() *goqu.SelectDataset {
	return dialect.From(goqu.T("doctors").As("d")).
		LeftJoin(goqu.T("specializations").As("s"), goqu.On(goqu.I("d.specialization_id").Eq(goqu.I("s.id")))).
		Select(goqu.I("d.id"), goqu.I("d.name"), goqu.I("d.specialization_id"), goqu.I("s.name")).
		Prepared(true)
}

func scanDoctor(row pgx.Row) (Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.SpecializationID, &d.SpecializationName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Doctor{}, ErrDoctorNotFound
		}
		return Doctor{}, err
	}
	return d, nil
}

func (r *PgRepository) ListSpecializations(ctx context.Context) ([]Specialization, error) {
	query, args, err := dialect.From("specializations").
		Select("id", "name").
		Order(goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build specializations query: %w", err)
	}

	var out []Specialization
	err = db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s Specialization
			if err := rows.Scan(&s.ID, &s.Name); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("list specializations", err)
	}
	return out, nil
}

func (r *PgRepository) ListServices(ctx context.Context) ([]MedicalService, error) {
	query, args, err := dialect.From("medical_services").
		Select("id", "name", "price_cents", "duration_minutes").
		Order(goqu.C("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build services query: %w", err)
	}

	var out []MedicalService
	err = db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s MedicalService
			if err := rows.Scan(&s.ID, &s.Name, &s.PriceCents, &s.DurationMinutes); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("list services", err)
	}
	return out, nil
}

func (r *PgRepository) ListDoctors(ctx context.Context) ([]Doctor, error) {
	query, args, err := doctorsQuery().Order(goqu.I("d.name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build doctors query: %w", err)
	}

	var out []Doctor
	err = db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDoctor(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("list doctors", err)
	}
	return out, nil
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (Doctor, error) {
	query, args, err := doctorsQuery().Where(goqu.I("d.id").Eq(id.String())).ToSQL()
	if err != nil {
		return Doctor{}, fmt.Errorf("build doctor query: %w", err)
	}

	var d Doctor
	err = db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		var err error
		d, err = scanDoctor(h.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return Doctor{}, err
		}
		return Doctor{}, storageErr("get doctor", err)
	}
	return d, nil
}

func (r *PgRepository) WeeklySchedule(ctx context.Context, doctorID uuid.UUID) ([]ScheduleInterval, error) {
	query, args, err := dialect.From("doctor_schedules").
		Select("doctor_id", "day_of_week", "start_time", "end_time").
		Where(goqu.C("doctor_id").Eq(doctorID.String())).
		Order(goqu.C("day_of_week").Asc(), goqu.C("start_time").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build schedule query: %w", err)
	}

	var out []ScheduleInterval
	err = db.WithConn(ctx, r.pool, func(h *db.Handle) error {
		rows, err := h.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s          ScheduleInterval
				start, end pgtype.Time
			)
			if err := rows.Scan(&s.DoctorID, &s.DayOfWeek, &start, &end); err != nil {
				return err
			}
			s.Start = ClockFromPg(start)
			s.End = ClockFromPg(end)
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storageErr("load weekly schedule", err)
	}
	return out, nil
}

func (r *PgRepository) ReplaceSchedule(ctx context.Context, doctorID uuid.UUID, intervals []ScheduleInterval) error {
	del, delArgs, err := dialect.Delete("doctor_schedules").
		Where(goqu.C("doctor_id").Eq(doctorID.String())).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build schedule delete: %w", err)
	}

	var ins string
	var insArgs []any
	if len(intervals) > 0 {
		rows := make([]any, 0, len(intervals))
		for _, iv := range intervals {
			rows = append(rows, goqu.Record{
				"doctor_id":   doctorID.String(),
				"day_of_week": iv.DayOfWeek,
				"start_time":  iv.Start.String(),
				"end_time":    iv.End.String(),
			})
		}
		ins, insArgs, err = dialect.Insert("doctor_schedules").Rows(rows...).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("build schedule insert: %w", err)
		}
	}

	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, del, delArgs...); err != nil {
			return err
		}
		if ins == "" {
			return nil
		}
		_, err := tx.Exec(ctx, ins, insArgs...)
		return err
	})
	if err != nil {
		return storageErr("replace weekly schedule", err)
	}
	return nil
}

// storageErr keeps already-classified errors (pool exhaustion, closed pool)
// and marks everything else as a storage failure.
func storageErr(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.Storage(op, err)
}
