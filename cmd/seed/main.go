package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
	"github.com/hackgods/hospital-scheduling/internal/logger"
)

var specializations = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var services = []string{
	"Consultation",
	"Follow-up visit",
	"ECG",
	"Blood panel",
	"Ultrasound",
	"Vaccination",
	"X-ray review",
	"Allergy test",
}

// Working blocks handed out to doctors; each doctor gets a morning and an
// afternoon block on a random subset of weekdays.
var (
	mornings   = [][2]string{{"08:00", "12:00"}, {"09:00", "13:00"}, {"10:00", "12:30"}}
	afternoons = [][2]string{{"13:00", "17:00"}, {"14:00", "18:00"}, {"13:30", "16:00"}}
)

func main() {
	var doctors, patients int

	rootCmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load demo reference data, doctors and patients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), doctors, patients)
		},
	}
	rootCmd.Flags().IntVar(&doctors, "doctors", 40, "Number of doctors to create")
	rootCmd.Flags().IntVar(&patients, "patients", 5000, "Number of patients to create")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(ctx context.Context, doctors, patients int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().Int("doctors", doctors).Int("patients", patients).Msg("seed starting")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.Config{
		Max:            cfg.DBMaxConns,
		Min:            cfg.DBMinConns,
		AcquireTimeout: cfg.DBAcquireTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	specIDs, err := seedSpecializations(ctx, pool, log)
	if err != nil {
		return fmt.Errorf("seed specializations: %w", err)
	}
	if err := seedServices(ctx, pool, faker, log); err != nil {
		return fmt.Errorf("seed services: %w", err)
	}
	if err := seedDoctors(ctx, pool, faker, specIDs, doctors, log); err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	if err := seedPatients(ctx, pool, faker, patients, log); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	log.Info().Msg("seed complete")
	return nil
}

// seedSpecializations upserts the fixed list and returns every id by name.
func seedSpecializations(ctx context.Context, pool *db.Pool, log zerolog.Logger) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		for _, name := range specializations {
			var id uuid.UUID
			err := tx.QueryRow(ctx, `
				INSERT INTO specializations (id, name)
				VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id
			`, uuid.New(), name).Scan(&id)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("count", len(ids)).Msg("specializations seeded")
	return ids, nil
}

func seedServices(ctx context.Context, pool *db.Pool, faker *gofakeit.Faker, log zerolog.Logger) error {
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		for _, name := range services {
			price := int64(faker.Number(20, 250)) * 100
			duration := 30 * faker.Number(1, 2)
			_, err := tx.Exec(ctx, `
				INSERT INTO medical_services (id, name, price_cents, duration_minutes)
				VALUES ($1, $2, $3, $4)
			`, uuid.New(), name, price, duration)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("count", len(services)).Msg("services seeded")
	return nil
}

// seedDoctors creates doctors together with their weekly schedules.
func seedDoctors(ctx context.Context, pool *db.Pool, faker *gofakeit.Faker, specIDs []uuid.UUID, count int, log zerolog.Logger) error {
	intervals := 0
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			id := uuid.New()
			spec := specIDs[faker.Number(0, len(specIDs)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, specialization_id, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, "Dr. "+faker.Name(), spec)
			if err != nil {
				return err
			}

			for day := 1; day <= 7; day++ {
				// Weekends are mostly off.
				if day >= 6 && faker.Number(0, 4) > 0 {
					continue
				}
				if day < 6 && faker.Number(0, 5) == 0 {
					continue
				}

				blocks := [][2]string{mornings[faker.Number(0, len(mornings)-1)]}
				if faker.Bool() {
					blocks = append(blocks, afternoons[faker.Number(0, len(afternoons)-1)])
				}
				for _, b := range blocks {
					_, err := tx.Exec(ctx, `
						INSERT INTO doctor_schedules (doctor_id, day_of_week, start_time, end_time)
						VALUES ($1, $2, $3::time, $4::time)
					`, id, day, b[0], b[1])
					if err != nil {
						return err
					}
					intervals++
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("count", count).Int("intervals", intervals).Msg("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *db.Pool, faker *gofakeit.Faker, count int, log zerolog.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				_, err := tx.Exec(ctx, `
					INSERT INTO patients (id, name, email, created_at, updated_at)
					VALUES ($1, $2, $3, now(), now())
				`, uuid.New(), faker.Name(), faker.Email())
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	return nil
}
