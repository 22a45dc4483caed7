package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded SQL file, versioned by its numeric filename prefix.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// LoadMigrations returns the embedded migrations sorted by version.
func LoadMigrations() ([]Migration, error) {
	return loadMigrations(migrationFiles, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending migrations, each in its own transaction.
func Migrate(ctx context.Context, p *Pool, log zerolog.Logger) (int, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return 0, err
	}

	err = WithConn(ctx, p, func(h *Handle) error {
		_, err := h.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				version    INTEGER PRIMARY KEY,
				name       TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		done := false
		err := WithTx(ctx, p, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM _migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
				return err
			}
			if exists {
				done = true
				return nil
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO _migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if !done {
			applied++
			log.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
		}
	}

	return applied, nil
}

// MigrationStatus pairs an embedded migration with when it was applied.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
}

// Status lists every embedded migration and whether it has been applied.
func Status(ctx context.Context, p *Pool) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return nil, err
	}

	applied := make(map[int]time.Time)
	err = WithConn(ctx, p, func(h *Handle) error {
		var exists bool
		if err := h.QueryRow(ctx, `SELECT to_regclass('_migrations') IS NOT NULL`).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return nil
		}

		rows, err := h.Query(ctx, `SELECT version, applied_at FROM _migrations`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				v  int
				at time.Time
			)
			if err := rows.Scan(&v, &at); err != nil {
				return err
			}
			applied[v] = at
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read _migrations: %w", err)
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		s := MigrationStatus{Migration: m}
		if at, ok := applied[m.Version]; ok {
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}
