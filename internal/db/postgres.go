package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// PostgresFactory opens standalone pgx connections for the pool.
func PostgresFactory(dsn string) (Factory, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connCfg.ConnectTimeout == 0 {
		connCfg.ConnectTimeout = 5 * time.Second
	}

	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, connCfg.Copy())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return conn, nil
	}, nil
}

// ConnectPostgres builds the pool and checks connectivity on startup.
func ConnectPostgres(ctx context.Context, dsn string, cfg Config, log zerolog.Logger) (*Pool, error) {
	factory, err := PostgresFactory(dsn)
	if err != nil {
		return nil, err
	}

	pool, err := NewPool(ctx, cfg, factory, log)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
