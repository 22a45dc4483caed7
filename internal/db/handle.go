package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrHandleReleased = errors.New("connection handle already released")

// Querier is what repositories need from a leased connection.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Handle is a lease on one pooled connection. Queries pass straight through to
// the connection; Release gives it back to the pool and is safe to call more
// than once. Calls on one handle are serialized, and Release waits for a call
// in progress, so a released connection is never used through its old handle.
type Handle struct {
	pool       *Pool
	conn       Conn
	acquiredAt time.Time

	mu       sync.Mutex
	released bool
}

func newHandle(p *Pool, conn Conn) *Handle {
	return &Handle{pool: p, conn: conn, acquiredAt: time.Now()}
}

func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.pool.release(h.conn, h.HeldFor())
}

func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return pgconn.CommandTag{}, ErrHandleReleased
	}
	return h.conn.Exec(ctx, sql, args...)
}

// Query returns rows that still read from the connection; close them before
// releasing the handle.
func (h *Handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrHandleReleased
	}
	return h.conn.Query(ctx, sql, args...)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errRow{err: ErrHandleReleased}
	}
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *Handle) Begin(ctx context.Context) (pgx.Tx, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrHandleReleased
	}
	return h.conn.Begin(ctx)
}

// HeldFor reports how long the handle has been checked out.
func (h *Handle) HeldFor() time.Duration {
	return time.Since(h.acquiredAt)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// WithConn leases a handle for the duration of fn. The handle is released on
// every exit path, including a panic inside fn.
func WithConn(ctx context.Context, p *Pool, fn func(h *Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(h)
}

// WithTx runs fn inside a transaction on a leased handle. fn's error rolls the
// transaction back.
func WithTx(ctx context.Context, p *Pool, fn func(tx pgx.Tx) error) error {
	return WithConn(ctx, p, func(h *Handle) error {
		tx, err := h.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
