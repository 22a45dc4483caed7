package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
)

// Conn is the part of a live database connection the pool manages and hands out.
// *pgx.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Factory opens a new connection.
type Factory func(ctx context.Context) (Conn, error)

var ErrPoolClosed = apperrors.Storage("connection pool is closed", nil)

type Config struct {
	Max int
	Min int
	// AcquireTimeout bounds the wait for a free handle. Zero waits until the
	// caller's context is done.
	AcquireTimeout  time.Duration
	ValidateTimeout time.Duration
	// LongHold is the lease duration past which a release is logged and
	// counted. Zero uses 5s.
	LongHold time.Duration
}

func (c Config) validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("pool max must be positive, got %d", c.Max)
	}
	if c.Min < 0 || c.Min > c.Max {
		return fmt.Errorf("pool min must be between 0 and max (%d), got %d", c.Max, c.Min)
	}
	return nil
}

// Pool is a bounded set of live connections. Issued handles (idle plus
// checked out) never exceed Config.Max.
type Pool struct {
	cfg     Config
	factory Factory
	log     zerolog.Logger

	// leases bounds concurrently checked-out handles.
	leases *semaphore.Weighted
	idle   chan Conn

	// mu is the creation lock: issued is only read and changed under it.
	mu     sync.Mutex
	issued int
	closed bool
	// wake is closed and replaced whenever a handle is discarded, so waiters
	// blocked at max can try to create a replacement.
	wake chan struct{}

	acquireCount   atomic.Int64
	acquireWaitNs  atomic.Int64
	heldNs         atomic.Int64
	longHoldCount  atomic.Int64
	createdCount   atomic.Int64
	discardedCount atomic.Int64
	exhaustedCount atomic.Int64
}

// NewPool creates the pool and eagerly opens cfg.Min connections.
func NewPool(ctx context.Context, cfg Config, factory Factory, log zerolog.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 2 * time.Second
	}
	if cfg.LongHold <= 0 {
		cfg.LongHold = 5 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log.With().Str("component", "db_pool").Logger(),
		leases:  semaphore.NewWeighted(int64(cfg.Max)),
		idle:    make(chan Conn, cfg.Max),
		wake:    make(chan struct{}),
	}

	for i := 0; i < cfg.Min; i++ {
		conn, err := factory(ctx)
		if err != nil {
			p.Close()
			return nil, apperrors.Storage("open initial connections", err)
		}
		p.mu.Lock()
		p.issued++
		p.mu.Unlock()
		p.createdCount.Add(1)
		p.idle <- conn
	}

	p.log.Info().Int("min", cfg.Min).Int("max", cfg.Max).Dur("acquire_timeout", cfg.AcquireTimeout).Msg("connection pool ready")
	return p, nil
}

// Acquire leases a handle. It blocks while all Max handles are checked out.
// The caller must Release the handle, normally with defer.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.leases.Acquire(waitCtx, 1); err != nil {
		return nil, p.waitFailed(ctx, err)
	}

	conn, err := p.checkout(waitCtx)
	if err != nil {
		p.leases.Release(1)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, p.waitFailed(ctx, err)
		}
		return nil, err
	}

	p.acquireCount.Add(1)
	p.acquireWaitNs.Add(int64(time.Since(start)))
	return newHandle(p, conn), nil
}

func (p *Pool) waitFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("acquire connection: %w", ctx.Err())
	}
	p.exhaustedCount.Add(1)
	p.log.Warn().Int("max", p.cfg.Max).Dur("timeout", p.cfg.AcquireTimeout).Msg("connection pool exhausted")
	return apperrors.PoolExhausted(fmt.Sprintf("all %d connections busy", p.cfg.Max), err)
}

// checkout runs while holding a lease. It reuses an idle connection, opens a
// new one if below max, or waits for one to come back.
func (p *Pool) checkout(ctx context.Context) (Conn, error) {
	for {
		select {
		case conn := <-p.idle:
			if p.valid(conn) {
				return conn, nil
			}
			p.discard(conn)
			continue
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.issued < p.cfg.Max {
			p.issued++
			p.mu.Unlock()

			conn, err := p.factory(ctx)
			if err != nil {
				p.forget()
				return nil, apperrors.Storage("open connection", err)
			}
			p.createdCount.Add(1)
			return conn, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case conn := <-p.idle:
			if p.valid(conn) {
				return conn, nil
			}
			p.discard(conn)
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release is called exactly once per lease by Handle.Release.
func (p *Pool) release(conn Conn, held time.Duration) {
	defer p.leases.Release(1)

	p.heldNs.Add(int64(held))
	if held >= p.cfg.LongHold {
		p.longHoldCount.Add(1)
		p.log.Warn().Dur("held", held).Msg("connection held past long-hold threshold")
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidateTimeout)
	defer cancel()

	if p.isClosed() {
		_ = conn.Close(ctx)
		p.forget()
		return
	}

	if err := resetSession(ctx, conn); err != nil {
		p.log.Debug().Err(err).Msg("reset failed, discarding connection")
		p.discard(conn)
		return
	}
	if !p.valid(conn) {
		p.discard(conn)
		return
	}

	// Checked under mu so a concurrent Close either drains this connection
	// or makes us close it here.
	p.mu.Lock()
	if p.closed {
		p.issued--
		p.mu.Unlock()
		_ = conn.Close(ctx)
		return
	}
	// Never blocks: the channel holds Max and issued <= Max.
	p.idle <- conn
	p.mu.Unlock()
}

func (p *Pool) valid(conn Conn) bool {
	if conn.IsClosed() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidateTimeout)
	defer cancel()
	return conn.Ping(ctx) == nil
}

// discard closes an invalid connection and frees its slot for a replacement.
func (p *Pool) discard(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidateTimeout)
	defer cancel()
	_ = conn.Close(ctx)
	p.discardedCount.Add(1)
	p.forget()
}

func (p *Pool) forget() {
	p.mu.Lock()
	p.issued--
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// resetSession returns a connection to a neutral state before reuse.
func resetSession(ctx context.Context, conn Conn) error {
	pc, ok := conn.(interface{ PgConn() *pgconn.PgConn })
	if !ok {
		return nil
	}
	if pc.PgConn().TxStatus() != 'I' {
		if _, err := conn.Exec(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("rollback open transaction: %w", err)
		}
	}
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes idle connections. Checked-out handles are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close(ctx)
			p.mu.Lock()
			p.issued--
			p.mu.Unlock()
		default:
			p.log.Info().Msg("connection pool closed")
			return
		}
	}
}

// Ping checks that a connection can be leased and answers.
func (p *Pool) Ping(ctx context.Context) error {
	return WithConn(ctx, p, func(h *Handle) error {
		return h.conn.Ping(ctx)
	})
}
