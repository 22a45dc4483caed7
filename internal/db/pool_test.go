package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
)

// -- Fake connections --

type fakeConn struct {
	id     int64
	closed atomic.Bool
	broken atomic.Bool
	live   *atomic.Int64

	// When set, Exec signals execStarted and blocks until execGate closes.
	execStarted chan struct{}
	execGate    chan struct{}
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if c.execGate != nil {
		close(c.execStarted)
		<-c.execGate
	}
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: errors.New("not implemented")}
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Ping(context.Context) error {
	if c.broken.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

func (c *fakeConn) Close(context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.live.Add(-1)
	}
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	nextID  int64
	live    atomic.Int64
	maxLive atomic.Int64
	fail    atomic.Bool
}

func (f *fakeFactory) open(context.Context) (Conn, error) {
	if f.fail.Load() {
		return nil, errors.New("dial tcp 127.0.0.1:5432: connection refused")
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	n := f.live.Add(1)
	for {
		cur := f.maxLive.Load()
		if n <= cur || f.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	return &fakeConn{id: id, live: &f.live}, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := NewPool(context.Background(), cfg, f.open, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, f
}

func connOf(h *Handle) *fakeConn {
	return h.conn.(*fakeConn)
}

// -- Tests --

func TestNewPool_RejectsBadConfig(t *testing.T) {
	f := &fakeFactory{}
	_, err := NewPool(context.Background(), Config{Max: 0}, f.open, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewPool(context.Background(), Config{Max: 2, Min: 3}, f.open, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewPool_OpensMinConnections(t *testing.T) {
	p, f := newTestPool(t, Config{Max: 4, Min: 2})

	stats := p.Stats()
	assert.Equal(t, 2, stats.IssuedConns)
	assert.Equal(t, 2, stats.IdleConns)
	assert.Equal(t, int64(2), f.live.Load())
}

func TestNewPool_StartupFailurePropagates(t *testing.T) {
	f := &fakeFactory{}
	f.fail.Store(true)

	_, err := NewPool(context.Background(), Config{Max: 2, Min: 1}, f.open, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindStorage, apperrors.KindOf(err))
}

func TestAcquire_ThirdCallerBlocksUntilRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2, Min: 1})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h2.Release()

	got := make(chan *Handle, 1)
	go func() {
		h3, err := p.Acquire(ctx)
		if err == nil {
			got <- h3
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block while two handles are checked out")
	case <-time.After(50 * time.Millisecond):
	}

	held := connOf(h1)
	h1.Release()

	select {
	case h3 := <-got:
		assert.Same(t, held, connOf(h3), "released connection should be reused")
		h3.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquire was not woken by release")
	}

	assert.Equal(t, 2, p.Stats().IssuedConns)
}

func TestAcquire_TimeoutFailsWithPoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1, AcquireTimeout: 30 * time.Millisecond})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
	assert.Equal(t, int64(1), p.Stats().ExhaustedCount)
}

func TestAcquire_CallerCancellationIsNotExhaustion(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, apperrors.ErrPoolExhausted)
}

func TestRelease_DiscardsClosedConnection(t *testing.T) {
	p, f := newTestPool(t, Config{Max: 2})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().IssuedConns)

	_ = connOf(h).Close(context.Background())
	h.Release()

	stats := p.Stats()
	assert.Equal(t, 0, stats.IssuedConns, "dead handle must not count against max")
	assert.Equal(t, 0, stats.IdleConns)
	assert.Equal(t, int64(1), stats.DiscardedConns)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()
	assert.False(t, connOf(h2).IsClosed())
	assert.Equal(t, int64(1), f.live.Load())
}

func TestRelease_DiscardsConnectionFailingPing(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := connOf(h)
	conn.broken.Store(true)
	h.Release()

	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, p.Stats().IssuedConns)
}

func TestAcquire_ReplacesInvalidIdleConnection(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2, Min: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	stale := connOf(h)
	h.Release()

	stale.broken.Store(true)

	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	assert.NotSame(t, stale, connOf(h))
	assert.True(t, stale.IsClosed())
	assert.Equal(t, int64(1), p.Stats().DiscardedConns)
	assert.Equal(t, 1, p.Stats().IssuedConns)
}

func TestAcquire_CreationFailurePropagates(t *testing.T) {
	p, f := newTestPool(t, Config{Max: 2})
	f.fail.Store(true)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.Equal(t, 0, p.Stats().IssuedConns)

	f.fail.Store(false)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
}

func TestAcquire_WaiterWokenByDiscard(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	dead := connOf(h1)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		if err == nil {
			got <- h
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_ = dead.Close(context.Background())
	h1.Release()

	select {
	case h := <-got:
		assert.NotSame(t, dead, connOf(h))
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken after the dead handle was discarded")
	}
}

func TestHandle_ReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1, AcquireTimeout: 30 * time.Millisecond})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		h.Release()
		h.Release()
	})

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()

	// A double release must not have freed a second lease.
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
}

func TestHandle_UseAfterRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()

	_, err = h.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrHandleReleased)

	var n int
	assert.ErrorIs(t, h.QueryRow(context.Background(), "SELECT 1").Scan(&n), ErrHandleReleased)
}

func TestWithConn_ReleasesOnErrorAndPanic(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	boom := errors.New("query failed")
	err := WithConn(ctx, p, func(h *Handle) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.Stats().IdleConns)

	assert.Panics(t, func() {
		_ = WithConn(ctx, p, func(h *Handle) error { panic("handler bug") })
	})
	assert.Equal(t, 1, p.Stats().IdleConns)

	require.NoError(t, WithConn(ctx, p, func(h *Handle) error { return nil }))
}

func TestPool_ConcurrentUseNeverExceedsMax(t *testing.T) {
	const max = 3
	p, f := newTestPool(t, Config{Max: max, Min: 1})

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				h, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				if (w+i)%7 == 0 {
					connOf(h).broken.Store(true)
				}
				time.Sleep(time.Duration(i%3) * time.Millisecond)
				inUse.Add(-1)
				h.Release()
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.LessOrEqual(t, f.maxLive.Load(), int64(max), "live connections exceeded max")
	assert.LessOrEqual(t, p.Stats().IssuedConns, max)
	assert.Greater(t, p.Stats().DiscardedConns, int64(0))
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	p, f := newTestPool(t, Config{Max: 2, Min: 2})
	p.Close()

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.Equal(t, int64(0), f.live.Load())
}

func TestRelease_AfterCloseClosesConnection(t *testing.T) {
	p, f := newTestPool(t, Config{Max: 2})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Close()
	h.Release()

	assert.True(t, connOf(h).IsClosed())
	assert.Equal(t, int64(0), f.live.Load())
	assert.Equal(t, 0, p.Stats().IssuedConns)
}

func TestRelease_RacingCloseNeverLeaksConnection(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := &fakeFactory{}
		p, err := NewPool(context.Background(), Config{Max: 2}, f.open, zerolog.Nop())
		require.NoError(t, err)

		h, err := p.Acquire(context.Background())
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.Release() }()
		go func() { defer wg.Done(); p.Close() }()
		wg.Wait()

		require.Equal(t, int64(0), f.live.Load(), "iteration %d left a connection open", i)
	}
}

func TestHandle_ReleaseWaitsForRunningCall(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := connOf(h)
	conn.execStarted = make(chan struct{})
	conn.execGate = make(chan struct{})

	execDone := make(chan error, 1)
	go func() {
		_, err := h.Exec(context.Background(), "UPDATE appointments SET status = 'DONE'")
		execDone <- err
	}()
	<-conn.execStarted

	released := make(chan struct{})
	go func() {
		h.Release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("release returned while a call was still using the connection")
	case <-time.After(30 * time.Millisecond):
	}

	close(conn.execGate)
	require.NoError(t, <-execDone)
	<-released

	_, err = h.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrHandleReleased)
}

func TestRelease_CountsLongHolds(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1, LongHold: 3 * time.Millisecond})

	require.NoError(t, WithConn(context.Background(), p, func(h *Handle) error {
		time.Sleep(10 * time.Millisecond)
		assert.GreaterOrEqual(t, h.HeldFor(), 10*time.Millisecond)
		return nil
	}))
	require.NoError(t, WithConn(context.Background(), p, func(*Handle) error { return nil }))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.LongHolds)
	assert.NotEqual(t, "0s", stats.HeldDuration)
}
