package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/metrics"
)

func TestAcquire_ReleaseReusesConnection(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.dialCount("A"))

	require.NoError(t, p.Release(c1))

	c2, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "released connection should be handed out again")
	assert.Equal(t, 1, dialer.dialCount("A"), "no new physical connection expected")
}

func TestAcquire_OnePerProfile(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()
	init := &countingInitializer{}

	c1, err := p.Acquire(ctx, "config1", init.init)
	require.NoError(t, err)
	assert.Equal(t, Profile("config1"), c1.Profile())
	assert.Equal(t, 1, init.count())
	assert.Same(t, c1, init.seen[0])

	require.NoError(t, p.Release(c1))

	c2, err := p.Acquire(ctx, "config2", init.init)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "profiles must never share connections")
	assert.Equal(t, 1, dialer.dialCount("config1"))
	assert.Equal(t, 1, dialer.dialCount("config2"))
}

func TestAcquire_InitializerRunsOnEveryCheckout(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()
	init := &countingInitializer{}

	for i := 1; i <= 5; i++ {
		conn, err := p.Acquire(ctx, "A", init.init)
		require.NoError(t, err)
		assert.Equal(t, i, init.count(), "initializer must run once per acquire, pool hits included")
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, 1, dialer.dialCount("A"))

	stats := p.ProfileStats("A")
	assert.Equal(t, int64(5), stats.Acquires)
	assert.Equal(t, int64(4), stats.Hits)
}

func TestAcquire_SameProfileTwice(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "config1", nil)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "config1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dialCount("config1"))

	require.NoError(t, p.Release(c1))
	_, err = p.Acquire(ctx, "config1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dialCount("config1"), "returned connection should satisfy the third acquire")
}

func TestAcquire_NeverExceedsPeakCheckedOut(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	// Grow and shrink the checked-out set in waves.
	waves := []int{1, 3, 2, 5, 1, 4, 5, 2}
	var held []*PooledConnection
	peak := 0
	for _, want := range waves {
		for len(held) < want {
			conn, err := p.Acquire(ctx, "A", nil)
			require.NoError(t, err)
			held = append(held, conn)
		}
		for len(held) > want {
			require.NoError(t, held[len(held)-1].Close())
			held = held[:len(held)-1]
		}
		if len(held) > peak {
			peak = len(held)
		}
		assert.LessOrEqual(t, dialer.dialCount("A"), peak)
	}

	stats := p.ProfileStats("A")
	assert.Equal(t, 5, stats.PeakCheckedOut)
	assert.Equal(t, int64(5), stats.Connects)
	assert.Equal(t, len(held), stats.CheckedOut)
}

func TestAcquire_ConnectFailure(t *testing.T) {
	p, dialer, collector := newTestPool(t)
	dialer.setDialErr(errors.New("dial tcp 10.0.0.1:3306: connect: connection refused"))

	conn, err := p.Acquire(context.Background(), "A", nil)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, pkgerrors.IsConnectFailed(err))
	assert.Equal(t, 1.0, collector.Counter(metrics.PoolConnectErrors, "profile", "A"))
	assert.Equal(t, int64(1), p.ProfileStats("A").ConnectErrors)
}

func TestAcquire_InitializerError(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	boom := errors.New("Unknown database 'x'")
	conn, err := p.Acquire(ctx, "A", func(ctx context.Context, conn *PooledConnection) error {
		return boom
	})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, pkgerrors.CodeInitializerFailed, pkgerrors.GetCode(err))
	assert.True(t, errors.Is(err, boom))

	require.Len(t, dialer.sessions, 1)
	assert.Equal(t, 1, dialer.sessions[0].closeCount(), "connection with unknown state must be disconnected")

	stats := p.ProfileStats("A")
	assert.Equal(t, 0, stats.CheckedOut)
	assert.Equal(t, 0, stats.Free)
}

func TestAcquire_DropsStaleFreeConnection(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	ctx := context.Background()

	stale, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	require.NoError(t, stale.Close())

	// The server dropped the idle session; only the first session is dead.
	dialer.setFail(func(s *fakeSession, query string) error {
		if s.serial == 1 {
			return driver.ErrBadConn
		}
		return nil
	})
	useDB := func(ctx context.Context, conn *PooledConnection) error {
		_, err := conn.Exec(ctx, "USE s52475__citationhunt_en")
		return err
	}

	conn, err := p.Acquire(ctx, "A", useDB)
	require.NoError(t, err)
	assert.NotSame(t, stale, conn)
	assert.Equal(t, Detached, stale.Mode())
	assert.Equal(t, 1, sessionOf(t, stale).closeCount())
	assert.Equal(t, 2, dialer.dialCount("A"))
	assert.Equal(t, int64(1), p.ProfileStats("A").StaleDropped)
}

func TestRelease_Twice(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	require.NoError(t, p.Release(conn))
	require.NoError(t, p.Release(conn))

	stats := p.ProfileStats("A")
	assert.Equal(t, 1, stats.Free, "double release must not duplicate the stack entry")
	assert.Equal(t, int64(1), stats.Releases)
	assert.Equal(t, 0, stats.CheckedOut)
}

func TestRelease_DetachedDisconnects(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	_, err = p.Swap(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.Equal(t, 1, sessionOf(t, conn).closeCount())
	assert.Equal(t, 0, p.ProfileStats("A").Free, "detached connection must never be pooled")
}

func TestRelease_ForeignConnectionPanics(t *testing.T) {
	p1, _, _ := newTestPool(t)
	p2, _, _ := newTestPool(t)

	conn, err := p1.Acquire(context.Background(), "A", nil)
	require.NoError(t, err)

	perr := recoverPoolError(func() { _ = p2.Release(conn) })
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
}

func TestSwap_ForeignConnectionPanics(t *testing.T) {
	p1, _, _ := newTestPool(t)
	p2, dialer2, _ := newTestPool(t)
	ctx := context.Background()

	conn, err := p1.Acquire(ctx, "A", nil)
	require.NoError(t, err)

	perr := recoverPoolError(func() { _, _ = p2.Swap(ctx, conn) })
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
	assert.Equal(t, Pooled, conn.Mode())
	assert.Equal(t, 1, p1.ProfileStats("A").CheckedOut)
	assert.Equal(t, int64(0), p2.ProfileStats("A").Swaps)
	assert.Equal(t, 0, dialer2.dialCount("A"))
}

func TestDiscard_ForeignConnectionPanics(t *testing.T) {
	p1, _, _ := newTestPool(t)
	p2, _, _ := newTestPool(t)

	conn, err := p1.Acquire(context.Background(), "A", nil)
	require.NoError(t, err)

	perr := recoverPoolError(func() { _ = p2.Discard(conn) })
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
	assert.Equal(t, Pooled, conn.Mode())
	assert.Equal(t, 0, sessionOf(t, conn).closeCount())
	assert.Equal(t, 1, p1.ProfileStats("A").CheckedOut)
	assert.Equal(t, int64(0), p2.ProfileStats("A").Discards)
}

func TestSwap(t *testing.T) {
	p, dialer, collector := newTestPool(t)
	ctx := context.Background()
	init := &countingInitializer{}

	c1, err := p.Acquire(ctx, "config1", init.init)
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.dialCount("config1"))
	assert.Equal(t, 1, init.count())

	c2, err := p.Swap(ctx, c1)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, Detached, c1.Mode())
	assert.Equal(t, Pooled, c2.Mode())

	// The old connection is neither closed nor returned.
	assert.Equal(t, 0, sessionOf(t, c1).closeCount())
	assert.Equal(t, 0, p.ProfileStats("config1").Free)

	assert.Equal(t, 2, init.count(), "swap reuses the original initializer")
	assert.Equal(t, 2, dialer.dialCount("config1"))
	assert.Equal(t, 1.0, collector.Counter(metrics.PoolSwaps, "profile", "config1"))

	stats := p.ProfileStats("config1")
	assert.Equal(t, int64(1), stats.Swaps)
	assert.Equal(t, 1, stats.CheckedOut)
}

func TestSwap_PanicsOnFreeConnection(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	perr := recoverPoolError(func() { _, _ = p.Swap(ctx, conn) })
	require.NotNil(t, perr, "swap of a free connection must abort")
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
	assert.Equal(t, Pooled, conn.Mode(), "a rejected swap must not touch the tag")

	// The pool lock must not be left held.
	again, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

func TestDiscard(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	require.NoError(t, p.Discard(conn))

	assert.Equal(t, Detached, conn.Mode())
	assert.Equal(t, 1, sessionOf(t, conn).closeCount())
	stats := p.ProfileStats("A")
	assert.Equal(t, int64(1), stats.Discards)
	assert.Equal(t, 0, stats.CheckedOut)

	perr := recoverPoolError(func() {
		free, err := p.Acquire(ctx, "A", nil)
		require.NoError(t, err)
		require.NoError(t, free.Close())
		_ = p.Discard(free)
	})
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
}

func TestInitializer_ReentrantAcquirePanics(t *testing.T) {
	p, _, _ := newTestPool(t)

	perr := recoverPoolError(func() {
		_, _ = p.Acquire(context.Background(), "A", func(ctx context.Context, conn *PooledConnection) error {
			_, err := p.Acquire(ctx, "B", nil)
			return err
		})
	})
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
}

func TestInitializer_ReentrantSwapPanics(t *testing.T) {
	p, _, _ := newTestPool(t)

	perr := recoverPoolError(func() {
		_, _ = p.Acquire(context.Background(), "A", func(ctx context.Context, conn *PooledConnection) error {
			_, err := p.Swap(ctx, conn)
			return err
		})
	})
	require.NotNil(t, perr)
	assert.Equal(t, pkgerrors.CodeInvariantViolation, perr.Code)
}

func TestInitializer_OtherPoolIsNotReentrant(t *testing.T) {
	p1, _, _ := newTestPool(t)
	p2, _, _ := newTestPool(t)

	conn, err := p1.Acquire(context.Background(), "A", func(ctx context.Context, conn *PooledConnection) error {
		other, err := p2.Acquire(ctx, "A", nil)
		if err != nil {
			return err
		}
		return other.Close()
	})
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestChain(t *testing.T) {
	p, _, _ := newTestPool(t)
	var order []string
	step := func(name string) Initializer {
		return func(ctx context.Context, conn *PooledConnection) error {
			order = append(order, name)
			return nil
		}
	}

	_, err := p.Acquire(context.Background(), "A", Chain(step("first"), nil, step("second")))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)

	failing := Chain(func(ctx context.Context, conn *PooledConnection) error {
		return errors.New("stop")
	}, step("never"))
	_, err = p.Acquire(context.Background(), "A", failing)
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestConnectionPool_Concurrent(t *testing.T) {
	p, dialer, _ := newTestPool(t)
	const workers = 16
	const rounds = 50

	var mu sync.Mutex
	inUse := make(map[*PooledConnection]bool)

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		profile := Profile(fmt.Sprintf("profile-%d", w%2))
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				conn, err := p.Acquire(ctx, profile, nil)
				if err != nil {
					return err
				}

				mu.Lock()
				if inUse[conn] {
					mu.Unlock()
					return fmt.Errorf("connection %s handed out twice", conn.ID())
				}
				inUse[conn] = true
				mu.Unlock()

				if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
					return err
				}

				mu.Lock()
				delete(inUse, conn)
				mu.Unlock()

				if err := conn.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, profile := range []Profile{"profile-0", "profile-1"} {
		stats := p.ProfileStats(profile)
		assert.Equal(t, 0, stats.CheckedOut)
		assert.Equal(t, int64(workers/2*rounds), stats.Acquires)
		assert.LessOrEqual(t, dialer.dialCount(profile), stats.PeakCheckedOut)
		assert.Equal(t, dialer.dialCount(profile), stats.Free)
	}
}

func TestStats(t *testing.T) {
	p, _, _ := newTestPool(t)
	ctx := context.Background()

	assert.Empty(t, p.Stats())
	assert.Equal(t, ProfileStats{}, p.ProfileStats("missing"))

	a, err := p.Acquire(ctx, "A", nil)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "B", nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	all := p.Stats()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["A"].Free)
	assert.Equal(t, 0, all["A"].CheckedOut)
	assert.Equal(t, 1, all["B"].CheckedOut)
}

func TestCloseMode_String(t *testing.T) {
	assert.Equal(t, "pooled", Pooled.String())
	assert.Equal(t, "detached", Detached.String())
	assert.Equal(t, "unknown", CloseMode(7).String())
}
