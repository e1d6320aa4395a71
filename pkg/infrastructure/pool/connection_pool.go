// Package pool provides a keyed pool of database sessions and a retrying
// execution layer that swaps out sessions lost mid-statement.
//
// Connections are grouped by Profile. The pool never health-checks or evicts
// idle connections: a stale connection is noticed when a statement fails on
// it, at which point a RetryingSession asks the pool to Swap it for a fresh
// one.
package pool

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/metrics"
)

// Dialer establishes physical sessions for a profile.
type Dialer interface {
	Dial(ctx context.Context, profile Profile) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, profile Profile) (Session, error)

// Dial calls f(ctx, profile).
func (f DialerFunc) Dial(ctx context.Context, profile Profile) (Session, error) {
	return f(ctx, profile)
}

// ProfileStats holds the pool's counters for one profile.
type ProfileStats struct {
	Connects       int64 `json:"connects"`
	ConnectErrors  int64 `json:"connect_errors"`
	Acquires       int64 `json:"acquires"`
	Hits           int64 `json:"hits"`
	Releases       int64 `json:"releases"`
	Swaps          int64 `json:"swaps"`
	Discards       int64 `json:"discards"`
	StaleDropped   int64 `json:"stale_dropped"`
	Free           int   `json:"free"`
	CheckedOut     int   `json:"checked_out"`
	PeakCheckedOut int   `json:"peak_checked_out"`
}

// Option configures a ConnectionPool.
type Option func(*ConnectionPool)

// WithLogger sets the pool's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithMetrics sets the pool's metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(p *ConnectionPool) {
		if collector != nil {
			p.metrics = collector
		}
	}
}

// ConnectionPool maps each profile to a stack of free connections. A single
// mutex guards every profile's stack; a checkout miss dials while holding it.
//
// The pool is meant to be created once and shared for the life of the
// process. It has no Close: pooled connections are left for the server's
// idle timeout to reclaim.
type ConnectionPool struct {
	dialer  Dialer
	logger  zerolog.Logger
	metrics metrics.Collector

	mu    sync.Mutex
	free  map[Profile][]*PooledConnection
	stats map[Profile]*ProfileStats
}

// New creates a connection pool that dials through dialer.
func New(dialer Dialer, opts ...Option) *ConnectionPool {
	p := &ConnectionPool{
		dialer:  dialer,
		logger:  zerolog.Nop(),
		metrics: metrics.NewNoOpCollector(),
		free:    make(map[Profile][]*PooledConnection),
		stats:   make(map[Profile]*ProfileStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire checks out a connection for profile, dialing a new one if the
// profile has none free, and runs initializer on it before returning. A nil
// initializer is a no-op.
//
// If a connection taken from the free stack turns out to be dead while the
// initializer runs, it is dropped and the next free connection (or a new one)
// is tried. Dial errors are returned as CONNECT_FAILED without retrying.
func (p *ConnectionPool) Acquire(ctx context.Context, profile Profile, initializer Initializer) (*PooledConnection, error) {
	if isInitializing(ctx, p) {
		p.violation("acquire called from inside a connection initializer", profile, "")
	}

	for {
		conn, hit, err := p.checkout(ctx, profile, initializer)
		if err != nil {
			return nil, err
		}

		if initializer == nil {
			return conn, nil
		}

		err = initializer(withInitializing(ctx, p), conn)
		if err == nil {
			return conn, nil
		}

		p.dropAfterFailedInit(conn, hit, err)
		if hit && IsConnectivityError(err) && ctx.Err() == nil {
			continue
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.CodeInitializerFailed,
			"initializer failed for profile %s", profile).
			WithDetail("profile", profile.String())
	}
}

// checkout pops or dials a connection under the pool lock.
func (p *ConnectionPool) checkout(ctx context.Context, profile Profile, initializer Initializer) (*PooledConnection, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.statsLocked(profile)
	stack := p.free[profile]

	var conn *PooledConnection
	hit := len(stack) > 0
	if hit {
		conn = stack[len(stack)-1]
		stack[len(stack)-1] = nil
		p.free[profile] = stack[:len(stack)-1]
		stats.Hits++
	} else {
		timer := p.metrics.StartTimer(metrics.PoolDialSeconds)
		session, err := p.dialer.Dial(ctx, profile)
		p.metrics.RecordHistogram(metrics.PoolDialSeconds, timer.Stop(), "profile", profile.String())
		if err != nil {
			stats.ConnectErrors++
			p.metrics.IncrementCounter(metrics.PoolConnectErrors, "profile", profile.String())
			p.logger.Error().
				Err(err).
				Str("profile", profile.String()).
				Msg("Failed to establish connection")
			return nil, false, pkgerrors.Wrapf(err, pkgerrors.CodeConnectFailed,
				"failed to connect for profile %s", profile).
				WithDetail("profile", profile.String())
		}
		conn = newPooledConnection(p, profile, session)
		stats.Connects++
		p.metrics.IncrementCounter(metrics.PoolConnects, "profile", profile.String())
		p.logger.Debug().
			Str("profile", profile.String()).
			Str("conn_id", conn.ID()).
			Msg("Established new connection")
	}

	conn.free = false
	conn.initializer = initializer
	stats.Acquires++
	stats.CheckedOut++
	if stats.CheckedOut > stats.PeakCheckedOut {
		stats.PeakCheckedOut = stats.CheckedOut
	}

	p.metrics.IncrementCounter(metrics.PoolAcquires, "profile", profile.String(), "hit", strconv.FormatBool(hit))
	p.metrics.RecordGauge(metrics.PoolFreeConns, float64(len(p.free[profile])), "profile", profile.String())

	return conn, hit, nil
}

// dropAfterFailedInit detaches and disconnects a connection whose
// initializer failed; its session state is unknown.
func (p *ConnectionPool) dropAfterFailedInit(conn *PooledConnection, hit bool, cause error) {
	p.mu.Lock()
	stats := p.statsLocked(conn.profile)
	if conn.mode == Pooled {
		stats.CheckedOut--
	}
	conn.mode = Detached
	if hit && IsConnectivityError(cause) {
		stats.StaleDropped++
	}
	p.mu.Unlock()

	p.logger.Warn().
		Err(cause).
		Str("profile", conn.profile.String()).
		Str("conn_id", conn.ID()).
		Bool("pool_hit", hit).
		Msg("Connection initializer failed, dropping connection")

	if err := conn.disconnect(); err != nil {
		p.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Disconnect after failed initializer")
	}
}

// Release returns conn to its profile's free stack. No health check is
// performed. Releasing a connection that is already free is ignored, and a
// Detached connection is disconnected instead of being pooled.
func (p *ConnectionPool) Release(conn *PooledConnection) error {
	if conn.pool != p {
		p.violation("release of a connection owned by another pool", conn.profile, conn.ID())
	}

	p.mu.Lock()
	if conn.mode == Detached {
		p.mu.Unlock()
		p.logger.Debug().
			Str("profile", conn.profile.String()).
			Str("conn_id", conn.ID()).
			Msg("Disconnecting detached connection")
		return conn.disconnect()
	}
	if conn.free {
		p.mu.Unlock()
		p.logger.Warn().
			Str("profile", conn.profile.String()).
			Str("conn_id", conn.ID()).
			Msg("Ignoring release of a connection that is already free")
		return nil
	}

	stats := p.statsLocked(conn.profile)
	conn.free = true
	p.free[conn.profile] = append(p.free[conn.profile], conn)
	stats.Releases++
	stats.CheckedOut--
	free := len(p.free[conn.profile])
	p.mu.Unlock()

	p.metrics.IncrementCounter(metrics.PoolReleases, "profile", conn.profile.String())
	p.metrics.RecordGauge(metrics.PoolFreeConns, float64(free), "profile", conn.profile.String())
	return nil
}

// Swap replaces a connection on which a statement just failed. conn must be
// checked out; finding it in a free stack means the pool's bookkeeping is
// broken and Swap panics. conn is tagged Detached and a new connection is
// acquired for the same profile with the same initializer. Swap does not
// disconnect conn.
func (p *ConnectionPool) Swap(ctx context.Context, conn *PooledConnection) (*PooledConnection, error) {
	if conn.pool != p {
		p.violation("swap of a connection owned by another pool", conn.profile, conn.ID())
	}
	if isInitializing(ctx, p) {
		p.violation("swap called from inside a connection initializer", conn.profile, conn.ID())
	}

	p.mu.Lock()
	if p.isFreeLocked(conn) {
		p.mu.Unlock()
		p.violation("swap of a connection that is in the free stack", conn.profile, conn.ID())
	}
	stats := p.statsLocked(conn.profile)
	if conn.mode == Pooled {
		stats.CheckedOut--
	}
	conn.mode = Detached
	stats.Swaps++
	initializer := conn.initializer
	p.mu.Unlock()

	p.metrics.IncrementCounter(metrics.PoolSwaps, "profile", conn.profile.String())
	p.logger.Warn().
		Str("profile", conn.profile.String()).
		Str("conn_id", conn.ID()).
		Msg("Swapping out failed connection")

	return p.Acquire(ctx, conn.profile, initializer)
}

// Discard detaches conn and closes its physical session. It has the same
// precondition as Swap.
func (p *ConnectionPool) Discard(conn *PooledConnection) error {
	if conn.pool != p {
		p.violation("discard of a connection owned by another pool", conn.profile, conn.ID())
	}

	p.mu.Lock()
	if p.isFreeLocked(conn) {
		p.mu.Unlock()
		p.violation("discard of a connection that is in the free stack", conn.profile, conn.ID())
	}
	stats := p.statsLocked(conn.profile)
	if conn.mode == Pooled {
		stats.CheckedOut--
	}
	conn.mode = Detached
	stats.Discards++
	p.mu.Unlock()

	return conn.disconnect()
}

// ProfileStats returns a snapshot of the counters for profile.
func (p *ConnectionPool) ProfileStats(profile Profile) ProfileStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats, ok := p.stats[profile]
	if !ok {
		return ProfileStats{}
	}
	snapshot := *stats
	snapshot.Free = len(p.free[profile])
	return snapshot
}

// Stats returns a snapshot of the counters for every profile seen so far.
func (p *ConnectionPool) Stats() map[Profile]ProfileStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[Profile]ProfileStats, len(p.stats))
	for profile, stats := range p.stats {
		snapshot := *stats
		snapshot.Free = len(p.free[profile])
		out[profile] = snapshot
	}
	return out
}

func (p *ConnectionPool) statsLocked(profile Profile) *ProfileStats {
	stats, ok := p.stats[profile]
	if !ok {
		stats = &ProfileStats{}
		p.stats[profile] = stats
	}
	return stats
}

// isFreeLocked scans the profile's free stack for conn.
func (p *ConnectionPool) isFreeLocked(conn *PooledConnection) bool {
	for _, c := range p.free[conn.profile] {
		if c == conn {
			return true
		}
	}
	return false
}

// violation aborts on broken pool bookkeeping. It must be called without
// holding p.mu.
func (p *ConnectionPool) violation(msg string, profile Profile, connID string) {
	p.logger.Error().
		Str("profile", profile.String()).
		Str("conn_id", connID).
		Msg(msg)
	panic(pkgerrors.New(pkgerrors.CodeInvariantViolation, msg).
		WithDetail("profile", profile.String()).
		WithDetail("conn_id", connID))
}
