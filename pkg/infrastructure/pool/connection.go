package pool

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
)

// CloseMode selects what closing a connection does.
type CloseMode int

const (
	// Pooled connections go back to their profile's free stack on close.
	Pooled CloseMode = iota
	// Detached connections were swapped out; closing them disconnects.
	Detached
)

func (m CloseMode) String() string {
	switch m {
	case Pooled:
		return "pooled"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Session is one live physical database session.
type Session interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	// QueryRow executes a query expected to return at most one row and scans
	// it into dest.
	QueryRow(ctx context.Context, query string, args []any, dest ...any) error
	// Close terminates the session.
	Close() error
}

// PooledConnection wraps one physical session with the bookkeeping the pool
// needs. Statements issued directly on a PooledConnection are not retried;
// use a RetryingSession for that.
type PooledConnection struct {
	id      uuid.UUID
	profile Profile
	session Session
	pool    *ConnectionPool

	// guarded by pool.mu
	initializer Initializer
	mode        CloseMode
	free        bool

	closeOnce sync.Once
	closeErr  error
}

func newPooledConnection(p *ConnectionPool, profile Profile, session Session) *PooledConnection {
	return &PooledConnection{
		id:      uuid.New(),
		profile: profile,
		session: session,
		pool:    p,
		mode:    Pooled,
	}
}

// ID returns a unique identifier used to correlate log lines.
func (c *PooledConnection) ID() string {
	return c.id.String()
}

// Profile returns the profile the connection was created for.
func (c *PooledConnection) Profile() Profile {
	return c.profile
}

// Mode returns the connection's close mode.
func (c *PooledConnection) Mode() CloseMode {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.mode
}

// Session returns the underlying physical session.
func (c *PooledConnection) Session() Session {
	return c.session
}

// Exec executes a statement once on this connection.
func (c *PooledConnection) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.session.Exec(ctx, query, args...)
}

// QueryRow runs a single-row query once on this connection.
func (c *PooledConnection) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return c.session.QueryRow(ctx, query, args, dest...)
}

// Close is the one close implementation: a Pooled connection returns to its
// pool, a Detached one is disconnected.
func (c *PooledConnection) Close() error {
	return c.pool.Release(c)
}

// NewSession binds a RetryingSession to this connection.
func (c *PooledConnection) NewSession() *RetryingSession {
	return NewRetryingSession(c)
}

// disconnect closes the physical session at most once.
func (c *PooledConnection) disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}
