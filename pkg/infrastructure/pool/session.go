package pool

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/metrics"
)

// MaxAttempts is the retry budget of one logical execution, first attempt
// included. A connection is swapped after each of the first MaxAttempts-1
// connectivity failures; the last failure is returned without a swap.
const MaxAttempts = 5

// SessionState is the lifecycle state of a RetryingSession.
type SessionState int

const (
	// Bound sessions hold a connection and accept statements.
	Bound SessionState = iota
	// Swapping sessions are replacing a connection that just failed.
	Swapping
	// Released sessions have returned their connection.
	Released
	// Failed sessions spent their retry budget or could not swap. The bound
	// connection is still owned by the caller.
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Bound:
		return "bound"
	case Swapping:
		return "swapping"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryingSession executes statements on one pooled connection at a time and
// absorbs connectivity failures by swapping the connection and re-running
// the statement. Every statement sent through it must be safe to execute
// more than once.
//
// A RetryingSession is not safe for concurrent use.
type RetryingSession struct {
	pool    *ConnectionPool
	conn    *PooledConnection
	state   SessionState
	swaps   int
	logger  zerolog.Logger
	metrics metrics.Collector
}

// NewRetryingSession binds a session to conn.
func NewRetryingSession(conn *PooledConnection) *RetryingSession {
	return &RetryingSession{
		pool:    conn.pool,
		conn:    conn,
		state:   Bound,
		logger:  conn.pool.logger,
		metrics: conn.pool.metrics,
	}
}

// Open acquires a connection for profile and binds a session to it.
func (p *ConnectionPool) Open(ctx context.Context, profile Profile, initializer Initializer) (*RetryingSession, error) {
	conn, err := p.Acquire(ctx, profile, initializer)
	if err != nil {
		return nil, err
	}
	return NewRetryingSession(conn), nil
}

// Conn returns the connection the session is currently bound to.
func (s *RetryingSession) Conn() *PooledConnection {
	return s.conn
}

// State returns the session's lifecycle state.
func (s *RetryingSession) State() SessionState {
	return s.state
}

// Swaps returns how many times the session replaced its connection.
func (s *RetryingSession) Swaps() int {
	return s.swaps
}

// Execute runs a statement that returns no rows.
func (s *RetryingSession) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, query, func(ctx context.Context, conn *PooledConnection) error {
		r, err := conn.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteBatch runs query once per argument set and returns the total number
// of affected rows. A connectivity failure restarts the whole batch on the
// new connection.
func (s *RetryingSession) ExecuteBatch(ctx context.Context, query string, argSets [][]any) (int64, error) {
	var total int64
	err := s.withRetry(ctx, query, func(ctx context.Context, conn *PooledConnection) error {
		total = 0
		for _, args := range argSets {
			r, err := conn.Exec(ctx, query, args...)
			if err != nil {
				return err
			}
			if n, err := r.RowsAffected(); err == nil {
				total += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// QueryRow runs a single-row query and scans the result into dest.
func (s *RetryingSession) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return s.withRetry(ctx, query, func(ctx context.Context, conn *PooledConnection) error {
		return conn.QueryRow(ctx, query, args, dest...)
	})
}

// Run retries fn as one unit. fn receives the currently bound connection and
// must issue its statements on it directly; on a connectivity failure the
// whole of fn runs again on the replacement connection.
func (s *RetryingSession) Run(ctx context.Context, fn func(ctx context.Context, conn *PooledConnection) error) error {
	return s.withRetry(ctx, "batch", fn)
}

// RunWithRetry runs fn on an already acquired connection with the session
// retry budget and returns the connection that is bound when it finishes.
// The caller owns the returned connection whether or not err is nil.
func RunWithRetry(ctx context.Context, conn *PooledConnection, fn func(ctx context.Context, conn *PooledConnection) error) (*PooledConnection, error) {
	s := NewRetryingSession(conn)
	err := s.Run(ctx, fn)
	return s.conn, err
}

// Close returns the currently bound connection to the pool. Closing twice is
// a no-op.
func (s *RetryingSession) Close() error {
	if s.state == Released {
		return nil
	}
	s.state = Released
	return s.conn.Close()
}

// Discard disconnects the currently bound connection instead of pooling it.
// It is the usual cleanup for a Failed session.
func (s *RetryingSession) Discard() error {
	if s.state == Released {
		return nil
	}
	s.state = Released
	return s.pool.Discard(s.conn)
}

// Finish ends the session the way its state calls for: a Failed session
// discards its connection, any other session returns it to the pool.
func (s *RetryingSession) Finish() error {
	if s.state == Failed {
		return s.Discard()
	}
	return s.Close()
}

func (s *RetryingSession) withRetry(ctx context.Context, query string, op func(ctx context.Context, conn *PooledConnection) error) error {
	switch s.state {
	case Released:
		return pkgerrors.ErrSessionReleased
	case Failed:
		return pkgerrors.ErrSessionFailed
	}

	profile := s.conn.profile.String()
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		timer := s.metrics.StartTimer(metrics.SessionStatements)
		err := op(ctx, s.conn)
		s.metrics.RecordHistogram(metrics.SessionStatements, timer.Stop(), "profile", profile)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}
		if !IsConnectivityError(err) {
			return pkgerrors.Wrap(err, pkgerrors.CodeApplication, "statement failed").
				WithDetail("query", truncateQuery(query))
		}

		lastErr = pkgerrors.Wrap(err, pkgerrors.CodeTransientFailure, "connection lost").
			WithDetail("attempt", attempt).
			WithDetail("conn_id", s.conn.ID())
		s.logger.Warn().
			Err(err).
			Str("code", pkgerrors.CodeTransientFailure).
			Str("profile", profile).
			Str("conn_id", s.conn.ID()).
			Int("attempt", attempt).
			Str("query", truncateQuery(query)).
			Msg("Connection lost during statement")

		if attempt == MaxAttempts {
			break
		}
		if err := s.swap(ctx); err != nil {
			return err
		}
	}

	s.state = Failed
	s.metrics.IncrementCounter(metrics.SessionExhaustions, "profile", profile)
	return pkgerrors.Wrapf(lastErr, pkgerrors.CodeRetryExhausted,
		"gave up after %d attempts", MaxAttempts).
		WithDetail("profile", profile).
		WithDetail("swaps", s.swaps)
}

// swap rebinds the session to a replacement connection. The old connection
// is Detached by the pool, so closing it disconnects it.
func (s *RetryingSession) swap(ctx context.Context) error {
	s.state = Swapping
	old := s.conn

	next, err := s.pool.Swap(ctx, old)
	if err != nil {
		s.state = Failed
		return err
	}

	if err := old.Close(); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", old.ID()).Msg("Closing swapped-out connection")
	}

	s.conn = next
	s.swaps++
	s.state = Bound
	s.metrics.IncrementCounter(metrics.SessionRetries, "profile", next.profile.String())
	return nil
}

// truncateQuery truncates long queries for logging.
func truncateQuery(query string) string {
	const maxLen = 100
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
