package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/metrics"
)

// fakeResult is a sql.Result reporting a fixed row count.
type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// fakeSession records statements and delegates failures to its dialer.
type fakeSession struct {
	dialer  *fakeDialer
	profile Profile
	serial  int

	mu      sync.Mutex
	queries []string
	closed  int
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if err := s.dialer.fail(s, query); err != nil {
		return nil, err
	}
	return fakeResult(1), nil
}

func (s *fakeSession) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if err := s.dialer.fail(s, query); err != nil {
		return err
	}
	for _, d := range dest {
		if p, ok := d.(*string); ok {
			*p = "s52475"
		}
		if p, ok := d.(*int); ok {
			*p = 1
		}
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// fakeDialer hands out fakeSessions and counts physical connects.
type fakeDialer struct {
	mu       sync.Mutex
	dials    map[Profile]int
	sessions []*fakeSession
	dialErr  error
	failFn   func(s *fakeSession, query string) error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(map[Profile]int)}
}

func (d *fakeDialer) Dial(ctx context.Context, profile Profile) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials[profile]++
	s := &fakeSession{dialer: d, profile: profile, serial: len(d.sessions) + 1}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount(profile Profile) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[profile]
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) setFail(fn func(s *fakeSession, query string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFn = fn
}

func (d *fakeDialer) fail(s *fakeSession, query string) error {
	d.mu.Lock()
	fn := d.failFn
	d.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(s, query)
}

// failTimes makes the next n statements fail with a lost-connection error.
func failTimes(n int) (func(s *fakeSession, query string) error, *int) {
	var mu sync.Mutex
	calls := 0
	return func(s *fakeSession, query string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return driver.ErrBadConn
		}
		return nil
	}, &calls
}

// countingInitializer counts how often it runs.
type countingInitializer struct {
	mu    sync.Mutex
	calls int
	seen  []*PooledConnection
}

func (c *countingInitializer) init(ctx context.Context, conn *PooledConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.seen = append(c.seen, conn)
	return nil
}

func (c *countingInitializer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestPool(t *testing.T) (*ConnectionPool, *fakeDialer, *metrics.MemoryCollector) {
	t.Helper()
	dialer := newFakeDialer()
	collector := metrics.NewMemoryCollector()
	p := New(dialer,
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		WithMetrics(collector),
	)
	return p, dialer, collector
}

func sessionOf(t *testing.T, conn *PooledConnection) *fakeSession {
	t.Helper()
	s, ok := conn.Session().(*fakeSession)
	require.True(t, ok, "expected a fake session")
	return s
}

// recoverPoolError runs fn and returns the *PoolError it panicked with.
func recoverPoolError(fn func()) (perr *pkgerrors.PoolError) {
	defer func() {
		if r := recover(); r != nil {
			perr, _ = r.(*pkgerrors.PoolError)
		}
	}()
	fn()
	return nil
}
