package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
	DriverDuckDB = "duckdb"
)

// Charset is the character set every MySQL session is opened with.
const Charset = "utf8mb4"

// Target is a resolved profile: which driver to use and how to reach it.
type Target struct {
	Driver string
	DSN    string
}

// Resolver turns a profile into a dialable target. Resolving credentials is
// the caller's concern; the pool only asks for the result.
type Resolver interface {
	Resolve(profile Profile) (Target, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(profile Profile) (Target, error)

// Resolve calls f(profile).
func (f ResolverFunc) Resolve(profile Profile) (Target, error) {
	return f(profile)
}

// SQLDialer dials sessions through database/sql. Each profile gets one
// *sql.DB with idle pooling disabled, so closing a session really
// disconnects it and reuse is left entirely to ConnectionPool.
type SQLDialer struct {
	resolver Resolver
	logger   zerolog.Logger

	mu  sync.Mutex
	dbs map[Profile]*sql.DB
}

// NewSQLDialer creates a dialer that resolves profiles through resolver.
func NewSQLDialer(resolver Resolver, logger zerolog.Logger) *SQLDialer {
	return &SQLDialer{
		resolver: resolver,
		logger:   logger,
		dbs:      make(map[Profile]*sql.DB),
	}
}

// Dial opens one dedicated session for profile.
func (d *SQLDialer) Dial(ctx context.Context, profile Profile) (Session, error) {
	db, err := d.handle(profile)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlSession{conn: conn}, nil
}

// Close closes every per-profile handle. Sessions still checked out are
// invalidated.
func (d *SQLDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for profile, db := range d.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.dbs, profile)
	}
	return firstErr
}

func (d *SQLDialer) handle(profile Profile) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[profile]; ok {
		return db, nil
	}

	target, err := d.resolver.Resolve(profile)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "cannot resolve profile %s", profile)
	}

	db, err := openTarget(target)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(0)

	d.logger.Info().
		Str("profile", profile.String()).
		Str("driver", target.Driver).
		Str("dsn", maskTarget(target)).
		Msg("Opened database handle")

	d.dbs[profile] = db
	return db, nil
}

func openTarget(target Target) (*sql.DB, error) {
	switch target.Driver {
	case DriverMySQL, "":
		cfg, err := mysql.ParseDSN(target.DSN)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidProfile, "invalid MySQL DSN")
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["charset"] = Charset
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidProfile, "invalid MySQL configuration")
		}
		return sql.OpenDB(connector), nil
	case DriverSQLite, DriverDuckDB:
		db, err := sql.Open(target.Driver, target.DSN)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "failed to open %s database", target.Driver)
		}
		return db, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeInvalidProfile, fmt.Sprintf("unsupported driver %q", target.Driver))
	}
}

// sqlSession pins one database/sql connection.
type sqlSession struct {
	conn *sql.Conn
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *sqlSession) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	return s.conn.QueryRowContext(ctx, query, args...).Scan(dest...)
}

func (s *sqlSession) Close() error {
	return s.conn.Close()
}

// maskTarget renders a target's DSN for logs with the password removed.
func maskTarget(target Target) string {
	if target.Driver == DriverMySQL || target.Driver == "" {
		cfg, err := mysql.ParseDSN(target.DSN)
		if err != nil {
			return maskDSN(target.DSN)
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "*****"
		}
		return cfg.FormatDSN()
	}
	return maskDSN(target.DSN)
}

// maskDSN hides sensitive information (passwords, tokens, secrets) but keeps
// enough of the string to be recognisable in logs.
//
//   - ":memory:" or empty → returned verbatim
//   - URL‑like DSNs       → redact user‑password and sensitive query params
//   - Plain paths/files   → keep first/last 3 runes, mask the middle
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

// looksLikeURL returns true when the parsed value has enough URL structure to
// treat it as a DSN we can meaningfully redact.
func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

// isSensitiveKey reports whether a query key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
