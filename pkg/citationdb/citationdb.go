// Package citationdb manages the Citation Hunt databases on top of the
// connection pool: naming and creating the per-user tool databases,
// creating the schema, and rebuilding it through a scratch database that is
// swapped in atomically.
package citationdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/pool"
)

// Logical database names.
const (
	DBNameLive    = "citationhunt"
	DBNameScratch = "scratch"
	DBNameStats   = "stats"
)

// DefaultProjectIndexDatabase hosts the WikiProject index.
const DefaultProjectIndexDatabase = "s52475__wpx_p"

var langCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Config describes one deployment of the citation databases.
type Config struct {
	// LangCode is the language of the current deployment, e.g. "en".
	LangCode string
	// Languages lists every supported language; the stats database gets a
	// pair of views per entry.
	Languages []string
	// SnippetMaxSize bounds snippet length in characters.
	SnippetMaxSize int
	// ReplicaDatabase is the Wikipedia replica to read, e.g. "enwiki_p".
	ReplicaDatabase string
	// ProjectIndexDatabase defaults to DefaultProjectIndexDatabase.
	ProjectIndexDatabase string

	// Profile holds the tool's own credentials.
	Profile pool.Profile
	// ReplicaProfile holds the Wikipedia replica credentials.
	ReplicaProfile pool.Profile
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if !langCodePattern.MatchString(c.LangCode) {
		return pkgerrors.New(pkgerrors.CodeFailedPrecondition, fmt.Sprintf("invalid language code %q", c.LangCode))
	}
	for _, lang := range c.Languages {
		if !langCodePattern.MatchString(lang) {
			return pkgerrors.New(pkgerrors.CodeFailedPrecondition, fmt.Sprintf("invalid language code %q", lang))
		}
	}
	if c.SnippetMaxSize <= 0 {
		return pkgerrors.New(pkgerrors.CodeFailedPrecondition, "snippet max size must be positive")
	}
	if c.Profile == "" {
		return pkgerrors.New(pkgerrors.CodeFailedPrecondition, "profile is required")
	}
	if c.ReplicaProfile == "" {
		c.ReplicaProfile = c.Profile
	}
	if c.ProjectIndexDatabase == "" {
		c.ProjectIndexDatabase = DefaultProjectIndexDatabase
	}
	return nil
}

// Databases opens sessions on the citation databases.
type Databases struct {
	pool   *pool.ConnectionPool
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and returns a Databases bound to p.
func New(p *pool.ConnectionPool, cfg Config, logger zerolog.Logger) (*Databases, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Databases{
		pool:   p,
		cfg:    cfg,
		logger: logger.With().Str("component", "citationdb").Logger(),
	}, nil
}

// Config returns the validated configuration.
func (d *Databases) Config() Config {
	return d.cfg
}

// ToolsDBName returns the name of a tool database owned by the user conn is
// authenticated as: <user>__<database>_<lang>.
func ToolsDBName(ctx context.Context, conn *pool.PooledConnection, database, lang string) (string, error) {
	var user string
	if err := conn.QueryRow(ctx, "SELECT SUBSTRING_INDEX(USER(), '@', 1)", nil, &user); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s__%s_%s", user, database, lang), nil
}

// EnsureDatabase returns an initializer that creates the tool database if
// needed and makes it the connection's default database.
func EnsureDatabase(database, lang string) pool.Initializer {
	return func(ctx context.Context, conn *pool.PooledConnection) error {
		name, err := ToolsDBName(ctx, conn, database, lang)
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, "SET SESSION sql_mode = ''"); err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+quoteIdent(name)+" CHARACTER SET "+pool.Charset); err != nil {
			return err
		}
		_, err = conn.Exec(ctx, "USE "+quoteIdent(name))
		return err
	}
}

// UseDatabase returns an initializer that switches to an existing database.
func UseDatabase(name string) pool.Initializer {
	return func(ctx context.Context, conn *pool.PooledConnection) error {
		_, err := conn.Exec(ctx, "USE "+quoteIdent(name))
		return err
	}
}

// InitDB opens a session on the live database for lang.
func (d *Databases) InitDB(ctx context.Context, lang string) (*pool.RetryingSession, error) {
	if !langCodePattern.MatchString(lang) {
		return nil, pkgerrors.New(pkgerrors.CodeFailedPrecondition, fmt.Sprintf("invalid language code %q", lang))
	}
	return d.pool.Open(ctx, d.cfg.Profile, EnsureDatabase(DBNameLive, lang))
}

// InitScratchDB opens a session on the scratch database of the configured
// language.
func (d *Databases) InitScratchDB(ctx context.Context) (*pool.RetryingSession, error) {
	return d.pool.Open(ctx, d.cfg.Profile, EnsureDatabase(DBNameScratch, d.cfg.LangCode))
}

// InitStatsDB opens a session on the global stats database, creating its
// tables and per-language views.
func (d *Databases) InitStatsDB(ctx context.Context) (*pool.RetryingSession, error) {
	return d.pool.Open(ctx, d.cfg.Profile, pool.Chain(
		EnsureDatabase(DBNameStats, "global"),
		d.createStatsTables,
	))
}

// InitWPReplicaDB opens a session on the Wikipedia replica.
func (d *Databases) InitWPReplicaDB(ctx context.Context) (*pool.RetryingSession, error) {
	if d.cfg.ReplicaDatabase == "" {
		return nil, pkgerrors.New(pkgerrors.CodeFailedPrecondition, "no replica database configured")
	}
	return d.pool.Open(ctx, d.cfg.ReplicaProfile, UseDatabase(d.cfg.ReplicaDatabase))
}

// InitProjectIndexDB opens a session on the WikiProject index.
func (d *Databases) InitProjectIndexDB(ctx context.Context) (*pool.RetryingSession, error) {
	return d.pool.Open(ctx, d.cfg.Profile, UseDatabase(d.cfg.ProjectIndexDatabase))
}

func (d *Databases) createStatsTables(ctx context.Context, conn *pool.PooledConnection) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			ts DATETIME, lang_code VARCHAR(4), snippet_id VARCHAR(128),
			category_id VARCHAR(128), url VARCHAR(768), prefetch BOOLEAN,
			status_code INTEGER, referrer VARCHAR(128))
			ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS fixed (
			clicked_ts DATETIME, snippet_id VARCHAR(128) UNIQUE,
			lang_code VARCHAR(4))
			ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	// Views cannot reference statement parameters, so the validated
	// language code is inlined.
	for _, lang := range d.cfg.Languages {
		stmts = append(stmts,
			fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM requests WHERE lang_code = '%s'",
				quoteIdent("requests_"+lang), lang),
			fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM fixed WHERE lang_code = '%s'",
				quoteIdent("fixed_"+lang), lang),
		)
	}
	return execAll(ctx, conn, stmts)
}

// CreateTables creates the Citation Hunt schema in the session's current
// database.
func (d *Databases) CreateTables(ctx context.Context, s *pool.RetryingSession) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS categories (id VARCHAR(128) PRIMARY KEY,
			title VARCHAR(255)) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`INSERT IGNORE INTO categories VALUES ('unassigned', 'unassigned')`,
		`CREATE TABLE IF NOT EXISTS articles (page_id INT(8) UNSIGNED
			PRIMARY KEY, url VARCHAR(512), title VARCHAR(512))
			ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS articles_categories (
			article_id INT(8) UNSIGNED, category_id VARCHAR(128),
			FOREIGN KEY(article_id) REFERENCES articles(page_id)
			ON DELETE CASCADE,
			FOREIGN KEY(category_id) REFERENCES categories(id)
			ON DELETE CASCADE) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS category_article_count (
			category_id VARCHAR(128), article_count INT(8) UNSIGNED,
			FOREIGN KEY(category_id) REFERENCES categories(id)
			ON DELETE CASCADE) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snippets (id VARCHAR(128) PRIMARY KEY,
			snippet VARCHAR(%d), section VARCHAR(768), article_id INT(8)
			UNSIGNED, FOREIGN KEY(article_id) REFERENCES articles(page_id)
			ON DELETE CASCADE) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, d.cfg.SnippetMaxSize*2),
		`CREATE TABLE IF NOT EXISTS snippets_links (prev VARCHAR(128),
			next VARCHAR(128), cat_id VARCHAR(128),
			FOREIGN KEY(prev) REFERENCES snippets(id) ON DELETE CASCADE,
			FOREIGN KEY(next) REFERENCES snippets(id) ON DELETE CASCADE,
			FOREIGN KEY(cat_id) REFERENCES categories(id) ON DELETE CASCADE)
			ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	return s.Run(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		return execAll(ctx, conn, stmts)
	})
}

// ResetScratchDB drops and recreates the scratch database with an empty
// schema. The returned session selects the scratch database on every
// connection it is bound to, replacements included.
func (d *Databases) ResetScratchDB(ctx context.Context) (*pool.RetryingSession, error) {
	boot, err := d.InitDB(ctx, d.cfg.LangCode)
	if err != nil {
		return nil, err
	}

	err = boot.Run(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		name, err := ToolsDBName(ctx, conn, DBNameScratch, d.cfg.LangCode)
		if err != nil {
			return err
		}
		return execAll(ctx, conn, []string{
			"DROP DATABASE IF EXISTS " + quoteIdent(name),
			"CREATE DATABASE " + quoteIdent(name) + " CHARACTER SET " + pool.Charset,
		})
	})
	d.finish(boot)
	if err != nil {
		return nil, err
	}

	s, err := d.InitScratchDB(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.CreateTables(ctx, s); err != nil {
		d.finish(s)
		return nil, err
	}

	d.logger.Info().Str("lang", d.cfg.LangCode).Msg("Scratch database reset")
	return s, nil
}

// InstallScratchDB atomically moves every scratch table into the live
// database, keeping the previous live tables as old_<name> in the scratch
// database, which is then dropped.
func (d *Databases) InstallScratchDB(ctx context.Context) error {
	s, err := d.InitDB(ctx, d.cfg.LangCode)
	if err != nil {
		return err
	}

	if err := d.CreateTables(ctx, s); err != nil {
		d.finish(s)
		return err
	}

	var live, scratch, rename string
	err = s.Run(ctx, func(ctx context.Context, conn *pool.PooledConnection) error {
		var err error
		if live, err = ToolsDBName(ctx, conn, DBNameLive, d.cfg.LangCode); err != nil {
			return err
		}
		if scratch, err = ToolsDBName(ctx, conn, DBNameScratch, d.cfg.LangCode); err != nil {
			return err
		}
		return conn.QueryRow(ctx, renameQuery, []any{live + ".", live + ".", scratch}, &rename)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		d.finish(s)
		return err
	}
	if rename == "" {
		d.finish(s)
		return pkgerrors.New(pkgerrors.CodeFailedPrecondition, "scratch database has no tables").
			WithDetail("database", scratch)
	}

	if _, err := s.Execute(ctx, rename); err != nil {
		d.finish(s)
		return err
	}
	if _, err := s.Execute(ctx, "DROP DATABASE "+quoteIdent(scratch)); err != nil {
		d.finish(s)
		return err
	}

	d.logger.Info().Str("live", live).Str("scratch", scratch).Msg("Scratch database installed")
	return s.Close()
}

// renameQuery builds one RENAME TABLE statement swapping every table of the
// scratch schema with its live counterpart.
const renameQuery = `SELECT CONCAT('RENAME TABLE ',
	GROUP_CONCAT(?, table_name,
	' TO ', table_schema, '.old_', table_name, ', ',
	table_schema, '.', table_name, ' TO ', ?, table_name), ';')
	FROM information_schema.TABLES WHERE table_schema = ?
	GROUP BY table_schema`

func (d *Databases) finish(s *pool.RetryingSession) {
	if err := s.Finish(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to release session")
	}
}

func execAll(ctx context.Context, conn *pool.PooledConnection, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
