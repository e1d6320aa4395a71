// Package profiles resolves connection profiles into dialable targets.
//
// A profile is either a name registered from configuration or the path of a
// MySQL option file whose [client] section carries the credentials, which is
// how Toolforge hands them out (replica.my.cnf).
package profiles

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	pkgerrors "github.com/TFMV/chdb/pkg/errors"
	"github.com/TFMV/chdb/pkg/infrastructure/pool"
)

const (
	defaultHost = "localhost"
	defaultPort = 3306
)

// Credentials describe how to reach one database.
type Credentials struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
}

// Target builds the pool target for these credentials. An explicit DSN wins
// over the individual fields.
func (c Credentials) Target() (pool.Target, error) {
	driver := c.Driver
	if driver == "" {
		driver = pool.DriverMySQL
	}

	switch driver {
	case pool.DriverMySQL:
		if c.DSN != "" {
			return pool.Target{Driver: driver, DSN: c.DSN}, nil
		}
		if c.User == "" {
			return pool.Target{}, pkgerrors.New(pkgerrors.CodeInvalidProfile, "mysql credentials require a user")
		}
		host := c.Host
		if host == "" {
			host = defaultHost
		}
		port := c.Port
		if port == 0 {
			port = defaultPort
		}
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		cfg.DBName = c.Database
		return pool.Target{Driver: driver, DSN: cfg.FormatDSN()}, nil
	case pool.DriverSQLite, pool.DriverDuckDB:
		dsn := c.DSN
		if dsn == "" {
			dsn = c.Database
		}
		return pool.Target{Driver: driver, DSN: dsn}, nil
	default:
		return pool.Target{}, pkgerrors.New(pkgerrors.CodeInvalidProfile, fmt.Sprintf("unsupported driver %q", driver))
	}
}

// Registry resolves profiles from registered credentials, falling back to
// reading the profile as an option file path.
type Registry struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	defs map[pool.Profile]Credentials
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
		defs:   make(map[pool.Profile]Credentials),
	}
}

// LoadFromViper registers every entry under the "profiles" key of v.
func LoadFromViper(v *viper.Viper, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	var defs map[string]Credentials
	if err := v.UnmarshalKey("profiles", &defs); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidProfile, "failed to decode profiles")
	}
	for name, creds := range defs {
		r.Register(pool.Profile(name), creds)
	}
	return r, nil
}

// Register adds or replaces the credentials for profile.
func (r *Registry) Register(profile pool.Profile, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[profile] = creds
}

// Profiles returns the registered profile names.
func (r *Registry) Profiles() []pool.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pool.Profile, 0, len(r.defs))
	for profile := range r.defs {
		out = append(out, profile)
	}
	return out
}

// Resolve implements pool.Resolver.
func (r *Registry) Resolve(profile pool.Profile) (pool.Target, error) {
	r.mu.RLock()
	creds, ok := r.defs[profile]
	r.mu.RUnlock()

	if !ok {
		fileCreds, err := ReadOptionFile(profile.String())
		if err != nil {
			return pool.Target{}, err
		}
		creds = fileCreds
		r.logger.Debug().Str("profile", profile.String()).Msg("Resolved profile from option file")
	}
	return creds.Target()
}

// optionFileOptions parse MySQL option files: "=" is the only delimiter,
// "#" and ";" start a comment only after whitespace, and bare lines such as
// "!include" directives load as boolean keys.
var optionFileOptions = ini.LoadOptions{
	AllowBooleanKeys:         true,
	SpaceBeforeInlineComment: true,
	IgnoreContinuation:       true,
	KeyValueDelimiters:       "=",
}

// ReadOptionFile reads the [client] section of a MySQL option file,
// following its !include and !includedir directives. The non-standard
// "driver" and "dsn" keys are honoured so that local profiles can point at
// SQLite or DuckDB files.
func ReadOptionFile(path string) (Credentials, error) {
	f, err := ini.LoadSources(optionFileOptions, path)
	if err != nil {
		return Credentials{}, pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "cannot read option file %s", path)
	}
	if err := appendIncludes(f, path); err != nil {
		return Credentials{}, err
	}
	if !f.HasSection("client") {
		return Credentials{}, pkgerrors.New(pkgerrors.CodeInvalidProfile, fmt.Sprintf("%s has no [client] section", path))
	}

	var creds Credentials
	for _, key := range f.Section("client").Keys() {
		name := strings.ReplaceAll(strings.ToLower(key.Name()), "_", "-")
		switch name {
		case "user":
			creds.User = key.String()
		case "password":
			creds.Password = key.String()
		case "host":
			creds.Host = key.String()
		case "port":
			port, err := key.Int()
			if err != nil {
				return Credentials{}, pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "%s: invalid port", path)
			}
			creds.Port = port
		case "database", "db":
			creds.Database = key.String()
		case "driver":
			creds.Driver = key.String()
		case "dsn":
			creds.DSN = key.String()
		}
	}
	return creds, nil
}

// appendIncludes loads the files named by !include and !includedir
// directives into f. Relative paths are taken from the including file's
// directory. Directives found in included files are followed too.
func appendIncludes(f *ini.File, path string) error {
	seen := map[string]bool{path: true}
	for {
		var pending []string
		for _, section := range f.Sections() {
			for _, key := range section.Keys() {
				directive, target, ok := strings.Cut(key.Name(), " ")
				if !ok {
					continue
				}
				target = strings.TrimSpace(target)
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(path), target)
				}
				switch directive {
				case "!include":
					pending = append(pending, target)
				case "!includedir":
					matches, err := filepath.Glob(filepath.Join(target, "*.cnf"))
					if err != nil {
						return pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "%s: bad !includedir %s", path, target)
					}
					pending = append(pending, matches...)
				}
			}
		}

		added := 0
		for _, include := range pending {
			if seen[include] {
				continue
			}
			seen[include] = true
			if err := f.Append(include); err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.CodeInvalidProfile, "cannot read option file %s", include)
			}
			added++
		}
		if added == 0 {
			return nil
		}
	}
}
