// Package config provides configuration structures for the chdb command.
package config

import (
	"fmt"
	"time"

	"github.com/TFMV/chdb/pkg/citationdb"
	"github.com/TFMV/chdb/pkg/infrastructure/pool"
)

// Config represents the command configuration.
type Config struct {
	LogLevel         string        `yaml:"log_level" json:"log_level"`
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`

	// Profile is the tool's own credential profile; ReplicaProfile reads the
	// Wikipedia replicas and defaults to Profile.
	Profile        string `yaml:"profile" json:"profile"`
	ReplicaProfile string `yaml:"replica_profile" json:"replica_profile"`

	// Citation database settings
	CitationDB CitationDBConfig `yaml:"citationdb" json:"citationdb"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// CitationDBConfig represents the citation database settings.
type CitationDBConfig struct {
	LangCode             string   `yaml:"lang_code" json:"lang_code"`
	Languages            []string `yaml:"languages" json:"languages"`
	SnippetMaxSize       int      `yaml:"snippet_max_size" json:"snippet_max_size"`
	ReplicaDatabase      string   `yaml:"replica_database" json:"replica_database"`
	ProjectIndexDatabase string   `yaml:"project_index_database" json:"project_index_database"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Profile == "" {
		return fmt.Errorf("profile is required")
	}
	if c.ReplicaProfile == "" {
		c.ReplicaProfile = c.Profile
	}

	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 10 * time.Minute
	}

	if c.CitationDB.LangCode == "" {
		c.CitationDB.LangCode = "en"
	}
	if len(c.CitationDB.Languages) == 0 {
		c.CitationDB.Languages = []string{c.CitationDB.LangCode}
	}
	if c.CitationDB.SnippetMaxSize <= 0 {
		c.CitationDB.SnippetMaxSize = 420
	}
	if c.CitationDB.ReplicaDatabase == "" {
		c.CitationDB.ReplicaDatabase = c.CitationDB.LangCode + "wiki_p"
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chdb"
	}

	return nil
}

// CitationDBConfig converts the settings into a citationdb.Config.
func (c *Config) CitationDBConfig() citationdb.Config {
	return citationdb.Config{
		LangCode:             c.CitationDB.LangCode,
		Languages:            c.CitationDB.Languages,
		SnippetMaxSize:       c.CitationDB.SnippetMaxSize,
		ReplicaDatabase:      c.CitationDB.ReplicaDatabase,
		ProjectIndexDatabase: c.CitationDB.ProjectIndexDatabase,
		Profile:              pool.Profile(c.Profile),
		ReplicaProfile:       pool.Profile(c.ReplicaProfile),
	}
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:         "info",
		StatementTimeout: 10 * time.Minute,
		Profile:          "ch.my.cnf",
		ReplicaProfile:   "wp.my.cnf",
		CitationDB: CitationDBConfig{
			LangCode:             "en",
			Languages:            []string{"en"},
			SnippetMaxSize:       420,
			ReplicaDatabase:      "enwiki_p",
			ProjectIndexDatabase: citationdb.DefaultProjectIndexDatabase,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "chdb",
		},
	}
}
