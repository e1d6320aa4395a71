// Package main provides the entry point for the chdb command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/chdb/cmd/chdb/config"
	"github.com/TFMV/chdb/pkg/citationdb"
	"github.com/TFMV/chdb/pkg/infrastructure/pool"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chdb",
	Short: "Citation Hunt database tool",
	Long: `Manage the Citation Hunt databases through a pooled, self-healing
set of MySQL sessions.

Profiles name either an entry under "profiles" in the config file or a
my.cnf-style credential file.`,
	SilenceUsage: true,
}

var pingCmd = &cobra.Command{
	Use:   "ping [profile]",
	Short: "Open a session on a profile and run a trivial query",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withApp(runPing),
}

var execCmd = &cobra.Command{
	Use:   "exec STATEMENT...",
	Short: "Execute statements through a retrying session",
	Long: `Execute statements through a retrying session.

Statements are re-run after a lost connection, so they must be safe to
execute more than once.

Example:
  chdb exec --use s52475__citationhunt_en "DELETE FROM snippets_links"`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(runExec),
}

var createTablesCmd = &cobra.Command{
	Use:   "create-tables",
	Short: "Create the schema in the live database",
	RunE:  withApp(runCreateTables),
}

var resetScratchCmd = &cobra.Command{
	Use:   "reset-scratch",
	Short: "Drop and recreate the scratch database",
	RunE:  withApp(runResetScratch),
}

var installScratchCmd = &cobra.Command{
	Use:   "install-scratch",
	Short: "Swap the scratch tables into the live database",
	RunE:  withApp(runInstallScratch),
}

var initStatsCmd = &cobra.Command{
	Use:   "init-stats",
	Short: "Create the stats tables and per-language views",
	RunE:  withApp(runInitStats),
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfig,
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve pool metrics while probing a profile periodically",
	RunE:  withApp(runServeMetrics),
}

func init() {
	rootCmd.AddCommand(pingCmd, execCmd, createTablesCmd, resetScratchCmd,
		installScratchCmd, initStatsCmd, serveMetricsCmd, configCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("profile", "ch.my.cnf", "tool database profile")
	flags.String("replica-profile", "", "Wikipedia replica profile (defaults to --profile)")
	flags.String("lang", "en", "language code")
	flags.StringSlice("languages", nil, "supported language codes")
	flags.Int("snippet-max-size", 420, "maximum snippet size in characters")
	flags.String("replica-database", "", "Wikipedia replica database (defaults to <lang>wiki_p)")
	flags.String("project-index-database", citationdb.DefaultProjectIndexDatabase, "WikiProject index database")
	flags.Duration("statement-timeout", 10*time.Minute, "timeout for one command's statements")
	flags.Bool("metrics", false, "enable Prometheus metrics")
	flags.String("metrics-address", ":9090", "metrics server address")
	flags.String("metrics-path", "/metrics", "metrics endpoint path")
	flags.String("metrics-namespace", "chdb", "Prometheus metrics namespace")

	execCmd.Flags().String("use", "", "database to select before executing")
	serveMetricsCmd.Flags().String("query", "SELECT 1", "probe query")
	serveMetricsCmd.Flags().Duration("interval", time.Minute, "probe interval")

	// Bind flags to viper
	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	if err := viper.BindPFlags(serveMetricsCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("CHDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chdb\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the application and runs fn with
// a context that is canceled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger := setupLogging(cfg.LogLevel)
		logger.Debug().
			Str("version", version).
			Str("command", cmd.Name()).
			Msg("Starting chdb")

		a, err := newApp(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return fn(ctx, a, cmd, args)
	}
}

func loadConfig() (*config.Config, error) {
	// Load config file if specified
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &config.Config{
		LogLevel:         viper.GetString("log-level"),
		StatementTimeout: viper.GetDuration("statement-timeout"),
		Profile:          viper.GetString("profile"),
		ReplicaProfile:   viper.GetString("replica-profile"),
		CitationDB: config.CitationDBConfig{
			LangCode:             viper.GetString("lang"),
			Languages:            viper.GetStringSlice("languages"),
			SnippetMaxSize:       viper.GetInt("snippet-max-size"),
			ReplicaDatabase:      viper.GetString("replica-database"),
			ProjectIndexDatabase: viper.GetString("project-index-database"),
		},
		Metrics: config.MetricsConfig{
			Enabled:   viper.GetBool("metrics"),
			Address:   viper.GetString("metrics-address"),
			Path:      viper.GetString("metrics-path"),
			Namespace: viper.GetString("metrics-namespace"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		// Enable caller info for debug level
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "chdb")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runPing(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	profile := pool.Profile(a.cfg.Profile)
	if len(args) == 1 {
		profile = pool.Profile(args[0])
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	s, err := a.pool.Open(ctx, profile, nil)
	if err != nil {
		return err
	}
	defer a.closeSession(s)

	var one int
	if err := s.QueryRow(ctx, "SELECT 1", nil, &one); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (conn %s, %d swaps)\n", profile, s.Conn().ID(), s.Swaps())
	return nil
}

func runExec(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	var initializer pool.Initializer
	if db, _ := cmd.Flags().GetString("use"); db != "" {
		initializer = citationdb.UseDatabase(db)
	}

	s, err := a.pool.Open(ctx, pool.Profile(a.cfg.Profile), initializer)
	if err != nil {
		return err
	}
	defer a.closeSession(s)

	for _, stmt := range args {
		res, err := s.Execute(ctx, stmt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		fmt.Fprintf(cmd.OutOrStdout(), "%d rows affected\n", n)
	}
	return nil
}

func runCreateTables(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	s, err := a.dbs.InitDB(ctx, a.cfg.CitationDB.LangCode)
	if err != nil {
		return err
	}
	defer a.closeSession(s)
	return a.dbs.CreateTables(ctx, s)
}

func runResetScratch(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	s, err := a.dbs.ResetScratchDB(ctx)
	if err != nil {
		return err
	}
	a.closeSession(s)
	return nil
}

func runInstallScratch(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()
	return a.dbs.InstallScratchDB(ctx)
}

func runInitStats(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	s, err := a.dbs.InitStatsDB(ctx)
	if err != nil {
		return err
	}
	a.closeSession(s)
	return nil
}

func runServeMetrics(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if a.metricsServer == nil {
		return fmt.Errorf("serve-metrics requires --metrics")
	}
	query := viper.GetString("query")
	interval := viper.GetDuration("interval")
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.probe(ctx, query)
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Received shutdown signal")
			return nil
		case <-ticker.C:
		}
	}
}
