package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/TFMV/chdb/cmd/chdb/config"
	"github.com/TFMV/chdb/pkg/citationdb"
	"github.com/TFMV/chdb/pkg/infrastructure/metrics"
	"github.com/TFMV/chdb/pkg/infrastructure/pool"
	"github.com/TFMV/chdb/pkg/profiles"
)

// app wires the pool and its collaborators for one command invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	metrics       metrics.Collector
	metricsServer *metrics.MetricsServer

	dialer *pool.SQLDialer
	pool   *pool.ConnectionPool
	dbs    *citationdb.Databases
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		a.metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := a.metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	} else {
		a.metrics = metrics.NewNoOpCollector()
	}

	registry, err := profiles.LoadFromViper(viper.GetViper(), logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.dialer = pool.NewSQLDialer(registry, logger)
	a.pool = pool.New(a.dialer,
		pool.WithLogger(logger),
		pool.WithMetrics(a.metrics),
	)

	a.dbs, err = citationdb.New(a.pool, cfg.CitationDBConfig(), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) closeSession(s *pool.RetryingSession) {
	if err := s.Finish(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release session")
	}
}

// probe runs query once on the configured profile and logs the outcome.
func (a *app) probe(ctx context.Context, query string) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	s, err := a.pool.Open(ctx, pool.Profile(a.cfg.Profile), nil)
	if err != nil {
		a.logger.Error().Err(err).Str("profile", a.cfg.Profile).Msg("Probe failed to connect")
		return
	}
	defer a.closeSession(s)

	if _, err := s.Execute(ctx, query); err != nil {
		a.logger.Error().Err(err).Str("profile", a.cfg.Profile).Msg("Probe failed")
		return
	}

	stats := a.pool.ProfileStats(pool.Profile(a.cfg.Profile))
	a.logger.Debug().
		Str("profile", a.cfg.Profile).
		Int64("connects", stats.Connects).
		Int64("swaps", stats.Swaps).
		Int("free", stats.Free).
		Msg("Probe succeeded")
}

func (a *app) close() {
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(); err != nil {
			a.logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
	if a.dialer != nil {
		if err := a.dialer.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing database handles")
		}
	}
}
