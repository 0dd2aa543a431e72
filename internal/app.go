// Package internal wires the application's components together.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sirupsen/logrus"

	"webalyze/internal/config"
	"webalyze/internal/engine"
	"webalyze/internal/history"
	"webalyze/internal/logging"
	"webalyze/internal/metrics"
	"webalyze/internal/pkg/geoip"
	"webalyze/internal/pkg/user_agent"
	"webalyze/internal/resolver"
)

// Application holds the long-lived collaborators shared by every command.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	History *history.DBManager

	storeLogger *logrus.Entry
	geo         *geoip.DB
	resolver    *resolver.Resolver
}

// NewApp creates a new application instance from the global configuration
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logCfg := logging.FromProvider(cfg)
	logCfg.Quiet = cfg.IsTest()
	logger := logging.NewLogger(logCfg)
	user_agent.InitLogger(logger)

	hist := history.NewDBManager(cfg.HistoryPath, logger)
	if err := hist.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	return &Application{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics.New(),
		History:     hist,
		storeLogger: logging.NewStoreLogger(logCfg),
	}, nil
}

// startResolver opens the GeoIP databases and starts the lookup workers.
// Missing databases only disable location lookups.
func (a *Application) startResolver(ctx context.Context) (*resolver.Resolver, error) {
	if a.resolver != nil {
		return a.resolver, nil
	}
	if a.geo == nil {
		geo, err := geoip.Open(a.Config.GeoDBPath, a.Config.ASNDBPath, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP databases: %w", err)
		}
		a.geo = geo
	}
	r, err := resolver.New(resolver.Options{
		Workers:   a.Config.DNSWorkers,
		Timeout:   a.Config.DNSTimeout(),
		CacheSize: a.Config.DNSCacheSize,
		DNS:       a.Config.DNSEnabled,
	}, a.geo, a.Metrics, a.Logger.With(slog.String("component", "resolver")))
	if err != nil {
		return nil, err
	}
	r.Start(ctx)
	a.resolver = r
	return r, nil
}

// OpenEngine opens the store for mode. Processing runs also get the
// resolver, started on ctx.
func (a *Application) OpenEngine(ctx context.Context, mode engine.Mode, reporter engine.Reporter) (*engine.Engine, error) {
	opts := engine.Options{
		Mode:        mode,
		Logger:      a.Logger,
		StoreLogger: a.storeLogger,
		Metrics:     a.Metrics,
		History:     a.History,
		Reporter:    reporter,
	}
	if mode == engine.ModeProcess {
		r, err := a.startResolver(ctx)
		if err != nil {
			return nil, err
		}
		opts.Resolver = r
	}
	return engine.New(a.Config, opts)
}

// StopResolver stops the lookup workers. With abandon set, queued lookups
// are dropped, as after an interrupted run.
func (a *Application) StopResolver(abandon bool) error {
	if a.resolver == nil {
		return nil
	}
	err := a.resolver.Close(abandon)
	a.resolver = nil
	return err
}

// Shutdown releases the resolver, the GeoIP readers and the history
// database. Outstanding lookups are abandoned once ctx is done.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.StopResolver(ctx.Err() != nil); err != nil {
		errs = append(errs, fmt.Errorf("resolver: %w", err))
	}
	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("geoip: %w", err))
		}
		a.geo = nil
	}
	if err := a.History.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.Logger.Debug("Application shut down")
	return nil
}
