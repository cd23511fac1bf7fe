// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package controller composes the daemon: storage backend, template
// registry, trigger scheduler, worker pool, and control-plane API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wirl-lang/wirld/internal/config"
	"github.com/wirl-lang/wirld/internal/controller/api"
	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/backend/postgres"
	"github.com/wirl-lang/wirld/internal/controller/backend/sqlite"
	"github.com/wirl-lang/wirld/internal/controller/metrics"
	"github.com/wirl-lang/wirld/internal/controller/scheduler"
	"github.com/wirl-lang/wirld/internal/controller/templates"
	"github.com/wirl-lang/wirld/internal/controller/worker"
	"github.com/wirl-lang/wirld/internal/log"
	"github.com/wirl-lang/wirld/internal/tracing"
	"github.com/wirl-lang/wirld/pkg/functions"
)

// Options contains dependencies the caller may override.
type Options struct {
	// Logger for all components. Default: built from cfg.Log.
	Logger *slog.Logger

	// Resolver executes node call targets. Default: subprocess runner
	// from cfg.Functions; a registry resolver suits embedded use.
	Resolver functions.Resolver

	// Version is reported in traces.
	Version string
}

// Controller is the composed daemon.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	store     backend.Backend
	registry  *templates.Registry
	watcher   *templates.Watcher
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	server    *http.Server

	tracingShutdown func(context.Context) error
}

// New builds a controller from configuration. It opens the database,
// loads workflow definitions, and binds all components, but starts
// nothing; call Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	}

	tracingShutdown, err := tracing.Setup(cfg.Tracing.Enabled, "wirld", opts.Version)
	if err != nil {
		return nil, err
	}

	store, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := templates.New(cfg.Workflows.Dir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, loadErr := range registry.Errors() {
		logger.Warn("workflow failed to load", "path", loadErr.Path, "error", loadErr.Message)
	}

	var watcher *templates.Watcher
	if cfg.Workflows.Watch {
		watcher, err = templates.NewWatcher(registry)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = &functions.Subprocess{
			Command: cfg.Functions.Command,
			Args:    cfg.Functions.Args,
		}
	}

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled() {
		sched = scheduler.New(store, scheduler.Config{
			Tick:   cfg.Scheduler.Tick,
			Lookup: registry.LookupHash,
			Logger: logger,
		})
	}

	pool := worker.New(store, registry, workerBaseID(), worker.Config{
		Count:             cfg.Worker.Count,
		StaleTimeout:      cfg.Worker.StaleTimeout,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimRate:         rate.Limit(cfg.Worker.ClaimRate),
		MaxRetries:        cfg.Worker.MaxRetries,
		Resolver:          resolver,
		Metrics:           metrics.Worker{},
		Logger:            logger,
	})

	apiServer := api.New(store, registry, logger)
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Controller{
		cfg:             cfg,
		logger:          log.WithComponent(logger, "controller"),
		store:           store,
		registry:        registry,
		watcher:         watcher,
		scheduler:       sched,
		pool:            pool,
		server:          server,
		tracingShutdown: tracingShutdown,
	}, nil
}

// Start launches all components and blocks until ctx is canceled or the
// HTTP listener fails, then shuts everything down.
func (c *Controller) Start(ctx context.Context) error {
	if c.watcher != nil {
		c.watcher.Start(ctx)
	}
	if c.scheduler != nil {
		c.scheduler.Start(ctx)
	}
	c.pool.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("api listening", "addr", c.server.Addr)
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops components in dependency order: stop accepting work,
// drain in-flight runs, then close storage.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down")

	var errs []error
	if err := c.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	c.pool.Stop()

	if err := c.tracingShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}

	c.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.DatabaseDriver() {
	case "postgres":
		store, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Database.URL,
			MaxOpenConns:     cfg.Database.MaxOpenConns,
			MaxIdleConns:     cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.New(sqlite.Config{Path: cfg.Database.Path, WAL: true})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// workerBaseID identifies this process in claimed_by values. Hostname
// plus a random suffix keeps two daemons on one host distinct.
func workerBaseID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wirld"
	}
	return host + "-" + uuid.NewString()[:8]
}
