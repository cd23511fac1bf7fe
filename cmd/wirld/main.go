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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wirl-lang/wirld/internal/config"
	"github.com/wirl-lang/wirld/internal/controller"
	"github.com/wirl-lang/wirld/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML configuration file")
		listenAddr    = flag.String("listen", "", "API listen address")
		postgresURL   = flag.String("postgres-url", "", "PostgreSQL connection URL")
		sqlitePath    = flag.String("sqlite-path", "", "SQLite database file")
		workflowsDir  = flag.String("workflows-dir", "", "Directory scanned for workflow files")
		workers       = flag.Int("workers", 0, "Number of run workers")
		schedulerTick = flag.Duration("scheduler-tick", 0, "Trigger polling interval")
		functionsCmd  = flag.String("functions", "", "Command executing node call targets")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wirld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Flags override file and environment.
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *postgresURL != "" {
		cfg.Database.URL = *postgresURL
		cfg.Database.Driver = "postgres"
	}
	if *sqlitePath != "" {
		cfg.Database.Path = *sqlitePath
		cfg.Database.Driver = "sqlite"
	}
	if *workflowsDir != "" {
		cfg.Workflows.Dir = *workflowsDir
	}
	if *workers > 0 {
		cfg.Worker.Count = *workers
	}
	if *schedulerTick > 0 {
		cfg.Scheduler.Tick = *schedulerTick
	}
	if *functionsCmd != "" {
		cfg.Functions.Command = *functionsCmd
	}

	ctrl, err := controller.New(cfg, controller.Options{
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		logger.Error("Failed to create controller", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	start := time.Now()
	logger.Info("wirld starting", slog.String("version", version))
	if err := ctrl.Start(ctx); err != nil {
		logger.Error("Daemon error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("wirld stopped", slog.String("uptime", time.Since(start).String()))
}
